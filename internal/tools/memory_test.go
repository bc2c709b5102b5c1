package tools

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/nextlevelbuilder/omniclaw/internal/memory"
)

// fakeMemStore is an in-memory memory.Store for tool tests.
type fakeMemStore struct {
	entries []memory.Entry
	nextID  int
	failAll bool
}

func (s *fakeMemStore) Remember(_ context.Context, e memory.Entry) (memory.Entry, error) {
	if s.failAll {
		return memory.Entry{}, fmt.Errorf("store offline")
	}
	s.nextID++
	e.ID = fmt.Sprintf("m%d", s.nextID)
	e.CreatedAtMs = int64(s.nextID)
	s.entries = append(s.entries, e)
	return e, nil
}

func (s *fakeMemStore) Search(_ context.Context, q string, limit int) ([]memory.Entry, error) {
	if s.failAll {
		return nil, fmt.Errorf("store offline")
	}
	var out []memory.Entry
	for i := len(s.entries) - 1; i >= 0 && len(out) < limit; i-- {
		if q == "" || strings.Contains(s.entries[i].Content, q) {
			out = append(out, s.entries[i])
		}
	}
	return out, nil
}

func (s *fakeMemStore) Recent(ctx context.Context, limit int) ([]memory.Entry, error) {
	return s.Search(ctx, "", limit)
}

func (s *fakeMemStore) Forget(_ context.Context, id string) (bool, error) {
	for i, e := range s.entries {
		if e.ID == id {
			s.entries = append(s.entries[:i], s.entries[i+1:]...)
			return true, nil
		}
	}
	return false, nil
}

func (s *fakeMemStore) Count(context.Context) (int, error) { return len(s.entries), nil }
func (s *fakeMemStore) Close() error                       { return nil }

func TestRememberTool(t *testing.T) {
	store := &fakeMemStore{}
	tool := NewRememberTool(store)
	ctx := WithToolSessionKey(context.Background(), "agent:main:telegram:direct:5")

	res := tool.Execute(ctx, map[string]interface{}{"content": "  user prefers metric units  "})
	if res.IsError {
		t.Fatalf("remember: %s", res.ForLLM)
	}
	if !strings.Contains(res.ForLLM, "Saved memory m1") {
		t.Errorf("result = %q", res.ForLLM)
	}
	e := store.entries[0]
	if e.Content != "user prefers metric units" {
		t.Errorf("content not trimmed: %q", e.Content)
	}
	if e.Kind != memory.KindFact {
		t.Errorf("kind = %q, want fact default", e.Kind)
	}
	if e.SessionKey != "agent:main:telegram:direct:5" {
		t.Errorf("session key = %q", e.SessionKey)
	}

	res = tool.Execute(ctx, map[string]interface{}{"content": "check logs later", "kind": "note"})
	if res.IsError || store.entries[1].Kind != memory.KindNote {
		t.Errorf("note kind not honored: %+v", store.entries[1])
	}

	res = tool.Execute(ctx, map[string]interface{}{"content": "   "})
	if !res.IsError {
		t.Error("blank content should fail")
	}
}

func TestRecallTool(t *testing.T) {
	store := &fakeMemStore{}
	tool := NewRecallTool(store)
	ctx := context.Background()

	res := tool.Execute(ctx, map[string]interface{}{"query": "anything"})
	if res.IsError || res.ForLLM != "(no matching memories)" {
		t.Fatalf("empty store recall = %+v", res)
	}

	remember := NewRememberTool(store)
	remember.Execute(ctx, map[string]interface{}{"content": "likes green tea"})
	remember.Execute(ctx, map[string]interface{}{"content": "owns a cat named Miso", "kind": "note"})

	res = tool.Execute(ctx, map[string]interface{}{"query": "cat"})
	if res.IsError {
		t.Fatalf("recall: %s", res.ForLLM)
	}
	if !strings.Contains(res.ForLLM, "Miso") || strings.Contains(res.ForLLM, "green tea") {
		t.Errorf("recall output = %q", res.ForLLM)
	}
	if !strings.Contains(res.ForLLM, "[m2]") || !strings.Contains(res.ForLLM, "(note)") {
		t.Errorf("recall format = %q", res.ForLLM)
	}

	store.failAll = true
	res = tool.Execute(ctx, map[string]interface{}{"query": "x"})
	if !res.IsError {
		t.Error("store failure should surface as error result")
	}
}

func TestForgetTool(t *testing.T) {
	store := &fakeMemStore{}
	NewRememberTool(store).Execute(context.Background(), map[string]interface{}{"content": "temp"})

	tool := NewForgetTool(store)
	res := tool.Execute(context.Background(), map[string]interface{}{"id": "m1"})
	if res.IsError || !strings.Contains(res.ForLLM, "Forgot memory m1") {
		t.Fatalf("forget = %+v", res)
	}
	if len(store.entries) != 0 {
		t.Error("entry not deleted")
	}

	res = tool.Execute(context.Background(), map[string]interface{}{"id": "m1"})
	if !res.IsError || !strings.Contains(res.ForLLM, "no memory with id m1") {
		t.Errorf("forget missing = %+v", res)
	}

	res = tool.Execute(context.Background(), map[string]interface{}{})
	if !res.IsError {
		t.Error("forget without id should fail")
	}
}
