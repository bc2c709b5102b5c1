package commands

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/nextlevelbuilder/omniclaw/internal/config"
	"github.com/nextlevelbuilder/omniclaw/internal/mcp"
	"github.com/nextlevelbuilder/omniclaw/internal/providers"
	"github.com/nextlevelbuilder/omniclaw/internal/store/file"
	"github.com/nextlevelbuilder/omniclaw/internal/tools"
)

type fakeRunner struct {
	stopReturn bool
	stopped    []string
	active     int
}

func (f *fakeRunner) Stop(key string) bool {
	f.stopped = append(f.stopped, key)
	return f.stopReturn
}

func (f *fakeRunner) ActiveSessions() int { return f.active }

type fakeUpdater struct {
	current    string
	latest     string
	available  bool
	checkErr   error
	restartErr error
	applied    bool
	restarted  bool
}

func (f *fakeUpdater) Check(ctx context.Context) (string, string, bool, error) {
	return f.current, f.latest, f.available, f.checkErr
}

func (f *fakeUpdater) Apply(ctx context.Context) error {
	f.applied = true
	return nil
}

func (f *fakeUpdater) Restart() error {
	f.restarted = true
	return f.restartErr
}

type fakeMCP struct{ statuses []mcp.ServerStatus }

func (f *fakeMCP) ServerStatus() []mcp.ServerStatus { return f.statuses }

type benchProvider struct {
	calls  int
	models []string
	err    error
}

func (p *benchProvider) Chat(ctx context.Context, req providers.ChatRequest) (*providers.ChatResponse, error) {
	p.calls++
	p.models = append(p.models, req.Model)
	if p.err != nil {
		return nil, p.err
	}
	return &providers.ChatResponse{Content: "pong", FinishReason: "stop"}, nil
}

func (p *benchProvider) ChatStream(ctx context.Context, req providers.ChatRequest, onChunk func(providers.StreamChunk)) (*providers.ChatResponse, error) {
	return p.Chat(ctx, req)
}

func (p *benchProvider) DefaultModel() string { return "bench-large" }
func (p *benchProvider) Name() string         { return "bench" }

type recordTool struct {
	name     string
	calls    int
	lastArgs map[string]interface{}
}

func (t *recordTool) Name() string        { return t.name }
func (t *recordTool) Description() string { return "records its arguments" }

func (t *recordTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"cmd": map[string]interface{}{"type": "string"},
		},
	}
}

func (t *recordTool) Execute(ctx context.Context, args map[string]interface{}) *tools.Result {
	t.calls++
	t.lastArgs = args
	return tools.NewResult("ran")
}

func TestStatusCmd(t *testing.T) {
	st := file.NewSessionStore("")
	st.GetOrCreate("telegram:1")
	st.AddMessage("telegram:1", providers.Message{Role: "user", Content: "hi"})
	st.AddMessage("telegram:1", providers.Message{Role: "assistant", Content: "hello"})
	st.UpdateMetadata("telegram:1", "model", "gpt-x")
	st.AccumulateTokens("telegram:1", providers.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15})

	d := Deps{
		Sessions:  st,
		Runner:    &fakeRunner{active: 2},
		StartedAt: time.Now().Add(-time.Minute),
		Version:   "v1.2.3",
	}
	text, err := d.statusCmd(context.Background(), Invocation{SessionKey: "telegram:1"})
	if err != nil {
		t.Fatalf("statusCmd: %v", err)
	}
	for _, want := range []string{
		"Session: telegram:1",
		"Model: gpt-x",
		"History: 2 messages",
		"Tokens: 10 prompt / 5 completion / 15 total",
		"Active sessions: 2",
		"Version: v1.2.3",
	} {
		if !strings.Contains(text, want) {
			t.Errorf("status missing %q in:\n%s", want, text)
		}
	}

	// Fresh session reports the default model.
	text, _ = d.statusCmd(context.Background(), Invocation{SessionKey: "telegram:2"})
	if !strings.Contains(text, "Model: default") {
		t.Errorf("fresh session status = %q", text)
	}
}

func TestSwitchCmd(t *testing.T) {
	st := file.NewSessionStore("")
	d := Deps{Sessions: st}
	ctx := context.Background()
	inv := Invocation{SessionKey: "k"}

	text, _ := d.switchCmd(ctx, inv)
	if !strings.Contains(text, "Usage: /switch") {
		t.Errorf("no-arg reply = %q", text)
	}

	inv.Args = []string{"gpt-5"}
	text, _ = d.switchCmd(ctx, inv)
	if text != "Model switched to gpt-5 for this session." {
		t.Errorf("switch reply = %q", text)
	}
	if got := st.Metadata("k", "model"); got != "gpt-5" {
		t.Errorf("persisted model = %q", got)
	}

	inv.Args = []string{"default"}
	text, _ = d.switchCmd(ctx, inv)
	if text != "Model override cleared; using the configured default." {
		t.Errorf("clear reply = %q", text)
	}
	if got := st.Metadata("k", "model"); got != "" {
		t.Errorf("model after clear = %q", got)
	}
}

func TestHelpListsCommands(t *testing.T) {
	reg := NewRegistry(nil)
	RegisterBuiltins(reg, Deps{})

	res, ok := reg.Dispatch(context.Background(), Invocation{Message: "/help"})
	if !ok {
		t.Fatal("/help not handled")
	}
	for _, want := range []string{
		"/switch <model>",
		"/approve [id]",
		"/update [check]",
		"(admin)",
		"Anything else goes to the assistant.",
	} {
		if !strings.Contains(res.Text, want) {
			t.Errorf("help missing %q in:\n%s", want, res.Text)
		}
	}
}

func TestClipCmd(t *testing.T) {
	st := file.NewSessionStore("")
	long := strings.Repeat("x", 7000)
	st.AddMessage("k", providers.Message{Role: "user", Content: "question"})
	st.AddMessage("k", providers.Message{Role: "assistant", Content: long})
	st.AddMessage("k", providers.Message{Role: "user", Content: "thanks"})
	d := Deps{Sessions: st}
	ctx := context.Background()

	text, _ := d.clipCmd(ctx, Invocation{SessionKey: "k"})
	if !strings.HasPrefix(text, "[1/3]\n") {
		t.Errorf("first chunk header: %.20q", text)
	}
	if len([]rune(text)) != len("[1/3]\n")+clipChunkRunes {
		t.Errorf("first chunk length = %d", len([]rune(text)))
	}

	text, _ = d.clipCmd(ctx, Invocation{SessionKey: "k", Args: []string{"3"}})
	if !strings.HasPrefix(text, "[3/3]\n") {
		t.Errorf("third chunk header: %.20q", text)
	}
	if len([]rune(text)) != len("[3/3]\n")+1000 {
		t.Errorf("third chunk length = %d", len([]rune(text)))
	}

	text, _ = d.clipCmd(ctx, Invocation{SessionKey: "k", Args: []string{"9"}})
	if text != "The last reply has 3 chunk(s)." {
		t.Errorf("out of range reply = %q", text)
	}

	text, _ = d.clipCmd(ctx, Invocation{SessionKey: "k", Args: []string{"abc"}})
	if !strings.Contains(text, "Usage: /clip") {
		t.Errorf("bad arg reply = %q", text)
	}

	// A short reply comes back verbatim with no chunk header.
	st.AddMessage("short", providers.Message{Role: "assistant", Content: "brief answer"})
	text, _ = d.clipCmd(ctx, Invocation{SessionKey: "short"})
	if text != "brief answer" {
		t.Errorf("short reply = %q", text)
	}

	text, _ = d.clipCmd(ctx, Invocation{SessionKey: "empty"})
	if text != "No assistant reply to clip yet." {
		t.Errorf("empty session reply = %q", text)
	}
}

func TestApproveExecutesPendingCall(t *testing.T) {
	toolReg := tools.NewRegistry()
	rt := &recordTool{name: "exec"}
	toolReg.Register(rt)

	pol := tools.NewPolicy(config.ToolsConfig{})
	pol.Set("exec", tools.PolicyAsk)
	toolReg.SetPolicy(pol)

	approvals := tools.NewApprovalManager()
	toolReg.SetApprovals(approvals)

	// Park a call the way the agent loop would.
	execCtx := tools.WithToolSessionKey(context.Background(), "telegram:7")
	execCtx = tools.WithToolChannel(execCtx, "telegram")
	execCtx = tools.WithToolChatID(execCtx, "7")
	toolReg.Execute(execCtx, "exec", map[string]interface{}{"cmd": "ls"})
	if rt.calls != 0 {
		t.Fatal("ask-gated tool ran before approval")
	}

	reg := NewRegistry(nil)
	RegisterBuiltins(reg, Deps{Tools: toolReg, Approvals: approvals})

	res, ok := reg.Dispatch(context.Background(), Invocation{Message: "/approve", SessionKey: "telegram:7"})
	if !ok {
		t.Fatal("/approve not handled")
	}
	if !strings.HasPrefix(res.Text, "Approved exec.") || !strings.Contains(res.Text, "ran") {
		t.Errorf("approve reply = %q", res.Text)
	}
	if rt.calls != 1 {
		t.Fatalf("tool ran %d times, want 1", rt.calls)
	}
	if rt.lastArgs["cmd"] != "ls" {
		t.Errorf("cmd arg = %v", rt.lastArgs["cmd"])
	}
	if rt.lastArgs["_approved_by_user"] != true {
		t.Error("approved flag not injected")
	}
	if rt.lastArgs["_session_key"] != "telegram:7" || rt.lastArgs["_channel"] != "telegram" || rt.lastArgs["_chat_id"] != "7" {
		t.Errorf("execution context not rebuilt: %v", rt.lastArgs)
	}

	// The approval was consumed.
	res, _ = reg.Dispatch(context.Background(), Invocation{Message: "/approve", SessionKey: "telegram:7"})
	if res.Text != "No pending approval in this session." {
		t.Errorf("second approve = %q", res.Text)
	}
}

func TestDenyDiscardsPendingCall(t *testing.T) {
	toolReg := tools.NewRegistry()
	rt := &recordTool{name: "exec"}
	toolReg.Register(rt)

	pol := tools.NewPolicy(config.ToolsConfig{})
	pol.Set("exec", tools.PolicyAsk)
	toolReg.SetPolicy(pol)

	approvals := tools.NewApprovalManager()
	toolReg.SetApprovals(approvals)

	execCtx := tools.WithToolSessionKey(context.Background(), "s")
	toolReg.Execute(execCtx, "exec", map[string]interface{}{"cmd": "rm"})
	p, ok := approvals.Pending("s")
	if !ok {
		t.Fatal("no approval parked")
	}

	d := Deps{Tools: toolReg, Approvals: approvals}
	text, _ := d.denyCmd(context.Background(), Invocation{SessionKey: "s", Args: []string{p.ID}})
	if text != "Denied exec ("+p.ID+")." {
		t.Errorf("deny reply = %q", text)
	}
	if rt.calls != 0 {
		t.Error("denied tool still ran")
	}

	text, _ = d.denyCmd(context.Background(), Invocation{SessionKey: "s", Args: []string{p.ID}})
	if text != "No pending approval with ID "+p.ID+"." {
		t.Errorf("repeat deny = %q", text)
	}
}

func TestStopCmd(t *testing.T) {
	fr := &fakeRunner{stopReturn: true}
	d := Deps{Runner: fr}
	text, _ := d.stopCmd(context.Background(), Invocation{SessionKey: "k"})
	if text != "Task stopped." {
		t.Errorf("stop reply = %q", text)
	}
	if len(fr.stopped) != 1 || fr.stopped[0] != "k" {
		t.Errorf("stopped sessions = %v", fr.stopped)
	}

	fr.stopReturn = false
	text, _ = d.stopCmd(context.Background(), Invocation{SessionKey: "k"})
	if text != "No active task to stop." {
		t.Errorf("idle stop reply = %q", text)
	}
}

func TestResetCmd(t *testing.T) {
	st := file.NewSessionStore("")
	st.AddMessage("k", providers.Message{Role: "user", Content: "hi"})
	d := Deps{Sessions: st}

	text, _ := d.resetCmd(context.Background(), Invocation{SessionKey: "k"})
	if text != "Conversation history has been reset." {
		t.Errorf("reset reply = %q", text)
	}
	if n := len(st.History("k")); n != 0 {
		t.Errorf("history after reset = %d messages", n)
	}
}

func TestUpdateCmd(t *testing.T) {
	ctx := context.Background()

	d := Deps{}
	text, _ := d.updateCmd(ctx, Invocation{})
	if text != "Self-update is not configured." {
		t.Errorf("nil updater reply = %q", text)
	}

	fu := &fakeUpdater{current: "v1.0.0", latest: "v1.0.0"}
	d = Deps{Updater: fu}
	text, _ = d.updateCmd(ctx, Invocation{})
	if text != "Already up to date (v1.0.0)." {
		t.Errorf("up-to-date reply = %q", text)
	}

	fu = &fakeUpdater{current: "v1.0.0", latest: "v1.1.0", available: true}
	d = Deps{Updater: fu}
	text, _ = d.updateCmd(ctx, Invocation{Args: []string{"check"}})
	if text != "Update available: v1.0.0 -> v1.1.0. Run /update to apply." {
		t.Errorf("check reply = %q", text)
	}
	if fu.applied {
		t.Error("check-only run applied the update")
	}

	text, _ = d.updateCmd(ctx, Invocation{})
	if text != "Updated v1.0.0 -> v1.1.0. Restarting." {
		t.Errorf("apply reply = %q", text)
	}
	if !fu.applied || !fu.restarted {
		t.Errorf("applied=%v restarted=%v", fu.applied, fu.restarted)
	}

	fu = &fakeUpdater{current: "v1.0.0", latest: "v1.1.0", available: true, restartErr: errors.New("exec failed")}
	d = Deps{Updater: fu}
	text, _ = d.updateCmd(ctx, Invocation{})
	if text != "Updated v1.0.0 -> v1.1.0. Restart manually to finish." {
		t.Errorf("restart failure reply = %q", text)
	}

	fu = &fakeUpdater{checkErr: errors.New("network down")}
	d = Deps{Updater: fu}
	if _, err := d.updateCmd(ctx, Invocation{}); err == nil {
		t.Error("check error not propagated")
	}

	// Through the registry, /update is admin-gated.
	cfg := config.Default()
	cfg.Commands.AdminUsers = map[string]config.FlexibleStringSlice{"telegram": {"1"}}
	reg := NewRegistry(cfg)
	RegisterBuiltins(reg, Deps{Updater: fu})
	res, _ := reg.Dispatch(ctx, Invocation{Message: "/update", Channel: "telegram", SenderID: "2"})
	if !strings.Contains(res.Text, "requires admin access") {
		t.Errorf("non-admin update = %q", res.Text)
	}
}

func TestBenchmarkCmd(t *testing.T) {
	ctx := context.Background()

	d := Deps{}
	text, _ := d.benchmarkCmd(ctx, Invocation{})
	if text != "No provider configured." {
		t.Errorf("nil provider reply = %q", text)
	}

	bp := &benchProvider{}
	d = Deps{Provider: bp}
	text, _ = d.benchmarkCmd(ctx, Invocation{})
	if !strings.HasPrefix(text, "Latency via bench:") {
		t.Errorf("benchmark header: %q", text)
	}
	if bp.calls != 1 || bp.models[0] != "bench-large" {
		t.Errorf("probed %v", bp.models)
	}
	if !strings.Contains(text, "bench-large: ") {
		t.Errorf("missing default model row: %q", text)
	}

	bp = &benchProvider{}
	d = Deps{Provider: bp}
	text, _ = d.benchmarkCmd(ctx, Invocation{Args: []string{"m1", "m2"}})
	if bp.calls != 2 {
		t.Errorf("probe count = %d", bp.calls)
	}

	bp = &benchProvider{err: errors.New("boom")}
	d = Deps{Provider: bp}
	text, _ = d.benchmarkCmd(ctx, Invocation{Args: []string{"m1"}})
	if !strings.Contains(text, "m1: failed (boom)") {
		t.Errorf("failure row missing: %q", text)
	}
}

func TestDoctorCmd(t *testing.T) {
	ctx := context.Background()

	d := Deps{}
	text, _ := d.doctorCmd(ctx, Invocation{})
	for _, want := range []string{"[FAIL] config loaded", "[FAIL] provider", "[FAIL] session store", "[FAIL] self-update"} {
		if !strings.Contains(text, want) {
			t.Errorf("bare doctor missing %q in:\n%s", want, text)
		}
	}

	cfg := config.Default()
	cfg.Agents.Defaults.Workspace = t.TempDir()
	toolReg := tools.NewRegistry()
	toolReg.Register(&recordTool{name: "exec"})
	d = Deps{
		Config:   cfg,
		Sessions: file.NewSessionStore(""),
		Tools:    toolReg,
		Provider: &benchProvider{},
		Updater:  &fakeUpdater{},
		MCP: &fakeMCP{statuses: []mcp.ServerStatus{
			{Name: "files", Transport: "stdio", Connected: true, ToolCount: 3},
			{Name: "search", Transport: "sse", Connected: false, Error: "dial refused"},
		}},
	}
	text, _ = d.doctorCmd(ctx, Invocation{})
	for _, want := range []string{
		"[ok] workspace",
		"[ok] provider: bench (bench-large)",
		"[ok] session store: 0 sessions",
		"[ok] tools: 1 registered",
		"[ok] mcp files: stdio, 3 tools",
		"[FAIL] mcp search: sse, 0 tools, dial refused",
		"[ok] self-update",
	} {
		if !strings.Contains(text, want) {
			t.Errorf("doctor missing %q in:\n%s", want, text)
		}
	}
}

func TestUptimeCmd(t *testing.T) {
	d := Deps{StartedAt: time.Now().Add(-90 * time.Second)}
	text, _ := d.uptimeCmd(context.Background(), Invocation{})
	if !strings.HasPrefix(text, "Up 1m30s (since ") {
		t.Errorf("uptime reply = %q", text)
	}
}

func TestFormatUptime(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want string
	}{
		{42 * time.Second, "42s"},
		{90 * time.Minute, "1h30m0s"},
		{26*time.Hour + 5*time.Minute, "1d 2h5m0s"},
		{49 * time.Hour, "2d 1h0m0s"},
	}
	for _, tt := range tests {
		if got := formatUptime(tt.d); got != tt.want {
			t.Errorf("formatUptime(%v) = %q, want %q", tt.d, got, tt.want)
		}
	}
}
