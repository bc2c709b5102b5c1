package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/nextlevelbuilder/omniclaw/internal/providers"
)

// Tool is the interface every executable tool implements.
type Tool interface {
	Name() string
	Description() string
	// Parameters returns the JSON schema for the tool's arguments.
	Parameters() map[string]interface{}
	Execute(ctx context.Context, args map[string]interface{}) *Result
}

// implicitFields are injected by the registry from execution context, never
// accepted from the model. They are stripped before schema validation and
// never appear in provider-facing schemas.
var implicitFields = []string{
	"_session_key", "_channel", "_chat_id", "_agent_id",
	"_approved_by_user", "context_text",
}

// Event types emitted around tool execution.
const (
	EventToolStart    = "tool_start"
	EventToolComplete = "tool_complete"
	EventToolError    = "tool_error"
)

// ToolEvent describes one execution lifecycle step for observers.
type ToolEvent struct {
	Type        string
	Tool        string
	SessionKey  string
	ArgsPreview string
	DurationMs  int64
	Error       string
}

// Registry holds all registered tools and runs the execution pipeline:
// rate limit, implicit-field strip, schema validation, policy gate,
// implicit-field injection, execution, result truncation.
type Registry struct {
	mu      sync.RWMutex
	tools   map[string]Tool
	schemas map[string]*jsonschema.Schema

	limiter   *ToolRateLimiter
	policy    *Policy
	approvals *ApprovalManager
	truncator *Truncator
	onEvent   func(ToolEvent)

	log *slog.Logger
}

// NewRegistry creates an empty tool registry.
func NewRegistry() *Registry {
	return &Registry{
		tools:   make(map[string]Tool),
		schemas: make(map[string]*jsonschema.Schema),
		log:     slog.Default().With("component", "tools"),
	}
}

// Register adds a tool, replacing any previous tool with the same name.
// The parameter schema is compiled once here; a schema that fails to compile
// disables validation for that tool but keeps it executable.
func (r *Registry) Register(tool Tool) {
	if tool == nil {
		return
	}
	name := tool.Name()

	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[name] = tool

	raw, err := json.Marshal(tool.Parameters())
	if err != nil {
		r.log.Warn("tool schema not marshalable, validation disabled", "tool", name, "error", err)
		return
	}
	schema, err := jsonschema.CompileString(name+".schema.json", string(raw))
	if err != nil {
		r.log.Warn("tool schema failed to compile, validation disabled", "tool", name, "error", err)
		return
	}
	r.schemas[name] = schema
}

// Get returns a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Unregister removes a tool (used when an MCP server disconnects).
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tools, name)
	delete(r.schemas, name)
}

// List returns all registered tool names, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	r.mu.RUnlock()
	sort.Strings(names)
	return names
}

// SetRateLimiter installs the per-session execution limiter.
func (r *Registry) SetRateLimiter(l *ToolRateLimiter) { r.limiter = l }

// SetPolicy installs the allow/deny/ask policy.
func (r *Registry) SetPolicy(p *Policy) { r.policy = p }

// SetApprovals installs the pending-approval store used by "ask" tools.
func (r *Registry) SetApprovals(a *ApprovalManager) { r.approvals = a }

// SetTruncator installs the tool-result truncator.
func (r *Registry) SetTruncator(t *Truncator) { r.truncator = t }

// SetEventSink installs the observer notified around every execution.
func (r *Registry) SetEventSink(fn func(ToolEvent)) { r.onEvent = fn }

// ToProviderDef converts a tool to the provider-facing definition.
func ToProviderDef(t Tool) providers.ToolDefinition {
	return providers.ToolDefinition{
		Type: "function",
		Function: providers.ToolFunctionSchema{
			Name:        t.Name(),
			Description: t.Description(),
			Parameters:  t.Parameters(),
		},
	}
}

// ProviderDefs returns provider-facing definitions for the registered tools.
// allow follows the skills convention: nil means all, an empty non-nil slice
// means none. Tools denied by policy are always excluded.
func (r *Registry) ProviderDefs(allow []string) []providers.ToolDefinition {
	names := r.List()
	var set map[string]bool
	if allow != nil {
		if len(allow) == 0 {
			return nil
		}
		set = make(map[string]bool, len(allow))
		for _, n := range allow {
			set[n] = true
		}
	}

	defs := make([]providers.ToolDefinition, 0, len(names))
	for _, name := range names {
		if set != nil && !set[name] {
			continue
		}
		if r.policy != nil && r.policy.ActionFor(name) == PolicyDeny {
			continue
		}
		if t, ok := r.Get(name); ok {
			defs = append(defs, ToProviderDef(t))
		}
	}
	return defs
}

// Execute runs one tool call through the full pipeline. It always returns a
// Result the model can read; Go-level failures become error Results.
func (r *Registry) Execute(ctx context.Context, name string, args map[string]interface{}) *Result {
	return r.execute(ctx, name, args, false)
}

// ExecuteApproved runs a tool call with the ask gate bypassed once. Used for
// turns the user pre-approved with the elevated directive.
func (r *Registry) ExecuteApproved(ctx context.Context, name string, args map[string]interface{}) *Result {
	return r.execute(ctx, name, args, true)
}

func (r *Registry) execute(ctx context.Context, name string, args map[string]interface{}, approved bool) *Result {
	tool, ok := r.Get(name)
	if !ok {
		return ErrorResult(fmt.Sprintf("unknown tool: %s", name))
	}

	sessionKey := ToolSessionKeyFromCtx(ctx)
	if r.limiter != nil && !r.limiter.Allow(sessionKey) {
		return ErrorResult("tool rate limit exceeded for this session; wait a moment and slow down before calling more tools")
	}

	if args == nil {
		args = map[string]interface{}{}
	}
	// The model must not set implicit fields; drop anything it echoed back.
	for _, f := range implicitFields {
		delete(args, f)
	}

	if res := r.validate(name, args); res != nil {
		return res
	}

	action := PolicyAllow
	if r.policy != nil {
		action = r.policy.ActionFor(name)
	}
	switch action {
	case PolicyDeny:
		return ErrorResult(fmt.Sprintf("tool %s is disabled by policy", name))
	case PolicyAsk:
		if !approved {
			return r.requestApproval(ctx, name, args)
		}
	}

	// Inject execution context. Tools read these instead of the model
	// supplying them.
	if sessionKey != "" {
		args["_session_key"] = sessionKey
	}
	if ch := ToolChannelFromCtx(ctx); ch != "" {
		args["_channel"] = ch
	}
	if chat := ToolChatIDFromCtx(ctx); chat != "" {
		args["_chat_id"] = chat
	}
	if id := ToolAgentIDFromCtx(ctx); id != "" {
		args["_agent_id"] = id
	}
	if txt := ToolContextTextFromCtx(ctx); txt != "" {
		args["context_text"] = txt
	}
	if approved {
		args["_approved_by_user"] = true
	}

	preview := argsPreview(args)
	r.emit(ToolEvent{Type: EventToolStart, Tool: name, SessionKey: sessionKey, ArgsPreview: preview})

	start := time.Now()
	result := r.safeExecute(ctx, tool, args)
	elapsed := time.Since(start).Milliseconds()

	if result == nil {
		result = ErrorResult(fmt.Sprintf("tool %s returned no result", name))
	}
	if result.IsError {
		errText := result.ForLLM
		if result.Err != nil {
			errText = result.Err.Error()
		}
		r.emit(ToolEvent{Type: EventToolError, Tool: name, SessionKey: sessionKey, ArgsPreview: preview, DurationMs: elapsed, Error: errText})
	} else {
		r.emit(ToolEvent{Type: EventToolComplete, Tool: name, SessionKey: sessionKey, ArgsPreview: preview, DurationMs: elapsed})
	}

	result.Raw = result.ForLLM
	if r.truncator != nil {
		result.ForLLM = r.truncator.Truncate(ToolRunIDFromCtx(ctx), ToolCallIDFromCtx(ctx), result.ForLLM)
	}
	return result
}

// validate checks args against the tool's compiled schema. Returns a Result
// only on failure.
func (r *Registry) validate(name string, args map[string]interface{}) *Result {
	r.mu.RLock()
	schema := r.schemas[name]
	r.mu.RUnlock()
	if schema == nil {
		return nil
	}

	// Round-trip through JSON so validation sees the same shapes the wire
	// format produces (float64 numbers, no custom types).
	raw, err := json.Marshal(args)
	if err != nil {
		return ErrorResult(fmt.Sprintf("invalid arguments for %s: %v", name, err))
	}
	var decoded interface{}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return ErrorResult(fmt.Sprintf("invalid arguments for %s: %v", name, err))
	}

	if err := schema.Validate(decoded); err != nil {
		var ve *jsonschema.ValidationError
		if errors.As(err, &ve) {
			leaf := ve
			for len(leaf.Causes) > 0 {
				leaf = leaf.Causes[0]
			}
			field := strings.TrimPrefix(leaf.InstanceLocation, "/")
			if field == "" {
				field = "arguments"
			}
			return ErrorResult(fmt.Sprintf("invalid arguments for %s: %s: %s", name, field, leaf.Message))
		}
		return ErrorResult(fmt.Sprintf("invalid arguments for %s: %v", name, err))
	}
	return nil
}

// requestApproval parks the call and tells both the model and the user.
func (r *Registry) requestApproval(ctx context.Context, name string, args map[string]interface{}) *Result {
	if r.approvals == nil {
		return ErrorResult(fmt.Sprintf("tool %s requires approval but no approval flow is configured", name))
	}
	pending, err := r.approvals.Request(
		ToolSessionKeyFromCtx(ctx),
		ToolChannelFromCtx(ctx),
		ToolChatIDFromCtx(ctx),
		name, args,
	)
	if err != nil {
		return ErrorResult(fmt.Sprintf("approval request failed: %v", err))
	}

	return &Result{
		ForLLM: fmt.Sprintf(
			"Tool %s is awaiting user approval (id %s). Do not call it again; summarize what you want to run and wait for the user's decision.",
			name, pending.ID,
		),
		ForUser: fmt.Sprintf(
			"⏳ The agent wants to run `%s` with %s\nApprove with /approve %s or reject with /deny %s",
			name, argsPreview(args), pending.ID, pending.ID,
		),
	}
}

// ResolveApproval settles a pending approval. With approve=true the parked
// call re-executes with the ask gate bypassed once; the returned Result is
// the tool's output. With approve=false the call is discarded.
func (r *Registry) ResolveApproval(ctx context.Context, sessionKey, id string, approve bool) *Result {
	if r.approvals == nil {
		return ErrorResult("no approval flow configured")
	}
	pending, ok := r.approvals.Take(sessionKey, id)
	if !ok {
		return ErrorResult("no matching pending approval (it may have expired)")
	}
	if !approve {
		r.log.Info("tool call denied by user", "tool", pending.Tool, "session", sessionKey)
		return &Result{ForLLM: fmt.Sprintf("The user denied the %s call.", pending.Tool), ForUser: fmt.Sprintf("Denied %s.", pending.Tool)}
	}

	var args map[string]interface{}
	if err := json.Unmarshal(pending.Args, &args); err != nil {
		return ErrorResult(fmt.Sprintf("stored approval args unreadable: %v", err))
	}

	// Rebuild the execution context from the parked call's origin.
	ctx = WithToolSessionKey(ctx, pending.SessionKey)
	ctx = WithToolChannel(ctx, pending.Channel)
	ctx = WithToolChatID(ctx, pending.ChatID)

	r.log.Info("tool call approved by user", "tool", pending.Tool, "session", sessionKey)
	return r.execute(ctx, pending.Tool, args, true)
}

// safeExecute isolates tool panics so one bad tool cannot take down the loop.
func (r *Registry) safeExecute(ctx context.Context, tool Tool, args map[string]interface{}) (result *Result) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error("tool panicked", "tool", tool.Name(), "panic", rec)
			result = ErrorResult(fmt.Sprintf("tool %s panicked: %v", tool.Name(), rec))
		}
	}()
	return tool.Execute(ctx, args)
}

func (r *Registry) emit(ev ToolEvent) {
	if r.onEvent != nil {
		r.onEvent(ev)
	}
}

// argsPreview renders a compact single-line args preview for events and
// approval prompts. Secrets do not belong in tool args; previews are still
// capped to keep logs readable.
func argsPreview(args map[string]interface{}) string {
	clean := make(map[string]interface{}, len(args))
	for k, v := range args {
		if strings.HasPrefix(k, "_") {
			continue
		}
		clean[k] = v
	}
	raw, err := json.Marshal(clean)
	if err != nil {
		return "{}"
	}
	const max = 200
	s := string(raw)
	if len(s) > max {
		s = truncateRunes(s, max) + "…"
	}
	return s
}
