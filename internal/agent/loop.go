// Package agent is the core runtime: it routes each inbound message, builds
// the model context, drives the tool-calling iteration loop, and shapes the
// final reply. One Loop serves one agent id; concurrent runs are scheduled
// by the Runner.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/nextlevelbuilder/omniclaw/internal/bootstrap"
	"github.com/nextlevelbuilder/omniclaw/internal/bus"
	"github.com/nextlevelbuilder/omniclaw/internal/config"
	"github.com/nextlevelbuilder/omniclaw/internal/directives"
	"github.com/nextlevelbuilder/omniclaw/internal/memory"
	"github.com/nextlevelbuilder/omniclaw/internal/providers"
	"github.com/nextlevelbuilder/omniclaw/internal/skills"
	"github.com/nextlevelbuilder/omniclaw/internal/store"
	"github.com/nextlevelbuilder/omniclaw/internal/tokens"
	"github.com/nextlevelbuilder/omniclaw/internal/tools"
)

// Fixed terminal replies. Exact wording is load-bearing: channel tests and
// the webchat client match on these.
const (
	abortedBudgetReply = "I've completed processing but have no response to give."
	abortedModelsReply = "Sorry, all available models failed"
)

const (
	providerCallTimeout = 120 * time.Second
	statusUpdateAfter   = 3 * time.Second
	memoryRecallLimit   = 8
)

// Loop runs messages through the agent: route, build context, call the
// provider, execute tools, repeat until a final answer.
type Loop struct {
	id        string
	provider  providers.Provider
	defaults  config.AgentDefaults
	workspace string
	ownerIDs  []string
	loc       *time.Location

	sessions store.SessionStore
	tools    *tools.Registry
	memory   memory.Store   // nil disables the memory context share
	skills   *skills.Loader // nil disables the skills share
	critic   *Critic
	router   *Router

	onEvent func(AgentEvent)          // websocket broadcast, may be nil
	publish func(bus.OutboundMessage) // status updates + intermediate content, may be nil
	seq     Sequencer                 // per-run event numbering, may be nil

	activeRuns atomic.Int64
	log        *slog.Logger
}

// LoopConfig wires a Loop. Provider, Sessions, and Tools are required.
type LoopConfig struct {
	ID        string
	Provider  providers.Provider
	Defaults  config.AgentDefaults
	Workspace string
	OwnerIDs  []string

	Sessions store.SessionStore
	Tools    *tools.Registry
	Memory   memory.Store
	Skills   *skills.Loader

	OnEvent func(AgentEvent)
	Publish func(bus.OutboundMessage)
	Seq     Sequencer
}

// Sequencer hands out strictly increasing per-run sequence numbers for
// emitted events; the message bus implements it.
type Sequencer interface {
	NextSeq(runID string) int64
	EndRun(runID string)
}

func NewLoop(cfg LoopConfig) *Loop {
	if cfg.Provider == nil {
		panic("agent: LoopConfig.Provider is nil")
	}
	if cfg.Sessions == nil {
		panic("agent: LoopConfig.Sessions is nil")
	}
	if cfg.Tools == nil {
		panic("agent: LoopConfig.Tools is nil")
	}

	loc := time.Local
	if cfg.Defaults.Timezone != "" {
		if l, err := time.LoadLocation(cfg.Defaults.Timezone); err == nil {
			loc = l
		} else {
			slog.Warn("agent: invalid timezone, using local", "timezone", cfg.Defaults.Timezone, "error", err)
		}
	}

	return &Loop{
		id:        cfg.ID,
		provider:  cfg.Provider,
		defaults:  cfg.Defaults,
		workspace: cfg.Workspace,
		ownerIDs:  cfg.OwnerIDs,
		loc:       loc,
		sessions:  cfg.Sessions,
		tools:     cfg.Tools,
		memory:    cfg.Memory,
		skills:    cfg.Skills,
		critic:    NewCritic(cfg.Provider, cfg.Defaults.Critic),
		router:    NewRouter(cfg.Provider, routerModel(cfg.Defaults)),
		onEvent:   cfg.OnEvent,
		publish:   cfg.Publish,
		seq:       cfg.Seq,
		log:       slog.Default().With("component", "agent", "agent", cfg.ID),
	}
}

// RunRequest is one turn through the loop. Message is the directive-cleaned
// text; Directives carries what was stripped from it.
type RunRequest struct {
	SessionKey   string
	Message      string
	Media        []string // local paths of downloaded attachments
	Channel      string
	ChatID       string
	PeerKind     string // "direct" or "group"
	RunID        string
	UserID       string
	SenderID     string
	Stream       bool
	Directives   directives.Directives
	Route        *Route // nil = classify here
	HistoryLimit int
	ExtraPrompt  string // extra system prompt (group context, subagent notes)
}

// RunResult is the outcome of a run. Content is empty when the model chose
// silence (NO_REPLY).
type RunResult struct {
	Content    string          `json:"content"`
	RunID      string          `json:"runId"`
	Iterations int             `json:"iterations"`
	Usage      providers.Usage `json:"usage"`
	Route      Route           `json:"route"`
}

// routerModel picks the classification model: the cheap tier when one is
// configured, otherwise the primary.
func routerModel(d config.AgentDefaults) string {
	if d.SimpleModel != "" {
		return d.SimpleModel
	}
	return d.Model
}

// Run processes a single message and blocks until the final reply. Provider
// exhaustion becomes an apology reply rather than an error; the only error
// return is cancellation.
func (l *Loop) Run(ctx context.Context, req RunRequest) (*RunResult, error) {
	l.activeRuns.Add(1)
	defer l.activeRuns.Add(-1)
	if l.seq != nil && req.RunID != "" {
		defer l.seq.EndRun(req.RunID)
	}

	l.emit(AgentEvent{Type: EventRunStarted, AgentID: l.id, RunID: req.RunID})

	result, err := l.run(ctx, req)
	if err != nil {
		l.emit(AgentEvent{
			Type:    EventRunFailed,
			AgentID: l.id,
			RunID:   req.RunID,
			Payload: map[string]string{"error": err.Error()},
		})
		return nil, err
	}

	l.emit(AgentEvent{Type: EventRunCompleted, AgentID: l.id, RunID: req.RunID})
	return result, nil
}

// ActiveRuns returns the number of runs currently in flight.
func (l *Loop) ActiveRuns() int64 { return l.activeRuns.Load() }

func (l *Loop) run(ctx context.Context, req RunRequest) (*RunResult, error) {
	l.sessions.GetOrCreate(req.SessionKey)

	route := Route{Complexity: Complex, Profile: ProfileGeneral}
	if req.Route != nil {
		route = *req.Route
	} else {
		route = l.router.Route(ctx, req.Message, len(req.Media) > 0)
	}

	// A short confirmation after the assistant offered an action means "do
	// it": the cheap model would just re-offer.
	if route.Complexity == Simple && IsConfirmation(req.Message) {
		if last := lastAssistantText(l.sessions.History(req.SessionKey)); OffersAction(last) {
			route.Complexity = Complex
		}
	}

	var required RequiredAction
	hasRequired := false
	if !req.Directives.NoTools {
		required, hasRequired = DetectRequiredTool(req.Message, time.Now(), l.loc)
	}

	model := l.resolveModel(req, route)
	rc := l.newRunContext(ctx, req, route, model)

	var result *RunResult
	var err error
	if route.Complexity == Complex || hasRequired {
		result, err = l.runAgentic(ctx, rc, required, hasRequired)
	} else {
		result, err = l.runSimple(ctx, rc)
	}
	if err != nil {
		return nil, err
	}
	result.Route = route
	return result, nil
}

// resolveModel picks the model for this run: turn directive, then persisted
// session override, then the route's tier.
func (l *Loop) resolveModel(req RunRequest, route Route) string {
	if m := req.Directives.Model; m != "" && m != "default" {
		return m
	}
	if req.Directives.Model != "default" {
		if m := l.sessions.Metadata(req.SessionKey, "model"); m != "" {
			return m
		}
	}
	if route.Complexity == Simple && l.defaults.SimpleModel != "" {
		return l.defaults.SimpleModel
	}
	if l.defaults.Model != "" {
		return l.defaults.Model
	}
	return l.provider.DefaultModel()
}

// runContext bundles the per-run machinery: the context builder sized for
// the resolved model, the guard, and the prepared prompt sections.
type runContext struct {
	req       RunRequest
	route     Route
	model     string
	toolNames []string
	guard     *Guard
	builder   *ContextBuilder
	system    string
	memorySec string
	skillsSec string
	current   providers.Message

	runMsgs []providers.Message // full transcript for context builds
	persist []providers.Message // subset written to the session (no nudges, no drafts)
	usage   providers.Usage
}

func (l *Loop) newRunContext(ctx context.Context, req RunRequest, route Route, model string) *runContext {
	window := l.defaults.ContextWindowFor(model)
	builder := NewContextBuilder(window, l.defaults.ContextShares)
	compactor := NewCompactor(l.sessions, l.provider, model)
	guard := NewGuard(builder.Budget(), compactor)

	var toolNames []string
	if !req.Directives.NoTools {
		toolNames = l.tools.List()
	}

	system := BuildSystemPrompt(SystemPromptConfig{
		AgentID:      l.id,
		Model:        model,
		Workspace:    l.workspace,
		Channel:      req.Channel,
		PeerKind:     req.PeerKind,
		OwnerIDs:     l.ownerIDs,
		Profile:      route.Profile,
		ToolNames:    toolNames,
		ContextFiles: bootstrap.LoadContextFiles(l.workspace),
		ExtraPrompt:  req.ExtraPrompt,
		Think:        req.Directives.Think,
		Now:          time.Now(),
		Timezone:     l.defaults.Timezone,
	})

	return &runContext{
		req:       req,
		route:     route,
		model:     model,
		toolNames: toolNames,
		guard:     guard,
		builder:   builder,
		system:    system,
		memorySec: l.recallMemory(ctx, req.Message),
		skillsSec: l.skillsSection(),
		current:   BuildCurrentMessage(req.Message, req.Media),
	}
}

// buildMessages assembles the provider messages for the next call: the
// budgeted base context plus this run's transcript so far.
func (rc *runContext) buildMessages(sessions store.SessionStore) []providers.Message {
	parts := ContextParts{
		System:  rc.system,
		Memory:  rc.memorySec,
		Skills:  rc.skillsSec,
		Summary: sessions.Summary(rc.req.SessionKey),
		History: limitHistory(sessions.History(rc.req.SessionKey), rc.req.HistoryLimit),
		Current: rc.current,
	}
	return append(rc.builder.Build(parts), rc.runMsgs...)
}

// limitHistory keeps the newest messages up to the channel's turn limit.
// Zero means unlimited; the token budget still applies either way.
func limitHistory(history []providers.Message, limit int) []providers.Message {
	if limit <= 0 || len(history) <= limit {
		return history
	}
	return history[len(history)-limit:]
}

func (l *Loop) chatOptions(req RunRequest) map[string]interface{} {
	maxTokens := l.defaults.MaxTokens
	if maxTokens <= 0 {
		maxTokens = config.DefaultMaxTokens
	}
	if req.Directives.MaxTokens > 0 {
		maxTokens = req.Directives.MaxTokens
	}
	temp := l.defaults.Temperature
	if req.Directives.HasTemp {
		temp = req.Directives.Temp
	}

	opts := map[string]interface{}{
		providers.OptMaxTokens:   maxTokens,
		providers.OptTemperature: temp,
	}
	if req.Directives.Think {
		opts[providers.OptThinkingLevel] = "high"
	}
	if req.Directives.JSON {
		opts[providers.OptResponseFormat] = "json"
	}
	return opts
}

// chat makes one provider call under the per-call deadline. Deadline expiry
// surfaces as a timeout the resilience layer treats like a 5xx.
func (l *Loop) chat(ctx context.Context, chatReq providers.ChatRequest, req RunRequest) (*providers.ChatResponse, error) {
	callCtx, cancel := context.WithTimeout(ctx, providerCallTimeout)
	defer cancel()

	if req.Stream {
		return l.provider.ChatStream(callCtx, chatReq, func(chunk providers.StreamChunk) {
			if chunk.Content != "" {
				l.emit(AgentEvent{
					Type:    EventChunk,
					AgentID: l.id,
					RunID:   req.RunID,
					Payload: map[string]string{"content": chunk.Content},
				})
			}
		})
	}
	return l.provider.Chat(callCtx, chatReq)
}

// runSimple is the cheap path: one provider call, no tools, no critic.
func (l *Loop) runSimple(ctx context.Context, rc *runContext) (*RunResult, error) {
	req := rc.req
	msgs := rc.guard.PreFlight(ctx, req.SessionKey, func() []providers.Message {
		return rc.buildMessages(l.sessions)
	})

	resp, err := l.chat(ctx, providers.ChatRequest{
		Messages: msgs,
		Model:    rc.model,
		Options:  l.chatOptions(req),
	}, req)
	if err != nil && rc.guard.HandleOverflow(ctx, req.SessionKey, err) {
		resp, err = l.chat(ctx, providers.ChatRequest{
			Messages: rc.buildMessages(l.sessions),
			Model:    rc.model,
			Options:  l.chatOptions(req),
		}, req)
	}
	if err != nil {
		if canceled(ctx, err) {
			return nil, err
		}
		return l.finalize(rc, l.modelsFailedReply(err), 1), nil
	}

	l.recordUsage(rc, resp)
	return l.finalize(rc, resp.Content, 1), nil
}

// runAgentic is the full iteration loop with tool calling, required-tool
// enforcement, refusal recovery, and the critic pass.
func (l *Loop) runAgentic(ctx context.Context, rc *runContext, required RequiredAction, hasRequired bool) (*RunResult, error) {
	req := rc.req
	maxIter := clampIterations(l.defaults.MaxIterations)

	var (
		finalContent  string
		finished      bool
		toolsExecuted bool
		overflowSpent bool
		refusalSpent  bool
		nudged        bool
		iteration     int
	)
	criticRetries := 0
	firstScore, finalScore := -1, -1

	for iteration = 1; iteration <= maxIter; iteration++ {
		msgs := rc.guard.PreFlight(ctx, req.SessionKey, func() []providers.Message {
			return rc.buildMessages(l.sessions)
		})

		l.log.Debug("iteration", "run_id", req.RunID, "iteration", iteration, "messages", len(msgs), "model", rc.model)

		resp, err := l.chat(ctx, providers.ChatRequest{
			Messages: msgs,
			Tools:    l.providerTools(rc),
			Model:    rc.model,
			Options:  l.chatOptions(req),
		}, req)
		if err != nil {
			if canceled(ctx, err) {
				return nil, err
			}
			if !overflowSpent && rc.guard.HandleOverflow(ctx, req.SessionKey, err) {
				overflowSpent = true
				continue
			}
			// Provider chain exhausted. The offline parser may still be
			// able to answer deterministically.
			if hasRequired {
				l.log.Warn("all models failed, answering via offline parser", "run_id", req.RunID, "error", err)
				finalContent = l.execFallback(ctx, rc, required)
			} else {
				finalContent = l.modelsFailedReply(err)
			}
			finished = true
			break
		}

		l.recordUsage(rc, resp)

		// Required-tool enforcement: nudge once, then stop trusting the
		// model and execute the parsed action ourselves.
		if hasRequired {
			if hasCall(resp.ToolCalls, required.Tool) {
				hasRequired = false
			} else {
				if !nudged {
					nudged = true
					rc.runMsgs = append(rc.runMsgs, providers.Message{
						Role:    "system",
						Content: requiredToolNudge(required.Tool, resp.ToolCalls),
					})
					continue
				}
				l.log.Warn("required tool skipped twice, running fallback", "run_id", req.RunID, "tool", required.Tool)
				finalContent = l.execFallback(ctx, rc, required)
				finished = true
				break
			}
		}

		if len(resp.ToolCalls) == 0 {
			text := resp.Content

			// One recovery attempt when a tool-equipped model refuses a
			// plainly doable request.
			if !refusalSpent && len(rc.toolNames) > 0 && isRefusal(text) {
				refusalSpent = true
				rc.runMsgs = append(rc.runMsgs, providers.Message{
					Role:    "system",
					Content: refusalNudge(rc.toolNames),
				})
				continue
			}

			if rc.route.Complexity == Complex && !toolsExecuted && l.critic.Enabled(rc.model) {
				verdict, reviewErr := l.critic.Review(ctx, rc.model, req.Message, text)
				if reviewErr != nil {
					l.log.Warn("critic review failed, shipping draft", "run_id", req.RunID, "error", reviewErr)
				} else {
					if firstScore < 0 {
						firstScore = verdict.Score
					}
					finalScore = verdict.Score
					if verdict.Score < l.critic.Threshold(rc.model) && criticRetries < l.critic.MaxRetries(rc.model) {
						criticRetries++
						rc.runMsgs = append(rc.runMsgs,
							providers.Message{Role: "assistant", Content: text},
							providers.Message{Role: "system", Content: criticFeedbackNudge(verdict)},
						)
						continue
					}
				}
			}

			finalContent = text
			finished = true
			break
		}

		// Tool execution round.
		toolsExecuted = true
		assistantMsg := providers.Message{
			Role:      "assistant",
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		}
		rc.runMsgs = append(rc.runMsgs, assistantMsg)
		rc.persist = append(rc.persist, assistantMsg)

		// Commentary alongside tool calls goes out right away so the user
		// is not staring at a typing indicator.
		if text := SanitizeAssistantContent(resp.Content); text != "" && !IsSilentReply(text) {
			l.sendIntermediate(req, text)
		}

		results := l.executeTools(ctx, rc, resp.ToolCalls)
		rc.runMsgs = append(rc.runMsgs, results...)
		rc.persist = append(rc.persist, results...)
	}

	if !finished {
		l.log.Warn("iteration budget exhausted", "run_id", req.RunID, "iterations", maxIter)
		finalContent = abortedBudgetReply
		iteration = maxIter
	}
	if firstScore >= 0 {
		l.log.Info("critic verdict", "run_id", req.RunID, "first_score", firstScore, "final_score", finalScore, "retries", criticRetries)
		l.sessions.UpdateMetadata(req.SessionKey, "critic_first_score", strconv.Itoa(firstScore))
		l.sessions.UpdateMetadata(req.SessionKey, "critic_final_score", strconv.Itoa(finalScore))
	}

	return l.finalize(rc, finalContent, iteration), nil
}

func clampIterations(n int) int {
	if n <= 0 {
		return config.DefaultMaxIterations
	}
	if n > 50 {
		return 50
	}
	return n
}

func (l *Loop) providerTools(rc *runContext) []providers.ToolDefinition {
	if rc.req.Directives.NoTools {
		return nil
	}
	return l.tools.ProviderDefs(nil)
}

func (l *Loop) recordUsage(rc *runContext, resp *providers.ChatResponse) {
	if resp.Usage == nil {
		return
	}
	rc.usage.Add(resp.Usage)
	l.sessions.AccumulateTokens(rc.req.SessionKey, *resp.Usage)
}

// execFallback runs the deterministic action through the registry with the
// run's tool context attached.
func (l *Loop) execFallback(ctx context.Context, rc *runContext, required RequiredAction) string {
	return runFallback(l.toolCtx(ctx, rc, ""), l.tools, required, rc.req.Message)
}

func (l *Loop) modelsFailedReply(err error) string {
	return fmt.Sprintf("%s. Last error: %v", abortedModelsReply, err)
}

// finalize sanitizes the reply, flushes this run's messages to the session,
// and records route metadata. Save failures never block the reply.
func (l *Loop) finalize(rc *runContext, content string, iterations int) *RunResult {
	req := rc.req
	content = SanitizeAssistantContent(content)
	silent := IsSilentReply(content)
	if content == "" && !silent {
		content = abortedBudgetReply
	}

	l.sessions.AddMessage(req.SessionKey, providers.Message{Role: "user", Content: req.Message})
	for _, msg := range rc.persist {
		l.sessions.AddMessage(req.SessionKey, msg)
	}
	l.sessions.AddMessage(req.SessionKey, providers.Message{Role: "assistant", Content: content})

	l.sessions.UpdateMetadata(req.SessionKey, "last_model", rc.model)
	l.sessions.UpdateMetadata(req.SessionKey, "last_provider", l.provider.Name())
	if req.Channel != "" && req.Channel != "system" {
		l.sessions.SetLastRoute(req.SessionKey, req.Channel, req.ChatID)
	}
	if err := l.sessions.Save(req.SessionKey); err != nil {
		l.log.Warn("session save failed", "session", req.SessionKey, "error", err)
	}

	if silent {
		l.log.Info("silent reply, suppressing delivery", "run_id", req.RunID, "session", req.SessionKey)
		content = ""
	}

	return &RunResult{
		Content:    content,
		RunID:      req.RunID,
		Iterations: iterations,
		Usage:      rc.usage,
	}
}

// --- tool execution ---

// executeTools dispatches all calls of one assistant turn. Single calls run
// inline; multiple calls run in parallel and the results are reordered by
// call index so the transcript stays deterministic.
func (l *Loop) executeTools(ctx context.Context, rc *runContext, calls []providers.ToolCall) []providers.Message {
	req := rc.req

	for _, tc := range calls {
		l.emit(AgentEvent{
			Type:    EventToolCall,
			AgentID: l.id,
			RunID:   req.RunID,
			Payload: map[string]interface{}{"name": tc.Name, "id": tc.ID},
		})
		if line := statusLine(tc.Name, tc.Arguments); line != "" {
			l.sendStatus(req, line)
		}
	}

	if len(calls) == 1 {
		return []providers.Message{l.executeOne(ctx, rc, calls[0])}
	}

	type indexed struct {
		idx int
		msg providers.Message
	}
	resultCh := make(chan indexed, len(calls))
	var wg sync.WaitGroup
	for i, tc := range calls {
		wg.Add(1)
		go func(idx int, tc providers.ToolCall) {
			defer wg.Done()
			resultCh <- indexed{idx: idx, msg: l.executeOne(ctx, rc, tc)}
		}(i, tc)
	}
	go func() { wg.Wait(); close(resultCh) }()

	collected := make([]indexed, 0, len(calls))
	for r := range resultCh {
		collected = append(collected, r)
	}
	sort.Slice(collected, func(i, j int) bool { return collected[i].idx < collected[j].idx })

	msgs := make([]providers.Message, 0, len(collected))
	for _, r := range collected {
		msgs = append(msgs, r.msg)
	}
	return msgs
}

// executeOne runs a single tool call and shapes its result message. Slow
// executions push a status event so channels can keep a typing indicator
// alive.
func (l *Loop) executeOne(ctx context.Context, rc *runContext, tc providers.ToolCall) providers.Message {
	req := rc.req
	execCtx := l.toolCtx(ctx, rc, tc.ID)

	timer := time.AfterFunc(statusUpdateAfter, func() {
		l.emit(AgentEvent{
			Type:    EventStatus,
			AgentID: l.id,
			RunID:   req.RunID,
			Payload: map[string]interface{}{"tool": tc.Name, "state": "running"},
		})
	})
	defer timer.Stop()

	start := time.Now()
	var result *tools.Result
	if req.Directives.Elevated {
		result = l.tools.ExecuteApproved(execCtx, tc.Name, tc.Arguments)
	} else {
		result = l.tools.Execute(execCtx, tc.Name, tc.Arguments)
	}
	elapsed := time.Since(start)

	if result.IsError {
		l.log.Warn("tool error", "run_id", req.RunID, "tool", tc.Name, "error", truncateStr(result.ForLLM, 200))
	}
	l.emit(AgentEvent{
		Type:    EventToolResult,
		AgentID: l.id,
		RunID:   req.RunID,
		Payload: map[string]interface{}{
			"name":        tc.Name,
			"id":          tc.ID,
			"is_error":    result.IsError,
			"duration_ms": elapsed.Milliseconds(),
		},
	})

	// Tool output the user should see directly (approval prompts, sent
	// confirmations) goes out as its own message.
	if result.ForUser != "" && !result.Silent {
		l.sendIntermediate(req, result.ForUser)
	}

	content := result.ForLLM
	if req.Directives.Verbose {
		raw := result.Raw
		if raw == "" {
			raw = result.ForLLM
		}
		content = fmt.Sprintf("%s\n\n[debug: %s returned %d tokens in %dms]", content, tc.Name, tokens.Estimate(raw), elapsed.Milliseconds())
		if raw != result.ForLLM {
			content += "\n[debug: full result before truncation]\n" + raw
		}
	}
	return providers.Message{
		Role:       "tool",
		Content:    content,
		ToolCallID: tc.ID,
	}
}

// toolCtx attaches the run's routing context for tools that need it.
func (l *Loop) toolCtx(ctx context.Context, rc *runContext, callID string) context.Context {
	req := rc.req
	ctx = tools.WithToolSessionKey(ctx, req.SessionKey)
	ctx = tools.WithToolChannel(ctx, req.Channel)
	ctx = tools.WithToolChatID(ctx, req.ChatID)
	ctx = tools.WithToolPeerKind(ctx, req.PeerKind)
	ctx = tools.WithToolAgentID(ctx, l.id)
	ctx = tools.WithToolRunID(ctx, req.RunID)
	ctx = tools.WithToolContextText(ctx, req.Message)
	if callID != "" {
		ctx = tools.WithToolCallID(ctx, callID)
	}
	// Attachments already encoded for the current message are shared with
	// vision tools through the context.
	if len(rc.current.Images) > 0 {
		ctx = tools.WithMediaImages(ctx, rc.current.Images)
	}
	return ctx
}

// --- context shares ---

// recallMemory fills the memory share with long-term entries matching the
// message keywords.
func (l *Loop) recallMemory(ctx context.Context, message string) string {
	if l.memory == nil {
		return ""
	}
	entries, err := l.memory.Search(ctx, message, memoryRecallLimit)
	if err != nil {
		l.log.Warn("memory recall failed", "error", err)
		return ""
	}
	if len(entries) == 0 {
		return ""
	}
	var b strings.Builder
	for _, e := range entries {
		fmt.Fprintf(&b, "- %s\n", e.Content)
	}
	return strings.TrimSpace(b.String())
}

// skillsSection fills the skills share: always-loaded skill bodies followed
// by the name+description listing the model can expand with read_file.
func (l *Loop) skillsSection() string {
	if l.skills == nil {
		return ""
	}
	var parts []string
	for _, s := range l.skills.AlwaysLoaded(nil) {
		parts = append(parts, strings.TrimSpace(s.Body))
	}
	if summary := l.skills.BuildSummary(nil); summary != "" {
		parts = append(parts, summary)
	}
	return strings.Join(parts, "\n\n")
}

// --- nudges and recovery text ---

func requiredToolNudge(tool string, wrongCalls []providers.ToolCall) string {
	if len(wrongCalls) == 0 {
		return fmt.Sprintf("You MUST call tool `%s` now. Do not answer in plain text.", tool)
	}
	names := make([]string, 0, len(wrongCalls))
	for _, tc := range wrongCalls {
		names = append(names, tc.Name)
	}
	return fmt.Sprintf("You called %s, but this request requires tool `%s`. You MUST call tool `%s` now.",
		strings.Join(names, ", "), tool, tool)
}

func refusalNudge(toolNames []string) string {
	return fmt.Sprintf(
		"The user's request is reasonable and you have tools available: %s. Use them to fulfill the request instead of declining. If something is genuinely impossible, say specifically what and why.",
		strings.Join(toolNames, ", "))
}

func criticFeedbackNudge(v Verdict) string {
	feedback := v.Feedback
	if feedback == "" {
		feedback = "the draft is incomplete or unclear"
	}
	return fmt.Sprintf("A reviewer scored your draft %d/10: %s. Write an improved answer.", v.Score, feedback)
}

// refusalMarkers match assistant text that declines instead of acting.
// Checked only on short text-only replies; long answers that happen to
// contain a marker are legitimate explanations.
var refusalMarkers = []string{
	"i cannot", "i can't", "i am unable", "i'm unable", "i am not able",
	"i don't have the ability", "as an ai",
	"saya tidak bisa", "saya tidak dapat", "maaf, saya tidak",
	"我不能", "我无法", "做不到",
	"ฉันไม่สามารถ",
}

func isRefusal(text string) bool {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" || utf8.RuneCountInString(trimmed) > 400 {
		return false
	}
	lower := strings.ToLower(trimmed)
	for _, m := range refusalMarkers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	return false
}

// hasCall reports whether any call targets the tool.
func hasCall(calls []providers.ToolCall, tool string) bool {
	for _, tc := range calls {
		if tc.Name == tool {
			return true
		}
	}
	return false
}

func lastAssistantText(history []providers.Message) string {
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role == "assistant" && history[i].Content != "" {
			return history[i].Content
		}
	}
	return ""
}

// --- outbound helpers ---

// sendStatus publishes a non-final progress line. Channels render these as
// ephemeral status text and never persist them.
func (l *Loop) sendStatus(req RunRequest, text string) {
	if l.publish == nil || req.Channel == "" || req.Channel == "system" {
		return
	}
	l.publish(bus.OutboundMessage{
		Channel:  req.Channel,
		ChatID:   req.ChatID,
		Content:  text,
		Metadata: map[string]string{"type": "status_update"},
	})
}

// sendIntermediate publishes assistant commentary emitted alongside tool
// calls. The final reply goes through the normal path, never here.
func (l *Loop) sendIntermediate(req RunRequest, text string) {
	if l.publish == nil || req.Channel == "" || req.Channel == "system" {
		return
	}
	l.publish(bus.OutboundMessage{
		Channel: req.Channel,
		ChatID:  req.ChatID,
		Content: text,
	})
}

// statusLine renders the one-line progress note for a tool call.
func statusLine(name string, args map[string]interface{}) string {
	str := func(key string) string {
		v, _ := args[key].(string)
		return v
	}
	switch name {
	case "read_file":
		return fmt.Sprintf("_Reading `%s`_", str("path"))
	case "write_file":
		return fmt.Sprintf("_Writing `%s`_", str("path"))
	case "edit_file":
		return fmt.Sprintf("_Editing `%s`_", str("path"))
	case "list_dir":
		return fmt.Sprintf("_Listing `%s`_", str("path"))
	case "exec":
		return fmt.Sprintf("_Running `%s`_", truncateStr(str("command"), 60))
	case "web_search":
		return fmt.Sprintf("_Searching: %s_", truncateStr(str("query"), 60))
	case "web_fetch":
		return fmt.Sprintf("_Fetching %s_", truncateStr(str("url"), 80))
	case "browser":
		return "_Browsing the web_"
	case "read_image":
		return "_Looking at the image_"
	case "create_image":
		return "_Drawing_"
	case "remember", "recall", "forget":
		return "_Checking memory_"
	case "reminders":
		return "_Updating reminders_"
	case "send_message":
		return "" // the send itself is the visible effect
	default:
		return fmt.Sprintf("_Using `%s`_", name)
	}
}

func (l *Loop) emit(event AgentEvent) {
	if l.seq != nil && event.RunID != "" {
		event.Seq = l.seq.NextSeq(event.RunID)
	}
	if l.onEvent != nil {
		l.onEvent(event)
	}
}

func canceled(ctx context.Context, err error) bool {
	return ctx.Err() != nil || errors.Is(err, context.Canceled)
}

func truncateStr(s string, maxLen int) string {
	s = strings.ToValidUTF8(s, "")
	if len(s) <= maxLen {
		return s
	}
	// Don't cut in the middle of a multi-byte rune
	for maxLen > 0 && !utf8.RuneStart(s[maxLen]) {
		maxLen--
	}
	return s[:maxLen] + "..."
}
