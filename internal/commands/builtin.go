package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/nextlevelbuilder/omniclaw/internal/config"
	"github.com/nextlevelbuilder/omniclaw/internal/mcp"
	"github.com/nextlevelbuilder/omniclaw/internal/providers"
	"github.com/nextlevelbuilder/omniclaw/internal/store"
	"github.com/nextlevelbuilder/omniclaw/internal/tools"
)

// clipChunkRunes is the chunk size /clip splits the last reply into. Large
// enough that most replies are a single chunk, small enough to paste into
// any channel.
const clipChunkRunes = 3000

// benchmarkTimeout caps each /benchmark probe.
const benchmarkTimeout = 15 * time.Second

// RunControl is the slice of the agent runner the commands need.
type RunControl interface {
	Stop(sessionKey string) bool
	ActiveSessions() int
}

// Updater performs self-upgrade checks and restarts. Wired from the upgrade
// package; nil disables /update and /restart.
type Updater interface {
	Check(ctx context.Context) (current, latest string, available bool, err error)
	Apply(ctx context.Context) error
	Restart() error
}

// MCPStatus reports MCP server health for /doctor. Wired from the mcp
// manager; nil when no servers are configured.
type MCPStatus interface {
	ServerStatus() []mcp.ServerStatus
}

// Deps carries everything the builtin commands touch. Nil fields disable the
// commands that need them with a polite refusal instead of a panic.
type Deps struct {
	Config    *config.Config
	Sessions  store.SessionStore
	Runner    RunControl
	Tools     *tools.Registry
	Approvals *tools.ApprovalManager
	Provider  providers.Provider
	Updater   Updater
	MCP       MCPStatus
	StartedAt time.Time
	Version   string
}

func (d Deps) version() string {
	if d.Version == "" {
		return "dev"
	}
	return d.Version
}

// RegisterBuiltins wires the standard command set into the registry.
func RegisterBuiltins(r *Registry, d Deps) {
	r.Register(Command{
		Name:        "help",
		Description: "List available commands",
		Handler: func(ctx context.Context, inv Invocation) (string, error) {
			return helpText(r), nil
		},
	})
	r.Register(Command{
		Name:        "status",
		Description: "Session, model, and token stats",
		Handler:     d.statusCmd,
	})
	r.Register(Command{
		Name:        "switch",
		Aliases:     []string{"model"},
		Usage:       "<model>",
		Description: "Switch this session to another model",
		Handler:     d.switchCmd,
	})
	r.Register(Command{
		Name:        "benchmark",
		Usage:       "[models...]",
		Description: "Probe provider latency",
		Handler:     d.benchmarkCmd,
	})
	r.Register(Command{
		Name:        "doctor",
		Description: "Check the runtime environment",
		Handler:     d.doctorCmd,
	})
	r.Register(Command{
		Name:        "update",
		Usage:       "[check]",
		Description: "Check for and apply a new release",
		AdminOnly:   true,
		Handler:     d.updateCmd,
	})
	r.Register(Command{
		Name:        "restart",
		Description: "Restart the gateway",
		AdminOnly:   true,
		Handler:     d.restartCmd,
	})
	r.Register(Command{
		Name:        "sysinfo",
		Description: "Host, runtime, and memory details",
		Handler:     d.sysinfoCmd,
	})
	r.Register(Command{
		Name:        "uptime",
		Description: "Time since the gateway started",
		Handler:     d.uptimeCmd,
	})
	r.Register(Command{
		Name:        "clip",
		Usage:       "[n]",
		Description: "Repeat chunk n of the last reply",
		Handler:     d.clipCmd,
	})
	r.Register(Command{
		Name:        "approve",
		Usage:       "[id]",
		Description: "Run the pending tool call",
		Handler:     d.approveCmd,
	})
	r.Register(Command{
		Name:        "deny",
		Usage:       "[id]",
		Description: "Reject the pending tool call",
		Handler:     d.denyCmd,
	})
	r.Register(Command{
		Name:        "reset",
		Description: "Clear this session's history",
		Handler:     d.resetCmd,
	})
	r.Register(Command{
		Name:        "stop",
		Description: "Cancel the running task",
		Handler:     d.stopCmd,
	})
}

func helpText(r *Registry) string {
	var b strings.Builder
	b.WriteString("Available commands:\n")
	for _, c := range r.Commands() {
		if c.Hidden {
			continue
		}
		b.WriteString("/" + c.Name)
		if c.Usage != "" {
			b.WriteString(" " + c.Usage)
		}
		b.WriteString(" - " + c.Description)
		if c.AdminOnly {
			b.WriteString(" (admin)")
		}
		b.WriteString("\n")
	}
	b.WriteString("\nAnything else goes to the assistant.")
	return b.String()
}

func (d Deps) statusCmd(ctx context.Context, inv Invocation) (string, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "Session: %s\n", inv.SessionKey)
	if d.Sessions != nil {
		model := d.Sessions.Metadata(inv.SessionKey, "model")
		if model == "" {
			model = "default"
		}
		stats := d.Sessions.Stats(inv.SessionKey)
		fmt.Fprintf(&b, "Model: %s\n", model)
		fmt.Fprintf(&b, "History: %d messages\n", len(d.Sessions.History(inv.SessionKey)))
		fmt.Fprintf(&b, "Tokens: %d prompt / %d completion / %d total\n",
			stats.Prompt, stats.Completion, stats.Total)
	}
	if d.Approvals != nil {
		if p, ok := d.Approvals.Pending(inv.SessionKey); ok {
			fmt.Fprintf(&b, "Pending approval: %s (%s)\n", p.Tool, p.ID)
		}
	}
	if d.Runner != nil {
		fmt.Fprintf(&b, "Active sessions: %d\n", d.Runner.ActiveSessions())
	}
	fmt.Fprintf(&b, "Uptime: %s\n", formatUptime(time.Since(d.StartedAt)))
	fmt.Fprintf(&b, "Version: %s", d.version())
	return b.String(), nil
}

func (d Deps) switchCmd(ctx context.Context, inv Invocation) (string, error) {
	if len(inv.Args) == 0 {
		return "Usage: /switch <model>, or /switch default to clear the override.", nil
	}
	if d.Sessions == nil {
		return "Session store is not available.", nil
	}
	// /switch can be the first message of a session; make sure the session
	// exists so the override has somewhere to live.
	d.Sessions.GetOrCreate(inv.SessionKey)
	model := inv.Args[0]
	if model == "default" {
		d.Sessions.UpdateMetadata(inv.SessionKey, "model", "")
		return "Model override cleared; using the configured default.", nil
	}
	d.Sessions.UpdateMetadata(inv.SessionKey, "model", model)
	return fmt.Sprintf("Model switched to %s for this session.", model), nil
}

func (d Deps) benchmarkCmd(ctx context.Context, inv Invocation) (string, error) {
	if d.Provider == nil {
		return "No provider configured.", nil
	}
	models := inv.Args
	if len(models) == 0 {
		models = []string{d.Provider.DefaultModel()}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Latency via %s:\n", d.Provider.Name())
	for _, model := range models {
		probeCtx, cancel := context.WithTimeout(ctx, benchmarkTimeout)
		start := time.Now()
		_, err := d.Provider.Chat(probeCtx, providers.ChatRequest{
			Model:    model,
			Messages: []providers.Message{{Role: "user", Content: "ping"}},
			Options:  map[string]interface{}{providers.OptMaxTokens: 8},
		})
		cancel()
		if err != nil {
			fmt.Fprintf(&b, "%s: failed (%v)\n", model, err)
			continue
		}
		fmt.Fprintf(&b, "%s: %s\n", model, time.Since(start).Truncate(time.Millisecond))
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

func (d Deps) doctorCmd(ctx context.Context, inv Invocation) (string, error) {
	var b strings.Builder
	b.WriteString("Environment checks:\n")
	check := func(name string, ok bool, detail string) {
		mark := "ok"
		if !ok {
			mark = "FAIL"
		}
		fmt.Fprintf(&b, "[%s] %s", mark, name)
		if detail != "" {
			fmt.Fprintf(&b, ": %s", detail)
		}
		b.WriteString("\n")
	}

	cfgPath := config.DefaultPath()
	_, err := os.Stat(cfgPath)
	check("config file", err == nil, cfgPath)

	if d.Config != nil {
		ws := config.ExpandHome(d.Config.Agents.Defaults.Workspace)
		if ws == "" {
			check("workspace", false, "not configured")
		} else {
			info, err := os.Stat(ws)
			check("workspace", err == nil && info.IsDir(), ws)
		}
	} else {
		check("config loaded", false, "")
	}

	if d.Provider != nil {
		check("provider", true, fmt.Sprintf("%s (%s)", d.Provider.Name(), d.Provider.DefaultModel()))
	} else {
		check("provider", false, "none configured")
	}

	if d.Sessions != nil {
		check("session store", true, fmt.Sprintf("%d sessions", len(d.Sessions.List())))
	} else {
		check("session store", false, "")
	}

	if d.Tools != nil {
		check("tools", len(d.Tools.List()) > 0, fmt.Sprintf("%d registered", len(d.Tools.List())))
	} else {
		check("tools", false, "no registry")
	}

	if d.MCP != nil {
		for _, s := range d.MCP.ServerStatus() {
			detail := fmt.Sprintf("%s, %d tools", s.Transport, s.ToolCount)
			if s.Error != "" {
				detail += ", " + s.Error
			}
			check("mcp "+s.Name, s.Connected, detail)
		}
	}

	check("self-update", d.Updater != nil, "")
	return strings.TrimRight(b.String(), "\n"), nil
}

func (d Deps) updateCmd(ctx context.Context, inv Invocation) (string, error) {
	if d.Updater == nil {
		return "Self-update is not configured.", nil
	}
	current, latest, available, err := d.Updater.Check(ctx)
	if err != nil {
		return "", fmt.Errorf("update check: %w", err)
	}
	if !available {
		return fmt.Sprintf("Already up to date (%s).", current), nil
	}
	if len(inv.Args) > 0 && strings.EqualFold(inv.Args[0], "check") {
		return fmt.Sprintf("Update available: %s -> %s. Run /update to apply.", current, latest), nil
	}
	if err := d.Updater.Apply(ctx); err != nil {
		return "", fmt.Errorf("apply update: %w", err)
	}
	if err := d.Updater.Restart(); err != nil {
		return fmt.Sprintf("Updated %s -> %s. Restart manually to finish.", current, latest), nil
	}
	return fmt.Sprintf("Updated %s -> %s. Restarting.", current, latest), nil
}

func (d Deps) restartCmd(ctx context.Context, inv Invocation) (string, error) {
	if d.Updater == nil {
		return "Restart is not available.", nil
	}
	if err := d.Updater.Restart(); err != nil {
		return "", fmt.Errorf("restart: %w", err)
	}
	return "Restarting.", nil
}

func (d Deps) sysinfoCmd(ctx context.Context, inv Invocation) (string, error) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	host, _ := os.Hostname()

	var b strings.Builder
	fmt.Fprintf(&b, "Host: %s\n", host)
	fmt.Fprintf(&b, "OS: %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Fprintf(&b, "Go: %s\n", runtime.Version())
	fmt.Fprintf(&b, "CPUs: %d\n", runtime.NumCPU())
	fmt.Fprintf(&b, "Goroutines: %d\n", runtime.NumGoroutine())
	fmt.Fprintf(&b, "Memory: %s heap in use, %s from OS", formatBytes(mem.HeapInuse), formatBytes(mem.Sys))
	return b.String(), nil
}

func (d Deps) uptimeCmd(ctx context.Context, inv Invocation) (string, error) {
	return fmt.Sprintf("Up %s (since %s).",
		formatUptime(time.Since(d.StartedAt)),
		d.StartedAt.Format("2006-01-02 15:04:05")), nil
}

func (d Deps) clipCmd(ctx context.Context, inv Invocation) (string, error) {
	if d.Sessions == nil {
		return "Session store is not available.", nil
	}
	history := d.Sessions.History(inv.SessionKey)
	var last string
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role == "assistant" && strings.TrimSpace(history[i].Content) != "" {
			last = history[i].Content
			break
		}
	}
	if last == "" {
		return "No assistant reply to clip yet.", nil
	}

	n := 1
	if len(inv.Args) > 0 {
		v, err := strconv.Atoi(inv.Args[0])
		if err != nil || v < 1 {
			return "Usage: /clip [n] with n a positive chunk number.", nil
		}
		n = v
	}

	chunks := clipChunks(last, clipChunkRunes)
	if n > len(chunks) {
		return fmt.Sprintf("The last reply has %d chunk(s).", len(chunks)), nil
	}
	if len(chunks) == 1 {
		return chunks[0], nil
	}
	return fmt.Sprintf("[%d/%d]\n%s", n, len(chunks), chunks[n-1]), nil
}

func (d Deps) approveCmd(ctx context.Context, inv Invocation) (string, error) {
	p, refusal := d.takePending(inv)
	if p == nil {
		return refusal, nil
	}
	if d.Tools == nil {
		return "Tool registry is not available.", nil
	}

	var args map[string]interface{}
	if len(p.Args) > 0 {
		if err := json.Unmarshal(p.Args, &args); err != nil {
			return "", fmt.Errorf("decode approved args: %w", err)
		}
	}

	// Rebuild the execution context the call was parked with.
	ctx = tools.WithToolSessionKey(ctx, p.SessionKey)
	ctx = tools.WithToolChannel(ctx, p.Channel)
	ctx = tools.WithToolChatID(ctx, p.ChatID)

	res := d.Tools.ExecuteApproved(ctx, p.Tool, args)
	text := strings.TrimSpace(res.ForUser)
	if text == "" {
		text = strings.TrimSpace(res.ForLLM)
	}
	if res.IsError {
		return fmt.Sprintf("Approved %s, but it failed: %s", p.Tool, text), nil
	}
	if text == "" {
		text = "(no output)"
	}
	return fmt.Sprintf("Approved %s.\n%s", p.Tool, text), nil
}

func (d Deps) denyCmd(ctx context.Context, inv Invocation) (string, error) {
	p, refusal := d.takePending(inv)
	if p == nil {
		return refusal, nil
	}
	return fmt.Sprintf("Denied %s (%s).", p.Tool, p.ID), nil
}

// takePending resolves and consumes the session's pending approval. With no
// id argument the single pending call is used; consumption makes a second
// /approve or /deny of the same id find nothing.
func (d Deps) takePending(inv Invocation) (*tools.PendingApproval, string) {
	if d.Approvals == nil {
		return nil, "Approvals are not available."
	}
	id := ""
	if len(inv.Args) > 0 {
		id = inv.Args[0]
	}
	if id == "" {
		p, ok := d.Approvals.Pending(inv.SessionKey)
		if !ok {
			return nil, "No pending approval in this session."
		}
		id = p.ID
	}
	p, ok := d.Approvals.Take(inv.SessionKey, id)
	if !ok {
		return nil, fmt.Sprintf("No pending approval with ID %s.", id)
	}
	return p, ""
}

func (d Deps) resetCmd(ctx context.Context, inv Invocation) (string, error) {
	if d.Sessions == nil {
		return "Session store is not available.", nil
	}
	d.Sessions.Reset(inv.SessionKey)
	return "Conversation history has been reset.", nil
}

func (d Deps) stopCmd(ctx context.Context, inv Invocation) (string, error) {
	if d.Runner == nil {
		return "No task runner available.", nil
	}
	if d.Runner.Stop(inv.SessionKey) {
		return "Task stopped.", nil
	}
	return "No active task to stop.", nil
}

func clipChunks(s string, size int) []string {
	runes := []rune(s)
	var out []string
	for len(runes) > size {
		out = append(out, string(runes[:size]))
		runes = runes[size:]
	}
	return append(out, string(runes))
}

func formatUptime(d time.Duration) string {
	d = d.Truncate(time.Second)
	const day = 24 * time.Hour
	if d >= day {
		return fmt.Sprintf("%dd %s", d/day, (d % day).String())
	}
	return d.String()
}

func formatBytes(n uint64) string {
	const mib = 1 << 20
	if n >= mib {
		return fmt.Sprintf("%.1f MiB", float64(n)/float64(mib))
	}
	return fmt.Sprintf("%d KiB", n/1024)
}
