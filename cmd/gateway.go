package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/omniclaw/internal/agent"
	"github.com/nextlevelbuilder/omniclaw/internal/bootstrap"
	"github.com/nextlevelbuilder/omniclaw/internal/bus"
	"github.com/nextlevelbuilder/omniclaw/internal/channels"
	"github.com/nextlevelbuilder/omniclaw/internal/channels/discord"
	"github.com/nextlevelbuilder/omniclaw/internal/channels/telegram"
	"github.com/nextlevelbuilder/omniclaw/internal/channels/webchat"
	"github.com/nextlevelbuilder/omniclaw/internal/channels/whatsapp"
	"github.com/nextlevelbuilder/omniclaw/internal/commands"
	"github.com/nextlevelbuilder/omniclaw/internal/config"
	"github.com/nextlevelbuilder/omniclaw/internal/cron"
	"github.com/nextlevelbuilder/omniclaw/internal/gateway"
	"github.com/nextlevelbuilder/omniclaw/internal/heartbeat"
	"github.com/nextlevelbuilder/omniclaw/internal/mcp"
	"github.com/nextlevelbuilder/omniclaw/internal/memory"
	"github.com/nextlevelbuilder/omniclaw/internal/providers"
	"github.com/nextlevelbuilder/omniclaw/internal/sentinel"
	"github.com/nextlevelbuilder/omniclaw/internal/sessions"
	"github.com/nextlevelbuilder/omniclaw/internal/skills"
	"github.com/nextlevelbuilder/omniclaw/internal/store"
	"github.com/nextlevelbuilder/omniclaw/internal/store/file"
	"github.com/nextlevelbuilder/omniclaw/internal/telemetry"
	"github.com/nextlevelbuilder/omniclaw/internal/tools"
	"github.com/nextlevelbuilder/omniclaw/internal/upgrade"
	"github.com/nextlevelbuilder/omniclaw/internal/version"
	"github.com/nextlevelbuilder/omniclaw/pkg/protocol"
)

func gatewayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "gateway",
		Short: "Run the gateway (the default when no subcommand is given)",
		Run: func(cmd *cobra.Command, args []string) {
			runGateway()
		},
	}
}

// runGateway wires the whole process: stores, providers, tools, agents,
// channels, scheduler, heartbeat, and the WebSocket gateway, then blocks
// until SIGINT/SIGTERM.
func runGateway() {
	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "path", cfgPath, "error", err)
		os.Exit(1)
	}
	setupLogging(cfg)

	// First run or missing secrets: help the user instead of crashing later
	// on the first provider call.
	if !cfg.HasAnyProvider() {
		if _, statErr := os.Stat(cfgPath); os.IsNotExist(statErr) {
			fmt.Println("No configuration found. Starting setup...")
			fmt.Println()
			runOnboard(cfgPath)
			return
		}
		fmt.Println("No provider API key found. Export one and retry, e.g.:")
		fmt.Println()
		fmt.Println("  export OMNICLAW_ANTHROPIC_API_KEY=sk-ant-...")
		fmt.Println()
		fmt.Println("Or re-run setup:  omniclaw onboard")
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if shutdownTel, telErr := telemetry.Setup(ctx, cfg.Telemetry, version.Version); telErr != nil {
		slog.Warn("telemetry setup failed", "error", telErr)
	} else if shutdownTel != nil {
		defer shutdownTel(context.Background())
	}

	// Crash sentinel: a record left behind names the session whose turn was
	// in flight when the previous run died. The recovery notice is published
	// after the channels are up; the runners mark and clear per turn.
	sent := sentinel.New(filepath.Join(config.BaseDir(), "sentinel.json"))
	stale, wasDirty := sent.CheckStale()

	msgBus := bus.New()

	workspace := cfg.WorkspacePath()
	os.MkdirAll(workspace, 0o755)
	if seeded, seedErr := bootstrap.EnsureWorkspaceFiles(workspace); seedErr != nil {
		slog.Warn("workspace template seeding failed", "error", seedErr)
	} else if len(seeded) > 0 {
		slog.Info("seeded workspace templates", "files", seeded)
	}

	stores, closeStores, err := buildStores(cfg)
	if err != nil {
		slog.Error("store initialization failed", "error", err)
		os.Exit(1)
	}
	defer closeStores()

	providerReg, primary, err := buildProviders(cfg)
	if err != nil {
		slog.Error("provider initialization failed", "error", err)
		os.Exit(1)
	}

	skillsLoader := buildSkills(ctx, cfg, workspace)

	cronSvc := cron.NewService(stores.Cron, msgBus,
		cron.WithTickInterval(cfg.Cron.TickEvery()),
		cron.WithCatchupWindow(cfg.Cron.Catchup()),
		cron.WithRetry(cfg.Cron.ToRetryConfig()),
	)

	toolsReg, approvals := buildTools(cfg, workspace, msgBus, stores, cronSvc, providerReg)

	var mcpMgr *mcp.Manager
	if len(cfg.Tools.MCPServers) > 0 {
		mcpMgr = mcp.NewManager(toolsReg, cfg.Tools.MCPServers)
		if err := mcpMgr.Start(ctx); err != nil {
			slog.Warn("mcp startup errors", "error", err)
		}
		defer mcpMgr.Stop()
	}

	runners := buildAgents(cfg, workspace, msgBus, stores, toolsReg, skillsLoader, providerReg, primary)
	for _, r := range runners.byAgent {
		r.SetTurnRecorder(sent)
	}
	if len(runners.byAgent) == 0 {
		slog.Error("no runnable agents; check providers and agents config")
		os.Exit(1)
	}

	// Channels.
	channelMgr := channels.NewManager(msgBus)
	wc := registerChannels(cfg, msgBus, channelMgr, workspace)

	// Slash commands, including /approve + /deny for gated tools.
	cmdReg := commands.NewRegistry(cfg)
	deps := commands.Deps{
		Config:    cfg,
		Sessions:  stores.Sessions,
		Runner:    runners,
		Tools:     toolsReg,
		Approvals: approvals,
		Provider:  primary,
		StartedAt: time.Now(),
		Version:   version.Version,
	}
	if cfg.Upgrade.IsEnabled() {
		deps.Updater = upgrade.New(cfg.Upgrade.Repo, sent.Clear)
	}
	if mcpMgr != nil {
		deps.MCP = mcpMgr
	}
	commands.RegisterBuiltins(cmdReg, deps)

	server := gateway.NewServer(cfg, msgBus, wc)

	// Heartbeat + system-event injection. The injector is the only consumer
	// of the system event queue; cron and the sentinel notice go through it.
	defaultAgent := cfg.ResolveDefaultAgentID()
	injector := heartbeat.NewInjector(msgBus, defaultAgent)
	injector.Start(ctx)
	hbSvc := heartbeat.NewService(msgBus, cfg.Agents.Defaults.Heartbeat, defaultAgent, workspace)
	hbSvc.Start(ctx)

	if err := channelMgr.StartAll(ctx); err != nil {
		slog.Error("channel startup failed", "error", err)
	}
	if wasDirty {
		publishCrashNotice(msgBus, cfg, stale)
		sent.Clear()
	}
	if err := cronSvc.Start(ctx); err != nil {
		slog.Warn("cron service failed to start", "error", err)
	}

	consumer := newConsumer(cfg, msgBus, cmdReg, stores.Sessions, runners)
	go consumer.run(ctx)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("graceful shutdown initiated", "signal", sig)
		msgBus.Broadcast(bus.Event{Name: "shutdown"})

		stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer stopCancel()
		channelMgr.StopAll(stopCtx)
		hbSvc.Stop(stopCtx)
		cronSvc.Stop(stopCtx)
		injector.Stop(stopCtx)

		cancel()
	}()

	mode := "standalone"
	if cfg.IsManagedMode() {
		mode = "managed"
	}
	slog.Info("omniclaw gateway starting",
		"version", version.Version,
		"protocol", protocol.ProtocolVersion,
		"mode", mode,
		"agents", runners.agentIDs(),
		"tools", len(toolsReg.List()),
		"channels", channelMgr.ActiveChannels(),
	)

	// Tailscale serves the same mux when built with -tags tsnet.
	mux := server.BuildMux()
	if tsCleanup := initTailscale(ctx, cfg, mux); tsCleanup != nil {
		defer tsCleanup()
	}

	if err := server.Start(ctx); err != nil {
		slog.Error("gateway error", "error", err)
		os.Exit(1)
	}

	// In-flight runs finish (clearing their sentinel marks) before the
	// stores flush.
	runners.wait()
	if err := stores.Sessions.Flush(); err != nil {
		slog.Warn("session flush failed", "error", err)
	}
	msgBus.Close()
	slog.Info("gateway stopped")
}

// setupLogging configures the process-wide slog default from config, with
// the --verbose flag forcing debug.
func setupLogging(cfg *config.Config) {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.LogLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	if verbose {
		level = slog.LevelDebug
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if strings.ToLower(cfg.LogFormat) == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
}

// buildStores selects the persistence backends: Postgres in managed mode,
// files + sqlite otherwise. The returned closer flushes and releases
// everything in reverse order.
func buildStores(cfg *config.Config) (*store.Stores, func(), error) {
	if cfg.IsManagedMode() {
		db, err := pgOpenChecked(cfg.Database.PostgresDSN)
		if err != nil {
			return nil, nil, err
		}
		stores := pgStores(db)
		slog.Info("stores ready", "backend", "postgres")
		return stores, func() {
			if stores.Memory != nil {
				stores.Memory.Close()
			}
		}, nil
	}

	sess := file.NewSessionStore(cfg.SessionsPath())
	cronStore, err := cron.NewFileStore(cfg.CronPath())
	if err != nil {
		return nil, nil, fmt.Errorf("cron store: %w", err)
	}

	var mem memory.Store
	if cfg.Memory.IsEnabled() {
		sqliteMem, memErr := memory.NewSQLite(cfg.MemoryPath())
		if memErr != nil {
			slog.Warn("memory store unavailable, continuing without", "error", memErr)
		} else {
			mem = sqliteMem
		}
	}

	stores := &store.Stores{Sessions: sess, Cron: cronStore, Memory: mem}
	closer := func() {
		if err := sess.Flush(); err != nil {
			slog.Warn("session flush failed", "error", err)
		}
		if mem != nil {
			mem.Close()
		}
	}
	slog.Info("stores ready", "backend", "file", "memory", mem != nil)
	return stores, closer, nil
}

// buildProviders registers one Resilient provider per configured spec that
// has keys and returns the default one.
func buildProviders(cfg *config.Config) (*providers.Registry, providers.Provider, error) {
	reg := providers.NewRegistry()
	for i := range cfg.Providers {
		spec := &cfg.Providers[i]
		if !spec.HasKeys() {
			slog.Debug("provider skipped, no API key", "provider", spec.Name)
			continue
		}
		p := providers.FromSpec(spec.Name, spec.Type, spec.APIBase, spec.APIKeys, spec.Models)
		reg.Register(p)
		slog.Info("provider registered", "provider", spec.Name, "models", len(spec.Models), "keys", len(spec.APIKeys))
	}

	if name := cfg.Agents.Defaults.Provider; name != "" {
		if p, err := reg.Get(name); err == nil {
			return reg, p, nil
		}
		slog.Warn("default provider has no usable spec, falling back to first", "provider", name)
	}
	if p, ok := reg.First(); ok {
		return reg, p, nil
	}
	return nil, nil, fmt.Errorf("no provider with API keys configured")
}

// buildSkills loads the skills library and starts the fsnotify watcher when
// enabled. Failures degrade to an empty library.
func buildSkills(ctx context.Context, cfg *config.Config, workspace string) *skills.Loader {
	loader := skills.NewLoader(cfg.SkillsPath(), filepath.Join(workspace, "skills"))
	if err := loader.Load(); err != nil {
		slog.Warn("skills load failed", "error", err)
	}
	if cfg.Skills.WatchEnabled() {
		if watcher, err := skills.NewWatcher(loader); err != nil {
			slog.Warn("skills watcher unavailable", "error", err)
		} else if err := watcher.Start(ctx); err != nil {
			slog.Warn("skills watcher start failed", "error", err)
		}
	}
	slog.Info("skills loaded", "count", len(loader.ListSkills()))
	return loader
}

// buildTools registers the builtin tool suite and the execution pipeline
// around it (policy, rate limit, truncation, approvals, events).
func buildTools(cfg *config.Config, workspace string, msgBus *bus.MessageBus, stores *store.Stores, cronSvc *cron.Service, providerReg *providers.Registry) (*tools.Registry, *tools.ApprovalManager) {
	reg := tools.NewRegistry()
	restrict := cfg.Agents.Defaults.RestrictToWorkspace

	reg.Register(tools.NewReadFileTool(workspace, restrict))
	reg.Register(tools.NewWriteFileTool(workspace, restrict))
	reg.Register(tools.NewEditFileTool(workspace, restrict))
	reg.Register(tools.NewListDirTool(workspace, restrict))
	reg.Register(tools.NewExecTool(workspace, restrict))

	if search := tools.NewWebSearchTool(tools.WebSearchConfig{
		BraveEnabled:    cfg.Tools.Web.Brave.Enabled,
		BraveAPIKey:     cfg.Tools.Web.Brave.APIKey,
		BraveMaxResults: cfg.Tools.Web.Brave.MaxResults,
		DDGEnabled:      cfg.Tools.Web.DuckDuckGo.Enabled,
		DDGMaxResults:   cfg.Tools.Web.DuckDuckGo.MaxResults,
	}); search != nil {
		reg.Register(search)
	}
	reg.Register(tools.NewWebFetchTool(tools.WebFetchConfig{}))

	if cfg.Tools.Browser.Enabled {
		reg.Register(tools.NewBrowserTool(cfg.Tools.Browser.Headless, filepath.Join(workspace, "screenshots")))
	}

	reg.Register(tools.NewReadImageTool(providerReg))
	reg.Register(tools.NewCreateImageTool(providerReg))

	if stores.Memory != nil {
		reg.Register(tools.NewRememberTool(stores.Memory))
		reg.Register(tools.NewRecallTool(stores.Memory))
		reg.Register(tools.NewForgetTool(stores.Memory))
	}

	loc := time.Local
	if tz := cfg.Agents.Defaults.Timezone; tz != "" {
		if l, err := time.LoadLocation(tz); err == nil {
			loc = l
		}
	}
	reg.Register(tools.NewRemindersTool(cronSvc, loc))
	reg.Register(tools.NewSendMessageTool(msgBus))
	reg.Register(tools.NewSessionsTool(stores.Sessions))

	reg.SetPolicy(tools.NewPolicy(cfg.Tools))
	reg.SetRateLimiter(tools.NewToolRateLimiter(cfg.Tools.RateLimitPerMin, cfg.Tools.RateBurst))
	reg.SetTruncator(tools.NewTruncator(cfg.Agents.Defaults.MaxTokens, cfg.ToolResultsPath()))

	approvals := tools.NewApprovalManager()
	reg.SetApprovals(approvals)

	reg.SetEventSink(func(ev tools.ToolEvent) {
		msgBus.Broadcast(bus.Event{Name: "tool", Payload: ev})
	})

	return reg, approvals
}

// buildAgents creates one Loop + Runner per configured agent. The default
// agent always exists; extra agents come from agents.list.
func buildAgents(cfg *config.Config, workspace string, msgBus *bus.MessageBus, stores *store.Stores, toolsReg *tools.Registry, skillsLoader *skills.Loader, providerReg *providers.Registry, primary providers.Provider) *runnerSet {
	set := &runnerSet{byAgent: make(map[string]*agent.Runner)}

	ids := []string{config.DefaultAgentID}
	for id := range cfg.Agents.List {
		if id != config.DefaultAgentID {
			ids = append(ids, id)
		}
	}

	for _, id := range ids {
		defaults := cfg.ResolveAgent(id)

		provider := primary
		if defaults.Provider != "" {
			if p, err := providerReg.Get(defaults.Provider); err == nil {
				provider = p
			} else {
				slog.Warn("agent provider not registered, using default", "agent", id, "provider", defaults.Provider)
			}
		}

		agentWorkspace := workspace
		if defaults.Workspace != "" {
			agentWorkspace = config.ExpandHome(defaults.Workspace)
		}

		loop := agent.NewLoop(agent.LoopConfig{
			ID:        id,
			Provider:  provider,
			Defaults:  defaults,
			Workspace: agentWorkspace,
			OwnerIDs:  cfg.Gateway.OwnerIDs,
			Sessions:  stores.Sessions,
			Tools:     toolsReg,
			Memory:    stores.Memory,
			Skills:    skillsLoader,
			OnEvent: func(ev agent.AgentEvent) {
				msgBus.Broadcast(bus.Event{Name: "agent", Payload: ev})
			},
			Publish: msgBus.PublishOutbound,
			Seq:     msgBus,
		})
		set.byAgent[id] = agent.NewRunner(loop, defaults.MaxConcurrentRuns)
	}
	return set
}

// registerChannels builds the enabled channel adapters. The webchat channel
// is returned separately because the gateway server attaches its clients.
func registerChannels(cfg *config.Config, msgBus *bus.MessageBus, mgr *channels.Manager, workspace string) *webchat.Channel {
	if cfg.Channels.Telegram.Enabled && cfg.Channels.Telegram.Token != "" {
		if tg, err := telegram.New(cfg.Channels.Telegram, msgBus, workspace); err != nil {
			slog.Error("telegram channel init failed", "error", err)
		} else {
			mgr.Register(tg)
		}
	}

	if cfg.Channels.Discord.Enabled && cfg.Channels.Discord.Token != "" {
		if dc, err := discord.New(cfg.Channels.Discord, msgBus); err != nil {
			slog.Error("discord channel init failed", "error", err)
		} else {
			mgr.Register(dc)
		}
	}

	if cfg.Channels.WhatsApp.Enabled && cfg.Channels.WhatsApp.BridgeURL != "" {
		if wa, err := whatsapp.New(cfg.Channels.WhatsApp, msgBus); err != nil {
			slog.Error("whatsapp channel init failed", "error", err)
		} else {
			mgr.Register(wa)
		}
	}

	var wc *webchat.Channel
	if cfg.Channels.Webchat.Enabled {
		wc = webchat.New(cfg.Channels.Webchat, msgBus)
		mgr.Register(wc)
	}
	return wc
}

// publishCrashNotice tells the session whose turn was in flight that the
// previous run died mid-turn. Session keys without a channel route (main,
// cron) fall back to the owner notice path.
func publishCrashNotice(msgBus *bus.MessageBus, cfg *config.Config, rec *sentinel.Record) {
	notice := fmt.Sprintf(
		"I recovered from an unclean shutdown at %s while handling a message in session %s; that reply may never have arrived.",
		rec.At().Format(time.RFC1123), rec.SessionID,
	)
	slog.Warn("previous run died mid-turn", "session", rec.SessionID, "at", rec.At())

	if channel, chatID := sessions.RouteFromKey(rec.SessionID); channel != "" && chatID != "" {
		msgBus.PublishOutbound(bus.OutboundMessage{Channel: channel, ChatID: chatID, Content: notice})
		return
	}
	var origin [2]string
	if owner := cfg.Notify.Owner; owner != "" {
		if ch, chat, ok := strings.Cut(owner, ":"); ok {
			origin = [2]string{ch, chat}
		}
	}
	msgBus.PublishSystemEvent(bus.SystemEvent{
		Kind:          bus.EventNotice,
		OriginChannel: origin[0],
		OriginChatID:  origin[1],
		Payload:       notice,
		AtMs:          time.Now().UnixMilli(),
	})
}
