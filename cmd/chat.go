package cmd

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/omniclaw/internal/agent"
	"github.com/nextlevelbuilder/omniclaw/internal/bus"
	"github.com/nextlevelbuilder/omniclaw/internal/commands"
	"github.com/nextlevelbuilder/omniclaw/internal/config"
	"github.com/nextlevelbuilder/omniclaw/internal/cron"
	"github.com/nextlevelbuilder/omniclaw/internal/sessions"
	"github.com/nextlevelbuilder/omniclaw/internal/version"
	"github.com/nextlevelbuilder/omniclaw/pkg/protocol"
)

func agentCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Talk to the agent from the terminal",
	}
	cmd.AddCommand(chatCmd())
	return cmd
}

func chatCmd() *cobra.Command {
	var gatewayURL string
	var standalone bool

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Interactive chat session",
		Long: "Connects to a running gateway over WebSocket. With --standalone the\n" +
			"agent runs inside this process instead; no gateway needed.",
		Run: func(cmd *cobra.Command, args []string) {
			if standalone {
				runStandaloneChat()
				return
			}
			runGatewayChat(gatewayURL)
		},
	}
	cmd.Flags().StringVar(&gatewayURL, "gateway", "", "gateway URL (default ws://<host>:<port>/ws from config)")
	cmd.Flags().BoolVar(&standalone, "standalone", false, "run the agent in-process without a gateway")
	return cmd
}

// runGatewayChat speaks the gateway frame protocol over a WebSocket: chat
// frames out, message/event frames in.
func runGatewayChat(gatewayURL string) {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	wsURL := gatewayURL
	if wsURL == "" {
		host := cfg.Gateway.Host
		if host == "" || host == "0.0.0.0" {
			host = "127.0.0.1"
		}
		wsURL = fmt.Sprintf("ws://%s:%d/ws", host, cfg.Gateway.Port)
	}

	header := http.Header{}
	if cfg.Gateway.Token != "" {
		header.Set("Authorization", "Bearer "+cfg.Gateway.Token)
	}

	u, err := url.Parse(wsURL)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid gateway URL %q: %v\n", wsURL, err)
		os.Exit(1)
	}

	conn, _, err := websocket.DefaultDialer.Dial(u.String(), header)
	if err != nil {
		fmt.Fprintf(os.Stderr, "cannot reach gateway at %s: %v\n", wsURL, err)
		fmt.Fprintln(os.Stderr, "Is it running? Start it with: omniclaw")
		os.Exit(1)
	}
	defer conn.Close()

	fmt.Printf("Connected to %s (omniclaw %s). Type a message, or /quit to exit.\n\n", wsURL, version.Version)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			var frame protocol.ServerFrame
			if err := conn.ReadJSON(&frame); err != nil {
				fmt.Fprintf(os.Stderr, "\nconnection closed: %v\n", err)
				return
			}
			printServerFrame(frame)
		}
	}()

	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			break
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "/quit" || line == "/exit" {
			break
		}

		frame := protocol.ClientFrame{Type: protocol.TypeChat, ID: uuid.NewString()}
		switch {
		case strings.HasPrefix(line, "/approve "):
			frame.Type = protocol.TypeApprove
			frame.Payload = mustJSON(protocol.ApprovalPayload{ApprovalID: strings.TrimSpace(strings.TrimPrefix(line, "/approve "))})
		case strings.HasPrefix(line, "/deny "):
			frame.Type = protocol.TypeDeny
			frame.Payload = mustJSON(protocol.ApprovalPayload{ApprovalID: strings.TrimSpace(strings.TrimPrefix(line, "/deny "))})
		default:
			frame.Payload = mustJSON(protocol.ChatPayload{Content: line})
		}
		if err := conn.WriteJSON(frame); err != nil {
			fmt.Fprintf(os.Stderr, "send failed: %v\n", err)
			break
		}

		select {
		case <-done:
			return
		default:
		}
	}

	conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	select {
	case <-done:
	case <-time.After(time.Second):
	}
}

func printServerFrame(frame protocol.ServerFrame) {
	switch frame.Type {
	case protocol.TypeMessage:
		var p protocol.MessagePayload
		if err := protocol.DecodePayload(frame.Payload, &p); err == nil {
			fmt.Printf("\n%s\n> ", p.Content)
			for _, m := range p.Media {
				fmt.Printf("[attachment] %s\n> ", m.URL)
			}
		}
	case protocol.TypeError:
		var p protocol.ErrorPayload
		if err := protocol.DecodePayload(frame.Payload, &p); err == nil {
			fmt.Fprintf(os.Stderr, "\nerror: %s\n> ", p.Error)
		}
	case protocol.TypeEvent:
		// Tool and agent progress events stay quiet; replies carry
		// everything the terminal user needs, including approval ids.
	}
}

func mustJSON(v interface{}) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}

// runStandaloneChat runs the agent loop inside this process: same stores,
// tools, and providers as the gateway, no server or channels.
func runStandaloneChat() {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	setupLogging(cfg)
	if !cfg.HasAnyProvider() {
		fmt.Fprintln(os.Stderr, "No provider API key found. Run: omniclaw onboard")
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	msgBus := bus.New()
	defer msgBus.Close()

	stores, closeStores, err := buildStores(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "stores: %v\n", err)
		os.Exit(1)
	}
	defer closeStores()

	providerReg, primary, err := buildProviders(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "providers: %v\n", err)
		os.Exit(1)
	}

	workspace := cfg.WorkspacePath()
	skillsLoader := buildSkills(ctx, cfg, workspace)
	cronSvc := cron.NewService(stores.Cron, msgBus)
	toolsReg, approvals := buildTools(cfg, workspace, msgBus, stores, cronSvc, providerReg)
	runners := buildAgents(cfg, workspace, msgBus, stores, toolsReg, skillsLoader, providerReg, primary)

	agentID := cfg.ResolveDefaultAgentID()
	runner, _ := runners.get(agentID)
	sessionKey := sessions.MainSessionKey(agentID)

	cmdReg := commands.NewRegistry(cfg)
	commands.RegisterBuiltins(cmdReg, commands.Deps{
		Config:    cfg,
		Sessions:  stores.Sessions,
		Runner:    runners,
		Tools:     toolsReg,
		Approvals: approvals,
		Provider:  primary,
		StartedAt: time.Now(),
		Version:   version.Version,
	})

	fmt.Printf("omniclaw %s standalone chat, agent %q. /quit to exit.\n\n", version.Version, agentID)

	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			break
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "/quit" || line == "/exit" {
			break
		}

		if strings.HasPrefix(line, "/") {
			if res, handled := cmdReg.Dispatch(ctx, commands.Invocation{
				Message:    line,
				SessionKey: sessionKey,
				Channel:    "cli",
				ChatID:     "local",
				SenderID:   "local",
				PeerKind:   string(sessions.PeerDirect),
			}); handled {
				if res.Text != "" {
					fmt.Println(res.Text)
				}
				continue
			}
		}

		req := agent.RunRequest{
			SessionKey: sessionKey,
			Message:    line,
			Channel:    "cli",
			ChatID:     "local",
			PeerKind:   string(sessions.PeerDirect),
			SenderID:   "local",
		}
		resultCh := make(chan string, 1)
		runner.Dispatch(ctx, req, func(req agent.RunRequest, result *agent.RunResult, err error) {
			switch {
			case err != nil:
				resultCh <- "(cancelled)"
			case result == nil || result.Content == "":
				resultCh <- ""
			default:
				resultCh <- result.Content
			}
		})
		select {
		case reply := <-resultCh:
			if reply != "" {
				fmt.Printf("\n%s\n\n", reply)
			}
		case <-ctx.Done():
			slog.Info("chat interrupted")
			return
		}
	}
}
