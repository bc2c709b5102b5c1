//go:build tsnet

package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"

	"tailscale.com/tsnet"

	"github.com/nextlevelbuilder/omniclaw/internal/config"
)

// initTailscale serves the gateway mux on a tailnet listener when
// gateway.tailscale.enabled is set. The auth key comes from
// OMNICLAW_TSNET_AUTH_KEY (needed on first join only). Returns a cleanup
// func, or nil when the listener is disabled or failed to start.
func initTailscale(ctx context.Context, cfg *config.Config, handler http.Handler) func() {
	ts := cfg.Gateway.Tailscale
	if !ts.Enabled {
		return nil
	}

	hostname := ts.Hostname
	if hostname == "" {
		hostname = "omniclaw"
	}
	stateDir := ts.StateDir
	if stateDir == "" {
		home, err := os.UserHomeDir()
		if err == nil {
			stateDir = filepath.Join(home, ".omniclaw", "tsnet")
		}
	}

	srv := &tsnet.Server{
		Hostname:  hostname,
		Dir:       stateDir,
		AuthKey:   ts.AuthKey,
		Ephemeral: ts.Ephemeral,
		Logf: func(format string, args ...any) {
			slog.Debug("tsnet: " + fmt.Sprintf(format, args...))
		},
	}

	ln, err := srv.Listen("tcp", ":80")
	if err != nil {
		slog.Error("tailscale listener failed", "hostname", hostname, "error", err)
		srv.Close()
		return nil
	}

	slog.Info("gateway listening on tailnet", "hostname", hostname)
	go func() {
		if err := http.Serve(ln, handler); err != nil && ctx.Err() == nil {
			slog.Error("tailscale serve stopped", "error", err)
		}
	}()

	return func() {
		ln.Close()
		srv.Close()
	}
}
