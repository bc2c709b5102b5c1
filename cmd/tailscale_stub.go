//go:build !tsnet

package cmd

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/nextlevelbuilder/omniclaw/internal/config"
)

// initTailscale is a no-op unless the binary is built with -tags tsnet.
func initTailscale(ctx context.Context, cfg *config.Config, handler http.Handler) func() {
	if cfg.Gateway.Tailscale.Enabled {
		slog.Warn("gateway.tailscale.enabled is set but this binary was built without -tags tsnet")
	}
	return nil
}
