package agent

import (
	"context"
	"log/slog"

	"github.com/nextlevelbuilder/omniclaw/internal/providers"
	"github.com/nextlevelbuilder/omniclaw/internal/tokens"
)

// Guard keeps prompts inside the context budget. Pre-flight it compacts the
// session and rebuilds once when the assembled prompt is over budget;
// post-hoc it grants one compact-and-retry when the provider itself reports
// an overflow the estimator missed.
type Guard struct {
	budget    int
	compactor *Compactor
	log       *slog.Logger
}

func NewGuard(budget int, compactor *Compactor) *Guard {
	return &Guard{
		budget:    budget,
		compactor: compactor,
		log:       slog.Default().With("component", "guard"),
	}
}

// PreFlight returns a prompt that fits the budget when possible. build must
// be re-runnable: it is called again after a compaction. When the rebuilt
// prompt is still over budget the prompt is sent anyway and the provider's
// own limit decides.
func (g *Guard) PreFlight(ctx context.Context, sessionKey string, build func() []providers.Message) []providers.Message {
	msgs := build()
	est := tokens.EstimateMessages(msgs)
	if est <= g.budget {
		return msgs
	}

	g.log.Info("prompt over budget, compacting", "session", sessionKey, "estimate", est, "budget", g.budget)
	g.compactor.Compact(ctx, sessionKey)

	msgs = build()
	if est := tokens.EstimateMessages(msgs); est > g.budget {
		g.log.Warn("prompt still over budget after compaction, sending anyway",
			"session", sessionKey, "estimate", est, "budget", g.budget)
	}
	return msgs
}

// HandleOverflow compacts the session when err is a context overflow and
// reports whether the caller should rebuild and retry. The caller grants at
// most one retry per run.
func (g *Guard) HandleOverflow(ctx context.Context, sessionKey string, err error) bool {
	if !providers.IsContextOverflow(err) {
		return false
	}
	g.log.Warn("provider reported context overflow, compacting", "session", sessionKey, "error", err)
	g.compactor.Compact(ctx, sessionKey)
	return true
}
