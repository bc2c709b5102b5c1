package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/nextlevelbuilder/omniclaw/internal/config"
	"github.com/nextlevelbuilder/omniclaw/internal/providers"
)

const (
	criticThresholdDefault = 7
	criticThresholdWeak    = 5
	criticRetriesDefault   = 2
	criticRetriesWeak      = 1
	criticTimeout          = 30 * time.Second
)

// weakModelMarkers flag models too small to score their own drafts usefully.
// These get the lenient threshold and a single retry, and never self-review
// when another heuristic already lowered expectations.
var weakModelMarkers = []string{"mini", "flash", "haiku", "lite", "nano", "8b", "7b"}

func isWeakModel(model string) bool {
	lower := strings.ToLower(model)
	for _, m := range weakModelMarkers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	return false
}

// Critic asks the provider to score a draft answer before it ships.
// Runs on complex routes only; skipped entirely when tools executed this
// turn (the tool transcript is evidence enough) or when disabled in config.
type Critic struct {
	provider providers.Provider
	cfg      *config.CriticConfig
	log      *slog.Logger
}

func NewCritic(provider providers.Provider, cfg *config.CriticConfig) *Critic {
	return &Critic{
		provider: provider,
		cfg:      cfg,
		log:      slog.Default().With("component", "critic"),
	}
}

// Enabled reports whether the critic pass should run for this model.
func (c *Critic) Enabled(model string) bool {
	if c == nil || c.provider == nil || !c.cfg.IsEnabled() {
		return false
	}
	return !isWeakModel(model)
}

// Threshold returns the minimum acceptable score for a model.
func (c *Critic) Threshold(model string) int {
	if c != nil && c.cfg != nil && c.cfg.Threshold > 0 {
		return c.cfg.Threshold
	}
	if isWeakModel(model) {
		return criticThresholdWeak
	}
	return criticThresholdDefault
}

// MaxRetries returns the redraft budget for a model.
func (c *Critic) MaxRetries(model string) int {
	if c != nil && c.cfg != nil && c.cfg.MaxRetries > 0 {
		return c.cfg.MaxRetries
	}
	if isWeakModel(model) {
		return criticRetriesWeak
	}
	return criticRetriesDefault
}

// Verdict is one critic review of a draft.
type Verdict struct {
	Score    int
	Feedback string
}

const criticInstruction = `You review a draft answer before it is sent. Score it 0-10 for correctness, completeness, evidence, and clarity combined. Respond with JSON only: {"score": <0-10>, "feedback": "<one or two sentences on what to fix, empty if nothing>"}`

// Review scores a draft against the question it answers. The scoring call
// uses the same model as the draft; a broken or unparseable review returns
// an error and the caller ships the draft as-is.
func (c *Critic) Review(ctx context.Context, model, question, draft string) (Verdict, error) {
	ctx, cancel := context.WithTimeout(ctx, criticTimeout)
	defer cancel()

	resp, err := c.provider.Chat(ctx, providers.ChatRequest{
		Model: model,
		Messages: []providers.Message{
			{Role: "system", Content: criticInstruction},
			{Role: "user", Content: fmt.Sprintf("Question:\n%s\n\nDraft answer:\n%s", question, draft)},
		},
		Options: map[string]interface{}{
			providers.OptMaxTokens:   256,
			providers.OptTemperature: 0.0,
		},
	})
	if err != nil {
		return Verdict{}, fmt.Errorf("critic call: %w", err)
	}
	return parseVerdict(resp.Content)
}

var criticScoreRe = regexp.MustCompile(`\b(10|[0-9])\b`)

// parseVerdict extracts the score/feedback JSON, tolerating models that wrap
// it in prose or code fences. Falls back to the first bare 0-10 number.
func parseVerdict(content string) (Verdict, error) {
	trimmed := strings.TrimSpace(content)
	if trimmed == "" {
		return Verdict{}, fmt.Errorf("critic returned empty review")
	}

	if start := strings.Index(trimmed, "{"); start >= 0 {
		if end := strings.LastIndex(trimmed, "}"); end > start {
			var v struct {
				Score    int    `json:"score"`
				Feedback string `json:"feedback"`
			}
			if err := json.Unmarshal([]byte(trimmed[start:end+1]), &v); err == nil {
				if v.Score < 0 || v.Score > 10 {
					return Verdict{}, fmt.Errorf("critic score %d out of range", v.Score)
				}
				return Verdict{Score: v.Score, Feedback: strings.TrimSpace(v.Feedback)}, nil
			}
		}
	}

	if m := criticScoreRe.FindString(trimmed); m != "" {
		score, _ := strconv.Atoi(m)
		return Verdict{Score: score}, nil
	}
	return Verdict{}, fmt.Errorf("critic review unparseable: %q", truncateStr(trimmed, 80))
}
