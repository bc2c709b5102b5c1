package config

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nextlevelbuilder/omniclaw/internal/cron"
)

// DefaultAgentID is used when no agent is marked as default.
const DefaultAgentID = "default"

// FlexibleStringSlice accepts both ["str"] and [123] in JSON.
type FlexibleStringSlice []string

func (f *FlexibleStringSlice) UnmarshalJSON(data []byte) error {
	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		*f = ss
		return nil
	}
	var raw []interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	result := make([]string, 0, len(raw))
	for _, v := range raw {
		switch val := v.(type) {
		case string:
			result = append(result, val)
		case float64:
			result = append(result, fmt.Sprintf("%.0f", val))
		default:
			result = append(result, fmt.Sprintf("%v", val))
		}
	}
	*f = result
	return nil
}

// Config is the root configuration for the OmniClaw gateway.
type Config struct {
	Agents    AgentsConfig    `json:"agents"`
	Channels  ChannelsConfig  `json:"channels"`
	Providers []ProviderSpec  `json:"providers,omitempty"`
	Gateway   GatewayConfig   `json:"gateway"`
	Tools     ToolsConfig     `json:"tools"`
	Sessions  SessionsConfig  `json:"sessions"`
	Commands  CommandsConfig  `json:"commands,omitempty"`
	Cron      CronConfig      `json:"cron,omitempty"`
	Memory    MemoryConfig    `json:"memory,omitempty"`
	Skills    SkillsConfig    `json:"skills,omitempty"`
	Database  DatabaseConfig  `json:"database,omitempty"`
	Telemetry TelemetryConfig `json:"telemetry,omitempty"`
	Notify    NotifyConfig    `json:"notify,omitempty"`
	Upgrade   UpgradeConfig   `json:"upgrade,omitempty"`
	LogLevel  string          `json:"log_level,omitempty"`  // "debug", "info" (default), "warn", "error"
	LogFormat string          `json:"log_format,omitempty"` // "text" (default) or "json"
	mu        sync.RWMutex
}

// DatabaseConfig configures Postgres for managed mode.
// PostgresDSN is NEVER read from config.json (secret), only from env OMNICLAW_POSTGRES_DSN.
type DatabaseConfig struct {
	PostgresDSN string `json:"-"`              // from env OMNICLAW_POSTGRES_DSN only
	Mode        string `json:"mode,omitempty"` // "standalone" (default) or "managed"
}

// IsManagedMode returns true if the gateway is running in managed (Postgres-backed) mode.
func (c *Config) IsManagedMode() bool {
	return c.Database.Mode == "managed" && c.Database.PostgresDSN != ""
}

// NotifyConfig controls where system notices (crash recovery, upgrade results) go.
type NotifyConfig struct {
	Owner string `json:"owner,omitempty"` // "channel:chat_id", e.g. "telegram:123456"
}

// UpgradeConfig configures the self-upgrade system.
type UpgradeConfig struct {
	Repo    string `json:"repo,omitempty"`    // GitHub "owner/name" (default "nextlevelbuilder/omniclaw")
	Enabled *bool  `json:"enabled,omitempty"` // default true
}

// IsEnabled returns whether self-upgrade is enabled (default true).
func (u UpgradeConfig) IsEnabled() bool {
	return u.Enabled == nil || *u.Enabled
}

// SkillsConfig configures the skills library.
type SkillsConfig struct {
	Dir   string `json:"dir,omitempty"`   // default: <workspace>/skills
	Watch *bool  `json:"watch,omitempty"` // hot reload on file changes (default true)
}

// WatchEnabled returns whether the skills directory is watched (default true).
func (s SkillsConfig) WatchEnabled() bool {
	return s.Watch == nil || *s.Watch
}

// MemoryConfig configures the long-term memory store.
type MemoryConfig struct {
	Enabled    *bool  `json:"enabled,omitempty"`     // default true
	Path       string `json:"path,omitempty"`        // sqlite file (default ~/.omniclaw/memory.db)
	MaxResults int    `json:"max_results,omitempty"` // recall result cap (default 6)
}

// IsEnabled returns whether the memory store is enabled (default true).
func (m MemoryConfig) IsEnabled() bool {
	return m.Enabled == nil || *m.Enabled
}

// CommandsConfig controls the slash-command router.
type CommandsConfig struct {
	// AdminUsers maps channel name to sender IDs allowed to run admin-only
	// commands. The "*" key applies to every channel.
	AdminUsers map[string]FlexibleStringSlice `json:"admin_users,omitempty"`
}

// IsAdmin reports whether senderID may run admin-only commands on channel.
// An empty AdminUsers map means nobody is admin.
func (c *Config) IsAdmin(channel, senderID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, id := range c.Commands.AdminUsers[channel] {
		if id == senderID {
			return true
		}
	}
	for _, id := range c.Commands.AdminUsers["*"] {
		if id == senderID {
			return true
		}
	}
	return false
}

// TelemetryConfig configures OpenTelemetry export for traces and spans.
// When enabled, spans are exported to an OTLP-compatible backend
// (Jaeger, Tempo, Datadog, etc.).
type TelemetryConfig struct {
	Enabled     bool              `json:"enabled,omitempty"`      // enable OTLP export (default false)
	Endpoint    string            `json:"endpoint,omitempty"`     // OTLP endpoint (e.g. "localhost:4317")
	Protocol    string            `json:"protocol,omitempty"`     // "grpc" (default) or "http"
	Insecure    bool              `json:"insecure,omitempty"`     // skip TLS verification (local dev)
	ServiceName string            `json:"service_name,omitempty"` // OTEL service name (default "omniclaw-gateway")
	Headers     map[string]string `json:"headers,omitempty"`      // extra headers (auth tokens for cloud backends)
}

// CronConfig configures the cron scheduler.
type CronConfig struct {
	Storage        string `json:"storage,omitempty"`          // jobs file (default ~/.omniclaw/cron.json)
	TickInterval   string `json:"tick_interval,omitempty"`    // default "30s", Go duration
	CatchupWindow  string `json:"catchup_window,omitempty"`   // fire missed runs within this window (default "1h")
	MaxRetries     int    `json:"max_retries,omitempty"`      // max retry attempts on failure (default 3, 0 = no retry)
	RetryBaseDelay string `json:"retry_base_delay,omitempty"` // initial backoff delay (default "2s", Go duration)
	RetryMaxDelay  string `json:"retry_max_delay,omitempty"`  // maximum backoff delay (default "30s", Go duration)
}

// ToRetryConfig converts CronConfig to cron.RetryConfig with defaults applied.
func (cc CronConfig) ToRetryConfig() cron.RetryConfig {
	cfg := cron.DefaultRetryConfig()
	if cc.MaxRetries > 0 {
		cfg.MaxRetries = cc.MaxRetries
	}
	if cc.RetryBaseDelay != "" {
		if d, err := time.ParseDuration(cc.RetryBaseDelay); err == nil && d > 0 {
			cfg.BaseDelay = d
		}
	}
	if cc.RetryMaxDelay != "" {
		if d, err := time.ParseDuration(cc.RetryMaxDelay); err == nil && d > 0 {
			cfg.MaxDelay = d
		}
	}
	return cfg
}

// TickEvery returns the scheduler tick interval (default 30s).
func (cc CronConfig) TickEvery() time.Duration {
	if cc.TickInterval != "" {
		if d, err := time.ParseDuration(cc.TickInterval); err == nil && d > 0 {
			return d
		}
	}
	return 30 * time.Second
}

// Catchup returns the missed-run catch-up window (default 1h).
func (cc CronConfig) Catchup() time.Duration {
	if cc.CatchupWindow != "" {
		if d, err := time.ParseDuration(cc.CatchupWindow); err == nil && d > 0 {
			return d
		}
	}
	return time.Hour
}

// AgentsConfig contains agent defaults and per-agent overrides.
type AgentsConfig struct {
	Defaults AgentDefaults        `json:"defaults"`
	List     map[string]AgentSpec `json:"list,omitempty"`
}

// Default values applied by ResolveAgent and the loaders.
const (
	DefaultContextWindow     = 128000
	DefaultMaxTokens         = 8192
	DefaultMaxIterations     = 20
	DefaultMaxConcurrentRuns = 4
)

// AgentDefaults are default settings for all agents.
type AgentDefaults struct {
	Workspace           string           `json:"workspace"`
	RestrictToWorkspace bool             `json:"restrict_to_workspace"`
	Provider            string           `json:"provider"`                  // provider name from the providers list
	Model               string           `json:"model"`                     // primary model (empty = first of provider chain)
	SimpleModel         string           `json:"simple_model,omitempty"`    // cheap model for simple routes (empty = primary)
	MaxTokens           int              `json:"max_tokens"`                // response budget (default 8192)
	Temperature         float64          `json:"temperature"`
	MaxIterations       int              `json:"max_iterations"`            // tool loop bound (default 20, clamped 1..50)
	MaxConcurrentRuns   int              `json:"max_concurrent_runs"`       // parallel agent runs (default 4)
	ContextWindow       int              `json:"context_window,omitempty"`  // fallback window (default 128000)
	ContextWindows      map[string]int   `json:"context_windows,omitempty"` // per-model overrides
	ContextShares       *ContextShares   `json:"context_shares,omitempty"`
	Critic              *CriticConfig    `json:"critic,omitempty"`
	Heartbeat           *HeartbeatConfig `json:"heartbeat,omitempty"`
	Timezone            string           `json:"timezone,omitempty"` // IANA name for reminder/cron parsing (default: local)
}

// ContextWindowFor returns the context window for a model, falling back to the
// configured default and then the built-in 128000.
func (d AgentDefaults) ContextWindowFor(model string) int {
	if w, ok := d.ContextWindows[model]; ok && w > 0 {
		return w
	}
	if d.ContextWindow > 0 {
		return d.ContextWindow
	}
	return DefaultContextWindow
}

// ContextShares splits the prompt token budget between context sections.
// Values are fractions of the budget; zero means "use the default".
type ContextShares struct {
	System  float64 `json:"system,omitempty"`  // default 0.30
	Memory  float64 `json:"memory,omitempty"`  // default 0.15
	Skills  float64 `json:"skills,omitempty"`  // default 0.15
	History float64 `json:"history,omitempty"` // default 0.30
	Current float64 `json:"current,omitempty"` // default 0.10
}

// Normalized returns the shares with defaults filled in for zero fields.
func (s *ContextShares) Normalized() ContextShares {
	out := ContextShares{System: 0.30, Memory: 0.15, Skills: 0.15, History: 0.30, Current: 0.10}
	if s == nil {
		return out
	}
	if s.System > 0 {
		out.System = s.System
	}
	if s.Memory > 0 {
		out.Memory = s.Memory
	}
	if s.Skills > 0 {
		out.Skills = s.Skills
	}
	if s.History > 0 {
		out.History = s.History
	}
	if s.Current > 0 {
		out.Current = s.Current
	}
	return out
}

// CriticConfig configures the answer self-review pass on complex routes.
type CriticConfig struct {
	Enabled    *bool `json:"enabled,omitempty"`     // default true
	Threshold  int   `json:"threshold,omitempty"`   // accept score (default 7, weak models 5)
	MaxRetries int   `json:"max_retries,omitempty"` // default 2, weak models 1
}

// IsEnabled returns whether the critic pass runs (default true).
func (c *CriticConfig) IsEnabled() bool {
	return c == nil || c.Enabled == nil || *c.Enabled
}

// HeartbeatConfig configures periodic agent heartbeats.
type HeartbeatConfig struct {
	Every       string             `json:"every,omitempty"`       // duration string: "30m" (default), "0m"=disabled
	ActiveHours *ActiveHoursConfig `json:"activeHours,omitempty"` // restrict to time window
	Model       string             `json:"model,omitempty"`       // optional model override
	Target      string             `json:"target,omitempty"`      // "last" (default), "none", or "channel:chat_id"
	Prompt      string             `json:"prompt,omitempty"`      // custom heartbeat prompt
	AckMaxChars int                `json:"ackMaxChars,omitempty"` // max chars after HEARTBEAT_OK before dropping (default 300)
}

// Interval returns the heartbeat tick period. A nil config or an Every that
// parses to zero or less disables heartbeats (returns 0); unset defaults to
// 30 minutes.
func (h *HeartbeatConfig) Interval() time.Duration {
	if h == nil {
		return 0
	}
	if h.Every == "" {
		return 30 * time.Minute
	}
	d, err := time.ParseDuration(h.Every)
	if err != nil {
		return 30 * time.Minute
	}
	if d <= 0 {
		return 0
	}
	return d
}

// AckLimit returns how many characters may follow the heartbeat ack token
// before the reply is delivered instead of dropped (default 300).
func (h *HeartbeatConfig) AckLimit() int {
	if h == nil || h.AckMaxChars <= 0 {
		return 300
	}
	return h.AckMaxChars
}

// ActiveHoursConfig restricts heartbeats to a time window.
type ActiveHoursConfig struct {
	Start    string `json:"start,omitempty"`    // "HH:MM" inclusive
	End      string `json:"end,omitempty"`      // "HH:MM" exclusive
	Timezone string `json:"timezone,omitempty"` // IANA timezone (default: local)
}

// AgentSpec is the per-agent configuration override.
// All fields are optional; zero values mean "inherit from defaults".
type AgentSpec struct {
	DisplayName   string         `json:"displayName,omitempty"`
	Provider      string         `json:"provider,omitempty"`
	Model         string         `json:"model,omitempty"`
	SimpleModel   string         `json:"simple_model,omitempty"`
	MaxTokens     int            `json:"max_tokens,omitempty"`
	Temperature   float64        `json:"temperature,omitempty"`
	MaxIterations int            `json:"max_iterations,omitempty"`
	ContextWindow int            `json:"context_window,omitempty"`
	Workspace     string         `json:"workspace,omitempty"`
	Skills        []string       `json:"skills,omitempty"` // nil = all skills allowed
	Default       bool           `json:"default,omitempty"`
	Identity      *IdentityConfig `json:"identity,omitempty"`
}

// IdentityConfig defines agent persona / display identity.
type IdentityConfig struct {
	Name  string `json:"name,omitempty"`
	Emoji string `json:"emoji,omitempty"`
}

// ReplaceFrom copies all data fields from src into c, preserving c's mutex.
func (c *Config) ReplaceFrom(src *Config) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Agents = src.Agents
	c.Channels = src.Channels
	c.Providers = src.Providers
	c.Gateway = src.Gateway
	c.Tools = src.Tools
	c.Sessions = src.Sessions
	c.Commands = src.Commands
	c.Cron = src.Cron
	c.Memory = src.Memory
	c.Skills = src.Skills
	c.Database = src.Database
	c.Telemetry = src.Telemetry
	c.Notify = src.Notify
	c.Upgrade = src.Upgrade
	c.LogLevel = src.LogLevel
	c.LogFormat = src.LogFormat
}
