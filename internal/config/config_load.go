package config

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/titanous/json5"
)

// knownProviders are the specs seeded when a provider is referenced only via
// its env key, or when bootstrap writes a fresh config file. Kept separate
// from Default() so that a providers list in config.json fully replaces it.
var knownProviders = []ProviderSpec{
	{Name: "anthropic", Type: "anthropic", Models: []string{"claude-sonnet-4-5-20250929", "claude-haiku-4-5-20251001"}},
	{Name: "openai", Type: "openai", Models: []string{"gpt-4o", "gpt-4o-mini"}},
	{Name: "gemini", Type: "gemini", Models: []string{"gemini-2.5-flash"}},
	{Name: "openrouter", APIBase: "https://openrouter.ai/api/v1", Models: []string{"anthropic/claude-sonnet-4.5"}},
	{Name: "deepseek", APIBase: "https://api.deepseek.com/v1", Models: []string{"deepseek-chat"}},
	{Name: "groq", APIBase: "https://api.groq.com/openai/v1", Models: []string{"llama-3.3-70b-versatile"}},
	{Name: "dashscope", Type: "dashscope", Models: []string{"qwen-max"}},
}

// DefaultProviders returns the provider specs seeded into a fresh config file.
func DefaultProviders() []ProviderSpec {
	out := make([]ProviderSpec, 0, 3)
	for _, kp := range knownProviders[:3] {
		kp.Models = append([]string(nil), kp.Models...)
		out = append(out, kp)
	}
	return out
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Agents: AgentsConfig{
			Defaults: AgentDefaults{
				Workspace:           "~/.omniclaw/workspace",
				RestrictToWorkspace: true,
				Provider:            "anthropic",
				MaxTokens:           DefaultMaxTokens,
				Temperature:         0.7,
				MaxIterations:       DefaultMaxIterations,
				MaxConcurrentRuns:   DefaultMaxConcurrentRuns,
				ContextWindow:       DefaultContextWindow,
			},
		},
		Gateway: GatewayConfig{
			Host:            "127.0.0.1",
			Port:            18790,
			MaxMessageChars: 32000,
			RateLimitRPM:    20,
		},
		Tools: ToolsConfig{
			Web: WebToolsConfig{
				DuckDuckGo: DuckDuckGoConfig{Enabled: true, MaxResults: 5},
			},
			Browser: BrowserToolConfig{
				Enabled:  false,
				Headless: true,
			},
		},
		Sessions: SessionsConfig{
			Storage: "~/.omniclaw/sessions",
		},
	}
}

// DefaultPath returns the config file path: $OMNICLAW_CONFIG if set,
// else ~/.omniclaw/config.json.
func DefaultPath() string {
	if v := os.Getenv("OMNICLAW_CONFIG"); v != "" {
		return v
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".omniclaw", "config.json")
}

// BaseDir returns the omniclaw state directory (~/.omniclaw).
func BaseDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".omniclaw")
}

// Load reads config from a JSON5 file, then overlays env vars.
// A missing file yields the defaults (still env-overlaid).
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides overlays env vars onto the config.
// Env vars take precedence over file values; secrets exist only here.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}

	// Known providers referenced only via env keys get a seed spec.
	hasProvider := func(name string) bool {
		for i := range c.Providers {
			if c.Providers[i].Name == name {
				return true
			}
		}
		return false
	}
	for _, kp := range knownProviders {
		if hasProvider(kp.Name) {
			continue
		}
		prefix := "OMNICLAW_" + kp.EnvName()
		if os.Getenv(prefix+"_API_KEY") != "" || os.Getenv(prefix+"_API_KEYS") != "" {
			kp.Models = append([]string(nil), kp.Models...)
			c.Providers = append(c.Providers, kp)
		}
	}

	// Provider API keys: OMNICLAW_<NAME>_API_KEY (primary) and
	// OMNICLAW_<NAME>_API_KEYS (comma-separated ring).
	for i := range c.Providers {
		p := &c.Providers[i]
		prefix := "OMNICLAW_" + p.EnvName()
		if v := os.Getenv(prefix + "_API_KEY"); v != "" {
			p.APIKeys = appendKey(p.APIKeys, v)
		}
		if v := os.Getenv(prefix + "_API_KEYS"); v != "" {
			for _, k := range strings.Split(v, ",") {
				p.APIKeys = appendKey(p.APIKeys, strings.TrimSpace(k))
			}
		}
		envStr(prefix+"_API_BASE", &p.APIBase)
	}

	// Channel secrets
	envStr("OMNICLAW_TELEGRAM_TOKEN", &c.Channels.Telegram.Token)
	envStr("OMNICLAW_DISCORD_TOKEN", &c.Channels.Discord.Token)
	envStr("OMNICLAW_WHATSAPP_BRIDGE_URL", &c.Channels.WhatsApp.BridgeURL)
	envStr("OMNICLAW_WHATSAPP_BRIDGE_TOKEN", &c.Channels.WhatsApp.BridgeToken)
	envStr("OMNICLAW_GATEWAY_TOKEN", &c.Gateway.Token)

	// Web search
	envStr("OMNICLAW_BRAVE_API_KEY", &c.Tools.Web.Brave.APIKey)
	if c.Tools.Web.Brave.APIKey == "" {
		envStr("BRAVE_API_KEY", &c.Tools.Web.Brave.APIKey)
	}
	if c.Tools.Web.Brave.APIKey != "" {
		c.Tools.Web.Brave.Enabled = true
	}

	// Auto-enable channels if credentials are provided via env
	if c.Channels.Telegram.Token != "" {
		c.Channels.Telegram.Enabled = true
	}
	if c.Channels.Discord.Token != "" {
		c.Channels.Discord.Enabled = true
	}
	if c.Channels.WhatsApp.BridgeURL != "" {
		c.Channels.WhatsApp.Enabled = true
	}

	// Allow overriding default provider/model
	envStr("OMNICLAW_PROVIDER", &c.Agents.Defaults.Provider)
	envStr("OMNICLAW_MODEL", &c.Agents.Defaults.Model)

	// Workspace & sessions
	envStr("OMNICLAW_WORKSPACE", &c.Agents.Defaults.Workspace)
	envStr("OMNICLAW_SESSIONS_STORAGE", &c.Sessions.Storage)

	// Gateway host/port
	envStr("OMNICLAW_HOST", &c.Gateway.Host)
	if v := os.Getenv("OMNICLAW_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port > 0 {
			c.Gateway.Port = port
		}
	}

	// Database
	envStr("OMNICLAW_POSTGRES_DSN", &c.Database.PostgresDSN)
	envStr("OMNICLAW_MODE", &c.Database.Mode)

	// Telemetry
	envStr("OMNICLAW_TELEMETRY_ENDPOINT", &c.Telemetry.Endpoint)
	envStr("OMNICLAW_TELEMETRY_PROTOCOL", &c.Telemetry.Protocol)
	envStr("OMNICLAW_TELEMETRY_SERVICE_NAME", &c.Telemetry.ServiceName)
	if v := os.Getenv("OMNICLAW_TELEMETRY_ENABLED"); v != "" {
		c.Telemetry.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("OMNICLAW_TELEMETRY_INSECURE"); v != "" {
		c.Telemetry.Insecure = v == "true" || v == "1"
	}

	// Owner IDs from env (comma-separated)
	if v := os.Getenv("OMNICLAW_OWNER_IDS"); v != "" {
		c.Gateway.OwnerIDs = strings.Split(v, ",")
	}
	envStr("OMNICLAW_NOTIFY_OWNER", &c.Notify.Owner)

	// Tailscale (tsnet)
	envStr("OMNICLAW_TSNET_HOSTNAME", &c.Gateway.Tailscale.Hostname)
	envStr("OMNICLAW_TSNET_AUTH_KEY", &c.Gateway.Tailscale.AuthKey)
	envStr("OMNICLAW_TSNET_DIR", &c.Gateway.Tailscale.StateDir)

	// Logging
	envStr("OMNICLAW_LOG_LEVEL", &c.LogLevel)
	envStr("OMNICLAW_LOG_FORMAT", &c.LogFormat)
}

// appendKey appends a key to the ring unless it is empty or already present,
// which keeps applyEnvOverrides idempotent.
func appendKey(keys []string, k string) []string {
	if k == "" {
		return keys
	}
	for _, existing := range keys {
		if existing == k {
			return keys
		}
	}
	return append(keys, k)
}

// ApplyEnvOverrides re-applies environment variable overrides onto the config.
// Call this after modifying config to restore runtime secrets from env vars.
func (c *Config) ApplyEnvOverrides() {
	c.applyEnvOverrides()
}

// Save writes the config to a JSON file. Secret fields carry `json:"-"` tags
// so they never reach disk.
func Save(path string, cfg *Config) error {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0600)
}

// Hash returns a SHA-256 hash of the config for change detection.
func (c *Config) Hash() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	data, _ := json.Marshal(c)
	h := sha256.Sum256(data)
	return fmt.Sprintf("%x", h[:8])
}

// WorkspacePath returns the expanded workspace path.
func (c *Config) WorkspacePath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return ExpandHome(c.Agents.Defaults.Workspace)
}

// SessionsPath returns the expanded session storage directory.
func (c *Config) SessionsPath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return ExpandHome(c.Sessions.Storage)
}

// MemoryPath returns the expanded sqlite memory file path.
func (c *Config) MemoryPath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.Memory.Path != "" {
		return ExpandHome(c.Memory.Path)
	}
	return filepath.Join(BaseDir(), "memory.db")
}

// CronPath returns the expanded cron jobs file path.
func (c *Config) CronPath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.Cron.Storage != "" {
		return ExpandHome(c.Cron.Storage)
	}
	return filepath.Join(BaseDir(), "cron.json")
}

// SkillsPath returns the expanded skills directory.
func (c *Config) SkillsPath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.Skills.Dir != "" {
		return ExpandHome(c.Skills.Dir)
	}
	return filepath.Join(ExpandHome(c.Agents.Defaults.Workspace), "skills")
}

// ToolResultsPath returns the directory for full (untruncated) tool outputs.
func (c *Config) ToolResultsPath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.Tools.ResultsDir != "" {
		return ExpandHome(c.Tools.ResultsDir)
	}
	return filepath.Join(ExpandHome(c.Agents.Defaults.Workspace), "tool-results")
}

// ResolveAgent returns the effective config for a given agent ID,
// merging defaults with per-agent overrides.
func (c *Config) ResolveAgent(agentID string) AgentDefaults {
	c.mu.RLock()
	defer c.mu.RUnlock()

	d := c.Agents.Defaults
	if spec, ok := c.Agents.List[agentID]; ok {
		if spec.Provider != "" {
			d.Provider = spec.Provider
		}
		if spec.Model != "" {
			d.Model = spec.Model
		}
		if spec.SimpleModel != "" {
			d.SimpleModel = spec.SimpleModel
		}
		if spec.MaxTokens > 0 {
			d.MaxTokens = spec.MaxTokens
		}
		if spec.Temperature > 0 {
			d.Temperature = spec.Temperature
		}
		if spec.MaxIterations > 0 {
			d.MaxIterations = spec.MaxIterations
		}
		if spec.ContextWindow > 0 {
			d.ContextWindow = spec.ContextWindow
		}
		if spec.Workspace != "" {
			d.Workspace = spec.Workspace
		}
	}

	return d
}

// ResolveDefaultAgentID returns the ID of the agent marked as default,
// or "default" if none is explicitly marked.
func (c *Config) ResolveDefaultAgentID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	for id, spec := range c.Agents.List {
		if spec.Default {
			return id
		}
	}
	return DefaultAgentID
}

// ResolveDisplayName returns the display name for an agent.
// Falls back to "OmniClaw" if not configured.
func (c *Config) ResolveDisplayName(agentID string) string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if spec, ok := c.Agents.List[agentID]; ok && spec.DisplayName != "" {
		return spec.DisplayName
	}
	return "OmniClaw"
}

// MaskTail returns a masked form of a secret showing only the last 4 runes.
// Used anywhere a key is displayed or logged.
func MaskTail(s string) string {
	r := []rune(s)
	if len(r) <= 4 {
		return "****"
	}
	return "..." + string(r[len(r)-4:])
}

// ExpandHome replaces leading ~ with the user home directory.
func ExpandHome(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, _ := os.UserHomeDir()
	if len(path) > 1 && path[1] == '/' {
		return home + path[1:]
	}
	return home
}
