package config

import "strings"

// ChannelsConfig contains per-channel configuration.
type ChannelsConfig struct {
	Telegram TelegramConfig `json:"telegram"`
	Discord  DiscordConfig  `json:"discord"`
	WhatsApp WhatsAppConfig `json:"whatsapp"`
	Webchat  WebchatConfig  `json:"webchat"`
}

type TelegramConfig struct {
	Enabled        bool                `json:"enabled"`
	Token          string              `json:"-"` // from env OMNICLAW_TELEGRAM_TOKEN only
	AllowFrom      FlexibleStringSlice `json:"allow_from"`
	DMPolicy       string              `json:"dm_policy,omitempty"`       // "open" (default), "allowlist", "disabled"
	GroupPolicy    string              `json:"group_policy,omitempty"`    // "open" (default), "allowlist", "disabled"
	RequireMention *bool               `json:"require_mention,omitempty"` // require @bot mention in groups (default true)
	HistoryLimit   int                 `json:"history_limit,omitempty"`   // max pending group messages for context (default 50, negative disables)
	MediaMaxBytes  int64               `json:"media_max_bytes,omitempty"` // max media download size in bytes (default 20MB)
	LinkPreview    *bool               `json:"link_preview,omitempty"`    // enable URL previews in messages (default true)
}

type DiscordConfig struct {
	Enabled        bool                `json:"enabled"`
	Token          string              `json:"-"` // from env OMNICLAW_DISCORD_TOKEN only
	AllowFrom      FlexibleStringSlice `json:"allow_from"`
	DMPolicy       string              `json:"dm_policy,omitempty"`       // "open" (default), "allowlist", "disabled"
	GroupPolicy    string              `json:"group_policy,omitempty"`    // "open" (default), "allowlist", "disabled"
	RequireMention *bool               `json:"require_mention,omitempty"` // require @bot mention in guild channels (default true)
	HistoryLimit   int                 `json:"history_limit,omitempty"`   // max pending group messages for context (default 50, negative disables)
}

type WhatsAppConfig struct {
	Enabled     bool                `json:"enabled"`
	BridgeURL   string              `json:"bridge_url"` // ws:// URL of the local bridge
	BridgeToken string              `json:"-"`          // from env OMNICLAW_WHATSAPP_BRIDGE_TOKEN only
	AllowFrom   FlexibleStringSlice `json:"allow_from"`
	DMPolicy    string              `json:"dm_policy,omitempty"`    // "open" (default), "allowlist", "disabled"
	GroupPolicy string              `json:"group_policy,omitempty"` // "open" (default), "allowlist", "disabled"
}

// WebchatConfig controls the browser chat channel served by the gateway.
type WebchatConfig struct {
	Enabled   bool                `json:"enabled"`
	AllowFrom FlexibleStringSlice `json:"allow_from"`
	DMPolicy  string              `json:"dm_policy,omitempty"` // "open" (default), "allowlist", "disabled"
}

// ProviderSpec configures one LLM provider: its API shape, endpoint, key
// ring, and the ordered model fallback chain.
// API keys are never read from config.json, only from env
// OMNICLAW_<NAME>_API_KEY (single) and OMNICLAW_<NAME>_API_KEYS (comma list).
type ProviderSpec struct {
	Name    string   `json:"name"`
	Type    string   `json:"type,omitempty"`     // "anthropic", "openai", "gemini", "dashscope"; empty = openai-compatible
	APIBase string   `json:"api_base,omitempty"` // custom endpoint URL
	Models  []string `json:"models,omitempty"`   // ordered fallback chain, first entry is the default
	APIKeys []string `json:"-"`
}

// HasKeys reports whether the provider has at least one API key.
func (p *ProviderSpec) HasKeys() bool { return len(p.APIKeys) > 0 }

// EnvName returns the provider's name in environment-variable form.
func (p *ProviderSpec) EnvName() string {
	return strings.ToUpper(strings.ReplaceAll(p.Name, "-", "_"))
}

// FindProvider returns the provider spec with the given name, or nil.
func (c *Config) FindProvider(name string) *ProviderSpec {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for i := range c.Providers {
		if c.Providers[i].Name == name {
			return &c.Providers[i]
		}
	}
	return nil
}

// DefaultProvider returns the configured default provider, or the first one
// with API keys, or nil when none is usable.
func (c *Config) DefaultProvider() *ProviderSpec {
	if name := c.Agents.Defaults.Provider; name != "" {
		if p := c.FindProvider(name); p != nil && p.HasKeys() {
			return p
		}
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	for i := range c.Providers {
		if c.Providers[i].HasKeys() {
			return &c.Providers[i]
		}
	}
	return nil
}

// HasAnyProvider returns true if at least one provider has an API key configured.
func (c *Config) HasAnyProvider() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for i := range c.Providers {
		if c.Providers[i].HasKeys() {
			return true
		}
	}
	return false
}

// GatewayConfig controls the gateway server.
type GatewayConfig struct {
	Host            string          `json:"host"`
	Port            int             `json:"port"`
	Token           string          `json:"-"`                            // from env OMNICLAW_GATEWAY_TOKEN only
	OwnerIDs        []string        `json:"owner_ids,omitempty"`          // sender IDs considered "owner"
	AllowedOrigins  []string        `json:"allowed_origins,omitempty"`    // WebSocket CORS whitelist (empty = allow all)
	MaxMessageChars int             `json:"max_message_chars,omitempty"`  // max user message characters (default 32000)
	RateLimitRPM    int             `json:"rate_limit_rpm,omitempty"`     // requests per minute per client (default 20, 0 = disabled)
	Tailscale       TailscaleConfig `json:"tailscale,omitempty"`
}

// TailscaleConfig configures the optional tsnet listener.
// Requires building with -tags tsnet. Auth key from env only (never persisted).
type TailscaleConfig struct {
	Enabled   bool   `json:"enabled,omitempty"`
	Hostname  string `json:"hostname,omitempty"`  // tailnet machine name (default "omniclaw")
	StateDir  string `json:"state_dir,omitempty"` // persistent state directory
	AuthKey   string `json:"-"`                   // from env OMNICLAW_TSNET_AUTH_KEY only
	Ephemeral bool   `json:"ephemeral,omitempty"` // remove node on exit (default false)
}

// ToolsConfig controls tool availability, policy, and the web/browser tools.
type ToolsConfig struct {
	// Policy maps tool name to "allow", "deny", or "ask". Unlisted tools are
	// allowed; exec defaults to "ask" while ExecApproval is on.
	Policy          map[string]string           `json:"policy,omitempty"`
	ExecApproval    *bool                       `json:"exec_approval,omitempty"`     // gate shell exec behind /approve (default true)
	ApprovalTimeout string                      `json:"approval_timeout,omitempty"`  // pending approval expiry (default "10m")
	RateLimitPerMin int                         `json:"rate_limit_per_min,omitempty"` // tool executions per session per minute (default 30)
	RateBurst       int                         `json:"rate_burst,omitempty"`        // limiter burst (default 10)
	ResultsDir      string                      `json:"results_dir,omitempty"`       // full tool outputs (default <workspace>/tool-results)
	Web             WebToolsConfig              `json:"web"`
	Browser         BrowserToolConfig           `json:"browser"`
	MCPServers      map[string]*MCPServerConfig `json:"mcp_servers,omitempty"` // external MCP server connections
}

// ExecApprovalEnabled reports whether shell exec is approval-gated (default true).
func (t ToolsConfig) ExecApprovalEnabled() bool {
	return t.ExecApproval == nil || *t.ExecApproval
}

// MCPServerConfig configures a single external MCP server connection.
type MCPServerConfig struct {
	Transport  string            `json:"transport"`             // "stdio", "sse", "streamable-http"
	Command    string            `json:"command,omitempty"`     // stdio: command to spawn
	Args       []string          `json:"args,omitempty"`        // stdio: command arguments
	Env        map[string]string `json:"env,omitempty"`         // stdio: extra environment variables
	URL        string            `json:"url,omitempty"`         // sse/http: server URL
	Headers    map[string]string `json:"headers,omitempty"`     // sse/http: extra HTTP headers
	Enabled    *bool             `json:"enabled,omitempty"`     // default true
	TimeoutSec int               `json:"timeout_sec,omitempty"` // per-tool-call timeout in seconds (default 60)
}

// IsEnabled returns whether this MCP server is enabled (default true).
func (c *MCPServerConfig) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// BrowserToolConfig controls the browser automation tool.
type BrowserToolConfig struct {
	Enabled  bool `json:"enabled"`            // enable the browser tool (default false)
	Headless bool `json:"headless,omitempty"` // run Chrome in headless mode
}

type WebToolsConfig struct {
	Brave      BraveConfig      `json:"brave"`
	DuckDuckGo DuckDuckGoConfig `json:"duckduckgo"`
}

type BraveConfig struct {
	Enabled    bool   `json:"enabled"`
	APIKey     string `json:"-"` // from env OMNICLAW_BRAVE_API_KEY or BRAVE_API_KEY
	MaxResults int    `json:"max_results"`
}

type DuckDuckGoConfig struct {
	Enabled    bool `json:"enabled"`
	MaxResults int  `json:"max_results"`
}

// SessionsConfig controls session persistence.
type SessionsConfig struct {
	Storage string `json:"storage"` // directory for session files
}
