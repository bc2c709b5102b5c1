package tools

import "github.com/nextlevelbuilder/omniclaw/internal/config"

// PolicyAction is what the registry does with a tool call before running it.
type PolicyAction string

const (
	PolicyAllow PolicyAction = "allow"
	PolicyDeny  PolicyAction = "deny"
	PolicyAsk   PolicyAction = "ask"
)

// Policy maps tool names to actions. Unlisted tools are allowed. exec is
// ask-gated by default so shell commands always pass through the user unless
// explicitly opened up.
type Policy struct {
	actions map[string]PolicyAction
}

// NewPolicy builds the policy from configuration. Unknown action strings in
// the config degrade to deny so a typo never silently opens a tool up.
func NewPolicy(cfg config.ToolsConfig) *Policy {
	p := &Policy{actions: make(map[string]PolicyAction)}
	if cfg.ExecApprovalEnabled() {
		p.actions["exec"] = PolicyAsk
	}
	for name, action := range cfg.Policy {
		switch PolicyAction(action) {
		case PolicyAllow, PolicyDeny, PolicyAsk:
			p.actions[name] = PolicyAction(action)
		default:
			p.actions[name] = PolicyDeny
		}
	}
	return p
}

// ActionFor returns the action for a tool name.
func (p *Policy) ActionFor(name string) PolicyAction {
	if a, ok := p.actions[name]; ok {
		return a
	}
	return PolicyAllow
}

// Set overrides one tool's action at runtime.
func (p *Policy) Set(name string, action PolicyAction) {
	p.actions[name] = action
}
