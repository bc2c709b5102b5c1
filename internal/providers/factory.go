package providers

import "strings"

// Known provider types for FromSpec.
const (
	TypeAnthropic = "anthropic"
	TypeOpenAI    = "openai"
	TypeGemini    = "gemini"
	TypeDashScope = "dashscope"
)

// FromSpec builds a Resilient provider from configuration values. ptype
// selects the wire protocol; name is the configured instance name (used in
// logs and error text). Unknown types default to the OpenAI-compatible
// client, which covers Groq, OpenRouter, DeepSeek, vLLM and friends.
func FromSpec(name, ptype, apiBase string, keys, models []string) *Resilient {
	if name == "" {
		name = ptype
	}
	defaultModel := ""
	if len(models) > 0 {
		defaultModel = models[0]
	}

	var factory func(apiKey string) Provider
	switch strings.ToLower(ptype) {
	case TypeAnthropic:
		factory = func(apiKey string) Provider {
			opts := []AnthropicOption{WithAnthropicBaseURL(apiBase)}
			if defaultModel != "" {
				opts = append(opts, WithAnthropicModel(defaultModel))
			}
			return NewAnthropicProvider(apiKey, opts...)
		}
	case TypeDashScope:
		factory = func(apiKey string) Provider {
			return NewDashScopeProvider(apiKey, apiBase, defaultModel)
		}
	case TypeGemini:
		if apiBase == "" {
			apiBase = "https://generativelanguage.googleapis.com/v1beta/openai"
		}
		factory = func(apiKey string) Provider {
			return NewOpenAIProvider("gemini", apiKey, apiBase, defaultModel)
		}
	default:
		if apiBase == "" {
			apiBase = "https://api.openai.com/v1"
		}
		factory = func(apiKey string) Provider {
			return NewOpenAIProvider(name, apiKey, apiBase, defaultModel)
		}
	}

	res := NewResilient(name, factory, keys, models)
	res.apiBase = apiBase
	return res
}
