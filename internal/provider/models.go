package provider

import "strings"

// ProviderTag names a provider family, independent of any one Factory
// instance. The worker's client cache keys entries by tag and resolved model
// together, so different models of one tag get separate clients.
type ProviderTag string

const (
	TagAnthropic ProviderTag = "anthropic"
	TagOpenAI    ProviderTag = "openai"
)

// modelShorthands maps short, user-facing model names to full model
// identifiers.
var modelShorthands = map[string]string{
	"sonnet":      "claude-sonnet-4-5",
	"opus":        "claude-opus-4-1",
	"haiku":       "claude-haiku-4-5",
	"qwen":        "qwen-max",
	"qwen-max":    "qwen-max",
	"qwen-plus":   "qwen-plus",
	"coder-model": "qwen-coder-plus",
}

// ResolveModel expands a shorthand to its full model identifier. Names not
// present in the table are returned unchanged (already-qualified ids).
func ResolveModel(name string) string {
	if full, ok := modelShorthands[strings.ToLower(name)]; ok {
		return full
	}
	return name
}

// DetectProvider maps a model name (shorthand or full id) to a provider tag:
// a "claude-" prefix or a Claude-family shorthand routes to Anthropic; names
// containing "qwen" route to the OpenAI-compatible family; everything else
// defaults to Anthropic.
func DetectProvider(name string) ProviderTag {
	lower := strings.ToLower(name)
	if full, ok := modelShorthands[lower]; ok {
		lower = strings.ToLower(full)
	}
	switch {
	case strings.HasPrefix(lower, "claude-"):
		return TagAnthropic
	case strings.Contains(lower, "qwen"):
		return TagOpenAI
	default:
		return TagAnthropic
	}
}
