package llm

import "strings"

// ProviderKind identifies a model vendor family.
type ProviderKind string

const (
	ProviderOpenAI    ProviderKind = "openai"
	ProviderAnthropic ProviderKind = "anthropic"
	ProviderGemini    ProviderKind = "gemini"
	ProviderXAI       ProviderKind = "xai"
)

// DefaultProvider serves model identifiers with no known prefix.
const DefaultProvider = ProviderGemini

type prefixRoute struct {
	prefix   string
	provider ProviderKind
}

// modelRoutes maps literal model id prefixes to providers. Order matters only
// for overlapping prefixes, of which there are none today.
var modelRoutes = []prefixRoute{
	{"gpt-", ProviderOpenAI},
	{"o1-", ProviderOpenAI},
	{"o3-", ProviderOpenAI},
	{"claude-", ProviderAnthropic},
	{"sonnet-", ProviderAnthropic},
	{"opus-", ProviderAnthropic},
	{"haiku-", ProviderAnthropic},
	{"gemini-", ProviderGemini},
	{"grok-", ProviderXAI},
}

// ProviderFor returns the provider for a model identifier. The second result
// is false when no prefix matched and DefaultProvider was returned.
func ProviderFor(model string) (ProviderKind, bool) {
	m := strings.ToLower(strings.TrimSpace(model))
	for _, r := range modelRoutes {
		if strings.HasPrefix(m, r.prefix) {
			return r.provider, true
		}
	}
	return DefaultProvider, false
}

// ProviderKinds lists every known provider.
func ProviderKinds() []ProviderKind {
	return []ProviderKind{ProviderOpenAI, ProviderAnthropic, ProviderGemini, ProviderXAI}
}

// ParseProviderKind validates a provider name.
func ParseProviderKind(s string) (ProviderKind, bool) {
	for _, k := range ProviderKinds() {
		if string(k) == strings.ToLower(strings.TrimSpace(s)) {
			return k, true
		}
	}
	return "", false
}
