package providers

import (
	"fmt"
	"sort"
	"strings"

	"github.com/JamalEddineEb/discord/pkg/config"
)

const (
	ProviderOpenRouter = "openrouter"
	ProviderOpenAI     = "openai"
	ProviderOllama     = "ollama"
)

type providerDefaults struct {
	apiBase     string
	requiresKey bool
	headers     map[string]string
}

var knownProviders = map[string]providerDefaults{
	ProviderOpenRouter: {
		apiBase:     "https://openrouter.ai/api/v1",
		requiresKey: true,
		headers:     map[string]string{"X-Title": "discordbot"},
	},
	ProviderOpenAI: {
		apiBase:     "https://api.openai.com/v1",
		requiresKey: true,
	},
	ProviderOllama: {
		apiBase: "http://localhost:11434/v1",
	},
}

// SupportedProviders lists the providers with built-in defaults. Any other
// name works too as long as api_base points at an OpenAI-compatible server.
func SupportedProviders() []string {
	names := make([]string, 0, len(knownProviders))
	for name := range knownProviders {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func NormalizeProviderName(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return ProviderOpenRouter
	}
	return name
}

// CreateProvider builds the chat provider selected by the configured model.
func CreateProvider(cfg *config.Config) (LLMProvider, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is nil")
	}
	name := NormalizeProviderName(cfg.ProviderName())
	pc := cfg.Provider()
	defaults := knownProviders[name]

	apiBase := strings.TrimSpace(pc.APIBase)
	if apiBase == "" {
		apiBase = defaults.apiBase
	}
	if apiBase == "" {
		return nil, fmt.Errorf("providers.%s.api_base is required for unknown provider %q", name, name)
	}

	auth, err := authFor(name, pc, defaults.requiresKey)
	if err != nil {
		return nil, err
	}
	return newChatCompletionsProvider(name, apiBase, cfg.ModelName(), pc.Proxy, auth, defaults.headers)
}

func authFor(name string, pc config.ProviderConfig, requiresKey bool) (AuthStrategy, error) {
	switch {
	case strings.TrimSpace(pc.APIKeyFile) != "":
		return NewAPIKeyAuth(NewFileTokenSource(pc.APIKeyFile)), nil
	case strings.TrimSpace(pc.APIKey) != "":
		return NewAPIKeyAuth(NewStaticTokenSource(pc.APIKey, "providers."+name+".api_key")), nil
	case requiresKey:
		return nil, fmt.Errorf("providers.%s.api_key is required", name)
	default:
		return NewNoAuth(), nil
	}
}
