package providers

import (
	"net/http"
	"strings"
)

func augmentProviderError(providerName string, status int, message string) string {
	msg := strings.TrimSpace(message)
	if msg == "" {
		return msg
	}

	lower := strings.ToLower(msg)
	if status == http.StatusUnauthorized || strings.Contains(lower, "incorrect api key provided") ||
		strings.Contains(lower, "no auth credentials") {
		return msg + " Hint: check providers." + NormalizeProviderName(providerName) + ".api_key or DISCORDBOT_PROVIDER_API_KEY."
	}

	switch NormalizeProviderName(providerName) {
	case ProviderOpenRouter:
		if status == http.StatusPaymentRequired || strings.Contains(lower, "insufficient credits") {
			return msg + " Hint: the OpenRouter account is out of credits."
		}
		if strings.Contains(lower, "is not a valid model id") {
			return msg + " Hint: OpenRouter model ids look like openrouter/<vendor>/<model>, e.g. openrouter/openai/gpt-4o-mini."
		}
	case ProviderOpenAI:
		if strings.Contains(lower, "does not exist") && strings.Contains(lower, "model") {
			return msg + " Hint: use a model name without the provider prefix, e.g. openai/gpt-4o-mini."
		}
	}

	return msg
}
