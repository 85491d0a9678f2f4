package character

import (
	"errors"
	"fmt"
	"strings"
)

// Model providers.
const (
	ProviderOpenAI     = "openai"
	ProviderAnthropic  = "anthropic"
	ProviderGroq       = "groq"
	ProviderOpenRouter = "openrouter"
	ProviderGrok       = "grok"
	ProviderGoogle     = "google"
	ProviderOllama     = "ollama"
	ProviderLlamaLocal = "llama_local"
)

var (
	// ErrUnknownProvider is returned for a provider with no token rule.
	ErrUnknownProvider = errors.New("unknown model provider")
	// ErrMissingToken is returned when a provider needs a key and none
	// is set.
	ErrMissingToken = errors.New("missing api token")
)

// providerKeys names the secret or environment variable holding each
// provider's key. An empty value means the provider needs no key.
var providerKeys = map[string]string{
	ProviderOpenAI:     "OPENAI_API_KEY",
	ProviderAnthropic:  "ANTHROPIC_API_KEY",
	ProviderGroq:       "GROQ_API_KEY",
	ProviderOpenRouter: "OPENROUTER_API_KEY",
	ProviderGrok:       "GROK_API_KEY",
	ProviderGoogle:     "GOOGLE_GENERATIVE_AI_API_KEY",
	ProviderOllama:     "",
	ProviderLlamaLocal: "",
}

// KeyForProvider returns the variable name holding provider's key.
func KeyForProvider(provider string) (string, bool) {
	k, ok := providerKeys[normalizeProvider(provider)]
	return k, ok
}

// TokenForProvider resolves the API token for provider. A character
// secret wins over the environment. Keyless providers return "".
func TokenForProvider(provider string, c Character, getenv func(string) string) (string, error) {
	provider = normalizeProvider(provider)
	key, ok := providerKeys[provider]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownProvider, provider)
	}
	if key == "" {
		return "", nil
	}
	if v := c.Secret(key); v != "" {
		return v, nil
	}
	if getenv != nil {
		if v := getenv(key); v != "" {
			return v, nil
		}
	}
	return "", fmt.Errorf("%w: %s needs %s", ErrMissingToken, provider, key)
}

func normalizeProvider(p string) string {
	p = strings.ToLower(strings.TrimSpace(p))
	if p == "" {
		return ProviderOpenAI
	}
	return p
}
