package llm

import (
	"os"
	"strconv"
	"time"

	"github.com/careloop/medquery/internal/common"
	"github.com/careloop/medquery/internal/llm/providers"
)

// Message and Provider are re-exported so callers depend on one package.
type (
	Message  = providers.Message
	Provider = providers.Provider
)

// NewProvider selects the model backend from the environment. With
// OPENAI_API_KEY set it talks to OpenAI (or an OPENAI_ENDPOINT-compatible
// service); otherwise it returns the deterministic local provider.
func NewProvider() Provider {
	logger := common.Logger()
	key := os.Getenv("OPENAI_API_KEY")
	if key == "" {
		logger.Info("llm: no API key configured, using local provider")
		return providers.NewLocalProvider()
	}
	opts := providers.OpenAIOptions{
		APIKey:     key,
		BaseURL:    os.Getenv("OPENAI_ENDPOINT"),
		ChatModel:  os.Getenv("OPENAI_CHAT_MODEL"),
		EmbedModel: os.Getenv("OPENAI_EMBED_MODEL"),
	}
	if raw := os.Getenv("OPENAI_HTTP_TIMEOUT"); raw != "" {
		if d, err := time.ParseDuration(raw); err == nil {
			opts.Timeout = d
		} else {
			logger.Warn("llm: invalid OPENAI_HTTP_TIMEOUT", "value", raw, "error", err)
		}
	}
	if raw := os.Getenv("OPENAI_MAX_TOKENS"); raw != "" {
		if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
			opts.MaxTokens = n
		}
	}
	provider, err := providers.NewOpenAIProvider(opts)
	if err != nil {
		logger.Warn("llm: openai provider unavailable, falling back to local", "error", err)
		return providers.NewLocalProvider()
	}
	logger.Info("llm: provider ready", "provider", provider.Name())
	return provider
}
