package providers

import (
	"context"
	"fmt"
	"hash/fnv"
	"strings"
)

// Message is a single chat turn sent to a provider.
type Message struct {
	Role    string
	Content string
}

// Provider is the language-model and embedding service boundary. It is
// stateless per call; failures are transport or quota errors from the
// underlying service.
type Provider interface {
	Chat(ctx context.Context, messages []Message) (string, error)
	Embed(ctx context.Context, input []string) ([][]float32, error)
	Name() string
}

// LocalProvider is a deterministic fallback used when no model service is
// configured. It keeps development and tests independent of network access.
type LocalProvider struct{}

func NewLocalProvider() *LocalProvider {
	return &LocalProvider{}
}

func (l *LocalProvider) Chat(ctx context.Context, messages []Message) (string, error) {
	if len(messages) == 0 {
		return "", fmt.Errorf("no messages provided")
	}
	last := messages[len(messages)-1].Content
	return "[local-stub] " + strings.TrimSpace(last), nil
}

// Embed produces a stable pseudo-embedding per input so similarity lookups
// behave deterministically offline.
func (l *LocalProvider) Embed(ctx context.Context, input []string) ([][]float32, error) {
	vectors := make([][]float32, len(input))
	for i, text := range input {
		h := fnv.New64a()
		_, _ = h.Write([]byte(strings.ToLower(strings.TrimSpace(text))))
		seed := h.Sum64()
		vec := make([]float32, 8)
		for j := range vec {
			seed = seed*6364136223846793005 + 1442695040888963407
			vec[j] = float32(int64(seed>>33)%1000) / 1000
		}
		vectors[i] = vec
	}
	return vectors, nil
}

func (l *LocalProvider) Name() string {
	return "local"
}
