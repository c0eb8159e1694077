package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/capitalize-ai/bookchat/pkg/logger"
)

// ErrEmptyCompletion is returned when the provider answers with no text.
var ErrEmptyCompletion = errors.New("empty completion")

// Generator turns a prompt string into a reply using one provider.
type Generator struct {
	client    Client
	model     string
	maxTokens int
	logger    *logger.Logger
}

// NewGenerator creates a new generator. An empty model selects the
// provider default.
func NewGenerator(client Client, model string, maxTokens int, log *logger.Logger) *Generator {
	return &Generator{
		client:    client,
		model:     model,
		maxTokens: maxTokens,
		logger:    log,
	}
}

// Generate sends prompt as a single user message and returns the trimmed reply.
func (g *Generator) Generate(ctx context.Context, prompt string) (string, error) {
	resp, err := g.client.Complete(ctx, &CompletionRequest{
		Model:     g.model,
		Messages:  []ChatMessage{{Role: "user", Content: prompt}},
		MaxTokens: g.maxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("%s completion failed: %w", g.client.Name(), err)
	}

	reply := strings.TrimSpace(resp.Content)
	if reply == "" {
		return "", fmt.Errorf("%s: %w", g.client.Name(), ErrEmptyCompletion)
	}

	g.logger.Debug("completion received",
		zap.String("provider", g.client.Name()),
		zap.String("model", resp.Model),
		zap.Int("tokens_in", resp.TokensIn),
		zap.Int("tokens_out", resp.TokensOut),
		zap.Int64("latency_ms", resp.LatencyMs),
	)
	return reply, nil
}
