package session

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/capitalize-ai/bookchat/internal/model"
	"github.com/capitalize-ai/bookchat/pkg/logger"
	"github.com/capitalize-ai/bookchat/pkg/metrics"
)

// MessageLister reads a conversation's messages in creation order.
type MessageLister interface {
	ListMessages(ctx context.Context, id model.ConversationID) ([]model.Message, error)
}

// Hydrator loads conversation history from the durable store.
type Hydrator struct {
	store  MessageLister
	logger *logger.Logger
}

// NewHydrator creates a new hydrator.
func NewHydrator(store MessageLister, log *logger.Logger) *Hydrator {
	return &Hydrator{
		store:  store,
		logger: log,
	}
}

// Hydrate issues one ordered read for the conversation. A conversation with
// no messages yields an empty slice.
func (h *Hydrator) Hydrate(ctx context.Context, id model.ConversationID) ([]model.Message, error) {
	msgs, err := h.store.ListMessages(ctx, id)
	if err != nil {
		metrics.Hydrations.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("failed to hydrate conversation %d: %w", id, err)
	}

	metrics.Hydrations.WithLabelValues("ok").Inc()
	h.logger.Debug("conversation hydrated",
		zap.Int64("chat_id", int64(id)),
		zap.Int("messages", len(msgs)),
	)

	if msgs == nil {
		msgs = []model.Message{}
	}
	return msgs, nil
}
