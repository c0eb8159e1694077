// Package identity maps a (member, book) pair to its durable conversation.
package identity

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/capitalize-ai/bookchat/internal/model"
	"github.com/capitalize-ai/bookchat/internal/store"
	"github.com/capitalize-ai/bookchat/pkg/logger"
	"github.com/capitalize-ai/bookchat/pkg/metrics"
)

// ErrResolutionFailed means an insert hit the uniqueness constraint but the
// conflicting row could not be read back.
var ErrResolutionFailed = errors.New("identity resolution failed")

// Store is the part of the durable store the resolver needs.
// CreateConversation must fail with store.ErrUniqueViolation when the pair exists.
type Store interface {
	FindConversation(ctx context.Context, member model.MemberID, book model.BookID) (model.ConversationID, bool, error)
	CreateConversation(ctx context.Context, member model.MemberID, book model.BookID) (model.ConversationID, error)
}

// Resolver resolves conversation identities idempotently under races.
type Resolver struct {
	store  Store
	logger *logger.Logger
}

// NewResolver creates a new resolver.
func NewResolver(s Store, log *logger.Logger) *Resolver {
	return &Resolver{
		store:  s,
		logger: log,
	}
}

// Resolve returns the conversation id for (member, book), creating it on first use.
// The ephemeral book never touches the store.
func (r *Resolver) Resolve(ctx context.Context, member model.MemberID, book model.BookID) (model.ConversationID, error) {
	if book.IsEphemeral() {
		metrics.IdentityResolutions.WithLabelValues("ephemeral").Inc()
		return model.EphemeralConversation, nil
	}

	id, found, err := r.store.FindConversation(ctx, member, book)
	if err != nil {
		return 0, fmt.Errorf("failed to find conversation: %w", err)
	}
	if found {
		metrics.IdentityResolutions.WithLabelValues("existing").Inc()
		return id, nil
	}

	id, err = r.store.CreateConversation(ctx, member, book)
	if err == nil {
		metrics.IdentityResolutions.WithLabelValues("created").Inc()
		r.logger.Info("conversation created",
			zap.Int64("member_num", int64(member)),
			zap.Int64("book_id", int64(book)),
			zap.Int64("chat_id", int64(id)),
		)
		return id, nil
	}
	if !errors.Is(err, store.ErrUniqueViolation) {
		return 0, fmt.Errorf("failed to create conversation: %w", err)
	}

	// A concurrent resolver inserted the pair first; its row must be visible now.
	id, found, err = r.store.FindConversation(ctx, member, book)
	if err != nil {
		return 0, fmt.Errorf("failed to re-read conversation after conflict: %w", err)
	}
	if !found {
		r.logger.Error("conversation missing after unique violation",
			zap.Int64("member_num", int64(member)),
			zap.Int64("book_id", int64(book)),
		)
		return 0, fmt.Errorf("%w: member %d book %d", ErrResolutionFailed, member, book)
	}

	metrics.IdentityResolutions.WithLabelValues("raced").Inc()
	r.logger.Debug("conversation resolved after insert race",
		zap.Int64("member_num", int64(member)),
		zap.Int64("book_id", int64(book)),
		zap.Int64("chat_id", int64(id)),
	)
	return id, nil
}
