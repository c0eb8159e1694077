package session

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/capitalize-ai/bookchat/internal/model"
	"github.com/capitalize-ai/bookchat/pkg/logger"
	"github.com/capitalize-ai/bookchat/pkg/metrics"
	"github.com/capitalize-ai/bookchat/pkg/tracing"
)

// Resolver maps a (member, book) pair to its conversation.
type Resolver interface {
	Resolve(ctx context.Context, member model.MemberID, book model.BookID) (model.ConversationID, error)
}

// Audience selects which sessions of a conversation receive a broadcast.
type Audience int

const (
	// AudienceAll delivers to every session of the conversation.
	AudienceAll Audience = iota
	// AudienceOthers delivers to every session except the originating one.
	AudienceOthers
)

// conversation is the cached history of one conversation and the sessions
// bound to it. mu serializes hydration, replay, appends and broadcasts.
type conversation struct {
	id       model.ConversationID
	mu       sync.Mutex
	hydrated bool
	messages []model.Message
	sessions map[string]*Session
}

func newConversation(id model.ConversationID) *conversation {
	return &conversation{
		id:       id,
		sessions: make(map[string]*Session),
	}
}

// Registry owns every live session and the per-conversation message cache.
// It is created once at startup and never torn down; cached history is kept
// for the life of the process.
//
// Lock order: conversation.mu before Registry.mu. Registry.mu is never held
// across I/O.
type Registry struct {
	resolver Resolver
	hydrator *Hydrator
	logger   *logger.Logger

	mu            sync.Mutex
	conversations map[model.ConversationID]*conversation
	sessions      map[string]*Session
}

// NewRegistry creates a new session registry.
func NewRegistry(resolver Resolver, hydrator *Hydrator, log *logger.Logger) *Registry {
	return &Registry{
		resolver:      resolver,
		hydrator:      hydrator,
		logger:        log,
		conversations: make(map[model.ConversationID]*conversation),
		sessions:      make(map[string]*Session),
	}
}

// OpenSession resolves the conversation for (member, book), hydrates its
// history on first use, replays it to ch in order and registers the session.
// When replay fails the channel is closed and nothing is registered.
func (r *Registry) OpenSession(ctx context.Context, ch Channel, member model.MemberID, book model.BookID) (*Session, error) {
	ctx, span := tracing.StartSpan(ctx, "session.open",
		attribute.Int64("member_num", int64(member)),
		attribute.Int64("book_id", int64(book)),
	)
	defer span.End()

	sess := &Session{
		ID:       ch.ID(),
		MemberID: member,
		BookID:   book,
		channel:  ch,
	}

	id, err := r.resolver.Resolve(ctx, member, book)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to resolve conversation: %w", err)
	}
	sess.ConversationID = id
	sess.logger = r.logger.WithSession(sess.ID, int64(member), int64(book), int64(id))
	span.SetAttributes(attribute.Int64("chat_id", int64(id)))

	// Ephemeral chats get a private cache that is dropped with the session.
	var conv *conversation
	if id.IsEphemeral() {
		conv = newConversation(id)
		conv.hydrated = true
	} else {
		conv = r.conversation(id)
	}
	sess.conv = conv

	conv.mu.Lock()
	defer conv.mu.Unlock()

	if !conv.hydrated {
		msgs, err := r.hydrator.Hydrate(ctx, id)
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
		conv.messages = msgs
		conv.hydrated = true
	}

	for i, msg := range conv.messages {
		if err := ch.Send(ctx, msg.Envelope()); err != nil {
			sess.close()
			_ = ch.Close()
			sess.logger.Info("channel closed during history replay",
				zap.Int("replayed", i),
				zap.Int("total", len(conv.messages)),
				zap.Error(err),
			)
			return nil, fmt.Errorf("history replay: %w", errors.Join(ErrChannelClosed, err))
		}
		metrics.ReplayedFrames.Inc()
	}

	conv.sessions[sess.ID] = sess
	r.mu.Lock()
	r.sessions[sess.ID] = sess
	r.mu.Unlock()

	sess.activate()
	metrics.IncrementSessions()
	sess.logger.Info("session opened", zap.Int("replayed", len(conv.messages)))

	return sess, nil
}

// conversation returns the shared cache entry for id, creating it if needed.
func (r *Registry) conversation(id model.ConversationID) *conversation {
	r.mu.Lock()
	defer r.mu.Unlock()

	conv, ok := r.conversations[id]
	if !ok {
		conv = newConversation(id)
		r.conversations[id] = conv
	}
	return conv
}

// AppendAndBroadcast appends msg to the origin's conversation cache and
// delivers it to the selected sessions. A failed delivery closes and removes
// only that session. The append is kept even when the origin is already
// closed. It returns the number of successful deliveries.
func (r *Registry) AppendAndBroadcast(ctx context.Context, origin *Session, msg model.Message, audience Audience) int {
	conv := origin.conv

	conv.mu.Lock()
	defer conv.mu.Unlock()

	conv.messages = append(conv.messages, msg)

	targets := make([]*Session, 0, len(conv.sessions)+1)
	if conv.id.IsEphemeral() {
		// Private cache: the origin is the only possible target.
		if audience == AudienceAll && origin.State() == StateActive {
			targets = append(targets, origin)
		}
	} else {
		for _, sess := range conv.sessions {
			if audience == AudienceOthers && sess.ID == origin.ID {
				continue
			}
			targets = append(targets, sess)
		}
	}

	env := msg.Envelope()
	delivered := 0
	for _, sess := range targets {
		if err := sess.channel.Send(ctx, env); err != nil {
			metrics.DeliveryFailures.Inc()
			sess.logger.Warn("broadcast delivery failed, closing session", zap.Error(err))
			delete(conv.sessions, sess.ID)
			r.forget(sess)
			continue
		}
		delivered++
	}
	return delivered
}

// Deliver sends a frame that is not part of the history, such as an error
// turn, to one session. A failed delivery closes the session.
func (r *Registry) Deliver(ctx context.Context, sess *Session, env model.Envelope) error {
	if sess.State() != StateActive {
		return ErrSessionClosed
	}
	if err := sess.channel.Send(ctx, env); err != nil {
		metrics.DeliveryFailures.Inc()
		r.CloseSession(sess.channel)
		return errors.Join(ErrChannelClosed, err)
	}
	return nil
}

// Recent returns a copy of the last n cached messages of the session's
// conversation, oldest first. n <= 0 returns the whole history.
func (r *Registry) Recent(sess *Session, n int) []model.Message {
	conv := sess.conv

	conv.mu.Lock()
	defer conv.mu.Unlock()

	msgs := conv.messages
	if n > 0 && len(msgs) > n {
		msgs = msgs[len(msgs)-n:]
	}
	out := make([]model.Message, len(msgs))
	copy(out, msgs)
	return out
}

// CloseSession removes the channel's session. The conversation cache and the
// other sessions of the conversation are unaffected. Closing twice is a no-op.
func (r *Registry) CloseSession(ch Channel) {
	r.mu.Lock()
	sess, ok := r.sessions[ch.ID()]
	r.mu.Unlock()
	if !ok {
		return
	}

	conv := sess.conv
	conv.mu.Lock()
	delete(conv.sessions, sess.ID)
	conv.mu.Unlock()

	r.forget(sess)
}

// forget drops the session from the registry index and closes its channel.
func (r *Registry) forget(sess *Session) {
	r.mu.Lock()
	if current, ok := r.sessions[sess.ID]; ok && current == sess {
		delete(r.sessions, sess.ID)
	}
	r.mu.Unlock()

	if sess.close() {
		metrics.DecrementSessions()
		sess.logger.Info("session closed")
	}
	_ = sess.channel.Close()
}

// sessionsFor returns the live sessions bound to a conversation.
func (r *Registry) sessionsFor(id model.ConversationID) []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []*Session
	for _, sess := range r.sessions {
		if !sess.Ephemeral() && sess.ConversationID == id {
			out = append(out, sess)
		}
	}
	return out
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.sessions)
}

// cached reports whether the conversation's history is in memory, and how
// many messages it holds.
func (r *Registry) cached(id model.ConversationID) (int, bool) {
	r.mu.Lock()
	conv, ok := r.conversations[id]
	r.mu.Unlock()
	if !ok {
		return 0, false
	}

	conv.mu.Lock()
	defer conv.mu.Unlock()
	return len(conv.messages), conv.hydrated
}
