// Package pipeline turns one inbound utterance into a stored, delivered turn.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/capitalize-ai/bookchat/internal/model"
	"github.com/capitalize-ai/bookchat/internal/session"
	"github.com/capitalize-ai/bookchat/pkg/metrics"
	"github.com/capitalize-ai/bookchat/pkg/tracing"
)

var (
	// ErrGenerationFailed means the text generator errored or timed out.
	// Nothing was stored for the turn.
	ErrGenerationFailed = errors.New("generation failed")

	// ErrPersistenceFailed means the turn was delivered and cached but not
	// written to the durable store. A restart will not repair the divergence.
	ErrPersistenceFailed = errors.New("persistence failed")
)

const (
	turnKindChat      = "chat"
	turnKindBookIntro = "book_intro"

	generationFailedText = "Sorry, I couldn't come up with an answer just now. Please try again."
	storeUnavailableText = "The chat service is temporarily unavailable. Please try again."
	unknownBookText      = "Sorry, I couldn't find any information about this book."

	lockStripes = 64
)

// Generator produces a reply for a prompt.
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// TurnStore durably appends the messages of one turn, in order, and
// returns them with their sequence markers.
type TurnStore interface {
	AppendTurn(ctx context.Context, msgs ...model.Message) ([]model.Message, error)
}

// BookCatalog resolves book titles.
type BookCatalog interface {
	BookTitle(ctx context.Context, book model.BookID) (string, bool, error)
}

// EventPublisher receives turn lifecycle events.
type EventPublisher interface {
	PublishEvent(ctx context.Context, event *model.TurnEvent) error
}

// Config tunes the pipeline.
type Config struct {
	// ContextMessages is how many recent cached messages go into the prompt.
	ContextMessages int
	// GenerationTimeout bounds one generator call.
	GenerationTimeout time.Duration
	// ReplyLanguage is the language the assistant must answer in.
	ReplyLanguage string
}

// Pipeline handles inbound messages for active sessions.
type Pipeline struct {
	registry  *session.Registry
	generator Generator
	store     TurnStore
	books     BookCatalog
	events    EventPublisher
	cfg       Config
	now       func() time.Time

	// stripes serialize commits per conversation id without serializing
	// unrelated conversations.
	stripes [lockStripes]sync.Mutex
}

// NewPipeline creates a new pipeline. events may be nil.
func NewPipeline(
	registry *session.Registry,
	generator Generator,
	store TurnStore,
	books BookCatalog,
	events EventPublisher,
	cfg Config,
) *Pipeline {
	if events == nil {
		events = nopPublisher{}
	}
	return &Pipeline{
		registry:  registry,
		generator: generator,
		store:     store,
		books:     books,
		events:    events,
		cfg:       cfg,
		now:       time.Now,
	}
}

// HandleInbound runs one turn for an active session. Blank input is dropped
// without side effects. Generation and store failures are reported to the
// channel as an error turn and the session stays usable.
//
// Closing the channel does not cancel an in-flight generation or its
// persistence: ctx cancellation is detached here.
func (p *Pipeline) HandleInbound(ctx context.Context, sess *session.Session, userText string) error {
	if strings.TrimSpace(userText) == "" {
		return nil
	}
	if sess.State() != session.StateActive {
		return session.ErrSessionClosed
	}

	ctx = context.WithoutCancel(ctx)
	ctx, span := tracing.StartSpan(ctx, "pipeline.handle_inbound",
		attribute.Int64("chat_id", int64(sess.ConversationID)),
		attribute.Bool("ephemeral", sess.Ephemeral()),
	)
	defer span.End()

	log := sess.Logger()
	receivedAt := p.now()

	kind := turnKindChat
	var reply, prompt string
	if !sess.BookID.IsEphemeral() && IsBookIntroRequest(userText) {
		kind = turnKindBookIntro
		title, found, err := p.books.BookTitle(ctx, sess.BookID)
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
			log.Warn("book title lookup failed", zap.Error(err))
			p.deliverError(ctx, sess, model.ErrorCodeStoreUnavailable, storeUnavailableText)
			return fmt.Errorf("failed to look up book title: %w", err)
		}
		if found {
			prompt = BuildBookIntroPrompt(title, p.cfg.ReplyLanguage)
		} else {
			reply = unknownBookText
		}
	} else {
		history := p.registry.Recent(sess, p.cfg.ContextMessages)
		prompt = BuildChatPrompt(history, userText, p.cfg.ReplyLanguage)
	}
	span.SetAttributes(attribute.String("turn_kind", kind))

	if prompt != "" {
		var err error
		reply, err = p.generate(ctx, prompt)
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
			log.Warn("generation failed", zap.Error(err))
			p.deliverError(ctx, sess, model.ErrorCodeGenerationFailed, generationFailedText)
			p.publish(ctx, sess, model.EventTypeGenerationFailed, err.Error(), nil)
			return fmt.Errorf("%w: %w", ErrGenerationFailed, err)
		}
	}

	userMsg := model.Message{
		ConversationID: sess.ConversationID,
		Sender:         model.SenderUser,
		Text:           userText,
		CreatedAt:      receivedAt,
	}
	assistantMsg := model.Message{
		ConversationID: sess.ConversationID,
		Sender:         model.SenderAssistant,
		Text:           reply,
		CreatedAt:      p.now(),
	}
	if !assistantMsg.CreatedAt.After(userMsg.CreatedAt) {
		assistantMsg.CreatedAt = userMsg.CreatedAt.Add(time.Nanosecond)
	}

	persistErr := p.commit(ctx, sess, userMsg, assistantMsg)
	if persistErr != nil {
		span.SetStatus(codes.Error, persistErr.Error())
		p.publish(ctx, sess, model.EventTypePersistenceFailed, persistErr.Error(), nil)
	}

	metrics.RecordTurn(kind, sess.Ephemeral())
	p.publish(ctx, sess, model.EventTypeTurnCompleted, "", map[string]any{"kind": kind})

	return persistErr
}

// commit stores, caches and delivers one turn. Commits for the same
// conversation are serialized so store order, cache order and delivery order
// agree. Nothing that talks to the event bus runs under the lock.
func (p *Pipeline) commit(ctx context.Context, sess *session.Session, userMsg, assistantMsg model.Message) error {
	if !sess.Ephemeral() {
		mu := &p.stripes[uint64(sess.ConversationID)%lockStripes]
		mu.Lock()
		defer mu.Unlock()
	}

	var persistErr error
	if !sess.Ephemeral() {
		stored, err := p.store.AppendTurn(ctx, userMsg, assistantMsg)
		if err != nil {
			persistErr = fmt.Errorf("%w: %w", ErrPersistenceFailed, err)
			metrics.PersistenceFailures.Inc()
			sess.Logger().Error("turn delivered but not stored; cache and store now diverge",
				zap.Error(err),
			)
		} else {
			userMsg, assistantMsg = stored[0], stored[1]
		}
	}

	p.registry.AppendAndBroadcast(ctx, sess, userMsg, session.AudienceOthers)
	p.registry.AppendAndBroadcast(ctx, sess, assistantMsg, session.AudienceAll)

	return persistErr
}

func (p *Pipeline) generate(ctx context.Context, prompt string) (string, error) {
	if p.cfg.GenerationTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.GenerationTimeout)
		defer cancel()
	}

	start := time.Now()
	reply, err := p.generator.Generate(ctx, prompt)
	elapsed := time.Since(start).Seconds()

	switch {
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded):
		metrics.RecordGeneration("timeout", elapsed)
		if err == nil {
			err = ctx.Err()
		}
		return "", err
	case err != nil:
		metrics.RecordGeneration("error", elapsed)
		return "", err
	}

	metrics.RecordGeneration("ok", elapsed)
	return reply, nil
}

func (p *Pipeline) deliverError(ctx context.Context, sess *session.Session, code, text string) {
	if err := p.registry.Deliver(ctx, sess, model.ErrorEnvelope(code, text)); err != nil {
		sess.Logger().Debug("error turn not delivered", zap.Error(err))
	}
}

func (p *Pipeline) publish(ctx context.Context, sess *session.Session, typ model.EventType, reason string, meta map[string]any) {
	err := p.events.PublishEvent(ctx, &model.TurnEvent{
		ID:             uuid.Must(uuid.NewV7()).String(),
		ConversationID: sess.ConversationID,
		MemberID:       sess.MemberID,
		BookID:         sess.BookID,
		Type:           typ,
		Reason:         reason,
		Metadata:       meta,
		CreatedAt:      p.now(),
	})
	if err != nil {
		sess.Logger().Warn("failed to publish turn event",
			zap.String("event_type", string(typ)),
			zap.Error(err),
		)
	}
}

type nopPublisher struct{}

func (nopPublisher) PublishEvent(context.Context, *model.TurnEvent) error { return nil }
