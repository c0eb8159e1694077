package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"

	"github.com/capitalize-ai/bookchat/internal/model"
)

const (
	// StreamName is the name of the turn events stream.
	StreamName = "BOOKCHAT"

	// SubjectPrefix is the prefix for all turn event subjects.
	SubjectPrefix = "bookchat"
)

// EventPublisher writes turn events to the BOOKCHAT stream.
type EventPublisher struct {
	client *Client
}

// NewEventPublisher creates a new event publisher.
func NewEventPublisher(client *Client) *EventPublisher {
	return &EventPublisher{client: client}
}

// EnsureStream creates the events stream if it does not exist yet.
func (p *EventPublisher) EnsureStream(ctx context.Context) error {
	js := p.client.JetStream()

	_, err := js.Stream(ctx, StreamName)
	if err == nil {
		return nil
	}
	if !errors.Is(err, jetstream.ErrStreamNotFound) {
		return fmt.Errorf("failed to look up stream: %w", err)
	}

	_, err = js.CreateStream(ctx, jetstream.StreamConfig{
		Name:        StreamName,
		Subjects:    []string{SubjectPrefix + ".>"},
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      30 * 24 * time.Hour,
		MaxBytes:    10 * 1024 * 1024 * 1024,
		Storage:     jetstream.FileStorage,
		Replicas:    1,
		Compression: jetstream.S2Compression,
		Description: "Book chat turn events",
	})
	if err != nil {
		return fmt.Errorf("failed to create stream: %w", err)
	}

	return nil
}

// EventSubject returns the subject for an event.
func EventSubject(id model.ConversationID, eventType model.EventType) string {
	return fmt.Sprintf("%s.%d.event.%s", SubjectPrefix, int64(id), eventType)
}

// PublishEvent publishes an event to JetStream. The event id doubles as the
// message id so JetStream drops duplicates.
func (p *EventPublisher) PublishEvent(ctx context.Context, event *model.TurnEvent) error {
	subject := EventSubject(event.ConversationID, event.Type)

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	var opts []jetstream.PublishOpt
	if event.ID != "" {
		opts = append(opts, jetstream.WithMsgID(event.ID))
	}

	ack, err := p.client.JetStream().Publish(ctx, subject, data, opts...)
	if err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}

	p.client.logger.Debug("turn event published",
		zap.String("subject", subject),
		zap.Uint64("stream_seq", ack.Sequence),
	)
	return nil
}
