package model

import (
	"errors"
	"fmt"
	"time"
)

// Sender is the closed set of message authors.
type Sender string

const (
	SenderUser      Sender = "user"
	SenderAssistant Sender = "assistant"
)

// legacySenderAssistant is how older rows tag assistant replies.
const legacySenderAssistant = "stella"

// ErrUnknownSender is returned when a sender tag is outside the closed set.
var ErrUnknownSender = errors.New("unknown sender")

// ParseSender converts a stored or wire tag into a Sender.
func ParseSender(tag string) (Sender, error) {
	switch tag {
	case string(SenderUser):
		return SenderUser, nil
	case string(SenderAssistant), legacySenderAssistant:
		return SenderAssistant, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownSender, tag)
	}
}

// Valid reports whether s is one of the known senders.
func (s Sender) Valid() bool {
	return s == SenderUser || s == SenderAssistant
}

// MarshalText rejects senders outside the closed set.
func (s Sender) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownSender, string(s))
	}
	return []byte(s), nil
}

// UnmarshalText accepts the closed set plus the legacy assistant tag.
func (s *Sender) UnmarshalText(b []byte) error {
	parsed, err := ParseSender(string(b))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Message is one immutable turn half in a conversation.
type Message struct {
	// Sequence is the store-assigned ordering marker. Zero for messages
	// that were never persisted.
	Sequence       int64          `json:"sequence,omitempty"`
	ConversationID ConversationID `json:"chat_id"`
	Sender         Sender         `json:"sender"`
	Text           string         `json:"message"`
	CreatedAt      time.Time      `json:"created_at"`
}

// Envelope returns the outbound frame for the message.
func (m Message) Envelope() Envelope {
	return Envelope{Sender: m.Sender, Message: m.Text}
}

// Error codes carried by error envelopes.
const (
	ErrorCodeGenerationFailed         = "generation_failed"
	ErrorCodeStoreUnavailable         = "store_unavailable"
	ErrorCodeIdentityResolutionFailed = "identity_resolution_failed"
	ErrorCodeInternal                 = "internal_error"
)

// Envelope is the fixed outbound frame sent to a channel.
type Envelope struct {
	Sender  Sender `json:"sender"`
	Message string `json:"message"`
	Error   string `json:"error,omitempty"`
}

// ErrorEnvelope builds an assistant-authored error turn.
func ErrorEnvelope(code, text string) Envelope {
	return Envelope{Sender: SenderAssistant, Message: text, Error: code}
}

// Validate checks the envelope before it crosses the wire.
func (e Envelope) Validate() error {
	if !e.Sender.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownSender, string(e.Sender))
	}
	return nil
}
