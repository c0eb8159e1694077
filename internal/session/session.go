// Package session tracks live chat channels and the in-memory history of
// the conversations they are bound to.
package session

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/capitalize-ai/bookchat/internal/model"
	"github.com/capitalize-ai/bookchat/pkg/logger"
)

var (
	// ErrChannelClosed means the delivery target is gone.
	ErrChannelClosed = errors.New("channel closed")

	// ErrSessionClosed is returned when operating on a closed session.
	ErrSessionClosed = errors.New("session closed")
)

// Channel is one open, message-oriented connection to a client.
// Send must be safe for concurrent use and must return an error wrapping
// ErrChannelClosed once the peer is gone.
type Channel interface {
	ID() string
	Send(ctx context.Context, env model.Envelope) error
	Close() error
}

// State is the lifecycle state of a session.
type State int32

const (
	StateConnecting State = iota
	StateActive
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Session binds one channel to one conversation.
type Session struct {
	ID             string
	MemberID       model.MemberID
	BookID         model.BookID
	ConversationID model.ConversationID

	channel Channel
	conv    *conversation
	state   atomic.Int32
	logger  *logger.Logger
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	return State(s.state.Load())
}

// Ephemeral reports whether the session's history is never persisted.
func (s *Session) Ephemeral() bool {
	return s.ConversationID.IsEphemeral()
}

// Logger returns a logger carrying the session's identity.
func (s *Session) Logger() *logger.Logger {
	return s.logger
}

func (s *Session) activate() bool {
	return s.state.CompareAndSwap(int32(StateConnecting), int32(StateActive))
}

// close moves the session to Closed and reports whether it was Active.
func (s *Session) close() bool {
	return State(s.state.Swap(int32(StateClosed))) == StateActive
}
