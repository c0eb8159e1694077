// Package model defines data structures for the book chat service.
package model

import (
	"strconv"
	"time"
)

// MemberID identifies a member of the book service.
type MemberID int64

// BookID identifies a book in the catalog.
type BookID int64

// ConversationID is the durable-store assigned conversation identifier.
type ConversationID int64

const (
	// EphemeralBook is the book sentinel for a chat that is not tied to a book.
	EphemeralBook BookID = 0

	// EphemeralConversation is the reserved identifier returned for ephemeral chats.
	// The durable store never assigns it.
	EphemeralConversation ConversationID = 0
)

// IsEphemeral reports whether the book is the no-book sentinel.
func (b BookID) IsEphemeral() bool {
	return b == EphemeralBook
}

// IsEphemeral reports whether the conversation is the reserved ephemeral id.
func (c ConversationID) IsEphemeral() bool {
	return c == EphemeralConversation
}

// String returns the decimal form of the id.
func (c ConversationID) String() string {
	return strconv.FormatInt(int64(c), 10)
}

// Conversation is a durable chat thread between a member and the assistant about one book.
type Conversation struct {
	ID        ConversationID `json:"chat_id"`
	MemberID  MemberID       `json:"member_num"`
	BookID    BookID         `json:"book_id"`
	CreatedAt time.Time      `json:"created_at"`
}

// ConversationSummary is one row of a member's chat list.
type ConversationSummary struct {
	ConversationID ConversationID `json:"chat_id"`
	BookID         BookID         `json:"book_id"`
	BookTitle      string         `json:"book_title"`
}
