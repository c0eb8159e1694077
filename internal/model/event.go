package model

import (
	"time"
)

// EventType represents the type of conversation event.
type EventType string

const (
	EventTypeTurnCompleted     EventType = "turn_completed"
	EventTypeGenerationFailed  EventType = "generation_failed"
	EventTypePersistenceFailed EventType = "persistence_failed"
)

// TurnEvent records what happened to one inbound message.
type TurnEvent struct {
	ID             string         `json:"id"`
	ConversationID ConversationID `json:"chat_id"`
	MemberID       MemberID       `json:"member_num"`
	BookID         BookID         `json:"book_id"`
	Type           EventType      `json:"type"`
	Reason         string         `json:"reason,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}
