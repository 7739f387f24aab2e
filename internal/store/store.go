// ABOUTME: Store interface and record types for coven-conductor persistence
// ABOUTME: Conversations are persisted as one JSON document per row

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicate is returned when trying to create a record that already exists
var ErrDuplicate = errors.New("record already exists")

// ConversationRecord is the durable form of a conversation. The Document
// field holds the full conversation state (history, turn log, phase log,
// agent states) serialized as JSON; the remaining columns exist so the
// record can be listed and filtered without deserializing.
type ConversationRecord struct {
	ID        string
	Title     string
	Phase     string
	Document  []byte
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Store defines the interface for conversation persistence
type Store interface {
	CreateConversation(ctx context.Context, rec *ConversationRecord) error
	SaveConversation(ctx context.Context, rec *ConversationRecord) error
	GetConversation(ctx context.Context, id string) (*ConversationRecord, error)
	ListConversations(ctx context.Context, limit int) ([]*ConversationRecord, error)
	DeleteConversation(ctx context.Context, id string) error

	// Close releases any resources held by the store
	Close() error
}
