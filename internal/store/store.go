// Package store defines the document store the engine runs against: point
// reads, merge-upserts with store-assigned timestamps, ordered limited queries
// and live subscriptions.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/bwchat/realtime-dm/internal/model"
)

// ErrNotFound is returned by point reads of a missing document.
var ErrNotFound = errors.New("store: document not found")

// UserPatch is a merge-upsert of a users document. Nil fields are left as is.
type UserPatch struct {
	Name     *string
	Email    *string
	PhotoURL *string
	Online   *bool

	// TouchLastSeen stamps lastSeen with the store's clock.
	TouchLastSeen bool
}

// Apply merges p into u; now is the store-assigned timestamp.
func (p UserPatch) Apply(u *model.User, now time.Time) {
	if p.Name != nil {
		u.Name = *p.Name
	}
	if p.Email != nil {
		u.Email = *p.Email
	}
	if p.PhotoURL != nil {
		u.PhotoURL = *p.PhotoURL
	}
	if p.Online != nil {
		u.Online = *p.Online
	}
	if p.TouchLastSeen {
		u.LastSeen = now
	}
}

// ConversationPatch is a merge-upsert of a chats document.
type ConversationPatch struct {
	Participants []string
	LastMessage  *string

	// TouchLastUpdated stamps lastUpdated with the store's clock.
	TouchLastUpdated bool
}

// Apply merges p into c; now is the store-assigned timestamp.
func (p ConversationPatch) Apply(c *model.Conversation, now time.Time) {
	if len(p.Participants) > 0 {
		c.Participants = append([]string(nil), p.Participants...)
	}
	if p.LastMessage != nil {
		c.LastMessage = *p.LastMessage
	}
	if p.TouchLastUpdated {
		c.LastUpdated = now
	}
}

// NewMessage is the caller-supplied part of a message; the store assigns the
// id, the timestamp and seen=false.
type NewMessage struct {
	Text string
	From string
}

// MessageQuery selects messages newest-first. Limit <= 0 means no limit.
// Before, when set, keeps only messages strictly older than the cursor.
type MessageQuery struct {
	Limit  int
	Before *model.Cursor
}

// Users is the users collection.
type Users interface {
	GetUser(ctx context.Context, uid string) (*model.User, error)
	UpsertUser(ctx context.Context, uid string, patch UserPatch) error
	// WatchUser delivers the document on every change; nil while it does not exist.
	WatchUser(uid string, fn func(*model.User)) (*Subscription, error)
	WatchUsers(fn func([]model.User)) (*Subscription, error)
}

// Conversations is the chats collection.
type Conversations interface {
	GetConversation(ctx context.Context, id string) (*model.Conversation, error)
	UpsertConversation(ctx context.Context, id string, patch ConversationPatch) error
}

// Messages is the per-conversation messages sub-collection.
type Messages interface {
	AddMessage(ctx context.Context, conversationID string, msg NewMessage) (*model.Message, error)
	// MarkSeen merges {seen: true}. Nothing writes seen back to false.
	MarkSeen(ctx context.Context, conversationID, messageID string) error
	QueryMessages(ctx context.Context, conversationID string, q MessageQuery) ([]model.Message, error)
	WatchMessages(conversationID string, q MessageQuery, fn func([]model.Message)) (*Subscription, error)
}

// Store is the full document store.
type Store interface {
	Users
	Conversations
	Messages
}
