package model

import (
	"time"
)

// Conversation is a record in the chats collection. Its ID is derived from the
// two participant ids.
type Conversation struct {
	ID           string    `json:"id"`
	Participants []string  `json:"participants"`
	LastMessage  string    `json:"lastMessage"`
	LastUpdated  time.Time `json:"lastUpdated"`
}

// Partner returns the participant that is not self, or "" when self is not a
// participant.
func (c *Conversation) Partner(self string) string {
	if len(c.Participants) != 2 {
		return ""
	}
	switch self {
	case c.Participants[0]:
		return c.Participants[1]
	case c.Participants[1]:
		return c.Participants[0]
	}
	return ""
}

// DirectoryEntry is one ranked row of the user directory.
type DirectoryEntry struct {
	User           User      `json:"user"`
	ConversationID string    `json:"conversation_id"`
	LastUpdated    time.Time `json:"last_updated"`
	Unread         int       `json:"unread"`
}
