package model

import (
	"time"
)

// EventType names an event pushed to a device over its event stream.
type EventType string

const (
	EventConnected         EventType = "connected"
	EventDirectory         EventType = "directory"
	EventTimeline          EventType = "timeline"
	EventPresence          EventType = "presence"
	EventNotification      EventType = "notification"
	EventChime             EventType = "chime"
	EventPermissionRequest EventType = "permission_request"
	EventConversationOpen  EventType = "conversation_opened"
	EventConversationClose EventType = "conversation_closed"
	EventHeartbeat         EventType = "heartbeat"
	EventSignedOut         EventType = "signed_out"
)

// Event is one item on a device event stream.
type Event struct {
	Type EventType `json:"type"`
	Data any       `json:"data,omitempty"`
}

// TimelineEvent carries the open conversation's view.
type TimelineEvent struct {
	ConversationID string    `json:"conversation_id"`
	PartnerID      string    `json:"partner_id"`
	Messages       []Message `json:"messages"`
	NewCount       int       `json:"new_count"`
	HasMore        bool      `json:"has_more"`
}

// ConversationEvent announces the conversation the device has open.
type ConversationEvent struct {
	ConversationID string `json:"conversation_id"`
	Partner        *User  `json:"partner,omitempty"`
}

// PresenceEvent carries the derived status of the open conversation's partner.
type PresenceEvent struct {
	UserID   string    `json:"user_id"`
	Online   bool      `json:"online"`
	LastSeen time.Time `json:"last_seen,omitempty"`
	// Label is formatted in server-local time. Use LastSeen for display in
	// the viewer's zone.
	Label string `json:"label"`
}

// NotificationEvent asks the device to show a platform notification.
type NotificationEvent struct {
	Title      string `json:"title"`
	Body       string `json:"body"`
	Icon       string `json:"icon"`
	RoutingKey string `json:"routing_key"`
}

// ErrorEvent represents an error event.
type ErrorEvent struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// HeartbeatEvent represents a heartbeat event.
type HeartbeatEvent struct {
	Timestamp time.Time `json:"timestamp"`
}
