// Package presence publishes the signed-in user's liveness and derives the
// liveness of others from their user records.
package presence

import (
	"time"

	"github.com/bwchat/realtime-dm/internal/model"
)

// Defaults shared by the tracker and the reader.
const (
	DefaultIdleTimeout       = 60 * time.Second
	DefaultThrottle          = 10 * time.Second
	DefaultHeartbeat         = 30 * time.Second
	DefaultFreshnessWindow   = 60 * time.Second
	DefaultRecomputeInterval = 30 * time.Second
)

// Status is the derived presence of one user.
type Status struct {
	Online   bool
	LastSeen time.Time
}

// Derive reports u as online only when its flag is set and lastSeen is younger
// than window. A record that says online but stopped heartbeating is offline.
func Derive(u *model.User, now time.Time, window time.Duration) Status {
	if u == nil {
		return Status{}
	}
	online := u.Online && !u.LastSeen.IsZero() && now.Sub(u.LastSeen) < window
	return Status{Online: online, LastSeen: u.LastSeen}
}

// Label renders the header text: "Online", "Last seen HH:MM" or "Offline".
// The time is formatted in the server's local zone; clients showing their
// own zone should format LastSeen themselves.
func (s Status) Label() string {
	switch {
	case s.Online:
		return "Online"
	case !s.LastSeen.IsZero():
		return "Last seen " + s.LastSeen.Local().Format("15:04")
	default:
		return "Offline"
	}
}

// Event converts s into the stream payload for uid.
func (s Status) Event(uid string) *model.PresenceEvent {
	return &model.PresenceEvent{
		UserID:   uid,
		Online:   s.Online,
		LastSeen: s.LastSeen,
		Label:    s.Label(),
	}
}
