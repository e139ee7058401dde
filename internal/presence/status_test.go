package presence

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/bwchat/realtime-dm/internal/model"
)

func TestDerive(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name   string
		user   *model.User
		online bool
	}{
		{"fresh heartbeat", &model.User{Online: true, LastSeen: now.Add(-30 * time.Second)}, true},
		{"stale heartbeat", &model.User{Online: true, LastSeen: now.Add(-90 * time.Second)}, false},
		{"exactly at window", &model.User{Online: true, LastSeen: now.Add(-60 * time.Second)}, false},
		{"flag cleared", &model.User{Online: false, LastSeen: now.Add(-time.Second)}, false},
		{"never seen", &model.User{Online: true}, false},
		{"missing record", nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.online, Derive(tt.user, now, DefaultFreshnessWindow).Online)
		})
	}
}

func TestStatusLabel(t *testing.T) {
	seen := time.Date(2024, 5, 1, 9, 5, 0, 0, time.Local)

	assert.Equal(t, "Online", Status{Online: true, LastSeen: seen}.Label())
	assert.Equal(t, "Last seen 09:05", Status{LastSeen: seen}.Label())
	assert.Equal(t, "Offline", Status{}.Label())
}

func TestStatusLabel_UsesServerLocalZone(t *testing.T) {
	// 23:30 in UTC+14 is 09:30 UTC; the label follows time.Local, not the
	// zone the timestamp was written in.
	seen := time.Date(2024, 5, 1, 23, 30, 0, 0, time.FixedZone("LINT", 14*3600))
	want := "Last seen " + seen.In(time.Local).Format("15:04")

	assert.Equal(t, want, Status{LastSeen: seen}.Label())
	assert.Equal(t, want, Status{LastSeen: seen}.Event("u1").Label)
	assert.True(t, seen.Equal(Status{LastSeen: seen}.Event("u1").LastSeen))
}

func TestStatusEvent(t *testing.T) {
	seen := time.Date(2024, 5, 1, 9, 5, 0, 0, time.UTC)
	ev := Status{LastSeen: seen}.Event("u2")

	assert.Equal(t, "u2", ev.UserID)
	assert.False(t, ev.Online)
	assert.Equal(t, seen, ev.LastSeen)
	assert.Contains(t, ev.Label, "Last seen")
}
