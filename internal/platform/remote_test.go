package platform

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bwchat/realtime-dm/internal/model"
)

type recorder struct {
	mu     sync.Mutex
	events []model.Event
}

func (r *recorder) emit(ev model.Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recorder) count(typ model.EventType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Type == typ {
			n++
		}
	}
	return n
}

func TestRemote_RequestPermissionWaitsForAnswer(t *testing.T) {
	rec := &recorder{}
	r := NewRemote(rec.emit, time.Second)

	done := make(chan Permission, 1)
	go func() {
		p, err := r.RequestPermission(context.Background())
		assert.NoError(t, err)
		done <- p
	}()

	require.Eventually(t, func() bool { return rec.count(model.EventPermissionRequest) == 1 },
		time.Second, time.Millisecond)
	r.SetPermission(PermissionGranted)

	select {
	case p := <-done:
		assert.Equal(t, PermissionGranted, p)
	case <-time.After(time.Second):
		t.Fatal("request did not return")
	}

	p, err := r.RequestPermission(context.Background())
	require.NoError(t, err)
	assert.Equal(t, PermissionGranted, p)
	assert.Equal(t, 1, rec.count(model.EventPermissionRequest))
}

func TestRemote_RequestPermissionTimesOut(t *testing.T) {
	rec := &recorder{}
	r := NewRemote(rec.emit, 10*time.Millisecond)

	p, err := r.RequestPermission(context.Background())
	require.NoError(t, err)
	assert.Equal(t, PermissionDefault, p)

	_, _ = r.RequestPermission(context.Background())
	assert.Equal(t, 2, rec.count(model.EventPermissionRequest))
}

func TestRemote_NotifyAndChimeEmitEvents(t *testing.T) {
	rec := &recorder{}
	r := NewRemote(rec.emit, time.Second)

	require.NoError(t, r.PlayChime(context.Background()))
	require.NoError(t, r.Notify(context.Background(), Notification{Title: "t", RoutingKey: "a_b"}))

	assert.Equal(t, 1, rec.count(model.EventChime))
	assert.Equal(t, 1, rec.count(model.EventNotification))

	assert.True(t, r.IsVisible())
	r.SetVisible(false)
	assert.False(t, r.IsVisible())
}
