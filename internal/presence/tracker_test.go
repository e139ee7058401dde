package presence

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bwchat/realtime-dm/internal/store"
	"github.com/bwchat/realtime-dm/pkg/logger"
)

type writeLog struct {
	mu     sync.Mutex
	writes []bool
	err    error
}

func (w *writeLog) UpsertUser(ctx context.Context, uid string, patch store.UserPatch) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if patch.Online != nil {
		w.writes = append(w.writes, *patch.Online)
	}
	return w.err
}

func (w *writeLog) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.writes)
}

// last reports the most recent write; ok is false when nothing was written.
func (w *writeLog) last() (online, ok bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.writes) == 0 {
		return false, false
	}
	return w.writes[len(w.writes)-1], true
}

type visibility struct{ v atomic.Bool }

func newVisibility(v bool) *visibility {
	vis := &visibility{}
	vis.v.Store(v)
	return vis
}

func (v *visibility) IsVisible() bool { return v.v.Load() }

func lastWriteIs(w *writeLog, online bool) func() bool {
	return func() bool {
		got, ok := w.last()
		return ok && got == online
	}
}

func newTestTracker(w *writeLog, vis Visibility, clk clock.Clock, cfg TrackerConfig) *Tracker {
	tr := NewTracker("u1", w, vis, clk, cfg, logger.Nop())
	tr.Start()
	return tr
}

func TestTracker_ThrottlesActivityWrites(t *testing.T) {
	clk := clock.NewMock()
	w := &writeLog{}
	tr := newTestTracker(w, newVisibility(true), clk, TrackerConfig{})
	defer tr.Stop()

	for i := 0; i < 5; i++ {
		tr.Activity()
		clk.Add(400 * time.Millisecond)
	}

	require.Eventually(t, func() bool { return w.count() == 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, w.count())

	clk.Add(10 * time.Second)
	tr.Activity()
	require.Eventually(t, func() bool { return w.count() == 2 }, time.Second, time.Millisecond)
}

func TestTracker_IdleTimeoutWritesOffline(t *testing.T) {
	clk := clock.NewMock()
	w := &writeLog{}
	tr := newTestTracker(w, newVisibility(true), clk, TrackerConfig{})
	defer tr.Stop()

	tr.Activity()
	require.Eventually(t, lastWriteIs(w, true), time.Second, time.Millisecond)

	clk.Add(DefaultIdleTimeout)

	require.Eventually(t, lastWriteIs(w, false), time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return tr.State() == StateIdle }, time.Second, time.Millisecond)
}

func TestTracker_ActivityRearmsIdleTimer(t *testing.T) {
	clk := clock.NewMock()
	w := &writeLog{}
	tr := newTestTracker(w, newVisibility(true), clk, TrackerConfig{Heartbeat: time.Hour})
	defer tr.Stop()

	clk.Add(50 * time.Second)
	tr.Activity()
	clk.Add(50 * time.Second)

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, StateActive, tr.State())
	online, ok := w.last()
	require.True(t, ok)
	assert.True(t, online)
}

func TestTracker_VisibilityWritesImmediately(t *testing.T) {
	clk := clock.NewMock()
	w := &writeLog{}
	tr := newTestTracker(w, newVisibility(true), clk, TrackerConfig{})
	defer tr.Stop()

	tr.VisibilityChanged(false)
	require.Eventually(t, lastWriteIs(w, false), time.Second, time.Millisecond)
	assert.Equal(t, StateIdle, tr.State())

	tr.VisibilityChanged(true)
	require.Eventually(t, lastWriteIs(w, true), time.Second, time.Millisecond)
	assert.Equal(t, StateActive, tr.State())
}

func TestTracker_HeartbeatOnlyWhileVisible(t *testing.T) {
	clk := clock.NewMock()
	w := &writeLog{}
	vis := newVisibility(true)
	tr := newTestTracker(w, vis, clk, TrackerConfig{IdleTimeout: time.Hour})
	defer tr.Stop()

	clk.Add(DefaultHeartbeat)
	require.Eventually(t, func() bool { return w.count() == 1 }, time.Second, time.Millisecond)

	vis.v.Store(false)
	clk.Add(DefaultHeartbeat)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, w.count())
}

func TestTracker_NoHeartbeatWhileIdle(t *testing.T) {
	clk := clock.NewMock()
	w := &writeLog{}
	tr := newTestTracker(w, newVisibility(true), clk, TrackerConfig{IdleTimeout: 45 * time.Second})
	defer tr.Stop()

	tr.Activity()
	require.Eventually(t, lastWriteIs(w, true), time.Second, time.Millisecond)
	clk.Add(45 * time.Second)
	require.Eventually(t, func() bool { return tr.State() == StateIdle }, time.Second, time.Millisecond)
	require.Eventually(t, lastWriteIs(w, false), time.Second, time.Millisecond)

	n := w.count()
	clk.Add(3 * DefaultHeartbeat)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, n, w.count(), "a visible but idle device does not refresh lastSeen")
}

func TestTracker_StopPublishesOffline(t *testing.T) {
	clk := clock.NewMock()
	w := &writeLog{}
	tr := newTestTracker(w, newVisibility(true), clk, TrackerConfig{})

	tr.Activity()
	tr.Stop()

	online, ok := w.last()
	require.True(t, ok)
	assert.False(t, online)

	n := w.count()
	tr.Activity()
	clk.Add(2 * DefaultIdleTimeout)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, n, w.count())

	tr.Stop()
}

func TestTracker_WriteFailuresAreSwallowed(t *testing.T) {
	clk := clock.NewMock()
	w := &writeLog{err: assert.AnError}
	tr := newTestTracker(w, newVisibility(true), clk, TrackerConfig{})

	tr.Activity()
	require.Eventually(t, func() bool { return w.count() == 1 }, time.Second, time.Millisecond)
	assert.NotPanics(t, tr.Stop)
}
