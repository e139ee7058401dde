package presence

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bwchat/realtime-dm/internal/store"
)

type statusLog struct {
	mu       sync.Mutex
	statuses []Status
}

func (l *statusLog) add(s Status) {
	l.mu.Lock()
	l.statuses = append(l.statuses, s)
	l.mu.Unlock()
}

func (l *statusLog) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.statuses)
}

func TestReader_RecomputesOnTimer(t *testing.T) {
	clk := clock.NewMock()
	clk.Set(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))
	mem := store.NewMemory(clk)

	online := true
	require.NoError(t, mem.UpsertUser(context.Background(), "u2", store.UserPatch{Online: &online, TouchLastSeen: true}))

	log := &statusLog{}
	r, err := Watch(mem, "u2", clk, ReaderConfig{}, log.add)
	require.NoError(t, err)
	defer r.Close()

	require.Eventually(t, func() bool { return r.Current().Online }, time.Second, time.Millisecond)

	// No record change: only the ticker can notice the heartbeat went stale.
	clk.Add(DefaultRecomputeInterval)
	clk.Add(DefaultRecomputeInterval)

	require.Eventually(t, func() bool { return !r.Current().Online }, time.Second, time.Millisecond)
	assert.Equal(t, "Last seen", r.Current().Label()[:len("Last seen")])
	assert.Equal(t, 2, log.len())
}

func TestReader_FollowsRecordUpdates(t *testing.T) {
	clk := clock.NewMock()
	clk.Set(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))
	mem := store.NewMemory(clk)

	r, err := Watch(mem, "u2", clk, ReaderConfig{}, nil)
	require.NoError(t, err)
	defer r.Close()

	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, "Offline", r.Current().Label())

	online := true
	require.NoError(t, mem.UpsertUser(context.Background(), "u2", store.UserPatch{Online: &online, TouchLastSeen: true}))
	require.Eventually(t, func() bool { return r.Current().Online }, time.Second, time.Millisecond)

	online = false
	require.NoError(t, mem.UpsertUser(context.Background(), "u2", store.UserPatch{Online: &online, TouchLastSeen: true}))
	require.Eventually(t, func() bool { return !r.Current().Online }, time.Second, time.Millisecond)
}

func TestReader_CloseStopsDelivery(t *testing.T) {
	clk := clock.NewMock()
	mem := store.NewMemory(clk)
	log := &statusLog{}

	r, err := Watch(mem, "u2", clk, ReaderConfig{}, log.add)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return log.len() == 1 }, time.Second, time.Millisecond)

	r.Close()
	r.Close()

	online := true
	require.NoError(t, mem.UpsertUser(context.Background(), "u2", store.UserPatch{Online: &online, TouchLastSeen: true}))
	clk.Add(DefaultRecomputeInterval)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, log.len())
}
