package directory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bwchat/realtime-dm/internal/conversation"
	"github.com/bwchat/realtime-dm/internal/model"
	"github.com/bwchat/realtime-dm/internal/store"
	"github.com/bwchat/realtime-dm/pkg/logger"
)

const (
	waitFor = 2 * time.Second
	tick    = time.Millisecond
)

func seedUsers(t *testing.T, mem *store.Memory, names map[string]string) {
	t.Helper()
	for uid, name := range names {
		name := name
		require.NoError(t, mem.UpsertUser(context.Background(), uid, store.UserPatch{Name: &name}))
	}
}

func touch(t *testing.T, mem *store.Memory, id string) {
	t.Helper()
	last := "hi"
	require.NoError(t, mem.UpsertConversation(context.Background(), id, store.ConversationPatch{
		LastMessage:      &last,
		TouchLastUpdated: true,
	}))
}

func uids(entries []model.DirectoryEntry) []string {
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.User.UID)
	}
	return out
}

func newAggregator(t *testing.T, mem *store.Memory, onChange func([]model.DirectoryEntry)) *Aggregator {
	t.Helper()
	a, err := New(mem, conversation.NewResolver(mem, true), "u1", onChange, logger.Nop())
	require.NoError(t, err)
	t.Cleanup(a.Close)
	return a
}

func TestAggregator_RanksByRecency(t *testing.T) {
	mem := store.NewMemory(nil)
	seedUsers(t, mem, map[string]string{"u1": "Ada", "u2": "Grace", "u3": "Alan", "u4": "Barbara"})
	touch(t, mem, "u1_u3")
	touch(t, mem, "u1_u4")

	a := newAggregator(t, mem, nil)

	require.Eventually(t, func() bool { return len(a.Entries()) == 3 }, waitFor, tick)
	entries := a.Entries()
	assert.Equal(t, []string{"u4", "u3", "u2"}, uids(entries))
	assert.True(t, entries[2].LastUpdated.IsZero())
	assert.Equal(t, "u1_u2", entries[2].ConversationID)
}

func TestAggregator_CountsInboundUnseenOnly(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory(nil)
	seedUsers(t, mem, map[string]string{"u1": "Ada", "u2": "Grace"})

	a := newAggregator(t, mem, nil)
	require.Eventually(t, func() bool { return len(a.Entries()) == 1 }, waitFor, tick)

	first, err := mem.AddMessage(ctx, "u1_u2", store.NewMessage{Text: "one", From: "u2"})
	require.NoError(t, err)
	_, err = mem.AddMessage(ctx, "u1_u2", store.NewMessage{Text: "two", From: "u2"})
	require.NoError(t, err)
	_, err = mem.AddMessage(ctx, "u1_u2", store.NewMessage{Text: "mine", From: "u1"})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return a.Unread("u2") == 2 }, waitFor, tick)

	require.NoError(t, mem.MarkSeen(ctx, "u1_u2", first.ID))
	require.Eventually(t, func() bool { return a.Unread("u2") == 1 }, waitFor, tick)
	assert.Equal(t, 1, a.Entries()[0].Unread)
}

func TestAggregator_FilterTearsDownCounters(t *testing.T) {
	mem := store.NewMemory(nil)
	seedUsers(t, mem, map[string]string{"u1": "Ada", "u2": "Grace", "u3": "Alan", "u4": "Barbara"})

	a := newAggregator(t, mem, nil)
	require.Eventually(t, func() bool { return len(a.Entries()) == 3 }, waitFor, tick)

	a.mu.Lock()
	before := a.counters["u2"]
	assert.Len(t, a.counters, 3)
	a.mu.Unlock()

	a.SetFilter(context.Background(), "gRa")
	assert.Equal(t, []string{"u2"}, uids(a.Entries()))

	a.mu.Lock()
	assert.Len(t, a.counters, 1)
	assert.Same(t, before, a.counters["u2"], "surviving counter is kept, not rebuilt")
	a.mu.Unlock()

	a.SetFilter(context.Background(), "")
	assert.Len(t, a.Entries(), 3)
	a.mu.Lock()
	assert.Len(t, a.counters, 3)
	a.mu.Unlock()
}

func TestAggregator_FilterMatchesStoredNameOnly(t *testing.T) {
	mem := store.NewMemory(nil)
	seedUsers(t, mem, map[string]string{"u1": "Ada", "u2": "Grace"})
	email := "nameless@example.com"
	require.NoError(t, mem.UpsertUser(context.Background(), "u3", store.UserPatch{Email: &email}))

	a := newAggregator(t, mem, nil)
	require.Eventually(t, func() bool { return len(a.Entries()) == 2 }, waitFor, tick)

	// "User" is only the display fallback for a missing name.
	a.SetFilter(context.Background(), "user")
	assert.Empty(t, a.Entries())

	a.SetFilter(context.Background(), "grace")
	assert.Equal(t, []string{"u2"}, uids(a.Entries()))
}

func TestAggregator_FollowsNewUsers(t *testing.T) {
	mem := store.NewMemory(nil)
	seedUsers(t, mem, map[string]string{"u1": "Ada"})

	var mu sync.Mutex
	var last []model.DirectoryEntry
	a := newAggregator(t, mem, func(entries []model.DirectoryEntry) {
		mu.Lock()
		last = entries
		mu.Unlock()
	})

	seedUsers(t, mem, map[string]string{"u9": "Linus"})
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(last) == 1 && last[0].User.UID == "u9"
	}, waitFor, tick)
	assert.Equal(t, []string{"u9"}, uids(a.Entries()))
}

func TestAggregator_CloseCancelsCounters(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory(nil)
	seedUsers(t, mem, map[string]string{"u1": "Ada", "u2": "Grace"})

	var mu sync.Mutex
	calls := 0
	a := newAggregator(t, mem, func([]model.DirectoryEntry) {
		mu.Lock()
		calls++
		mu.Unlock()
	})
	require.Eventually(t, func() bool { return len(a.Entries()) == 1 }, waitFor, tick)

	a.Close()
	mu.Lock()
	seen := calls
	mu.Unlock()

	_, err := mem.AddMessage(ctx, "u1_u2", store.NewMessage{Text: "late", From: "u2"})
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond)

	mu.Lock()
	assert.Equal(t, seen, calls)
	mu.Unlock()
	assert.Zero(t, a.Unread("u2"))
}
