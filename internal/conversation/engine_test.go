package conversation

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bwchat/realtime-dm/internal/model"
	"github.com/bwchat/realtime-dm/internal/platform"
	"github.com/bwchat/realtime-dm/internal/store"
	"github.com/bwchat/realtime-dm/pkg/apperr"
	"github.com/bwchat/realtime-dm/pkg/logger"
)

const (
	waitFor = 2 * time.Second
	tick    = time.Millisecond
)

type recordingStore struct {
	*store.Memory

	mu      sync.Mutex
	ops     []string
	gate    chan struct{}
	entered chan struct{}
}

func (s *recordingStore) record(op string) {
	s.mu.Lock()
	s.ops = append(s.ops, op)
	s.mu.Unlock()
}

func (s *recordingStore) count(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, o := range s.ops {
		if o == op {
			n++
		}
	}
	return n
}

func (s *recordingStore) AddMessage(ctx context.Context, id string, msg store.NewMessage) (*model.Message, error) {
	s.record("AddMessage")
	return s.Memory.AddMessage(ctx, id, msg)
}

func (s *recordingStore) UpsertConversation(ctx context.Context, id string, patch store.ConversationPatch) error {
	s.record("UpsertConversation")
	return s.Memory.UpsertConversation(ctx, id, patch)
}

func (s *recordingStore) MarkSeen(ctx context.Context, id, msgID string) error {
	s.record("MarkSeen")
	return s.Memory.MarkSeen(ctx, id, msgID)
}

func (s *recordingStore) QueryMessages(ctx context.Context, id string, q store.MessageQuery) ([]model.Message, error) {
	s.record("QueryMessages")
	if s.gate != nil {
		s.entered <- struct{}{}
		<-s.gate
	}
	return s.Memory.QueryMessages(ctx, id, q)
}

type notifierLog struct {
	mu   sync.Mutex
	sent []platform.Notification
}

func (n *notifierLog) Dispatch(ctx context.Context, note platform.Notification) {
	n.mu.Lock()
	n.sent = append(n.sent, note)
	n.mu.Unlock()
}

func (n *notifierLog) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.sent)
}

type fixture struct {
	mem      *store.Memory
	st       *recordingStore
	resolver *Resolver
	notes    *notifierLog
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mem := store.NewMemory(nil)
	for uid, name := range map[string]string{"u1": "Ada", "u2": "Grace"} {
		name := name
		require.NoError(t, mem.UpsertUser(context.Background(), uid, store.UserPatch{Name: &name}))
	}
	return &fixture{
		mem:      mem,
		st:       &recordingStore{Memory: mem},
		resolver: NewResolver(mem, true),
		notes:    &notifierLog{},
	}
}

func (f *fixture) open(t *testing.T, self, other string, opts Options) *Engine {
	t.Helper()
	e, err := Open(context.Background(), f.st, f.resolver, f.notes, self, other, opts, logger.Nop())
	require.NoError(t, err)
	t.Cleanup(e.Close)
	return e
}

func (f *fixture) seed(t *testing.T, from string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		_, err := f.mem.AddMessage(context.Background(), "u1_u2", store.NewMessage{
			Text: fmt.Sprintf("m%02d", i),
			From: from,
		})
		require.NoError(t, err)
	}
}

func timelineLen(e *Engine, n int) func() bool {
	return func() bool { return len(e.Timeline().Messages) == n }
}

func TestEngine_SendRejectsBlankWithoutStoreCall(t *testing.T) {
	f := newFixture(t)
	e := f.open(t, "u1", "u2", Options{})

	for _, text := range []string{"", "   ", "\n\t"} {
		_, err := e.Send(context.Background(), text)
		assert.True(t, apperr.Is(err, apperr.CodeInvalidArgument))
	}
	assert.Zero(t, f.st.count("AddMessage"))
	assert.Zero(t, f.st.count("UpsertConversation"))
}

func TestEngine_SendWritesMessageThenConversation(t *testing.T) {
	f := newFixture(t)
	e := f.open(t, "u2", "u1", Options{})

	msg, err := e.Send(context.Background(), "  hello  ")
	require.NoError(t, err)
	assert.Equal(t, "hello", msg.Text)
	assert.Equal(t, "u2", msg.From)
	assert.False(t, msg.Seen)

	assert.Equal(t, []string{"AddMessage", "UpsertConversation"}, f.st.ops)

	conv, err := f.mem.GetConversation(context.Background(), "u1_u2")
	require.NoError(t, err)
	assert.Equal(t, []string{"u1", "u2"}, conv.Participants)
	assert.Equal(t, "hello", conv.LastMessage)
	assert.False(t, conv.LastUpdated.IsZero())
}

func TestEngine_SendFailureSurfaces(t *testing.T) {
	f := newFixture(t)
	e := f.open(t, "u1", "u2", Options{})

	f.mem.FailNext("AddMessage", assert.AnError)
	_, err := e.Send(context.Background(), "hello")
	assert.True(t, apperr.Is(err, apperr.CodeTransientStore))
	assert.Zero(t, f.st.count("UpsertConversation"))
}

func TestEngine_SendSurvivesMetadataFailure(t *testing.T) {
	f := newFixture(t)
	e := f.open(t, "u1", "u2", Options{})

	f.mem.FailNext("UpsertConversation", assert.AnError)
	msg, err := e.Send(context.Background(), "hello")
	require.NoError(t, err)
	assert.NotEmpty(t, msg.ID)
}

func TestEngine_PaginatesUntilExhausted(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "u1", 60)
	e := f.open(t, "u1", "u2", Options{})

	require.Eventually(t, timelineLen(e, 25), waitFor, tick)
	assert.True(t, e.Timeline().HasMore)

	n, err := e.LoadOlder(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 25, n)
	assert.True(t, e.Timeline().HasMore)

	n, err = e.LoadOlder(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 10, n)
	assert.False(t, e.Timeline().HasMore)

	queries := f.st.count("QueryMessages")
	n, err = e.LoadOlder(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, queries, f.st.count("QueryMessages"))

	tl := e.Timeline()
	require.Len(t, tl.Messages, 60)
	assert.Equal(t, "m59", tl.Messages[0].Text)
	assert.Equal(t, "m00", tl.Messages[59].Text)

	chrono := tl.Chronological()
	assert.Equal(t, "m00", chrono[0].Text)
	assert.Equal(t, "m59", chrono[59].Text)
	assert.Equal(t, "m59", tl.Messages[0].Text, "Chronological must not modify the timeline")
}

func TestEngine_ShortHistoryHasNoMore(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "u1", 3)
	e := f.open(t, "u1", "u2", Options{})

	require.Eventually(t, timelineLen(e, 3), waitFor, tick)
	assert.False(t, e.Timeline().HasMore)

	n, err := e.LoadOlder(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Zero(t, f.st.count("QueryMessages"))
}

func TestEngine_LoadOlderDoesNotOverlap(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "u1", 30)
	f.st.gate = make(chan struct{})
	f.st.entered = make(chan struct{}, 1)
	e := f.open(t, "u1", "u2", Options{})
	require.Eventually(t, timelineLen(e, 25), waitFor, tick)

	done := make(chan int, 1)
	go func() {
		n, err := e.LoadOlder(context.Background())
		assert.NoError(t, err)
		done <- n
	}()
	<-f.st.entered

	n, err := e.LoadOlder(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)

	close(f.st.gate)
	assert.Equal(t, 5, <-done)
	assert.Equal(t, 1, f.st.count("QueryMessages"))
}

func TestEngine_MarksInboundSeen(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "u2", 3)
	f.seed(t, "u1", 2)

	var mu sync.Mutex
	var counts []int
	e := f.open(t, "u1", "u2", Options{OnChange: func(tl Timeline) {
		mu.Lock()
		counts = append(counts, tl.NewCount)
		mu.Unlock()
	}})

	require.Eventually(t, func() bool {
		msgs, err := f.mem.QueryMessages(context.Background(), "u1_u2", store.MessageQuery{})
		return err == nil && model.CountUnseenFrom(msgs, "u2") == 0
	}, waitFor, tick)

	require.Eventually(t, func() bool { return e.Timeline().NewCount == 0 }, waitFor, tick)

	msgs, err := f.mem.QueryMessages(context.Background(), "u1_u2", store.MessageQuery{})
	require.NoError(t, err)
	for _, m := range msgs {
		if m.From == "u1" {
			assert.False(t, m.Seen, "own messages are never marked by their sender")
		}
	}

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, counts)
	assert.Equal(t, 3, counts[0])
}

func TestEngine_NotifiesOncePerMessage(t *testing.T) {
	f := newFixture(t)
	f.mem.FailNext("MarkSeen", assert.AnError)
	f.seed(t, "u2", 1)

	e := f.open(t, "u1", "u2", Options{})
	require.Eventually(t, func() bool { return f.notes.count() == 1 }, waitFor, tick)

	// A replayed snapshot still holding the message as unseen.
	replay, err := f.mem.QueryMessages(context.Background(), "u1_u2", store.MessageQuery{Limit: DefaultBatchSize})
	require.NoError(t, err)
	for i := range replay {
		replay[i].Seen = false
	}
	e.onSnapshot(replay)
	e.onSnapshot(replay)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, f.notes.count())

	f.notes.mu.Lock()
	note := f.notes.sent[0]
	f.notes.mu.Unlock()
	assert.Equal(t, "New message from Grace", note.Title)
	assert.Equal(t, "m00", note.Body)
	assert.Equal(t, "u1_u2", note.RoutingKey)
}

func TestEngine_NotifiesNewInboundButNotOwn(t *testing.T) {
	f := newFixture(t)
	e := f.open(t, "u1", "u2", Options{})
	require.Eventually(t, func() bool { return e.Timeline().ConversationID == "u1_u2" }, waitFor, tick)

	_, err := e.Send(context.Background(), "mine")
	require.NoError(t, err)
	require.Eventually(t, timelineLen(e, 1), waitFor, tick)
	assert.Zero(t, f.notes.count())

	_, err = f.mem.AddMessage(context.Background(), "u1_u2", store.NewMessage{Text: "theirs", From: "u2"})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return f.notes.count() == 1 }, waitFor, tick)
}

func TestEngine_CloseStopsEverything(t *testing.T) {
	f := newFixture(t)
	var mu sync.Mutex
	calls := 0
	e := f.open(t, "u1", "u2", Options{OnChange: func(Timeline) {
		mu.Lock()
		calls++
		mu.Unlock()
	}})
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return calls == 1
	}, waitFor, tick)

	e.Close()
	e.Close()

	_, err := f.mem.AddMessage(context.Background(), "u1_u2", store.NewMessage{Text: "late", From: "u2"})
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond)

	mu.Lock()
	assert.Equal(t, 1, calls)
	mu.Unlock()
	assert.Zero(t, f.notes.count())

	_, err = e.Send(context.Background(), "hi")
	assert.ErrorIs(t, err, ErrClosed)
	_, err = e.LoadOlder(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
}

func TestOpen_MissingPartnerStartsNothing(t *testing.T) {
	f := newFixture(t)

	_, err := Open(context.Background(), f.st, f.resolver, f.notes, "u1", "ghost", Options{}, logger.Nop())
	assert.True(t, apperr.Is(err, apperr.CodeNotFound))
}

func TestTimelineEventIsChronological(t *testing.T) {
	now := time.Now()
	tl := Timeline{
		ConversationID: "u1_u2",
		Messages: []model.Message{
			{ID: "b", TS: now},
			{ID: "a", TS: now.Add(-time.Second)},
		},
	}
	ev := tl.Event()
	assert.Equal(t, "a", ev.Messages[0].ID)
	assert.Equal(t, "b", ev.Messages[1].ID)
}

func TestEngine_SeenIsAppliedToOlderPages(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "u2", 30)
	e := f.open(t, "u1", "u2", Options{})

	require.Eventually(t, timelineLen(e, 25), waitFor, tick)
	n, err := e.LoadOlder(context.Background())
	require.NoError(t, err)
	require.Equal(t, 5, n)

	require.Eventually(t, func() bool {
		return model.CountUnseenFrom(e.Timeline().Messages, "u2") == 0
	}, waitFor, tick, "older pages reflect their own seen writes")

	msgs, err := f.mem.QueryMessages(context.Background(), "u1_u2", store.MessageQuery{})
	require.NoError(t, err)
	assert.Zero(t, model.CountUnseenFrom(msgs, "u2"))

	marks := f.st.count("MarkSeen")
	assert.Equal(t, 30, marks, "each inbound message is written once")

	for i := 0; i < 5; i++ {
		_, err := e.Send(context.Background(), fmt.Sprintf("reply %d", i))
		require.NoError(t, err)
	}
	require.Eventually(t, timelineLen(e, 35), waitFor, tick)
	e.MarkSeen()
	assert.Equal(t, marks, f.st.count("MarkSeen"), "later snapshots do not re-mark")
}
