package conversation

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/bwchat/realtime-dm/internal/model"
	"github.com/bwchat/realtime-dm/internal/notify"
	"github.com/bwchat/realtime-dm/internal/platform"
	"github.com/bwchat/realtime-dm/internal/store"
	"github.com/bwchat/realtime-dm/pkg/apperr"
	"github.com/bwchat/realtime-dm/pkg/logger"
	"github.com/bwchat/realtime-dm/pkg/metrics"
)

// DefaultBatchSize is the size of the live window and of every older page.
const DefaultBatchSize = 25

// ErrClosed is returned by operations on a closed engine.
var ErrClosed = apperr.InvalidArg("conversation is closed")

// Store is the part of the document store the engine uses.
type Store interface {
	store.Messages
	UpsertConversation(ctx context.Context, id string, patch store.ConversationPatch) error
}

// Notifier alerts the user about an inbound message.
type Notifier interface {
	Dispatch(ctx context.Context, n platform.Notification)
}

// Options tunes an engine. Zero values use the defaults.
type Options struct {
	BatchSize    int
	WriteTimeout time.Duration

	// OnChange receives every new timeline. Calls are serialized and a
	// timeline is never delivered after a newer one.
	OnChange func(Timeline)
}

// Timeline is the view of the open conversation. Messages are newest-first.
type Timeline struct {
	ConversationID string
	PartnerID      string
	Messages       []model.Message
	NewCount       int
	HasMore        bool
}

// Chronological returns the messages in reading order, newest last.
func (t Timeline) Chronological() []model.Message {
	out := slices.Clone(t.Messages)
	slices.Reverse(out)
	return out
}

// Event converts t into the stream payload. Messages are sent in reading order.
func (t Timeline) Event() *model.TimelineEvent {
	return &model.TimelineEvent{
		ConversationID: t.ConversationID,
		PartnerID:      t.PartnerID,
		Messages:       t.Chronological(),
		NewCount:       t.NewCount,
		HasMore:        t.HasMore,
	}
}

// Engine runs the timeline of one open conversation: a live subscription to
// the newest batch, older pages on demand, sends, seen receipts and
// notifications for inbound messages.
type Engine struct {
	self     string
	target   Target
	store    Store
	notifier Notifier
	opts     Options
	logger   *logger.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu           sync.Mutex
	sub          *store.Subscription
	known        map[string]model.Message
	live         []model.Message
	loaded       bool
	hasMore      bool
	loading      bool
	closed       bool
	lastNotified string
	marking      map[string]struct{}
	version      uint64

	publishMu sync.Mutex
	published uint64
}

// Open resolves the conversation between self and other and subscribes to
// its newest messages. A partner that does not exist fails with NOT_FOUND and
// leaves nothing running.
func Open(ctx context.Context, st Store, resolver *Resolver, notifier Notifier, self, other string, opts Options, log *logger.Logger) (*Engine, error) {
	target, err := resolver.Resolve(ctx, self, other)
	if err != nil {
		return nil, err
	}
	return OpenTarget(st, notifier, self, *target, opts, log)
}

// OpenTarget subscribes to an already resolved conversation.
func OpenTarget(st Store, notifier Notifier, self string, target Target, opts Options, log *logger.Logger) (*Engine, error) {
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 10 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		self:     self,
		target:   target,
		store:    st,
		notifier: notifier,
		opts:     opts,
		logger: logger.OrGlobal(log).Named("conversation").With(
			zap.String("conversation_id", target.ID),
			zap.String("user_id", self),
		),
		ctx:     ctx,
		cancel:  cancel,
		known:   make(map[string]model.Message),
		marking: make(map[string]struct{}),
	}

	// Hold the lock so a snapshot delivered before WatchMessages returns
	// finds e.sub set.
	e.mu.Lock()
	sub, err := st.WatchMessages(target.ID, store.MessageQuery{Limit: opts.BatchSize}, e.onSnapshot)
	if err != nil {
		e.mu.Unlock()
		cancel()
		return nil, apperr.Transient("subscribe to messages", err)
	}
	e.sub = sub
	e.mu.Unlock()

	e.logger.Debug("conversation opened")
	return e, nil
}

// ID returns the conversation id.
func (e *Engine) ID() string { return e.target.ID }

// Partner returns the other participant.
func (e *Engine) Partner() model.User { return e.target.Partner }

// Timeline returns the current view.
func (e *Engine) Timeline() Timeline {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.timelineLocked()
}

func (e *Engine) onSnapshot(msgs []model.Message) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}

	e.live = msgs
	for _, m := range msgs {
		// Seen only moves forward; a snapshot taken before our own write
		// landed must not undo it.
		if prev, ok := e.known[m.ID]; ok && prev.Seen {
			m.Seen = true
		}
		e.known[m.ID] = m
	}
	if !e.loaded {
		e.loaded = true
		e.hasMore = len(msgs) >= e.opts.BatchSize
	}

	if len(msgs) > 0 {
		newest := msgs[0]
		if newest.UnseenFrom(e.target.Partner.UID) && newest.ID != e.lastNotified {
			e.lastNotified = newest.ID
			e.goLocked(func(ctx context.Context) {
				e.notifier.Dispatch(ctx, notify.ForMessage(&e.target.Partner, newest, e.target.ID))
			})
		}
	}
	e.markSeenLocked()

	tl, v := e.bumpLocked()
	e.mu.Unlock()

	e.publish(tl, v)
}

// LoadOlder fetches the next page older than the oldest loaded message and
// returns how many messages it added. It is a no-op while another page is
// loading or once history is exhausted.
func (e *Engine) LoadOlder(ctx context.Context) (int, error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return 0, ErrClosed
	}
	if e.loading || !e.loaded || !e.hasMore {
		e.mu.Unlock()
		return 0, nil
	}
	oldest, ok := e.oldestLocked()
	if !ok {
		e.hasMore = false
		e.mu.Unlock()
		return 0, nil
	}
	e.loading = true
	e.mu.Unlock()

	cursor := oldest.Cursor()
	page, err := e.store.QueryMessages(ctx, e.target.ID, store.MessageQuery{
		Limit:  e.opts.BatchSize,
		Before: &cursor,
	})

	e.mu.Lock()
	e.loading = false
	if err != nil {
		e.mu.Unlock()
		return 0, apperr.Transient("load older messages", err)
	}
	if e.closed {
		e.mu.Unlock()
		return 0, ErrClosed
	}

	added := 0
	for _, m := range page {
		if _, ok := e.known[m.ID]; !ok {
			e.known[m.ID] = m
			added++
		}
	}
	if len(page) < e.opts.BatchSize {
		e.hasMore = false
	}
	e.markSeenLocked()
	tl, v := e.bumpLocked()
	e.mu.Unlock()

	e.publish(tl, v)
	return added, nil
}

// Send writes a message from self, then records it on the conversation.
// Blank input is rejected without touching the store. A failed metadata write
// only affects directory ordering, so it is logged and the send succeeds.
func (e *Engine) Send(ctx context.Context, text string) (*model.Message, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, apperr.InvalidArg("message is empty")
	}

	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}

	msg, err := e.store.AddMessage(ctx, e.target.ID, store.NewMessage{Text: text, From: e.self})
	if err != nil {
		metrics.MessagesTotal.WithLabelValues("error").Inc()
		return nil, apperr.Transient("send message", err)
	}
	metrics.MessagesTotal.WithLabelValues("sent").Inc()

	err = e.store.UpsertConversation(ctx, e.target.ID, store.ConversationPatch{
		Participants:     SortedPair(e.self, e.target.Partner.UID),
		LastMessage:      &text,
		TouchLastUpdated: true,
	})
	if err != nil {
		e.logger.Warn("conversation metadata write failed",
			zap.String("message_id", msg.ID),
			zap.Error(err),
		)
	}
	return msg, nil
}

// MarkSeen flips every loaded inbound unseen message to seen. Each message is
// written independently and failures are retried by the next sweep. It runs
// on every change of the loaded set.
func (e *Engine) MarkSeen() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.markSeenLocked()
}

// Close cancels the subscription and every background write.
func (e *Engine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	sub := e.sub
	e.mu.Unlock()

	sub.Cancel()
	e.cancel()
	e.wg.Wait()
	e.logger.Debug("conversation closed")
}

func (e *Engine) markSeenLocked() {
	partner := e.target.Partner.UID
	for id, m := range e.known {
		if !m.UnseenFrom(partner) {
			continue
		}
		if _, busy := e.marking[id]; busy {
			continue
		}
		e.marking[id] = struct{}{}
		id := id
		e.goLocked(func(ctx context.Context) {
			ctx, cancel := context.WithTimeout(ctx, e.opts.WriteTimeout)
			defer cancel()

			err := e.store.MarkSeen(ctx, e.target.ID, id)
			metrics.SeenMarksTotal.WithLabelValues(metrics.Result(err)).Inc()
			if err != nil {
				e.logger.Debug("mark seen failed", zap.String("message_id", id), zap.Error(err))
			}

			e.mu.Lock()
			delete(e.marking, id)
			m, ok := e.known[id]
			if err != nil || e.closed || !ok || m.Seen {
				e.mu.Unlock()
				return
			}
			m.Seen = true
			e.known[id] = m
			tl, v := e.bumpLocked()
			e.mu.Unlock()

			e.publish(tl, v)
		})
	}
}

// goLocked runs fn in the background under the engine's context. The caller
// holds e.mu and has checked that the engine is open.
func (e *Engine) goLocked(fn func(ctx context.Context)) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		fn(e.ctx)
	}()
}

func (e *Engine) oldestLocked() (model.Message, bool) {
	var oldest model.Message
	found := false
	for _, m := range e.known {
		if !found || model.CompareNewestFirst(m, oldest) > 0 {
			oldest = m
			found = true
		}
	}
	return oldest, found
}

func (e *Engine) timelineLocked() Timeline {
	msgs := make([]model.Message, 0, len(e.known))
	for _, m := range e.known {
		msgs = append(msgs, m)
	}
	slices.SortFunc(msgs, model.CompareNewestFirst)
	return Timeline{
		ConversationID: e.target.ID,
		PartnerID:      e.target.Partner.UID,
		Messages:       msgs,
		NewCount:       model.CountUnseenFrom(e.live, e.target.Partner.UID),
		HasMore:        e.hasMore,
	}
}

func (e *Engine) bumpLocked() (Timeline, uint64) {
	e.version++
	return e.timelineLocked(), e.version
}

func (e *Engine) publish(tl Timeline, version uint64) {
	if e.opts.OnChange == nil {
		return
	}
	e.publishMu.Lock()
	defer e.publishMu.Unlock()
	if version <= e.published {
		return
	}
	e.published = version
	e.opts.OnChange(tl)
}
