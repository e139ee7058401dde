package store

import (
	"slices"
	"sync"

	"github.com/bwchat/realtime-dm/internal/model"
	"github.com/bwchat/realtime-dm/pkg/metrics"
)

// Subscription is the handle of a live query. Its owner must Cancel it when
// the owning view closes.
type Subscription struct {
	kind   string
	cancel func()
	once   sync.Once
}

// NewSubscription wraps cancel in a handle. kind labels the live subscription
// gauge.
func NewSubscription(kind string, cancel func()) *Subscription {
	metrics.SubscriptionOpened(kind)
	return &Subscription{kind: kind, cancel: cancel}
}

// Cancel stops delivery. Safe to call more than once and on a nil handle.
func (s *Subscription) Cancel() {
	if s == nil {
		return
	}
	s.once.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
		metrics.SubscriptionClosed(s.kind)
	})
}

// Feed delivers values to a callback on its own goroutine, in push order.
// Values are full snapshots, so a value still pending when a newer one is
// pushed is replaced rather than queued. Push never blocks.
type Feed[T any] struct {
	fn      func(T)
	mu      sync.Mutex
	pending T
	has     bool
	wake    chan struct{}
	done    chan struct{}
	exited  chan struct{}
	stop    sync.Once
}

// NewFeed starts a feed delivering to fn.
func NewFeed[T any](fn func(T)) *Feed[T] {
	f := &Feed[T]{
		fn:     fn,
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
		exited: make(chan struct{}),
	}
	go f.run()
	return f
}

// Push schedules v for delivery.
func (f *Feed[T]) Push(v T) {
	f.mu.Lock()
	f.pending = v
	f.has = true
	f.mu.Unlock()

	select {
	case f.wake <- struct{}{}:
	default:
	}
}

// Stop ends delivery. A callback already running is allowed to finish.
func (f *Feed[T]) Stop() {
	f.stop.Do(func() { close(f.done) })
}

// Done is closed once the delivery goroutine has exited after Stop.
func (f *Feed[T]) Done() <-chan struct{} {
	return f.exited
}

func (f *Feed[T]) run() {
	defer close(f.exited)
	for {
		select {
		case <-f.done:
			return
		case <-f.wake:
		}

		f.mu.Lock()
		v, ok := f.pending, f.has
		var zero T
		f.pending, f.has = zero, false
		f.mu.Unlock()

		if !ok {
			continue
		}
		select {
		case <-f.done:
			return
		default:
		}
		f.fn(v)
	}
}

// Select applies q to msgs: newest-first order, strictly older than q.Before,
// at most q.Limit results. msgs is not modified.
func Select(msgs []model.Message, q MessageQuery) []model.Message {
	out := make([]model.Message, 0, len(msgs))
	for _, m := range msgs {
		if q.Before != nil && !m.OlderThan(*q.Before) {
			continue
		}
		out = append(out, m)
	}
	slices.SortFunc(out, model.CompareNewestFirst)
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out
}
