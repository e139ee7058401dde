package presence

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/bwchat/realtime-dm/internal/model"
	"github.com/bwchat/realtime-dm/internal/store"
)

// UserWatcher is the part of the store the reader subscribes to.
type UserWatcher interface {
	WatchUser(uid string, fn func(*model.User)) (*store.Subscription, error)
}

// ReaderConfig holds the reader's timings.
type ReaderConfig struct {
	Window   time.Duration
	Interval time.Duration
}

// Reader derives one user's presence from their record, recomputing on every
// record change and on a fixed interval so a silent user ages out.
type Reader struct {
	uid   string
	clock clock.Clock
	cfg   ReaderConfig
	fn    func(Status)

	sub  *store.Subscription
	stop chan struct{}
	once sync.Once
	wg   sync.WaitGroup

	mu      sync.Mutex
	user    *model.User
	last    Status
	emitted bool
}

// Watch starts a reader for uid. fn receives the derived status whenever it
// changes; calls are serialized.
func Watch(users UserWatcher, uid string, clk clock.Clock, cfg ReaderConfig, fn func(Status)) (*Reader, error) {
	if clk == nil {
		clk = clock.New()
	}
	if cfg.Window <= 0 {
		cfg.Window = DefaultFreshnessWindow
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultRecomputeInterval
	}
	r := &Reader{
		uid:   uid,
		clock: clk,
		cfg:   cfg,
		fn:    fn,
		stop:  make(chan struct{}),
	}

	sub, err := users.WatchUser(uid, r.update)
	if err != nil {
		return nil, err
	}
	r.sub = sub

	ticker := clk.Ticker(cfg.Interval)
	r.wg.Add(1)
	go r.tick(ticker)
	return r, nil
}

// Current returns the most recently derived status.
func (r *Reader) Current() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.last
}

// Close cancels the subscription and the recompute ticker.
func (r *Reader) Close() {
	r.once.Do(func() {
		r.sub.Cancel()
		close(r.stop)
		r.wg.Wait()
	})
}

func (r *Reader) update(u *model.User) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.user = u
	r.recomputeLocked()
}

func (r *Reader) tick(ticker *clock.Ticker) {
	defer r.wg.Done()
	defer ticker.Stop()
	for {
		select {
		case <-r.stop:
			return
		case <-ticker.C:
			r.mu.Lock()
			r.recomputeLocked()
			r.mu.Unlock()
		}
	}
}

func (r *Reader) recomputeLocked() {
	select {
	case <-r.stop:
		return
	default:
	}
	s := Derive(r.user, r.clock.Now(), r.cfg.Window)
	if r.emitted && s.Online == r.last.Online && s.LastSeen.Equal(r.last.LastSeen) {
		return
	}
	r.last = s
	r.emitted = true
	if r.fn != nil {
		r.fn(s)
	}
}
