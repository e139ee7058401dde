package presence

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/bwchat/realtime-dm/internal/store"
	"github.com/bwchat/realtime-dm/pkg/logger"
	"github.com/bwchat/realtime-dm/pkg/metrics"
)

// State is the tracker's view of the local user.
type State int

const (
	StateIdle State = iota
	StateActive
)

func (s State) String() string {
	if s == StateActive {
		return "active"
	}
	return "idle"
}

// UserWriter is the part of the store the tracker writes to.
type UserWriter interface {
	UpsertUser(ctx context.Context, uid string, patch store.UserPatch) error
}

// Visibility reports whether the device is currently showing the app.
type Visibility interface {
	IsVisible() bool
}

// TrackerConfig holds the tracker's timings.
type TrackerConfig struct {
	IdleTimeout  time.Duration
	Throttle     time.Duration
	Heartbeat    time.Duration
	WriteTimeout time.Duration
}

// DefaultTrackerConfig returns the standard timings.
func DefaultTrackerConfig() TrackerConfig {
	return TrackerConfig{
		IdleTimeout:  DefaultIdleTimeout,
		Throttle:     DefaultThrottle,
		Heartbeat:    DefaultHeartbeat,
		WriteTimeout: 5 * time.Second,
	}
}

type write struct {
	online  bool
	trigger string
}

// Tracker publishes {online, lastSeen} for the signed-in user. Writes never
// block the caller; they are applied in order by a single writer goroutine
// and only the latest pending write survives.
type Tracker struct {
	uid    string
	users  UserWriter
	vis    Visibility
	clock  clock.Clock
	cfg    TrackerConfig
	logger *logger.Logger

	mu        sync.Mutex
	running   bool
	state     State
	lastWrite time.Time
	wrote     bool
	idle      *clock.Timer
	stop      chan struct{}
	feed      *store.Feed[write]
	wg        sync.WaitGroup
}

// NewTracker creates a stopped tracker for uid. A nil clock uses wall time.
func NewTracker(uid string, users UserWriter, vis Visibility, clk clock.Clock, cfg TrackerConfig, log *logger.Logger) *Tracker {
	if clk == nil {
		clk = clock.New()
	}
	def := DefaultTrackerConfig()
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = def.IdleTimeout
	}
	if cfg.Throttle <= 0 {
		cfg.Throttle = def.Throttle
	}
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = def.Heartbeat
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	return &Tracker{
		uid:    uid,
		users:  users,
		vis:    vis,
		clock:  clk,
		cfg:    cfg,
		logger: logger.OrGlobal(log).Named("presence").With(zap.String("user_id", uid)),
	}
}

// Start marks the user active, arms the idle timer and starts the heartbeat.
// Sign-in already wrote the user online, so Start itself does not write.
func (t *Tracker) Start() {
	t.mu.Lock()
	if t.running {
		t.mu.Unlock()
		return
	}
	t.running = true
	t.state = StateActive
	t.stop = make(chan struct{})
	t.feed = store.NewFeed(t.apply)
	t.armIdleLocked()
	t.wrote = false
	stop := t.stop
	ticker := t.clock.Ticker(t.cfg.Heartbeat)
	t.mu.Unlock()

	t.wg.Add(1)
	go t.heartbeat(ticker, stop)
}

// Activity records a pointer, touch, key or scroll event.
func (t *Tracker) Activity() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.running {
		return
	}
	t.state = StateActive
	t.armIdleLocked()

	now := t.clock.Now()
	if t.wrote && now.Sub(t.lastWrite) < t.cfg.Throttle {
		return
	}
	t.wrote = true
	t.lastWrite = now
	t.publishLocked(true, "activity")
}

// VisibilityChanged writes online immediately when the app becomes visible
// and offline immediately when it is hidden.
func (t *Tracker) VisibilityChanged(visible bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.running {
		return
	}
	if visible {
		t.state = StateActive
		t.armIdleLocked()
		t.publishLocked(true, "visible")
		return
	}
	t.state = StateIdle
	t.disarmIdleLocked()
	t.publishLocked(false, "hidden")
}

// State returns the current activity state.
func (t *Tracker) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Stop clears every timer and publishes offline. The final write is applied
// before Stop returns.
func (t *Tracker) Stop() {
	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		return
	}
	t.running = false
	t.state = StateIdle
	t.disarmIdleLocked()
	close(t.stop)
	feed := t.feed
	t.feed = nil
	t.mu.Unlock()

	t.wg.Wait()
	feed.Stop()
	<-feed.Done()
	t.apply(write{online: false, trigger: "stop"})
}

func (t *Tracker) heartbeat(ticker *clock.Ticker, stop <-chan struct{}) {
	defer t.wg.Done()
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			t.beat()
		}
	}
}

// beat refreshes lastSeen only while the device is visible and ACTIVE. A
// visible tab left idle stops beating, so readers age it out after the
// freshness window even though its tracker still runs. See DESIGN.md, Open
// Questions.
func (t *Tracker) beat() {
	if !t.vis.IsVisible() {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.running || t.state != StateActive {
		return
	}
	t.publishLocked(true, "heartbeat")
}

func (t *Tracker) armIdleLocked() {
	t.disarmIdleLocked()
	var timer *clock.Timer
	timer = t.clock.AfterFunc(t.cfg.IdleTimeout, func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		if !t.running || t.idle != timer {
			return
		}
		t.idle = nil
		t.state = StateIdle
		t.publishLocked(false, "idle")
	})
	t.idle = timer
}

func (t *Tracker) disarmIdleLocked() {
	if t.idle != nil {
		t.idle.Stop()
		t.idle = nil
	}
}

func (t *Tracker) publishLocked(online bool, trigger string) {
	if t.feed != nil {
		t.feed.Push(write{online: online, trigger: trigger})
	}
}

func (t *Tracker) apply(w write) {
	ctx, cancel := context.WithTimeout(context.Background(), t.cfg.WriteTimeout)
	defer cancel()

	online := w.online
	err := t.users.UpsertUser(ctx, t.uid, store.UserPatch{Online: &online, TouchLastSeen: true})
	metrics.RecordPresenceWrite(online, w.trigger, err)
	if err != nil {
		t.logger.Debug("presence write failed",
			zap.String("trigger", w.trigger),
			zap.Bool("online", online),
			zap.Error(err),
		)
	}
}
