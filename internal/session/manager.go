package session

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/bwchat/realtime-dm/internal/conversation"
	"github.com/bwchat/realtime-dm/internal/identity"
	"github.com/bwchat/realtime-dm/internal/model"
	"github.com/bwchat/realtime-dm/internal/presence"
	"github.com/bwchat/realtime-dm/internal/store"
	"github.com/bwchat/realtime-dm/pkg/apperr"
	"github.com/bwchat/realtime-dm/pkg/logger"
	"github.com/bwchat/realtime-dm/pkg/metrics"
)

// Config tunes every session a manager creates.
type Config struct {
	LegacyIDLookup    bool
	BatchSize         int
	PermissionTimeout time.Duration
	EventBuffer       int

	// IdleTimeout signs out sessions that had no event stream and no request
	// for this long. ReapInterval is how often they are checked.
	IdleTimeout  time.Duration
	ReapInterval time.Duration
	Tracker      presence.TrackerConfig
	Reader       presence.ReaderConfig
}

// DefaultConfig returns the standard session settings.
func DefaultConfig() Config {
	return Config{
		LegacyIDLookup:    true,
		BatchSize:         conversation.DefaultBatchSize,
		PermissionTimeout: 30 * time.Second,
		EventBuffer:       256,
		IdleTimeout:       30 * time.Minute,
		ReapInterval:      time.Minute,
		Tracker:           presence.DefaultTrackerConfig(),
		Reader: presence.ReaderConfig{
			Window:   presence.DefaultFreshnessWindow,
			Interval: presence.DefaultRecomputeInterval,
		},
	}
}

// Manager owns the device sessions of this server.
type Manager struct {
	st       store.Store
	provider identity.Provider
	clock    clock.Clock
	cfg      Config
	logger   *logger.Logger

	mu       sync.RWMutex
	sessions map[string]*Session

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewManager creates a manager and starts its idle reaper. A nil clock uses
// wall time.
func NewManager(st store.Store, provider identity.Provider, clk clock.Clock, cfg Config, log *logger.Logger) *Manager {
	if clk == nil {
		clk = clock.New()
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = DefaultConfig().EventBuffer
	}
	if cfg.PermissionTimeout <= 0 {
		cfg.PermissionTimeout = DefaultConfig().PermissionTimeout
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultConfig().IdleTimeout
	}
	if cfg.ReapInterval <= 0 {
		cfg.ReapInterval = DefaultConfig().ReapInterval
	}
	m := &Manager{
		st:       st,
		provider: provider,
		clock:    clk,
		cfg:      cfg,
		logger:   logger.OrGlobal(log).Named("session"),
		sessions: make(map[string]*Session),
		stop:     make(chan struct{}),
	}

	ticker := clk.Ticker(cfg.ReapInterval)
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.Reap(context.Background())
			case <-m.stop:
				return
			}
		}
	}()
	return m
}

// SignIn authenticates and starts a device session.
func (m *Manager) SignIn(ctx context.Context, email, password string) (*Session, error) {
	idSess := identity.NewSession(m.provider, m.st, m.logger)
	user, err := idSess.Login(ctx, email, password)
	if err != nil {
		return nil, err
	}
	return m.start(user, idSess)
}

// SignUp registers an account and starts a device session.
func (m *Manager) SignUp(ctx context.Context, req identity.SignupRequest) (*Session, error) {
	idSess := identity.NewSession(m.provider, m.st, m.logger)
	user, err := idSess.Signup(ctx, req)
	if err != nil {
		return nil, err
	}
	return m.start(user, idSess)
}

func (m *Manager) start(user *model.User, idSess *identity.Session) (*Session, error) {
	s, err := newSession(uuid.NewString(), *user, idSess, m.st, m.clock, m.cfg, m.logger)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.sessions[s.id] = s
	m.mu.Unlock()
	metrics.SessionsActive.Inc()

	s.logger.Info("session started")
	return s, nil
}

// Get returns a live session.
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.RLock()
	s, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok {
		return nil, apperr.Auth("session expired")
	}
	s.Touch()
	return s, nil
}

// Reap signs out every session that has been idle for longer than the idle
// timeout and returns how many it ended.
func (m *Manager) Reap(ctx context.Context) int {
	cutoff := m.clock.Now().Add(-m.cfg.IdleTimeout)

	m.mu.RLock()
	var idle []string
	for id, s := range m.sessions {
		if s.idleSince(cutoff) {
			idle = append(idle, id)
		}
	}
	m.mu.RUnlock()

	n := 0
	for _, id := range idle {
		// SignOut fails only when the session already ended.
		if err := m.SignOut(ctx, id); err == nil {
			n++
		}
	}
	if n > 0 {
		m.logger.Info("idle sessions reaped", zap.Int("count", n))
	}
	return n
}

// SignOut ends a session and signs its user out.
func (m *Manager) SignOut(ctx context.Context, id string) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()
	if !ok {
		return apperr.Auth("session expired")
	}

	err := s.identity.Logout(ctx)
	s.Close()
	metrics.SessionsActive.Dec()
	if err != nil {
		s.logger.Warn("provider sign-out failed", zap.Error(err))
	}
	s.logger.Info("session ended")
	return nil
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Close stops the reaper and ends every session. Used on shutdown.
func (m *Manager) Close() {
	m.stopOnce.Do(func() { close(m.stop) })
	m.wg.Wait()

	m.mu.Lock()
	sessions := m.sessions
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, s := range sessions {
		wg.Add(1)
		go func(s *Session) {
			defer wg.Done()
			s.Close()
			metrics.SessionsActive.Dec()
		}(s)
	}
	wg.Wait()
}
