// Package session hosts one messaging client per signed-in device: identity,
// presence, directory, the open conversation and the device's event stream.
package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/bwchat/realtime-dm/internal/conversation"
	"github.com/bwchat/realtime-dm/internal/directory"
	"github.com/bwchat/realtime-dm/internal/identity"
	"github.com/bwchat/realtime-dm/internal/model"
	"github.com/bwchat/realtime-dm/internal/notify"
	"github.com/bwchat/realtime-dm/internal/platform"
	"github.com/bwchat/realtime-dm/internal/presence"
	"github.com/bwchat/realtime-dm/internal/store"
	"github.com/bwchat/realtime-dm/pkg/apperr"
	"github.com/bwchat/realtime-dm/pkg/logger"
)

// Session is one signed-in device.
type Session struct {
	id    string
	uid   string
	cfg   Config
	st    store.Store
	clock clock.Clock

	identity   *identity.Session
	remote     *platform.Remote
	dispatcher *notify.Dispatcher
	resolver   *conversation.Resolver
	tracker    *presence.Tracker
	directory  *directory.Aggregator
	logger     *logger.Logger

	events chan model.Event
	done   chan struct{}

	openMu sync.Mutex

	mu       sync.Mutex
	closed   bool
	user     model.User
	lastUsed time.Time
	streams  int
	engine   *conversation.Engine
	reader   *presence.Reader
}

func newSession(id string, user model.User, idSess *identity.Session, st store.Store, clk clock.Clock, cfg Config, log *logger.Logger) (*Session, error) {
	s := &Session{
		id:       id,
		uid:      user.UID,
		user:     user,
		lastUsed: clk.Now(),
		cfg:      cfg,
		st:       st,
		clock:    clk,
		identity: idSess,
		logger:   log.WithSession(id, user.UID),
		events:   make(chan model.Event, cfg.EventBuffer),
		done:     make(chan struct{}),
	}
	s.remote = platform.NewRemote(s.emit, cfg.PermissionTimeout)
	s.dispatcher = notify.NewDispatcher(s.remote, s.logger)
	s.resolver = conversation.NewResolver(st, cfg.LegacyIDLookup)
	s.tracker = presence.NewTracker(user.UID, st, s.remote, clk, cfg.Tracker, s.logger)

	agg, err := directory.New(st, s.resolver, user.UID, func(entries []model.DirectoryEntry) {
		s.emit(model.Event{Type: model.EventDirectory, Data: entries})
	}, s.logger)
	if err != nil {
		return nil, apperr.Transient("start directory", err)
	}
	s.directory = agg
	s.tracker.Start()
	return s, nil
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// User returns the signed-in user.
func (s *Session) User() model.User {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.user
}

// UpdateProfile edits the signed-in user's own name and photo.
func (s *Session) UpdateProfile(ctx context.Context, upd identity.ProfileUpdate) (model.User, error) {
	u, err := s.identity.UpdateProfile(ctx, upd)
	if err != nil {
		return model.User{}, err
	}
	s.mu.Lock()
	s.user = *u
	s.mu.Unlock()
	s.logger.Info("profile updated")
	return *u, nil
}

// Touch marks the session as used now.
func (s *Session) Touch() {
	s.mu.Lock()
	s.lastUsed = s.clock.Now()
	s.mu.Unlock()
}

// Attach registers an open event stream. The session is never idle while a
// stream is attached. The returned func detaches it.
func (s *Session) Attach() (detach func()) {
	s.mu.Lock()
	s.streams++
	s.lastUsed = s.clock.Now()
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			s.streams--
			s.lastUsed = s.clock.Now()
			s.mu.Unlock()
		})
	}
}

// idleSince reports whether the session has had no stream and no use since
// cutoff.
func (s *Session) idleSince(cutoff time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.streams == 0 && !s.lastUsed.After(cutoff)
}

// Events is the device's event stream. Events are dropped, not queued
// without bound, when the device does not keep up.
func (s *Session) Events() <-chan model.Event { return s.events }

// Done is closed when the session ends.
func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) emit(ev model.Event) {
	select {
	case <-s.done:
		return
	default:
	}
	select {
	case s.events <- ev:
	default:
		s.logger.Debug("event dropped", zap.String("type", string(ev.Type)))
	}
}

// Directory applies filter and returns the ranked directory.
func (s *Session) Directory(ctx context.Context, filter string) []model.DirectoryEntry {
	s.directory.SetFilter(ctx, filter)
	return s.directory.Entries()
}

// OpenConversation opens the conversation with other, closing the one that
// was open. A missing partner fails with NOT_FOUND and leaves the previous
// conversation closed.
func (s *Session) OpenConversation(ctx context.Context, other string) (conversation.Timeline, error) {
	s.openMu.Lock()
	defer s.openMu.Unlock()

	if err := s.closeConversation(); err != nil {
		return conversation.Timeline{}, err
	}

	engine, err := conversation.Open(ctx, s.st, s.resolver, s.dispatcher, s.uid, other, conversation.Options{
		BatchSize: s.cfg.BatchSize,
		OnChange: func(tl conversation.Timeline) {
			s.emit(model.Event{Type: model.EventTimeline, Data: tl.Event()})
		},
	}, s.logger)
	if err != nil {
		return conversation.Timeline{}, err
	}

	partner := engine.Partner()
	reader, err := presence.Watch(s.st, partner.UID, s.clock, s.cfg.Reader, func(st presence.Status) {
		s.emit(model.Event{Type: model.EventPresence, Data: st.Event(partner.UID)})
	})
	if err != nil {
		engine.Close()
		return conversation.Timeline{}, apperr.Transient("watch partner presence", err)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		reader.Close()
		engine.Close()
		return conversation.Timeline{}, apperr.Auth("session ended")
	}
	s.engine, s.reader = engine, reader
	s.mu.Unlock()

	s.emit(model.Event{Type: model.EventConversationOpen, Data: &model.ConversationEvent{
		ConversationID: engine.ID(),
		Partner:        &partner,
	}})
	return engine.Timeline(), nil
}

// OpenRoute opens the conversation a notification routing key points at.
func (s *Session) OpenRoute(ctx context.Context, routingKey string) (conversation.Timeline, error) {
	partner := ""
	conv, err := s.st.GetConversation(ctx, routingKey)
	switch {
	case err == nil:
		partner = conv.Partner(s.uid)
	case !errors.Is(err, store.ErrNotFound):
		return conversation.Timeline{}, apperr.Transient("conversation lookup failed", err)
	}
	if partner == "" {
		partner = partnerFromID(routingKey, s.uid)
	}
	if partner == "" {
		return conversation.Timeline{}, apperr.NotFound("conversation not found")
	}
	return s.OpenConversation(ctx, partner)
}

func partnerFromID(id, self string) string {
	a, b, ok := strings.Cut(id, conversation.Separator)
	switch {
	case !ok:
		return ""
	case a == self:
		return b
	case b == self:
		return a
	}
	return ""
}

// Conversation returns the open conversation.
func (s *Session) Conversation() (*conversation.Engine, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, apperr.Auth("session ended")
	}
	if s.engine == nil {
		return nil, apperr.NotFound("no open conversation")
	}
	return s.engine, nil
}

// CloseConversation closes the open conversation, if any.
func (s *Session) CloseConversation() error {
	s.openMu.Lock()
	defer s.openMu.Unlock()
	return s.closeConversation()
}

func (s *Session) closeConversation() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return apperr.Auth("session ended")
	}
	engine, reader := s.engine, s.reader
	s.engine, s.reader = nil, nil
	s.mu.Unlock()

	if engine == nil {
		return nil
	}
	reader.Close()
	engine.Close()
	s.emit(model.Event{Type: model.EventConversationClose, Data: &model.ConversationEvent{ConversationID: engine.ID()}})
	return nil
}

// Send sends text in the open conversation.
func (s *Session) Send(ctx context.Context, text string) (*model.Message, error) {
	e, err := s.Conversation()
	if err != nil {
		return nil, err
	}
	return e.Send(ctx, text)
}

// LoadOlder loads the next page of the open conversation.
func (s *Session) LoadOlder(ctx context.Context) (conversation.Timeline, int, error) {
	e, err := s.Conversation()
	if err != nil {
		return conversation.Timeline{}, 0, err
	}
	n, err := e.LoadOlder(ctx)
	if err != nil {
		return conversation.Timeline{}, 0, err
	}
	return e.Timeline(), n, nil
}

// Activity records user input on the device.
func (s *Session) Activity() {
	s.tracker.Activity()
}

// SetVisibility records whether the device is showing the app.
func (s *Session) SetVisibility(visible bool) {
	s.remote.SetVisible(visible)
	s.tracker.VisibilityChanged(visible)
}

// SetPermission records the device's notification permission.
func (s *Session) SetPermission(p platform.Permission) {
	s.remote.SetPermission(p)
}

// OptIn asks the device for notification permission.
func (s *Session) OptIn(ctx context.Context) platform.Permission {
	return s.dispatcher.OptIn(ctx)
}

// Close ends the session: the conversation, the directory counters and the
// presence timers are torn down and the user is published offline.
func (s *Session) Close() {
	s.openMu.Lock()
	defer s.openMu.Unlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	engine, reader := s.engine, s.reader
	s.engine, s.reader = nil, nil
	s.mu.Unlock()

	if engine != nil {
		reader.Close()
		engine.Close()
	}
	s.directory.Close()
	s.tracker.Stop()
	s.emit(model.Event{Type: model.EventSignedOut})

	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	close(s.done)
}
