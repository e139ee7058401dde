package identity

import (
	"context"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/bwchat/realtime-dm/internal/model"
	"github.com/bwchat/realtime-dm/internal/store"
	"github.com/bwchat/realtime-dm/pkg/apperr"
	"github.com/bwchat/realtime-dm/pkg/logger"
)

// UserWriter is the part of the store a session writes the user record to.
type UserWriter interface {
	UpsertUser(ctx context.Context, uid string, patch store.UserPatch) error
}

// SignupRequest is the sign-up form.
type SignupRequest struct {
	Email           string `json:"email"`
	Password        string `json:"password"`
	ConfirmPassword string `json:"confirm_password"`
	DisplayName     string `json:"display_name"`
}

// Session tracks the signed-in user of one device and keeps their user
// record current on every successful authentication.
type Session struct {
	provider Provider
	users    UserWriter
	logger   *logger.Logger

	mu        sync.Mutex
	current   *model.User
	listeners map[int]func(*model.User)
	nextID    int
}

// NewSession creates a signed-out session.
func NewSession(provider Provider, users UserWriter, log *logger.Logger) *Session {
	return &Session{
		provider:  provider,
		users:     users,
		logger:    logger.OrGlobal(log).Named("identity"),
		listeners: make(map[int]func(*model.User)),
	}
}

// Login authenticates with e-mail and password.
func (s *Session) Login(ctx context.Context, email, password string) (*model.User, error) {
	acct, err := s.provider.Authenticate(ctx, email, password)
	if err != nil {
		return nil, err
	}
	return s.signedIn(ctx, acct), nil
}

// Signup registers a new account. A mismatched confirmation fails without
// contacting the provider. An empty display name defaults to the e-mail's
// local part.
func (s *Session) Signup(ctx context.Context, req SignupRequest) (*model.User, error) {
	if req.Password != req.ConfirmPassword {
		return nil, apperr.Auth("passwords do not match")
	}
	name := strings.TrimSpace(req.DisplayName)
	if name == "" {
		name = defaultDisplayName(req.Email)
	}

	acct, err := s.provider.Register(ctx, req.Email, req.Password, name)
	if err != nil {
		return nil, err
	}
	return s.signedIn(ctx, acct), nil
}

// Logout signs the current user out. It is a no-op when signed out.
func (s *Session) Logout(ctx context.Context) error {
	s.mu.Lock()
	cur := s.current
	s.mu.Unlock()
	if cur == nil {
		return nil
	}

	if err := s.provider.SignOut(ctx, cur.UID); err != nil {
		return err
	}
	s.setCurrent(nil)
	return nil
}

// ProfileUpdate is an edit of the signed-in user's own profile. Nil fields
// are left as is; an empty photo URL falls back to the placeholder avatar.
type ProfileUpdate struct {
	Name     *string `json:"name,omitempty"`
	PhotoURL *string `json:"photo_url,omitempty"`
}

// UpdateProfile writes a profile edit to the provider account first, then to
// the user record, so the next sign-in does not revert it.
func (s *Session) UpdateProfile(ctx context.Context, upd ProfileUpdate) (*model.User, error) {
	s.mu.Lock()
	cur := copyUser(s.current)
	s.mu.Unlock()
	if cur == nil {
		return nil, apperr.Auth("not signed in")
	}
	if upd.Name != nil {
		name := strings.TrimSpace(*upd.Name)
		if name == "" {
			return nil, apperr.InvalidArg("name cannot be empty")
		}
		upd.Name = &name
	}
	if upd.Name == nil && upd.PhotoURL == nil {
		return cur, nil
	}

	acct, err := s.provider.UpdateProfile(ctx, cur.Email, upd.Name, upd.PhotoURL)
	if err != nil {
		return nil, err
	}

	u := *cur
	if acct.DisplayName != "" {
		u.Name = acct.DisplayName
	}
	u.PhotoURL = acct.PhotoURL
	u.PhotoURL = u.AvatarURL()
	err = s.users.UpsertUser(ctx, u.UID, store.UserPatch{
		Name:     &u.Name,
		PhotoURL: &u.PhotoURL,
	})
	if err != nil {
		return nil, apperr.Transient("write user record", err)
	}

	s.setCurrent(&u)
	return copyUser(&u), nil
}

// CurrentUser returns the signed-in user or nil.
func (s *Session) CurrentUser() *model.User {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return nil
	}
	u := *s.current
	return &u
}

// OnAuthStateChange calls fn now with the current user and again on every
// sign-in and sign-out. The returned function unregisters fn.
func (s *Session) OnAuthStateChange(fn func(*model.User)) func() {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = fn
	cur := s.current
	s.mu.Unlock()

	fn(copyUser(cur))
	return func() {
		s.mu.Lock()
		delete(s.listeners, id)
		s.mu.Unlock()
	}
}

func (s *Session) signedIn(ctx context.Context, acct *Account) *model.User {
	u := &model.User{
		UID:      acct.UID,
		Name:     acct.DisplayName,
		Email:    acct.Email,
		PhotoURL: acct.PhotoURL,
		Online:   true,
	}
	if u.Name == "" {
		u.Name = u.DisplayName()
	}
	u.PhotoURL = u.AvatarURL()

	online := true
	err := s.users.UpsertUser(ctx, u.UID, store.UserPatch{
		Name:          &u.Name,
		Email:         &u.Email,
		PhotoURL:      &u.PhotoURL,
		Online:        &online,
		TouchLastSeen: true,
	})
	if err != nil {
		s.logger.Warn("user record write failed", zap.String("user_id", u.UID), zap.Error(err))
	}

	s.setCurrent(u)
	return copyUser(u)
}

func (s *Session) setCurrent(u *model.User) {
	s.mu.Lock()
	s.current = u
	fns := make([]func(*model.User), 0, len(s.listeners))
	for _, fn := range s.listeners {
		fns = append(fns, fn)
	}
	s.mu.Unlock()

	for _, fn := range fns {
		fn(copyUser(u))
	}
}

func copyUser(u *model.User) *model.User {
	if u == nil {
		return nil
	}
	cp := *u
	return &cp
}

func defaultDisplayName(email string) string {
	local, _, _ := strings.Cut(strings.TrimSpace(email), "@")
	if local == "" {
		return "NewUser"
	}
	return local
}
