// Package identity authenticates users and tracks who is signed in on a
// device.
package identity

import (
	"context"
	"errors"
	"net/mail"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/bwchat/realtime-dm/pkg/apperr"
)

// MinPasswordLength is the shortest password Register accepts.
const MinPasswordLength = 6

var (
	// ErrCredentialNotFound is returned for an unknown e-mail.
	ErrCredentialNotFound = errors.New("identity: credential not found")
	// ErrCredentialExists is returned when registering a taken e-mail.
	ErrCredentialExists = errors.New("identity: credential exists")
)

// Account is an authenticated identity.
type Account struct {
	UID         string
	Email       string
	DisplayName string
	PhotoURL    string
}

// Provider is the identity provider. Failures are AUTH errors.
type Provider interface {
	Authenticate(ctx context.Context, email, password string) (*Account, error)
	Register(ctx context.Context, email, password, displayName string) (*Account, error)
	SignOut(ctx context.Context, uid string) error
	// UpdateProfile changes the account's display name and photo. Nil fields
	// are left as is.
	UpdateProfile(ctx context.Context, email string, displayName, photoURL *string) (*Account, error)
}

// Credential is a stored login.
type Credential struct {
	UID         string    `json:"uid"`
	Email       string    `json:"email"`
	DisplayName string    `json:"display_name"`
	PhotoURL    string    `json:"photo_url,omitempty"`
	Hash        []byte    `json:"hash"`
	CreatedAt   time.Time `json:"created_at"`
}

// CredentialStore persists credentials keyed by normalized e-mail.
type CredentialStore interface {
	GetCredential(ctx context.Context, email string) (*Credential, error)
	CreateCredential(ctx context.Context, c Credential) error
	// UpdateCredential replaces an existing credential.
	UpdateCredential(ctx context.Context, c Credential) error
}

// LocalProvider authenticates against bcrypt hashes in a CredentialStore.
type LocalProvider struct {
	creds CredentialStore
	cost  int
}

// NewLocalProvider creates a provider. cost <= 0 uses bcrypt.DefaultCost.
func NewLocalProvider(creds CredentialStore, cost int) *LocalProvider {
	if cost <= 0 {
		cost = bcrypt.DefaultCost
	}
	return &LocalProvider{creds: creds, cost: cost}
}

// NormalizeEmail lowercases and trims an address.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func (p *LocalProvider) Authenticate(ctx context.Context, email, password string) (*Account, error) {
	email = NormalizeEmail(email)
	c, err := p.creds.GetCredential(ctx, email)
	if errors.Is(err, ErrCredentialNotFound) {
		return nil, apperr.Auth("invalid email or password")
	}
	if err != nil {
		return nil, apperr.Transient("credential lookup failed", err)
	}
	if err := bcrypt.CompareHashAndPassword(c.Hash, []byte(password)); err != nil {
		return nil, apperr.Auth("invalid email or password")
	}
	return c.account(), nil
}

func (c *Credential) account() *Account {
	return &Account{UID: c.UID, Email: c.Email, DisplayName: c.DisplayName, PhotoURL: c.PhotoURL}
}

func (p *LocalProvider) Register(ctx context.Context, email, password, displayName string) (*Account, error) {
	email = NormalizeEmail(email)
	if _, err := mail.ParseAddress(email); err != nil {
		return nil, apperr.Auth("invalid email address")
	}
	if len(password) < MinPasswordLength {
		return nil, apperr.Auth("password must be at least 6 characters")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), p.cost)
	if err != nil {
		return nil, apperr.Internal("hash password", err)
	}
	c := Credential{
		UID:         uuid.NewString(),
		Email:       email,
		DisplayName: strings.TrimSpace(displayName),
		Hash:        hash,
		CreatedAt:   time.Now().UTC(),
	}
	err = p.creds.CreateCredential(ctx, c)
	if errors.Is(err, ErrCredentialExists) {
		return nil, apperr.Auth("email already in use")
	}
	if err != nil {
		return nil, apperr.Transient("store credential", err)
	}
	return c.account(), nil
}

func (p *LocalProvider) UpdateProfile(ctx context.Context, email string, displayName, photoURL *string) (*Account, error) {
	c, err := p.creds.GetCredential(ctx, NormalizeEmail(email))
	if errors.Is(err, ErrCredentialNotFound) {
		return nil, apperr.Auth("account not found")
	}
	if err != nil {
		return nil, apperr.Transient("credential lookup failed", err)
	}
	if displayName != nil {
		c.DisplayName = strings.TrimSpace(*displayName)
	}
	if photoURL != nil {
		c.PhotoURL = strings.TrimSpace(*photoURL)
	}
	err = p.creds.UpdateCredential(ctx, *c)
	if errors.Is(err, ErrCredentialNotFound) {
		return nil, apperr.Auth("account not found")
	}
	if err != nil {
		return nil, apperr.Transient("store credential", err)
	}
	return c.account(), nil
}

// SignOut has nothing to revoke locally; device tokens are dropped by the
// session manager.
func (p *LocalProvider) SignOut(ctx context.Context, uid string) error {
	return nil
}

// MemoryCredentials is an in-process CredentialStore.
type MemoryCredentials struct {
	mu    sync.Mutex
	byKey map[string]Credential
}

// NewMemoryCredentials creates an empty credential store.
func NewMemoryCredentials() *MemoryCredentials {
	return &MemoryCredentials{byKey: make(map[string]Credential)}
}

func (m *MemoryCredentials) GetCredential(ctx context.Context, email string) (*Credential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.byKey[NormalizeEmail(email)]
	if !ok {
		return nil, ErrCredentialNotFound
	}
	return &c, nil
}

func (m *MemoryCredentials) CreateCredential(ctx context.Context, c Credential) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := NormalizeEmail(c.Email)
	if _, ok := m.byKey[key]; ok {
		return ErrCredentialExists
	}
	m.byKey[key] = c
	return nil
}

func (m *MemoryCredentials) UpdateCredential(ctx context.Context, c Credential) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := NormalizeEmail(c.Email)
	if _, ok := m.byKey[key]; !ok {
		return ErrCredentialNotFound
	}
	m.byKey[key] = c
	return nil
}
