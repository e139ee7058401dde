package nats

import (
	"context"
	"encoding/base64"
	"encoding/json"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/pkg/errors"

	"github.com/bwchat/realtime-dm/internal/identity"
)

// Credentials is an identity.CredentialStore on the credentials bucket.
type Credentials struct {
	kv jetstream.KeyValue
}

var _ identity.CredentialStore = (*Credentials)(nil)

// NewCredentials creates a credential store on kv.
func NewCredentials(kv jetstream.KeyValue) *Credentials {
	return &Credentials{kv: kv}
}

// credentialKey encodes an e-mail into the key alphabet.
func credentialKey(email string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(identity.NormalizeEmail(email)))
}

func (c *Credentials) GetCredential(ctx context.Context, email string) (*identity.Credential, error) {
	entry, err := c.kv.Get(ctx, credentialKey(email))
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return nil, identity.ErrCredentialNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "get credential")
	}
	var cred identity.Credential
	if err := json.Unmarshal(entry.Value(), &cred); err != nil {
		return nil, errors.Wrap(err, "decode credential")
	}
	return &cred, nil
}

func (c *Credentials) CreateCredential(ctx context.Context, cred identity.Credential) error {
	data, err := json.Marshal(cred)
	if err != nil {
		return errors.Wrap(err, "encode credential")
	}
	_, err = c.kv.Create(ctx, credentialKey(cred.Email), data)
	if errors.Is(err, jetstream.ErrKeyExists) {
		return identity.ErrCredentialExists
	}
	return errors.Wrap(err, "create credential")
}

func (c *Credentials) UpdateCredential(ctx context.Context, cred identity.Credential) error {
	key := credentialKey(cred.Email)
	entry, err := c.kv.Get(ctx, key)
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return identity.ErrCredentialNotFound
	}
	if err != nil {
		return errors.Wrap(err, "get credential")
	}
	data, err := json.Marshal(cred)
	if err != nil {
		return errors.Wrap(err, "encode credential")
	}
	_, err = c.kv.Update(ctx, key, data, entry.Revision())
	return errors.Wrap(err, "update credential")
}
