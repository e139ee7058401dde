package nats

import (
	"context"
	"errors"
	"fmt"

	"github.com/nats-io/nats.go/jetstream"
)

// Bucket names.
const (
	UsersBucket       = "users"
	ChatsBucket       = "chats"
	MessagesBucket    = "messages"
	CredentialsBucket = "credentials"
)

// BucketManager creates the key-value buckets the store needs.
type BucketManager struct {
	js       jetstream.JetStream
	storage  jetstream.StorageType
	replicas int
}

// NewBucketManager creates a bucket manager. Tests use MemoryStorage.
func NewBucketManager(js jetstream.JetStream, storage jetstream.StorageType, replicas int) *BucketManager {
	if replicas <= 0 {
		replicas = 1
	}
	return &BucketManager{js: js, storage: storage, replicas: replicas}
}

// Buckets are the opened key-value buckets.
type Buckets struct {
	Users       jetstream.KeyValue
	Chats       jetstream.KeyValue
	Messages    jetstream.KeyValue
	Credentials jetstream.KeyValue
}

// EnsureBuckets opens every bucket, creating the missing ones.
func (m *BucketManager) EnsureBuckets(ctx context.Context) (*Buckets, error) {
	descriptions := map[string]string{
		UsersBucket:       "User records: profile, online flag, last seen",
		ChatsBucket:       "Conversation records: participants, last message",
		MessagesBucket:    "Messages keyed by <conversation>.<message>",
		CredentialsBucket: "Password hashes keyed by encoded e-mail",
	}

	opened := make(map[string]jetstream.KeyValue, len(descriptions))
	for name, desc := range descriptions {
		kv, err := m.ensure(ctx, name, desc)
		if err != nil {
			return nil, err
		}
		opened[name] = kv
	}

	return &Buckets{
		Users:       opened[UsersBucket],
		Chats:       opened[ChatsBucket],
		Messages:    opened[MessagesBucket],
		Credentials: opened[CredentialsBucket],
	}, nil
}

func (m *BucketManager) ensure(ctx context.Context, name, desc string) (jetstream.KeyValue, error) {
	kv, err := m.js.KeyValue(ctx, name)
	if err == nil {
		return kv, nil
	}
	if !errors.Is(err, jetstream.ErrBucketNotFound) {
		return nil, fmt.Errorf("failed to open bucket %s: %w", name, err)
	}

	kv, err = m.js.CreateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      name,
		Description: desc,
		History:     1,
		Storage:     m.storage,
		Replicas:    m.replicas,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create bucket %s: %w", name, err)
	}
	return kv, nil
}
