// Package conversation resolves conversation ids and runs the timeline of one
// open conversation.
package conversation

import (
	"context"
	"errors"
	"sync"

	"github.com/bwchat/realtime-dm/internal/model"
	"github.com/bwchat/realtime-dm/internal/store"
	"github.com/bwchat/realtime-dm/pkg/apperr"
)

// Separator joins the two participant ids of a conversation id.
const Separator = "_"

// CanonicalID is the id of a new conversation between a and b: the two ids
// sorted and joined. It is symmetric in its arguments.
func CanonicalID(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return a + Separator + b
}

// SortedPair returns a and b in lexicographic order.
func SortedPair(a, b string) []string {
	if b < a {
		a, b = b, a
	}
	return []string{a, b}
}

// Lookup is the part of the store the resolver reads.
type Lookup interface {
	GetUser(ctx context.Context, uid string) (*model.User, error)
	GetConversation(ctx context.Context, id string) (*model.Conversation, error)
}

// Target is a resolved conversation partner.
type Target struct {
	ID      string
	Partner model.User
}

// Resolver maps a pair of users to their conversation id. Conversations
// created before ids were canonical may exist under either concatenation, so
// with legacy lookup enabled both are probed before falling back to
// CanonicalID. Results are cached per pair.
type Resolver struct {
	lookup Lookup
	legacy bool

	mu    sync.Mutex
	cache map[string]string
}

// NewResolver creates a resolver. legacyLookup enables probing the two
// unsorted concatenations.
func NewResolver(lookup Lookup, legacyLookup bool) *Resolver {
	return &Resolver{
		lookup: lookup,
		legacy: legacyLookup,
		cache:  make(map[string]string),
	}
}

// ConversationID returns the id of the conversation between a and b.
func (r *Resolver) ConversationID(ctx context.Context, a, b string) (string, error) {
	key := CanonicalID(a, b)

	r.mu.Lock()
	id, ok := r.cache[key]
	r.mu.Unlock()
	if ok {
		return id, nil
	}

	id = key
	if r.legacy {
		for _, candidate := range []string{a + Separator + b, b + Separator + a} {
			_, err := r.lookup.GetConversation(ctx, candidate)
			if err == nil {
				id = candidate
				break
			}
			if !errors.Is(err, store.ErrNotFound) {
				return "", apperr.Transient("conversation lookup failed", err)
			}
		}
	}

	r.mu.Lock()
	if cached, ok := r.cache[key]; ok {
		id = cached
	} else {
		r.cache[key] = id
	}
	r.mu.Unlock()
	return id, nil
}

// Resolve loads the partner and resolves the conversation between self and
// other. A partner that does not exist is a NOT_FOUND error.
func (r *Resolver) Resolve(ctx context.Context, self, other string) (*Target, error) {
	if other == "" || other == self {
		return nil, apperr.InvalidArg("invalid conversation partner")
	}

	partner, err := r.lookup.GetUser(ctx, other)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperr.NotFound("user not found")
	}
	if err != nil {
		return nil, apperr.Transient("user lookup failed", err)
	}

	id, err := r.ConversationID(ctx, self, other)
	if err != nil {
		return nil, err
	}
	return &Target{ID: id, Partner: *partner}, nil
}
