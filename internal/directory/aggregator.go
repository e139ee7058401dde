// Package directory lists the other users ranked by the recency of their
// conversation with the signed-in user, each with a live unread count.
package directory

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/bwchat/realtime-dm/internal/model"
	"github.com/bwchat/realtime-dm/internal/store"
	"github.com/bwchat/realtime-dm/pkg/logger"
)

// Store is the part of the document store the aggregator reads.
type Store interface {
	WatchUsers(fn func([]model.User)) (*store.Subscription, error)
	GetConversation(ctx context.Context, id string) (*model.Conversation, error)
	WatchMessages(conversationID string, q store.MessageQuery, fn func([]model.Message)) (*store.Subscription, error)
}

// IDResolver maps a pair of users to their conversation id.
type IDResolver interface {
	ConversationID(ctx context.Context, a, b string) (string, error)
}

type counter struct {
	conversationID string
	sub            *store.Subscription
	unread         int
}

type ranked struct {
	user           model.User
	conversationID string
	lastUpdated    time.Time
}

// Aggregator maintains the ranked directory for one user. Each listed
// candidate owns one live unread counter; counters are added and removed as
// the candidate set changes, never rebuilt wholesale.
type Aggregator struct {
	self     string
	st       Store
	resolver IDResolver
	onChange func([]model.DirectoryEntry)
	timeout  time.Duration
	logger   *logger.Logger

	usersSub *store.Subscription

	mu         sync.Mutex
	closed     bool
	users      []model.User
	filter     string
	generation uint64
	list       []ranked
	counters   map[string]*counter
	version    uint64

	publishMu sync.Mutex
	published uint64
}

// New starts an aggregator for self. onChange receives every new directory;
// calls are serialized and never go back to an older directory.
func New(st Store, resolver IDResolver, self string, onChange func([]model.DirectoryEntry), log *logger.Logger) (*Aggregator, error) {
	a := &Aggregator{
		self:     self,
		st:       st,
		resolver: resolver,
		onChange: onChange,
		timeout:  10 * time.Second,
		logger:   logger.OrGlobal(log).Named("directory").With(zap.String("user_id", self)),
		counters: make(map[string]*counter),
	}

	sub, err := st.WatchUsers(a.onUsers)
	if err != nil {
		return nil, err
	}
	a.mu.Lock()
	a.usersSub = sub
	a.mu.Unlock()
	return a, nil
}

// SetFilter changes the name filter and refreshes the directory.
func (a *Aggregator) SetFilter(ctx context.Context, filter string) {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.filter = strings.TrimSpace(filter)
	gen := a.nextGenerationLocked()
	users, f := a.users, a.filter
	a.mu.Unlock()

	a.refresh(ctx, gen, users, f)
}

// Entries returns the current directory.
func (a *Aggregator) Entries() []model.DirectoryEntry {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.entriesLocked()
}

// Unread returns the unread count for uid.
func (a *Aggregator) Unread(uid string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	if c, ok := a.counters[uid]; ok {
		return c.unread
	}
	return 0
}

// Close cancels the user subscription and every unread counter.
func (a *Aggregator) Close() {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.closed = true
	counters := a.counters
	a.counters = make(map[string]*counter)
	sub := a.usersSub
	a.mu.Unlock()

	sub.Cancel()
	for _, c := range counters {
		c.sub.Cancel()
	}
}

func (a *Aggregator) onUsers(users []model.User) {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.users = users
	gen := a.nextGenerationLocked()
	f := a.filter
	a.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
	defer cancel()
	a.refresh(ctx, gen, users, f)
}

func (a *Aggregator) nextGenerationLocked() uint64 {
	a.generation++
	return a.generation
}

// refresh ranks the candidates matching filter and reconciles the counters.
// A refresh overtaken by a newer one is discarded.
func (a *Aggregator) refresh(ctx context.Context, gen uint64, users []model.User, filter string) {
	needle := strings.ToLower(filter)
	list := make([]ranked, 0, len(users))
	for _, u := range users {
		if u.UID == a.self {
			continue
		}
		if needle != "" && !strings.Contains(strings.ToLower(u.Name), needle) {
			continue
		}
		list = append(list, a.rank(ctx, u))
	}
	slices.SortStableFunc(list, func(x, y ranked) int {
		return y.lastUpdated.Compare(x.lastUpdated)
	})

	a.mu.Lock()
	if a.closed || gen != a.generation {
		a.mu.Unlock()
		return
	}
	a.list = list
	a.reconcileLocked()
	entries, v := a.bumpLocked()
	a.mu.Unlock()

	a.publish(entries, v)
}

func (a *Aggregator) rank(ctx context.Context, u model.User) ranked {
	r := ranked{user: u}
	id, err := a.resolver.ConversationID(ctx, a.self, u.UID)
	if err != nil {
		a.logger.Debug("conversation id lookup failed", zap.String("candidate", u.UID), zap.Error(err))
		return r
	}
	r.conversationID = id

	conv, err := a.st.GetConversation(ctx, id)
	switch {
	case err == nil:
		r.lastUpdated = conv.LastUpdated
	case !errors.Is(err, store.ErrNotFound):
		a.logger.Debug("conversation read failed", zap.String("conversation_id", id), zap.Error(err))
	}
	return r
}

func (a *Aggregator) reconcileLocked() {
	want := make(map[string]string, len(a.list))
	for _, r := range a.list {
		if r.conversationID != "" {
			want[r.user.UID] = r.conversationID
		}
	}

	for uid, c := range a.counters {
		if id, ok := want[uid]; !ok || id != c.conversationID {
			c.sub.Cancel()
			delete(a.counters, uid)
		}
	}

	for uid, id := range want {
		if _, ok := a.counters[uid]; ok {
			continue
		}
		uid, id := uid, id
		sub, err := a.st.WatchMessages(id, store.MessageQuery{}, func(msgs []model.Message) {
			a.setUnread(uid, id, model.CountUnseenFrom(msgs, uid))
		})
		if err != nil {
			a.logger.Warn("unread subscription failed", zap.String("conversation_id", id), zap.Error(err))
			continue
		}
		a.counters[uid] = &counter{conversationID: id, sub: sub}
	}
}

func (a *Aggregator) setUnread(uid, conversationID string, n int) {
	a.mu.Lock()
	c, ok := a.counters[uid]
	if a.closed || !ok || c.conversationID != conversationID || c.unread == n {
		a.mu.Unlock()
		return
	}
	c.unread = n
	entries, v := a.bumpLocked()
	a.mu.Unlock()

	a.publish(entries, v)
}

func (a *Aggregator) entriesLocked() []model.DirectoryEntry {
	out := make([]model.DirectoryEntry, 0, len(a.list))
	for _, r := range a.list {
		e := model.DirectoryEntry{
			User:           r.user,
			ConversationID: r.conversationID,
			LastUpdated:    r.lastUpdated,
		}
		if c, ok := a.counters[r.user.UID]; ok {
			e.Unread = c.unread
		}
		out = append(out, e)
	}
	return out
}

func (a *Aggregator) bumpLocked() ([]model.DirectoryEntry, uint64) {
	a.version++
	return a.entriesLocked(), a.version
}

func (a *Aggregator) publish(entries []model.DirectoryEntry, version uint64) {
	if a.onChange == nil {
		return
	}
	a.publishMu.Lock()
	defer a.publishMu.Unlock()
	if version <= a.published {
		return
	}
	a.published = version
	a.onChange(entries)
}
