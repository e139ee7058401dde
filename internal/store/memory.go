package store

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"github.com/bwchat/realtime-dm/internal/model"
)

type messageWatch struct {
	query MessageQuery
	feed  *Feed[[]model.Message]
}

// Memory is an in-process Store. It backs tests and single-node development
// runs; live subscriptions behave like the NATS store's.
type Memory struct {
	clock clock.Clock

	mu     sync.Mutex
	users  map[string]model.User
	convs  map[string]model.Conversation
	msgs   map[string]map[string]model.Message
	lastTS time.Time

	nextID       int
	userWatchers map[string]map[int]*Feed[*model.User]
	listWatchers map[int]*Feed[[]model.User]
	msgWatchers  map[string]map[int]*messageWatch

	failures map[string]error
}

// NewMemory creates an empty in-memory store. A nil clock uses wall time.
func NewMemory(clk clock.Clock) *Memory {
	if clk == nil {
		clk = clock.New()
	}
	return &Memory{
		clock:        clk,
		users:        make(map[string]model.User),
		convs:        make(map[string]model.Conversation),
		msgs:         make(map[string]map[string]model.Message),
		userWatchers: make(map[string]map[int]*Feed[*model.User]),
		listWatchers: make(map[int]*Feed[[]model.User]),
		msgWatchers:  make(map[string]map[int]*messageWatch),
		failures:     make(map[string]error),
	}
}

// FailNext makes the next call of op (a method name such as "AddMessage")
// return err.
func (m *Memory) FailNext(op string, err error) {
	m.mu.Lock()
	m.failures[op] = err
	m.mu.Unlock()
}

func (m *Memory) failLocked(op string) error {
	if err, ok := m.failures[op]; ok {
		delete(m.failures, op)
		return err
	}
	return nil
}

// stampLocked returns a store timestamp, strictly increasing per store.
func (m *Memory) stampLocked() time.Time {
	t := m.clock.Now().UTC()
	if !t.After(m.lastTS) {
		t = m.lastTS.Add(time.Nanosecond)
	}
	m.lastTS = t
	return t
}

func (m *Memory) GetUser(ctx context.Context, uid string) (*model.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.failLocked("GetUser"); err != nil {
		return nil, err
	}
	u, ok := m.users[uid]
	if !ok {
		return nil, ErrNotFound
	}
	return &u, nil
}

func (m *Memory) UpsertUser(ctx context.Context, uid string, patch UserPatch) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.failLocked("UpsertUser"); err != nil {
		return err
	}
	u := m.users[uid]
	u.UID = uid
	patch.Apply(&u, m.stampLocked())
	m.users[uid] = u

	for _, f := range m.userWatchers[uid] {
		cp := u
		f.Push(&cp)
	}
	if len(m.listWatchers) > 0 {
		list := m.userListLocked()
		for _, f := range m.listWatchers {
			f.Push(slices.Clone(list))
		}
	}
	return nil
}

func (m *Memory) userListLocked() []model.User {
	list := make([]model.User, 0, len(m.users))
	for _, u := range m.users {
		list = append(list, u)
	}
	slices.SortFunc(list, func(a, b model.User) int { return strings.Compare(a.UID, b.UID) })
	return list
}

func (m *Memory) WatchUser(uid string, fn func(*model.User)) (*Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextID
	m.nextID++
	f := NewFeed(fn)
	if m.userWatchers[uid] == nil {
		m.userWatchers[uid] = make(map[int]*Feed[*model.User])
	}
	m.userWatchers[uid][id] = f

	if u, ok := m.users[uid]; ok {
		f.Push(&u)
	} else {
		f.Push(nil)
	}

	return NewSubscription("user", func() {
		m.mu.Lock()
		delete(m.userWatchers[uid], id)
		m.mu.Unlock()
		f.Stop()
	}), nil
}

func (m *Memory) WatchUsers(fn func([]model.User)) (*Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextID
	m.nextID++
	f := NewFeed(fn)
	m.listWatchers[id] = f
	f.Push(m.userListLocked())

	return NewSubscription("users", func() {
		m.mu.Lock()
		delete(m.listWatchers, id)
		m.mu.Unlock()
		f.Stop()
	}), nil
}

func (m *Memory) GetConversation(ctx context.Context, id string) (*model.Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.failLocked("GetConversation"); err != nil {
		return nil, err
	}
	c, ok := m.convs[id]
	if !ok {
		return nil, ErrNotFound
	}
	c.Participants = slices.Clone(c.Participants)
	return &c, nil
}

func (m *Memory) UpsertConversation(ctx context.Context, id string, patch ConversationPatch) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.failLocked("UpsertConversation"); err != nil {
		return err
	}
	c := m.convs[id]
	c.ID = id
	patch.Apply(&c, m.stampLocked())
	m.convs[id] = c
	return nil
}

func (m *Memory) AddMessage(ctx context.Context, conversationID string, msg NewMessage) (*model.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.failLocked("AddMessage"); err != nil {
		return nil, err
	}
	stored := model.Message{
		ID:             uuid.Must(uuid.NewV7()).String(),
		ConversationID: conversationID,
		Text:           msg.Text,
		From:           msg.From,
		TS:             m.stampLocked(),
	}
	if m.msgs[conversationID] == nil {
		m.msgs[conversationID] = make(map[string]model.Message)
	}
	m.msgs[conversationID][stored.ID] = stored
	m.notifyMessagesLocked(conversationID)

	out := stored
	return &out, nil
}

func (m *Memory) MarkSeen(ctx context.Context, conversationID, messageID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.failLocked("MarkSeen"); err != nil {
		return err
	}
	msg, ok := m.msgs[conversationID][messageID]
	if !ok {
		return ErrNotFound
	}
	if msg.Seen {
		return nil
	}
	msg.Seen = true
	m.msgs[conversationID][messageID] = msg
	m.notifyMessagesLocked(conversationID)
	return nil
}

func (m *Memory) QueryMessages(ctx context.Context, conversationID string, q MessageQuery) ([]model.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.failLocked("QueryMessages"); err != nil {
		return nil, err
	}
	return Select(messageList(m.msgs[conversationID]), q), nil
}

func (m *Memory) WatchMessages(conversationID string, q MessageQuery, fn func([]model.Message)) (*Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextID
	m.nextID++
	w := &messageWatch{query: q, feed: NewFeed(fn)}
	if m.msgWatchers[conversationID] == nil {
		m.msgWatchers[conversationID] = make(map[int]*messageWatch)
	}
	m.msgWatchers[conversationID][id] = w
	w.feed.Push(Select(messageList(m.msgs[conversationID]), q))

	return NewSubscription("messages", func() {
		m.mu.Lock()
		delete(m.msgWatchers[conversationID], id)
		m.mu.Unlock()
		w.feed.Stop()
	}), nil
}

func (m *Memory) notifyMessagesLocked(conversationID string) {
	watchers := m.msgWatchers[conversationID]
	if len(watchers) == 0 {
		return
	}
	all := messageList(m.msgs[conversationID])
	for _, w := range watchers {
		w.feed.Push(Select(all, w.query))
	}
}

func messageList(byID map[string]model.Message) []model.Message {
	out := make([]model.Message, 0, len(byID))
	for _, msg := range byID {
		out = append(out, msg)
	}
	return out
}
