package nats

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/bwchat/realtime-dm/internal/model"
	"github.com/bwchat/realtime-dm/internal/store"
	"github.com/bwchat/realtime-dm/pkg/logger"
	"github.com/bwchat/realtime-dm/pkg/metrics"
)

const (
	tracerName = "github.com/bwchat/realtime-dm/internal/nats"

	// maxUpdateAttempts bounds the compare-and-swap loop of a merge-upsert.
	maxUpdateAttempts = 8
)

var errUnchanged = errors.New("document unchanged")

// Store is a store.Store on JetStream key-value buckets. Merge-upserts are
// read-modify-write cycles guarded by the entry revision, so concurrent
// writers to one document never lose each other's fields.
type Store struct {
	users    jetstream.KeyValue
	chats    jetstream.KeyValue
	messages jetstream.KeyValue
	logger   *logger.Logger
	tracer   trace.Tracer

	mu     sync.Mutex
	lastTS time.Time
}

var _ store.Store = (*Store)(nil)

// NewStore creates a store on the given buckets.
func NewStore(b *Buckets, log *logger.Logger) *Store {
	return &Store{
		users:    b.Users,
		chats:    b.Chats,
		messages: b.Messages,
		logger:   logger.OrGlobal(log).Named("kvstore"),
		tracer:   otel.Tracer(tracerName),
	}
}

// MessageKey is the key of a message: the conversation id and the message id.
func MessageKey(conversationID, messageID string) string {
	return conversationID + "." + messageID
}

func messageFilter(conversationID string) string {
	return conversationID + ".*"
}

// stamp returns a store timestamp, strictly increasing within this process.
func (s *Store) stamp() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := time.Now().UTC()
	if !t.After(s.lastTS) {
		t = s.lastTS.Add(time.Nanosecond)
	}
	s.lastTS = t
	return t
}

// observe opens a span for op and returns the function that closes it.
func (s *Store) observe(ctx context.Context, op, key string) (context.Context, func(*error)) {
	start := time.Now()
	ctx, span := s.tracer.Start(ctx, "kv."+op, trace.WithAttributes(attribute.String("kv.key", key)))
	return ctx, func(errp *error) {
		err := *errp
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
		metrics.RecordStoreOp(op, err, time.Since(start).Seconds())
	}
}

func (s *Store) GetUser(ctx context.Context, uid string) (u *model.User, err error) {
	ctx, done := s.observe(ctx, "GetUser", uid)
	defer done(&err)

	u = &model.User{}
	if err := getJSON(ctx, s.users, uid, u); err != nil {
		return nil, err
	}
	return u, nil
}

func (s *Store) UpsertUser(ctx context.Context, uid string, patch store.UserPatch) (err error) {
	ctx, done := s.observe(ctx, "UpsertUser", uid)
	defer done(&err)

	return s.merge(ctx, s.users, uid, func(raw []byte) ([]byte, error) {
		var u model.User
		if raw != nil {
			if err := json.Unmarshal(raw, &u); err != nil {
				return nil, errors.Wrapf(err, "decode user %s", uid)
			}
		}
		u.UID = uid
		patch.Apply(&u, s.stamp())
		return json.Marshal(u)
	})
}

func (s *Store) WatchUser(uid string, fn func(*model.User)) (*store.Subscription, error) {
	feed := store.NewFeed(fn)
	return s.watch(s.users, uid, "user", feed.Stop, func(entries map[string][]byte) {
		raw, ok := entries[uid]
		if !ok {
			feed.Push(nil)
			return
		}
		var u model.User
		if err := json.Unmarshal(raw, &u); err != nil {
			s.logger.Warn("skipping undecodable user", zap.String("uid", uid), zap.Error(err))
			return
		}
		feed.Push(&u)
	})
}

func (s *Store) WatchUsers(fn func([]model.User)) (*store.Subscription, error) {
	feed := store.NewFeed(fn)
	return s.watch(s.users, "", "users", feed.Stop, func(entries map[string][]byte) {
		list := make([]model.User, 0, len(entries))
		for key, raw := range entries {
			var u model.User
			if err := json.Unmarshal(raw, &u); err != nil {
				s.logger.Warn("skipping undecodable user", zap.String("uid", key), zap.Error(err))
				continue
			}
			list = append(list, u)
		}
		feed.Push(list)
	})
}

func (s *Store) GetConversation(ctx context.Context, id string) (c *model.Conversation, err error) {
	ctx, done := s.observe(ctx, "GetConversation", id)
	defer done(&err)

	c = &model.Conversation{}
	if err := getJSON(ctx, s.chats, id, c); err != nil {
		return nil, err
	}
	return c, nil
}

func (s *Store) UpsertConversation(ctx context.Context, id string, patch store.ConversationPatch) (err error) {
	ctx, done := s.observe(ctx, "UpsertConversation", id)
	defer done(&err)

	return s.merge(ctx, s.chats, id, func(raw []byte) ([]byte, error) {
		var c model.Conversation
		if raw != nil {
			if err := json.Unmarshal(raw, &c); err != nil {
				return nil, errors.Wrapf(err, "decode conversation %s", id)
			}
		}
		c.ID = id
		patch.Apply(&c, s.stamp())
		return json.Marshal(c)
	})
}

func (s *Store) AddMessage(ctx context.Context, conversationID string, msg store.NewMessage) (m *model.Message, err error) {
	ctx, done := s.observe(ctx, "AddMessage", conversationID)
	defer done(&err)

	id, err := uuid.NewV7()
	if err != nil {
		return nil, errors.Wrap(err, "generate message id")
	}
	m = &model.Message{
		ID:             id.String(),
		ConversationID: conversationID,
		Text:           msg.Text,
		From:           msg.From,
		TS:             s.stamp(),
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, errors.Wrap(err, "encode message")
	}
	if _, err := s.messages.Create(ctx, MessageKey(conversationID, m.ID), data); err != nil {
		return nil, errors.Wrapf(err, "create message in %s", conversationID)
	}
	return m, nil
}

func (s *Store) MarkSeen(ctx context.Context, conversationID, messageID string) (err error) {
	key := MessageKey(conversationID, messageID)
	ctx, done := s.observe(ctx, "MarkSeen", key)
	defer done(&err)

	err = s.merge(ctx, s.messages, key, func(raw []byte) ([]byte, error) {
		if raw == nil {
			return nil, store.ErrNotFound
		}
		var m model.Message
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, errors.Wrapf(err, "decode message %s", key)
		}
		if m.Seen {
			return nil, errUnchanged
		}
		m.Seen = true
		return json.Marshal(m)
	})
	if errors.Is(err, errUnchanged) {
		return nil
	}
	return err
}

func (s *Store) QueryMessages(ctx context.Context, conversationID string, q store.MessageQuery) (msgs []model.Message, err error) {
	ctx, done := s.observe(ctx, "QueryMessages", conversationID)
	defer done(&err)

	w, err := s.messages.Watch(ctx, messageFilter(conversationID), jetstream.IgnoreDeletes())
	if err != nil {
		return nil, errors.Wrapf(err, "query messages in %s", conversationID)
	}
	defer func() { _ = w.Stop() }()

	var all []model.Message
	for {
		select {
		case <-ctx.Done():
			return nil, errors.Wrap(ctx.Err(), "query messages")
		case entry, ok := <-w.Updates():
			if !ok {
				return nil, errors.New("query messages: watcher closed")
			}
			if entry == nil {
				return store.Select(all, q), nil
			}
			var m model.Message
			if err := json.Unmarshal(entry.Value(), &m); err != nil {
				s.logger.Warn("skipping undecodable message", zap.String("key", entry.Key()), zap.Error(err))
				continue
			}
			all = append(all, m)
		}
	}
}

func (s *Store) WatchMessages(conversationID string, q store.MessageQuery, fn func([]model.Message)) (*store.Subscription, error) {
	feed := store.NewFeed(fn)
	return s.watch(s.messages, messageFilter(conversationID), "messages", feed.Stop, func(entries map[string][]byte) {
		all := make([]model.Message, 0, len(entries))
		for key, raw := range entries {
			var m model.Message
			if err := json.Unmarshal(raw, &m); err != nil {
				s.logger.Warn("skipping undecodable message", zap.String("key", key), zap.Error(err))
				continue
			}
			all = append(all, m)
		}
		feed.Push(store.Select(all, q))
	})
}

// watch follows the keys matching filter ("" for all) and calls publish with
// the full key -> value set after the initial values and after every change.
func (s *Store) watch(kv jetstream.KeyValue, filter, kind string, stop func(), publish func(map[string][]byte)) (*store.Subscription, error) {
	ctx, cancel := context.WithCancel(context.Background())

	var (
		w   jetstream.KeyWatcher
		err error
	)
	if filter == "" {
		w, err = kv.WatchAll(ctx)
	} else {
		w, err = kv.Watch(ctx, filter)
	}
	if err != nil {
		cancel()
		stop()
		return nil, errors.Wrapf(err, "watch %s", kind)
	}

	go func() {
		entries := make(map[string][]byte)
		initial := true
		for {
			select {
			case <-ctx.Done():
				return
			case entry, ok := <-w.Updates():
				if !ok {
					return
				}
				if entry == nil {
					initial = false
					publish(entries)
					continue
				}
				switch entry.Operation() {
				case jetstream.KeyValueDelete, jetstream.KeyValuePurge:
					delete(entries, entry.Key())
				default:
					entries[entry.Key()] = entry.Value()
				}
				if !initial {
					publish(entries)
				}
			}
		}
	}()

	return store.NewSubscription(kind, func() {
		cancel()
		if err := w.Stop(); err != nil {
			s.logger.Debug("watcher stop failed", zap.String("kind", kind), zap.Error(err))
		}
		stop()
	}), nil
}

// merge applies mutate to the current value of key and writes the result
// with a revision check, retrying on conflict. mutate receives nil when the
// key does not exist.
func (s *Store) merge(ctx context.Context, kv jetstream.KeyValue, key string, mutate func([]byte) ([]byte, error)) error {
	for attempt := 0; attempt < maxUpdateAttempts; attempt++ {
		entry, err := kv.Get(ctx, key)
		switch {
		case errors.Is(err, jetstream.ErrKeyNotFound):
			data, err := mutate(nil)
			if err != nil {
				return err
			}
			_, err = kv.Create(ctx, key, data)
			if err == nil {
				return nil
			}
			if !isConflict(err) {
				return errors.Wrapf(err, "create %s", key)
			}
		case err != nil:
			return errors.Wrapf(err, "get %s", key)
		default:
			data, err := mutate(entry.Value())
			if err != nil {
				return err
			}
			_, err = kv.Update(ctx, key, data, entry.Revision())
			if err == nil {
				return nil
			}
			if !isConflict(err) {
				return errors.Wrapf(err, "update %s", key)
			}
		}

		select {
		case <-ctx.Done():
			return errors.Wrapf(ctx.Err(), "update %s", key)
		case <-time.After(time.Duration(attempt+1) * 5 * time.Millisecond):
		}
	}
	return errors.Errorf("update %s: too many concurrent writers", key)
}

// isConflict reports a failed revision check. ErrKeyExists matches the
// wrong-last-sequence API error returned by both Create and Update.
func isConflict(err error) bool {
	return errors.Is(err, jetstream.ErrKeyExists)
}

func getJSON(ctx context.Context, kv jetstream.KeyValue, key string, v any) error {
	entry, err := kv.Get(ctx, key)
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return store.ErrNotFound
	}
	if err != nil {
		return errors.Wrapf(err, "get %s", key)
	}
	if err := json.Unmarshal(entry.Value(), v); err != nil {
		return errors.Wrapf(err, "decode %s", key)
	}
	return nil
}
