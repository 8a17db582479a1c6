// internal/store/redis.go
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jason-s-yu/escaperoom/internal/clock"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

const (
	// DefaultRedisPrefix namespaces document keys.
	DefaultRedisPrefix = "escaperoom:"
	// DefaultRedisChannel carries change notifications between server processes.
	DefaultRedisChannel = "escaperoom:changes"

	maxTxRetries = 16

	// listenTimeout bounds the wait for the Pub/Sub subscription to be confirmed.
	listenTimeout = 5 * time.Second
)

type redisSub struct {
	docKey string
	inner  []string
	path   string
	box    *mailbox
}

// RedisStore keeps one JSON document per lobby ("lobbies/{code}") in Redis. Writes are
// WATCH/MULTI transactions and every commit is announced over Pub/Sub, so any number
// of server processes can serve the same lobby.
type RedisStore struct {
	rdb     redis.UniversalClient
	clock   clock.Clock
	log     logrus.FieldLogger
	prefix  string
	channel string

	mu     sync.Mutex
	subs   map[uint64]*redisSub
	nextID uint64

	listenMu sync.Mutex
	pubsub   *redis.PubSub
}

// NewRedisStore wraps an already connected client.
func NewRedisStore(rdb redis.UniversalClient, c clock.Clock, log logrus.FieldLogger) *RedisStore {
	if c == nil {
		c = clock.Real()
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &RedisStore{
		rdb:     rdb,
		clock:   c,
		log:     log,
		prefix:  DefaultRedisPrefix,
		channel: DefaultRedisChannel,
		subs:    make(map[uint64]*redisSub),
	}
}

// locate splits a path into the document key and the path inside the document.
func (s *RedisStore) locate(path string) (string, []string, error) {
	segs, err := Split(path)
	if err != nil {
		return "", nil, err
	}
	if len(segs) < 2 {
		return "", nil, fmt.Errorf("%w: %q is above document level", ErrInvalidPath, path)
	}
	return s.prefix + segs[0] + ":" + segs[1], segs[2:], nil
}

func (s *RedisStore) nowMillis() int64 {
	return clock.Millis(s.clock.Now())
}

func (s *RedisStore) loadDoc(ctx context.Context, getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}, key string) (any, error) {
	raw, err := getter.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get %s: %w", key, err)
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("redis decode %s: %w", key, err)
	}
	return doc, nil
}

func (s *RedisStore) Get(ctx context.Context, path string) (any, error) {
	key, inner, err := s.locate(path)
	if err != nil {
		return nil, err
	}
	doc, err := s.loadDoc(ctx, s.rdb, key)
	if err != nil {
		return nil, err
	}
	return getAt(doc, inner), nil
}

// mutate runs apply inside an optimistic transaction on the document at key and
// publishes the written inner paths. apply returns the new document, the paths it
// wrote, or ErrAbort.
func (s *RedisStore) mutate(ctx context.Context, key string, apply func(doc any) (any, [][]string, error)) (any, bool, error) {
	var (
		result    any
		committed bool
	)
	txf := func(tx *redis.Tx) error {
		doc, err := s.loadDoc(ctx, tx, key)
		if err != nil {
			return err
		}
		next, written, err := apply(doc)
		if errors.Is(err, ErrAbort) {
			result, committed = doc, false
			return nil
		}
		if err != nil {
			return err
		}
		var data []byte
		if next != nil {
			if data, err = json.Marshal(next); err != nil {
				return err
			}
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if next == nil {
				pipe.Del(ctx, key)
			} else {
				pipe.Set(ctx, key, data, 0)
			}
			for _, w := range written {
				pipe.Publish(ctx, s.channel, key+"|"+Join(w...))
			}
			return nil
		})
		if err != nil {
			return err
		}
		result, committed = next, true
		return nil
	}

	for i := 0; i < maxTxRetries; i++ {
		err := s.rdb.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return nil, false, err
		}
		return result, committed, nil
	}
	return nil, false, fmt.Errorf("redis transaction on %s: %w", key, redis.TxFailedErr)
}

func (s *RedisStore) Set(ctx context.Context, path string, value any) error {
	key, inner, err := s.locate(path)
	if err != nil {
		return err
	}
	v, err := normalize(value, s.nowMillis())
	if err != nil {
		return err
	}
	_, _, err = s.mutate(ctx, key, func(doc any) (any, [][]string, error) {
		return setAt(doc, inner, v), [][]string{inner}, nil
	})
	return err
}

func (s *RedisStore) Update(ctx context.Context, path string, fields map[string]any) error {
	if len(fields) == 0 {
		return nil
	}
	key, inner, err := s.locate(path)
	if err != nil {
		return err
	}
	now := s.nowMillis()
	_, _, err = s.mutate(ctx, key, func(doc any) (any, [][]string, error) {
		return mergeFields(doc, inner, fields, now)
	})
	return err
}

func (s *RedisStore) Remove(ctx context.Context, path string) error {
	return s.Set(ctx, path, nil)
}

func (s *RedisStore) Push(ctx context.Context, path string, value any) (string, error) {
	key := PushKey(s.clock.Now())
	if err := s.Set(ctx, Join(path, key), value); err != nil {
		return "", err
	}
	return key, nil
}

func (s *RedisStore) Transact(ctx context.Context, path string, fn TxFunc) (any, bool, error) {
	key, inner, err := s.locate(path)
	if err != nil {
		return nil, false, err
	}
	now := s.nowMillis()
	var value any
	doc, committed, err := s.mutate(ctx, key, func(doc any) (any, [][]string, error) {
		next, err := fn(deepCopy(getAt(doc, inner)))
		if err != nil {
			return nil, nil, err
		}
		v, err := normalize(next, now)
		if err != nil {
			return nil, nil, err
		}
		value = v
		return setAt(doc, inner, v), [][]string{inner}, nil
	})
	if err != nil {
		return nil, false, err
	}
	if !committed {
		return getAt(doc, inner), false, nil
	}
	return deepCopy(value), true, nil
}

func (s *RedisStore) Subscribe(ctx context.Context, path string, fn SubscribeFunc) (func(), error) {
	key, inner, err := s.locate(path)
	if err != nil {
		return nil, err
	}
	if err := s.listen(); err != nil {
		return nil, err
	}
	sub := &redisSub{docKey: key, inner: inner, path: strings.Trim(path, "/"), box: newMailbox()}

	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.subs[id] = sub
	s.mu.Unlock()

	doc, err := s.loadDoc(ctx, s.rdb, key)
	if err != nil {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
		return nil, err
	}
	sub.box.offer(Snapshot{Path: sub.path, Value: getAt(doc, inner)})
	go sub.box.run(fn)

	unsubscribe := func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
		sub.box.close()
	}
	go func() {
		select {
		case <-ctx.Done():
			unsubscribe()
		case <-sub.box.done:
		}
	}()
	return unsubscribe, nil
}

// listen starts the shared Pub/Sub reader the first time a listener registers. A
// failed start leaves no reader behind, so the next Subscribe tries again.
func (s *RedisStore) listen() error {
	s.listenMu.Lock()
	defer s.listenMu.Unlock()
	if s.pubsub != nil {
		return nil
	}

	ps := s.rdb.Subscribe(context.Background(), s.channel)
	ctx, cancel := context.WithTimeout(context.Background(), listenTimeout)
	defer cancel()
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return fmt.Errorf("subscribe to %s: %w", s.channel, err)
	}
	s.pubsub = ps
	go s.dispatch(ps.Channel())
	return nil
}

func (s *RedisStore) dispatch(msgs <-chan *redis.Message) {
	for msg := range msgs {
		key, rel, ok := strings.Cut(msg.Payload, "|")
		if !ok {
			continue
		}
		written, err := Split(rel)
		if err != nil {
			continue
		}

		s.mu.Lock()
		var targets []*redisSub
		for _, sub := range s.subs {
			if sub.docKey == key && related(sub.inner, written) {
				targets = append(targets, sub)
			}
		}
		s.mu.Unlock()
		if len(targets) == 0 {
			continue
		}

		doc, err := s.loadDoc(context.Background(), s.rdb, key)
		if err != nil {
			s.log.WithError(err).Warnf("RedisStore: failed to refresh %s after change notification", key)
			continue
		}
		for _, sub := range targets {
			sub.box.offer(Snapshot{Path: sub.path, Value: deepCopy(getAt(doc, sub.inner))})
		}
	}
}

// Close stops the change listener. Listeners registered afterwards receive no updates.
func (s *RedisStore) Close() error {
	s.listenMu.Lock()
	defer s.listenMu.Unlock()
	if s.pubsub != nil {
		return s.pubsub.Close()
	}
	return nil
}
