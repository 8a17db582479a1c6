// internal/store/memory.go
package store

import (
	"context"
	"errors"
	"sync"

	"github.com/jason-s-yu/escaperoom/internal/clock"
)

type memorySub struct {
	segs []string
	path string
	box  *mailbox
}

// MemoryStore keeps the whole tree in process memory. It is safe for concurrent use.
type MemoryStore struct {
	mu     sync.Mutex
	root   any
	clock  clock.Clock
	subs   map[uint64]*memorySub
	nextID uint64
}

// NewMemoryStore returns an empty store stamping server timestamps with c.
func NewMemoryStore(c clock.Clock) *MemoryStore {
	if c == nil {
		c = clock.Real()
	}
	return &MemoryStore{
		clock: c,
		subs:  make(map[uint64]*memorySub),
	}
}

func (s *MemoryStore) nowMillis() int64 {
	return clock.Millis(s.clock.Now())
}

func (s *MemoryStore) Get(ctx context.Context, path string) (any, error) {
	segs, err := Split(path)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return deepCopy(getAt(s.root, segs)), nil
}

func (s *MemoryStore) Set(ctx context.Context, path string, value any) error {
	segs, err := Split(path)
	if err != nil {
		return err
	}
	v, err := normalize(value, s.nowMillis())
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.root = setAt(s.root, segs, v)
	s.notifyLocked(segs)
	return nil
}

func (s *MemoryStore) Update(ctx context.Context, path string, fields map[string]any) error {
	segs, err := Split(path)
	if err != nil {
		return err
	}
	if len(fields) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	// Merge into a copy so a bad field leaves the tree untouched.
	next, written, err := mergeFields(deepCopy(s.root), segs, fields, s.nowMillis())
	if err != nil {
		return err
	}
	s.root = next
	for _, w := range written {
		s.notifyLocked(w)
	}
	return nil
}

func (s *MemoryStore) Remove(ctx context.Context, path string) error {
	return s.Set(ctx, path, nil)
}

func (s *MemoryStore) Push(ctx context.Context, path string, value any) (string, error) {
	key := PushKey(s.clock.Now())
	if err := s.Set(ctx, Join(path, key), value); err != nil {
		return "", err
	}
	return key, nil
}

func (s *MemoryStore) Transact(ctx context.Context, path string, fn TxFunc) (any, bool, error) {
	segs, err := Split(path)
	if err != nil {
		return nil, false, err
	}
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	current := deepCopy(getAt(s.root, segs))
	next, err := fn(current)
	if errors.Is(err, ErrAbort) {
		return deepCopy(getAt(s.root, segs)), false, nil
	}
	if err != nil {
		return nil, false, err
	}
	v, err := normalize(next, s.nowMillis())
	if err != nil {
		return nil, false, err
	}
	s.root = setAt(s.root, segs, v)
	s.notifyLocked(segs)
	return deepCopy(v), true, nil
}

func (s *MemoryStore) Subscribe(ctx context.Context, path string, fn SubscribeFunc) (func(), error) {
	segs, err := Split(path)
	if err != nil {
		return nil, err
	}
	sub := &memorySub{segs: segs, path: Join(segs...), box: newMailbox()}

	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.subs[id] = sub
	sub.box.offer(Snapshot{Path: sub.path, Value: deepCopy(getAt(s.root, segs))})
	s.mu.Unlock()

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

// notifyLocked queues a snapshot for every listener related to the written path.
// Snapshots are taken under the lock, so each listener sees states in commit order.
func (s *MemoryStore) notifyLocked(written []string) {
	for _, sub := range s.subs {
		if related(sub.segs, written) {
			sub.box.offer(Snapshot{Path: sub.path, Value: deepCopy(getAt(s.root, sub.segs))})
		}
	}
}
