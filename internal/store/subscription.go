package store

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// mailbox delivers snapshots to one listener on its own goroutine. It keeps only the
// newest undelivered snapshot, so a slow listener skips intermediate states but always
// converges on the latest one.
type mailbox struct {
	mu      sync.Mutex
	pending *Snapshot
	wake    chan struct{}
	done    chan struct{}
	once    sync.Once
}

func newMailbox() *mailbox {
	return &mailbox{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
}

func (m *mailbox) offer(s Snapshot) {
	m.mu.Lock()
	m.pending = &s
	m.mu.Unlock()
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

func (m *mailbox) run(fn SubscribeFunc) {
	for {
		select {
		case <-m.done:
			return
		case <-m.wake:
			m.mu.Lock()
			s := m.pending
			m.pending = nil
			m.mu.Unlock()
			if s != nil {
				fn(*s)
			}
		}
	}
}

func (m *mailbox) close() {
	m.once.Do(func() { close(m.done) })
}

var pushSeq atomic.Uint64

// PushKey returns a key that sorts by creation time. Keys made by one process in the
// same millisecond keep their creation order; the random tail separates processes.
func PushKey(now time.Time) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:6]
	return fmt.Sprintf("m%013d%06d%s", now.UnixMilli(), pushSeq.Add(1)%1_000_000, suffix)
}
