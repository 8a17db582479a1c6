// internal/store/store.go
package store

import (
	"context"
	"encoding/json"
	"errors"
)

var (
	// ErrAbort is returned by a TxFunc to leave the node untouched.
	ErrAbort = errors.New("store: transaction aborted")

	// ErrInvalidPath is returned for malformed paths or paths a backend cannot address.
	ErrInvalidPath = errors.New("store: invalid path")
)

// TxFunc receives the current value at a path and returns its replacement.
// It may run more than once on optimistic backends and must not call back into the store.
type TxFunc func(current any) (any, error)

// SubscribeFunc is invoked with the latest snapshot of the subscribed path.
type SubscribeFunc func(Snapshot)

// Store is a hierarchical tree of JSON-like values shared by every session of a lobby.
// Writes are last-write-wins per path; Transact is the only atomic read-modify-write.
type Store interface {
	// Get fetches the value at path once. An absent path yields nil.
	Get(ctx context.Context, path string) (any, error)

	// Set replaces the subtree at path. A nil value removes it.
	Set(ctx context.Context, path string, value any) error

	// Update merges fields into the node at path. Keys may be relative sub-paths
	// and nil values delete the addressed child.
	Update(ctx context.Context, path string, fields map[string]any) error

	// Remove deletes the subtree at path.
	Remove(ctx context.Context, path string) error

	// Push appends value under a generated, time-ordered key and returns the key.
	Push(ctx context.Context, path string, value any) (string, error)

	// Transact atomically replaces the node at path with the result of fn.
	// It returns the value after the call and whether a write was committed.
	Transact(ctx context.Context, path string, fn TxFunc) (any, bool, error)

	// Subscribe delivers the current snapshot of path and a fresh one after every
	// write touching it. The returned func removes the listener; cancelling ctx does too.
	Subscribe(ctx context.Context, path string, fn SubscribeFunc) (func(), error)
}

type serverTimestamp struct{}

// MarshalJSON encodes the placeholder that backends resolve to their own clock on write.
func (serverTimestamp) MarshalJSON() ([]byte, error) {
	return []byte(`{".sv":"timestamp"}`), nil
}

// ServerTimestamp is replaced by the store's clock, in milliseconds, when written.
var ServerTimestamp any = serverTimestamp{}

// Snapshot is an immutable copy of the value at Path at some point in time.
type Snapshot struct {
	Path  string
	Value any
}

// Exists reports whether the path held a value.
func (s Snapshot) Exists() bool {
	return s.Value != nil
}

// Decode unmarshals the snapshot into out.
func (s Snapshot) Decode(out any) error {
	return Decode(s.Value, out)
}

// Child returns the snapshot of a relative sub-path.
func (s Snapshot) Child(rel string) Snapshot {
	segs, err := Split(rel)
	if err != nil {
		return Snapshot{Path: Join(s.Path, rel)}
	}
	return Snapshot{Path: Join(s.Path, rel), Value: getAt(s.Value, segs)}
}

// Decode converts a tree value into a typed struct through its JSON form.
func Decode(v any, out any) error {
	if v == nil {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}

// ChildOf returns the value at a relative path inside a tree value, or nil.
func ChildOf(v any, rel string) any {
	segs, err := Split(rel)
	if err != nil {
		return nil
	}
	return getAt(v, segs)
}

// WithChild writes v at rel inside root and returns the new root. Maps along the way
// are modified in place, so callers should only pass values they own, such as the
// copy handed to a TxFunc.
func WithChild(root any, rel string, v any) (any, error) {
	segs, err := Split(rel)
	if err != nil {
		return root, err
	}
	if v != nil {
		if v, err = toTree(v); err != nil {
			return root, err
		}
	}
	return setAt(root, segs, v), nil
}
