package store

import (
	"errors"
	"fmt"

	"github.com/obsidianstack/logship/agent/internal/event"
)

// Store is a durable, deduplicating, per-group set of undelivered events.
//
// Prepare must succeed before any other method is called. Add and Remove
// are idempotent. Implementations must serialise operations on the same
// group; operations on different groups may run concurrently.
type Store interface {
	// Prepare creates the backing storage. A failure is an *InitError.
	Prepare() error

	// Add stores the union of the group's current set and events.
	Add(group string, events event.Set) error

	// Remove stores the group's current set minus events. Events that are
	// not present are ignored.
	Remove(group string, events event.Set) error

	// Retrieve returns a snapshot of the group's current set. A group with
	// no stored state yields an empty, non-nil set.
	Retrieve(group string) (event.Set, error)

	// Groups lists the groups that currently have stored state.
	Groups() ([]string, error)

	// Flush discards every group and recreates empty storage.
	Flush() error

	// Close releases resources. The store must not be used afterwards.
	Close() error
}

// ErrRetentionExceeded reports events that were not stored because the
// group already held the configured maximum.
var ErrRetentionExceeded = errors.New("store: retention limit exceeded")

// ErrNotPrepared is returned by operations issued before Prepare.
var ErrNotPrepared = errors.New("store: not prepared")

// ErrCorrupt reports stored state that could not be decoded. The state is
// treated as empty, so the operation that returns it still completes and
// the next write replaces it.
var ErrCorrupt = errors.New("store: corrupt state discarded")

// RetentionError counts the events an Add refused because of the group
// cap. It matches ErrRetentionExceeded with errors.Is.
type RetentionError struct {
	Dropped int
}

func (e *RetentionError) Error() string {
	return fmt.Sprintf("%v: %d events dropped", ErrRetentionExceeded, e.Dropped)
}

func (e *RetentionError) Unwrap() error { return ErrRetentionExceeded }

// retention returns a *RetentionError, or nil when nothing was dropped.
func retention(dropped int) error {
	if dropped == 0 {
		return nil
	}
	return &RetentionError{Dropped: dropped}
}

// InitError means the base storage could not be created. It is fatal to
// starting the pipeline.
type InitError struct {
	Path string
	Err  error
}

func (e *InitError) Error() string {
	return fmt.Sprintf("store: init %q: %v", e.Path, e.Err)
}

func (e *InitError) Unwrap() error { return e.Err }

// IOError is a read, write or decode failure on one group's state. It never
// affects other groups.
type IOError struct {
	Op    string // "add", "remove", "retrieve", "groups", "flush"
	Group string
	Err   error
}

func (e *IOError) Error() string {
	if e.Group == "" {
		return fmt.Sprintf("store: %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("store: %s group %q: %v", e.Op, e.Group, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }

// limit trims incoming so that current plus the admitted events stay within
// max. Events already in current are always admitted since re-adding them
// does not grow the set. Admission order is by ID so the outcome is
// deterministic. A max of zero means unbounded.
func limit(current, incoming event.Set, max int) (admitted event.Set, dropped int) {
	if max <= 0 {
		return incoming, 0
	}
	room := max - current.Len()
	admitted = event.NewSet()
	for _, e := range incoming.Sorted() {
		if current.Has(e.ID) {
			admitted[e.ID] = e
			continue
		}
		if room <= 0 {
			dropped++
			continue
		}
		admitted[e.ID] = e
		room--
	}
	return admitted, dropped
}
