package store

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/eapache/channels"

	"github.com/obsidianstack/logship/agent/internal/event"
)

// ErrQueueClosed is reported for operations submitted after Close.
var ErrQueueClosed = errors.New("store: queue closed")

// QueueOptions configures a Queue.
type QueueOptions struct {
	// OnError observes every error absorbed by the queue. op is one of
	// "add", "remove", "retrieve", "groups" or "flush"; group is empty for
	// store-wide operations. May be nil.
	OnError func(op, group string, err error)
}

// Queue is the non-blocking front of a Store. Operations for one group run
// in submission order on that group's worker; the caller's completion
// function runs on the worker once the operation has finished.
type Queue struct {
	store Store
	opts  QueueOptions

	mu      sync.Mutex
	workers map[string]*channels.InfiniteChannel
	closed  bool
	wg      sync.WaitGroup
}

type opKind int

const (
	opAdd opKind = iota
	opRemove
	opRetrieve
)

type op struct {
	kind      opKind
	events    event.Set
	done      func()
	retrieved func(event.Set)
}

// NewQueue wraps a prepared store.
func NewQueue(s Store, opts QueueOptions) *Queue {
	return &Queue{
		store:   s,
		opts:    opts,
		workers: make(map[string]*channels.InfiniteChannel),
	}
}

// Store returns the wrapped store.
func (q *Queue) Store() Store { return q.store }

// Add schedules a union of events into group. done may be nil.
func (q *Queue) Add(group string, events event.Set, done func()) {
	q.submit(group, op{kind: opAdd, events: events, done: done})
}

// Remove schedules a subtraction of events from group. done may be nil.
func (q *Queue) Remove(group string, events event.Set, done func()) {
	q.submit(group, op{kind: opRemove, events: events, done: done})
}

// Retrieve schedules a read of group. done receives the snapshot; on error
// it receives an empty set.
func (q *Queue) Retrieve(group string, done func(event.Set)) {
	q.submit(group, op{kind: opRetrieve, retrieved: done})
}

// Groups lists stored groups in the background.
func (q *Queue) Groups(done func([]string)) {
	go func() {
		groups, err := q.store.Groups()
		if err != nil {
			q.report("groups", "", err)
		}
		done(groups)
	}()
}

// Flush clears every group in the background. done may be nil.
func (q *Queue) Flush(done func()) {
	go func() {
		if err := q.store.Flush(); err != nil {
			q.report("flush", "", err)
		}
		if done != nil {
			done()
		}
	}()
}

// Close stops accepting operations, waits for queued ones to finish and
// closes the store.
func (q *Queue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	for _, ch := range q.workers {
		ch.Close()
	}
	q.mu.Unlock()

	q.wg.Wait()
	return q.store.Close()
}

func (q *Queue) submit(group string, o op) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		q.report(o.name(), group, ErrQueueClosed)
		o.finish(event.NewSet())
		return
	}
	ch, ok := q.workers[group]
	if !ok {
		ch = channels.NewInfiniteChannel()
		q.workers[group] = ch
		q.wg.Add(1)
		go q.work(group, ch)
	}
	// Sending under mu keeps Close from closing ch mid-send. In() is drained
	// by the channel's own goroutine, so this does not wait on the worker.
	ch.In() <- o
	q.mu.Unlock()
}

func (q *Queue) work(group string, ch *channels.InfiniteChannel) {
	defer q.wg.Done()
	for v := range ch.Out() {
		o := v.(op)
		q.run(group, o)
	}
}

func (q *Queue) run(group string, o op) {
	var (
		snapshot event.Set
		err      error
	)
	switch o.kind {
	case opAdd:
		err = q.store.Add(group, o.events)
	case opRemove:
		err = q.store.Remove(group, o.events)
	case opRetrieve:
		snapshot, err = q.store.Retrieve(group)
	}
	if err != nil {
		q.report(o.name(), group, err)
	}
	if snapshot == nil {
		snapshot = event.NewSet()
	}
	o.finish(snapshot)
}

func (q *Queue) report(opName, group string, err error) {
	slog.Error("store: operation failed", "op", opName, "group", group, "err", err)
	if q.opts.OnError != nil {
		q.opts.OnError(opName, group, err)
	}
}

func (o op) name() string {
	switch o.kind {
	case opAdd:
		return "add"
	case opRemove:
		return "remove"
	default:
		return "retrieve"
	}
}

func (o op) finish(snapshot event.Set) {
	switch {
	case o.retrieved != nil:
		o.retrieved(snapshot)
	case o.done != nil:
		o.done()
	}
}
