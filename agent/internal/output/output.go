package output

import (
	"context"

	"github.com/obsidianstack/logship/agent/internal/event"
)

// Output is a lifecycle-controlled sink of events.
type Output interface {
	Start()
	Resume()
	Suspend()
	Emit(e event.Event)
}

// Chunk is the snapshot of a group's stored events taken for one flush.
type Chunk struct {
	Group  string
	Events []event.Event
}

// Len returns the number of events in the chunk.
func (c Chunk) Len() int { return len(c.Events) }

// Size returns the total payload size in bytes.
func (c Chunk) Size() int {
	n := 0
	for _, e := range c.Events {
		n += len(e.Payload)
	}
	return n
}

// Set returns the chunk's events as a set.
func (c Chunk) Set() event.Set { return event.NewSet(c.Events...) }

// Writer delivers a chunk. Implementations must call done exactly once:
// done(true) only when every event in the chunk was handed to the
// transport, done(false) otherwise. done may be called from any goroutine.
type Writer interface {
	Write(ctx context.Context, c Chunk, done func(ok bool))
}

// WriterFunc adapts a function to Writer.
type WriterFunc func(ctx context.Context, c Chunk, done func(ok bool))

func (f WriterFunc) Write(ctx context.Context, c Chunk, done func(ok bool)) { f(ctx, c, done) }
