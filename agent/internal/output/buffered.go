package output

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/obsidianstack/logship/agent/internal/event"
	"github.com/obsidianstack/logship/agent/internal/store"
)

// Defaults applied when Options fields are zero.
const (
	DefaultFlushInterval  = 10 * time.Second
	DefaultFlushThreshold = 100
)

var (
	// ErrDeliveryFailed is returned by Drain when a chunk was not delivered.
	ErrDeliveryFailed = errors.New("output: delivery failed")

	// ErrNotRunning is returned by Drain before Start, while suspended and
	// after Close.
	ErrNotRunning = errors.New("output: not running")
)

// Outcome classifies a finished flush.
type Outcome string

const (
	OutcomeDelivered Outcome = "ok"
	OutcomeFailed    Outcome = "failed"
	OutcomeEmpty     Outcome = "empty"
)

// FlushResult is passed to Options.OnFlush after every flush.
type FlushResult struct {
	Group    string
	Events   int
	Bytes    int
	Outcome  Outcome
	Duration time.Duration
}

// Options configures a Buffered output.
type Options struct {
	// FlushInterval is the period of the flush ticker. Zero means
	// DefaultFlushInterval.
	FlushInterval time.Duration

	// FlushThreshold starts a flush once this many events were emitted to
	// a group since its last flush. Zero means DefaultFlushThreshold;
	// negative disables threshold flushes.
	FlushThreshold int

	// OnFlush observes finished flushes. May be nil.
	OnFlush func(FlushResult)
}

// Buffered is the store-backed Output. Create with NewBuffered.
type Buffered struct {
	queue  *store.Queue
	writer Writer

	ctx    context.Context // passed to Writer; cancelled by Close
	cancel context.CancelFunc

	mu        sync.Mutex
	opts      Options
	groups    map[string]*groupState
	started   bool
	running   bool
	closed    bool
	ticker    *time.Ticker
	stopTick  chan struct{}
	tickerEnd sync.WaitGroup

	active    int           // flushes in flight across all groups
	idleCh    chan struct{} // closed when active drops to zero
	failed    uint64        // failed deliveries since NewBuffered
	delivered uint64        // successful deliveries since NewBuffered
}

type groupState struct {
	flushing bool
	pending  int // events emitted since the last flush started
}

// NewBuffered returns a Buffered output that persists through q and
// delivers through w. It does nothing until Start.
func NewBuffered(q *store.Queue, w Writer, opts Options) *Buffered {
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = DefaultFlushInterval
	}
	if opts.FlushThreshold == 0 {
		opts.FlushThreshold = DefaultFlushThreshold
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Buffered{
		queue:  q,
		writer: w,
		ctx:    ctx,
		cancel: cancel,
		opts:   opts,
		groups: make(map[string]*groupState),
	}
}

// Start enables flushing, starts the interval ticker and starts a flush of
// every group left in the store by a previous run. Start waits for the
// group listing but not for the flushes. Calling Start again behaves like
// Resume.
func (b *Buffered) Start() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.running = true
	if b.started {
		b.mu.Unlock()
		return
	}
	b.started = true
	b.ticker = time.NewTicker(b.opts.FlushInterval)
	b.stopTick = make(chan struct{})
	b.tickerEnd.Add(1)
	go b.tick(b.ticker.C, b.stopTick)
	interval := b.opts.FlushInterval
	b.mu.Unlock()

	slog.Info("output: started", "flush_interval", interval)

	listed := make(chan []string, 1)
	b.queue.Groups(func(groups []string) { listed <- groups })
	for _, g := range <-listed {
		slog.Debug("output: resuming stored group", "group", g)
		b.Flush(g)
	}
}

// Resume re-enables flushing after Suspend.
func (b *Buffered) Resume() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.started && !b.closed {
		b.running = true
	}
}

// Suspend stops new flushes from starting. In-flight flushes complete and
// emitted events keep being stored.
func (b *Buffered) Suspend() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.running = false
}

// Emit stores e and, once the group's threshold is reached, starts a flush.
// It never waits for disk or network I/O.
func (b *Buffered) Emit(e event.Event) {
	b.state(e.Group)
	b.queue.Add(e.Group, event.NewSet(e), func() {
		b.mu.Lock()
		st := b.groups[e.Group]
		st.pending++
		due := b.opts.FlushThreshold > 0 && st.pending >= b.opts.FlushThreshold
		b.mu.Unlock()
		if due {
			b.Flush(e.Group)
		}
	})
}

// Flush starts a flush of group unless flushing is suspended or one is
// already in flight. It reports whether a flush was started; the flush
// itself completes asynchronously.
func (b *Buffered) Flush(group string) bool {
	b.mu.Lock()
	st := b.stateLocked(group)
	if !b.running || b.closed {
		b.mu.Unlock()
		return false
	}
	if st.flushing {
		b.mu.Unlock()
		slog.Debug("output: flush already in flight, trigger coalesced", "group", group)
		return false
	}
	st.flushing = true
	st.pending = 0
	b.active++
	if b.active == 1 {
		b.idleCh = make(chan struct{})
	}
	b.mu.Unlock()

	started := time.Now()
	b.queue.Retrieve(group, func(set event.Set) {
		if set.Len() == 0 {
			b.finish(FlushResult{Group: group, Outcome: OutcomeEmpty, Duration: time.Since(started)})
			return
		}
		chunk := Chunk{Group: group, Events: set.Sorted()}
		go b.deliver(chunk, started)
	})
	return true
}

// FlushAll starts a flush of every known group.
func (b *Buffered) FlushAll() {
	b.mu.Lock()
	groups := make([]string, 0, len(b.groups))
	for g := range b.groups {
		groups = append(groups, g)
	}
	b.mu.Unlock()

	for _, g := range groups {
		b.Flush(g)
	}
}

// Reconfigure applies a new flush interval and threshold. Zero values keep
// the current setting.
func (b *Buffered) Reconfigure(interval time.Duration, threshold int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if interval > 0 && interval != b.opts.FlushInterval {
		b.opts.FlushInterval = interval
		if b.ticker != nil {
			b.ticker.Reset(interval)
		}
	}
	if threshold != 0 {
		b.opts.FlushThreshold = threshold
	}
	slog.Info("output: reconfigured",
		"flush_interval", b.opts.FlushInterval, "flush_threshold", b.opts.FlushThreshold)
}

// Close stops the ticker, prevents new flushes and waits for in-flight
// flushes until ctx is done. The writer's context is cancelled on return.
func (b *Buffered) Close(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.running = false
	if b.ticker != nil {
		b.ticker.Stop()
		close(b.stopTick)
	}
	b.mu.Unlock()
	b.tickerEnd.Wait()

	defer b.cancel()
	return b.waitIdle(ctx)
}

// Drain flushes every stored group, repeating until the store is empty.
// It returns ErrDeliveryFailed as soon as a round has a failed delivery,
// and ErrNotRunning when flushing is suspended or the output is closed.
// Drain is meant for one-shot use before Close, once emitting stopped.
func (b *Buffered) Drain(ctx context.Context) error {
	for {
		if err := b.waitIdle(ctx); err != nil {
			return err
		}
		listed := make(chan []string, 1)
		b.queue.Groups(func(groups []string) { listed <- groups })
		var stored []string
		select {
		case stored = <-listed:
		case <-ctx.Done():
			return ctx.Err()
		}

		b.mu.Lock()
		// Groups emitted to in this process may not have reached the
		// store yet; their flush is queued behind the pending adds.
		groups := make(map[string]struct{}, len(stored)+len(b.groups))
		for _, g := range stored {
			groups[g] = struct{}{}
		}
		for g := range b.groups {
			groups[g] = struct{}{}
		}
		running := b.running && !b.closed
		failedBefore, deliveredBefore := b.failed, b.delivered
		b.mu.Unlock()
		if len(groups) == 0 {
			return nil
		}
		if !running {
			return ErrNotRunning
		}
		for g := range groups {
			b.Flush(g)
		}
		if err := b.waitIdle(ctx); err != nil {
			return err
		}

		b.mu.Lock()
		failed := b.failed > failedBefore
		progressed := b.delivered > deliveredBefore
		b.mu.Unlock()
		if failed {
			return ErrDeliveryFailed
		}
		if !progressed {
			// Listed groups held nothing readable.
			return nil
		}
	}
}

// waitIdle blocks until no flush is in flight or ctx is done.
func (b *Buffered) waitIdle(ctx context.Context) error {
	b.mu.Lock()
	idle := b.idleCh
	if b.active == 0 {
		idle = nil
	}
	b.mu.Unlock()
	if idle == nil {
		return nil
	}
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *Buffered) tick(c <-chan time.Time, stop <-chan struct{}) {
	defer b.tickerEnd.Done()
	for {
		select {
		case <-stop:
			return
		case <-c:
			b.FlushAll()
		}
	}
}

// deliver hands chunk to the writer and reconciles the store with the
// verdict. Only the chunk's own events are removed on success.
func (b *Buffered) deliver(chunk Chunk, started time.Time) {
	var once sync.Once
	done := func(ok bool) {
		once.Do(func() {
			res := FlushResult{
				Group:  chunk.Group,
				Events: chunk.Len(),
				Bytes:  chunk.Size(),
			}
			if !ok {
				res.Outcome = OutcomeFailed
				res.Duration = time.Since(started)
				slog.Warn("output: delivery failed, events kept for retry",
					"group", chunk.Group, "events", chunk.Len())
				b.finish(res)
				return
			}
			b.queue.Remove(chunk.Group, chunk.Set(), func() {
				res.Outcome = OutcomeDelivered
				res.Duration = time.Since(started)
				slog.Debug("output: chunk delivered", "group", chunk.Group, "events", chunk.Len())
				b.finish(res)
			})
		})
	}
	b.writer.Write(b.ctx, chunk, done)
}

func (b *Buffered) finish(res FlushResult) {
	b.mu.Lock()
	st := b.stateLocked(res.Group)
	st.flushing = false
	again := res.Outcome == OutcomeDelivered && b.opts.FlushThreshold > 0 && st.pending >= b.opts.FlushThreshold
	switch res.Outcome {
	case OutcomeFailed:
		b.failed++
	case OutcomeDelivered:
		b.delivered++
	}
	hook := b.opts.OnFlush
	b.mu.Unlock()

	if hook != nil {
		hook(res)
	}

	b.mu.Lock()
	b.active--
	if b.active == 0 {
		close(b.idleCh)
		b.idleCh = nil
	}
	b.mu.Unlock()

	if again {
		b.Flush(res.Group)
	}
}

func (b *Buffered) state(group string) *groupState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stateLocked(group)
}

func (b *Buffered) stateLocked(group string) *groupState {
	st, ok := b.groups[group]
	if !ok {
		st = &groupState{}
		b.groups[group] = st
	}
	return st
}
