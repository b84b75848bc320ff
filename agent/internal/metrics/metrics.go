package metrics

import (
	"errors"
	"io"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"google.golang.org/protobuf/proto"

	"github.com/obsidianstack/logship/agent/internal/output"
	"github.com/obsidianstack/logship/agent/internal/store"
)

// Metric names.
const (
	EventsEmitted   = "logship_events_emitted_total"
	EventsDropped   = "logship_events_dropped_total"
	EventsDelivered = "logship_events_delivered_total"
	FlushesTotal    = "logship_flushes_total"
	StoreErrors     = "logship_store_errors_total"
)

// Registry holds the agent counters.
type Registry struct {
	emitted   atomic.Uint64
	dropped   atomic.Uint64
	delivered atomic.Uint64

	mu          sync.Mutex
	flushes     map[output.Outcome]uint64
	storeErrors map[string]uint64 // keyed by store operation
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{
		flushes:     make(map[output.Outcome]uint64),
		storeErrors: make(map[string]uint64),
	}
}

// Emitted counts an event handed to the output.
func (r *Registry) Emitted() {
	if r == nil {
		return
	}
	r.emitted.Add(1)
}

// Dropped counts an event that could not be formatted or stored.
func (r *Registry) Dropped(n int) {
	if r == nil || n <= 0 {
		return
	}
	r.dropped.Add(uint64(n))
}

// ObserveFlush records a finished flush. It matches output.Options.OnFlush.
func (r *Registry) ObserveFlush(res output.FlushResult) {
	if r == nil {
		return
	}
	r.mu.Lock()
	r.flushes[res.Outcome]++
	r.mu.Unlock()
	if res.Outcome == output.OutcomeDelivered {
		r.delivered.Add(uint64(res.Events))
	}
}

// StoreError records a failed store operation. It matches
// store.QueueOptions.OnError. Events refused by the retention cap also
// count as dropped.
func (r *Registry) StoreError(op, _ string, err error) {
	if r == nil {
		return
	}
	var re *store.RetentionError
	if errors.As(err, &re) {
		r.dropped.Add(uint64(re.Dropped))
	}
	r.mu.Lock()
	r.storeErrors[op]++
	r.mu.Unlock()
}

// Families returns the current counters as metric families sorted by name.
func (r *Registry) Families() []*dto.MetricFamily {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	flushes := make(map[string]uint64, 3)
	for _, o := range []output.Outcome{output.OutcomeDelivered, output.OutcomeFailed, output.OutcomeEmpty} {
		flushes[string(o)] = r.flushes[o]
	}
	storeErrs := make(map[string]uint64, len(r.storeErrors))
	for op, n := range r.storeErrors {
		storeErrs[op] = n
	}
	r.mu.Unlock()

	fams := []*dto.MetricFamily{
		counter(EventsEmitted, "Events handed to the output.", r.emitted.Load()),
		counter(EventsDropped, "Events lost before reaching the store or refused by retention.", r.dropped.Load()),
		counter(EventsDelivered, "Events acknowledged by the collector.", r.delivered.Load()),
		labelled(FlushesTotal, "Finished flushes by result.", "result", flushes),
		labelled(StoreErrors, "Failed store operations by operation.", "op", storeErrs),
	}
	out := fams[:0]
	for _, mf := range fams {
		// The text encoder rejects families without samples.
		if len(mf.Metric) > 0 {
			out = append(out, mf)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].GetName() < out[j].GetName() })
	return out
}

// WriteText renders the counters in the Prometheus text format.
func (r *Registry) WriteText(w io.Writer) error {
	enc := expfmt.NewEncoder(w, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, mf := range r.Families() {
		if err := enc.Encode(mf); err != nil {
			return err
		}
	}
	return nil
}

// Handler serves WriteText over HTTP.
func (r *Registry) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", string(expfmt.NewFormat(expfmt.TypeTextPlain)))
		_ = r.WriteText(w)
	})
}

func counter(name, help string, v uint64) *dto.MetricFamily {
	return &dto.MetricFamily{
		Name: proto.String(name),
		Help: proto.String(help),
		Type: dto.MetricType_COUNTER.Enum(),
		Metric: []*dto.Metric{{
			Counter: &dto.Counter{Value: proto.Float64(float64(v))},
		}},
	}
}

func labelled(name, help, label string, values map[string]uint64) *dto.MetricFamily {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	mf := &dto.MetricFamily{
		Name: proto.String(name),
		Help: proto.String(help),
		Type: dto.MetricType_COUNTER.Enum(),
	}
	for _, k := range keys {
		mf.Metric = append(mf.Metric, &dto.Metric{
			Label:   []*dto.LabelPair{{Name: proto.String(label), Value: proto.String(k)}},
			Counter: &dto.Counter{Value: proto.Float64(float64(values[k]))},
		})
	}
	return mf
}
