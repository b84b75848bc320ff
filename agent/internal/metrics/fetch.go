package metrics

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
)

const defaultFetchTimeout = 5 * time.Second

// Snapshot maps a metric name to its samples summed across labels, plus a
// per-label breakdown keyed "name{label=value}".
type Snapshot map[string]float64

// Fetch reads the exposition served at addr (host:port or a full URL).
func Fetch(ctx context.Context, addr string) (Snapshot, error) {
	url := addr
	if !strings.Contains(url, "://") {
		url = "http://" + url + "/metrics"
	}
	ctx, cancel := context.WithTimeout(ctx, defaultFetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("metrics: build request: %w", err)
	}
	req.Header.Set("Accept", string(expfmt.NewFormat(expfmt.TypeTextPlain)))

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("metrics: http get: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("metrics: unexpected status %d", resp.StatusCode)
	}
	return Parse(resp.Body)
}

// Parse decodes a text exposition into a Snapshot.
func Parse(r io.Reader) (Snapshot, error) {
	var parser expfmt.TextParser
	mfs, err := parser.TextToMetricFamilies(r)
	if err != nil && len(mfs) == 0 {
		return nil, fmt.Errorf("metrics: parse text: %w", err)
	}

	snap := make(Snapshot)
	for name, mf := range mfs {
		snap[name] = sumFamily(mf)
		for _, m := range mf.GetMetric() {
			for _, lp := range m.GetLabel() {
				key := fmt.Sprintf("%s{%s=%s}", name, lp.GetName(), lp.GetValue())
				snap[key] += value(m)
			}
		}
	}
	return snap, nil
}

// sumFamily adds up all counter, gauge, or untyped values in mf.
func sumFamily(mf *dto.MetricFamily) float64 {
	if mf == nil {
		return 0
	}
	var total float64
	for _, m := range mf.GetMetric() {
		total += value(m)
	}
	return total
}

func value(m *dto.Metric) float64 {
	switch {
	case m.Counter != nil:
		return m.Counter.GetValue()
	case m.Gauge != nil:
		return m.Gauge.GetValue()
	case m.Untyped != nil:
		return m.Untyped.GetValue()
	}
	return 0
}
