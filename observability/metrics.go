// Package observability records the gateway's governance metrics: request
// and decision counters, per-stage pipeline span durations, provider
// latency, settled and avoided cost, provider health, and detect-only
// security findings. The instrument set is fixed at compile time — every
// family below corresponds to an invariant the pipeline maintains — and
// label sets register lazily on first use. All write paths are atomic or
// briefly locked; nothing here blocks a request. Handler exposes the
// registry in Prometheus text format.
package observability

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

type kind int

const (
	kindCounter kind = iota
	kindGauge
	kindHistogram
)

// family is one declared metric: its exposition name, help text, and (for
// histograms) bucket bounds.
type family struct {
	name    string
	help    string
	kind    kind
	buckets []float64
}

// spanBuckets cover in-process evaluator stages (sub-millisecond to a
// slow storage round trip); latencyBuckets cover upstream provider calls;
// costBuckets cover per-request settled cost.
var (
	spanBuckets    = []float64{0.1, 0.5, 1, 2, 5, 10, 25, 50, 100, 250}
	latencyBuckets = []float64{25, 50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000, 60000}
	costBuckets    = []float64{0.0001, 0.001, 0.01, 0.05, 0.1, 0.5, 1, 5}
)

// families is the gateway's complete instrument set, in exposition order.
var families = []family{
	{"govgate_requests_started_total", "Requests entering the evaluation pipeline.", kindCounter, nil},
	{"govgate_requests_total", "Requests by final outcome (allow, warn, deny, error, dry_run).", kindCounter, nil},
	{"govgate_decisions_total", "Blocking or error decisions by pipeline stage and stable code.", kindCounter, nil},
	{"govgate_pipeline_span_duration_ms", "Wall-clock time of one pipeline stage.", kindHistogram, spanBuckets},
	{"govgate_provider_latency_ms", "Upstream provider call latency.", kindHistogram, latencyBuckets},
	{"govgate_request_cost_usd", "Settled per-request cost distribution.", kindHistogram, costBuckets},
	{"govgate_cost_settled_usd_total", "Cost committed to the usage ledger.", kindCounter, nil},
	{"govgate_cost_avoided_usd_total", "Estimated cost of requests blocked before the provider call.", kindCounter, nil},
	{"govgate_provider_timeouts_total", "Provider calls that hit their deadline.", kindCounter, nil},
	{"govgate_provider_healthy", "Provider health as seen by the poller (1 healthy, 0 degraded).", kindGauge, nil},
	{"govgate_security_findings_total", "Detect-only security findings by category and severity.", kindCounter, nil},
}

// scalar backs counters and gauges: micro-unit fixed point in one atomic
// word, so fractional dollar amounts accumulate without a lock.
type scalar struct {
	micros int64
}

func (s *scalar) add(v float64) { atomic.AddInt64(&s.micros, int64(v*1e6)) }
func (s *scalar) set(v float64) { atomic.StoreInt64(&s.micros, int64(v*1e6)) }
func (s *scalar) value() float64 {
	return float64(atomic.LoadInt64(&s.micros)) / 1e6
}

// histogram keeps cumulative bucket counts, Prometheus-style.
type histogram struct {
	mu      sync.Mutex
	buckets []float64
	counts  []int64 // cumulative; counts[len(buckets)] is +Inf
	sum     float64
	total   int64
}

func newHistogram(buckets []float64) *histogram {
	return &histogram{buckets: buckets, counts: make([]int64, len(buckets)+1)}
}

func (h *histogram) observe(v float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i, b := range h.buckets {
		if v <= b {
			h.counts[i]++
		}
	}
	h.counts[len(h.buckets)]++
	h.sum += v
	h.total++
}

// Metrics is the gateway's metric registry. Construct once with
// NewMetrics; safe for concurrent use.
type Metrics struct {
	logger     zerolog.Logger
	mu         sync.RWMutex
	scalars    map[string]map[string]*scalar    // family -> rendered labels -> value
	histograms map[string]map[string]*histogram // family -> rendered labels -> histogram
	byName     map[string]family
}

// NewMetrics creates the registry with every family declared.
func NewMetrics(logger zerolog.Logger) *Metrics {
	byName := make(map[string]family, len(families))
	for _, f := range families {
		byName[f.name] = f
	}
	return &Metrics{
		logger:     logger.With().Str("component", "metrics").Logger(),
		scalars:    make(map[string]map[string]*scalar),
		histograms: make(map[string]map[string]*histogram),
		byName:     byName,
	}
}

// labels renders a label set in sorted, exposition-ready form, e.g.
// {code="BUDGET_HARD_LIMIT_EXCEEDED",stage="budget_check"}. Callers pass
// pairs pre-sorted by label name.
func labels(kv ...string) string {
	if len(kv) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteByte('{')
	for i := 0; i+1 < len(kv); i += 2 {
		if i > 0 {
			b.WriteByte(',')
		}
		fmt.Fprintf(&b, "%s=%q", kv[i], kv[i+1])
	}
	b.WriteByte('}')
	return b.String()
}

func (m *Metrics) scalar(name, lbl string) *scalar {
	m.mu.RLock()
	if byLabel, ok := m.scalars[name]; ok {
		if s, ok := byLabel[lbl]; ok {
			m.mu.RUnlock()
			return s
		}
	}
	m.mu.RUnlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	byLabel, ok := m.scalars[name]
	if !ok {
		byLabel = make(map[string]*scalar)
		m.scalars[name] = byLabel
	}
	s, ok := byLabel[lbl]
	if !ok {
		s = &scalar{}
		byLabel[lbl] = s
	}
	return s
}

func (m *Metrics) histogram(name, lbl string) *histogram {
	m.mu.RLock()
	if byLabel, ok := m.histograms[name]; ok {
		if h, ok := byLabel[lbl]; ok {
			m.mu.RUnlock()
			return h
		}
	}
	m.mu.RUnlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	byLabel, ok := m.histograms[name]
	if !ok {
		byLabel = make(map[string]*histogram)
		m.histograms[name] = byLabel
	}
	h, ok := byLabel[lbl]
	if !ok {
		h = newHistogram(m.byName[name].buckets)
		byLabel[lbl] = h
	}
	return h
}

// ─── Domain instruments ──────────────────────────────────────────────────

// RequestStarted counts a request entering the pipeline. Paired with
// RequestOutcome, the difference is the in-flight count.
func (m *Metrics) RequestStarted() {
	m.scalar("govgate_requests_started_total", "").add(1)
}

// RequestOutcome counts a request's terminal outcome. Exactly one
// outcome is emitted per started request, whichever exit path it takes —
// the streaming wrapper relies on this.
func (m *Metrics) RequestOutcome(outcome string) {
	m.scalar("govgate_requests_total", labels("outcome", outcome)).add(1)
}

// DecisionRecorded counts a blocking (or error) decision by the stage
// that produced it and its stable code — the audit log's shape, as a
// counter.
func (m *Metrics) DecisionRecorded(stage, code string) {
	m.scalar("govgate_decisions_total", labels("code", code, "stage", stage)).add(1)
}

// SpanDuration records one pipeline stage's wall-clock time.
func (m *Metrics) SpanDuration(stage string, ms float64) {
	m.histogram("govgate_pipeline_span_duration_ms", labels("stage", stage)).observe(ms)
}

// ProviderLatency records an upstream call's latency.
func (m *Metrics) ProviderLatency(provider string, ms float64) {
	m.histogram("govgate_provider_latency_ms", labels("provider", provider)).observe(ms)
}

// CostSettled records a settled request: the per-request distribution and
// the running ledger total. The total tracks the usage ledger, not the
// pre-call estimate.
func (m *Metrics) CostSettled(provider, model string, usd float64) {
	m.histogram("govgate_request_cost_usd", labels("provider", provider)).observe(usd)
	m.scalar("govgate_cost_settled_usd_total", labels("model", model, "provider", provider)).add(usd)
}

// CostAvoided accumulates the estimated cost of blocked requests — the
// counter behind the "cost avoided" KPI.
func (m *Metrics) CostAvoided(usd float64) {
	m.scalar("govgate_cost_avoided_usd_total", "").add(usd)
}

// ProviderTimeout counts a provider call that hit its deadline.
func (m *Metrics) ProviderTimeout(provider string) {
	m.scalar("govgate_provider_timeouts_total", labels("provider", provider)).add(1)
}

// ProviderHealth reflects the health poller's damped verdict.
func (m *Metrics) ProviderHealth(name string, healthy bool) {
	v := 0.0
	if healthy {
		v = 1.0
	}
	m.scalar("govgate_provider_healthy", labels("provider", name)).set(v)
}

// SecurityFinding counts one detect-only finding.
func (m *Metrics) SecurityFinding(category, severity string) {
	m.scalar("govgate_security_findings_total", labels("category", category, "severity", severity)).add(1)
}

// ─── Exposition ──────────────────────────────────────────────────────────

// Handler renders the registry in Prometheus text format, families in
// declaration order, label sets sorted for stable scrapes.
func (m *Metrics) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")

		m.mu.RLock()
		defer m.mu.RUnlock()

		var b strings.Builder
		for _, f := range families {
			switch f.kind {
			case kindCounter, kindGauge:
				byLabel, ok := m.scalars[f.name]
				if !ok {
					continue
				}
				writeFamilyHeader(&b, f)
				for _, lbl := range sortedKeys(byLabel) {
					fmt.Fprintf(&b, "%s%s %g\n", f.name, lbl, byLabel[lbl].value())
				}
			case kindHistogram:
				byLabel, ok := m.histograms[f.name]
				if !ok {
					continue
				}
				writeFamilyHeader(&b, f)
				for _, lbl := range sortedKeys(byLabel) {
					writeHistogram(&b, f.name, lbl, byLabel[lbl])
				}
			}
		}
		if _, err := w.Write([]byte(b.String())); err != nil {
			m.logger.Debug().Err(err).Msg("metrics write failed")
		}
	}
}

func writeFamilyHeader(b *strings.Builder, f family) {
	kindName := "counter"
	switch f.kind {
	case kindGauge:
		kindName = "gauge"
	case kindHistogram:
		kindName = "histogram"
	}
	fmt.Fprintf(b, "# HELP %s %s\n# TYPE %s %s\n", f.name, f.help, f.name, kindName)
}

func writeHistogram(b *strings.Builder, name, lbl string, h *histogram) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i, bound := range h.buckets {
		fmt.Fprintf(b, "%s_bucket%s %d\n", name, mergeLE(lbl, fmt.Sprintf("%g", bound)), h.counts[i])
	}
	fmt.Fprintf(b, "%s_bucket%s %d\n", name, mergeLE(lbl, "+Inf"), h.counts[len(h.buckets)])
	fmt.Fprintf(b, "%s_sum%s %g\n", name, lbl, h.sum)
	fmt.Fprintf(b, "%s_count%s %d\n", name, lbl, h.total)
}

// mergeLE splices the le label into an already-rendered label set.
func mergeLE(lbl, bound string) string {
	le := fmt.Sprintf("le=%q", bound)
	if lbl == "" {
		return "{" + le + "}"
	}
	return strings.TrimSuffix(lbl, "}") + "," + le + "}"
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
