// Package metrics is a small Prometheus-text-format registry for the
// counters and histograms this service emits. It keeps the control plane
// free of a metrics client dependency while staying scrapeable.
package metrics

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
)

type counter struct {
	help   string
	series map[string]*counterSample
}

type counterSample struct {
	labels map[string]string
	value  uint64
}

type histogram struct {
	help    string
	buckets []float64
	series  map[string]*histogramSample
}

type histogramSample struct {
	labels       map[string]string
	count        uint64
	sum          float64
	bucketCounts []uint64
}

type Registry struct {
	mu         sync.RWMutex
	counters   map[string]*counter
	histograms map[string]*histogram
}

func NewRegistry() *Registry {
	r := &Registry{
		counters:   make(map[string]*counter),
		histograms: make(map[string]*histogram),
	}
	r.registerDefaults()
	return r
}

func (r *Registry) registerDefaults() {
	r.RegisterCounter("vpn4u_admission_decisions_total", "Admission decisions by outcome and reason.")
	r.RegisterCounter("vpn4u_selection_total", "Server selection attempts by outcome.")
	r.RegisterCounter("vpn4u_sessions_reaped_total", "Sessions closed by the idle reaper.")
	r.RegisterCounter("vpn4u_stale_probes_total", "Fleet probes discarded for arriving out of order.")
	r.RegisterCounter("vpn4u_issuance_total", "Credential issuance attempts by status.")
	r.RegisterHistogram("vpn4u_issuance_latency_ms", "Credential issuance latency in milliseconds.", []float64{10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000})
	r.RegisterCounter("vpn4u_revocation_total", "Credential revocation attempts by status.")
	r.RegisterCounter("vpn4u_job_runs_total", "Background job runs by job and status.")
	r.RegisterHistogram("vpn4u_job_duration_ms", "Background job duration in milliseconds by job.", []float64{10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000})
	r.RegisterCounter("vpn4u_aws_operations_total", "AWS operation attempts by operation, region, and status.")
	r.RegisterHistogram("vpn4u_aws_operation_latency_ms", "AWS operation latency in milliseconds by operation, region, and status.", []float64{25, 50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000})
	r.RegisterCounter("vpn4u_aws_retries_total", "AWS retries by operation, region, and error code.")
	r.RegisterCounter("vpn4u_aws_retry_exhausted_total", "AWS operations that exhausted retry attempts by operation and region.")
}

func (r *Registry) RegisterCounter(name, help string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counters[name] = &counter{help: help, series: make(map[string]*counterSample)}
}

func (r *Registry) RegisterHistogram(name, help string, buckets []float64) {
	cp := append([]float64(nil), buckets...)
	sort.Float64s(cp)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.histograms[name] = &histogram{help: help, buckets: cp, series: make(map[string]*histogramSample)}
}

func (r *Registry) IncCounter(name string, labels map[string]string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.counters[name]
	if !ok {
		return
	}
	key := labelsKey(labels)
	sample := c.series[key]
	if sample == nil {
		sample = &counterSample{labels: cloneLabels(labels)}
		c.series[key] = sample
	}
	sample.value++
}

func (r *Registry) AddCounter(name string, delta uint64, labels map[string]string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.counters[name]
	if !ok {
		return
	}
	key := labelsKey(labels)
	sample := c.series[key]
	if sample == nil {
		sample = &counterSample{labels: cloneLabels(labels)}
		c.series[key] = sample
	}
	sample.value += delta
}

func (r *Registry) ObserveHistogram(name string, value float64, labels map[string]string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.histograms[name]
	if !ok {
		return
	}
	key := labelsKey(labels)
	sample := h.series[key]
	if sample == nil {
		sample = &histogramSample{
			labels:       cloneLabels(labels),
			bucketCounts: make([]uint64, len(h.buckets)+1),
		}
		h.series[key] = sample
	}
	bi := len(h.buckets)
	for i, bucket := range h.buckets {
		if value <= bucket {
			bi = i
			break
		}
	}
	sample.bucketCounts[bi]++
	sample.count++
	sample.sum += value
}

func (r *Registry) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		_, _ = w.Write([]byte(r.Render()))
	})
}

func (r *Registry) Render() string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var b strings.Builder

	for _, name := range sortedKeys(r.counters) {
		c := r.counters[name]
		writeHeader(&b, name, c.help, "counter")
		for _, key := range sortedKeys(c.series) {
			s := c.series[key]
			writeSample(&b, name, s.labels, fmt.Sprintf("%d", s.value))
		}
	}

	for _, name := range sortedKeys(r.histograms) {
		h := r.histograms[name]
		writeHeader(&b, name, h.help, "histogram")
		for _, key := range sortedKeys(h.series) {
			s := h.series[key]
			var cumulative uint64
			for i, bucketCount := range s.bucketCounts {
				cumulative += bucketCount
				withLE := cloneLabels(s.labels)
				if i < len(h.buckets) {
					withLE["le"] = trimFloat(h.buckets[i])
				} else {
					withLE["le"] = "+Inf"
				}
				writeSample(&b, name+"_bucket", withLE, fmt.Sprintf("%d", cumulative))
			}
			writeSample(&b, name+"_sum", s.labels, trimFloat(s.sum))
			writeSample(&b, name+"_count", s.labels, fmt.Sprintf("%d", s.count))
		}
	}

	return b.String()
}

func sortedKeys[T any](m map[string]T) []string {
	out := make([]string, 0, len(m))
	for key := range m {
		out = append(out, key)
	}
	sort.Strings(out)
	return out
}

func writeHeader(b *strings.Builder, name, help, typ string) {
	b.WriteString("# HELP ")
	b.WriteString(name)
	b.WriteString(" ")
	b.WriteString(help)
	b.WriteString("\n# TYPE ")
	b.WriteString(name)
	b.WriteString(" ")
	b.WriteString(typ)
	b.WriteString("\n")
}

func writeSample(b *strings.Builder, name string, labels map[string]string, value string) {
	b.WriteString(name)
	if len(labels) > 0 {
		b.WriteString("{")
		for i, key := range sortedKeys(labels) {
			if i > 0 {
				b.WriteString(",")
			}
			b.WriteString(key)
			b.WriteString("=\"")
			b.WriteString(escapeLabel(labels[key]))
			b.WriteString("\"")
		}
		b.WriteString("}")
	}
	b.WriteString(" ")
	b.WriteString(value)
	b.WriteString("\n")
}

func labelsKey(labels map[string]string) string {
	if len(labels) == 0 {
		return ""
	}
	var b strings.Builder
	for _, key := range sortedKeys(labels) {
		b.WriteString(key)
		b.WriteString("=")
		b.WriteString(labels[key])
		b.WriteString(";")
	}
	return b.String()
}

func cloneLabels(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for key, value := range in {
		out[key] = value
	}
	return out
}

func escapeLabel(v string) string {
	v = strings.ReplaceAll(v, "\\", "\\\\")
	v = strings.ReplaceAll(v, "\n", "\\n")
	v = strings.ReplaceAll(v, "\"", "\\\"")
	return v
}

func trimFloat(v float64) string {
	s := fmt.Sprintf("%.6f", v)
	s = strings.TrimRight(s, "0")
	s = strings.TrimRight(s, ".")
	if s == "" {
		return "0"
	}
	return s
}

var (
	defaultMu       sync.Mutex
	defaultRegistry = NewRegistry()
)

func Default() *Registry {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	return defaultRegistry
}

func ResetDefaultForTest() {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	defaultRegistry = NewRegistry()
}
