// Package metrics counts registry traffic so verbose runs can report how
// reads were served.
package metrics

import (
	"fmt"
	"sort"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

const namespace = "skillvault"

// Recorder owns a private prometheus registry; nothing is registered
// globally.
type Recorder struct {
	Registry *prometheus.Registry

	Requests    *prometheus.CounterVec
	CacheHits   *prometheus.CounterVec
	CacheMisses *prometheus.CounterVec
	Retries     *prometheus.CounterVec
}

func New() *Recorder {
	r := &Recorder{
		Registry: prometheus.NewRegistry(),
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "registry_requests_total",
			Help:      "Registry requests by operation, path and outcome.",
		}, []string{"operation", "path", "outcome"}),
		CacheHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_hits_total",
			Help:      "Registry reads served from the cache.",
		}, []string{"operation"}),
		CacheMisses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_misses_total",
			Help:      "Registry reads that went to the network.",
		}, []string{"operation"}),
		Retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "registry_retries_total",
			Help:      "Retried registry calls.",
		}, []string{"operation"}),
	}
	r.Registry.MustRegister(r.Requests, r.CacheHits, r.CacheMisses, r.Retries)
	return r
}

// Request records one fast-path or slow-path attempt. A nil Recorder is a
// no-op so components can run without metrics.
func (r *Recorder) Request(operation, path, outcome string) {
	if r == nil {
		return
	}
	r.Requests.WithLabelValues(operation, path, outcome).Inc()
}

func (r *Recorder) CacheHit(operation string) {
	if r == nil {
		return
	}
	r.CacheHits.WithLabelValues(operation).Inc()
}

func (r *Recorder) CacheMiss(operation string) {
	if r == nil {
		return
	}
	r.CacheMisses.WithLabelValues(operation).Inc()
}

func (r *Recorder) Retry(operation string) {
	if r == nil {
		return
	}
	r.Retries.WithLabelValues(operation).Inc()
}

// Summary renders non-zero counters as sorted "name{labels} value" lines.
func (r *Recorder) Summary() ([]string, error) {
	if r == nil {
		return nil, nil
	}
	families, err := r.Registry.Gather()
	if err != nil {
		return nil, fmt.Errorf("gather metrics: %w", err)
	}
	var out []string
	for _, fam := range families {
		for _, m := range fam.GetMetric() {
			v := m.GetCounter().GetValue()
			if v == 0 {
				continue
			}
			out = append(out, fmt.Sprintf("%s{%s} %g", fam.GetName(), labels(m), v))
		}
	}
	sort.Strings(out)
	return out, nil
}

func labels(m *dto.Metric) string {
	parts := make([]string, 0, len(m.GetLabel()))
	for _, lp := range m.GetLabel() {
		parts = append(parts, fmt.Sprintf("%s=%q", lp.GetName(), lp.GetValue()))
	}
	return strings.Join(parts, ",")
}
