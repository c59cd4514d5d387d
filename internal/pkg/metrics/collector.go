// Package metrics exports session pool state in the Prometheus format.
// Values are read from the pool on every scrape; nothing is cached.
package metrics

import (
	"fmt"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/endorses/wdpool/internal/pkg/pool"
)

const namespace = "wdpool"

// Collector implements prometheus.Collector over a pool.Context.
type Collector struct {
	pool *pool.Context

	capacity     *prometheus.Desc
	live         *prometheus.Desc
	threads      *prometheus.Desc
	decodes      *prometheus.Desc
	decodeErrors *prometheus.Desc
	arenaBytes   *prometheus.Desc
	arenaPeak    *prometheus.Desc
}

// NewCollector creates a collector for pctx.
func NewCollector(pctx *pool.Context) *Collector {
	sessionLabels := []string{"index", "protocol"}
	return &Collector{
		pool: pctx,
		capacity: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "pool", "capacity"),
			"Number of session slots.",
			nil, nil),
		live: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "pool", "live_sessions"),
			"Number of live sessions.",
			nil, nil),
		threads: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "pool", "threads"),
			"Number of registered threads.",
			nil, nil),
		decodes: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "session", "decodes_total"),
			"Successful decodes per session.",
			sessionLabels, nil),
		decodeErrors: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "session", "decode_errors_total"),
			"Failed decodes per session.",
			sessionLabels, nil),
		arenaBytes: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "session", "arena_bytes"),
			"Bytes charged to the session arena.",
			append(sessionLabels, "scope"), nil),
		arenaPeak: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "session", "arena_peak_bytes"),
			"Highest total charged to the session arena.",
			sessionLabels, nil),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.capacity
	ch <- c.live
	ch <- c.threads
	ch <- c.decodes
	ch <- c.decodeErrors
	ch <- c.arenaBytes
	ch <- c.arenaPeak
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	st := c.pool.Stats()
	ch <- prometheus.MustNewConstMetric(c.capacity, prometheus.GaugeValue, float64(st.Capacity))
	ch <- prometheus.MustNewConstMetric(c.live, prometheus.GaugeValue, float64(st.Live))
	ch <- prometheus.MustNewConstMetric(c.threads, prometheus.GaugeValue, float64(st.Threads))

	for _, s := range c.pool.Sessions() {
		idx := strconv.Itoa(s.Index())
		proto := s.Binding().Name
		ok, failed := s.Counters()
		as := s.ArenaStats()

		ch <- prometheus.MustNewConstMetric(c.decodes, prometheus.CounterValue, float64(ok), idx, proto)
		ch <- prometheus.MustNewConstMetric(c.decodeErrors, prometheus.CounterValue, float64(failed), idx, proto)
		ch <- prometheus.MustNewConstMetric(c.arenaBytes, prometheus.GaugeValue, float64(as.PacketBytes), idx, proto, "packet")
		ch <- prometheus.MustNewConstMetric(c.arenaBytes, prometheus.GaugeValue, float64(as.FileBytes), idx, proto, "file")
		ch <- prometheus.MustNewConstMetric(c.arenaPeak, prometheus.GaugeValue, float64(as.PeakBytes), idx, proto)
	}
}

// NewRegistry returns a registry holding a Collector for pctx plus the Go
// runtime and process collectors.
func NewRegistry(pctx *pool.Context) (*prometheus.Registry, error) {
	reg := prometheus.NewRegistry()
	for _, c := range []prometheus.Collector{
		NewCollector(pctx),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("register collector: %w", err)
		}
	}
	return reg, nil
}

// WriteFile writes every metric in g to path in the text exposition format.
func WriteFile(path string, g prometheus.Gatherer) error {
	if err := prometheus.WriteToTextfile(path, g); err != nil {
		return fmt.Errorf("write metrics: %w", err)
	}
	return nil
}
