// SPDX-License-Identifier: Apache-2.0

// Package metrics exports the usage counters of an allocator tree to
// Prometheus.
package metrics

import (
	"strconv"
	"strings"

	"github.com/prometheus/client_golang/prometheus"

	alloc "github.com/wundergraph/go-alloc"
)

// Collector reports the live allocation count and bytes of every allocator
// registered with a Tracker. Each series is labelled with the allocator name
// and its slash separated path in the tree.
type Collector struct {
	tracker     *alloc.Tracker
	allocations *prometheus.Desc
	bytes       *prometheus.Desc
}

var _ prometheus.Collector = (*Collector)(nil)

// NewCollector returns a collector over t. namespace prefixes the metric names
// and may be empty.
func NewCollector(t *alloc.Tracker, namespace string) *Collector {
	labels := []string{"allocator", "path"}
	return &Collector{
		tracker: t,
		allocations: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "allocator", "live_allocations"),
			"Number of allocations currently live.",
			labels, nil,
		),
		bytes: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "allocator", "live_bytes"),
			"Bytes currently allocated, as accounted by the allocator.",
			labels, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.allocations
	ch <- c.bytes
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	for _, s := range Snapshot(c.tracker) {
		ch <- prometheus.MustNewConstMetric(c.allocations, prometheus.GaugeValue, float64(s.Allocations), s.Name, s.Path)
		ch <- prometheus.MustNewConstMetric(c.bytes, prometheus.GaugeValue, float64(s.Bytes), s.Name, s.Path)
	}
}

// Sample is the usage of one allocator at the time of a Snapshot.
type Sample struct {
	Name        string `json:"name"`
	Path        string `json:"path"`
	Depth       int    `json:"depth"`
	Allocations int64  `json:"allocations"`
	Bytes       int64  `json:"bytes"`
}

// Snapshot walks t and returns one sample per allocator in visiting order.
// Paths of allocators sharing a name under the same parent get a "#n" suffix
// so every path is unique.
func Snapshot(t *alloc.Tracker) []Sample {
	var (
		samples []Sample
		stack   []string
		seen    = map[string]int{}
	)
	t.Walk(func(depth int, a alloc.Allocator) bool {
		stack = append(stack[:depth], a.Name())
		path := strings.Join(stack, "/")
		if n := seen[path]; n > 0 {
			seen[path] = n + 1
			stack[depth] = a.Name() + "#" + strconv.Itoa(n)
			path = strings.Join(stack, "/")
		} else {
			seen[path] = 1
		}
		s := a.Stats()
		samples = append(samples, Sample{
			Name:        a.Name(),
			Path:        path,
			Depth:       depth,
			Allocations: s.Allocations,
			Bytes:       s.Bytes,
		})
		return true
	})
	return samples
}
