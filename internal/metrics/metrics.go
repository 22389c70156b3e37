// Package metrics exports engine activity as Prometheus metrics. A Collector
// is an engine.Observer backed by its own registry, so several engines in one
// process, or in one test binary, never share counters.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/specialistvlad/accelgrid/internal/engine"
	"github.com/specialistvlad/accelgrid/internal/memory"
)

const (
	labelOp     = "op"
	labelDevice = "device"
	labelStatus = "status"

	statusOK      = "ok"
	statusSkipped = "skipped"
	statusError   = "error"
)

// Collector records instruction and run outcomes.
type Collector struct {
	registry     *prometheus.Registry
	instructions *prometheus.CounterVec
	transferred  *prometheus.CounterVec
	issueTime    *prometheus.HistogramVec
	runs         *prometheus.CounterVec
	runTime      prometheus.Histogram
	heapUsed     *prometheus.GaugeVec
	heapSize     *prometheus.GaugeVec
	stackUsed    *prometheus.GaugeVec
}

// NewCollector initializes a collector with a fresh registry.
func NewCollector() *Collector {
	registry := prometheus.NewRegistry()
	c := &Collector{
		registry: registry,
		instructions: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "accelgrid_instructions_total", Help: "Dispatched instructions by outcome"},
			[]string{labelOp, labelDevice, labelStatus},
		),
		transferred: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "accelgrid_transfer_bytes_total", Help: "Bytes moved between host and device"},
			[]string{labelOp, labelDevice},
		),
		issueTime: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "accelgrid_instruction_duration_seconds",
				Help:    "Time spent issuing an instruction, including blocking waits",
				Buckets: prometheus.ExponentialBuckets(1e-6, 4, 10),
			},
			[]string{labelOp},
		),
		runs: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "accelgrid_runs_total", Help: "Program runs by outcome"},
			[]string{labelStatus},
		),
		runTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "accelgrid_run_duration_seconds",
			Help:    "Program run duration in seconds",
			Buckets: prometheus.DefBuckets,
		}),
		heapUsed: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{Name: "accelgrid_heap_allocated_bytes", Help: "Heap bytes allocated on a device"},
			[]string{labelDevice},
		),
		heapSize: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{Name: "accelgrid_heap_size_bytes", Help: "Heap capacity of a device"},
			[]string{labelDevice},
		),
		stackUsed: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{Name: "accelgrid_call_stack_allocated_bytes", Help: "Call stack bytes reserved on a device"},
			[]string{labelDevice},
		),
	}

	registry.MustRegister(c.instructions, c.transferred, c.issueTime, c.runs, c.runTime,
		c.heapUsed, c.heapSize, c.stackUsed)
	return c
}

// Registry exposes the collector's registry.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// Handler serves the collected metrics in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Observe implements engine.Observer.
func (c *Collector) Observe(ev engine.Event) {
	op := ev.Instruction.Op.String()
	dev := strconv.Itoa(ev.Instruction.Device)

	status := statusOK
	switch {
	case ev.Err != nil:
		status = statusError
	case ev.Skipped:
		status = statusSkipped
	}
	c.instructions.WithLabelValues(op, dev, status).Inc()
	if ev.Bytes > 0 {
		c.transferred.WithLabelValues(op, dev).Add(float64(ev.Bytes))
	}
	c.issueTime.WithLabelValues(op).Observe(ev.Duration.Seconds())
}

// ObserveRun records the outcome of one Engine.Run call.
func (c *Collector) ObserveRun(err error, duration time.Duration) {
	status := statusOK
	if err != nil {
		status = statusError
	}
	c.runs.WithLabelValues(status).Inc()
	c.runTime.Observe(duration.Seconds())
}

// ObserveMemory samples the allocation state of a device's memory manager.
func (c *Collector) ObserveMemory(device int, m *memory.Manager) {
	dev := strconv.Itoa(device)
	c.heapUsed.WithLabelValues(dev).Set(float64(m.HeapAllocated()))
	c.heapSize.WithLabelValues(dev).Set(float64(m.HeapSize()))
	c.stackUsed.WithLabelValues(dev).Set(float64(m.CallStackAllocated()))
}
