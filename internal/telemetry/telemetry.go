package telemetry

import (
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// MetricType represents the type of metric
type MetricType string

const (
	Counter MetricType = "counter"
	Gauge   MetricType = "gauge"
	Timer   MetricType = "timer"
)

// Metric is one recorded measurement.
type Metric struct {
	Name      string            `json:"name"`
	Type      MetricType        `json:"type"`
	Value     float64           `json:"value"`
	Labels    map[string]string `json:"labels"`
	Timestamp time.Time         `json:"timestamp"`
	Unit      string            `json:"unit,omitempty"`
}

// Collector buffers metrics for one CLI invocation and flushes them to the
// log when the command finishes.
type Collector struct {
	mu      sync.Mutex
	metrics []Metric
	enabled bool
	now     func() time.Time
}

// NewCollector creates a collector; a disabled collector drops everything.
func NewCollector(enabled bool) *Collector {
	return &Collector{enabled: enabled, now: time.Now}
}

// Counter adds value to a counter.
func (c *Collector) Counter(name string, value float64, labels map[string]string) {
	c.add(Metric{Name: name, Type: Counter, Value: value, Labels: labels})
}

// Gauge sets a gauge value.
func (c *Collector) Gauge(name string, value float64, labels map[string]string) {
	c.add(Metric{Name: name, Type: Gauge, Value: value, Labels: labels})
}

// Timer records a duration in milliseconds.
func (c *Collector) Timer(name string, d time.Duration, labels map[string]string) {
	c.add(Metric{Name: name, Type: Timer, Value: float64(d.Milliseconds()), Labels: labels, Unit: "ms"})
}

// Time starts a timer; call the returned func to record it.
func (c *Collector) Time(name string, labels map[string]string) func() {
	start := c.now()
	return func() { c.Timer(name, c.now().Sub(start), labels) }
}

func (c *Collector) add(m Metric) {
	if c == nil || !c.enabled {
		return
	}
	m.Timestamp = c.now()
	c.mu.Lock()
	c.metrics = append(c.metrics, m)
	c.mu.Unlock()
}

// Metrics returns a copy of the buffered metrics.
func (c *Collector) Metrics() []Metric {
	if c == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Metric, len(c.metrics))
	copy(out, c.metrics)
	return out
}

// Total sums every counter or timer recorded under name.
func (c *Collector) Total(name string) float64 {
	var sum float64
	for _, m := range c.Metrics() {
		if m.Name == name {
			sum += m.Value
		}
	}
	return sum
}

// Summary aggregates buffered metrics by name: counters and timers are
// summed, gauges keep the last value.
func (c *Collector) Summary() map[string]float64 {
	out := map[string]float64{}
	for _, m := range c.Metrics() {
		if m.Type == Gauge {
			out[m.Name] = m.Value
			continue
		}
		out[m.Name] += m.Value
	}
	return out
}

// Flush writes the buffered metrics at debug level and clears the buffer.
func (c *Collector) Flush() {
	if c == nil {
		return
	}
	summary := c.Summary()
	c.mu.Lock()
	c.metrics = c.metrics[:0]
	c.mu.Unlock()
	if len(summary) == 0 {
		return
	}
	names := make([]string, 0, len(summary))
	for name := range summary {
		names = append(names, name)
	}
	sort.Strings(names)
	dict := zerolog.Dict()
	for _, name := range names {
		dict = dict.Float64(name, summary[name])
	}
	log.Debug().Dict("metrics", dict).Msg("telemetry")
}

var global = NewCollector(false)

// InitGlobal replaces the process-wide collector.
func InitGlobal(enabled bool) {
	global = NewCollector(enabled)
}

// Global returns the process-wide collector.
func Global() *Collector { return global }

func CounterGlobal(name string, value float64, labels map[string]string) {
	global.Counter(name, value, labels)
}

func TimerGlobal(name string, d time.Duration, labels map[string]string) {
	global.Timer(name, d, labels)
}

// Shutdown flushes the process-wide collector.
func Shutdown() {
	global.Flush()
}
