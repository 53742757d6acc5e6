// Package monitor exports controller activity as Prometheus metrics.
package monitor

import (
	"context"
	"net/http"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/mironalin/carsense/internal/obd"
)

// Config enables the /metrics endpoint.
type Config struct {
	Enabled bool `yaml:"enabled" json:"enabled"`
}

// Monitor owns a private registry so several instances can coexist in tests.
type Monitor struct {
	log *logrus.Entry
	reg *prometheus.Registry

	Commands       *prometheus.CounterVec
	ReadingErrors  *prometheus.CounterVec
	Latency        prometheus.Histogram
	State          prometheus.Gauge
	ConnectRetries prometheus.Counter
	Connections    prometheus.Counter
	InitSteps      *prometheus.CounterVec
	Goroutines     prometheus.Gauge
	MemoryUsage    prometheus.Gauge
}

func NewMonitor(log *logrus.Entry) *Monitor {
	if log == nil {
		log = logrus.WithField("component", "monitor")
	}
	m := &Monitor{
		log: log,
		reg: prometheus.NewRegistry(),
		Commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "carsense_commands_total",
			Help: "Commands answered by the adapter, by service mode.",
		}, []string{"mode"}),
		ReadingErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "carsense_reading_errors_total",
			Help: "Failed commands and error readings, by kind.",
		}, []string{"kind"}),
		Latency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "carsense_command_latency_seconds",
			Help:    "Round trip time of a command.",
			Buckets: []float64{.025, .05, .1, .2, .35, .5, 1, 2, 3, 5},
		}),
		State: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "carsense_connection_state",
			Help: "0 disconnected, 1 connecting, 2 initializing, 3 ready, 4 error.",
		}),
		ConnectRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "carsense_connect_retries_total",
			Help: "Extra dial attempts needed to establish a link.",
		}),
		Connections: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "carsense_connections_total",
			Help: "Links that reached the ready state.",
		}),
		InitSteps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "carsense_init_steps_total",
			Help: "Adapter initialization steps entered.",
		}, []string{"step"}),
		Goroutines: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "carsense_goroutines",
			Help: "Current goroutine count.",
		}),
		MemoryUsage: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "carsense_memory_usage_bytes",
			Help: "Heap bytes allocated.",
		}),
	}
	m.reg.MustRegister(
		m.Commands,
		m.ReadingErrors,
		m.Latency,
		m.State,
		m.ConnectRetries,
		m.Connections,
		m.InitSteps,
		m.Goroutines,
		m.MemoryUsage,
	)
	return m
}

// Handler serves the registry in the exposition format.
func (m *Monitor) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

// Observe folds one controller event into the metrics.
func (m *Monitor) Observe(ev obd.Event) {
	switch ev.Type {
	case obd.EventStateChanged:
		m.State.Set(float64(ev.State.Status))
	case obd.EventConnectionEstablished:
		m.Connections.Inc()
		if ev.Attempts > 1 {
			m.ConnectRetries.Add(float64(ev.Attempts - 1))
		}
	case obd.EventInitStep:
		m.InitSteps.WithLabelValues(ev.Init.String()).Inc()
	case obd.EventError:
		m.ReadingErrors.WithLabelValues(obd.KindOf(ev.Err).String()).Inc()
	case obd.EventReading:
		r := ev.Reading
		if r == nil {
			return
		}
		m.Commands.WithLabelValues(mode(r.Command)).Inc()
		if ev.Latency > 0 {
			m.Latency.Observe(ev.Latency.Seconds())
		}
		if r.IsError && r.Err != nil {
			m.ReadingErrors.WithLabelValues(r.Err.Kind.String()).Inc()
		}
	}
}

func mode(cmd string) string {
	if len(cmd) < 2 {
		return cmd
	}
	return cmd[:2]
}

// Run consumes events until ctx is done or the channel closes, and samples
// runtime stats every 10s.
func (m *Monitor) Run(ctx context.Context, events <-chan obd.Event) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	m.sampleRuntime()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			m.Observe(ev)
		case <-ticker.C:
			m.sampleRuntime()
		}
	}
}

func (m *Monitor) sampleRuntime() {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	m.Goroutines.Set(float64(runtime.NumGoroutine()))
	m.MemoryUsage.Set(float64(ms.Alloc))
	m.log.Debugf("goroutines: %d, memory: %.2f MB", runtime.NumGoroutine(), float64(ms.Alloc)/1024/1024)
}
