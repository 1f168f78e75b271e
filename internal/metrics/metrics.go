// Package metrics exposes controller counters to Prometheus.
package metrics

import (
	"context"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Config holds metrics configuration
type Config struct {
	Namespace  string
	Subsystem  string
	ListenAddr string // Empty disables the HTTP server
	Registry   *prometheus.Registry
}

// DefaultConfig returns default metrics configuration
func DefaultConfig() Config {
	return Config{
		Namespace:  "rfmesh",
		Subsystem:  "controller",
		ListenAddr: "",
	}
}

// Metrics holds the controller collectors. A nil *Metrics records nothing.
type Metrics struct {
	registry *prometheus.Registry

	framesReceived  *prometheus.CounterVec
	framesDropped   *prometheus.CounterVec
	sendsTotal      *prometheus.CounterVec
	sendAttempts    prometheus.Histogram
	commandsTotal   *prometheus.CounterVec
	irqReinits      prometheus.Counter
	rxQueueDropped  prometheus.Gauge
	radioChannel    prometheus.Gauge
	nodeLoopCount   *prometheus.GaugeVec
	lastFrameSecond prometheus.Gauge
}

// New registers the collectors on config.Registry, or a fresh registry
// when none is set
func New(config Config) *Metrics {
	reg := config.Registry
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		framesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: config.Namespace,
			Subsystem: config.Subsystem,
			Name:      "frames_received_total",
			Help:      "Frames received from the mesh by category",
		}, []string{"category"}),

		framesDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: config.Namespace,
			Subsystem: config.Subsystem,
			Name:      "frames_dropped_total",
			Help:      "Received frames that failed to decode",
		}, []string{"reason"}),

		sendsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: config.Namespace,
			Subsystem: config.Subsystem,
			Name:      "sends_total",
			Help:      "Reliable sends by result",
		}, []string{"result"}),

		sendAttempts: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: config.Namespace,
			Subsystem: config.Subsystem,
			Name:      "send_attempts",
			Help:      "Transmissions needed for delivered sends",
			Buckets:   []float64{1, 2, 3, 4, 5, 6},
		}),

		commandsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: config.Namespace,
			Subsystem: config.Subsystem,
			Name:      "commands_total",
			Help:      "Console commands dispatched",
		}, []string{"command"}),

		irqReinits: factory.NewCounter(prometheus.CounterOpts{
			Namespace: config.Namespace,
			Subsystem: config.Subsystem,
			Name:      "irq_reinit_total",
			Help:      "Radio re-initializations after a missed interrupt",
		}),

		rxQueueDropped: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: config.Namespace,
			Subsystem: config.Subsystem,
			Name:      "rx_queue_dropped",
			Help:      "Frames dropped on a full receive queue",
		}),

		radioChannel: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: config.Namespace,
			Subsystem: config.Subsystem,
			Name:      "radio_channel",
			Help:      "Current radio channel",
		}),

		nodeLoopCount: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: config.Namespace,
			Subsystem: config.Subsystem,
			Name:      "node_loop_count",
			Help:      "Last wake cycle counter announced by each node",
		}, []string{"node"}),

		lastFrameSecond: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: config.Namespace,
			Subsystem: config.Subsystem,
			Name:      "last_frame_timestamp_seconds",
			Help:      "Unix time of the last received frame",
		}),
	}
}

// Registry returns the registry the collectors live on
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) FrameReceived(category string) {
	if m == nil {
		return
	}
	m.framesReceived.WithLabelValues(category).Inc()
	m.lastFrameSecond.SetToCurrentTime()
}

func (m *Metrics) FrameDropped(reason string) {
	if m == nil {
		return
	}
	m.framesDropped.WithLabelValues(reason).Inc()
}

// SendResult records a reliable send; attempts is ignored when undelivered
func (m *Metrics) SendResult(delivered bool, attempts uint8) {
	if m == nil {
		return
	}
	if !delivered {
		m.sendsTotal.WithLabelValues("fail").Inc()
		return
	}
	m.sendsTotal.WithLabelValues("success").Inc()
	m.sendAttempts.Observe(float64(attempts))
}

func (m *Metrics) Command(name string) {
	if m == nil {
		return
	}
	m.commandsTotal.WithLabelValues(name).Inc()
}

func (m *Metrics) IRQReinit() {
	if m == nil {
		return
	}
	m.irqReinits.Inc()
}

func (m *Metrics) RxQueueDropped(n uint64) {
	if m == nil {
		return
	}
	m.rxQueueDropped.Set(float64(n))
}

func (m *Metrics) Channel(ch uint8) {
	if m == nil {
		return
	}
	m.radioChannel.Set(float64(ch))
}

func (m *Metrics) NodeLoopCount(node string, count uint8) {
	if m == nil {
		return
	}
	m.nodeLoopCount.WithLabelValues(node).Set(float64(count))
}

// Router returns the HTTP routes: /metrics and /healthz. ready reports
// whether the controller is serving.
func (m *Metrics) Router(ready func() bool) http.Handler {
	r := chi.NewRouter()
	r.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		if ready != nil && !ready() {
			http.Error(w, "not serving", http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte("ok\n"))
	})
	return r
}

// Serve runs the HTTP server until ctx is cancelled
func (m *Metrics) Serve(ctx context.Context, addr string, ready func() bool) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           m.Router(ready),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("Metrics listening on %s", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
