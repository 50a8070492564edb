// Package telemetry provides Prometheus metrics and correlation-id aware logging helpers.
package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once sync.Once

	// Counters
	PollCycles         prometheus.Counter
	CaptionsFetched    prometheus.Counter
	CaptionsFailed     prometheus.Counter
	CuesRepaired       prometheus.Counter
	RewritesSucceeded  prometheus.Counter
	RewritesFailed     prometheus.Counter
	PublishesSucceeded prometheus.Counter
	PublishesFailed    prometheus.Counter

	// Histograms (seconds)
	CaptionFetchDuration prometheus.Observer
	PublishDuration      prometheus.Observer
	TotalRelayDuration   prometheus.Observer

	// Gauges
	QueueDepthGauge  prometheus.Gauge
	CircuitOpenGauge prometheus.Gauge // 1=open,0=closed
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		PollCycles = promauto.NewCounter(prometheus.CounterOpts{Name: "relay_poll_cycles_total", Help: "Number of relay poll cycles (relayOnce invocations)"})
		CaptionsFetched = promauto.NewCounter(prometheus.CounterOpts{Name: "relay_captions_fetched_total", Help: "Number of caption tracks fetched"})
		CaptionsFailed = promauto.NewCounter(prometheus.CounterOpts{Name: "relay_captions_failed_total", Help: "Number of caption track fetch failures"})
		CuesRepaired = promauto.NewCounter(prometheus.CounterOpts{Name: "relay_cues_repaired_total", Help: "Number of caption cues run through the timing repairer"})
		RewritesSucceeded = promauto.NewCounter(prometheus.CounterOpts{Name: "relay_rewrites_succeeded_total", Help: "Number of LLM rewrites succeeded"})
		RewritesFailed = promauto.NewCounter(prometheus.CounterOpts{Name: "relay_rewrites_failed_total", Help: "Number of LLM rewrites failed"})
		PublishesSucceeded = promauto.NewCounter(prometheus.CounterOpts{Name: "relay_publishes_succeeded_total", Help: "Number of Telegram publishes succeeded"})
		PublishesFailed = promauto.NewCounter(prometheus.CounterOpts{Name: "relay_publishes_failed_total", Help: "Number of Telegram publishes failed"})
		CaptionFetchDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "relay_caption_fetch_duration_seconds", Help: "Caption fetch duration seconds", Buckets: prometheus.DefBuckets})
		PublishDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "relay_publish_duration_seconds", Help: "Telegram publish duration seconds", Buckets: prometheus.DefBuckets})
		TotalRelayDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "relay_total_duration_seconds", Help: "Total relay cycle duration seconds", Buckets: []float64{5, 15, 30, 60, 120, 300, 600, 1800}})
		QueueDepthGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "relay_queue_depth", Help: "Current number of unposted uploads"})
		CircuitOpenGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "relay_circuit_open", Help: "Circuit breaker open=1 closed=0"})
	})
}

// UpdateCircuitGauge sets gauge to 1 if open else 0.
func UpdateCircuitGauge(open bool) {
	if CircuitOpenGauge != nil {
		if open {
			CircuitOpenGauge.Set(1)
		} else {
			CircuitOpenGauge.Set(0)
		}
	}
}

// SetQueueDepth records current unposted upload count.
func SetQueueDepth(n int) {
	if QueueDepthGauge != nil {
		QueueDepthGauge.Set(float64(n))
	}
}

// TimeFunc measures the duration of fn and records in observer if non-nil.
func TimeFunc(obs prometheus.Observer, fn func()) time.Duration {
	start := time.Now()
	fn()
	d := time.Since(start)
	if obs != nil {
		obs.Observe(d.Seconds())
	}
	return d
}

// Correlation ID helpers ----------------------------------------------------
type corrKeyType struct{}

var corrKey corrKeyType

// WithCorrelation returns a new context embedding correlation id (if absent) and the id.
func WithCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, corrKey, id)
}

// GetCorrelation returns correlation id or empty string.
func GetCorrelation(ctx context.Context) string {
	v := ctx.Value(corrKey)
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

// LoggerWithCorr returns a logger with corr attribute if present.
func LoggerWithCorr(ctx context.Context) *slog.Logger {
	if id := GetCorrelation(ctx); id != "" {
		return slog.Default().With(slog.String("corr", id))
	}
	return slog.Default()
}
