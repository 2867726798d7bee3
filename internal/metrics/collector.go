package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"vmsentry/internal/model"
)

// Collector exposes engine counters to Prometheus. A nil *Collector is valid
// and records nothing.
type Collector struct {
	registry *prometheus.Registry

	samplesTotal      *prometheus.CounterVec
	duplicatesTotal   prometheus.Counter
	skippedFields     *prometheus.CounterVec
	evaluationSeconds prometheus.Histogram
	alertsTotal       *prometheus.CounterVec
	notificationsSent *prometheus.CounterVec
	notifyFailures    *prometheus.CounterVec
	batchQueued       prometheus.Gauge
	storeErrors       *prometheus.CounterVec
	liveEntities      prometheus.Gauge
}

func NewCollector(prefix string) *Collector {
	if prefix == "" {
		prefix = "vmsentry"
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewGoCollector(), prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Collector{
		registry: reg,
		samplesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: prefix + "_samples_total",
			Help: "Metric samples accepted by the engine",
		}, []string{"source"}),
		duplicatesTotal: f.NewCounter(prometheus.CounterOpts{
			Name: prefix + "_samples_duplicate_total",
			Help: "Samples dropped as duplicates of an already processed sample",
		}),
		skippedFields: f.NewCounterVec(prometheus.CounterOpts{
			Name: prefix + "_sample_fields_skipped_total",
			Help: "Malformed sample fields dropped during normalization",
		}, []string{"field"}),
		evaluationSeconds: f.NewHistogram(prometheus.HistogramOpts{
			Name:    prefix + "_evaluation_seconds",
			Help:    "Time spent evaluating one sample",
			Buckets: prometheus.ExponentialBuckets(0.00001, 4, 8),
		}),
		alertsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: prefix + "_alerts_total",
			Help: "Alerts emitted by the engine",
		}, []string{"metric", "severity"}),
		notificationsSent: f.NewCounterVec(prometheus.CounterOpts{
			Name: prefix + "_notifications_total",
			Help: "Notifications attempted by the router",
		}, []string{"mode"}),
		notifyFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: prefix + "_notification_failures_total",
			Help: "Notifications that returned an error",
		}, []string{"mode"}),
		batchQueued: f.NewGauge(prometheus.GaugeOpts{
			Name: prefix + "_batch_queued_alerts",
			Help: "Service alerts waiting for the next batch flush",
		}),
		storeErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: prefix + "_store_errors_total",
			Help: "Failed persistence calls",
		}, []string{"op"}),
		liveEntities: f.NewGauge(prometheus.GaugeOpts{
			Name: prefix + "_live_entities",
			Help: "Entities present in the live sample store",
		}),
	}
}

func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

func (c *Collector) SampleProcessed(source string, took time.Duration) {
	if c == nil {
		return
	}
	if source == "" {
		source = "unknown"
	}
	c.samplesTotal.WithLabelValues(source).Inc()
	c.evaluationSeconds.Observe(took.Seconds())
}

func (c *Collector) DuplicateSample() {
	if c == nil {
		return
	}
	c.duplicatesTotal.Inc()
}

func (c *Collector) FieldsSkipped(fields []string) {
	if c == nil {
		return
	}
	for _, f := range fields {
		c.skippedFields.WithLabelValues(f).Inc()
	}
}

func (c *Collector) AlertEmitted(alert model.Alert) {
	if c == nil {
		return
	}
	metric := string(alert.Metric)
	if alert.IsService() {
		metric = "service"
	}
	c.alertsTotal.WithLabelValues(metric, string(alert.Severity)).Inc()
}

// NotificationSent records one notifier call; mode is "immediate" or "batch".
func (c *Collector) NotificationSent(mode string, err error) {
	if c == nil {
		return
	}
	c.notificationsSent.WithLabelValues(mode).Inc()
	if err != nil {
		c.notifyFailures.WithLabelValues(mode).Inc()
	}
}

func (c *Collector) BatchQueued(n int) {
	if c == nil {
		return
	}
	c.batchQueued.Set(float64(n))
}

func (c *Collector) StoreError(op string) {
	if c == nil {
		return
	}
	c.storeErrors.WithLabelValues(op).Inc()
}

func (c *Collector) LiveEntities(n int) {
	if c == nil {
		return
	}
	c.liveEntities.Set(float64(n))
}
