package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder receives pipeline events.
type Recorder interface {
	IncUpload(result string)
	IncRejected(reason string)
	SetPermitsInUse(n int64)
	ObserveExtraction(status string, durationSeconds float64)
	AddRetentionDeleted(n int)
	AddRetentionFailed(n int)
}

// Noop implements Recorder without emitting anything.
type Noop struct{}

func (Noop) IncUpload(string)                  {}
func (Noop) IncRejected(string)                {}
func (Noop) SetPermitsInUse(int64)             {}
func (Noop) ObserveExtraction(string, float64) {}
func (Noop) AddRetentionDeleted(int)           {}
func (Noop) AddRetentionFailed(int)            {}

// Prom implements Recorder backed by Prometheus collectors.
type Prom struct {
	uploads          *prometheus.CounterVec
	rejected         *prometheus.CounterVec
	permitsInUse     prometheus.Gauge
	extractions      *prometheus.CounterVec
	extractDuration  prometheus.Histogram
	retentionDeleted prometheus.Counter
	retentionFailed  prometheus.Counter
}

// NewProm registers the collectors on reg, or on the default registerer
// when reg is nil.
func NewProm(namespace string, reg prometheus.Registerer) *Prom {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	p := &Prom{
		uploads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "uploads_total",
			Help:      "Upload requests by result",
		}, []string{"result"}),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "admission_rejected_total",
			Help:      "Uploads refused by the admission gate by reason",
		}, []string{"reason"}),
		permitsInUse: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "admission_permits_in_use",
			Help:      "Upload permits currently held",
		}),
		extractions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "extractions_total",
			Help:      "Audio extractions by status",
		}, []string{"status"}),
		extractDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "extraction_wait_seconds",
			Help:      "Time spent waiting on ffmpeg per extraction",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 3, 5, 10},
		}),
		retentionDeleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retention_deleted_total",
			Help:      "Entries removed by the retention sweep",
		}),
		retentionFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retention_failed_total",
			Help:      "Entries the retention sweep failed to remove",
		}),
	}
	reg.MustRegister(p.uploads, p.rejected, p.permitsInUse, p.extractions,
		p.extractDuration, p.retentionDeleted, p.retentionFailed)
	return p
}

func (p *Prom) IncUpload(result string) {
	p.uploads.WithLabelValues(result).Inc()
}

func (p *Prom) IncRejected(reason string) {
	p.rejected.WithLabelValues(reason).Inc()
}

func (p *Prom) SetPermitsInUse(n int64) {
	p.permitsInUse.Set(float64(n))
}

func (p *Prom) ObserveExtraction(status string, durationSeconds float64) {
	p.extractions.WithLabelValues(status).Inc()
	p.extractDuration.Observe(durationSeconds)
}

func (p *Prom) AddRetentionDeleted(n int) {
	p.retentionDeleted.Add(float64(n))
}

func (p *Prom) AddRetentionFailed(n int) {
	p.retentionFailed.Add(float64(n))
}

// Handler returns an HTTP handler for /metrics over the default gatherer.
func Handler() http.Handler {
	return promhttp.Handler()
}

// HandlerFor serves a specific registry.
func HandlerFor(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
