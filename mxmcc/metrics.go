package mxmcc

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

const metricsNamespace = "mxmcc"

// Metrics holds the pipeline and preview server collectors. A nil *Metrics
// records nothing.
type Metrics struct {
	buildInfo      *prometheus.GaugeVec
	tilesRendered  prometheus.Counter
	tilesSkipped   prometheus.Counter
	tilesShortcut  *prometheus.CounterVec
	chartsRendered *prometheus.CounterVec
	mergeTiles     *prometheus.CounterVec
	fillTiles      prometheus.Counter
	stageDuration  *prometheus.HistogramVec
	stageRuns      *prometheus.CounterVec
	requests       *prometheus.CounterVec
	requestTime    *prometheus.HistogramVec
}

func register[K prometheus.Collector](logger *zap.Logger, reg prometheus.Registerer, metric K) K {
	if err := reg.Register(metric); err != nil {
		logger.Warn("registering metric", zap.Error(err))
	}
	return metric
}

// NewMetrics creates and registers every collector with reg.
func NewMetrics(logger *zap.Logger, reg prometheus.Registerer) *Metrics {
	stageBuckets := []float64{1, 10, 60, 300, 900, 1800, 3600, 7200, 14400, 28800}
	return &Metrics{
		buildInfo: register(logger, reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "buildinfo",
			Help:      "Version and revision of the running binary",
		}, []string{"version", "revision"})),
		tilesRendered: register(logger, reg, prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "tiles_rendered_total",
			Help:      "Tiles written by the chart renderer",
		})),
		tilesSkipped: register(logger, reg, prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "tiles_skipped_total",
			Help:      "Tiles left alone because they already existed",
		})),
		tilesShortcut: register(logger, reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "tiles_shortcut_total",
			Help:      "Tiles built from neighbouring zoom levels instead of the raster",
		}, []string{"kind"})),
		chartsRendered: register(logger, reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "charts_rendered_total",
			Help:      "Charts rendered by outcome",
		}, []string{"status"})),
		mergeTiles: register(logger, reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "merge_tiles_total",
			Help:      "Tiles handled by the merge engine by operation",
		}, []string{"op"})),
		fillTiles: register(logger, reg, prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "fill_tiles_total",
			Help:      "Tiles whose holes were filled from other zoom levels",
		})),
		stageDuration: register(logger, reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "stage_duration_seconds",
			Help:      "Duration of compile stages",
			Buckets:   stageBuckets,
		}, []string{"stage"})),
		stageRuns: register(logger, reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "stage_runs_total",
			Help:      "Compile stages by outcome",
		}, []string{"stage", "status"})),
		requests: register(logger, reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "server",
			Name:      "requests_total",
			Help:      "Preview server requests",
		}, []string{"handler", "status"})),
		requestTime: register(logger, reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: "server",
			Name:      "request_duration_seconds",
			Help:      "Preview server request duration",
			Buckets:   prometheus.DefBuckets,
		}, []string{"handler", "status"})),
	}
}

var (
	defaultMetricsOnce sync.Once
	defaultMetrics     *Metrics
)

// DefaultMetrics registers the collectors with the default registry once.
func DefaultMetrics(logger *zap.Logger) *Metrics {
	defaultMetricsOnce.Do(func() {
		defaultMetrics = NewMetrics(logger, prometheus.DefaultRegisterer)
	})
	return defaultMetrics
}

// SetBuildInfo publishes the binary version.
func (m *Metrics) SetBuildInfo(version, revision string) {
	if m == nil {
		return
	}
	m.buildInfo.WithLabelValues(version, revision).Set(1)
}

func (m *Metrics) tileRendered() {
	if m != nil {
		m.tilesRendered.Inc()
	}
}

func (m *Metrics) tileSkipped() {
	if m != nil {
		m.tilesSkipped.Inc()
	}
}

func (m *Metrics) tileShortcut(kind string) {
	if m != nil {
		m.tilesShortcut.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) chartRendered(err error) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.chartsRendered.WithLabelValues(status).Inc()
}

func (m *Metrics) mergeTile(op string) {
	if m != nil {
		m.mergeTiles.WithLabelValues(op).Inc()
	}
}

func (m *Metrics) tileFilled() {
	if m != nil {
		m.fillTiles.Inc()
	}
}

// stageTracker times one compile stage.
type stageTracker struct {
	metrics *Metrics
	stage   string
	start   time.Time
}

func (m *Metrics) startStage(stage Checkpoint) *stageTracker {
	return &stageTracker{metrics: m, stage: stage.String(), start: time.Now()}
}

func (s *stageTracker) finish(err error) {
	if s.metrics == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	s.metrics.stageRuns.WithLabelValues(s.stage, status).Inc()
	s.metrics.stageDuration.WithLabelValues(s.stage).Observe(time.Since(s.start).Seconds())
}

func (m *Metrics) request(handler string, status int, start time.Time) {
	if m == nil {
		return
	}
	s := strconv.Itoa(status)
	m.requests.WithLabelValues(handler, s).Inc()
	m.requestTime.WithLabelValues(handler, s).Observe(time.Since(start).Seconds())
}
