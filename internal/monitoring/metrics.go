package monitoring

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// Pipeline metrics
	PipelinesActive prometheus.Gauge
	PipelinesTotal  prometheus.Counter
	PipelineCrashes *prometheus.CounterVec

	// Compositor metrics
	FramesComposited prometheus.Counter
	FrameDuration    prometheus.Histogram
	FrameItems       prometheus.Histogram

	// Resource metrics
	ResourceFetches  *prometheus.CounterVec
	ResourceDuration *prometheus.HistogramVec
	ResourceBytes    prometheus.Histogram
	ResourceBlocked  prometheus.Counter

	// Image cache metrics
	ImageDecodes    prometheus.Counter
	ImageDedup      prometheus.Counter
	ImageCacheHits  *prometheus.CounterVec
	ImageCacheBytes prometheus.Gauge
	DiskCacheBytes  prometheus.Gauge

	// Script and layout metrics
	ScriptRuns    prometheus.Counter
	ScriptErrors  prometheus.Counter
	LayoutReflows prometheus.Counter

	// Scheduler metrics
	WorkersActive prometheus.Gauge
	WorkerPanics  prometheus.Counter

	// Session metrics
	SessionsSaved    prometheus.Counter
	SessionsRestored prometheus.Counter

	// Shell metrics
	WSConnections prometheus.Gauge
	WSMessages    *prometheus.CounterVec

	// System metrics
	Uptime    prometheus.Gauge
	startTime time.Time
	stop      chan struct{}
	stopOnce  sync.Once

	// Snapshot for JSON API - track current values
	snapshot Snapshot

	mu sync.RWMutex
}

// Snapshot holds current metric values for the shell's JSON API
type Snapshot struct {
	ActivePipelines int64
	TotalPipelines  int64
	TotalCrashes    int64
	TotalFrames     int64
	TotalFetches    int64
	TotalErrors     int64
	FrameSeconds    float64 // sum of compositing durations
	FrameCount      int64   // count for averaging
}

// New creates a metrics collector registered on reg. Tests pass their own
// prometheus.NewRegistry so repeated construction does not collide.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	m := &Metrics{
		startTime: time.Now(),
		stop:      make(chan struct{}),

		PipelinesActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "skein_pipelines_active",
				Help: "Number of live pipelines",
			},
		),
		PipelinesTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "skein_pipelines_total",
				Help: "Total number of pipelines created",
			},
		),
		PipelineCrashes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "skein_pipeline_crashes_total",
				Help: "Total number of pipeline crashes",
			},
			[]string{"worker"},
		),

		FramesComposited: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "skein_frames_composited_total",
				Help: "Total number of frames composited",
			},
		),
		FrameDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "skein_frame_duration_seconds",
				Help:    "Frame compositing duration in seconds",
				Buckets: []float64{.0001, .0005, .001, .005, .01, .025, .05, .1, .25},
			},
		),
		FrameItems: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "skein_frame_items",
				Help:    "Display items per composited frame",
				Buckets: []float64{1, 10, 50, 100, 500, 1000, 5000},
			},
		),

		ResourceFetches: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "skein_resource_fetches_total",
				Help: "Total number of resource fetches",
			},
			[]string{"scheme", "status"},
		),
		ResourceDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "skein_resource_duration_seconds",
				Help:    "Resource fetch duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"scheme"},
		),
		ResourceBytes: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "skein_resource_bytes",
				Help:    "Resource payload size in bytes",
				Buckets: []float64{100, 1000, 10000, 100000, 1000000, 10000000},
			},
		),
		ResourceBlocked: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "skein_resource_blocked_total",
				Help: "Total number of fetches denied by the blocklist",
			},
		),

		ImageDecodes: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "skein_image_decodes_total",
				Help: "Total number of image decode operations",
			},
		),
		ImageDedup: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "skein_image_dedup_total",
				Help: "Image requests coalesced onto an in-flight decode",
			},
		),
		ImageCacheHits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "skein_image_cache_requests_total",
				Help: "Image cache lookups by outcome",
			},
			[]string{"outcome"},
		),
		ImageCacheBytes: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "skein_image_cache_bytes",
				Help: "Decoded image bytes held in memory",
			},
		),
		DiskCacheBytes: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "skein_disk_cache_bytes",
				Help: "Compressed bytes in the disk image cache",
			},
		),

		ScriptRuns: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "skein_script_runs_total",
				Help: "Total number of script executions",
			},
		),
		ScriptErrors: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "skein_script_errors_total",
				Help: "Total number of script execution failures",
			},
		),
		LayoutReflows: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "skein_layout_reflows_total",
				Help: "Total number of layout reflows",
			},
		),

		WorkersActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "skein_workers_active",
				Help: "Number of live scheduler workers",
			},
		),
		WorkerPanics: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "skein_worker_panics_total",
				Help: "Total number of recovered worker panics",
			},
		),

		SessionsSaved: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "skein_sessions_saved_total",
				Help: "Total number of sessions saved",
			},
		),
		SessionsRestored: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "skein_sessions_restored_total",
				Help: "Total number of sessions restored",
			},
		),

		WSConnections: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "skein_ws_connections",
				Help: "Number of active WebSocket connections",
			},
		),
		WSMessages: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "skein_ws_messages_total",
				Help: "Total number of WebSocket messages",
			},
			[]string{"direction", "type"},
		),

		Uptime: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "skein_uptime_seconds",
				Help: "Engine uptime in seconds",
			},
		),
	}

	// Start uptime updater
	go m.updateUptime()

	return m
}

// NewDefault registers on the global prometheus registry.
func NewDefault() *Metrics {
	return New(prometheus.DefaultRegisterer)
}

// Close stops the uptime updater. Safe to call more than once.
func (m *Metrics) Close() {
	m.stopOnce.Do(func() { close(m.stop) })
}

// updateUptime continuously updates the uptime metric
func (m *Metrics) updateUptime() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.Uptime.Set(time.Since(m.startTime).Seconds())
		case <-m.stop:
			return
		}
	}
}

// RecordFrame records one composited frame
func (m *Metrics) RecordFrame(items int, duration time.Duration) {
	m.FramesComposited.Inc()
	m.FrameDuration.Observe(duration.Seconds())
	m.FrameItems.Observe(float64(items))

	m.mu.Lock()
	m.snapshot.TotalFrames++
	m.snapshot.FrameSeconds += duration.Seconds()
	m.snapshot.FrameCount++
	m.mu.Unlock()
}

// RecordFetch records a resource fetch result
func (m *Metrics) RecordFetch(scheme, status string, duration time.Duration, size int64) {
	m.ResourceFetches.WithLabelValues(scheme, status).Inc()
	m.ResourceDuration.WithLabelValues(scheme).Observe(duration.Seconds())
	if size >= 0 {
		m.ResourceBytes.Observe(float64(size))
	}

	m.mu.Lock()
	m.snapshot.TotalFetches++
	if status != "ok" {
		m.snapshot.TotalErrors++
	}
	m.mu.Unlock()
}

// RecordPipelineCrash records a crash of the named pipeline worker
func (m *Metrics) RecordPipelineCrash(worker string) {
	m.PipelineCrashes.WithLabelValues(worker).Inc()

	m.mu.Lock()
	m.snapshot.TotalCrashes++
	m.mu.Unlock()
}

// RecordWSMessage records a WebSocket message
func (m *Metrics) RecordWSMessage(direction, msgType string) {
	m.WSMessages.WithLabelValues(direction, msgType).Inc()
}

// SetPipelinesActive sets the number of live pipelines
func (m *Metrics) SetPipelinesActive(count int) {
	m.PipelinesActive.Set(float64(count))
	m.mu.Lock()
	m.snapshot.ActivePipelines = int64(count)
	m.mu.Unlock()
}

// IncPipelinesTotal increments the pipeline creation counter
func (m *Metrics) IncPipelinesTotal() {
	m.PipelinesTotal.Inc()
	m.mu.Lock()
	m.snapshot.TotalPipelines++
	m.mu.Unlock()
}

// IncSessionsSaved increments the sessions saved counter
func (m *Metrics) IncSessionsSaved() {
	m.SessionsSaved.Inc()
}

// IncSessionsRestored increments the sessions restored counter
func (m *Metrics) IncSessionsRestored() {
	m.SessionsRestored.Inc()
}

// IncWSConnections increments WebSocket connections
func (m *Metrics) IncWSConnections() {
	m.WSConnections.Inc()
}

// DecWSConnections decrements WebSocket connections
func (m *Metrics) DecWSConnections() {
	m.WSConnections.Dec()
}

// GetSnapshot returns current counters for the JSON stats API
func (m *Metrics) GetSnapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snapshot
}
