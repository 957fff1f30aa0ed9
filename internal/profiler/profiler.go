package profiler

import (
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
	"gonum.org/v1/gonum/stat"

	"github.com/skeinweb/skein/internal/config"
	"github.com/skeinweb/skein/internal/logging"
)

// Sample is one timed unit of work. Senders fire and forget; a full
// profiler drops samples rather than stall the sender.
type Sample struct {
	Category Category
	Duration time.Duration
	Meta     string
}

// CategoryStats summarizes one category for a report, in milliseconds.
type CategoryStats struct {
	Category Category
	Count    int
	MeanMs   float64
	P50Ms    float64
	P90Ms    float64
	MaxMs    float64
}

// keep at most this many samples per category; older halves are shed
const maxSeries = 8192

// Profiler aggregates timing samples from every component and reports
// periodically. It runs as one pool worker; Record never blocks.
type Profiler struct {
	cfg    config.ProfilerConfig
	logger *logging.Logger

	samples chan Sample
	done    chan struct{}
	stopped chan struct{}
	once    sync.Once

	hist *prometheus.HistogramVec

	mu     sync.Mutex
	series map[Category][]float64 // milliseconds
}

// New creates a profiler. reg may be nil to skip the Prometheus mirror.
func New(cfg config.ProfilerConfig, logger *logging.Logger, reg prometheus.Registerer) *Profiler {
	if cfg.Buffer < 1 {
		cfg.Buffer = 1
	}
	p := &Profiler{
		cfg:     cfg,
		logger:  logger.Named("profiler"),
		samples: make(chan Sample, cfg.Buffer),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
		series:  make(map[Category][]float64),
	}
	if reg != nil {
		p.hist = promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "skein_profile_seconds",
				Help:    "Timed engine phases by category",
				Buckets: []float64{.0001, .0005, .001, .005, .01, .05, .1, .5, 1},
			},
			[]string{"category"},
		)
	}
	return p
}

// Record submits a sample without blocking. Samples sent while the buffer
// is full, or after Stop, are dropped.
func (p *Profiler) Record(cat Category, d time.Duration) {
	p.RecordMeta(cat, d, "")
}

// RecordMeta submits a sample with an attached note.
func (p *Profiler) RecordMeta(cat Category, d time.Duration, meta string) {
	if !p.cfg.Enabled {
		return
	}
	select {
	case p.samples <- Sample{Category: cat, Duration: d, Meta: meta}:
	default:
	}
}

// Time measures fn and records it under cat.
func (p *Profiler) Time(cat Category, fn func()) {
	if !p.cfg.Enabled {
		fn()
		return
	}
	start := time.Now()
	fn()
	p.Record(cat, time.Since(start))
}

// Run consumes samples until Stop. It is launched as a pool worker.
func (p *Profiler) Run() {
	var tick <-chan time.Time
	if p.cfg.Period > 0 {
		ticker := time.NewTicker(p.cfg.Period)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case s := <-p.samples:
			p.ingest(s)
		case <-tick:
			p.logReport()
		case <-p.done:
			// drain whatever is already buffered, then final report
			for {
				select {
				case s := <-p.samples:
					p.ingest(s)
				default:
					p.logReport()
					close(p.stopped)
					return
				}
			}
		}
	}
}

// Stop ends the run loop after a final report. Idempotent. Samples
// recorded after Stop are silently dropped.
func (p *Profiler) Stop() {
	p.once.Do(func() { close(p.done) })
	<-p.stopped
}

func (p *Profiler) ingest(s Sample) {
	ms := float64(s.Duration) / float64(time.Millisecond)

	p.mu.Lock()
	xs := append(p.series[s.Category], ms)
	if len(xs) > maxSeries {
		xs = append(xs[:0], xs[len(xs)/2:]...)
	}
	p.series[s.Category] = xs
	p.mu.Unlock()

	if p.hist != nil {
		p.hist.WithLabelValues(string(s.Category)).Observe(s.Duration.Seconds())
	}
}

// Report computes per-category statistics over the retained samples.
func (p *Profiler) Report() []CategoryStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	var out []CategoryStats
	for _, cat := range Categories() {
		xs := p.series[cat]
		if len(xs) == 0 {
			continue
		}
		sorted := make([]float64, len(xs))
		copy(sorted, xs)
		sort.Float64s(sorted)

		out = append(out, CategoryStats{
			Category: cat,
			Count:    len(sorted),
			MeanMs:   stat.Mean(sorted, nil),
			P50Ms:    stat.Quantile(0.5, stat.Empirical, sorted, nil),
			P90Ms:    stat.Quantile(0.9, stat.Empirical, sorted, nil),
			MaxMs:    sorted[len(sorted)-1],
		})
	}
	return out
}

func (p *Profiler) logReport() {
	for _, cs := range p.Report() {
		p.logger.Info("profile",
			zap.String("category", string(cs.Category)),
			zap.Int("count", cs.Count),
			zap.Float64("mean_ms", cs.MeanMs),
			zap.Float64("p50_ms", cs.P50Ms),
			zap.Float64("p90_ms", cs.P90Ms),
			zap.Float64("max_ms", cs.MaxMs),
		)
	}
}
