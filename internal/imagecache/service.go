package imagecache

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/skeinweb/skein/internal/config"
	"github.com/skeinweb/skein/internal/logging"
	"github.com/skeinweb/skein/internal/monitoring"
	"github.com/skeinweb/skein/internal/profiler"
	"github.com/skeinweb/skein/internal/resource"
	"github.com/skeinweb/skein/internal/shared/id"
)

var (
	// ErrFetch wraps resource failures underneath an image load.
	ErrFetch = errors.New("imagecache: fetch failed")
	// ErrDecode marks payloads that were fetched but are not decodable images.
	ErrDecode = errors.New("imagecache: decode failed")
)

// entry is a terminal cache state: a decoded image or a remembered failure.
type entry struct {
	img      *DecodedImage
	err      error
	lastUsed time.Time
}

// Service is the shared image cache. Lookups for the same URL coalesce
// onto one fetch+decode; every waiter receives the identical DecodedImage
// pointer. Decoded images are immutable by contract.
type Service struct {
	cfg     config.ImageConfig
	logger  *logging.Logger
	metrics *monitoring.Metrics
	prof    *profiler.Profiler

	resources *resource.Service
	disk      *DiskCache

	group singleflight.Group

	mu       sync.Mutex
	entries  map[string]*entry
	memBytes int64
}

// New builds the cache over the resource service. The disk tier is
// enabled when cfg.DiskDir is set; failure to prepare it is a startup
// error. metrics and prof may be nil.
func New(cfg config.ImageConfig, resources *resource.Service, logger *logging.Logger, metrics *monitoring.Metrics, prof *profiler.Profiler) (*Service, error) {
	log := logger.Named("imagecache")

	var disk *DiskCache
	if cfg.DiskDir != "" {
		var err error
		disk, err = NewDiskCache(cfg.DiskDir, cfg.DiskBudget, log)
		if err != nil {
			return nil, fmt.Errorf("imagecache: disk tier: %w", err)
		}
	}

	return &Service{
		cfg:       cfg,
		logger:    log,
		metrics:   metrics,
		prof:      prof,
		resources: resources,
		disk:      disk,
		entries:   make(map[string]*entry),
	}, nil
}

// Get returns the decoded image for url, fetching and decoding at most
// once per key no matter how many goroutines ask concurrently. Failures
// are terminal and remembered.
func (s *Service) Get(url string, pipeline id.PipelineID) (*DecodedImage, error) {
	if img, err, ok := s.lookup(url); ok {
		s.countLookup("hit")
		return img, err
	}

	v, err, shared := s.group.Do(url, func() (any, error) {
		return s.load(url, pipeline)
	})
	if shared {
		s.countLookup("coalesced")
		if s.metrics != nil {
			s.metrics.ImageDedup.Inc()
		}
	}
	if err != nil {
		return nil, err
	}
	return v.(*DecodedImage), nil
}

// Prefetch starts a load without waiting for it.
func (s *Service) Prefetch(url string, pipeline id.PipelineID) {
	go func() {
		_, _ = s.Get(url, pipeline)
	}()
}

// load runs inside singleflight: disk tier, then network, then decode.
func (s *Service) load(url string, pipeline id.PipelineID) (*DecodedImage, error) {
	// A racing caller may have completed while we queued behind the flight
	if img, err, ok := s.lookup(url); ok {
		return img, err
	}

	if s.disk != nil {
		if raw, ok := s.disk.Get(url); ok {
			img, err := s.decode(url, raw)
			if err == nil {
				s.store(url, img, nil)
				s.countLookup("disk")
				return img, nil
			}
			s.logger.Warn("disk cache entry undecodable", zap.String("url", url), zap.Error(err))
		}
	}

	s.countLookup("miss")
	resp := s.resources.Fetch(url, resource.KindImage, pipeline)
	if resp.Err != nil {
		err := fmt.Errorf("%w: %v", ErrFetch, resp.Err)
		s.store(url, nil, err)
		return nil, err
	}

	img, err := s.decode(url, resp.Body)
	if err != nil {
		s.store(url, nil, err)
		return nil, err
	}

	if s.disk != nil {
		s.disk.Put(url, resp.Body)
	}
	s.store(url, img, nil)
	return img, nil
}

func (s *Service) decode(url string, data []byte) (*DecodedImage, error) {
	start := time.Now()
	img, err := Decode(url, data)
	elapsed := time.Since(start)

	if s.prof != nil {
		s.prof.Record(profiler.CatImageDecode, elapsed)
	}
	if s.metrics != nil {
		s.metrics.ImageDecodes.Inc()
	}
	return img, err
}

// lookup consults the terminal map. ok is false while the key is unknown
// or still in flight.
func (s *Service) lookup(url string) (*DecodedImage, error, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[url]
	if !ok {
		return nil, nil, false
	}
	e.lastUsed = time.Now()
	return e.img, e.err, true
}

// store records a terminal state and evicts the least recently used
// decoded images when over the memory budget. The newest entry survives.
func (s *Service) store(url string, img *DecodedImage, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.entries[url]; exists {
		return
	}
	s.entries[url] = &entry{img: img, err: err, lastUsed: time.Now()}
	if img != nil {
		s.memBytes += img.Bytes
	}

	for s.cfg.MemoryBudget > 0 && s.memBytes > s.cfg.MemoryBudget {
		victim := ""
		var oldest time.Time
		for key, e := range s.entries {
			if key == url || e.img == nil {
				continue
			}
			if victim == "" || e.lastUsed.Before(oldest) {
				victim = key
				oldest = e.lastUsed
			}
		}
		if victim == "" {
			break
		}
		s.memBytes -= s.entries[victim].img.Bytes
		delete(s.entries, victim)
		s.logger.Debug("evicted decoded image", zap.String("url", victim))
	}

	if s.metrics != nil {
		s.metrics.ImageCacheBytes.Set(float64(s.memBytes))
	}
}

func (s *Service) countLookup(outcome string) {
	if s.metrics != nil {
		s.metrics.ImageCacheHits.WithLabelValues(outcome).Inc()
	}
}

// MemoryBytes reports decoded bytes currently held.
func (s *Service) MemoryBytes() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.memBytes
}

// Len reports the number of terminal entries, failures included.
func (s *Service) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
