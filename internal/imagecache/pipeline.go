package imagecache

import (
	"sync"
	"time"

	"github.com/skeinweb/skein/internal/shared/id"
)

// PipelineCache is one pipeline's view of the shared cache. The script
// task prefetches every image URL it discovers; layout then waits for the
// outstanding set to settle before building the display list, so image
// boxes either carry pixels or a known failure, never a maybe.
type PipelineCache struct {
	svc      *Service
	pipeline id.PipelineID

	mu          sync.Mutex
	requested   map[string]struct{}
	images      map[string]*DecodedImage
	failed      map[string]error
	outstanding int
	idle        chan struct{}
}

// NewPipelineCache creates the per-pipeline view.
func NewPipelineCache(svc *Service, pipeline id.PipelineID) *PipelineCache {
	return &PipelineCache{
		svc:       svc,
		pipeline:  pipeline,
		requested: make(map[string]struct{}),
		images:    make(map[string]*DecodedImage),
		failed:    make(map[string]error),
	}
}

// Prefetch starts loading url in the background. Duplicate prefetches of
// the same URL are ignored.
func (c *PipelineCache) Prefetch(url string) {
	c.mu.Lock()
	if _, dup := c.requested[url]; dup {
		c.mu.Unlock()
		return
	}
	c.requested[url] = struct{}{}
	c.outstanding++
	c.mu.Unlock()

	go func() {
		img, err := c.svc.Get(url, c.pipeline)

		c.mu.Lock()
		if err != nil {
			c.failed[url] = err
		} else {
			c.images[url] = img
		}
		c.outstanding--
		if c.outstanding == 0 && c.idle != nil {
			close(c.idle)
			c.idle = nil
		}
		c.mu.Unlock()
	}()
}

// WaitAll blocks until every prefetch has settled or the timeout passes.
// It reports whether the set is fully settled.
func (c *PipelineCache) WaitAll(timeout time.Duration) bool {
	c.mu.Lock()
	if c.outstanding == 0 {
		c.mu.Unlock()
		return true
	}
	if c.idle == nil {
		c.idle = make(chan struct{})
	}
	ch := c.idle
	c.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-ch:
		return true
	case <-timer.C:
		return false
	}
}

// Image returns the decoded image for url if its prefetch succeeded.
func (c *PipelineCache) Image(url string) (*DecodedImage, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	img, ok := c.images[url]
	return img, ok
}

// Failed returns the failure for url if its prefetch failed.
func (c *PipelineCache) Failed(url string) (error, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	err, ok := c.failed[url]
	return err, ok
}

// Stats reports settled and pending counts.
func (c *PipelineCache) Stats() (ready, failed, pending int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.images), len(c.failed), c.outstanding
}
