package resource

import (
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/skeinweb/skein/internal/config"
	"github.com/skeinweb/skein/internal/logging"
	"github.com/skeinweb/skein/internal/monitoring"
	"github.com/skeinweb/skein/internal/profiler"
	"github.com/skeinweb/skein/internal/shared/id"
)

// Typed fetch failures. They travel inside Response.Err; the service
// itself never fails a request by crashing.
var (
	ErrBlocked        = errors.New("resource: blocked by policy")
	ErrTooLarge       = errors.New("resource: payload exceeds size limit")
	ErrBadScheme      = errors.New("resource: unsupported scheme")
	ErrBadURL         = errors.New("resource: malformed url")
	ErrNotFound       = errors.New("resource: not found")
	ErrHTTPStatus     = errors.New("resource: http error status")
	ErrCrashRequested = errors.New("resource: about:crash requested")
)

// Kind selects the Accept header family for a request.
type Kind int

const (
	KindAny Kind = iota
	KindDocument
	KindImage
)

// Request asks the service for one resource. Reply must be buffered with
// capacity one so delivery never blocks a service goroutine; NewRequest
// takes care of that.
type Request struct {
	ID       id.RequestID
	URL      string
	Accept   Kind
	Pipeline id.PipelineID
	Reply    chan Response
}

// NewRequest builds a request with a properly buffered reply channel.
func NewRequest(rawURL string, accept Kind, pipeline id.PipelineID) Request {
	return Request{
		ID:       id.NewRequestID(),
		URL:      rawURL,
		Accept:   accept,
		Pipeline: pipeline,
		Reply:    make(chan Response, 1),
	}
}

// Response carries the fetched payload or a typed failure.
type Response struct {
	RequestID id.RequestID
	URL       string // final URL after redirects
	Body      []byte
	MediaType string // normalized, e.g. "text/html"
	Charset   string // source charset the body was decoded from
	Status    int    // HTTP status, 200 for non-HTTP schemes
	Err       error
}

// Ok reports whether the fetch succeeded.
func (r Response) Ok() bool { return r.Err == nil }

// Service is the shared fetch actor. All pipelines send Requests on one
// channel; each request is served on its own goroutine so a slow origin
// never blocks the intake loop.
type Service struct {
	cfg     config.ResourceConfig
	logger  *logging.Logger
	metrics *monitoring.Metrics
	prof    *profiler.Profiler

	fetcher *Fetcher
	policy  *Policy

	requests chan Request
	quit     chan chan struct{}
	quitOnce sync.Once
	inflight sync.WaitGroup
}

// NewService builds the service and its fetch stack. Construction fails on
// an invalid blocklist; that is a startup error, not a per-request one.
// metrics and prof may be nil.
func NewService(cfg config.ResourceConfig, logger *logging.Logger, metrics *monitoring.Metrics, prof *profiler.Profiler) (*Service, error) {
	policy, err := NewPolicy(cfg.Blocklist)
	if err != nil {
		return nil, fmt.Errorf("resource: bad blocklist: %w", err)
	}

	log := logger.Named("resource")
	return &Service{
		cfg:      cfg,
		logger:   log,
		metrics:  metrics,
		prof:     prof,
		fetcher:  NewFetcher(cfg, log),
		policy:   policy,
		requests: make(chan Request, 32),
		quit:     make(chan chan struct{}),
	}, nil
}

// Requests returns the channel pipelines submit on.
func (s *Service) Requests() chan<- Request { return s.requests }

// Run consumes requests until Stop. Launched as a pool worker.
func (s *Service) Run() {
	for {
		select {
		case req := <-s.requests:
			s.inflight.Add(1)
			go func() {
				defer s.inflight.Done()
				s.handle(req)
			}()
		case ack := <-s.quit:
			s.inflight.Wait()
			ack <- struct{}{}
			return
		}
	}
}

// Stop shuts the service down after in-flight fetches complete. Responses
// for pipelines destroyed in the meantime are still delivered and dropped
// by the receiver. Idempotent.
func (s *Service) Stop() {
	s.quitOnce.Do(func() {
		ack := make(chan struct{})
		s.quit <- ack
		<-ack
		s.fetcher.Close()
		s.logger.Info("resource service stopped")
	})
}

// Fetch submits a request and waits for its response. Convenience for
// callers with nothing to do in between.
func (s *Service) Fetch(rawURL string, accept Kind, pipeline id.PipelineID) Response {
	req := NewRequest(rawURL, accept, pipeline)
	s.requests <- req
	return <-req.Reply
}

func (s *Service) handle(req Request) {
	start := time.Now()
	resp := s.resolve(req)
	resp.RequestID = req.ID
	elapsed := time.Since(start)

	scheme := schemeOf(req.URL)
	status := "ok"
	switch {
	case errors.Is(resp.Err, ErrBlocked):
		status = "blocked"
	case resp.Err != nil:
		status = "error"
	}
	if s.metrics != nil {
		s.metrics.RecordFetch(scheme, status, elapsed, int64(len(resp.Body)))
		if status == "blocked" {
			s.metrics.ResourceBlocked.Inc()
		}
	}
	if s.prof != nil {
		s.prof.RecordMeta(profiler.CatFetch, elapsed, scheme)
	}

	if resp.Err != nil {
		s.logger.Debug("fetch failed",
			zap.String("url", req.URL),
			zap.String("pipeline", req.Pipeline.String()),
			zap.Error(resp.Err))
	}

	// Reply channels are buffered; an abandoned requester just never reads.
	select {
	case req.Reply <- resp:
	default:
		s.logger.Debug("reply dropped, requester gone",
			zap.String("url", req.URL),
			zap.String("pipeline", req.Pipeline.String()))
	}
}

// resolve dispatches on scheme and produces the response.
func (s *Service) resolve(req Request) Response {
	u, err := url.Parse(req.URL)
	if err != nil {
		return Response{URL: req.URL, Err: fmt.Errorf("%w: %v", ErrBadURL, err)}
	}

	switch u.Scheme {
	case "about":
		return s.handleAbout(u)
	case "data":
		return s.handleData(req.URL)
	case "file":
		return s.handleFile(u)
	case "http", "https":
		if !s.policy.Allowed(u) {
			return Response{URL: req.URL, Err: fmt.Errorf("%w: %s", ErrBlocked, u.Host)}
		}
		return s.fetcher.Fetch(u, req.Accept)
	default:
		return Response{URL: req.URL, Err: fmt.Errorf("%w: %q", ErrBadScheme, u.Scheme)}
	}
}

func schemeOf(rawURL string) string {
	if u, err := url.Parse(rawURL); err == nil && u.Scheme != "" {
		return u.Scheme
	}
	return "invalid"
}
