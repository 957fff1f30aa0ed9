package resource

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/hashicorp/go-retryablehttp"
	"golang.org/x/time/rate"

	"github.com/skeinweb/skein/internal/config"
	"github.com/skeinweb/skein/internal/logging"
	"github.com/skeinweb/skein/internal/resilience"
)

// Fetcher is the http(s) arm of the resource service: resty over a
// retrying transport, a politeness limiter per host, and a circuit
// breaker per host.
type Fetcher struct {
	cfg      config.ResourceConfig
	client   *resty.Client
	breakers *resilience.Set

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewFetcher wires the fetch stack.
func NewFetcher(cfg config.ResourceConfig, logger *logging.Logger) *Fetcher {
	retryClient := retryablehttp.NewClient()
	retryClient.RetryMax = cfg.Retries
	retryClient.RetryWaitMin = 500 * time.Millisecond
	retryClient.RetryWaitMax = 10 * time.Second
	retryClient.Logger = nil // Disable logging

	restyClient := resty.New()
	restyClient.
		SetTimeout(cfg.Timeout).
		SetRetryCount(cfg.Retries).
		SetRetryWaitTime(500*time.Millisecond).
		SetRetryMaxWaitTime(10*time.Second).
		SetHeader("User-Agent", cfg.UserAgent).
		SetHeader("Accept-Language", "en-US,en;q=0.9").
		SetRedirectPolicy(resty.FlexibleRedirectPolicy(10)).
		SetDoNotParseResponse(true)

	restyClient.SetTransport(retryClient.HTTPClient.Transport)

	return &Fetcher{
		cfg:    cfg,
		client: restyClient,
		breakers: resilience.NewSet(resilience.Settings{
			MaxProbes: 2,
			Interval:  60 * time.Second,
			Timeout:   30 * time.Second,
			TripAfter: 5,
		}, logger),
		limiters: make(map[string]*rate.Limiter),
	}
}

// Fetch performs one http(s) request and shapes the result.
func (f *Fetcher) Fetch(u *url.URL, accept Kind) Response {
	ctx, cancel := context.WithTimeout(context.Background(), f.cfg.Timeout)
	defer cancel()

	if err := f.limiterFor(u.Host).Wait(ctx); err != nil {
		return Response{URL: u.String(), Err: fmt.Errorf("resource: rate limit wait: %w", err)}
	}

	var resp Response
	err := f.breakers.Do(u.Host, func() error {
		r, err := f.client.R().
			SetContext(ctx).
			SetHeader("Accept", acceptHeader(accept)).
			Get(u.String())
		if err != nil {
			return err
		}
		defer r.RawBody().Close()

		body, err := readLimited(r.RawBody(), f.cfg.MaxBodySize)
		if err != nil {
			resp = Response{URL: finalURL(r, u), Status: r.StatusCode(), Err: err}
			// Size overflow is a local decision, not a host failure
			return nil
		}

		resp = Response{
			URL:    finalURL(r, u),
			Body:   body,
			Status: r.StatusCode(),
		}

		if r.StatusCode() >= 400 {
			resp.Err = fmt.Errorf("%w: %d", ErrHTTPStatus, r.StatusCode())
			if r.StatusCode() >= 500 {
				return resp.Err
			}
			// 4xx means the host is healthy; do not feed the breaker
			return nil
		}

		resp.MediaType, resp.Charset, resp.Body = normalizeContent(body, r.Header().Get("Content-Type"))
		return nil
	})

	if err != nil {
		if resp.Err == nil {
			resp = Response{URL: u.String(), Err: err}
		}
		return resp
	}
	return resp
}

// limiterFor returns the politeness limiter for a host, creating it on
// first contact.
func (f *Fetcher) limiterFor(host string) *rate.Limiter {
	f.mu.Lock()
	defer f.mu.Unlock()

	l, ok := f.limiters[host]
	if !ok {
		if f.cfg.HostRPS <= 0 {
			l = rate.NewLimiter(rate.Inf, 0)
		} else {
			l = rate.NewLimiter(rate.Limit(f.cfg.HostRPS), f.cfg.HostBurst)
		}
		f.limiters[host] = l
	}
	return l
}

// BreakerStates exposes per-host circuit state for debug output.
func (f *Fetcher) BreakerStates() map[string]resilience.State {
	return f.breakers.States()
}

// Close drops pooled idle connections.
func (f *Fetcher) Close() {
	f.client.GetClient().CloseIdleConnections()
}

func acceptHeader(kind Kind) string {
	switch kind {
	case KindDocument:
		return "text/html,application/xhtml+xml,application/xml;q=0.9,image/webp,*/*;q=0.8"
	case KindImage:
		return "image/png,image/jpeg,image/gif,image/*;q=0.8,*/*;q=0.5"
	default:
		return "*/*"
	}
}

// readLimited reads at most limit bytes and fails if the stream has more.
func readLimited(r io.Reader, limit int64) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, fmt.Errorf("resource: read body: %w", err)
	}
	if int64(len(body)) > limit {
		return nil, fmt.Errorf("%w: over %d bytes", ErrTooLarge, limit)
	}
	return body, nil
}

func finalURL(r *resty.Response, fallback *url.URL) string {
	if r.RawResponse != nil && r.RawResponse.Request != nil && r.RawResponse.Request.URL != nil {
		return r.RawResponse.Request.URL.String()
	}
	return fallback.String()
}
