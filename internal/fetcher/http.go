// Package fetcher brings partner feed drops into the pipeline. It covers the
// transports drops arrive over (HTTP with retry and per-host throttling, FTP
// for reservation-system exports) along with streaming decoders for the CSV,
// XML, and XLSX layouts partners ship, and ZIP unpacking for compressed
// batches.
package fetcher

import (
	"context"
	"io"
	"math/rand/v2"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/revledger/internal/resilience"
)

// HTTPOptions configures the HTTP fetcher. Hosts without a limiter entry
// share one permissive fallback limiter.
type HTTPOptions struct {
	UserAgent        string
	Timeout          time.Duration
	MaxRetries       int
	RateLimiters     map[string]*rate.Limiter
	AdaptiveLimiters map[string]*AdaptiveLimiter
}

// HTTPFetcher pulls feed payloads over HTTP. Dropped connections, 429s and
// retryable 5xx responses are retried with exponential backoff and stay
// marked transient for the dead letter queue once attempts run out; any
// other status fails on the first response.
type HTTPFetcher struct {
	client   *http.Client
	opts     HTTPOptions
	fallback *rate.Limiter

	// backoffBase is the first retry delay; tests shrink it.
	backoffBase time.Duration
}

// NewHTTPFetcher builds a fetcher with pooled connections per feed host.
func NewHTTPFetcher(opts HTTPOptions) *HTTPFetcher {
	if opts.UserAgent == "" {
		opts.UserAgent = "revledger/1.0"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 3
	}
	return &HTTPFetcher{
		client: &http.Client{
			Timeout: opts.Timeout,
			Transport: &http.Transport{
				MaxConnsPerHost:     16,
				MaxIdleConnsPerHost: 8,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		opts:        opts,
		fallback:    rate.NewLimiter(20, 20),
		backoffBase: time.Second,
	}
}

// Download GETs rawURL and hands back the body stream. The caller owns the
// returned ReadCloser.
func (f *HTTPFetcher) Download(ctx context.Context, rawURL string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, eris.Wrapf(err, "build request for %s", rawURL)
	}
	req.Header.Set("User-Agent", f.opts.UserAgent)

	host := req.URL.Host
	adaptive := f.opts.AdaptiveLimiters[host]

	var lastErr error
	for attempt := 1; ; attempt++ {
		if err := f.throttle(ctx, host, adaptive); err != nil {
			return nil, err
		}

		resp, err := f.client.Do(req.Clone(ctx))
		switch {
		case err != nil:
			lastErr = resilience.NewTransientError(err, 0)
		case resp.StatusCode == http.StatusOK:
			if adaptive != nil {
				adaptive.OnSuccess()
			}
			return resp.Body, nil
		case resp.StatusCode == http.StatusTooManyRequests:
			_ = resp.Body.Close()
			if adaptive != nil {
				adaptive.OnRateLimit()
			}
			lastErr = resilience.NewTransientError(eris.Errorf("GET %s", req.URL), resp.StatusCode)
		case resilience.IsTransientHTTPStatus(resp.StatusCode):
			_ = resp.Body.Close()
			lastErr = resilience.NewTransientError(eris.Errorf("GET %s", req.URL), resp.StatusCode)
		default:
			_ = resp.Body.Close()
			return nil, eris.Errorf("GET %s returned %d", req.URL, resp.StatusCode)
		}

		if attempt == f.opts.MaxRetries {
			return nil, eris.Wrapf(lastErr, "gave up after %d attempts", attempt)
		}
		zap.L().Warn("feed pull failed, retrying",
			zap.String("url", req.URL.String()),
			zap.Int("attempt", attempt),
			zap.Error(lastErr))
		if err := f.pause(ctx, attempt); err != nil {
			return nil, err
		}
	}
}

func (f *HTTPFetcher) throttle(ctx context.Context, host string, adaptive *AdaptiveLimiter) error {
	var err error
	if adaptive != nil {
		err = adaptive.Wait(ctx)
	} else if lim, ok := f.opts.RateLimiters[host]; ok {
		err = lim.Wait(ctx)
	} else {
		err = f.fallback.Wait(ctx)
	}
	if err != nil {
		return eris.Wrapf(err, "throttle %s", host)
	}
	return nil
}

// pause sleeps out the backoff for the attempt that just failed: doubling
// from backoffBase, capped at 30s, with up to half the delay again as jitter.
func (f *HTTPFetcher) pause(ctx context.Context, attempt int) error {
	d := 30 * time.Second
	if attempt < 6 {
		d = f.backoffBase << (attempt - 1)
		if d > 30*time.Second {
			d = 30 * time.Second
		}
	}
	if half := d / 2; half > 0 {
		d += rand.N(half)
	}

	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return eris.Wrap(ctx.Err(), "backoff interrupted")
	case <-t.C:
		return nil
	}
}
