package fetcher

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/sells-group/revledger/internal/resilience"
)

// newTestFetcher shrinks the retry backoff so failure paths run in
// microseconds.
func newTestFetcher(opts HTTPOptions) *HTTPFetcher {
	if opts.Timeout == 0 {
		opts.Timeout = 5 * time.Second
	}
	f := NewHTTPFetcher(opts)
	f.backoffBase = 200 * time.Microsecond
	return f
}

func TestDownload_SendsUserAgent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "revledger-test", r.Header.Get("User-Agent"))
		w.Write([]byte("ticket_number,coupon,amount\n125-4400000001,1,512.00\n"))
	}))
	defer srv.Close()

	f := newTestFetcher(HTTPOptions{UserAgent: "revledger-test"})
	body, err := f.Download(context.Background(), srv.URL+"/drops/pss-20260301.csv")
	require.NoError(t, err)
	defer body.Close()

	data, err := io.ReadAll(body)
	require.NoError(t, err)
	assert.Contains(t, string(data), "125-4400000001")
}

func TestDownload_RetriesServerErrors(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Write([]byte("issue batch"))
	}))
	defer srv.Close()

	f := newTestFetcher(HTTPOptions{MaxRetries: 3})
	body, err := f.Download(context.Background(), srv.URL+"/batch")
	require.NoError(t, err)
	defer body.Close()

	data, err := io.ReadAll(body)
	require.NoError(t, err)
	assert.Equal(t, "issue batch", string(data))
	assert.Equal(t, int32(3), hits.Load())
}

func TestDownload_ExhaustsRetries(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	f := newTestFetcher(HTTPOptions{MaxRetries: 2})
	_, err := f.Download(context.Background(), srv.URL+"/batch")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "gave up after 2 attempts")
	assert.Equal(t, int32(2), hits.Load())

	// The dead letter queue schedules replays off this classification.
	assert.True(t, resilience.IsTransient(err))
	var te *resilience.TransientError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, http.StatusServiceUnavailable, te.StatusCode)
}

func TestDownload_TerminalStatusNotRetried(t *testing.T) {
	for _, code := range []int{
		http.StatusBadRequest,
		http.StatusUnauthorized,
		http.StatusNotFound,
		http.StatusNotImplemented,
	} {
		t.Run(http.StatusText(code), func(t *testing.T) {
			var hits atomic.Int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				hits.Add(1)
				w.WriteHeader(code)
			}))
			defer srv.Close()

			f := newTestFetcher(HTTPOptions{MaxRetries: 3})
			_, err := f.Download(context.Background(), srv.URL+"/batch")
			require.Error(t, err)
			assert.Contains(t, err.Error(), "returned")
			assert.Equal(t, int32(1), hits.Load(), "terminal statuses fail on the first response")
			assert.False(t, resilience.IsTransient(err))
		})
	}
}

func TestDownload_RetriesDroppedConnections(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if hits.Add(1) < 3 {
			if hj, ok := w.(http.Hijacker); ok {
				conn, _, _ := hj.Hijack()
				conn.Close()
				return
			}
		}
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	f := newTestFetcher(HTTPOptions{MaxRetries: 4, Timeout: 2 * time.Second})
	body, err := f.Download(context.Background(), srv.URL+"/batch")
	require.NoError(t, err)
	defer body.Close()

	data, err := io.ReadAll(body)
	require.NoError(t, err)
	assert.Equal(t, "ok", string(data))
	assert.GreaterOrEqual(t, hits.Load(), int32(3))
}

func TestDownload_AllConnectionsDropped(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if hj, ok := w.(http.Hijacker); ok {
			conn, _, _ := hj.Hijack()
			conn.Close()
		}
	}))
	defer srv.Close()

	f := newTestFetcher(HTTPOptions{MaxRetries: 2, Timeout: time.Second})
	_, err := f.Download(context.Background(), srv.URL+"/batch")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "gave up after")
	assert.True(t, resilience.IsTransient(err), "a flaky endpoint is worth replaying")
}

func TestDownload_429TunesAdaptiveLimiter(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if hits.Add(1) <= 2 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Write([]byte("claims"))
	}))
	defer srv.Close()

	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	adaptive := NewAdaptiveLimiter(100, 100)

	f := newTestFetcher(HTTPOptions{
		MaxRetries:       3,
		AdaptiveLimiters: map[string]*AdaptiveLimiter{u.Host: adaptive},
	})

	body, err := f.Download(context.Background(), srv.URL+"/claims")
	require.NoError(t, err)
	defer body.Close()

	assert.Equal(t, int32(3), hits.Load())
	// Two halvings and one 20% recovery: 100 -> 50 -> 25 -> 30.
	assert.InDelta(t, 30.0, float64(adaptive.Limit()), 0.1)
}

func TestDownload_HonorsPerHostLimiter(t *testing.T) {
	var stamps []time.Time
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		stamps = append(stamps, time.Now())
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	f := newTestFetcher(HTTPOptions{
		MaxRetries: 1,
		RateLimiters: map[string]*rate.Limiter{
			srv.Listener.Addr().String(): rate.NewLimiter(2, 1),
		},
	})

	for range 3 {
		body, err := f.Download(context.Background(), srv.URL+"/limited")
		require.NoError(t, err)
		body.Close()
	}

	require.Len(t, stamps, 3)
	spread := stamps[2].Sub(stamps[0])
	assert.GreaterOrEqual(t, spread.Milliseconds(), int64(500), "2 rps with burst 1 spaces three pulls out")
}

func TestDownload_ThrottleCancelled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	f := newTestFetcher(HTTPOptions{
		MaxRetries: 1,
		RateLimiters: map[string]*rate.Limiter{
			srv.Listener.Addr().String(): rate.NewLimiter(rate.Every(time.Hour), 0),
		},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := f.Download(ctx, srv.URL+"/batch")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "throttle")
}

func TestDownload_InvalidURL(t *testing.T) {
	f := newTestFetcher(HTTPOptions{})
	_, err := f.Download(context.Background(), "://not-a-url")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "build request")
}

func TestDownload_ContextCancelled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	f := newTestFetcher(HTTPOptions{})
	_, err := f.Download(ctx, srv.URL+"/batch")
	require.Error(t, err)
}

func TestNewHTTPFetcher_Defaults(t *testing.T) {
	f := NewHTTPFetcher(HTTPOptions{})
	assert.Equal(t, "revledger/1.0", f.opts.UserAgent)
	assert.Equal(t, 30*time.Second, f.opts.Timeout)
	assert.Equal(t, 3, f.opts.MaxRetries)
	assert.Equal(t, time.Second, f.backoffBase)
	assert.InDelta(t, 20.0, float64(f.fallback.Limit()), 0.001)
}

func TestPause_HonorsContext(t *testing.T) {
	f := NewHTTPFetcher(HTTPOptions{})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := f.pause(ctx, 20) // deep attempt lands on the 30s cap
	require.Error(t, err)
	assert.Less(t, time.Since(start), time.Second)

	cancelled, cancel2 := context.WithCancel(context.Background())
	cancel2()
	err = f.pause(cancelled, 1)
	require.Error(t, err)
}
