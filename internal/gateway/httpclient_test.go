package gateway

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/circuitbreaker"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

// TestHTTPClientRetriesOn5xxThenSucceeds mirrors
// market_maker/pkg/http/client_test.go's TestHttpClient_Retry: a server that
// fails twice then succeeds should be transparently retried by do()'s
// failsafe-go pipeline.
func TestHTTPClientRetriesOn5xxThenSucceeds(t *testing.T) {
	var attempts int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&attempts, 1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("success"))
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL, 5*time.Second, nil, nil)
	body, err := client.Get(context.Background(), "/", nil)
	require.NoError(t, err)
	assert.Equal(t, "success", string(body))
	assert.EqualValues(t, 3, atomic.LoadInt32(&attempts))
}

// TestHTTPClientCircuitBreakerShortCircuitsAfterFailures mirrors
// market_maker/pkg/http/client_test.go's TestHttpClient_CircuitBreaker. The
// breaker's own ratio/delay config is left exactly as NewHTTPClient builds
// it; only the retry backoff is swapped for a faster one so the test doesn't
// spend minutes sleeping between retried attempts against a server that
// never recovers.
func TestHTTPClientCircuitBreakerShortCircuitsAfterFailures(t *testing.T) {
	var attempts int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL, 2*time.Second, nil, nil)
	client.pipeline = failsafe.With[*http.Response](
		retrypolicy.NewBuilder[*http.Response]().
			HandleIf(func(resp *http.Response, err error) bool {
				if err != nil {
					return true
				}
				return resp.StatusCode >= 500 || resp.StatusCode == 429
			}).
			WithBackoff(1*time.Millisecond, 5*time.Millisecond).
			WithMaxRetries(3).
			Build(),
		circuitbreaker.NewBuilder[*http.Response]().
			HandleIf(func(resp *http.Response, err error) bool {
				if err != nil {
					return true
				}
				return resp.StatusCode >= 500
			}).
			WithFailureThresholdRatio(5, 10).
			WithDelay(10 * time.Second).
			Build(),
	)

	const calls = 6
	for i := 0; i < calls; i++ {
		_, _ = client.Get(context.Background(), "/", nil)
	}

	// With the breaker never engaging, every one of the 6 calls would reach
	// the server 4 times (one attempt plus 3 retries), 24 in all. A breaker
	// that actually opens partway through must leave the server seeing fewer
	// than 18 hits.
	assert.Less(t, int(atomic.LoadInt32(&attempts)), calls*3,
		"circuit breaker should have short-circuited at least one retried call instead of always reaching the server")
}

// TestHTTPClientRateLimiterThrottlesRequests drives do() through the token
// bucket grounded on order/executor_adapter.go's limiter construction. The
// production bucket (25 req/s, burst 30) only blocks after 30 back-to-back
// requests, so the test swaps in a 1 req/s, burst 1 bucket to observe the
// same Wait() call blocking on the second request.
func TestHTTPClientRateLimiterThrottlesRequests(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL, 2*time.Second, nil, nil)
	client.limiter = rate.NewLimiter(rate.Limit(1), 1)

	start := time.Now()
	_, err := client.Get(context.Background(), "/", nil)
	require.NoError(t, err)
	_, err = client.Get(context.Background(), "/", nil)
	require.NoError(t, err)
	elapsed := time.Since(start)

	assert.GreaterOrEqual(t, elapsed, 500*time.Millisecond,
		"second request should have waited for the limiter to refill a token")
}
