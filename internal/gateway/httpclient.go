package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/circuitbreaker"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"gridengine/internal/apperrors"
	"gridengine/internal/telemetry"
)

// APIError is a non-2xx response from the venue.
type APIError struct {
	StatusCode int
	Body       []byte
}

func (e *APIError) Error() string {
	return fmt.Sprintf("gateway: api error status=%d body=%s", e.StatusCode, string(e.Body))
}

// Signer signs an outgoing request (API key header, JWT, query hash — venue
// specific). Signer also owns time-skew correction: the client asks it to
// refresh on an auth-expired response, per spec §9.
type Signer interface {
	SignRequest(req *http.Request) error
	RefreshSkew(ctx context.Context) error
}

// AuthExpiredFunc reports whether an error indicates the signer's clock/token
// needs a refresh. Venue-specific gateways should translate their own
// "timestamp out of bounds" / "signature expired" errors to this check.
type AuthExpiredFunc func(err error) bool

// HTTPClient wraps net/http with a retry+circuit-breaker+rate-limit
// pipeline for venue-specific Gateway implementations. No Gateway in this
// repo uses it; the only implementation here is the in-memory Mock.
type HTTPClient struct {
	client   *http.Client
	baseURL  string
	signer   Signer
	limiter  *rate.Limiter
	pipeline failsafe.Executor[*http.Response]
	authExp  AuthExpiredFunc

	tracer      trace.Tracer
	reqCounter  metric.Int64Counter
	errCounter  metric.Int64Counter
	latencyHist metric.Float64Histogram

	skewMu       sync.Mutex
	lastSkewAt   time.Time
	minSkewEvery time.Duration
}

// NewHTTPClient builds a client with the retry (up to 3 retries after the
// first attempt, exponential backoff from 1s doubling to at most 8s, matching
// spec §5's base-1s-factor-2 policy applied at the transport layer) and
// circuit-breaker (opens at a 5-of-10 failure ratio) pipeline from
// market_maker/pkg/http/client.go, plus a 25 req/s token bucket with a burst
// of 30 grounded on order/executor_adapter.go's limiter construction.
func NewHTTPClient(baseURL string, timeout time.Duration, signer Signer, authExpired AuthExpiredFunc) *HTTPClient {
	retryPolicy := retrypolicy.NewBuilder[*http.Response]().
		HandleIf(func(resp *http.Response, err error) bool {
			if err != nil {
				return true
			}
			return resp.StatusCode >= 500 || resp.StatusCode == 429
		}).
		WithBackoff(1*time.Second, 8*time.Second).
		WithMaxRetries(3).
		Build()

	breaker := circuitbreaker.NewBuilder[*http.Response]().
		HandleIf(func(resp *http.Response, err error) bool {
			if err != nil {
				return true
			}
			return resp.StatusCode >= 500
		}).
		WithFailureThresholdRatio(5, 10).
		WithDelay(10 * time.Second).
		Build()

	tracer := telemetry.Tracer("gateway-http")
	meter := telemetry.Meter("gateway-http")
	reqCounter, _ := meter.Int64Counter("gateway_requests_total")
	errCounter, _ := meter.Int64Counter("gateway_errors_total")
	latencyHist, _ := meter.Float64Histogram("gateway_request_duration_seconds")

	return &HTTPClient{
		client:       &http.Client{Timeout: timeout},
		baseURL:      baseURL,
		signer:       signer,
		limiter:      rate.NewLimiter(rate.Limit(25), 30),
		pipeline:     failsafe.With[*http.Response](retryPolicy, breaker),
		authExp:      authExpired,
		tracer:       tracer,
		reqCounter:   reqCounter,
		errCounter:   errCounter,
		latencyHist:  latencyHist,
		minSkewEvery: 5 * time.Minute,
	}
}

// Get issues a signed GET.
func (c *HTTPClient) Get(ctx context.Context, path string, params map[string]string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("gateway: build request: %w", err)
	}
	q := req.URL.Query()
	for k, v := range params {
		q.Add(k, v)
	}
	req.URL.RawQuery = q.Encode()
	return c.do(req)
}

// Post issues a signed POST with a JSON body.
func (c *HTTPClient) Post(ctx context.Context, path string, body interface{}) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("gateway: marshal body: %w", err)
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("gateway: build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.do(req)
}

// Delete issues a signed DELETE.
func (c *HTTPClient) Delete(ctx context.Context, path string, params map[string]string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("gateway: build request: %w", err)
	}
	q := req.URL.Query()
	for k, v := range params {
		q.Add(k, v)
	}
	req.URL.RawQuery = q.Encode()
	return c.do(req)
}

func (c *HTTPClient) do(req *http.Request) ([]byte, error) {
	if err := c.limiter.Wait(req.Context()); err != nil {
		return nil, fmt.Errorf("%w: rate limiter: %v", apperrors.ErrTransient, err)
	}

	start := time.Now()
	ctx, span := c.tracer.Start(req.Context(), req.Method+" "+req.URL.Path,
		trace.WithAttributes(attribute.String("http.method", req.Method), attribute.String("http.url", req.URL.String())))
	defer span.End()
	req = req.WithContext(ctx)

	if c.signer != nil {
		if err := c.signer.SignRequest(req); err != nil {
			span.RecordError(err)
			return nil, fmt.Errorf("gateway: sign request: %w", err)
		}
	}

	resp, err := c.pipeline.GetWithExecution(func(exec failsafe.Execution[*http.Response]) (*http.Response, error) {
		return c.client.Do(req)
	})

	c.reqCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("method", req.Method)))
	c.latencyHist.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(attribute.String("method", req.Method)))

	if err != nil {
		span.RecordError(err)
		c.errCounter.Add(ctx, 1)
		if c.authExp != nil && c.authExp(err) {
			if refreshErr := c.maybeRefreshSkew(ctx); refreshErr != nil {
				return nil, fmt.Errorf("gateway: refresh skew: %w", refreshErr)
			}
		}
		return nil, fmt.Errorf("%w: request failed: %v", apperrors.ErrTransient, err)
	}
	defer resp.Body.Close()
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("gateway: read body: %w", err)
	}

	if resp.StatusCode >= 400 {
		c.errCounter.Add(ctx, 1, metric.WithAttributes(attribute.Int("status", resp.StatusCode)))
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: body}
		if c.authExp != nil && c.authExp(apiErr) {
			if refreshErr := c.maybeRefreshSkew(ctx); refreshErr != nil {
				return nil, fmt.Errorf("gateway: refresh skew: %w", refreshErr)
			}
		}
		return nil, apiErr
	}
	return body, nil
}

// maybeRefreshSkew refreshes the signer's time-skew correction, throttled to
// at most once per minSkewEvery (spec §9: "refreshed at most every 5 minutes
// or on auth-expired responses").
func (c *HTTPClient) maybeRefreshSkew(ctx context.Context) error {
	c.skewMu.Lock()
	defer c.skewMu.Unlock()
	if time.Since(c.lastSkewAt) < c.minSkewEvery {
		return nil
	}
	if c.signer == nil {
		return nil
	}
	if err := c.signer.RefreshSkew(ctx); err != nil {
		return err
	}
	c.lastSkewAt = time.Now()
	return nil
}
