// Package transport sends encoded API requests over HTTP and classifies
// failures as transient (worth retrying) or fatal.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/Sternrassler/wiki-api-client/pkg/logging"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wiki_http_requests_total",
		Help: "Total HTTP exchanges with wiki APIs by site and status code",
	}, []string{"site", "code"})

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "wiki_http_request_duration_seconds",
		Help:    "HTTP exchange duration in seconds by site",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
	}, []string{"site"})
)

// Transport delivers one request and returns the raw response body.
// Errors are either *TransientError or *FatalError; a cancelled context is
// returned as ctx.Err().
type Transport interface {
	Send(ctx context.Context, siteID, url, method string, headers http.Header, body []byte) ([]byte, error)
}

// TransientError is a failure that may succeed when repeated: gateway
// errors, connection failures and timeouts.
type TransientError struct {
	Status int
	Err    error
}

func (e *TransientError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("transient HTTP error: status %d", e.Status)
	}
	return fmt.Sprintf("transient HTTP error: %v", e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// FatalError is a failure that repeating cannot fix.
type FatalError struct {
	Status int
	Err    error
}

func (e *FatalError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("fatal HTTP error: status %d", e.Status)
	}
	return fmt.Sprintf("fatal HTTP error: %v", e.Err)
}

func (e *FatalError) Unwrap() error { return e.Err }

// IsTransient reports whether err is a *TransientError.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// Config holds HTTP transport settings.
type Config struct {
	// UserAgent is sent with every request.
	UserAgent string

	// Timeout bounds one HTTP exchange.
	Timeout time.Duration

	// TracerProvider supplies the tracer for request spans. Defaults to the
	// global provider.
	TracerProvider trace.TracerProvider
}

// DefaultConfig returns transport settings with a 30 second timeout.
func DefaultConfig(userAgent string) Config {
	return Config{
		UserAgent: userAgent,
		Timeout:   30 * time.Second,
	}
}

// HTTP is the resty-backed Transport.
type HTTP struct {
	client *resty.Client
	tracer trace.Tracer
	logger zerolog.Logger
}

type siteKey struct{}

// NewHTTP creates an HTTP transport.
func NewHTTP(cfg Config) *HTTP {
	tp := cfg.TracerProvider
	if tp == nil {
		tp = otel.GetTracerProvider()
	}

	c := resty.New()
	if cfg.UserAgent != "" {
		c.SetHeader("User-Agent", cfg.UserAgent)
	}
	if cfg.Timeout > 0 {
		c.SetTimeout(cfg.Timeout)
	}

	t := &HTTP{
		client: c,
		tracer: tp.Tracer("github.com/Sternrassler/wiki-api-client/pkg/transport"),
		logger: logging.NewLogger("transport"),
	}
	c.OnBeforeRequest(t.onBeforeRequest)
	c.OnAfterResponse(t.onAfterResponse)
	c.OnError(t.onError)
	return t
}

// Send performs one HTTP exchange.
func (t *HTTP) Send(ctx context.Context, siteID, rawURL, method string, headers http.Header, body []byte) ([]byte, error) {
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		if err == nil {
			err = fmt.Errorf("unsupported URL %q", rawURL)
		}
		return nil, &FatalError{Err: err}
	}

	start := time.Now()
	req := t.client.R().
		SetContext(context.WithValue(ctx, siteKey{}, siteID)).
		SetHeaderMultiValues(headers)
	if body != nil {
		req.SetBody(body)
	}

	resp, err := req.Execute(method, rawURL)
	httpRequestDuration.WithLabelValues(siteID).Observe(time.Since(start).Seconds())
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		httpRequestsTotal.WithLabelValues(siteID, "error").Inc()
		return nil, &TransientError{Err: err}
	}

	status := resp.StatusCode()
	httpRequestsTotal.WithLabelValues(siteID, strconv.Itoa(status)).Inc()

	switch {
	case status == http.StatusBadGateway,
		status == http.StatusServiceUnavailable,
		status == http.StatusGatewayTimeout:
		return nil, &TransientError{Status: status}
	case status >= 400:
		return nil, &FatalError{Status: status}
	}
	return resp.Body(), nil
}

func (t *HTTP) onBeforeRequest(_ *resty.Client, req *resty.Request) error {
	ctx := req.Context()
	site, _ := ctx.Value(siteKey{}).(string)
	ctx, _ = t.tracer.Start(ctx, "http "+req.Method,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("wiki.site", site),
			attribute.String("http.request.method", req.Method),
		))
	req.SetContext(ctx)

	t.logger.Trace().
		Str("site", site).
		Str("method", req.Method).
		Str("url", req.URL).
		Msg("Sending request")
	return nil
}

func (t *HTTP) onAfterResponse(_ *resty.Client, res *resty.Response) error {
	span := trace.SpanFromContext(res.Request.Context())
	defer span.End()

	span.SetAttributes(
		attribute.String("url.full", res.Request.URL),
		attribute.Int("http.response.status_code", res.StatusCode()),
		attribute.Int("http.response.body.size", len(res.Body())),
	)
	if res.StatusCode() >= 400 {
		span.SetStatus(codes.Error, res.Status())
	}
	return nil
}

func (t *HTTP) onError(req *resty.Request, err error) {
	span := trace.SpanFromContext(req.Context())
	defer span.End()

	span.RecordError(err)
	span.SetStatus(codes.Error, "request failed")

	t.logger.Debug().
		Err(err).
		Str("method", req.Method).
		Str("url", req.URL).
		Msg("Request failed")
}
