// Package client submits requests to a wiki api.php endpoint with retry,
// throttling, session recovery and optional response caching.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/Sternrassler/wiki-api-client/pkg/cache"
	"github.com/Sternrassler/wiki-api-client/pkg/config"
	"github.com/Sternrassler/wiki-api-client/pkg/logging"
	"github.com/Sternrassler/wiki-api-client/pkg/params"
	"github.com/Sternrassler/wiki-api-client/pkg/ratelimit"
	"github.com/Sternrassler/wiki-api-client/pkg/site"
	"github.com/Sternrassler/wiki-api-client/pkg/transport"
)

// Prometheus metrics for API requests.
var (
	wikiRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wiki_requests_total",
		Help: "Total API requests by action and outcome",
	}, []string{"action", "outcome"})

	wikiRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "wiki_request_duration_seconds",
		Help:    "API request duration in seconds by action, including retries",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 120},
	}, []string{"action"})

	wikiReloginsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wiki_relogins_total",
		Help: "Total re-logins after session expiry by site",
	}, []string{"site"})
)

// MaxRelogins bounds consecutive re-logins within one Submit.
const MaxRelogins = 3

const formContentType = "application/x-www-form-urlencoded"

// Config holds the client configuration.
type Config struct {
	// Retry
	MaxRetries int
	RetryWait  time.Duration

	// MaxLag is injected into every request; 0 disables it.
	MaxLag int

	// Simulate answers write actions and ActionsToBlock locally.
	Simulate       bool
	ActionsToBlock []string

	// APIConfigExpiry is the cache lifetime of site configuration requests
	// such as paraminfo.
	APIConfigExpiry time.Duration
}

// DefaultConfig returns a safe default configuration.
func DefaultConfig() Config {
	return ConfigFrom(config.DefaultConfig())
}

// ConfigFrom extracts the client settings from a loaded configuration.
func ConfigFrom(cfg config.Config) Config {
	return Config{
		MaxRetries:      cfg.MaxRetries,
		RetryWait:       cfg.RetryWait,
		MaxLag:          cfg.MaxLag,
		Simulate:        cfg.Simulate,
		ActionsToBlock:  slices.Clone(cfg.ActionsToBlock),
		APIConfigExpiry: cfg.APIConfigExpiry,
	}
}

// Client is the request executor. It is safe for concurrent use.
type Client struct {
	transport transport.Transport
	throttle  *ratelimit.Throttle
	cache     cache.Store
	config    Config
	logger    zerolog.Logger
	tracer    trace.Tracer

	now   func() time.Time
	sleep func(context.Context, time.Duration) error
}

// Option configures a Client.
type Option func(*Client)

// WithThrottle paces requests through th. Without it requests are sent
// unthrottled and maxlag pauses sleep locally.
func WithThrottle(th *ratelimit.Throttle) Option {
	return func(c *Client) { c.throttle = th }
}

// WithCache enables SubmitCached.
func WithCache(s cache.Store) Option {
	return func(c *Client) { c.cache = s }
}

// WithTracerProvider sets the provider for Submit spans.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(c *Client) { c.tracer = tp.Tracer("github.com/Sternrassler/wiki-api-client/pkg/client") }
}

// New creates a new client.
func New(cfg Config, tr transport.Transport, opts ...Option) (*Client, error) {
	if tr == nil {
		return nil, fmt.Errorf("transport is required")
	}
	if cfg.MaxRetries < 0 {
		return nil, fmt.Errorf("max_retries must be >= 0 (got %d)", cfg.MaxRetries)
	}
	if cfg.RetryWait <= 0 {
		return nil, fmt.Errorf("retry_wait must be > 0 (got %s)", cfg.RetryWait)
	}

	c := &Client{
		transport: tr,
		config:    cfg,
		logger:    logging.NewLogger("wiki-client"),
		tracer:    otel.Tracer("github.com/Sternrassler/wiki-api-client/pkg/client"),
		now:       time.Now,
		sleep:     sleepContext,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Config returns the client configuration.
func (c *Client) Config() Config { return c.config }

type decisionKind int

const (
	decideSuccess decisionKind = iota
	decideFail
	decideBackoff
	decideLag
	decideRelogin
)

// decision is the outcome of one attempt.
type decision struct {
	kind   decisionKind
	result map[string]any
	err    error
	reason string
	lag    time.Duration
	level  site.LoginStatus
}

func succeed(result map[string]any) decision { return decision{kind: decideSuccess, result: result} }
func fail(err error) decision                { return decision{kind: decideFail, err: err} }
func retry(reason string) decision           { return decision{kind: decideBackoff, reason: reason} }

// Submit sends r and returns the decoded response. Transient failures are
// retried within the request's budget; API errors come back as *Error.
func (c *Client) Submit(ctx context.Context, r *Request) (map[string]any, error) {
	action := r.action()
	logger := c.logger.With().
		Str("site", r.Site.ID()).
		Str("action", action).
		Str("request_id", uuid.NewString()).
		Logger()

	ctx, span := c.tracer.Start(ctx, "wiki.submit", trace.WithAttributes(
		attribute.String("wiki.site", r.Site.ID()),
		attribute.String("wiki.action", action),
	))
	defer span.End()

	startTime := time.Now()
	result, outcome, err := c.submit(ctx, r, logger)
	wikiRequestDuration.WithLabelValues(action).Observe(time.Since(startTime).Seconds())
	wikiRequestsTotal.WithLabelValues(action, outcome).Inc()

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, outcome)
		return nil, err
	}
	return result, nil
}

func (c *Client) submit(ctx context.Context, r *Request, logger zerolog.Logger) (map[string]any, string, error) {
	if err := params.Normalize(r.Params, params.NormalizeOptions{MaxLag: c.config.MaxLag}); err != nil {
		return nil, string(ClassConstruction), &Error{Class: ClassConstruction, Err: err}
	}

	if c.simulated(r) {
		logger.Warn().Msgf("SIMULATION: %s action blocked.", r.action())
		return map[string]any{
			r.action(): map[string]any{"result": "Success", "nochange": ""},
		}, "simulated", nil
	}

	b := newBackoff(r.MaxRetries, r.RetryWait)
	relogins := 0
	for {
		b.attempt++
		if err := ctx.Err(); err != nil {
			return nil, "cancelled", cancelled(err)
		}

		d := c.attempt(ctx, r, logger.With().Int("attempt", b.attempt).Logger())
		switch d.kind {
		case decideSuccess:
			return d.result, "success", nil

		case decideFail:
			return nil, outcomeOf(d.err), d.err

		case decideBackoff:
			if err := c.wait(ctx, b, d.reason, logger); err != nil {
				return nil, outcomeOf(err), err
			}

		case decideLag:
			if err := c.pauseForLag(ctx, r, d.lag, logger); err != nil {
				return nil, "cancelled", err
			}

		case decideRelogin:
			relogins++
			if relogins > MaxRelogins {
				return nil, string(ClassSessionExpired), &Error{
					Class: ClassSessionExpired,
					Info:  fmt.Sprintf("session expired %d times in a row", relogins),
					Err:   ErrSessionExpired,
				}
			}
			if err := c.relogin(ctx, r, d.level, logger); err != nil {
				return nil, string(ClassSessionExpired), err
			}
		}
	}
}

func outcomeOf(err error) string {
	if errors.Is(err, ErrContextCancelled) {
		return "cancelled"
	}
	if class := ClassOf(err); class != "" {
		return string(class)
	}
	return "error"
}

func (c *Client) simulated(r *Request) bool {
	if !c.config.Simulate {
		return false
	}
	return r.Write || slices.Contains(c.config.ActionsToBlock, r.action())
}

// attempt performs one round trip and decides what happens next.
func (c *Client) attempt(ctx context.Context, r *Request, logger zerolog.Logger) decision {
	if r.Throttle && c.throttle != nil {
		kind := ratelimit.Read
		if r.Write {
			kind = ratelimit.Write
		}
		if err := c.throttle.Acquire(ctx, r.Site.ID(), kind); err != nil {
			if ctx.Err() != nil {
				return fail(cancelled(ctx.Err()))
			}
			logger.Warn().Err(err).Msg("Throttle unavailable, sending unpaced")
		}
	}

	body, contentType, err := c.encode(r)
	if err != nil {
		return fail(&Error{Class: ClassConstruction, Err: err})
	}
	headers := http.Header{}
	headers.Set("Content-Type", contentType)

	raw, err := c.transport.Send(ctx, r.Site.ID(), r.Site.ScriptPath()+"/api.php", http.MethodPost, headers, body)
	if err != nil {
		if ctx.Err() != nil {
			return fail(cancelled(ctx.Err()))
		}
		if transport.IsTransient(err) {
			logger.Warn().Err(err).Str("error_class", string(ClassTransport)).Msg("Transient transport error")
			return retry(reasonTransport)
		}
		logger.Error().Err(err).Str("error_class", string(ClassTransport)).Msgf("Transport failed: %+v", err)
		return fail(&Error{Class: ClassTransport, Err: err})
	}

	text, err := params.DecodeText(raw, r.Site.Encoding())
	if err != nil {
		logger.Warn().Err(err).Msg("Response is not in the site encoding")
		text = raw
	}

	if bytes.HasPrefix(text, []byte("unknown_action")) {
		return fail(unknownAction(string(text)))
	}

	var data any
	dec := json.NewDecoder(bytes.NewReader(text))
	dec.UseNumber()
	if err := dec.Decode(&data); err != nil {
		logger.Warn().Err(err).Msg("Non-JSON response received from server; the server may be down")
		c.halveLimits(r, logger)
		return retry(reasonParse)
	}

	result, ok := data.(map[string]any)
	if !ok || result == nil {
		result = map[string]any{}
	}

	if level, expired := c.postProcess(r, result, logger); expired {
		return decision{kind: decideRelogin, level: level}
	}

	errObj, ok := result["error"].(map[string]any)
	if !ok {
		if _, present := result["error"]; !present {
			return succeed(result)
		}
		errObj = map[string]any{}
	}
	return c.classify(r, errObj, logger)
}

// encode renders the request body and its content type.
func (c *Client) encode(r *Request) ([]byte, string, error) {
	if len(r.MimeParams) > 0 {
		return params.EncodeMultipart(r.Params, r.MimeParams, r.Site.Encoding())
	}
	body, err := params.Encode(r.Params, r.Site.Encoding())
	if err != nil {
		return nil, "", err
	}
	return []byte(body), formContentType, nil
}

func unknownAction(text string) *Error {
	code, info := text, ""
	if len(text) > 14 {
		code = text[:14]
	}
	if len(text) > 16 {
		info = text[16:]
	}
	return &Error{Class: ClassServer, Code: code, Info: info}
}

// halveLimits shrinks every numeric *limit parameter after a response that
// could not be parsed, assuming the response was too large.
func (c *Client) halveLimits(r *Request, logger zerolog.Logger) {
	for _, key := range r.Params.Keys() {
		if !strings.HasSuffix(key, "limit") {
			continue
		}
		n, err := strconv.Atoi(r.Params.Get(key))
		if err != nil {
			continue
		}
		r.Params.Set(key, strconv.Itoa(n/2))
		logger.Info().Msgf("Set %s = %s", key, r.Params.Get(key))
	}
}

// pauseForLag waits out replication lag without spending retry budget.
// The throttle spreads the pause to every client sharing its store.
func (c *Client) pauseForLag(ctx context.Context, r *Request, lag time.Duration, logger zerolog.Logger) error {
	logger.Info().Dur("lag", lag).Msg("Pausing due to database lag")

	if c.throttle != nil {
		err := c.throttle.Lag(ctx, r.Site.ID(), lag)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return cancelled(ctx.Err())
		}
		logger.Warn().Err(err).Msg("Throttle store unavailable, pausing locally")
	}
	if err := c.sleep(ctx, ratelimit.LagPause(lag)); err != nil {
		return cancelled(err)
	}
	return nil
}
