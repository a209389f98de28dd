package client

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// MaxRetryWait caps the doubling backoff.
const MaxRetryWait = 120 * time.Second

// Prometheus metrics for retry operations.
var (
	wikiRetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wiki_retries_total",
		Help: "Total number of retry attempts by reason",
	}, []string{"reason"})

	wikiRetryBackoffSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "wiki_retry_backoff_seconds",
		Help:    "Backoff duration for retries by reason",
		Buckets: []float64{1, 5, 10, 20, 40, 80, 120},
	}, []string{"reason"})

	wikiRetryExhaustedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wiki_retry_exhausted_total",
		Help: "Total number of times the retry budget was exhausted by reason",
	}, []string{"reason"})
)

// Retry reasons.
const (
	reasonTransport = "transport"
	reasonParse     = "parse"
	reasonServer    = "server"
	reasonConflict  = "conflict"
)

// backoff is the retry budget of one Submit call.
type backoff struct {
	remaining int
	wait      time.Duration
	attempt   int
}

func newBackoff(maxRetries int, wait time.Duration) *backoff {
	return &backoff{remaining: maxRetries, wait: wait}
}

// NextRetryWait returns the wait that follows d.
func NextRetryWait(d time.Duration) time.Duration {
	return min(MaxRetryWait, 2*d)
}

// wait spends one retry and sleeps. It returns a ClassTimeout error once
// the budget is gone.
func (c *Client) wait(ctx context.Context, b *backoff, reason string, logger zerolog.Logger) error {
	b.remaining--
	if b.remaining < 0 {
		wikiRetryExhaustedTotal.WithLabelValues(reason).Inc()
		logger.Warn().
			Str("error_class", string(ClassTimeout)).
			Int("attempt", b.attempt).
			Msg("Retry attempts exhausted")
		return &Error{
			Class: ClassTimeout,
			Info:  "Maximum retries attempted without success.",
			Err:   ErrRetryExhausted,
		}
	}

	wikiRetriesTotal.WithLabelValues(reason).Inc()
	wikiRetryBackoffSeconds.WithLabelValues(reason).Observe(b.wait.Seconds())

	logger.Warn().
		Str("reason", reason).
		Int("attempt", b.attempt).
		Dur("wait", b.wait).
		Msgf("Waiting %s seconds before retrying", formatSeconds(b.wait))

	if err := c.sleep(ctx, b.wait); err != nil {
		return cancelled(err)
	}
	b.wait = NextRetryWait(b.wait)
	return nil
}

func cancelled(err error) error {
	return fmt.Errorf("%w: %v", ErrContextCancelled, err)
}

func formatSeconds(d time.Duration) string {
	return fmt.Sprintf("%.1f", d.Seconds())
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
