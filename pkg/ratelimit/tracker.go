package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/Sternrassler/wiki-api-client/pkg/logging"
)

// Prometheus metrics for request pacing.
var (
	throttleWaitSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "wiki_throttle_wait_seconds",
		Help:    "Time spent waiting for a throttle slot by kind",
		Buckets: []float64{0, 0.5, 1, 2, 5, 10, 30, 60, 120},
	}, []string{"kind"})

	lagPausesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wiki_lag_pauses_total",
		Help: "Total number of pauses caused by server replication lag",
	}, []string{"site"})
)

// Lag pause bounds.
const (
	MinLagPause = 5 * time.Second
	MaxLagPause = 120 * time.Second
)

// Config holds throttle delays.
type Config struct {
	// ReadDelay is the minimum spacing of read requests to one site.
	ReadDelay time.Duration

	// WriteDelay is the minimum spacing of write requests to one site.
	WriteDelay time.Duration

	// NoisySleep is the wait above which sleeps are logged at info level.
	NoisySleep time.Duration
}

// DefaultConfig returns no read delay, a ten second write delay and a
// three second noisy-sleep threshold.
func DefaultConfig() Config {
	return Config{
		WriteDelay: 10 * time.Second,
		NoisySleep: 3 * time.Second,
	}
}

// siteState serializes callers for one site within this process. The
// last-access times are guarded by Throttle.mu.
type siteState struct {
	lock      chan struct{}
	lastRead  time.Time
	lastWrite time.Time
}

// Throttle paces requests per site. It is safe for concurrent use.
type Throttle struct {
	store  Store
	config Config
	logger zerolog.Logger

	mu    sync.Mutex
	sites map[string]*siteState

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// New creates a throttle on top of store.
func New(store Store, cfg Config) *Throttle {
	return &Throttle{
		store:  store,
		config: cfg,
		logger: logging.NewLogger("throttle"),
		sites:  make(map[string]*siteState),
		now:    time.Now,
		sleep:  sleepContext,
	}
}

// Config returns the configured delays.
func (t *Throttle) Config() Config { return t.config }

func (t *Throttle) site(id string) *siteState {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.sites[id]
	if !ok {
		st = &siteState{lock: make(chan struct{}, 1)}
		t.sites[id] = st
	}
	return st
}

func (st *siteState) acquire(ctx context.Context) error {
	select {
	case st.lock <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (st *siteState) release() { <-st.lock }

func (t *Throttle) delay(kind Kind) time.Duration {
	if kind == Write {
		return t.config.WriteDelay
	}
	return t.config.ReadDelay
}

// Delay reserves the next slot for site and returns how long the caller
// has to wait before using it. Time spent waiting for the store lock is
// not slept again.
func (t *Throttle) Delay(ctx context.Context, site string, kind Kind) (time.Duration, error) {
	delay := t.delay(kind)

	expiry, err := t.store.Reserve(ctx, site, kind, t.now, delay)
	if err != nil {
		return 0, err
	}

	wait := expiry.Sub(t.now()) - delay
	if wait < 0 {
		wait = 0
	}
	return wait, nil
}

// Acquire blocks until a request of the given kind may be sent to site.
// The site stays locked for this process while the caller waits, so other
// goroutines queue behind it.
func (t *Throttle) Acquire(ctx context.Context, site string, kind Kind) error {
	st := t.site(site)
	if err := st.acquire(ctx); err != nil {
		return err
	}
	defer st.release()

	wait, err := t.Delay(ctx, site, kind)
	if err != nil {
		return fmt.Errorf("throttle %s: %w", site, err)
	}

	throttleWaitSeconds.WithLabelValues(kind.String()).Observe(wait.Seconds())
	if err := t.wait(ctx, site, wait); err != nil {
		return err
	}

	now := t.now()
	t.mu.Lock()
	if kind == Write {
		st.lastWrite = now
	} else {
		st.lastRead = now
	}
	t.mu.Unlock()
	return nil
}

// Lag pauses all requests to site because the server reported replication
// lag. The pause is half the lag, clamped to [MinLagPause, MaxLagPause],
// and time spent waiting for the site lock counts towards it. Other
// processes sharing the store are paused as well.
func (t *Throttle) Lag(ctx context.Context, site string, lag time.Duration) error {
	started := t.now()
	st := t.site(site)
	if err := st.acquire(ctx); err != nil {
		return err
	}
	defer st.release()

	pause := LagPause(lag)
	lagPausesTotal.WithLabelValues(site).Inc()

	if err := t.store.Seize(ctx, site, started.Add(pause)); err != nil {
		t.logger.Warn().Err(err).Str("site", site).Msg("Failed to share lag pause")
	}

	return t.wait(ctx, site, pause-t.now().Sub(started))
}

// LagPause converts a reported lag into the pause applied by Lag.
func LagPause(lag time.Duration) time.Duration {
	pause := (lag / 2).Truncate(time.Second)
	if pause < MinLagPause {
		return MinLagPause
	}
	if pause > MaxLagPause {
		return MaxLagPause
	}
	return pause
}

// LastRead returns when this process last acquired a read slot for site.
func (t *Throttle) LastRead(site string) time.Time {
	st := t.site(site)
	t.mu.Lock()
	defer t.mu.Unlock()
	return st.lastRead
}

// LastWrite returns when this process last acquired a write slot for site.
func (t *Throttle) LastWrite(site string) time.Time {
	st := t.site(site)
	t.mu.Lock()
	defer t.mu.Unlock()
	return st.lastWrite
}

func (t *Throttle) wait(ctx context.Context, site string, d time.Duration) error {
	if d <= 0 {
		return nil
	}

	var event *zerolog.Event
	if d > t.config.NoisySleep {
		event = t.logger.Info()
	} else {
		event = t.logger.Debug()
	}
	event.Str("site", site).
		Str("wait", fmt.Sprintf("%.1fs", d.Seconds())).
		Msgf("Sleeping for %.1f seconds", d.Seconds())

	return t.sleep(ctx, d)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
