package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/Sternrassler/wiki-api-client/pkg/cache"
	"github.com/Sternrassler/wiki-api-client/pkg/client"
	"github.com/Sternrassler/wiki-api-client/pkg/config"
	"github.com/Sternrassler/wiki-api-client/pkg/ratelimit"
	"github.com/Sternrassler/wiki-api-client/pkg/site"
	"github.com/Sternrassler/wiki-api-client/pkg/transport"
)

// runtime holds the wired client and the resources it owns.
type runtime struct {
	cfg    config.Config
	client *client.Client
	cache  cache.Store
	redis  *redis.Client

	throttleStore ratelimit.Store
	tracer        *sdktrace.TracerProvider
	sites         map[string]*site.APISite
}

// openRuntime wires transport, throttle, cache and login for cfg. Spans
// are exported to traceOut when it is not nil.
func openRuntime(ctx context.Context, cfg config.Config, traceOut io.Writer) (_ *runtime, err error) {
	rt := &runtime{cfg: cfg, sites: make(map[string]*site.APISite)}
	defer func() {
		if err != nil {
			rt.Close(context.Background())
		}
	}()

	if err := os.MkdirAll(cfg.BaseDir, 0o755); err != nil {
		return nil, fmt.Errorf("create base dir: %w", err)
	}

	if cfg.ThrottleBackend == config.BackendRedis || cfg.CacheBackend == config.BackendRedis {
		rt.redis = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, DB: cfg.RedisDB})
		if err := rt.redis.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("connect to redis at %s: %w", cfg.RedisAddr, err)
		}
		log.Debug().Str("addr", cfg.RedisAddr).Msg("Connected to Redis")
	}

	switch cfg.ThrottleBackend {
	case config.BackendRedis:
		rt.throttleStore = ratelimit.NewRedisStore(rt.redis)
	case config.BackendMemory:
		rt.throttleStore = ratelimit.NewMemoryStore()
	default:
		store, err := ratelimit.OpenSQLiteStore(ctx, cfg.ThrottleDBPath())
		if err != nil {
			return nil, err
		}
		rt.throttleStore = store
	}

	switch cfg.CacheBackend {
	case config.BackendRedis:
		rt.cache = cache.NewRedisStore(rt.redis)
	default:
		rt.cache = cache.NewFileStore(cfg.CacheDir())
	}

	opts := []client.Option{
		client.WithThrottle(ratelimit.New(rt.throttleStore, ratelimit.Config{
			ReadDelay:  cfg.MinThrottle,
			WriteDelay: cfg.PutThrottle,
			NoisySleep: cfg.NoisySleep,
		})),
		client.WithCache(rt.cache),
	}
	tcfg := transport.DefaultConfig(cfg.UserAgent)
	if traceOut != nil {
		exporter, err := stdouttrace.New(stdouttrace.WithWriter(traceOut), stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, fmt.Errorf("create trace exporter: %w", err)
		}
		rt.tracer = sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter))
		tcfg.TracerProvider = rt.tracer
		opts = append(opts, client.WithTracerProvider(rt.tracer))
	}

	c, err := client.New(client.ConfigFrom(cfg), transport.NewHTTP(tcfg), opts...)
	if err != nil {
		return nil, err
	}
	rt.client = c

	login := client.NewLoginManager(c)
	for _, sc := range cfg.Sites {
		s := site.New(sc)
		s.SetAuthenticator(login)
		rt.sites[sc.ID] = s
	}
	return rt, nil
}

// site returns the configured site with id.
func (rt *runtime) site(id string) (*site.APISite, error) {
	s, ok := rt.sites[id]
	if !ok {
		return nil, fmt.Errorf("site %q is not configured", id)
	}
	return s, nil
}

// Close flushes spans and releases stores.
func (rt *runtime) Close(ctx context.Context) error {
	var errs []error
	if rt.tracer != nil {
		errs = append(errs, rt.tracer.Shutdown(ctx))
	}
	if rt.throttleStore != nil {
		errs = append(errs, rt.throttleStore.Close())
	}
	if rt.redis != nil {
		errs = append(errs, rt.redis.Close())
	}
	return errors.Join(errs...)
}
