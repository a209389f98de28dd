package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/Sternrassler/wiki-api-client/pkg/client"
	"github.com/Sternrassler/wiki-api-client/pkg/logging"
	"github.com/Sternrassler/wiki-api-client/pkg/metrics"
	"github.com/Sternrassler/wiki-api-client/pkg/params"
	"github.com/Sternrassler/wiki-api-client/pkg/site"
)

func newServeCommand(opts *globalOptions) *cobra.Command {
	var (
		addr        string
		cacheExpiry time.Duration
		timeout     time.Duration
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve an HTTP gateway to the configured sites",
		Long: `Serve an HTTP gateway to the configured sites.

Endpoints:
  /health          liveness
  /ready           checks Redis when a Redis backend is configured
  /metrics         Prometheus metrics
  /api/{site}      submits the query string or form as API parameters`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			rt, err := openRuntime(ctx, cfg, opts.traceOutput(cmd))
			if err != nil {
				return err
			}
			defer rt.Close(context.Background())

			gw := &gateway{
				client:      rt.client,
				sites:       rt.sites,
				cacheExpiry: cacheExpiry,
				timeout:     timeout,
				logger:      logging.NewLogger("gateway"),
			}
			if rt.redis != nil {
				gw.ready = func(ctx context.Context) error { return rt.redis.Ping(ctx).Err() }
			}

			srv := &http.Server{
				Addr:              addr,
				Handler:           gw.routes(),
				ReadHeaderTimeout: 10 * time.Second,
			}
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				_ = srv.Shutdown(shutdownCtx)
			}()

			log.Info().Str("addr", addr).Str("user_agent", cfg.UserAgent).Msg("Starting wiki API gateway")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("server failed: %w", err)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&addr, "addr", ":8080", "listen address")
	cmd.Flags().DurationVar(&cacheExpiry, "cache-expiry", 0, "cache read requests for this long")
	cmd.Flags().DurationVar(&timeout, "timeout", 2*time.Minute, "per-request timeout including retries")

	return cmd
}

// gateway exposes Submit over HTTP.
type gateway struct {
	client      *client.Client
	sites       map[string]*site.APISite
	ready       func(ctx context.Context) error
	cacheExpiry time.Duration
	timeout     time.Duration
	logger      zerolog.Logger
}

func (g *gateway) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", healthHandler)
	mux.HandleFunc("/ready", g.readyHandler)
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/api/{site}", g.apiHandler)
	return mux
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "OK")
}

func (g *gateway) readyHandler(w http.ResponseWriter, r *http.Request) {
	if g.ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := g.ready(ctx); err != nil {
			http.Error(w, "not ready: "+err.Error(), http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "OK")
}

func (g *gateway) apiHandler(w http.ResponseWriter, r *http.Request) {
	s, ok := g.sites[r.PathValue("site")]
	if !ok {
		http.Error(w, "unknown site", http.StatusNotFound)
		return
	}
	if err := r.ParseForm(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	p := make(params.Set, len(r.Form))
	for k, v := range r.Form {
		p.Set(k, v)
	}

	ctx := r.Context()
	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	req, err := g.client.NewRequest(s, p)
	if err != nil {
		g.writeError(w, err)
		return
	}

	var result map[string]any
	if g.cacheExpiry > 0 && !client.IsWriteAction(p.Action()) {
		result, err = g.client.SubmitCached(ctx, req, g.cacheExpiry)
	} else {
		result, err = g.client.Submit(ctx, req)
	}
	if err != nil {
		g.writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	if err := writeJSON(w, result); err != nil {
		g.logger.Warn().Err(err).Msg("Failed to write response")
	}
}

// writeError maps request failures to gateway status codes.
func (g *gateway) writeError(w http.ResponseWriter, err error) {
	status := http.StatusBadGateway
	switch {
	case errors.Is(err, client.ErrContextCancelled):
		status = http.StatusGatewayTimeout
	case client.ClassOf(err) == client.ClassConstruction:
		status = http.StatusBadRequest
	case client.ClassOf(err) == client.ClassTimeout:
		status = http.StatusGatewayTimeout
	}

	body := map[string]any{
		"class": string(client.ClassOf(err)),
		"code":  client.Code(err),
		"info":  err.Error(),
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := writeJSON(w, map[string]any{"error": body}); err != nil {
		g.logger.Warn().Err(err).Msg("Failed to write error response")
	}
}
