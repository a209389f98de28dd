package pagination

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// DrainConfig holds worker pool configuration for Drain.
type DrainConfig struct {
	// MaxConcurrency is the maximum number of generators drained at once.
	// Requests to one site still queue on its throttle.
	MaxConcurrency int
	// Timeout bounds draining a single generator.
	Timeout time.Duration
}

// DefaultDrainConfig returns the default worker pool configuration.
func DefaultDrainConfig() DrainConfig {
	return DrainConfig{
		MaxConcurrency: 4,
		Timeout:        5 * time.Minute,
	}
}

// DrainResult holds the items of one generator.
type DrainResult struct {
	Index int
	Items []any
	Error error
}

// Drain pulls every generator to exhaustion using a worker pool. Results
// are indexed like gens. On failure the items of generators that finished
// are returned along with the first error.
func Drain(ctx context.Context, gens []*Generator, cfg DrainConfig) (map[int][]any, error) {
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = DefaultDrainConfig().MaxConcurrency
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultDrainConfig().Timeout
	}

	start := time.Now()
	results := make(map[int][]any, len(gens))
	if len(gens) == 0 {
		return results, nil
	}

	queue := make(chan int, len(gens))
	out := make(chan DrainResult, len(gens))
	for i := range gens {
		queue <- i
	}
	close(queue)

	workers := min(cfg.MaxConcurrency, len(gens))
	var wg sync.WaitGroup
	for id := range workers {
		wg.Add(1)
		go drainWorker(ctx, gens, cfg.Timeout, queue, out, &wg, id)
	}
	go func() {
		wg.Wait()
		close(out)
	}()

	var firstErr error
	for res := range out {
		if res.Error != nil {
			log.Warn().
				Err(res.Error).
				Int("generator", res.Index).
				Str("module", gens[res.Index].module).
				Msg("Generator drain failed")
			if firstErr == nil {
				firstErr = res.Error
			}
			continue
		}
		results[res.Index] = res.Items
	}

	if firstErr != nil {
		return results, fmt.Errorf("drain (partial data: %d/%d generators): %w", len(results), len(gens), firstErr)
	}
	log.Debug().
		Int("generators", len(gens)).
		Dur("duration", time.Since(start)).
		Msg("Drain complete")
	return results, nil
}

func drainWorker(ctx context.Context, gens []*Generator, timeout time.Duration, queue <-chan int, out chan<- DrainResult, wg *sync.WaitGroup, workerID int) {
	defer wg.Done()
	drained := 0

	for i := range queue {
		if ctx.Err() != nil {
			out <- DrainResult{Index: i, Error: ctx.Err()}
			continue
		}

		genCtx, cancel := context.WithTimeout(ctx, timeout)
		var items []any
		var err error
		for item, e := range gens[i].All(genCtx) {
			if e != nil {
				err = e
				break
			}
			items = append(items, item)
		}
		cancel()

		out <- DrainResult{Index: i, Items: items, Error: err}
		drained++
	}

	log.Debug().
		Int("worker_id", workerID).
		Int("generators", drained).
		Msg("Drain worker completed")
}
