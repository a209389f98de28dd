package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/Sternrassler/wiki-api-client/pkg/cache"
	"github.com/Sternrassler/wiki-api-client/pkg/params"
	"github.com/Sternrassler/wiki-api-client/pkg/site"
)

// Description returns the canonical description of r: the site identity,
// the effective user and the sorted normalized parameters.
func Description(r *Request) string {
	return cache.Description(siteRepr(r.Site), r.Site.Session().CacheUserKey(), r.Params.Describe())
}

func siteRepr(s site.Site) string {
	if str, ok := s.(fmt.Stringer); ok {
		return str.String()
	}
	return fmt.Sprintf("Site(%s)", s.ID())
}

// SubmitCached answers r from the response cache when a live entry exists
// and submits it otherwise, storing the result for expiry. Cache hits still
// update session state. Write actions, simulated requests and clients
// without a cache store go straight to Submit.
func (c *Client) SubmitCached(ctx context.Context, r *Request, expiry time.Duration) (map[string]any, error) {
	if c.cache == nil || r.Write || c.simulated(r) {
		return c.Submit(ctx, r)
	}
	if err := params.Normalize(r.Params, params.NormalizeOptions{MaxLag: c.config.MaxLag}); err != nil {
		return nil, &Error{Class: ClassConstruction, Err: err}
	}

	logger := c.logger.With().
		Str("site", r.Site.ID()).
		Str("action", r.action()).
		Str("request_id", uuid.NewString()).
		Logger()

	if result, ok := c.loadCached(ctx, r, logger); ok {
		return result, nil
	}

	result, err := c.Submit(ctx, r)
	if err != nil {
		return nil, err
	}
	c.storeCached(ctx, r, result, expiry, logger)
	return result, nil
}

func (c *Client) loadCached(ctx context.Context, r *Request, logger zerolog.Logger) (map[string]any, bool) {
	desc := Description(r)
	entry, err := cache.Lookup(ctx, c.cache, cache.Key(desc), desc, c.now())
	if err != nil {
		if !errors.Is(err, cache.ErrCacheMiss) {
			logger.Warn().Err(err).Msg("Cache lookup failed")
		}
		return nil, false
	}

	var result map[string]any
	dec := json.NewDecoder(bytes.NewReader(entry.Payload))
	dec.UseNumber()
	if err := dec.Decode(&result); err != nil || result == nil {
		logger.Warn().Err(err).Str("key", entry.Key).Msg("Cached payload is not an object")
		return nil, false
	}

	// An identity change detected on a cached response is resolved by the
	// live request that follows.
	if _, expired := c.postProcess(r, result, logger); expired {
		return nil, false
	}
	logger.Debug().Str("key", entry.Key).Msg("Cache hit")
	return result, true
}

func (c *Client) storeCached(ctx context.Context, r *Request, result map[string]any, expiry time.Duration, logger zerolog.Logger) {
	payload, err := json.Marshal(result)
	if err != nil {
		logger.Warn().Err(err).Msg("Response cannot be cached")
		return
	}

	// The description is taken after submitting since the response may have
	// updated the session identity.
	entry := cache.NewEntry(Description(r), payload, c.now(), expiry)
	if err := c.cache.Put(ctx, entry); err != nil {
		logger.Warn().Err(err).Str("key", entry.Key).Msg("Cache write failed")
	}
}
