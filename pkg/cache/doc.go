// Package cache stores API responses keyed by a canonical request
// description.
//
// A request is described by the site it targets, the effective user and its
// normalized parameters. The description is hashed with SHA-256 to form the
// key; the description itself is stored in the entry and compared on load
// so that a hash collision or a foreign file never yields a hit.
//
// # Basic Usage
//
//	store := cache.NewFileStore(filepath.Join(baseDir, "apicache"))
//
//	desc := cache.Description("APISite(enwiki)", "User(User:Bot)", params.Describe())
//	key := cache.Key(desc)
//
//	entry, err := cache.Lookup(ctx, store, key, desc, time.Now())
//	if errors.Is(err, cache.ErrCacheMiss) {
//		// fetch and Put a new entry
//	}
//
// # Backends
//
// FileStore keeps one file per key and replaces entries atomically, so
// concurrent writers of the same key leave one complete entry behind.
// RedisStore keeps entries in Redis with a TTL equal to the remaining
// lifetime.
//
// # Metrics
//
//   - wiki_cache_hits_total{backend} - Cache hits
//   - wiki_cache_misses_total{reason} - Cache misses (absent, expired, mismatch, invalid)
//   - wiki_cache_errors_total{operation} - Store failures
package cache
