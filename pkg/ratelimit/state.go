// Package ratelimit paces requests to each wiki site across goroutines and
// processes.
//
// Every site has one read and one write record holding the time at which
// the next request of that kind may be issued. A Store updates the record
// atomically so that concurrent callers, in this process or in others
// sharing the same store, receive non-overlapping slots.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Kind separates read and write pacing.
type Kind int

const (
	Read Kind = iota
	Write
)

func (k Kind) String() string {
	if k == Write {
		return "write"
	}
	return "read"
}

// Record is the persisted pacing state of one site and kind.
type Record struct {
	Site   string
	Kind   Kind
	Expiry time.Time
}

// Store persists throttle records. Implementations must make Reserve and
// Seize atomic with respect to every other user of the same store.
type Store interface {
	// Reserve claims the next slot: it creates the record if missing, sets
	// expiry = max(now, expiry) + delay, removes expired records of other
	// sites and returns the new expiry. now is read once the store is
	// locked for this caller.
	Reserve(ctx context.Context, site string, kind Kind, now func() time.Time, delay time.Duration) (time.Time, error)

	// Seize pushes the expiry of both records of site to at least until.
	Seize(ctx context.Context, site string, until time.Time) error

	Close() error
}

type recordKey struct {
	site string
	kind Kind
}

// MemoryStore is a Store for a single process.
type MemoryStore struct {
	mu      sync.Mutex
	records map[recordKey]time.Time
}

// NewMemoryStore creates an empty in-process store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[recordKey]time.Time)}
}

func (m *MemoryStore) Reserve(_ context.Context, site string, kind Kind, clock func() time.Time, delay time.Duration) (time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := clock()

	key := recordKey{site, kind}
	expiry, ok := m.records[key]
	if !ok || expiry.Before(now) {
		expiry = now
	}
	expiry = expiry.Add(delay)
	m.records[key] = expiry

	for k, e := range m.records {
		if k.site != site && e.Before(now) {
			delete(m.records, k)
		}
	}
	return expiry, nil
}

func (m *MemoryStore) Seize(_ context.Context, site string, until time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, kind := range []Kind{Read, Write} {
		key := recordKey{site, kind}
		if m.records[key].Before(until) {
			m.records[key] = until
		}
	}
	return nil
}

// Records returns a snapshot of all records.
func (m *MemoryStore) Records(_ context.Context) ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Record, 0, len(m.records))
	for k, e := range m.records {
		out = append(out, Record{Site: k.site, Kind: k.kind, Expiry: e})
	}
	return out, nil
}

func (m *MemoryStore) Close() error { return nil }
