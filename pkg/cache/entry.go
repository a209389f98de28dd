package cache

import (
	"encoding/json"
	"fmt"
	"time"
)

// Entry is a cached API response.
type Entry struct {
	// Key is the hash of Description.
	Key string `json:"key"`

	// Description is the un-hashed canonical request description.
	Description string `json:"description"`

	// Payload is the decoded response as raw JSON.
	Payload json.RawMessage `json:"payload"`

	// CreatedAt is when the response was received.
	CreatedAt time.Time `json:"created_at"`

	// Expiry is how long the entry stays valid after CreatedAt.
	Expiry time.Duration `json:"expiry"`
}

// NewEntry builds an entry for description created at now.
func NewEntry(description string, payload []byte, now time.Time, expiry time.Duration) *Entry {
	return &Entry{
		Key:         Key(description),
		Description: description,
		Payload:     json.RawMessage(payload),
		CreatedAt:   now,
		Expiry:      expiry,
	}
}

// IsExpired reports whether the entry's lifetime ended before now.
func (e *Entry) IsExpired(now time.Time) bool {
	return e.CreatedAt.Add(e.Expiry).Before(now)
}

// TTL returns the remaining lifetime at now, or 0 if already expired.
func (e *Entry) TTL(now time.Time) time.Duration {
	ttl := e.CreatedAt.Add(e.Expiry).Sub(now)
	if ttl < 0 {
		return 0
	}
	return ttl
}

// Validate checks that the entry belongs to key and description.
func (e *Entry) Validate(key, description string) error {
	if e.Key != key || e.Description != description {
		return fmt.Errorf("%w: description mismatch for %s", ErrInvalidEntry, key)
	}
	if len(e.Payload) == 0 || !json.Valid(e.Payload) {
		return fmt.Errorf("%w: payload is not JSON", ErrInvalidEntry)
	}
	return nil
}
