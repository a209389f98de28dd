// Package params holds API parameter sets and their wire encoding.
//
// A Set maps parameter names to value sequences. Values supplied as
// pipe-delimited strings are split into sequences and joined again with "|"
// when the request is encoded, matching the api.php list convention.
package params

import (
	"errors"
	"fmt"
	"net/url"
	"slices"
	"sort"
	"strconv"
	"strings"
)

// Construction errors. They are never retried.
var (
	ErrMissingAction = errors.New("'action' specification missing from request")
	ErrFormat        = errors.New("response format cannot be parsed")
	ErrMimeConflict  = errors.New("mime parameters and parameters share keys")
)

// EncodeError reports a value that cannot be represented in the site
// encoding.
type EncodeError struct {
	Key      string
	Encoding string
	Err      error
}

func (e *EncodeError) Error() string {
	return fmt.Sprintf("parameter %q could not be encoded to %s: %v", e.Key, e.Encoding, e.Err)
}

func (e *EncodeError) Unwrap() error { return e.Err }

// Set is a parameter set. Keys are unique; values are ordered.
type Set map[string][]string

// FromMap builds a Set from loosely typed values.
func FromMap(m map[string]any) Set {
	s := make(Set, len(m))
	for k, v := range m {
		s.Set(k, v)
	}
	return s
}

// Set replaces the values of key. Strings are split on "|", slices are
// taken element-wise, anything else becomes a one-element sequence.
func (s Set) Set(key string, v any) {
	s[key] = toValues(v)
}

// Add appends values to key.
func (s Set) Add(key string, v any) {
	s[key] = append(s[key], toValues(v)...)
}

// Get returns the wire form of key, or "" when absent.
func (s Set) Get(key string) string {
	return strings.Join(s[key], "|")
}

// Has reports whether key carries value.
func (s Set) Has(key, value string) bool {
	return slices.Contains(s[key], value)
}

// Action returns the action name.
func (s Set) Action() string {
	if v := s["action"]; len(v) > 0 {
		return v[0]
	}
	return ""
}

// Clone returns a deep copy.
func (s Set) Clone() Set {
	out := make(Set, len(s))
	for k, v := range s {
		out[k] = slices.Clone(v)
	}
	return out
}

// Keys returns the parameter names in sorted order.
func (s Set) Keys() []string {
	keys := make([]string, 0, len(s))
	for k := range s {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Describe renders the set deterministically. It is the parameter part of
// the canonical cache description.
func (s Set) Describe() string {
	v := make(url.Values, len(s))
	for k := range s {
		v.Set(k, s.Get(k))
	}
	return v.Encode()
}

func toValues(v any) []string {
	switch val := v.(type) {
	case nil:
		return []string{""}
	case string:
		return strings.Split(val, "|")
	case []byte:
		return strings.Split(string(val), "|")
	case []string:
		return slices.Clone(val)
	case []any:
		out := make([]string, 0, len(val))
		for _, item := range val {
			out = append(out, scalar(item))
		}
		return out
	case []int:
		out := make([]string, 0, len(val))
		for _, n := range val {
			out = append(out, strconv.Itoa(n))
		}
		return out
	default:
		return []string{scalar(val)}
	}
}

func scalar(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case fmt.Stringer:
		return val.String()
	default:
		return fmt.Sprint(val)
	}
}
