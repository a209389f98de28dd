package params

import (
	"fmt"
	"net/url"
	"slices"
	"strconv"
	"strings"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/htmlindex"
)

// Format is the only response format the client can parse.
const Format = "json"

// NormalizeOptions control parameters injected during normalization.
type NormalizeOptions struct {
	// MaxLag is injected as "maxlag" when positive and absent.
	MaxLag int
}

// Normalize rewrites s into its wire-safe form in place. It is idempotent.
//
// Values are flattened on "|". Query requests always ask for userinfo and
// get the blockinfo/hasmsg userinfo properties merged into uiprop; prop=info
// requests get the protection/talkid/subjectid info properties merged into
// inprop. The response format is forced to json.
func Normalize(s Set, opts NormalizeOptions) error {
	if s.Action() == "" {
		return ErrMissingAction
	}

	for k, v := range s {
		s[k] = flatten(v)
	}

	if s.Action() == "query" {
		if !s.Has("meta", "userinfo") {
			s["meta"] = append(s["meta"], "userinfo")
		}
		s["uiprop"] = union(s["uiprop"], "blockinfo", "hasmsg")
		if s.Has("prop", "info") {
			s["inprop"] = union(s["inprop"], "protection", "talkid", "subjectid")
		}
	}

	if _, ok := s["maxlag"]; !ok && opts.MaxLag > 0 {
		s["maxlag"] = []string{strconv.Itoa(opts.MaxLag)}
	}

	if _, ok := s["format"]; !ok {
		s["format"] = []string{Format}
	}
	if f := s["format"]; len(f) != 1 || f[0] != Format {
		return fmt.Errorf("%w: format %q", ErrFormat, strings.Join(f, "|"))
	}
	return nil
}

// Encode joins every value with "|", transcodes it to the named encoding and
// returns the url-encoded form body with keys in sorted order.
func Encode(s Set, enc string) (string, error) {
	v := make(url.Values, len(s))
	for _, k := range s.Keys() {
		val, err := encodeValue(k, s.Get(k), enc)
		if err != nil {
			return "", err
		}
		v.Set(k, string(val))
	}
	return v.Encode(), nil
}

func encodeValue(key, value, enc string) ([]byte, error) {
	e, err := lookupEncoding(enc)
	if err != nil {
		return nil, &EncodeError{Key: key, Encoding: enc, Err: err}
	}
	if e == nil {
		return []byte(value), nil
	}
	out, err := e.NewEncoder().String(value)
	if err != nil {
		return nil, &EncodeError{Key: key, Encoding: enc, Err: err}
	}
	return []byte(out), nil
}

// DecodeText converts a response body from the named encoding to UTF-8.
func DecodeText(b []byte, enc string) ([]byte, error) {
	e, err := lookupEncoding(enc)
	if err != nil {
		return nil, err
	}
	if e == nil {
		return b, nil
	}
	out, err := e.NewDecoder().Bytes(b)
	if err != nil {
		return nil, fmt.Errorf("decode %s response: %w", enc, err)
	}
	return out, nil
}

// lookupEncoding returns nil for UTF-8, which needs no transcoding.
func lookupEncoding(name string) (encoding.Encoding, error) {
	switch strings.ToLower(name) {
	case "", "utf-8", "utf8":
		return nil, nil
	}
	e, err := htmlindex.Get(name)
	if err != nil {
		return nil, fmt.Errorf("unknown encoding: %w", err)
	}
	return e, nil
}

func flatten(values []string) []string {
	for _, v := range values {
		if strings.Contains(v, "|") {
			out := make([]string, 0, len(values)+1)
			for _, v := range values {
				out = append(out, strings.Split(v, "|")...)
			}
			return out
		}
	}
	return values
}

func union(values []string, extra ...string) []string {
	out := slices.Clone(values)
	for _, e := range extra {
		if !slices.Contains(out, e) {
			out = append(out, e)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}
