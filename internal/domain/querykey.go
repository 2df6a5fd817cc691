// Package domain holds the value types shared by every layer of halo: query
// keys, cache entries and the fetch error taxonomy.
package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// QueryKey identifies a cached query. It is an ordered list of primitive
// values; the first element is the root used for policy decisions.
// Keys compare structurally through their canonical form.
type QueryKey []any

// Key builds a QueryKey from its parts.
func Key(parts ...any) QueryKey {
	return QueryKey(parts)
}

// Validate reports whether every part is a string, bool or number.
func (k QueryKey) Validate() error {
	if len(k) == 0 {
		return fmt.Errorf("query key is empty")
	}
	for i, p := range k {
		switch p.(type) {
		case string, bool, json.Number,
			int, int8, int16, int32, int64,
			uint, uint8, uint16, uint32, uint64,
			float32, float64:
		default:
			return fmt.Errorf("query key part %d has unsupported type %T", i, p)
		}
	}
	if _, err := json.Marshal([]any(k)); err != nil {
		return fmt.Errorf("query key: %w", err)
	}
	return nil
}

// String returns the canonical serialized form, a JSON array.
func (k QueryKey) String() string {
	if k == nil {
		return "[]"
	}
	return partCanonical([]any(k))
}

// Root returns the first element rendered as text.
func (k QueryKey) Root() string {
	if len(k) == 0 {
		return ""
	}
	return partString(k[0])
}

// Segments renders every element as text, the way Root renders the first.
func (k QueryKey) Segments() []string {
	out := make([]string, len(k))
	for i, p := range k {
		out[i] = partString(p)
	}
	return out
}

// Equal compares two keys structurally.
func (k QueryKey) Equal(other QueryKey) bool {
	return k.String() == other.String()
}

// HasPrefix reports whether prefix matches the leading parts of k.
// An empty prefix matches every key.
func (k QueryKey) HasPrefix(prefix QueryKey) bool {
	if len(prefix) > len(k) {
		return false
	}
	for i := range prefix {
		if partCanonical(k[i]) != partCanonical(prefix[i]) {
			return false
		}
	}
	return true
}

// Clone returns a copy whose backing array is not shared with k.
func (k QueryKey) Clone() QueryKey {
	if k == nil {
		return nil
	}
	out := make(QueryKey, len(k))
	copy(out, k)
	return out
}

// ParseQueryKey decodes the canonical form produced by String.
// Numbers decode as json.Number so large integers survive the round trip.
func ParseQueryKey(s string) (QueryKey, error) {
	dec := json.NewDecoder(strings.NewReader(s))
	dec.UseNumber()
	var parts []any
	if err := dec.Decode(&parts); err != nil {
		return nil, fmt.Errorf("parse query key %q: %w", s, err)
	}
	k := QueryKey(parts)
	if err := k.Validate(); err != nil {
		return nil, err
	}
	return k, nil
}

func partString(p any) string {
	if s, ok := p.(string); ok {
		return s
	}
	return partCanonical(p)
}

func partCanonical(p any) string {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(p); err != nil {
		return fmt.Sprintf("%v", p)
	}
	return strings.TrimSuffix(buf.String(), "\n")
}
