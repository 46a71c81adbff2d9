// Package kvstore is a namespaced, ordered key-value store of JSON records with shallow-merge
// upserts. Drivers: memory, sqlite and postgres (subpackage).
package kvstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"

	// MetadataKey is reserved per table for migration bookkeeping.
	MetadataKey = "_metadata"

	// rangeCeil sorts after every permitted key byte.
	rangeCeil = "\x7f"
)

var (
	ErrNotFound      = errors.New("kvstore: not found")
	ErrInvalidKey    = errors.New("kvstore: invalid key")
	ErrInvalidConfig = errors.New("kvstore: invalid config")
	ErrClosed        = errors.New("kvstore: closed")

	// ErrStopWalk may be returned from a Walk callback to end iteration early without error.
	ErrStopWalk = errors.New("kvstore: stop walk")
)

// Record is one stored value: a flat JSON object. Upserts merge at the top level only.
type Record map[string]json.RawMessage

// Table is one isolated key namespace.
//
// Semantics:
//   - Upsert shallow-merges partial onto the stored record (missing fields are preserved,
//     present fields overwrite) and returns the merged result.
//   - ExistsOrInsert writes value only if key is absent and reports whether it inserted.
//   - Walk yields records in ascending key order. Keys starting with "_" are never yielded.
type Table interface {
	Name() string
	Get(ctx context.Context, key string) (Record, error)
	Upsert(ctx context.Context, key string, partial Record) (Record, error)
	Delete(ctx context.Context, key string) error
	ExistsOrInsert(ctx context.Context, key string, value Record) (bool, error)
	Walk(ctx context.Context, r Range, fn func(key string, value Record) error) error
}

// Backend hands out tables sharing one underlying connection or file.
type Backend interface {
	Table(name string) (Table, error)
	Close() error
}

// Range selects keys. Empty fields are unbounded.
//
// From is an inclusive lower bound. To is an inclusive upper bound that also admits every key
// having To as a prefix, so "to" time bounds include keys like "<to>:<id>".
type Range struct {
	Prefix string
	From   string
	To     string
	Limit  int
}

// ParseRange parses the "from:to" convention. Either side may be empty.
func ParseRange(s string) (Range, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Range{}, nil
	}
	from, to, ok := strings.Cut(s, ":")
	if !ok {
		return Range{}, fmt.Errorf("%w: range %q must be from:to", ErrInvalidKey, s)
	}
	from, to = strings.TrimSpace(from), strings.TrimSpace(to)
	if from != "" && to != "" && from > to {
		return Range{}, fmt.Errorf("%w: range %q is inverted", ErrInvalidKey, s)
	}
	return Range{From: from, To: to}, nil
}

// bounds returns the inclusive lower and exclusive upper key bounds. An empty hi is unbounded.
func (r Range) bounds() (lo, hi string) {
	lo = r.From
	if r.Prefix > lo {
		lo = r.Prefix
	}
	if r.To != "" {
		hi = r.To + rangeCeil
	}
	if r.Prefix != "" {
		ph := r.Prefix + rangeCeil
		if hi == "" || ph < hi {
			hi = ph
		}
	}
	return lo, hi
}

// Contains reports whether key falls inside r.
func (r Range) Contains(key string) bool {
	if isReserved(key) {
		return false
	}
	lo, hi := r.bounds()
	if key < lo {
		return false
	}
	if hi != "" && key >= hi {
		return false
	}
	return true
}

// ValidateKey rejects empty keys and anything outside printable ASCII.
func ValidateKey(key string) error {
	if key == "" {
		return fmt.Errorf("%w: empty key", ErrInvalidKey)
	}
	for i := 0; i < len(key); i++ {
		c := key[i]
		if c < 0x20 || c >= 0x7f {
			return fmt.Errorf("%w: key %q contains non-printable byte", ErrInvalidKey, key)
		}
	}
	return nil
}

func isReserved(key string) bool { return strings.HasPrefix(key, "_") }

// Merge returns existing with partial applied on top. Neither input is modified.
func Merge(existing, partial Record) Record {
	out := make(Record, len(existing)+len(partial))
	for k, v := range existing {
		out[k] = v
	}
	for k, v := range partial {
		out[k] = v
	}
	return out
}

// Equal compares records field by field after compacting the JSON.
func Equal(a, b Record) bool {
	if len(a) != len(b) {
		return false
	}
	for k, av := range a {
		bv, ok := b[k]
		if !ok || !rawEqual(av, bv) {
			return false
		}
	}
	return true
}

func rawEqual(a, b json.RawMessage) bool {
	var ca, cb bytes.Buffer
	if json.Compact(&ca, a) != nil || json.Compact(&cb, b) != nil {
		return bytes.Equal(a, b)
	}
	return bytes.Equal(ca.Bytes(), cb.Bytes())
}

// Encode converts a struct with json tags into a Record. Fields omitted by omitempty are absent,
// which makes pointer-field structs natural partial updates.
func Encode(v any) (Record, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("kvstore: encode: %w", err)
	}
	var out Record
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, fmt.Errorf("kvstore: encode: %w", err)
	}
	if out == nil {
		return nil, fmt.Errorf("kvstore: encode: %T is not a JSON object", v)
	}
	return out, nil
}

// Decode fills v from rec.
func Decode(rec Record, v any) error {
	b, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("kvstore: decode: %w", err)
	}
	if err := json.Unmarshal(b, v); err != nil {
		return fmt.Errorf("kvstore: decode: %w", err)
	}
	return nil
}

// MarshalRecord serializes rec for drivers that store JSON text.
func MarshalRecord(rec Record) ([]byte, error) {
	if rec == nil {
		rec = Record{}
	}
	return json.Marshal(rec)
}

// UnmarshalRecord is the inverse of MarshalRecord. A JSON null decodes to an empty record.
func UnmarshalRecord(b []byte) (Record, error) {
	var rec Record
	if err := json.Unmarshal(b, &rec); err != nil {
		return nil, err
	}
	if rec == nil {
		rec = Record{}
	}
	return rec, nil
}

// Keys collects the keys of r in order.
func Keys(ctx context.Context, t Table, r Range) ([]string, error) {
	var out []string
	err := t.Walk(ctx, r, func(key string, _ Record) error {
		out = append(out, key)
		return nil
	})
	return out, err
}

// walkPage is the batch size for drivers that page through SQL results.
const walkPage = 256

// PageFetcher returns up to limit keys (with records) greater than after and inside [lo, hi),
// in ascending order. An empty hi is unbounded.
type PageFetcher func(ctx context.Context, after, lo, hi string, limit int) ([]string, []Record, error)

// PagedWalk drives fetch in key order, feeding each page to fn after the page's rows are
// released, so fn may call back into the same store.
func PagedWalk(ctx context.Context, r Range, fetch PageFetcher, fn func(string, Record) error) error {
	lo, hi := r.bounds()
	after := ""
	seen := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		keys, recs, err := fetch(ctx, after, lo, hi, walkPage)
		if err != nil {
			return err
		}
		for i, k := range keys {
			after = k
			if isReserved(k) {
				continue
			}
			if err := fn(k, recs[i]); err != nil {
				if errors.Is(err, ErrStopWalk) {
					return nil
				}
				return err
			}
			seen++
			if r.Limit > 0 && seen >= r.Limit {
				return nil
			}
		}
		if len(keys) < walkPage {
			return nil
		}
	}
}
