// Package callkey derives the deduplication fingerprint of a tool call.
//
// Two calls get the same Key when they name the same canonical tool and their
// arguments are equal after canonicalization: object keys are sorted at every
// depth, strings lose surrounding whitespace, numbers are written in one
// canonical form and ignored top-level fields (nonces, timestamps, client
// metadata) are dropped. Large strings contribute their SHA-256 digest rather
// than their content, so deriving a key costs the same for a 50 MB file
// payload as for a one-line prompt.
package callkey

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"hash"
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// Key is the hex SHA-256 of a canonical tool call.
type Key string

// String returns the key as a hex string.
func (k Key) String() string { return string(k) }

// Short returns the first 12 hex characters, for logs.
func (k Key) Short() string {
	if len(k) > 12 {
		return string(k[:12])
	}
	return string(k)
}

// DefaultLargeValueThreshold is the string length above which a value is
// replaced by its digest.
const DefaultLargeValueThreshold = 64 * 1024

// digestPattern matches a content digest the client already computed.
var digestPattern = regexp.MustCompile(`^sha256:[0-9a-f]{64}$`)

// Deriver computes Keys. It is immutable after construction and safe for
// concurrent use.
type Deriver struct {
	normalize func(string) string
	ignored   map[string]struct{}
	threshold int
}

// Option configures a Deriver.
type Option func(*Deriver)

// WithIgnoredFields replaces the set of top-level argument fields left out
// of the key.
func WithIgnoredFields(fields ...string) Option {
	return func(d *Deriver) {
		d.ignored = make(map[string]struct{}, len(fields))
		for _, f := range fields {
			d.ignored[f] = struct{}{}
		}
	}
}

// WithLargeValueThreshold sets the string length above which values are
// hashed instead of embedded. Zero or negative disables hashing.
func WithLargeValueThreshold(n int) Option {
	return func(d *Deriver) { d.threshold = n }
}

// New returns a Deriver. normalize maps client tool names to canonical ones
// (typically catalog.Normalize); nil lower-cases and trims.
func New(normalize func(string) string, opts ...Option) *Deriver {
	if normalize == nil {
		normalize = func(s string) string { return strings.ToLower(strings.TrimSpace(s)) }
	}
	d := &Deriver{
		normalize: normalize,
		threshold: DefaultLargeValueThreshold,
	}
	WithIgnoredFields("_meta", "nonce", "timestamp", "client_request_id", "progress_token")(d)
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Tool returns the canonical form of a tool name.
func (d *Deriver) Tool(name string) string {
	return d.normalize(name)
}

// Derive returns the Key for a call. It is a pure function of its inputs.
func (d *Deriver) Derive(tool string, args map[string]any) Key {
	h := sha256.New()
	h.Write([]byte(d.normalize(tool)))
	h.Write([]byte{0})

	keys := make([]string, 0, len(args))
	for k := range args {
		if _, skip := d.ignored[k]; skip {
			continue
		}
		keys = append(keys, k)
	}
	d.writeObject(h, keys, args)

	return Key(hex.EncodeToString(h.Sum(nil)))
}

// Digest returns the hex SHA-256 of the canonical form of v, for audit
// records that must identify a payload without storing it.
func (d *Deriver) Digest(v any) string {
	h := sha256.New()
	d.writeValue(h, v)
	return hex.EncodeToString(h.Sum(nil))
}

func (d *Deriver) writeObject(h hash.Hash, keys []string, m map[string]any) {
	sort.Strings(keys)
	h.Write([]byte{'{'})
	for i, k := range keys {
		if i > 0 {
			h.Write([]byte{','})
		}
		writeString(h, k)
		h.Write([]byte{':'})
		d.writeValue(h, m[k])
	}
	h.Write([]byte{'}'})
}

func (d *Deriver) writeValue(h hash.Hash, v any) {
	switch val := v.(type) {
	case nil:
		h.Write([]byte("null"))
	case bool:
		if val {
			h.Write([]byte("true"))
		} else {
			h.Write([]byte("false"))
		}
	case string:
		d.writeText(h, val)
	case json.Number:
		h.Write([]byte(canonicalNumber(string(val))))
	case float64:
		h.Write([]byte(formatFloat(val)))
	case float32:
		h.Write([]byte(formatFloat(float64(val))))
	case int:
		h.Write([]byte(strconv.FormatInt(int64(val), 10)))
	case int64:
		h.Write([]byte(strconv.FormatInt(val, 10)))
	case int32:
		h.Write([]byte(strconv.FormatInt(int64(val), 10)))
	case uint64:
		h.Write([]byte(strconv.FormatUint(val, 10)))
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		d.writeObject(h, keys, val)
	case []any:
		h.Write([]byte{'['})
		for i, item := range val {
			if i > 0 {
				h.Write([]byte{','})
			}
			d.writeValue(h, item)
		}
		h.Write([]byte{']'})
	case []string:
		h.Write([]byte{'['})
		for i, item := range val {
			if i > 0 {
				h.Write([]byte{','})
			}
			d.writeText(h, item)
		}
		h.Write([]byte{']'})
	default:
		// Typed values from in-process callers: round-trip through JSON so
		// they canonicalize exactly like the wire form would.
		var generic any
		data, err := json.Marshal(val)
		if err == nil {
			err = json.Unmarshal(data, &generic)
		}
		if err != nil {
			writeString(h, fmt.Sprintf("%T:%v", val, val))
			return
		}
		d.writeValue(h, generic)
	}
}

// writeText writes a trimmed string, or its digest when it is large.
func (d *Deriver) writeText(h hash.Hash, s string) {
	s = strings.TrimSpace(s)
	if digestPattern.MatchString(s) {
		writeString(h, s)
		return
	}
	if d.threshold > 0 && len(s) > d.threshold {
		sum := sha256.Sum256([]byte(s))
		writeString(h, "sha256:"+hex.EncodeToString(sum[:]))
		return
	}
	writeString(h, s)
}

func writeString(h hash.Hash, s string) {
	h.Write([]byte(strconv.Quote(s)))
}

// canonicalNumber rewrites a JSON number so 1, 1.0 and 1e0 agree. Integers
// that fit in int64 are kept exact; everything else goes through float64.
func canonicalNumber(s string) string {
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return strconv.FormatInt(n, 10)
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return s
	}
	return formatFloat(f)
}

// formatFloat writes integral values that fit in int64 as integers, so
// 1e15 and 1000000000000000 agree with the exact int64 path above.
func formatFloat(f float64) string {
	if f == math.Trunc(f) && f >= math.MinInt64 && f < math.MaxInt64 {
		return strconv.FormatInt(int64(f), 10)
	}
	return strconv.FormatFloat(f, 'g', -1, 64)
}
