// Package request implements the canonical key/value encoding that
// identifies a unit of work in the data pipeline. The encoded string doubles
// as the cache key, so encoding must be byte-stable: two requests holding
// the same key/value pairs encode identically no matter in which order the
// pairs were inserted.
package request

import (
	"sort"
	"strconv"
	"strings"
	"time"
)

// pairSep separates KEY=value pairs in the encoded form. Values that are
// themselves compound (bounding boxes, strides, member sets) use an internal
// "/"-delimited sub-format and must not contain the pair separator.
const pairSep = ";"

// TimeLayout is the wire format for timestamp values.
const TimeLayout = time.RFC3339

// Request is a key-unique string-to-string mapping describing a unit of
// work. The zero value is not usable; construct with New or Parse.
type Request struct {
	m map[string]string
}

// New creates an empty request.
func New() *Request {
	return &Request{m: make(map[string]string)}
}

// Parse decodes an encoded request string. Empty pairs are skipped, so
// Parse(r.Encode()) always reproduces r.
func Parse(s string) *Request {
	r := New()
	for _, pair := range strings.Split(s, pairSep) {
		if pair == "" {
			continue
		}
		key, value, _ := strings.Cut(pair, "=")
		r.m[key] = value
	}
	return r
}

// Encode serializes the request into its canonical form: pairs sorted by
// key, joined by ";". The result is the cache key for this request.
func (r *Request) Encode() string {
	keys := r.Keys()
	var sb strings.Builder
	for i, k := range keys {
		if i > 0 {
			sb.WriteString(pairSep)
		}
		sb.WriteString(k)
		sb.WriteByte('=')
		sb.WriteString(r.m[k])
	}
	return sb.String()
}

// Clone returns an independent copy of the request.
func (r *Request) Clone() *Request {
	c := &Request{m: make(map[string]string, len(r.m))}
	for k, v := range r.m {
		c.m[k] = v
	}
	return c
}

// Equal reports whether both requests hold the same key/value pairs.
func (r *Request) Equal(other *Request) bool {
	if len(r.m) != len(other.m) {
		return false
	}
	for k, v := range r.m {
		if ov, ok := other.m[k]; !ok || ov != v {
			return false
		}
	}
	return true
}

// Len returns the number of key/value pairs.
func (r *Request) Len() int { return len(r.m) }

// Keys returns all keys in sorted order.
func (r *Request) Keys() []string {
	keys := make([]string, 0, len(r.m))
	for k := range r.m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Contains reports whether the key is present.
func (r *Request) Contains(key string) bool {
	_, ok := r.m[key]
	return ok
}

// ContainsAll reports whether every key in keys is present.
func (r *Request) ContainsAll(keys []string) bool {
	for _, k := range keys {
		if !r.Contains(k) {
			return false
		}
	}
	return true
}

// Value returns the raw string value for key, or "" if absent.
func (r *Request) Value(key string) string { return r.m[key] }

// Lookup returns the raw string value and whether the key is present.
func (r *Request) Lookup(key string) (string, bool) {
	v, ok := r.m[key]
	return v, ok
}

// IntValue parses the value of key as an integer. The second return value
// is false if the key is absent or the value does not parse.
func (r *Request) IntValue(key string) (int, bool) {
	v, ok := r.m[key]
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

// FloatValue parses the value of key as a float64.
func (r *Request) FloatValue(key string) (float64, bool) {
	v, ok := r.m[key]
	if !ok {
		return 0, false
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

// TimeValue parses the value of key as an RFC 3339 timestamp.
func (r *Request) TimeValue(key string) (time.Time, bool) {
	v, ok := r.m[key]
	if !ok {
		return time.Time{}, false
	}
	t, err := time.Parse(TimeLayout, v)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// Vec3Value parses a "/"-separated three-component value.
func (r *Request) Vec3Value(key string) ([3]float64, bool) {
	var vec [3]float64
	parts := strings.Split(r.m[key], "/")
	if len(parts) < 3 {
		return vec, false
	}
	for i := 0; i < 3; i++ {
		f, err := strconv.ParseFloat(parts[i], 64)
		if err != nil {
			return vec, false
		}
		vec[i] = f
	}
	return vec, true
}

// IntSetValue parses a "/"-separated set of integers. Tokens that do not
// parse are skipped.
func (r *Request) IntSetValue(key string) []int {
	var out []int
	for _, tok := range strings.Split(r.m[key], "/") {
		if n, err := strconv.Atoi(tok); err == nil {
			out = append(out, n)
		}
	}
	return out
}

// Insert sets key to value, replacing any previous value.
func (r *Request) Insert(key, value string) { r.m[key] = value }

// InsertInt sets key to the decimal encoding of value.
func (r *Request) InsertInt(key string, value int) {
	r.m[key] = strconv.Itoa(value)
}

// InsertFloat sets key to the shortest round-trip encoding of value.
func (r *Request) InsertFloat(key string, value float64) {
	r.m[key] = strconv.FormatFloat(value, 'g', -1, 64)
}

// InsertTime sets key to the RFC 3339 encoding of value in UTC.
func (r *Request) InsertTime(key string, value time.Time) {
	r.m[key] = value.UTC().Format(TimeLayout)
}

// InsertVec3 sets key to the "x/y/z" sub-format.
func (r *Request) InsertVec3(key string, x, y, z float64) {
	r.m[key] = strconv.FormatFloat(x, 'g', -1, 64) + "/" +
		strconv.FormatFloat(y, 'g', -1, 64) + "/" +
		strconv.FormatFloat(z, 'g', -1, 64)
}

// InsertIntSet sets key to a sorted "/"-separated encoding of values.
// Sorting keeps the encoding canonical: two requests referencing the same
// member set in different orders must produce the same cache key.
func (r *Request) InsertIntSet(key string, values []int) {
	if len(values) == 0 {
		return
	}
	sorted := make([]int, len(values))
	copy(sorted, values)
	sort.Ints(sorted)
	parts := make([]string, len(sorted))
	for i, v := range sorted {
		parts[i] = strconv.Itoa(v)
	}
	r.m[key] = strings.Join(parts, "/")
}

// Remove deletes key from the request. Removing an absent key is a no-op.
func (r *Request) Remove(key string) { delete(r.m, key) }

// RemoveAll deletes every key in keys.
func (r *Request) RemoveAll(keys []string) {
	for _, k := range keys {
		delete(r.m, k)
	}
}

// RemoveAllExcept deletes every key not contained in keep.
func (r *Request) RemoveAllExcept(keep []string) {
	keepSet := make(map[string]struct{}, len(keep))
	for _, k := range keep {
		keepSet[k] = struct{}{}
	}
	for k := range r.m {
		if _, ok := keepSet[k]; !ok {
			delete(r.m, k)
		}
	}
}

// SubRequest returns a new request containing only the keys that start
// with prefix, with the prefix stripped.
func (r *Request) SubRequest(prefix string) *Request {
	sub := New()
	for k, v := range r.m {
		if strings.HasPrefix(k, prefix) {
			sub.m[strings.TrimPrefix(k, prefix)] = v
		}
	}
	return sub
}

// AddKeyPrefix prepends prefix to every key.
func (r *Request) AddKeyPrefix(prefix string) {
	m := make(map[string]string, len(r.m))
	for k, v := range r.m {
		m[prefix+k] = v
	}
	r.m = m
}

// RemoveKeyPrefix strips prefix from every key that carries it.
func (r *Request) RemoveKeyPrefix(prefix string) {
	for k, v := range r.m {
		if strings.HasPrefix(k, prefix) {
			delete(r.m, k)
			r.m[strings.TrimPrefix(k, prefix)] = v
		}
	}
}

// Unite merges other into r. On conflicting keys the value from other
// wins; call other.Clone().Unite(r) for the opposite precedence.
func (r *Request) Unite(other *Request) {
	for k, v := range other.m {
		r.m[k] = v
	}
}

// String implements fmt.Stringer with the canonical encoding.
func (r *Request) String() string { return r.Encode() }
