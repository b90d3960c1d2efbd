// Package chunk implements the dag's content-addressed value: an immutable
// (hash, data, refs) triple, hashed from a deterministic canonical encoding
// of its data so that structurally identical values always collide to the
// same hash.
package chunk

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"

	"syncdb/pkg/hash"
)

// Value is a JSON-shaped payload: nil, bool, float64, string, []Value, or
// map[string]Value. It is produced only through Canonicalize so that chunk
// hashes are stable.
type Value = any

// Chunk is an immutable, content-addressed unit of data plus the hashes of
// the chunks it references. Chunks are never mutated after creation.
type Chunk struct {
	hash hash.Hash
	data Value
	refs []hash.Hash
}

// New creates a Chunk from data and an explicit ref list, computing its hash
// from the canonical encoding of data. Duplicate refs are removed, order
// preserved. New rejects a ref list that would point back at a hash equal to
// the chunk's own (about)-to-be-computed hash — the cycle guard spec.md §9
// calls for, unreachable under a secure hash but asserted defensively.
func New(data Value, refs []hash.Hash) (Chunk, error) {
	canon, err := Canonicalize(data)
	if err != nil {
		return Chunk{}, fmt.Errorf("chunk: canonicalize: %w", err)
	}
	encoded, err := json.Marshal(canon)
	if err != nil {
		return Chunk{}, fmt.Errorf("chunk: encode: %w", err)
	}
	h := hash.Of(encoded)

	deduped := dedupeRefs(refs)
	for _, r := range deduped {
		if r == h {
			return Chunk{}, fmt.Errorf("chunk: ref %s forms a self-cycle", h)
		}
	}

	return Chunk{hash: h, data: canon, refs: deduped}, nil
}

// Hash returns the chunk's content hash.
func (c Chunk) Hash() hash.Hash { return c.hash }

// Data returns the chunk's canonicalized payload. Callers must not mutate
// nested maps/slices in place; treat the result as read-only.
func (c Chunk) Data() Value { return c.data }

// Refs returns the (deduplicated, ordered) hashes this chunk points to.
func (c Chunk) Refs() []hash.Hash {
	out := make([]hash.Hash, len(c.refs))
	copy(out, c.refs)
	return out
}

// Encode serializes the chunk to bytes for persistence (the data half; refs
// are stored alongside by the dag store).
func (c Chunk) Encode() ([]byte, error) {
	return json.Marshal(c.data)
}

// Decode reconstructs a Chunk from persisted data bytes and ref hashes. The
// hash is recomputed rather than trusted, guarding against storage
// corruption (spec.md §7 Corruption kind).
func Decode(data []byte, refs []hash.Hash) (Chunk, error) {
	var v Value
	if err := json.Unmarshal(data, &v); err != nil {
		return Chunk{}, fmt.Errorf("chunk: decode: %w", err)
	}
	return New(v, refs)
}

func dedupeRefs(refs []hash.Hash) []hash.Hash {
	seen := make(map[hash.Hash]bool, len(refs))
	out := make([]hash.Hash, 0, len(refs))
	for _, r := range refs {
		if seen[r] {
			continue
		}
		seen[r] = true
		out = append(out, r)
	}
	return out
}

// Canonicalize walks a JSON-shaped value and returns an equivalent value
// whose object keys are emitted in lexicographic order and whose numbers are
// normalized to float64, matching encoding/json's native number decoding.
// This is what gives two structurally-equal values the same chunk hash
// regardless of how they were constructed.
func Canonicalize(v Value) (Value, error) {
	switch t := v.(type) {
	case nil, bool, float64, string:
		return t, nil
	case int:
		return float64(t), nil
	case int64:
		return float64(t), nil
	case []Value:
		out := make([]Value, len(t))
		for i, e := range t {
			c, err := Canonicalize(e)
			if err != nil {
				return nil, err
			}
			out[i] = c
		}
		return out, nil
	case map[string]Value:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := orderedObject{keys: keys, values: make(map[string]Value, len(t))}
		for _, k := range keys {
			c, err := Canonicalize(t[k])
			if err != nil {
				return nil, err
			}
			out.values[k] = c
		}
		return out, nil
	case orderedObject:
		return t, nil
	default:
		return nil, fmt.Errorf("chunk: unsupported value type %T", v)
	}
}

// Object is satisfied by an in-process (not-yet-serialized) chunk object
// value; use it together with a map[string]Value type switch when reading a
// field generically, since a value that has round-tripped through storage
// decodes as a plain map instead.
type Object interface {
	Get(key string) (Value, bool)
	Keys() []string
}

// Field reads a named field from an object-shaped Value, whether it is an
// orderedObject (the in-process shape a Canonicalize call produces) or the
// plain map[string]Value encoding/json hands back after a round trip
// through storage. Callers decoding chunk data generically (pkg/btree,
// pkg/commit) should always go through Field rather than asserting a
// concrete shape.
func Field(v Value, key string) (Value, bool) {
	switch t := v.(type) {
	case Object:
		return t.Get(key)
	case map[string]Value:
		val, ok := t[key]
		return val, ok
	default:
		return nil, false
	}
}

// orderedObject is a JSON object value that remembers a fixed key order so
// re-marshaling is deterministic without relying on Go's randomized map
// iteration order.
type orderedObject struct {
	keys   []string
	values map[string]Value
}

// Get returns a field of the object, mirroring map access for callers that
// walk canonicalized data (e.g. the B-tree's patch "update" op).
func (o orderedObject) Get(key string) (Value, bool) {
	v, ok := o.values[key]
	return v, ok
}

// Keys returns the object's field names in canonical (sorted) order.
func (o orderedObject) Keys() []string {
	out := make([]string, len(o.keys))
	copy(out, o.keys)
	return out
}

// MarshalJSON emits the object with keys in their canonical order.
func (o orderedObject) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range o.keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		kb, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		buf.Write(kb)
		buf.WriteByte(':')
		vb, err := json.Marshal(o.values[k])
		if err != nil {
			return nil, err
		}
		buf.Write(vb)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// NewObject builds an orderedObject from a plain map, for callers that
// construct chunk data programmatically rather than via JSON decode.
func NewObject(m map[string]Value) Value {
	v, err := Canonicalize(m)
	if err != nil {
		// m is already a well-formed map[string]Value tree built by this
		// module; Canonicalize only fails on foreign types.
		panic(err)
	}
	return v
}
