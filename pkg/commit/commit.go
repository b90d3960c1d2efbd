// Package commit implements the two commit variants that make up a
// database's history (spec.md §4.F): snapshot commits, which anchor a
// confirmed server state, and local commits, which record an optimistic
// client mutation layered on top of one. Commits are themselves dag chunks;
// this package only knows how to encode/decode them and walk the chain a
// basis hash implies.
package commit

import (
	"encoding/json"
	"fmt"

	"syncdb/pkg/chunk"
	"syncdb/pkg/chunker"
	"syncdb/pkg/hash"
)

// mutatorArgsBlobThreshold is the encoded-size cutoff above which a local
// commit's mutator args are routed through blob-chunked storage instead of
// embedded inline in the commit chunk itself, so one oversized mutation
// doesn't produce a dag chunk too large for a lazy dag's cache to hold
// (spec.md §4.E, §5 resource bounds).
const mutatorArgsBlobThreshold = 4096

// Kind distinguishes the two commit variants.
type Kind int

const (
	KindSnapshot Kind = iota
	KindLocal
)

// IndexDefinition names a secondary index and how to derive its key from a
// value (spec.md §"IndexRecord").
type IndexDefinition struct {
	Name        string
	KeyPrefix   string
	JSONPointer string
	AllowEmpty  bool
}

// IndexRecord pins an index's current B-tree root alongside its definition,
// so a commit fully determines every index's state.
type IndexRecord struct {
	Definition IndexDefinition
	ValueHash  hash.Hash
}

// Commit is the decoded form of either commit variant. Fields not used by
// a given Kind are zero.
type Commit struct {
	Kind Kind

	// Common to both variants.
	ValueHash hash.Hash
	Indexes   []IndexRecord

	// SnapshotCommit fields.
	BasisHash       hash.Hash // zero for the root snapshot
	LastMutationIDs map[string]uint64
	Cookie          chunk.Value

	// LocalCommit fields.
	BaseSnapshotHash hash.Hash
	MutationID       uint64
	MutatorName      string
	MutatorArgs      chunk.Value
	OriginalHash     hash.Hash // zero unless this is a replay of a prior local commit
	Timestamp        uint64
	ClientID         string
}

// NewSnapshot builds a (not-yet-stored) root or chained snapshot commit.
func NewSnapshot(basis hash.Hash, lastMutationIDs map[string]uint64, cookie chunk.Value, valueHash hash.Hash, indexes []IndexRecord) Commit {
	return Commit{
		Kind:            KindSnapshot,
		BasisHash:       basis,
		LastMutationIDs: lastMutationIDs,
		Cookie:          cookie,
		ValueHash:       valueHash,
		Indexes:         indexes,
	}
}

// NewLocal builds a (not-yet-stored) local mutation commit. baseSnapshot
// must be the hash of the snapshot basis (possibly through other local
// commits) resolves to; callers obtain it via BaseSnapshotFrom on basis.
func NewLocal(basis, baseSnapshot hash.Hash, mutationID uint64, mutatorName string, args chunk.Value, original hash.Hash, timestampMs uint64, clientID string, valueHash hash.Hash, indexes []IndexRecord) Commit {
	return Commit{
		Kind:             KindLocal,
		BasisHash:        basis,
		BaseSnapshotHash: baseSnapshot,
		MutationID:       mutationID,
		MutatorName:      mutatorName,
		MutatorArgs:      args,
		OriginalHash:     original,
		Timestamp:        timestampMs,
		ClientID:         clientID,
		ValueHash:        valueHash,
		Indexes:          indexes,
	}
}

// Store writes c as a chunk, referencing its basis, value root, and index
// roots so GC keeps the whole reachable state alive from a single head.
func Store(cs ChunkStore, c Commit) (hash.Hash, error) {
	data, refs, err := encode(cs, c)
	if err != nil {
		return hash.Hash{}, fmt.Errorf("commit: encode: %w", err)
	}
	chk, err := chunk.New(data, refs)
	if err != nil {
		return hash.Hash{}, fmt.Errorf("commit: encode: %w", err)
	}
	cs.PutChunk(chk)
	return chk.Hash(), nil
}

// ChunkStore is the minimal store surface Store/Load need.
type ChunkStore interface {
	PutChunk(c chunk.Chunk)
	GetChunk(h hash.Hash) (chunk.Chunk, error)
}

func encode(cs ChunkStore, c Commit) (chunk.Value, []hash.Hash, error) {
	indexItems := make([]chunk.Value, len(c.Indexes))
	refs := []hash.Hash{c.ValueHash}
	for i, idx := range c.Indexes {
		indexItems[i] = chunk.NewObject(map[string]chunk.Value{
			"name":        idx.Definition.Name,
			"keyPrefix":   idx.Definition.KeyPrefix,
			"jsonPointer": idx.Definition.JSONPointer,
			"allowEmpty":  idx.Definition.AllowEmpty,
			"valueHash":   idx.ValueHash.String(),
		})
		refs = append(refs, idx.ValueHash)
	}

	if c.Kind == KindSnapshot {
		lmids := make(map[string]chunk.Value, len(c.LastMutationIDs))
		for cid, id := range c.LastMutationIDs {
			lmids[cid] = float64(id)
		}
		// basisHash (the previous snapshot) is a weak back-reference: a
		// lookup hint only, not a GC ref (spec.md §9 "Weak back-references").
		// Superseding a snapshot must let the old one become collectible.
		return chunk.NewObject(map[string]chunk.Value{
			"kind":            "snapshot",
			"basisHash":       hashOrNull(c.BasisHash),
			"lastMutationIDs": chunk.NewObject(lmids),
			"cookie":          c.Cookie,
			"valueHash":       c.ValueHash.String(),
			"indexes":         indexItems,
		}), refs, nil
	}

	// basisHash is a genuine GC ref: it is what keeps the rest of the
	// pending local-commit chain (and its base snapshot) alive while this
	// commit is reachable from a head. baseSnapshotHash is a redundant
	// shortcut into that same chain and originalHash is a weak
	// back-reference (spec.md §9); neither holds a ref of its own.
	refs = append(refs, c.BasisHash)

	inlineArgs, blobArgs, blobRef, err := encodeMutatorArgs(cs, c.MutatorArgs)
	if err != nil {
		return nil, nil, err
	}
	if !blobRef.IsEmpty() {
		refs = append(refs, blobRef)
	}

	return chunk.NewObject(map[string]chunk.Value{
		"kind":             "local",
		"basisHash":        c.BasisHash.String(),
		"baseSnapshotHash": c.BaseSnapshotHash.String(),
		"mutationID":       float64(c.MutationID),
		"mutatorName":      c.MutatorName,
		"mutatorArgs":      inlineArgs,
		"mutatorArgsBlob":  blobArgs,
		"originalHash":     hashOrNull(c.OriginalHash),
		"timestamp":        float64(c.Timestamp),
		"clientID":         c.ClientID,
		"valueHash":        c.ValueHash.String(),
		"indexes":          indexItems,
	}), refs, nil
}

// encodeMutatorArgs returns args unchanged when its encoded size is under
// mutatorArgsBlobThreshold. Above that it writes args through
// chunker.WriteBlob and returns the manifest hash in place of the inline
// value, so a single oversized mutation argument doesn't inflate the
// commit's own chunk.
func encodeMutatorArgs(cs ChunkStore, args chunk.Value) (inline, blobHash chunk.Value, ref hash.Hash, err error) {
	raw, err := json.Marshal(args)
	if err != nil {
		return nil, nil, hash.Hash{}, fmt.Errorf("marshal mutatorArgs: %w", err)
	}
	if len(raw) <= mutatorArgsBlobThreshold {
		return args, nil, hash.Hash{}, nil
	}
	h, err := chunker.WriteBlob(cs, raw)
	if err != nil {
		return nil, nil, hash.Hash{}, fmt.Errorf("write mutatorArgs blob: %w", err)
	}
	return nil, h.String(), h, nil
}

func hashOrNull(h hash.Hash) chunk.Value {
	if h.IsEmpty() {
		return nil
	}
	return h.String()
}

// Load reads and decodes the commit chunk at h.
func Load(cs ChunkStore, h hash.Hash) (Commit, error) {
	chk, err := cs.GetChunk(h)
	if err != nil {
		return Commit{}, fmt.Errorf("commit: load %s: %w", h, err)
	}
	return decode(cs, chk.Data())
}

func decode(cs ChunkStore, v chunk.Value) (Commit, error) {
	kindVal, _ := chunk.Field(v, "kind")
	kindStr, _ := kindVal.(string)

	valueHashVal, _ := chunk.Field(v, "valueHash")
	valueHash, err := parseHashField(valueHashVal)
	if err != nil {
		return Commit{}, fmt.Errorf("commit: valueHash: %w", err)
	}

	indexes, err := decodeIndexes(v)
	if err != nil {
		return Commit{}, err
	}

	switch kindStr {
	case "snapshot":
		basisVal, _ := chunk.Field(v, "basisHash")
		basis, err := parseOptionalHashField(basisVal)
		if err != nil {
			return Commit{}, fmt.Errorf("commit: basisHash: %w", err)
		}
		lmidsVal, _ := chunk.Field(v, "lastMutationIDs")
		lmids := map[string]uint64{}
		if obj, ok := lmidsVal.(chunk.Object); ok {
			for _, k := range obj.Keys() {
				n, _ := obj.Get(k)
				lmids[k] = uint64(n.(float64))
			}
		} else if m, ok := lmidsVal.(map[string]chunk.Value); ok {
			for k, n := range m {
				lmids[k] = uint64(n.(float64))
			}
		}
		cookie, _ := chunk.Field(v, "cookie")
		return Commit{
			Kind:            KindSnapshot,
			BasisHash:       basis,
			LastMutationIDs: lmids,
			Cookie:          cookie,
			ValueHash:       valueHash,
			Indexes:         indexes,
		}, nil

	case "local":
		basisVal, _ := chunk.Field(v, "basisHash")
		basis, err := parseHashField(basisVal)
		if err != nil {
			return Commit{}, fmt.Errorf("commit: basisHash: %w", err)
		}
		baseSnapVal, _ := chunk.Field(v, "baseSnapshotHash")
		baseSnap, err := parseHashField(baseSnapVal)
		if err != nil {
			return Commit{}, fmt.Errorf("commit: baseSnapshotHash: %w", err)
		}
		midVal, _ := chunk.Field(v, "mutationID")
		mutatorVal, _ := chunk.Field(v, "mutatorName")
		argsVal, err := decodeMutatorArgs(cs, v)
		if err != nil {
			return Commit{}, fmt.Errorf("commit: mutatorArgs: %w", err)
		}
		origVal, _ := chunk.Field(v, "originalHash")
		orig, err := parseOptionalHashField(origVal)
		if err != nil {
			return Commit{}, fmt.Errorf("commit: originalHash: %w", err)
		}
		tsVal, _ := chunk.Field(v, "timestamp")
		clientVal, _ := chunk.Field(v, "clientID")
		mutator, _ := mutatorVal.(string)
		ts, _ := tsVal.(float64)
		clientID, _ := clientVal.(string)
		mid, _ := midVal.(float64)
		return Commit{
			Kind:             KindLocal,
			BasisHash:        basis,
			BaseSnapshotHash: baseSnap,
			MutationID:       uint64(mid),
			MutatorName:      mutator,
			MutatorArgs:      argsVal,
			OriginalHash:     orig,
			Timestamp:        uint64(ts),
			ClientID:         clientID,
			ValueHash:        valueHash,
			Indexes:          indexes,
		}, nil
	}
	return Commit{}, fmt.Errorf("commit: unknown kind %q", kindStr)
}

// decodeMutatorArgs returns the local commit's mutator args, reassembling
// them from blob-chunked storage when mutatorArgsBlob is set, otherwise
// returning the inline mutatorArgs field as-is.
func decodeMutatorArgs(cs ChunkStore, v chunk.Value) (chunk.Value, error) {
	blobVal, _ := chunk.Field(v, "mutatorArgsBlob")
	if blobVal != nil {
		s, _ := blobVal.(string)
		h, err := hash.Parse(s)
		if err != nil {
			return nil, fmt.Errorf("mutatorArgsBlob hash: %w", err)
		}
		raw, err := chunker.ReadBlob(cs, h)
		if err != nil {
			return nil, fmt.Errorf("read mutatorArgs blob: %w", err)
		}
		var args chunk.Value
		if err := json.Unmarshal(raw, &args); err != nil {
			return nil, fmt.Errorf("unmarshal mutatorArgs blob: %w", err)
		}
		return args, nil
	}
	argsVal, _ := chunk.Field(v, "mutatorArgs")
	return argsVal, nil
}

func decodeIndexes(v chunk.Value) ([]IndexRecord, error) {
	itemsVal, _ := chunk.Field(v, "indexes")
	items, _ := itemsVal.([]chunk.Value)
	out := make([]IndexRecord, len(items))
	for i, item := range items {
		nameVal, _ := chunk.Field(item, "name")
		prefixVal, _ := chunk.Field(item, "keyPrefix")
		pointerVal, _ := chunk.Field(item, "jsonPointer")
		allowEmptyVal, _ := chunk.Field(item, "allowEmpty")
		hashVal, _ := chunk.Field(item, "valueHash")
		h, err := parseHashField(hashVal)
		if err != nil {
			return nil, fmt.Errorf("commit: index %d valueHash: %w", i, err)
		}
		name, _ := nameVal.(string)
		prefix, _ := prefixVal.(string)
		pointer, _ := pointerVal.(string)
		allowEmpty, _ := allowEmptyVal.(bool)
		out[i] = IndexRecord{
			Definition: IndexDefinition{Name: name, KeyPrefix: prefix, JSONPointer: pointer, AllowEmpty: allowEmpty},
			ValueHash:  h,
		}
	}
	return out, nil
}

func parseHashField(v chunk.Value) (hash.Hash, error) {
	s, _ := v.(string)
	return hash.Parse(s)
}

func parseOptionalHashField(v chunk.Value) (hash.Hash, error) {
	if v == nil {
		return hash.Hash{}, nil
	}
	return parseHashField(v)
}
