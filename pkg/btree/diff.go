package btree

import (
	"bytes"
	"encoding/json"

	"syncdb/pkg/chunk"
	"syncdb/pkg/hash"
)

// OpKind classifies a single difference between two tree states.
type OpKind int

const (
	OpAdd OpKind = iota
	OpChange
	OpDel
)

func (k OpKind) String() string {
	switch k {
	case OpAdd:
		return "add"
	case OpChange:
		return "change"
	case OpDel:
		return "del"
	default:
		return "unknown"
	}
}

// Op is one entry in a Diff result: a key that was added, changed, or
// removed between the from and to roots. OldValue is nil for Add, NewValue
// is nil for Del.
type Op struct {
	Kind     OpKind
	Key      string
	OldValue chunk.Value
	NewValue chunk.Value
}

// Diff returns every key whose value differs between fromRoot and toRoot,
// in ascending key order. Subtrees whose chunk hash is identical on both
// sides are skipped without being read (spec.md §4.E structural-sharing
// short circuit); subtrees whose shape has diverged (a split or merge
// happened on one side but not the other) fall back to a full pairwise
// comparison of their flattened entries, following the teacher's
// DiffEngine's bounding-key-overlap fallback.
func Diff(cs ChunkStore, fromRoot, toRoot hash.Hash) ([]Op, error) {
	if fromRoot == toRoot {
		return nil, nil
	}
	var ops []Op
	if err := diffSubtree(cs, fromRoot, toRoot, func(op Op) { ops = append(ops, op) }); err != nil {
		return nil, err
	}
	return ops, nil
}

func diffSubtree(cs ChunkStore, fromHash, toHash hash.Hash, emit func(Op)) error {
	if fromHash == toHash {
		return nil
	}
	from, err := loadNode(cs, fromHash)
	if err != nil {
		return err
	}
	to, err := loadNode(cs, toHash)
	if err != nil {
		return err
	}

	if from.leaf && to.leaf {
		diffEntries(from.entries, to.entries, emit)
		return nil
	}

	if !from.leaf && !to.leaf && sameChildBoundaries(from.children, to.children) {
		for i := range from.children {
			if from.children[i].Hash == to.children[i].Hash {
				continue
			}
			if err := diffSubtree(cs, from.children[i].Hash, to.children[i].Hash, emit); err != nil {
				return err
			}
		}
		return nil
	}

	// Shapes diverged (leaf vs internal, or internal nodes split/merged
	// differently): give up on structural pruning and compare the fully
	// flattened key spaces instead.
	fromEntries, err := flattenEntries(cs, from)
	if err != nil {
		return err
	}
	toEntries, err := flattenEntries(cs, to)
	if err != nil {
		return err
	}
	diffEntries(fromEntries, toEntries, emit)
	return nil
}

func sameChildBoundaries(a, b []childRef) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].MaxKey != b[i].MaxKey {
			return false
		}
	}
	return true
}

// flattenEntries collects every (key, value) pair under n, in ascending
// order, reading through the store as needed.
func flattenEntries(cs ChunkStore, n *node) ([]entry, error) {
	if n.leaf {
		return n.entries, nil
	}
	var out []entry
	for _, c := range n.children {
		child, err := loadNode(cs, c.Hash)
		if err != nil {
			return nil, err
		}
		childEntries, err := flattenEntries(cs, child)
		if err != nil {
			return nil, err
		}
		out = append(out, childEntries...)
	}
	return out, nil
}

// diffEntries merges two sorted entry slices, emitting an Op for every key
// that differs. Both inputs are assumed sorted ascending by Key, which
// every node produced by Put/Del maintains.
func diffEntries(from, to []entry, emit func(Op)) {
	i, j := 0, 0
	for i < len(from) && j < len(to) {
		switch {
		case from[i].Key < to[j].Key:
			emit(Op{Kind: OpDel, Key: from[i].Key, OldValue: from[i].Value})
			i++
		case from[i].Key > to[j].Key:
			emit(Op{Kind: OpAdd, Key: to[j].Key, NewValue: to[j].Value})
			j++
		default:
			if !valuesEqual(from[i].Value, to[j].Value) {
				emit(Op{Kind: OpChange, Key: from[i].Key, OldValue: from[i].Value, NewValue: to[j].Value})
			}
			i++
			j++
		}
	}
	for ; i < len(from); i++ {
		emit(Op{Kind: OpDel, Key: from[i].Key, OldValue: from[i].Value})
	}
	for ; j < len(to); j++ {
		emit(Op{Kind: OpAdd, Key: to[j].Key, NewValue: to[j].Value})
	}
}

// valuesEqual compares two chunk.Value trees by their canonical JSON
// encoding, so an orderedObject (the in-process shape) and the plain map
// encoding/json hands back after a storage round trip compare equal when
// they represent the same value (encoding/json sorts map keys the same way
// Canonicalize does).
func valuesEqual(a, b chunk.Value) bool {
	ab, aerr := json.Marshal(a)
	bb, berr := json.Marshal(b)
	if aerr != nil || berr != nil {
		return false
	}
	return bytes.Equal(ab, bb)
}
