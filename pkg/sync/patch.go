package sync

import (
	"fmt"

	"syncdb/pkg/btree"
	"syncdb/pkg/chunk"
	"syncdb/pkg/hash"
)

// PatchOp is one operation in a pull response's patch (spec.md §6).
type PatchOp struct {
	Op        string      `json:"op"`
	Key       string      `json:"key,omitempty"`
	Value     chunk.Value `json:"value,omitempty"`
	Merge     bool        `json:"merge,omitempty"`
	Constrain []string    `json:"constrain,omitempty"`
}

// applyPatch applies ops in order against root, returning the resulting
// root hash (spec.md §4.G.2 "Patch operations").
func applyPatch(cs btree.ChunkStore, root hash.Hash, fanout btree.Fanout, ops []PatchOp) (hash.Hash, error) {
	cur := root
	for i, op := range ops {
		var err error
		switch op.Op {
		case "clear":
			cur, err = btree.Clear(cs)
		case "put":
			cur, err = btree.Put(cs, cur, fanout, op.Key, op.Value)
		case "update":
			cur, err = applyUpdate(cs, cur, fanout, op)
		case "del":
			cur, _, err = btree.Del(cs, cur, fanout, op.Key)
		default:
			return hash.Hash{}, fmt.Errorf("sync: patch[%d]: unknown op %q", i, op.Op)
		}
		if err != nil {
			return hash.Hash{}, fmt.Errorf("sync: patch[%d] (%s %s): %w", i, op.Op, op.Key, err)
		}
	}
	return cur, nil
}

// applyUpdate shallow-merges op.Value's fields into the object currently
// stored at op.Key, optionally restricted to the keys in op.Constrain. A
// missing existing value is treated as an empty object.
func applyUpdate(cs btree.ChunkStore, root hash.Hash, fanout btree.Fanout, op PatchOp) (hash.Hash, error) {
	existing, err := btree.Get(cs, root, op.Key)
	if err != nil && !btree.IsNotFound(err) {
		return hash.Hash{}, err
	}
	merged := mergeFields(existing, op.Value, op.Constrain)
	return btree.Put(cs, root, fanout, op.Key, merged)
}

func mergeFields(existing, patch chunk.Value, constrain []string) chunk.Value {
	out := map[string]chunk.Value{}
	for _, k := range objectKeysOf(existing) {
		v, _ := chunk.Field(existing, k)
		out[k] = v
	}

	allowed := func(string) bool { return true }
	if len(constrain) > 0 {
		set := make(map[string]bool, len(constrain))
		for _, k := range constrain {
			set[k] = true
		}
		allowed = func(k string) bool { return set[k] }
	}

	for _, k := range objectKeysOf(patch) {
		if !allowed(k) {
			continue
		}
		v, _ := chunk.Field(patch, k)
		out[k] = v
	}
	return chunk.NewObject(out)
}

func objectKeysOf(v chunk.Value) []string {
	if obj, ok := v.(chunk.Object); ok {
		return obj.Keys()
	}
	if m, ok := v.(map[string]chunk.Value); ok {
		keys := make([]string, 0, len(m))
		for k := range m {
			keys = append(keys, k)
		}
		return keys
	}
	return nil
}
