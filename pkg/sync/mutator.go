package sync

import (
	"syncdb/pkg/btree"
	"syncdb/pkg/chunk"
	"syncdb/pkg/hash"
)

// WriteTx is the surface a mutator function runs against: the value
// B-tree forked for this commit, scoped to plain get/put/del (spec.md §9
// "dynamic mutator registry").
type WriteTx struct {
	cs     btree.ChunkStore
	fanout btree.Fanout
	root   hash.Hash
}

// Get reads key's current value, or (nil, false) if absent.
func (w *WriteTx) Get(key string) (chunk.Value, bool, error) {
	ok, err := btree.Has(w.cs, w.root, key)
	if err != nil || !ok {
		return nil, ok, err
	}
	v, err := btree.Get(w.cs, w.root, key)
	return v, true, err
}

// Put sets key to value.
func (w *WriteTx) Put(key string, value chunk.Value) error {
	root, err := btree.Put(w.cs, w.root, w.fanout, key, value)
	if err != nil {
		return err
	}
	w.root = root
	return nil
}

// Del removes key, a no-op if absent.
func (w *WriteTx) Del(key string) error {
	root, _, err := btree.Del(w.cs, w.root, w.fanout, key)
	if err != nil {
		return err
	}
	w.root = root
	return nil
}

// Mutator is a user-supplied mutation function, keyed by name in a
// MutatorRegistry.
type Mutator func(tx *WriteTx, args chunk.Value) error

// MutatorRegistry is the name → function map mutators are dispatched
// through during local mutation and rebase (spec.md §9).
type MutatorRegistry struct {
	byName map[string]Mutator
}

// NewMutatorRegistry creates an empty registry.
func NewMutatorRegistry() *MutatorRegistry {
	return &MutatorRegistry{byName: map[string]Mutator{}}
}

// Register adds (or replaces) the mutator for name.
func (r *MutatorRegistry) Register(name string, fn Mutator) {
	r.byName[name] = fn
}

// Lookup returns the mutator for name, or (nil, false) if unregistered.
func (r *MutatorRegistry) Lookup(name string) (Mutator, bool) {
	fn, ok := r.byName[name]
	return fn, ok
}

// Names returns every registered mutator name, used to populate a client
// group's mutatorNames record.
func (r *MutatorRegistry) Names() map[string]bool {
	out := make(map[string]bool, len(r.byName))
	for name := range r.byName {
		out[name] = true
	}
	return out
}

// Apply runs the mutator for name against root, starting from valueHash,
// and returns the resulting value root hash. An unknown name produces no
// state change (same root returned) rather than an error, per spec.md
// §4.G.4 "tombstone semantics": mutation-ID accounting must still advance
// even when the local mutator implementation isn't registered (e.g. during
// a rebase on a tab that hasn't loaded every mutator yet).
func (r *MutatorRegistry) Apply(cs btree.ChunkStore, fanout btree.Fanout, valueHash hash.Hash, name string, args chunk.Value) (hash.Hash, error) {
	fn, ok := r.byName[name]
	if !ok {
		return valueHash, nil
	}
	tx := &WriteTx{cs: cs, fanout: fanout, root: valueHash}
	if err := fn(tx, args); err != nil {
		return hash.Hash{}, err
	}
	return tx.root, nil
}
