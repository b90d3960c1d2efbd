package dag

import (
	"encoding/json"

	"syncdb/pkg/chunk"
	"syncdb/pkg/hash"
	"syncdb/pkg/kv"
)

// Tx accumulates chunk puts and head changes to be applied atomically by
// Commit, including the reference-count GC pass (spec.md §4.C).
type Tx struct {
	store *Store
	w     kv.Writer

	puts       map[hash.Hash]chunk.Chunk
	headSets   map[string]hash.Hash
	headRemove map[string]bool
}

// Write begins a new write transaction.
func (s *Store) Write() (*Tx, error) {
	w, err := s.kv.Write()
	if err != nil {
		return nil, err
	}
	return &Tx{
		store:      s,
		w:          w,
		puts:       make(map[hash.Hash]chunk.Chunk),
		headSets:   make(map[string]hash.Hash),
		headRemove: make(map[string]bool),
	}, nil
}

// PutChunk stages a chunk for insertion. Idempotent by hash.
func (tx *Tx) PutChunk(c chunk.Chunk) {
	tx.puts[c.Hash()] = c
}

// GetChunk reads a chunk, seeing this transaction's own staged puts first.
func (tx *Tx) GetChunk(h hash.Hash) (chunk.Chunk, error) {
	if c, ok := tx.puts[h]; ok {
		return c, nil
	}
	return readChunk(tx.w, h)
}

// GetHead reads a head, seeing this transaction's own staged changes first.
func (tx *Tx) GetHead(name string) (hash.Hash, error) {
	if tx.headRemove[name] {
		return hash.Hash{}, kv.ErrKeyNotFound
	}
	if h, ok := tx.headSets[name]; ok {
		return h, nil
	}
	return readHead(tx.w, name)
}

// SetHead stages a head update.
func (tx *Tx) SetHead(name string, h hash.Hash) {
	delete(tx.headRemove, name)
	tx.headSets[name] = h
}

// RemoveHead stages a head removal.
func (tx *Tx) RemoveHead(name string) {
	delete(tx.headSets, name)
	tx.headRemove[name] = true
}

// Rollback discards the transaction without applying any change.
func (tx *Tx) Rollback() error {
	return tx.w.Rollback()
}

// Commit flushes staged puts, applies head changes, then runs reference-
// count GC, all within the same underlying kv write transaction so the
// whole operation is atomic (spec.md §4.C).
func (tx *Tx) Commit() error {
	// 1. snapshot the previous value of every head we're changing, so we
	// know which old roots to decrement.
	oldHeads := make(map[string]hash.Hash)
	for name := range tx.headSets {
		if h, err := readHead(tx.w, name); err == nil {
			oldHeads[name] = h
		}
	}
	for name := range tx.headRemove {
		if h, err := readHead(tx.w, name); err == nil {
			oldHeads[name] = h
		}
	}

	// 2. write the new chunks.
	for h, c := range tx.puts {
		rec, err := encodeChunkRecord(c)
		if err != nil {
			return err
		}
		if err := tx.w.Put([]byte(chunkPrefix+h.String()), rec); err != nil {
			return err
		}
	}

	// 3. apply head changes.
	for name, h := range tx.headSets {
		if err := tx.w.Put([]byte(headPrefix+name), []byte(h.String())); err != nil {
			return err
		}
	}
	for name := range tx.headRemove {
		if err := tx.w.Delete([]byte(headPrefix + name)); err != nil {
			return err
		}
	}

	// 4. recompute refcounts for every newly-reachable root and decrement
	// the old roots, cascading removal of chunks that hit zero.
	if err := tx.gc(oldHeads); err != nil {
		return err
	}

	return tx.w.Commit()
}

func encodeChunkRecord(c chunk.Chunk) ([]byte, error) {
	data, err := c.Encode()
	if err != nil {
		return nil, err
	}
	refs := c.Refs()
	refStrs := make([]string, len(refs))
	for i, r := range refs {
		refStrs[i] = r.String()
	}
	return json.Marshal(chunkRecord{Data: data, Refs: refStrs})
}
