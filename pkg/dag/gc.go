package dag

import (
	"syncdb/pkg/hash"
	"syncdb/pkg/kv"
)

// gc applies the reference-count delta implied by this transaction's head
// changes and cascades removal to any chunk whose refcount reaches zero.
//
// Each chunk's refcount equals (number of heads pointing at it) + (number of
// other chunks listing it in refs) — spec.md §4.C. A head move from oldHash
// to newHash decrements oldHash's count by one and increments newHash's by
// one; newly-put chunks increment the count of every hash in their Refs.
// Decrements that reach zero remove the chunk and recursively decrement its
// own refs.
func (tx *Tx) gc(oldHeads map[string]hash.Hash) error {
	deltas := make(map[hash.Hash]int64)

	for name, newHash := range tx.headSets {
		if !newHash.IsEmpty() {
			deltas[newHash]++
		}
		if old, ok := oldHeads[name]; ok && !old.IsEmpty() {
			deltas[old]--
		}
	}
	for name := range tx.headRemove {
		if old, ok := oldHeads[name]; ok && !old.IsEmpty() {
			deltas[old]--
		}
	}
	for h, c := range tx.puts {
		for _, r := range c.Refs() {
			if r != h {
				deltas[r]++
			}
		}
	}

	return tx.applyDeltas(deltas)
}

// applyDeltas updates refcounts for every hash in deltas, cascading to refs
// of any chunk whose count reaches zero, then deletes that chunk's record
// and refcount entry.
func (tx *Tx) applyDeltas(deltas map[hash.Hash]int64) error {
	queue := make([]hash.Hash, 0, len(deltas))
	for h := range deltas {
		queue = append(queue, h)
	}

	for len(queue) > 0 {
		h := queue[0]
		queue = queue[1:]

		delta, ok := deltas[h]
		if !ok || delta == 0 {
			continue
		}
		delete(deltas, h)

		current, err := readRefcount(tx.w, h)
		if err != nil {
			return err
		}
		newCount := current + delta
		if newCount <= 0 {
			if err := tx.removeChunk(h, &queue, deltas); err != nil {
				return err
			}
			continue
		}
		if err := tx.w.Put([]byte(refPrefix+h.String()), encodeRefcount(newCount)); err != nil {
			return err
		}
	}
	return nil
}

// removeChunk deletes a chunk whose refcount has reached zero and enqueues
// a -1 delta for each hash it referenced, cascading the GC.
func (tx *Tx) removeChunk(h hash.Hash, queue *[]hash.Hash, deltas map[hash.Hash]int64) error {
	c, err := tx.GetChunk(h)
	if err == kv.ErrKeyNotFound {
		// Already absent (e.g. staged-but-never-committed); nothing to cascade.
		if err := tx.w.Delete([]byte(refPrefix + h.String())); err != nil {
			return err
		}
		return nil
	}
	if err != nil {
		return err
	}

	if err := tx.w.Delete([]byte(chunkPrefix + h.String())); err != nil {
		return err
	}
	if err := tx.w.Delete([]byte(refPrefix + h.String())); err != nil {
		return err
	}

	for _, ref := range c.Refs() {
		deltas[ref] += -1
		*queue = append(*queue, ref)
	}
	return nil
}
