package btree

import (
	"encoding/binary"

	"syncdb/pkg/chunk"
	"syncdb/pkg/hash"
)

// resolveFanout fills in DefaultFanout for any zero field.
func resolveFanout(f Fanout) Fanout {
	if f.Min == 0 {
		f.Min = DefaultFanout.Min
	}
	if f.Max == 0 {
		f.Max = DefaultFanout.Max
	}
	return f
}

// Put inserts or replaces key's value under root and returns the new root
// hash. The original root and every chunk reachable from it are left
// untouched; only the path from the new root to the changed leaf is
// rewritten (spec.md §4.E structural sharing).
func Put(cs ChunkStore, root hash.Hash, fanout Fanout, key string, value chunk.Value) (hash.Hash, error) {
	fanout = resolveFanout(fanout)
	n, err := loadNode(cs, root)
	if err != nil {
		return hash.Hash{}, err
	}

	replacement, err := putNode(cs, n, key, value, fanout)
	if err != nil {
		return hash.Hash{}, err
	}
	if len(replacement) == 1 {
		return replacement[0].store(cs)
	}

	children := make([]childRef, 0, len(replacement))
	for _, rn := range replacement {
		h, err := rn.store(cs)
		if err != nil {
			return hash.Hash{}, err
		}
		children = append(children, childRef{MaxKey: rn.maxKey(), Hash: h})
	}
	newRoot := &node{leaf: false, children: children}
	return newRoot.store(cs)
}

// putNode returns the node(s) that replace n once key/value is applied: one
// node if n still fits within fanout.Max, more if it had to split.
func putNode(cs ChunkStore, n *node, key string, value chunk.Value, fanout Fanout) ([]*node, error) {
	if n.leaf {
		return splitLeafIfNeeded(putLeafEntry(n, key, value), fanout), nil
	}

	idx := searchChildren(n.children, key)
	child, err := loadNode(cs, n.children[idx].Hash)
	if err != nil {
		return nil, err
	}
	replacement, err := putNode(cs, child, key, value, fanout)
	if err != nil {
		return nil, err
	}

	newRefs := make([]childRef, 0, len(replacement))
	for _, rn := range replacement {
		h, err := rn.store(cs)
		if err != nil {
			return nil, err
		}
		newRefs = append(newRefs, childRef{MaxKey: rn.maxKey(), Hash: h})
	}

	children := make([]childRef, 0, len(n.children)-1+len(newRefs))
	children = append(children, n.children[:idx]...)
	children = append(children, newRefs...)
	children = append(children, n.children[idx+1:]...)

	return splitInternalIfNeeded(&node{leaf: false, children: children}, fanout), nil
}

// putLeafEntry returns a copy of n's entries with key/value inserted or
// replacing an existing entry, keeping sort order.
func putLeafEntry(n *node, key string, value chunk.Value) *node {
	entries := make([]entry, len(n.entries))
	copy(entries, n.entries)

	idx := searchEntries(entries, key)
	if idx < len(entries) && entries[idx].Key == key {
		entries[idx] = entry{Key: key, Value: value}
		return &node{leaf: true, entries: entries}
	}

	entries = append(entries, entry{})
	copy(entries[idx+1:], entries[idx:])
	entries[idx] = entry{Key: key, Value: value}
	return &node{leaf: true, entries: entries}
}

// boundaryWeight derives a content-defined split weight from a key's own
// bytes, the same way pkg/chunker's Buzhash derives a weight from a rolling
// hash of byte content. The key decides entirely on its own: never its
// position among siblings, never its neighbors.
func boundaryWeight(key string) uint32 {
	sum := hash.Of([]byte(key))
	return binary.BigEndian.Uint32(sum[:4])
}

// isBoundaryKey reports whether key is a natural split point at the given
// fanout, targeting an average run length of fanout.Max the way
// Buzhash.IsBoundary targets TargetSize (chunker.go). Because the test only
// ever looks at the key itself, two nodes holding the same final key set
// split at the same boundaries regardless of the order keys arrived in.
func isBoundaryKey(key string, fanout Fanout) bool {
	return boundaryWeight(key)%uint32(fanout.Max) == 0
}

// splitPoints partitions n items into content-defined groups: a group closes
// at the first boundary item once it holds at least fanout.Min items, and is
// forced closed at fanout.Max regardless. isBoundary(i) reports whether item
// i is a boundary. The result is a pure function of the items' own content
// (spec.md §8), never of n alone or of how the items were assembled.
func splitPoints(n int, fanout Fanout, isBoundary func(i int) bool) []int {
	if n <= fanout.Max {
		return []int{n}
	}
	limit := fanout.Max
	if n-limit < fanout.Min {
		limit = n - fanout.Min
	}
	cut := limit
	for i := fanout.Min - 1; i < limit; i++ {
		if isBoundary(i) {
			cut = i + 1
			break
		}
	}
	rest := splitPoints(n-cut, fanout, func(i int) bool { return isBoundary(i + cut) })
	return append([]int{cut}, rest...)
}

func splitLeafIfNeeded(n *node, fanout Fanout) []*node {
	sizes := splitPoints(len(n.entries), fanout, func(i int) bool {
		return isBoundaryKey(n.entries[i].Key, fanout)
	})
	if len(sizes) == 1 {
		return []*node{n}
	}
	out := make([]*node, 0, len(sizes))
	start := 0
	for _, sz := range sizes {
		out = append(out, &node{leaf: true, entries: n.entries[start : start+sz]})
		start += sz
	}
	return out
}

func splitInternalIfNeeded(n *node, fanout Fanout) []*node {
	sizes := splitPoints(len(n.children), fanout, func(i int) bool {
		return isBoundaryKey(n.children[i].MaxKey, fanout)
	})
	if len(sizes) == 1 {
		return []*node{n}
	}
	out := make([]*node, 0, len(sizes))
	start := 0
	for _, sz := range sizes {
		out = append(out, &node{leaf: false, children: n.children[start : start+sz]})
		start += sz
	}
	return out
}

// Del removes key from root and returns the new root hash and whether key
// was present. Deleting an absent key is a no-op: the returned hash equals
// root.
func Del(cs ChunkStore, root hash.Hash, fanout Fanout, key string) (hash.Hash, bool, error) {
	fanout = resolveFanout(fanout)
	n, err := loadNode(cs, root)
	if err != nil {
		return hash.Hash{}, false, err
	}

	newRoot, found, err := delNode(cs, n, key, fanout)
	if err != nil {
		return hash.Hash{}, false, err
	}
	if !found {
		return root, false, nil
	}

	// Collapse a root that has been whittled down to a single child; the
	// fanout.Min floor applies to non-root nodes only.
	for !newRoot.leaf && len(newRoot.children) == 1 {
		child, err := loadNode(cs, newRoot.children[0].Hash)
		if err != nil {
			return hash.Hash{}, false, err
		}
		newRoot = child
	}

	h, err := newRoot.store(cs)
	if err != nil {
		return hash.Hash{}, false, err
	}
	return h, true, nil
}

// delNode removes key from the subtree rooted at n, rebalancing any child
// that underflows fanout.Min by borrowing from a sibling or merging with
// one. found reports whether key was present; when it is false, n is
// returned unchanged so the caller can avoid rewriting an untouched chunk.
func delNode(cs ChunkStore, n *node, key string, fanout Fanout) (*node, bool, error) {
	if n.leaf {
		idx := searchEntries(n.entries, key)
		if idx >= len(n.entries) || n.entries[idx].Key != key {
			return n, false, nil
		}
		entries := make([]entry, 0, len(n.entries)-1)
		entries = append(entries, n.entries[:idx]...)
		entries = append(entries, n.entries[idx+1:]...)
		return &node{leaf: true, entries: entries}, true, nil
	}

	idx := searchChildren(n.children, key)
	child, err := loadNode(cs, n.children[idx].Hash)
	if err != nil {
		return nil, false, err
	}
	newChild, found, err := delNode(cs, child, key, fanout)
	if err != nil {
		return nil, false, err
	}
	if !found {
		return n, false, nil
	}

	children := make([]childRef, len(n.children))
	copy(children, n.children)

	if newChild.size() >= fanout.Min || len(children) == 1 {
		h, err := newChild.store(cs)
		if err != nil {
			return nil, false, err
		}
		children[idx] = childRef{MaxKey: newChild.maxKey(), Hash: h}
		return &node{leaf: false, children: children}, true, nil
	}

	rebalanced, err := rebalance(cs, children, idx, newChild, fanout)
	if err != nil {
		return nil, false, err
	}
	return &node{leaf: false, children: rebalanced}, true, nil
}

// rebalance replaces children[idx] (already updated to child, which
// underflows fanout.Min) by borrowing an item from an adjacent sibling, or
// failing that, merging child into a sibling.
func rebalance(cs ChunkStore, children []childRef, idx int, child *node, fanout Fanout) ([]childRef, error) {
	if idx > 0 {
		left, err := loadNode(cs, children[idx-1].Hash)
		if err != nil {
			return nil, err
		}
		if left.size() > fanout.Min {
			return borrowLeft(cs, children, idx, left, child)
		}
	}
	if idx < len(children)-1 {
		right, err := loadNode(cs, children[idx+1].Hash)
		if err != nil {
			return nil, err
		}
		if right.size() > fanout.Min {
			return borrowRight(cs, children, idx, child, right)
		}
	}
	if idx > 0 {
		left, err := loadNode(cs, children[idx-1].Hash)
		if err != nil {
			return nil, err
		}
		return mergeSiblings(cs, children, idx-1, left, child)
	}
	right, err := loadNode(cs, children[idx+1].Hash)
	if err != nil {
		return nil, err
	}
	return mergeSiblings(cs, children, idx, child, right)
}

func borrowLeft(cs ChunkStore, children []childRef, idx int, left, child *node) ([]childRef, error) {
	var newLeft, newChild *node
	if left.leaf {
		n := len(left.entries) - 1
		moved := left.entries[n]
		newLeft = &node{leaf: true, entries: left.entries[:n]}
		newChild = &node{leaf: true, entries: append([]entry{moved}, child.entries...)}
	} else {
		n := len(left.children) - 1
		moved := left.children[n]
		newLeft = &node{leaf: false, children: left.children[:n]}
		newChild = &node{leaf: false, children: append([]childRef{moved}, child.children...)}
	}
	return storeReplacement(cs, children, idx-1, newLeft, idx, newChild)
}

func borrowRight(cs ChunkStore, children []childRef, idx int, child, right *node) ([]childRef, error) {
	var newChild, newRight *node
	if right.leaf {
		moved := right.entries[0]
		newRight = &node{leaf: true, entries: right.entries[1:]}
		newChild = &node{leaf: true, entries: append(append([]entry{}, child.entries...), moved)}
	} else {
		moved := right.children[0]
		newRight = &node{leaf: false, children: right.children[1:]}
		newChild = &node{leaf: false, children: append(append([]childRef{}, child.children...), moved)}
	}
	return storeReplacement(cs, children, idx, newChild, idx+1, newRight)
}

// mergeSiblings combines children[leftIdx] (already-loaded left) and
// children[leftIdx+1] (already-loaded right) into a single child, shrinking
// the children slice by one.
func mergeSiblings(cs ChunkStore, children []childRef, leftIdx int, left, right *node) ([]childRef, error) {
	var merged *node
	if left.leaf {
		merged = &node{leaf: true, entries: append(append([]entry{}, left.entries...), right.entries...)}
	} else {
		merged = &node{leaf: false, children: append(append([]childRef{}, left.children...), right.children...)}
	}
	h, err := merged.store(cs)
	if err != nil {
		return nil, err
	}
	out := make([]childRef, 0, len(children)-1)
	out = append(out, children[:leftIdx]...)
	out = append(out, childRef{MaxKey: merged.maxKey(), Hash: h})
	out = append(out, children[leftIdx+2:]...)
	return out, nil
}

func storeReplacement(cs ChunkStore, children []childRef, i int, a *node, j int, b *node) ([]childRef, error) {
	out := make([]childRef, len(children))
	copy(out, children)
	ah, err := a.store(cs)
	if err != nil {
		return nil, err
	}
	bh, err := b.store(cs)
	if err != nil {
		return nil, err
	}
	out[i] = childRef{MaxKey: a.maxKey(), Hash: ah}
	out[j] = childRef{MaxKey: b.maxKey(), Hash: bh}
	return out, nil
}

// Clear returns the hash of an empty tree, discarding all entries.
func Clear(cs ChunkStore) (hash.Hash, error) {
	return NewEmpty(cs)
}
