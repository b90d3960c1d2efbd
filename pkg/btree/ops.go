package btree

import (
	"syncdb/pkg/chunk"
	"syncdb/pkg/hash"
)

// notFoundError is returned by Get when the key is absent; test for it
// with IsNotFound.
type notFoundError struct{ key string }

func (e notFoundError) Error() string { return "btree: key not found: " + e.key }

// IsNotFound reports whether err is a not-found error from Get.
func IsNotFound(err error) bool {
	_, ok := err.(notFoundError)
	return ok
}

// Get returns the value stored at key under root, or a not-found error.
func Get(cs ChunkStore, root hash.Hash, key string) (chunk.Value, error) {
	n, err := loadNode(cs, root)
	if err != nil {
		return nil, err
	}
	for !n.leaf {
		idx := searchChildren(n.children, key)
		child, err := loadNode(cs, n.children[idx].Hash)
		if err != nil {
			return nil, err
		}
		n = child
	}
	idx := searchEntries(n.entries, key)
	if idx < len(n.entries) && n.entries[idx].Key == key {
		return n.entries[idx].Value, nil
	}
	return nil, notFoundError{key: key}
}

// Has reports whether key is present under root.
func Has(cs ChunkStore, root hash.Hash, key string) (bool, error) {
	_, err := Get(cs, root, key)
	if err == nil {
		return true, nil
	}
	if IsNotFound(err) {
		return false, nil
	}
	return false, err
}

// Scan calls fn for every (key, value) at or after startKey in ascending
// order, until fn returns false or the tree is exhausted.
func Scan(cs ChunkStore, root hash.Hash, startKey string, fn func(key string, value chunk.Value) bool) error {
	n, err := loadNode(cs, root)
	if err != nil {
		return err
	}
	_, err = scanNode(cs, n, startKey, fn)
	return err
}

// scanNode returns false to signal the caller (and its callers) to stop.
func scanNode(cs ChunkStore, n *node, startKey string, fn func(string, chunk.Value) bool) (bool, error) {
	if n.leaf {
		idx := searchEntries(n.entries, startKey)
		for _, e := range n.entries[idx:] {
			if !fn(e.Key, e.Value) {
				return false, nil
			}
		}
		return true, nil
	}

	start := 0
	if startKey != "" {
		start = searchChildren(n.children, startKey)
	}
	for i := start; i < len(n.children); i++ {
		child, err := loadNode(cs, n.children[i].Hash)
		if err != nil {
			return false, err
		}
		cont, err := scanNode(cs, child, startKey, fn)
		if err != nil {
			return false, err
		}
		if !cont {
			return false, nil
		}
	}
	return true, nil
}

// GetAll collects every (key, value) pair under root, in ascending order.
// Intended for small trees (tests, demo tooling); production callers should
// prefer Scan with an early-exit fn.
func GetAll(cs ChunkStore, root hash.Hash) ([]chunk.Value, []string, error) {
	var keys []string
	var values []chunk.Value
	err := Scan(cs, root, "", func(k string, v chunk.Value) bool {
		keys = append(keys, k)
		values = append(values, v)
		return true
	})
	return values, keys, err
}
