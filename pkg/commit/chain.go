package commit

import (
	"fmt"

	"syncdb/pkg/hash"
)

// BaseSnapshotFrom walks basisHash pointers starting at h until it reaches
// a snapshot commit, returning that snapshot's hash and decoded form. Every
// local commit caches baseSnapshotHash precisely so this never has to walk
// more than one hop (spec.md §4.F).
func BaseSnapshotFrom(cs ChunkStore, h hash.Hash) (hash.Hash, Commit, error) {
	c, err := Load(cs, h)
	if err != nil {
		return hash.Hash{}, Commit{}, err
	}
	if c.Kind == KindSnapshot {
		return h, c, nil
	}
	return Load2(cs, c.BaseSnapshotHash)
}

// Load2 loads a commit and returns its own hash alongside it, a small
// convenience used by BaseSnapshotFrom's tail call.
func Load2(cs ChunkStore, h hash.Hash) (hash.Hash, Commit, error) {
	c, err := Load(cs, h)
	if err != nil {
		return hash.Hash{}, Commit{}, err
	}
	return h, c, nil
}

// LocalMutations returns the contiguous run of local commits reachable
// from h, in head-first (newest-first) order, stopping at the base
// snapshot.
func LocalMutations(cs ChunkStore, h hash.Hash) ([]Commit, error) {
	var out []Commit
	cur := h
	for {
		c, err := Load(cs, cur)
		if err != nil {
			return nil, err
		}
		if c.Kind == KindSnapshot {
			return out, nil
		}
		out = append(out, c)
		cur = c.BasisHash
	}
}

// ChainEntry pairs a local commit with its own hash, since LocalMutations
// discards it but callers that replay a commit elsewhere (rebase, refresh)
// need to reference the original as originalHash.
type ChainEntry struct {
	Hash   hash.Hash
	Commit Commit
}

// LocalMutationsWithHashes is LocalMutations but also returns each local
// commit's own hash, in head-first (newest-first) order.
func LocalMutationsWithHashes(cs ChunkStore, h hash.Hash) ([]ChainEntry, error) {
	var out []ChainEntry
	cur := h
	for {
		c, err := Load(cs, cur)
		if err != nil {
			return nil, err
		}
		if c.Kind == KindSnapshot {
			return out, nil
		}
		out = append(out, ChainEntry{Hash: cur, Commit: c})
		cur = c.BasisHash
	}
}

// GetMutationID returns the most recent mutationID committed for clientID
// along the chain starting at h, walking basis pointers with an early exit
// once a snapshot's lastMutationIDs is reached (spec.md §4.F).
func GetMutationID(cs ChunkStore, clientID string, h hash.Hash) (uint64, error) {
	cur := h
	for {
		c, err := Load(cs, cur)
		if err != nil {
			return 0, fmt.Errorf("commit: GetMutationID: %w", err)
		}
		if c.Kind == KindSnapshot {
			return c.LastMutationIDs[clientID], nil
		}
		if c.ClientID == clientID {
			return c.MutationID, nil
		}
		cur = c.BasisHash
	}
}
