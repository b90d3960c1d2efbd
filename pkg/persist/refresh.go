package persist

import (
	"fmt"

	"syncdb/pkg/btree"
	"syncdb/pkg/commit"
	"syncdb/pkg/dag"
)

// Refresh pulls the shared source's current main into the lazy dag and
// rebases this tab's pending local mutations on top of it, so a change
// persisted by another tab becomes visible here without losing unpersisted
// local writes (spec.md §4.I "Refresh"). It returns the diff between the
// old and new lazy main, for callers that want to fire it themselves; if a
// Hub is configured, Refresh also fires it directly.
func (m *Manager) Refresh() ([]btree.Op, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	oldMainHash, err := m.Lazy.GetHead(dag.HeadMain)
	if err != nil {
		return nil, fmt.Errorf("refresh: read lazy main: %w", err)
	}
	sharedMainHash, err := m.Source.GetHead(dag.HeadMain)
	if err != nil {
		return nil, fmt.Errorf("refresh: read source main: %w", err)
	}
	if sharedMainHash == oldMainHash {
		return nil, nil
	}

	oldMainCommit, err := commit.Load(m.Lazy, oldMainHash)
	if err != nil {
		return nil, fmt.Errorf("refresh: load old main: %w", err)
	}
	sharedMain, err := commit.Load(m.Source, sharedMainHash)
	if err != nil {
		return nil, fmt.Errorf("refresh: load shared main: %w", err)
	}
	sharedSnapHash, _, err := commit.BaseSnapshotFrom(m.Source, sharedMainHash)
	if err != nil {
		return nil, fmt.Errorf("refresh: shared base snapshot: %w", err)
	}

	chain, err := commit.LocalMutationsWithHashes(m.Lazy, oldMainHash)
	if err != nil {
		return nil, fmt.Errorf("refresh: walk local mutations: %w", err)
	}
	var pending []commit.ChainEntry
	for _, entry := range chain {
		sharedMID, err := commit.GetMutationID(m.Source, entry.Commit.ClientID, sharedMainHash)
		if err != nil {
			return nil, fmt.Errorf("refresh: shared mutation id: %w", err)
		}
		if entry.Commit.MutationID > sharedMID {
			pending = append(pending, entry)
		}
	}
	// chain walks newest-first; replay in the order the mutations were
	// originally made.
	for i, j := 0, len(pending)-1; i < j; i, j = i+1, j-1 {
		pending[i], pending[j] = pending[j], pending[i]
	}

	newHead := sharedMainHash
	newValueHash := sharedMain.ValueHash
	for _, orig := range pending {
		replayedValueHash, err := m.Mutators.Apply(m.Lazy, m.Fanout, newValueHash, orig.Commit.MutatorName, orig.Commit.MutatorArgs)
		if err != nil {
			return nil, fmt.Errorf("refresh: rebase mutator %q: %w", orig.Commit.MutatorName, err)
		}
		newValueHash = replayedValueHash

		rebased := commit.NewLocal(
			newHead, sharedSnapHash,
			orig.Commit.MutationID,
			orig.Commit.MutatorName, orig.Commit.MutatorArgs,
			orig.Hash,
			orig.Commit.Timestamp, orig.Commit.ClientID,
			newValueHash, sharedMain.Indexes,
		)
		rebasedHash, err := commit.Store(m.Lazy, rebased)
		if err != nil {
			return nil, fmt.Errorf("refresh: store rebased commit: %w", err)
		}
		newHead = rebasedHash
	}

	diffOps, err := btree.Diff(m.Lazy, oldMainCommit.ValueHash, newValueHash)
	if err != nil {
		return nil, fmt.Errorf("refresh: diff: %w", err)
	}

	m.Lazy.SetHead(dag.HeadMain, newHead)

	if m.Hub != nil {
		m.Hub.Fire(newValueHash, diffOps)
	}
	persistLog.Debug().Str("clientID", m.ClientID).Int("rebased", len(pending)).Msg("refreshed")
	return diffOps, nil
}
