// Package persist implements spec.md §4.I's Persist and Refresh: the
// two directions that keep a tab's lazy dag and the shared persistent
// Store in sync, without going anywhere near the network.
package persist

import (
	"fmt"
	stdsync "sync"
	"time"

	"syncdb/pkg/btree"
	"syncdb/pkg/chunk"
	"syncdb/pkg/client"
	"syncdb/pkg/commit"
	"syncdb/pkg/dag"
	"syncdb/pkg/hash"
	"syncdb/pkg/log"
	"syncdb/pkg/subscribe"
	"syncdb/pkg/sync"
)

var persistLog = log.Component("persist")

// Broadcaster announces this process's persist/refresh events to sibling
// tabs sharing the same database (spec.md §5 "persist channel"). A nil
// Broadcaster makes Persist/Refresh a single-tab no-op on that front.
type Broadcaster interface {
	BroadcastPersist(mainHash hash.Hash)
}

// Manager bridges one tab's lazy dag to the shared source Store.
type Manager struct {
	Lazy     *dag.LazyDag
	Source   *dag.Store
	Mutators *sync.MutatorRegistry
	Fanout   btree.Fanout
	Hub      *subscribe.Hub // fires Refresh's local diff; may be nil

	Broadcaster Broadcaster

	ClientID      string
	ClientGroupID string

	// NowMs overrides the clock used to timestamp minted local commits;
	// nil defaults to time.Now, mirroring client.Monitor's injectable
	// clock so tests can pin timestamps without sleeping.
	NowMs func() int64

	mu stdsync.Mutex // serializes Persist (spec.md §5 "persist() is serialized")
}

func (m *Manager) nowMs() int64 {
	if m.NowMs != nil {
		return m.NowMs()
	}
	return time.Now().UnixMilli()
}

// Mutate applies mutatorName to the lazy dag's current main and appends the
// result as a new local commit (spec.md §2's "mutate" entry point). It mints
// mutationID per spec.md §4.F's contract: one past whichever is larger of
// this client's most recently minted ID (commit.GetMutationID, walking the
// chain already under head) and its last server-acknowledged ID (the client
// group's LastServerAckdMutationIDs), so a mutate issued before this
// client's own previous mutations have been acknowledged never reuses an
// ID. It returns the new local commit's hash.
func (m *Manager) Mutate(mutatorName string, args chunk.Value) (hash.Hash, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	head, err := m.Lazy.GetHead(dag.HeadMain)
	if err != nil {
		return hash.Hash{}, fmt.Errorf("mutate: read lazy main: %w", err)
	}
	cur, err := commit.Load(m.Lazy, head)
	if err != nil {
		return hash.Hash{}, fmt.Errorf("mutate: load head commit: %w", err)
	}
	baseSnapHash, _, err := commit.BaseSnapshotFrom(m.Lazy, head)
	if err != nil {
		return hash.Hash{}, fmt.Errorf("mutate: base snapshot: %w", err)
	}

	lastMinted, err := commit.GetMutationID(m.Lazy, m.ClientID, head)
	if err != nil {
		return hash.Hash{}, fmt.Errorf("mutate: get mutation id: %w", err)
	}
	group, err := client.GetGroup(m.Source, m.ClientGroupID)
	if err != nil {
		group = client.ClientGroup{ID: m.ClientGroupID, LastServerAckdMutationIDs: map[string]uint64{}}
	}
	mutationID := lastMinted
	if acked := group.LastServerAckdMutationIDs[m.ClientID]; acked > mutationID {
		mutationID = acked
	}
	mutationID++

	newValueHash, err := m.Mutators.Apply(m.Lazy, m.Fanout, cur.ValueHash, mutatorName, args)
	if err != nil {
		return hash.Hash{}, fmt.Errorf("mutate: apply %q: %w", mutatorName, err)
	}

	local := commit.NewLocal(head, baseSnapHash, mutationID, mutatorName, args, hash.Hash{}, uint64(m.nowMs()), m.ClientID, newValueHash, cur.Indexes)
	localHash, err := commit.Store(m.Lazy, local)
	if err != nil {
		return hash.Hash{}, fmt.Errorf("mutate: store local commit: %w", err)
	}
	m.Lazy.SetHead(dag.HeadMain, localHash)

	persistLog.Debug().Str("clientID", m.ClientID).Uint64("mutationID", mutationID).Str("mutator", mutatorName).Msg("mutated")
	return localHash, nil
}

// Persist flushes every chunk reachable from the lazy dag's main head but
// absent from the source into the source, then updates the client and
// client-group records to reflect the new shared head (spec.md §4.I
// "Persist").
func (m *Manager) Persist() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	mainHash, err := m.Lazy.GetHead(dag.HeadMain)
	if err != nil {
		return fmt.Errorf("persist: read lazy main: %w", err)
	}

	tx, err := m.Source.Write()
	if err != nil {
		return fmt.Errorf("persist: open tx: %w", err)
	}

	for _, c := range m.Lazy.ChunksOnlyInLazy() {
		tx.PutChunk(c)
	}
	tx.SetHead(dag.HeadMain, mainHash)

	rec, err := client.GetClient(tx, m.ClientID)
	if err != nil {
		rec = client.Client{ID: m.ClientID, ClientGroupID: m.ClientGroupID}
	}
	rec.RefreshHashes = []hash.Hash{mainHash}
	rec.PersistHash = mainHash
	if err := client.PutClient(tx, rec); err != nil {
		tx.Rollback()
		return fmt.Errorf("persist: put client: %w", err)
	}

	group, err := client.GetGroup(tx, m.ClientGroupID)
	if err != nil {
		group = client.ClientGroup{
			ID:                        m.ClientGroupID,
			MutatorNames:              m.Mutators.Names(),
			MutationIDs:               map[string]uint64{},
			LastServerAckdMutationIDs: map[string]uint64{},
		}
	}
	group.HeadHash = mainHash
	if group.MutationIDs == nil {
		group.MutationIDs = map[string]uint64{}
	}
	chain, err := commit.LocalMutations(tx, mainHash)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("persist: walk local mutations: %w", err)
	}
	for _, c := range chain {
		if c.MutationID > group.MutationIDs[c.ClientID] {
			group.MutationIDs[c.ClientID] = c.MutationID
		}
	}
	if err := client.PutGroup(tx, group); err != nil {
		tx.Rollback()
		return fmt.Errorf("persist: put group: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("persist: commit: %w", err)
	}

	persistLog.Debug().Str("clientID", m.ClientID).Str("mainHash", mainHash.String()).Msg("persisted")
	if m.Broadcaster != nil {
		m.Broadcaster.BroadcastPersist(mainHash)
	}
	return nil
}
