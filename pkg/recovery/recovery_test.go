package recovery

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"syncdb/pkg/btree"
	"syncdb/pkg/client"
	"syncdb/pkg/commit"
	"syncdb/pkg/dag"
	"syncdb/pkg/hash"
	"syncdb/pkg/kv"
	"syncdb/pkg/sync"
)

func newTestStore(t *testing.T) *dag.Store {
	t.Helper()
	return dag.New(kv.NewMemStore())
}

func bootstrapRootSnapshot(t *testing.T, s *dag.Store) hash.Hash {
	t.Helper()
	tx, err := s.Write()
	require.NoError(t, err)
	emptyRoot, err := btree.NewEmpty(tx)
	require.NoError(t, err)
	snap := commit.NewSnapshot(hash.Hash{}, map[string]uint64{}, nil, emptyRoot, nil)
	h, err := commit.Store(tx, snap)
	require.NoError(t, err)
	tx.SetHead(dag.HeadMain, h)
	require.NoError(t, tx.Commit())
	return h
}

// commitLocalMutation writes a local commit for clientID on top of basis,
// returning its hash, without touching any head.
func commitLocalMutation(t *testing.T, s *dag.Store, basis hash.Hash, clientID string, mutationID uint64) hash.Hash {
	t.Helper()
	tx, err := s.Write()
	require.NoError(t, err)
	basisCommit, err := commit.Load(tx, basis)
	require.NoError(t, err)
	local := commit.NewLocal(basis, basis, mutationID, "inc", float64(mutationID), hash.Hash{}, uint64(1000*mutationID), clientID, basisCommit.ValueHash, nil)
	h, err := commit.Store(tx, local)
	require.NoError(t, err)
	require.NoError(t, tx.Commit())
	return h
}

func putGroup(t *testing.T, s *dag.Store, g client.ClientGroup) {
	t.Helper()
	tx, err := s.Write()
	require.NoError(t, err)
	require.NoError(t, client.PutGroup(tx, g))
	require.NoError(t, tx.Commit())
}

type stubPuller struct {
	resp *sync.PullResponse
	err  *sync.ErrorResponse
}

func (p *stubPuller) Pull(ctx context.Context, req sync.PullRequest) (*sync.PullResponse, *sync.ErrorResponse, error) {
	return p.resp, p.err, nil
}

type stubPusher struct {
	got []sync.PushRequest
	err *sync.ErrorResponse
}

func (p *stubPusher) Push(ctx context.Context, req sync.PushRequest) (*sync.ErrorResponse, error) {
	p.got = append(p.got, req)
	return p.err, nil
}

func TestRecoverGroupPushesPendingMutationsAndAdvancesAckdIDs(t *testing.T) {
	s := newTestStore(t)
	rootHash := bootstrapRootSnapshot(t, s)
	headHash := commitLocalMutation(t, s, rootHash, "sibling-client", 1)

	putGroup(t, s, client.ClientGroup{
		ID:                        "sibling-group",
		HeadHash:                  headHash,
		MutationIDs:               map[string]uint64{"sibling-client": 1},
		LastServerAckdMutationIDs: map[string]uint64{},
	})

	puller := &stubPuller{resp: &sync.PullResponse{LastMutationIDChanges: map[string]uint64{"sibling-client": 1}}}
	pusher := &stubPusher{}
	task := &Task{
		Registry:          nil,
		OpenStore:         func(string) (*dag.Store, error) { return s, nil },
		Puller:            puller,
		Pusher:            pusher,
		ProfileID:         "p1",
		SchemaVersion:     "v1",
		SelfClientGroupID: "self-group",
	}

	group, err := client.GetGroup(s, "sibling-group")
	require.NoError(t, err)
	err = task.recoverGroup(context.Background(), s, "sibling-group", group)
	require.NoError(t, err)

	require.Len(t, pusher.got, 1)
	require.Len(t, pusher.got[0].Mutations, 1)
	require.Equal(t, "sibling-client", pusher.got[0].Mutations[0].ClientID)
	require.Equal(t, uint64(1), pusher.got[0].Mutations[0].ID)

	updated, err := client.GetGroup(s, "sibling-group")
	require.NoError(t, err)
	require.Equal(t, uint64(1), updated.LastServerAckdMutationIDs["sibling-client"])
	// Recovery never touches mutationIDs itself.
	require.Equal(t, uint64(1), updated.MutationIDs["sibling-client"])
}

func TestRecoverGroupSkipsWhenNothingPending(t *testing.T) {
	s := newTestStore(t)
	rootHash := bootstrapRootSnapshot(t, s)

	putGroup(t, s, client.ClientGroup{
		ID:                        "caught-up-group",
		HeadHash:                  rootHash,
		MutationIDs:               map[string]uint64{"c1": 1},
		LastServerAckdMutationIDs: map[string]uint64{"c1": 1},
	})

	pusher := &stubPusher{}
	task := &Task{
		OpenStore: func(string) (*dag.Store, error) { return s, nil },
		Pusher:    pusher,
	}

	group, err := client.GetGroup(s, "caught-up-group")
	require.NoError(t, err)
	require.False(t, group.Pending())

	err = task.recoverGroup(context.Background(), s, "caught-up-group", group)
	require.NoError(t, err)
	require.Empty(t, pusher.got, "a group with no commits past its ackd mutation IDs must never be pushed")
}

func TestRecoverGroupDisablesGroupOnClientStateNotFound(t *testing.T) {
	s := newTestStore(t)
	rootHash := bootstrapRootSnapshot(t, s)
	headHash := commitLocalMutation(t, s, rootHash, "sibling-client", 1)

	putGroup(t, s, client.ClientGroup{
		ID:                        "sibling-group",
		HeadHash:                  headHash,
		MutationIDs:               map[string]uint64{"sibling-client": 1},
		LastServerAckdMutationIDs: map[string]uint64{},
	})

	pusher := &stubPusher{err: &sync.ErrorResponse{Error: sync.ErrorClientStateNotFound}}
	task := &Task{
		OpenStore: func(string) (*dag.Store, error) { return s, nil },
		Pusher:    pusher,
	}

	group, err := client.GetGroup(s, "sibling-group")
	require.NoError(t, err)
	err = task.recoverGroup(context.Background(), s, "sibling-group", group)
	require.NoError(t, err)

	updated, err := client.GetGroup(s, "sibling-group")
	require.NoError(t, err)
	require.True(t, updated.Disabled)
}

func TestRunSkipsSelfAndDisabledAndNonPendingGroups(t *testing.T) {
	s := newTestStore(t)
	rootHash := bootstrapRootSnapshot(t, s)
	selfHead := commitLocalMutation(t, s, rootHash, "self-client", 1)
	disabledHead := commitLocalMutation(t, s, rootHash, "disabled-client", 1)

	putGroup(t, s, client.ClientGroup{
		ID:                        "self-group",
		HeadHash:                  selfHead,
		MutationIDs:               map[string]uint64{"self-client": 1},
		LastServerAckdMutationIDs: map[string]uint64{},
	})
	putGroup(t, s, client.ClientGroup{
		ID:                        "disabled-group",
		HeadHash:                  disabledHead,
		MutationIDs:               map[string]uint64{"disabled-client": 1},
		LastServerAckdMutationIDs: map[string]uint64{},
		Disabled:                  true,
	})
	putGroup(t, s, client.ClientGroup{
		ID:                        "caught-up-group",
		HeadHash:                  rootHash,
		MutationIDs:               map[string]uint64{"c1": 1},
		LastServerAckdMutationIDs: map[string]uint64{"c1": 1},
	})

	pusher := &stubPusher{}
	task := &Task{
		OpenStore:         func(string) (*dag.Store, error) { return s, nil },
		Pusher:            pusher,
		SelfClientGroupID: "self-group",
	}

	err := task.recoverDatabase(context.Background(), "irrelevant-path")
	require.NoError(t, err)
	require.Empty(t, pusher.got, "self, disabled, and non-pending groups must never be pushed")
}
