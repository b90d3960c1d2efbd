package sync

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"syncdb/pkg/btree"
	"syncdb/pkg/chunk"
	"syncdb/pkg/client"
	"syncdb/pkg/commit"
	"syncdb/pkg/dag"
	"syncdb/pkg/hash"
	"syncdb/pkg/kv"
)

func newTestStore(t *testing.T) *dag.Store {
	t.Helper()
	return dag.New(kv.NewMemStore())
}

// bootstrapRootSnapshot writes an empty root snapshot commit under `main`
// and returns its hash, matching how a freshly created database starts.
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

// stubPuller returns a fixed response (or error) on every call.
type stubPuller struct {
	resp *PullResponse
	err  *ErrorResponse
}

func (p *stubPuller) Pull(ctx context.Context, req PullRequest) (*PullResponse, *ErrorResponse, error) {
	return p.resp, p.err, nil
}

type stubPusher struct {
	got []PushRequest
	err *ErrorResponse
}

func (p *stubPusher) Push(ctx context.Context, req PushRequest) (*ErrorResponse, error) {
	p.got = append(p.got, req)
	return p.err, nil
}

func testEngine(s *dag.Store, puller Puller, pusher Pusher) *Engine {
	return NewEngine(s, NewMutatorRegistry(), puller, pusher, nil, HostCallbacks{}, Options{
		ProfileID:     "p1",
		ClientID:      "c1",
		ClientGroupID: "g1",
		SchemaVersion: "v1",
	})
}

func TestRunPullAppliesFreshSnapshotWithNoLocalMutations(t *testing.T) {
	s := newTestStore(t)
	bootstrapRootSnapshot(t, s)

	puller := &stubPuller{resp: &PullResponse{
		Cookie:                float64(1),
		LastMutationIDChanges: map[string]uint64{"c1": 1},
		Patch: []PatchOp{
			{Op: "put", Key: "k1", Value: "v1"},
		},
	}}
	e := testEngine(s, puller, nil)

	result, err := e.RunPull(context.Background())
	require.NoError(t, err)
	require.Equal(t, PullApplied, result.Kind)
	require.Len(t, result.Diffs, 1)
	require.Equal(t, btree.OpAdd, result.Diffs[0].Kind)
	require.Equal(t, "k1", result.Diffs[0].Key)

	mainHash, err := s.GetHead(dag.HeadMain)
	require.NoError(t, err)
	mainCommit, err := commit.Load(s, mainHash)
	require.NoError(t, err)
	v, err := btree.Get(s, mainCommit.ValueHash, "k1")
	require.NoError(t, err)
	require.Equal(t, "v1", v)

	_, err = s.GetHead(dag.HeadSync)
	require.Error(t, err, "sync head should be removed once finalized")
}

func TestRunPullNoOpWhenCookieUnchanged(t *testing.T) {
	s := newTestStore(t)
	bootstrapRootSnapshot(t, s)

	puller := &stubPuller{resp: &PullResponse{Cookie: nil}}
	e := testEngine(s, puller, nil)

	result, err := e.RunPull(context.Background())
	require.NoError(t, err)
	require.Equal(t, PullNoOp, result.Kind)
}

func TestRunPullRebasesPendingLocalMutation(t *testing.T) {
	s := newTestStore(t)
	rootHash := bootstrapRootSnapshot(t, s)

	mutators := NewMutatorRegistry()
	mutators.Register("setK2", func(tx *WriteTx, args chunk.Value) error {
		return tx.Put("k2", args)
	})

	// Simulate a pending local mutation already committed on main.
	tx, err := s.Write()
	require.NoError(t, err)
	rootCommit, err := commit.Load(tx, rootHash)
	require.NoError(t, err)
	newValueHash, err := btree.Put(tx, rootCommit.ValueHash, btree.DefaultFanout, "k2", "local-value")
	require.NoError(t, err)
	local := commit.NewLocal(rootHash, rootHash, 1, "setK2", "local-value", hash.Hash{}, 1000, "c1", newValueHash, nil)
	localHash, err := commit.Store(tx, local)
	require.NoError(t, err)
	tx.SetHead(dag.HeadMain, localHash)
	require.NoError(t, tx.Commit())

	puller := &stubPuller{resp: &PullResponse{
		Cookie:                float64(1),
		LastMutationIDChanges: map[string]uint64{}, // server hasn't seen c1's mutation 1 yet
		Patch: []PatchOp{
			{Op: "put", Key: "serverKey", Value: "serverValue"},
		},
	}}
	e := NewEngine(s, mutators, puller, nil, nil, HostCallbacks{}, Options{
		ProfileID: "p1", ClientID: "c1", ClientGroupID: "g1", SchemaVersion: "v1",
	})

	result, err := e.RunPull(context.Background())
	require.NoError(t, err)
	require.Equal(t, PullApplied, result.Kind)

	mainHash, err := s.GetHead(dag.HeadMain)
	require.NoError(t, err)
	mainCommit, err := commit.Load(s, mainHash)
	require.NoError(t, err)
	require.Equal(t, commit.KindLocal, mainCommit.Kind)
	require.Equal(t, uint64(1), mainCommit.MutationID)
	require.Equal(t, localHash, mainCommit.OriginalHash)

	v, err := btree.Get(s, mainCommit.ValueHash, "k2")
	require.NoError(t, err)
	require.Equal(t, "local-value", v, "rebased mutation should have replayed against the new base")

	v, err = btree.Get(s, mainCommit.ValueHash, "serverKey")
	require.NoError(t, err)
	require.Equal(t, "serverValue", v)
}

func TestRunPullRebaseTombstonesUnknownMutator(t *testing.T) {
	s := newTestStore(t)
	rootHash := bootstrapRootSnapshot(t, s)

	tx, err := s.Write()
	require.NoError(t, err)
	rootCommit, err := commit.Load(tx, rootHash)
	require.NoError(t, err)
	local := commit.NewLocal(rootHash, rootHash, 1, "neverRegistered", nil, hash.Hash{}, 1000, "c1", rootCommit.ValueHash, nil)
	localHash, err := commit.Store(tx, local)
	require.NoError(t, err)
	tx.SetHead(dag.HeadMain, localHash)
	require.NoError(t, tx.Commit())

	puller := &stubPuller{resp: &PullResponse{Cookie: float64(1)}}
	e := testEngine(s, puller, nil) // registry has no mutators registered

	result, err := e.RunPull(context.Background())
	require.NoError(t, err)
	require.Equal(t, PullApplied, result.Kind)

	mainHash, err := s.GetHead(dag.HeadMain)
	require.NoError(t, err)
	mainCommit, err := commit.Load(s, mainHash)
	require.NoError(t, err)
	require.Equal(t, uint64(1), mainCommit.MutationID, "mutation-ID accounting must still advance for an unregistered mutator")
}

func TestHandlePullResponseRejectsLastMutationIDGoingBackwards(t *testing.T) {
	s := newTestStore(t)
	bootstrapRootSnapshot(t, s)

	puller := &stubPuller{resp: &PullResponse{
		Cookie:                float64(1),
		LastMutationIDChanges: map[string]uint64{"c1": 1},
	}}
	e := testEngine(s, puller, nil)
	_, err := e.RunPull(context.Background())
	require.NoError(t, err)

	// A second pull reporting c1's lastMutationID going backwards to 0 must
	// be rejected as a conflict.
	puller.resp = &PullResponse{
		Cookie:                float64(2),
		LastMutationIDChanges: map[string]uint64{"c1": 0},
	}
	_, err = e.RunPull(context.Background())
	require.Error(t, err)
}

func TestPullVersionNotSupportedHaltsUntilResume(t *testing.T) {
	s := newTestStore(t)
	bootstrapRootSnapshot(t, s)

	var notified string
	puller := &stubPuller{err: &ErrorResponse{Error: ErrorVersionNotSupported, VersionType: "pull"}}
	pusher := &stubPusher{}
	e := NewEngine(s, NewMutatorRegistry(), puller, pusher, nil, HostCallbacks{
		OnUpdateNeeded: func(kind, versionType string) { notified = kind + ":" + versionType },
	}, Options{ProfileID: "p1", ClientGroupID: "g1"})

	result, err := e.RunPull(context.Background())
	require.NoError(t, err)
	require.Equal(t, PullVersionNotSupported, result.Kind)
	require.Equal(t, "pull:pull", notified)

	// Push should also halt immediately without touching the pusher.
	pushResult, err := e.Push(context.Background())
	require.NoError(t, err)
	require.Equal(t, PushVersionNotSupported, pushResult.Kind)
	require.Empty(t, pusher.got)

	e.Resume()
	pushResult, err = e.Push(context.Background())
	require.NoError(t, err)
	require.Equal(t, PushNothingPending, pushResult.Kind)
}

func TestPushSendsPendingMutationsAndSkipsWhenNone(t *testing.T) {
	s := newTestStore(t)
	rootHash := bootstrapRootSnapshot(t, s)

	pusher := &stubPusher{}
	e := testEngine(s, nil, pusher)

	result, err := e.Push(context.Background())
	require.NoError(t, err)
	require.Equal(t, PushNothingPending, result.Kind)
	require.Empty(t, pusher.got)

	tx, err := s.Write()
	require.NoError(t, err)
	rootCommit, err := commit.Load(tx, rootHash)
	require.NoError(t, err)
	local := commit.NewLocal(rootHash, rootHash, 1, "setK", "v", hash.Hash{}, 1000, "c1", rootCommit.ValueHash, nil)
	localHash, err := commit.Store(tx, local)
	require.NoError(t, err)
	tx.SetHead(dag.HeadMain, localHash)
	require.NoError(t, tx.Commit())

	result, err = e.Push(context.Background())
	require.NoError(t, err)
	require.Equal(t, PushOK, result.Kind)
	require.Len(t, pusher.got, 1)
	require.Len(t, pusher.got[0].Mutations, 1)
	require.Equal(t, "setK", pusher.got[0].Mutations[0].Name)
}

func TestPushDisablesGroupOnClientStateNotFound(t *testing.T) {
	s := newTestStore(t)
	rootHash := bootstrapRootSnapshot(t, s)

	tx, err := s.Write()
	require.NoError(t, err)
	rootCommit, err := commit.Load(tx, rootHash)
	require.NoError(t, err)
	local := commit.NewLocal(rootHash, rootHash, 1, "setK", "v", hash.Hash{}, 1000, "c1", rootCommit.ValueHash, nil)
	localHash, err := commit.Store(tx, local)
	require.NoError(t, err)
	tx.SetHead(dag.HeadMain, localHash)
	require.NoError(t, tx.Commit())

	var notified bool
	pusher := &stubPusher{err: &ErrorResponse{Error: ErrorClientStateNotFound}}
	e := NewEngine(s, NewMutatorRegistry(), nil, pusher, nil, HostCallbacks{
		OnClientStateNotFound: func() { notified = true },
	}, Options{ProfileID: "p1", ClientGroupID: "g1"})

	result, err := e.Push(context.Background())
	require.NoError(t, err)
	require.Equal(t, PushClientStateNotFound, result.Kind)
	require.True(t, notified)

	group, err := client.GetGroup(s, "g1")
	require.NoError(t, err)
	require.True(t, group.Disabled)
}

func TestPokeAppliesServerInitiatedSnapshot(t *testing.T) {
	s := newTestStore(t)
	bootstrapRootSnapshot(t, s)
	e := testEngine(s, nil, nil)

	result, err := e.Poke(context.Background(), nil, PullResponse{
		Cookie: float64(1),
		Patch:  []PatchOp{{Op: "put", Key: "poked", Value: "yes"}},
	})
	require.NoError(t, err)
	require.Equal(t, PullApplied, result.Kind)

	mainHash, err := s.GetHead(dag.HeadMain)
	require.NoError(t, err)
	mainCommit, err := commit.Load(s, mainHash)
	require.NoError(t, err)
	v, err := btree.Get(s, mainCommit.ValueHash, "poked")
	require.NoError(t, err)
	require.Equal(t, "yes", v)
}
