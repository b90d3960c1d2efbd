package sync

import (
	"context"
	"fmt"
	"sync"

	"syncdb/pkg/btree"
	"syncdb/pkg/chunk"
	"syncdb/pkg/client"
	"syncdb/pkg/commit"
	"syncdb/pkg/dag"
	"syncdb/pkg/hash"
	"syncdb/pkg/subscribe"
	"syncdb/pkg/syncerr"
)

// MaxReauthTries bounds how many times Engine calls HostCallbacks.GetAuth
// for a single 401 before giving up (spec.md §4.G.7, §5).
const MaxReauthTries = 8

// Options configures an Engine.
type Options struct {
	ProfileID     string
	ClientID      string
	ClientGroupID string
	SchemaVersion string
	Fanout        btree.Fanout
	MinDelayMs    int
	MaxDelayMs    int
}

// Engine runs the pull/push/poke protocol of spec.md §4.G against one dag
// Store, rebasing pending local mutations and firing subscriber diffs
// through an optional Hub.
type Engine struct {
	store     *dag.Store
	mutators  *MutatorRegistry
	puller    Puller
	pusher    Pusher
	hub       *subscribe.Hub
	callbacks HostCallbacks
	opts      Options
	auth      *authCache

	authBox *AuthTokenBox

	mu       sync.Mutex // serializes pull/push/poke, matching spec.md §5 "persist() is serialized"
	online   bool
	disabled bool // set on VersionNotSupported; cleared by Resume
}

// AuthBox returns the Engine's shared auth-token holder, for wiring into an
// HTTPPuller/HTTPPusher's AuthHeader closure.
func (e *Engine) AuthBox() *AuthTokenBox { return e.authBox }

// Resume clears a VersionNotSupported halt, letting Pull/Push proceed
// again once the host has decided how to handle the mismatch (spec.md
// §4.G.7).
func (e *Engine) Resume() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.disabled = false
}

// NewEngine constructs an Engine. hub may be nil, in which case finalized
// pulls produce no subscriber notifications.
func NewEngine(store *dag.Store, mutators *MutatorRegistry, puller Puller, pusher Pusher, hub *subscribe.Hub, callbacks HostCallbacks, opts Options) *Engine {
	if opts.Fanout.Max == 0 {
		opts.Fanout = btree.DefaultFanout
	}
	return &Engine{
		store:     store,
		mutators:  mutators,
		puller:    puller,
		pusher:    pusher,
		hub:       hub,
		callbacks: callbacks,
		opts:      opts,
		auth:      newAuthCache(),
		authBox:   &AuthTokenBox{},
		online:    true,
	}
}

// Online reports whether the most recent pull or push round trip reached
// the server.
func (e *Engine) Online() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.online
}

// setOnline updates online state and fires OnOnlineChange on a transition.
// Callers (pull, Push) already hold e.mu for the whole round trip.
func (e *Engine) setOnline(online bool) {
	changed := e.online != online
	e.online = online
	if changed {
		e.callbacks.fireOnlineChange(online)
	}
}

// PullResultKind classifies the outcome of a single Pull call.
type PullResultKind int

const (
	PullTransportError PullResultKind = iota
	PullClientStateNotFound
	PullVersionNotSupported
	PullApplied
	PullNoOp
	PullCookieMismatch
)

// PullResult is Pull's (and RunPull's) outcome.
type PullResult struct {
	Kind        PullResultKind
	SyncHead    hash.Hash
	VersionType string
	Diffs       []btree.Op
	IndexDiffs  map[string][]btree.Op
}

// Pull performs one round trip to the puller and, on a successful
// response, runs handlePullResponse (spec.md §4.G.1). It does not rebase
// pending mutations on its own; call RunPull to drive a full pull cycle.
func (e *Engine) Pull(ctx context.Context) (PullResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pull(ctx)
}

// pull is Pull's body, run without acquiring e.mu so RunPull/Poke (which
// hold the lock for the whole cycle) can call it directly.
func (e *Engine) pull(ctx context.Context) (PullResult, error) {
	if e.disabled {
		return PullResult{Kind: PullVersionNotSupported}, nil
	}

	mainHash, err := e.store.GetHead(dag.HeadMain)
	if err != nil {
		return PullResult{}, fmt.Errorf("sync: pull: read main: %w", err)
	}
	_, baseSnap, err := commit.BaseSnapshotFrom(e.store, mainHash)
	if err != nil {
		return PullResult{}, fmt.Errorf("sync: pull: base snapshot: %w", err)
	}
	baseCookie := baseSnap.Cookie

	req := PullRequest{
		PullVersion:   1,
		ProfileID:     e.opts.ProfileID,
		ClientGroupID: e.opts.ClientGroupID,
		Cookie:        baseCookie,
		SchemaVersion: e.opts.SchemaVersion,
	}

	resp, errResp, err := e.doPull(ctx, req)
	if err != nil {
		e.setOnline(false)
		return PullResult{Kind: PullTransportError}, err
	}
	e.setOnline(true)

	if errResp != nil {
		switch errResp.Error {
		case ErrorClientStateNotFound:
			if derr := e.disableGroup(); derr != nil {
				return PullResult{}, derr
			}
			e.callbacks.fireClientStateNotFound()
			return PullResult{Kind: PullClientStateNotFound}, nil
		case ErrorVersionNotSupported:
			// Unlike ClientStateNotFound, this halts the engine rather than
			// permanently disabling the client group: the host decides
			// whether to reload with a newer client, at which point Resume
			// lifts the halt.
			e.disabled = true
			e.callbacks.fireUpdateNeeded("pull", errResp.VersionType)
			return PullResult{Kind: PullVersionNotSupported, VersionType: errResp.VersionType}, nil
		default:
			return PullResult{}, fmt.Errorf("sync: pull: unrecognized error response %q", errResp.Error)
		}
	}

	return e.handlePullResponse(baseCookie, *resp)
}

// handlePullResponse is the heart of pull (spec.md §4.G.2): it validates
// the response against the current base snapshot and, on a genuine
// change, commits a new snapshot under head `sync`.
func (e *Engine) handlePullResponse(baseCookie chunk.Value, resp PullResponse) (PullResult, error) {
	tx, err := e.store.Write()
	if err != nil {
		return PullResult{}, fmt.Errorf("sync: handlePullResponse: open tx: %w", err)
	}

	mainHash, err := tx.GetHead(dag.HeadMain)
	if err != nil {
		tx.Rollback()
		return PullResult{}, fmt.Errorf("sync: handlePullResponse: read main: %w", err)
	}
	baseSnapHash, baseSnap, err := commit.BaseSnapshotFrom(tx, mainHash)
	if err != nil {
		tx.Rollback()
		return PullResult{}, fmt.Errorf("sync: handlePullResponse: base snapshot: %w", err)
	}

	if compareCookies(baseSnap.Cookie, baseCookie) != 0 {
		tx.Rollback()
		return PullResult{Kind: PullCookieMismatch}, nil
	}

	for cid, newLmid := range resp.LastMutationIDChanges {
		if newLmid < baseSnap.LastMutationIDs[cid] {
			tx.Rollback()
			return PullResult{}, syncerr.New(syncerr.KindConflict,
				fmt.Errorf("lastMutationID for %s went backwards: %d < %d", cid, newLmid, baseSnap.LastMutationIDs[cid]))
		}
	}

	if compareCookies(resp.Cookie, baseSnap.Cookie) < 0 {
		tx.Rollback()
		return PullResult{}, syncerr.New(syncerr.KindConflict,
			fmt.Errorf("received cookie %v is < last snapshot cookie %v; ignoring client view", resp.Cookie, baseSnap.Cookie))
	}

	if compareCookies(resp.Cookie, baseSnap.Cookie) == 0 {
		if len(resp.Patch) > 0 || len(resp.LastMutationIDChanges) > 0 {
			engineLog.Error().Msg("pull response carried patch/lastMutationID changes but cookie did not advance")
		}
		tx.Rollback()
		return PullResult{Kind: PullNoOp}, nil
	}

	mergedLmids := make(map[string]uint64, len(baseSnap.LastMutationIDs)+len(resp.LastMutationIDChanges))
	for cid, id := range baseSnap.LastMutationIDs {
		mergedLmids[cid] = id
	}
	for cid, id := range resp.LastMutationIDChanges {
		mergedLmids[cid] = id
	}

	newValueHash, err := applyPatch(tx, baseSnap.ValueHash, e.opts.Fanout, resp.Patch)
	if err != nil {
		tx.Rollback()
		return PullResult{}, fmt.Errorf("sync: handlePullResponse: apply patch: %w", err)
	}

	snap := commit.NewSnapshot(baseSnapHash, mergedLmids, resp.Cookie, newValueHash, baseSnap.Indexes)
	syncHash, err := commit.Store(tx, snap)
	if err != nil {
		tx.Rollback()
		return PullResult{}, fmt.Errorf("sync: handlePullResponse: store snapshot: %w", err)
	}
	tx.SetHead(dag.HeadSync, syncHash)

	if err := tx.Commit(); err != nil {
		return PullResult{}, fmt.Errorf("sync: handlePullResponse: commit: %w", err)
	}
	return PullResult{Kind: PullApplied, SyncHead: syncHash}, nil
}

// FinalizeResultKind classifies maybeEndPull's outcome.
type FinalizeResultKind int

const (
	FinalizeApplied FinalizeResultKind = iota
	FinalizePending
)

// FinalizeResult is maybeEndPull's outcome.
type FinalizeResult struct {
	Kind       FinalizeResultKind
	SyncHead   hash.Hash
	MainHead   hash.Hash
	Pending    []commit.ChainEntry // oldest-first replay order, set iff Kind == FinalizePending
	Diffs      []btree.Op
	IndexDiffs map[string][]btree.Op
}

// maybeEndPull implements spec.md §4.G.3: it either finalizes a pull
// (fast-forwarding main to sync and reporting diffs) or, if local
// mutations are pending on top of the old base, returns them for the
// caller to rebase one at a time.
func (e *Engine) maybeEndPull(expectedSyncHead hash.Hash) (FinalizeResult, error) {
	tx, err := e.store.Write()
	if err != nil {
		return FinalizeResult{}, fmt.Errorf("sync: maybeEndPull: open tx: %w", err)
	}

	syncHash, err := tx.GetHead(dag.HeadSync)
	if err != nil || syncHash != expectedSyncHead {
		tx.Rollback()
		return FinalizeResult{}, syncerr.New(syncerr.KindConflict, fmt.Errorf("sync head changed during pull"))
	}

	mainHash, err := tx.GetHead(dag.HeadMain)
	if err != nil {
		tx.Rollback()
		return FinalizeResult{}, fmt.Errorf("sync: maybeEndPull: read main: %w", err)
	}

	_, syncSnap, err := commit.BaseSnapshotFrom(tx, syncHash)
	if err != nil {
		tx.Rollback()
		return FinalizeResult{}, fmt.Errorf("sync: maybeEndPull: sync base snapshot: %w", err)
	}
	mainBaseSnapHash, _, err := commit.BaseSnapshotFrom(tx, mainHash)
	if err != nil {
		tx.Rollback()
		return FinalizeResult{}, fmt.Errorf("sync: maybeEndPull: main base snapshot: %w", err)
	}
	if mainBaseSnapHash != syncSnap.BasisHash {
		tx.Rollback()
		return FinalizeResult{}, syncerr.New(syncerr.KindConflict, fmt.Errorf("overlapping syncs"))
	}

	chain, err := commit.LocalMutationsWithHashes(tx, mainHash)
	if err != nil {
		tx.Rollback()
		return FinalizeResult{}, fmt.Errorf("sync: maybeEndPull: local mutations: %w", err)
	}

	var pending []commit.ChainEntry
	for _, entry := range chain {
		syncMID, err := commit.GetMutationID(tx, entry.Commit.ClientID, syncHash)
		if err != nil {
			tx.Rollback()
			return FinalizeResult{}, fmt.Errorf("sync: maybeEndPull: sync head mutation id: %w", err)
		}
		if entry.Commit.MutationID > syncMID {
			pending = append(pending, entry)
		}
	}
	// chain is newest-first; reverse the filtered subset into replay
	// (oldest-first) order.
	for i, j := 0, len(pending)-1; i < j; i, j = i+1, j-1 {
		pending[i], pending[j] = pending[j], pending[i]
	}

	if len(pending) > 0 {
		tx.Rollback()
		return FinalizeResult{Kind: FinalizePending, SyncHead: syncHash, MainHead: mainHash, Pending: pending}, nil
	}

	mainCommit, err := commit.Load(tx, mainHash)
	if err != nil {
		tx.Rollback()
		return FinalizeResult{}, fmt.Errorf("sync: maybeEndPull: load main commit: %w", err)
	}
	syncCommit, err := commit.Load(tx, syncHash)
	if err != nil {
		tx.Rollback()
		return FinalizeResult{}, fmt.Errorf("sync: maybeEndPull: load sync commit: %w", err)
	}

	diffOps, err := btree.Diff(tx, mainCommit.ValueHash, syncCommit.ValueHash)
	if err != nil {
		tx.Rollback()
		return FinalizeResult{}, fmt.Errorf("sync: maybeEndPull: value diff: %w", err)
	}

	indexDiffs := map[string][]btree.Op{}
	for _, idx := range syncCommit.Indexes {
		oldHash := hash.Hash{}
		for _, old := range mainCommit.Indexes {
			if old.Definition.Name == idx.Definition.Name {
				oldHash = old.ValueHash
			}
		}
		ops, err := btree.Diff(tx, oldHash, idx.ValueHash)
		if err != nil {
			tx.Rollback()
			return FinalizeResult{}, fmt.Errorf("sync: maybeEndPull: index %q diff: %w", idx.Definition.Name, err)
		}
		indexDiffs[idx.Definition.Name] = ops
	}

	tx.SetHead(dag.HeadMain, syncHash)
	tx.RemoveHead(dag.HeadSync)
	if err := tx.Commit(); err != nil {
		return FinalizeResult{}, fmt.Errorf("sync: maybeEndPull: commit: %w", err)
	}

	if e.hub != nil {
		e.hub.Fire(syncCommit.ValueHash, diffOps)
	}

	return FinalizeResult{Kind: FinalizeApplied, SyncHead: syncHash, MainHead: syncHash, Diffs: diffOps, IndexDiffs: indexDiffs}, nil
}

// rebaseOne replays a single pending local commit on top of the current
// sync head (spec.md §4.G.4), committing the result under `sync`.
func (e *Engine) rebaseOne(orig commit.ChainEntry) error {
	tx, err := e.store.Write()
	if err != nil {
		return fmt.Errorf("sync: rebase: open tx: %w", err)
	}

	syncHash, err := tx.GetHead(dag.HeadSync)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("sync: rebase: read sync: %w", err)
	}
	syncSnapHash, _, err := commit.BaseSnapshotFrom(tx, syncHash)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("sync: rebase: base snapshot: %w", err)
	}
	syncCommit, err := commit.Load(tx, syncHash)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("sync: rebase: load sync head: %w", err)
	}

	newValueHash, err := e.mutators.Apply(tx, e.opts.Fanout, syncCommit.ValueHash, orig.Commit.MutatorName, orig.Commit.MutatorArgs)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("sync: rebase: mutator %q: %w", orig.Commit.MutatorName, err)
	}

	rebased := commit.NewLocal(
		syncHash, syncSnapHash,
		orig.Commit.MutationID,
		orig.Commit.MutatorName, orig.Commit.MutatorArgs,
		orig.Hash,
		orig.Commit.Timestamp, orig.Commit.ClientID,
		newValueHash, syncCommit.Indexes,
	)
	rebasedHash, err := commit.Store(tx, rebased)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("sync: rebase: store: %w", err)
	}
	tx.SetHead(dag.HeadSync, rebasedHash)

	return tx.Commit()
}

// RunPull drives a full pull cycle: Pull, then maybeEndPull/rebase until
// either finalized or a non-Applied outcome is reached. It is the
// entry point a pull scheduler calls once per pullInterval tick.
func (e *Engine) RunPull(ctx context.Context) (PullResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.callbacks.fireSync(true)
	defer e.callbacks.fireSync(false)

	result, err := e.pull(ctx)
	if err != nil || result.Kind != PullApplied {
		return result, err
	}

	syncHead := result.SyncHead
	for {
		fin, err := e.maybeEndPull(syncHead)
		if err != nil {
			return PullResult{}, err
		}
		if fin.Kind == FinalizeApplied {
			return PullResult{Kind: PullApplied, SyncHead: fin.SyncHead, Diffs: fin.Diffs, IndexDiffs: fin.IndexDiffs}, nil
		}
		for _, orig := range fin.Pending {
			if err := e.rebaseOne(orig); err != nil {
				return PullResult{}, err
			}
		}
		newSyncHead, err := e.store.GetHead(dag.HeadSync)
		if err != nil {
			return PullResult{}, fmt.Errorf("sync: RunPull: read rebased sync head: %w", err)
		}
		syncHead = newSyncHead
	}
}

// PushResultKind classifies Push's outcome.
type PushResultKind int

const (
	PushTransportError PushResultKind = iota
	PushClientStateNotFound
	PushVersionNotSupported
	PushOK
	PushNothingPending
)

// PushResult is Push's outcome.
type PushResult struct {
	Kind        PushResultKind
	VersionType string
}

// Push gathers pending local mutations on top of the current main head and
// sends them to the pusher (spec.md §4.G.5). Mutations already acknowledged
// by the last known lastServerAckdMutationIDs for this client group are not
// resent. On ClientStateNotFound the client group is persisted as disabled
// and later Push calls return PushClientStateNotFound; on
// VersionNotSupported the engine halts Push and Pull until the host calls
// Resume.
func (e *Engine) Push(ctx context.Context) (PushResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.disabled {
		return PushResult{Kind: PushVersionNotSupported}, nil
	}

	mainHash, err := e.store.GetHead(dag.HeadMain)
	if err != nil {
		return PushResult{}, fmt.Errorf("sync: push: read main: %w", err)
	}

	group, err := client.GetGroup(e.store, e.opts.ClientGroupID)
	if err != nil {
		group = client.ClientGroup{ID: e.opts.ClientGroupID, LastServerAckdMutationIDs: map[string]uint64{}}
	}
	if group.Disabled {
		return PushResult{Kind: PushClientStateNotFound}, nil
	}

	chain, err := commit.LocalMutationsWithHashes(e.store, mainHash)
	if err != nil {
		return PushResult{}, fmt.Errorf("sync: push: local mutations: %w", err)
	}

	var pending []MutationDesc
	for i := len(chain) - 1; i >= 0; i-- {
		entry := chain[i]
		if entry.Commit.MutationID > group.LastServerAckdMutationIDs[entry.Commit.ClientID] {
			pending = append(pending, MutationDesc{
				ClientID:  entry.Commit.ClientID,
				ID:        entry.Commit.MutationID,
				Name:      entry.Commit.MutatorName,
				Args:      entry.Commit.MutatorArgs,
				Timestamp: entry.Commit.Timestamp,
			})
		}
	}
	if len(pending) == 0 {
		return PushResult{Kind: PushNothingPending}, nil
	}

	req := PushRequest{
		PushVersion:   1,
		ProfileID:     e.opts.ProfileID,
		ClientGroupID: e.opts.ClientGroupID,
		SchemaVersion: e.opts.SchemaVersion,
		Mutations:     pending,
	}

	errResp, err := e.doPush(ctx, req)
	if err != nil {
		e.setOnline(false)
		return PushResult{Kind: PushTransportError}, err
	}
	e.setOnline(true)

	if errResp != nil {
		switch errResp.Error {
		case ErrorClientStateNotFound:
			if derr := e.disableGroup(); derr != nil {
				return PushResult{}, derr
			}
			e.callbacks.fireClientStateNotFound()
			return PushResult{Kind: PushClientStateNotFound}, nil
		case ErrorVersionNotSupported:
			// Unlike ClientStateNotFound, this halts the engine rather than
			// permanently disabling the client group; see the matching
			// comment in pull.
			e.disabled = true
			e.callbacks.fireUpdateNeeded("push", errResp.VersionType)
			return PushResult{Kind: PushVersionNotSupported, VersionType: errResp.VersionType}, nil
		default:
			return PushResult{}, fmt.Errorf("sync: push: unrecognized error response %q", errResp.Error)
		}
	}

	return PushResult{Kind: PushOK}, nil
}

// disableGroup marks the engine's client group Disabled, persisting the
// flag so future sessions also see it (spec.md §4.G.7).
func (e *Engine) disableGroup() error {
	tx, err := e.store.Write()
	if err != nil {
		return fmt.Errorf("sync: disableGroup: open tx: %w", err)
	}
	group, err := client.GetGroup(tx, e.opts.ClientGroupID)
	if err != nil {
		group = client.ClientGroup{ID: e.opts.ClientGroupID, LastServerAckdMutationIDs: map[string]uint64{}}
	}
	group.Disabled = true
	if err := client.PutGroup(tx, group); err != nil {
		tx.Rollback()
		return fmt.Errorf("sync: disableGroup: put group: %w", err)
	}
	return tx.Commit()
}

// Poke handles a server-initiated pull response delivered out-of-band
// (spec.md §4.G.6).
func (e *Engine) Poke(ctx context.Context, baseCookie chunk.Value, resp PullResponse) (PullResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	result, err := e.handlePullResponse(baseCookie, resp)
	if err != nil {
		return result, err
	}
	if result.Kind != PullApplied {
		return result, nil
	}

	syncHead := result.SyncHead
	for {
		fin, err := e.maybeEndPull(syncHead)
		if err != nil {
			return PullResult{}, err
		}
		if fin.Kind == FinalizeApplied {
			return PullResult{Kind: PullApplied, SyncHead: fin.SyncHead, Diffs: fin.Diffs, IndexDiffs: fin.IndexDiffs}, nil
		}
		for _, orig := range fin.Pending {
			if err := e.rebaseOne(orig); err != nil {
				return PullResult{}, err
			}
		}
		newSyncHead, err := e.store.GetHead(dag.HeadSync)
		if err != nil {
			return PullResult{}, fmt.Errorf("sync: Poke: read rebased sync head: %w", err)
		}
		syncHead = newSyncHead
	}
}
