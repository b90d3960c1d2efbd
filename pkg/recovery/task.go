// Package recovery implements spec.md §4.J "Mutation Recovery": a
// background task that, for every sibling database this process knows
// about (via a client.Registry), pushes and pulls on behalf of abandoned
// client groups so their pending mutations still reach the server even
// after the tab/process that made them is gone.
package recovery

import (
	"context"
	"fmt"

	"syncdb/pkg/client"
	"syncdb/pkg/commit"
	"syncdb/pkg/dag"
	"syncdb/pkg/log"
	"syncdb/pkg/sync"
)

var recoveryLog = log.Component("recovery")

// OpenStoreFunc opens the dag.Store backing the database at path. The host
// supplies this since it owns the kv backend (bbolt, in-memory, ...) used
// for each known database.
type OpenStoreFunc func(path string) (*dag.Store, error)

// Task recovers pending mutations from client groups belonging to other
// processes (spec.md §4.J). SelfClientGroupID is skipped everywhere: a
// process never recovers its own group, only siblings'.
type Task struct {
	Registry          *client.Registry
	OpenStore         OpenStoreFunc
	Puller            sync.Puller
	Pusher            sync.Pusher
	ProfileID         string
	SchemaVersion     string
	SelfClientGroupID string
}

// Run scans every known database and recovers each of its non-self,
// non-disabled, pending client groups. Per-database and per-group failures
// are logged and skipped rather than aborting the whole scan: one
// unreachable sibling database must not block recovery for the rest.
func (t *Task) Run(ctx context.Context) error {
	paths, err := t.Registry.KnownDatabases()
	if err != nil {
		return fmt.Errorf("recovery: list known databases: %w", err)
	}

	for _, path := range paths {
		if err := t.recoverDatabase(ctx, path); err != nil {
			recoveryLog.Warn().Err(err).Str("path", path).Msg("recovery: database scan failed")
		}
	}
	return nil
}

func (t *Task) recoverDatabase(ctx context.Context, path string) error {
	store, err := t.OpenStore(path)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	groups, err := client.ListGroups(store)
	if err != nil {
		return fmt.Errorf("list groups: %w", err)
	}

	for groupID, group := range groups {
		if groupID == t.SelfClientGroupID || group.Disabled || !group.Pending() {
			continue
		}
		if err := t.recoverGroup(ctx, store, groupID, group); err != nil {
			recoveryLog.Warn().Err(err).Str("path", path).Str("clientGroupID", groupID).Msg("recovery: group recovery failed")
		}
	}
	return nil
}

// recoverGroup pushes groupID's pending mutations and pulls the server's
// updated lastMutationID view, writing back only lastServerAckdMutationIDs
// (spec.md §4.J: "never mutates another client's mutationIDs").
func (t *Task) recoverGroup(ctx context.Context, store *dag.Store, groupID string, group client.ClientGroup) error {
	lazy := dag.NewLazyDag(store, dag.DefaultRecoveryCacheBytes)

	chain, err := commit.LocalMutations(lazy, group.HeadHash)
	if err != nil {
		return fmt.Errorf("load chain: %w", err)
	}

	var pending []sync.MutationDesc
	for i := len(chain) - 1; i >= 0; i-- {
		c := chain[i]
		if c.MutationID > group.LastServerAckdMutationIDs[c.ClientID] {
			pending = append(pending, sync.MutationDesc{
				ClientID:  c.ClientID,
				ID:        c.MutationID,
				Name:      c.MutatorName,
				Args:      c.MutatorArgs,
				Timestamp: c.Timestamp,
			})
		}
	}
	if len(pending) == 0 {
		return nil
	}

	pushErr, err := t.Pusher.Push(ctx, sync.PushRequest{
		PushVersion:   1,
		ProfileID:     t.ProfileID,
		ClientGroupID: groupID,
		SchemaVersion: t.SchemaVersion,
		Mutations:     pending,
	})
	if err != nil {
		return fmt.Errorf("push: %w", err)
	}
	if pushErr != nil {
		return t.handleErrorResponse(store, groupID, pushErr)
	}

	_, baseSnap, err := commit.BaseSnapshotFrom(lazy, group.HeadHash)
	if err != nil {
		return fmt.Errorf("base snapshot: %w", err)
	}
	resp, pullErr, err := t.Puller.Pull(ctx, sync.PullRequest{
		PullVersion:   1,
		ProfileID:     t.ProfileID,
		ClientGroupID: groupID,
		Cookie:        baseSnap.Cookie,
		SchemaVersion: t.SchemaVersion,
	})
	if err != nil {
		return fmt.Errorf("pull: %w", err)
	}
	if pullErr != nil {
		return t.handleErrorResponse(store, groupID, pullErr)
	}
	if resp == nil || len(resp.LastMutationIDChanges) == 0 {
		return nil
	}

	return t.advanceAckdMutationIDs(store, groupID, resp.LastMutationIDChanges)
}

func (t *Task) handleErrorResponse(store *dag.Store, groupID string, errResp *sync.ErrorResponse) error {
	switch errResp.Error {
	case sync.ErrorClientStateNotFound, sync.ErrorVersionNotSupported:
		return t.disableGroup(store, groupID)
	default:
		return fmt.Errorf("unrecognized error response %q", errResp.Error)
	}
}

func (t *Task) disableGroup(store *dag.Store, groupID string) error {
	tx, err := store.Write()
	if err != nil {
		return fmt.Errorf("disable group: open tx: %w", err)
	}
	group, err := client.GetGroup(tx, groupID)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("disable group: get group: %w", err)
	}
	group.Disabled = true
	if err := client.PutGroup(tx, group); err != nil {
		tx.Rollback()
		return fmt.Errorf("disable group: put group: %w", err)
	}
	return tx.Commit()
}

func (t *Task) advanceAckdMutationIDs(store *dag.Store, groupID string, changes map[string]uint64) error {
	tx, err := store.Write()
	if err != nil {
		return fmt.Errorf("advance ackd ids: open tx: %w", err)
	}
	group, err := client.GetGroup(tx, groupID)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("advance ackd ids: get group: %w", err)
	}

	advanced := false
	if group.LastServerAckdMutationIDs == nil {
		group.LastServerAckdMutationIDs = map[string]uint64{}
	}
	for cid, newID := range changes {
		if newID > group.LastServerAckdMutationIDs[cid] {
			group.LastServerAckdMutationIDs[cid] = newID
			advanced = true
		}
	}
	if !advanced {
		tx.Rollback()
		return nil
	}
	if err := client.PutGroup(tx, group); err != nil {
		tx.Rollback()
		return fmt.Errorf("advance ackd ids: put group: %w", err)
	}
	return tx.Commit()
}
