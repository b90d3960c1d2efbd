// Package client implements the client/client-group lifecycle of spec.md
// §4.I: the per-process "client" record and its owning "client group",
// their heartbeat and GC background tasks (persist and refresh live in
// pkg/persist), and the
// cross-database registry spec.md's §"Supplemented Features" adds so
// cross-database GC (collectIDBDatabases) is concretely implementable in a
// process/filesystem world instead of a browser's indexedDB.databases().
package client

import (
	"fmt"

	"syncdb/pkg/chunk"
	"syncdb/pkg/dag"
	"syncdb/pkg/hash"
)

// Client is the per-process record of spec.md §3 "Client v6".
type Client struct {
	ID                   string
	HeartbeatTimestampMs int64
	RefreshHashes        []hash.Hash
	PersistHash          hash.Hash
	ClientGroupID        string
}

// ClientGroup is the per-browser-profile (here: per logical client-group
// key) record of spec.md §3 "ClientGroup".
type ClientGroup struct {
	ID                        string
	HeadHash                  hash.Hash
	MutatorNames              map[string]bool
	MutationIDs               map[string]uint64
	LastServerAckdMutationIDs map[string]uint64
	Disabled                  bool
}

// Pending reports whether g has any client with a mutationID strictly
// ahead of what the server has acknowledged (spec.md §3 invariant).
func (g ClientGroup) Pending() bool {
	for cid, id := range g.MutationIDs {
		if id > g.LastServerAckdMutationIDs[cid] {
			return true
		}
	}
	return false
}

// DeletedClients is the tombstone set at the deleted-clients head.
type DeletedClients struct {
	ClientIDs      []string
	ClientGroupIDs []string
}

// registryState is the decoded shape of the chunk at dag.HeadClients: every
// known client and client group, keyed by ID. Spec.md §6 describes this
// head as pointing at "the chunk holding the {clientID -> Client} map";
// client groups are folded into the same chunk since the persistent layout
// names no separate head for them.
type registryState struct {
	Clients map[string]Client
	Groups  map[string]ClientGroup
}

// ChunkStore is the minimal store surface this package needs.
type ChunkStore interface {
	PutChunk(c chunk.Chunk)
	GetChunk(h hash.Hash) (chunk.Chunk, error)
	GetHead(name string) (hash.Hash, error)
}

// HeadWriter additionally allows setting heads, used by the mutating calls
// below (dag.Tx satisfies it; a read-only dag.Store snapshot does not).
type HeadWriter interface {
	ChunkStore
	SetHead(name string, h hash.Hash)
}

func loadRegistry(cs ChunkStore) (registryState, error) {
	h, err := cs.GetHead(dag.HeadClients)
	if err != nil {
		return registryState{Clients: map[string]Client{}, Groups: map[string]ClientGroup{}}, nil
	}
	c, err := cs.GetChunk(h)
	if err != nil {
		return registryState{}, fmt.Errorf("client: load registry: %w", err)
	}
	return decodeRegistry(c.Data())
}

func storeRegistry(tx HeadWriter, state registryState) error {
	data, refs := encodeRegistry(state)
	c, err := chunk.New(data, refs)
	if err != nil {
		return fmt.Errorf("client: encode registry: %w", err)
	}
	tx.PutChunk(c)
	tx.SetHead(dag.HeadClients, c.Hash())
	return nil
}

func encodeRegistry(state registryState) (chunk.Value, []hash.Hash) {
	clients := make(map[string]chunk.Value, len(state.Clients))
	var refs []hash.Hash
	for id, c := range state.Clients {
		refreshHashes := make([]chunk.Value, len(c.RefreshHashes))
		for i, h := range c.RefreshHashes {
			refreshHashes[i] = h.String()
			refs = append(refs, h)
		}
		if !c.PersistHash.IsEmpty() {
			refs = append(refs, c.PersistHash)
		}
		clients[id] = chunk.NewObject(map[string]chunk.Value{
			"id":                   c.ID,
			"heartbeatTimestampMs": float64(c.HeartbeatTimestampMs),
			"refreshHashes":        refreshHashes,
			"persistHash":          hashOrNull(c.PersistHash),
			"clientGroupID":        c.ClientGroupID,
		})
	}

	groups := make(map[string]chunk.Value, len(state.Groups))
	for id, g := range state.Groups {
		if !g.HeadHash.IsEmpty() {
			refs = append(refs, g.HeadHash)
		}
		groups[id] = chunk.NewObject(map[string]chunk.Value{
			"id":                        g.ID,
			"headHash":                  hashOrNull(g.HeadHash),
			"mutatorNames":              boolMapToValue(g.MutatorNames),
			"mutationIDs":               uint64MapToValue(g.MutationIDs),
			"lastServerAckdMutationIDs": uint64MapToValue(g.LastServerAckdMutationIDs),
			"disabled":                  g.Disabled,
		})
	}

	return chunk.NewObject(map[string]chunk.Value{
		"clients": chunk.NewObject(clients),
		"groups":  chunk.NewObject(groups),
	}), refs
}

func decodeRegistry(v chunk.Value) (registryState, error) {
	out := registryState{Clients: map[string]Client{}, Groups: map[string]ClientGroup{}}

	clientsVal, _ := chunk.Field(v, "clients")
	for _, id := range objectKeys(clientsVal) {
		item, _ := chunk.Field(clientsVal, id)
		c, err := decodeClient(id, item)
		if err != nil {
			return registryState{}, err
		}
		out.Clients[id] = c
	}

	groupsVal, _ := chunk.Field(v, "groups")
	for _, id := range objectKeys(groupsVal) {
		item, _ := chunk.Field(groupsVal, id)
		g, err := decodeGroup(id, item)
		if err != nil {
			return registryState{}, err
		}
		out.Groups[id] = g
	}

	return out, nil
}

func decodeClient(id string, v chunk.Value) (Client, error) {
	hbVal, _ := chunk.Field(v, "heartbeatTimestampMs")
	refreshVal, _ := chunk.Field(v, "refreshHashes")
	persistVal, _ := chunk.Field(v, "persistHash")
	groupVal, _ := chunk.Field(v, "clientGroupID")

	refreshItems, _ := refreshVal.([]chunk.Value)
	var refreshHashes []hash.Hash
	if len(refreshItems) > 0 {
		refreshHashes = make([]hash.Hash, len(refreshItems))
	}
	for i, item := range refreshItems {
		s, _ := item.(string)
		h, err := hash.Parse(s)
		if err != nil {
			return Client{}, fmt.Errorf("client %s: refreshHashes[%d]: %w", id, i, err)
		}
		refreshHashes[i] = h
	}

	persistHash, err := parseOptionalHash(persistVal)
	if err != nil {
		return Client{}, fmt.Errorf("client %s: persistHash: %w", id, err)
	}

	hb, _ := hbVal.(float64)
	groupID, _ := groupVal.(string)
	return Client{
		ID:                   id,
		HeartbeatTimestampMs: int64(hb),
		RefreshHashes:        refreshHashes,
		PersistHash:          persistHash,
		ClientGroupID:        groupID,
	}, nil
}

func decodeGroup(id string, v chunk.Value) (ClientGroup, error) {
	headVal, _ := chunk.Field(v, "headHash")
	head, err := parseOptionalHash(headVal)
	if err != nil {
		return ClientGroup{}, fmt.Errorf("group %s: headHash: %w", id, err)
	}
	mutatorVal, _ := chunk.Field(v, "mutatorNames")
	midVal, _ := chunk.Field(v, "mutationIDs")
	ackdVal, _ := chunk.Field(v, "lastServerAckdMutationIDs")
	disabledVal, _ := chunk.Field(v, "disabled")
	disabled, _ := disabledVal.(bool)

	return ClientGroup{
		ID:                        id,
		HeadHash:                  head,
		MutatorNames:              valueToBoolMap(mutatorVal),
		MutationIDs:               valueToUint64Map(midVal),
		LastServerAckdMutationIDs: valueToUint64Map(ackdVal),
		Disabled:                  disabled,
	}, nil
}

func objectKeys(v chunk.Value) []string {
	if obj, ok := v.(chunk.Object); ok {
		return obj.Keys()
	}
	if m, ok := v.(map[string]chunk.Value); ok {
		keys := make([]string, 0, len(m))
		for k := range m {
			keys = append(keys, k)
		}
		return keys
	}
	return nil
}

func boolMapToValue(m map[string]bool) chunk.Value {
	out := make(map[string]chunk.Value, len(m))
	for k, v := range m {
		out[k] = v
	}
	return chunk.NewObject(out)
}

func valueToBoolMap(v chunk.Value) map[string]bool {
	out := map[string]bool{}
	for _, k := range objectKeys(v) {
		val, _ := chunk.Field(v, k)
		b, _ := val.(bool)
		out[k] = b
	}
	return out
}

func uint64MapToValue(m map[string]uint64) chunk.Value {
	out := make(map[string]chunk.Value, len(m))
	for k, v := range m {
		out[k] = float64(v)
	}
	return chunk.NewObject(out)
}

func valueToUint64Map(v chunk.Value) map[string]uint64 {
	out := map[string]uint64{}
	for _, k := range objectKeys(v) {
		val, _ := chunk.Field(v, k)
		n, _ := val.(float64)
		out[k] = uint64(n)
	}
	return out
}

func hashOrNull(h hash.Hash) chunk.Value {
	if h.IsEmpty() {
		return nil
	}
	return h.String()
}

func parseOptionalHash(v chunk.Value) (hash.Hash, error) {
	if v == nil {
		return hash.Hash{}, nil
	}
	s, _ := v.(string)
	return hash.Parse(s)
}
