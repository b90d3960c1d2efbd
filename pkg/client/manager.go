package client

import (
	"fmt"

	"syncdb/pkg/log"
)

var clientLog = log.Component("client")

// notFoundError is returned by GetClient/GetGroup when the ID is unknown.
type notFoundError struct{ what, id string }

func (e notFoundError) Error() string { return fmt.Sprintf("client: %s %q not found", e.what, e.id) }

// GetClient returns the client record for id.
func GetClient(cs ChunkStore, id string) (Client, error) {
	state, err := loadRegistry(cs)
	if err != nil {
		return Client{}, err
	}
	c, ok := state.Clients[id]
	if !ok {
		return Client{}, notFoundError{"client", id}
	}
	return c, nil
}

// GetGroup returns the client-group record for id.
func GetGroup(cs ChunkStore, id string) (ClientGroup, error) {
	state, err := loadRegistry(cs)
	if err != nil {
		return ClientGroup{}, err
	}
	g, ok := state.Groups[id]
	if !ok {
		return ClientGroup{}, notFoundError{"client group", id}
	}
	return g, nil
}

// PutClient inserts or replaces a client record.
func PutClient(tx HeadWriter, c Client) error {
	state, err := loadRegistry(tx)
	if err != nil {
		return err
	}
	state.Clients[c.ID] = c
	return storeRegistry(tx, state)
}

// PutGroup inserts or replaces a client-group record.
func PutGroup(tx HeadWriter, g ClientGroup) error {
	state, err := loadRegistry(tx)
	if err != nil {
		return err
	}
	state.Groups[g.ID] = g
	return storeRegistry(tx, state)
}

// ListClients returns every known client.
func ListClients(cs ChunkStore) (map[string]Client, error) {
	state, err := loadRegistry(cs)
	if err != nil {
		return nil, err
	}
	return state.Clients, nil
}

// ListGroups returns every known client group.
func ListGroups(cs ChunkStore) (map[string]ClientGroup, error) {
	state, err := loadRegistry(cs)
	if err != nil {
		return nil, err
	}
	return state.Groups, nil
}

// CollectDeadClients removes every client other than selfID whose
// heartbeat is older than maxInactiveMs, tombstoning their IDs (spec.md
// §4.I "Client GC"). It returns the removed client IDs. Client groups left
// without a live client are not touched here; CollectDeadGroups removes
// them, since group GC additionally consults enableMutationRecovery.
func CollectDeadClients(tx HeadWriter, selfID string, nowMs, maxInactiveMs int64) ([]string, error) {
	state, err := loadRegistry(tx)
	if err != nil {
		return nil, err
	}

	var removed []string
	for id, c := range state.Clients {
		if id == selfID {
			continue
		}
		if nowMs-c.HeartbeatTimestampMs > maxInactiveMs {
			removed = append(removed, id)
			delete(state.Clients, id)
		}
	}
	if len(removed) == 0 {
		return nil, nil
	}

	if err := storeRegistry(tx, state); err != nil {
		return nil, err
	}
	if err := tombstone(tx, removed, nil); err != nil {
		return nil, err
	}
	clientLog.Info().Strs("clientIDs", removed).Msg("client GC removed inactive clients")
	return removed, nil
}

// CollectDeadGroups removes every client group with no remaining live
// client, unless enableMutationRecovery is set and the group still has
// pending mutations (spec.md §4.I "Client-group GC").
func CollectDeadGroups(tx HeadWriter, enableMutationRecovery bool) ([]string, error) {
	state, err := loadRegistry(tx)
	if err != nil {
		return nil, err
	}

	liveGroups := make(map[string]bool, len(state.Clients))
	for _, c := range state.Clients {
		liveGroups[c.ClientGroupID] = true
	}

	var removed []string
	for id, g := range state.Groups {
		if liveGroups[id] {
			continue
		}
		if enableMutationRecovery && g.Pending() {
			continue
		}
		removed = append(removed, id)
		delete(state.Groups, id)
	}
	if len(removed) == 0 {
		return nil, nil
	}

	if err := storeRegistry(tx, state); err != nil {
		return nil, err
	}
	if err := tombstone(tx, nil, removed); err != nil {
		return nil, err
	}
	clientLog.Info().Strs("groupIDs", removed).Msg("client-group GC removed dead groups")
	return removed, nil
}

// Heartbeat updates self's heartbeat timestamp.
func Heartbeat(tx HeadWriter, selfID string, nowMs int64) error {
	c, err := GetClient(tx, selfID)
	if err != nil {
		return err
	}
	c.HeartbeatTimestampMs = nowMs
	return PutClient(tx, c)
}
