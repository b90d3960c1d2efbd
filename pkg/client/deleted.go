package client

import (
	"fmt"
	"sort"

	"syncdb/pkg/chunk"
	"syncdb/pkg/dag"
)

// loadDeleted reads the tombstone chunk at dag.HeadDeletedClients, treating
// a missing head as an empty tombstone set (spec.md §6).
func loadDeleted(cs ChunkStore) (DeletedClients, error) {
	h, err := cs.GetHead(dag.HeadDeletedClients)
	if err != nil {
		return DeletedClients{}, nil
	}
	c, err := cs.GetChunk(h)
	if err != nil {
		return DeletedClients{}, fmt.Errorf("client: load deleted-clients: %w", err)
	}
	return decodeDeleted(c.Data()), nil
}

func decodeDeleted(v chunk.Value) DeletedClients {
	clientIDsVal, _ := chunk.Field(v, "clientIDs")
	groupIDsVal, _ := chunk.Field(v, "clientGroupIDs")
	return DeletedClients{
		ClientIDs:      valueToStrings(clientIDsVal),
		ClientGroupIDs: valueToStrings(groupIDsVal),
	}
}

func valueToStrings(v chunk.Value) []string {
	items, _ := v.([]chunk.Value)
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func storeDeleted(tx HeadWriter, d DeletedClients) error {
	clientIDs := sortedUnique(d.ClientIDs)
	groupIDs := sortedUnique(d.ClientGroupIDs)
	clientItems := make([]chunk.Value, len(clientIDs))
	for i, id := range clientIDs {
		clientItems[i] = id
	}
	groupItems := make([]chunk.Value, len(groupIDs))
	for i, id := range groupIDs {
		groupItems[i] = id
	}

	c, err := chunk.New(chunk.NewObject(map[string]chunk.Value{
		"clientIDs":      clientItems,
		"clientGroupIDs": groupItems,
	}), nil)
	if err != nil {
		return err
	}
	tx.PutChunk(c)
	tx.SetHead(dag.HeadDeletedClients, c.Hash())
	return nil
}

func sortedUnique(items []string) []string {
	seen := make(map[string]bool, len(items))
	out := make([]string, 0, len(items))
	for _, it := range items {
		if seen[it] {
			continue
		}
		seen[it] = true
		out = append(out, it)
	}
	sort.Strings(out)
	return out
}

// tombstone appends clientIDs and clientGroupIDs to the tombstone set,
// de-duplicating and sorting per spec.md §4.I ("sorted, unique").
func tombstone(tx HeadWriter, clientIDs, clientGroupIDs []string) error {
	d, err := loadDeleted(tx)
	if err != nil {
		return err
	}
	d.ClientIDs = append(d.ClientIDs, clientIDs...)
	d.ClientGroupIDs = append(d.ClientGroupIDs, clientGroupIDs...)
	return storeDeleted(tx, d)
}
