package kv

import "syncdb/pkg/log"

var openLog = log.Component("kv")

// Open opens a Store of the requested kind. If kind is KindBolt and the
// bbolt file cannot be created (e.g. dir is empty or unwritable), Open
// silently substitutes a MemStore, per spec.md §4.B: "on absent persistent
// backend the memory variant is silently substituted".
func Open(dir, name string, kind Kind) Store {
	switch kind {
	case KindBolt:
		if dir == "" {
			openLog.Warn().Str("name", name).Msg("no data directory configured, falling back to in-memory store")
			return NewMemStore()
		}
		store, err := OpenBolt(dir, name)
		if err != nil {
			openLog.Warn().Err(err).Str("name", name).Msg("failed to open persistent store, falling back to in-memory store")
			return NewMemStore()
		}
		return store
	default:
		return NewMemStore()
	}
}
