// Package dag implements the content-addressed chunk store (spec.md §4.C)
// and its read-through lazy overlay (§4.D): named heads, reference-count
// garbage collection run atomically with each commit, and a bounded
// in-memory cache backed by a persistent Store.
package dag

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	"syncdb/pkg/chunk"
	"syncdb/pkg/hash"
	"syncdb/pkg/kv"
	"syncdb/pkg/log"
	"syncdb/pkg/syncerr"
)

var storeLog = log.Component("dag")

const (
	chunkPrefix = "chunks/"
	refPrefix   = "refs/"
	headPrefix  = "heads/"
)

// Well-known head names (spec.md §3 Head).
const (
	HeadMain           = "main"
	HeadSync           = "sync"
	HeadClients        = "clients"
	HeadDeletedClients = "deleted-clients"
)

// Store is the persistent content-addressed chunk store. All operations are
// performed through a Tx started by Write (for mutation) so that puts, head
// changes, and refcount GC commit atomically in one underlying kv write
// transaction.
type Store struct {
	kv kv.Store
}

// New wraps a kv.Store as a dag Store.
func New(store kv.Store) *Store {
	return &Store{kv: store}
}

// Close releases the underlying kv store.
func (s *Store) Close() error { return s.kv.Close() }

// PutChunk writes a single chunk outside of any head change, for callers
// (read-mostly chain walks that occasionally need the full ChunkStore
// interface) that don't want to manage a Tx themselves. Since no head
// changes, this never triggers the refcount GC pass a Tx.Commit runs for
// reachable-root changes, so the chunk is simply persisted inert until
// some later Tx references it from a head.
func (s *Store) PutChunk(c chunk.Chunk) {
	tx, err := s.Write()
	if err != nil {
		storeLog.Warn().Err(err).Msg("PutChunk: open tx failed")
		return
	}
	tx.PutChunk(c)
	if err := tx.Commit(); err != nil {
		storeLog.Warn().Err(err).Msg("PutChunk: commit failed")
	}
}

// chunkRecord is the on-disk shape of a chunk: its data and ref list,
// keyed by hash.
type chunkRecord struct {
	Data json.RawMessage `json:"data"`
	Refs []string        `json:"refs"`
}

// GetChunk reads a chunk from a snapshot without starting a write tx.
func (s *Store) GetChunk(h hash.Hash) (chunk.Chunk, error) {
	r, err := s.kv.Read()
	if err != nil {
		return chunk.Chunk{}, err
	}
	defer r.Close()
	return readChunk(r, h)
}

// MustGetChunk is GetChunk but returns a syncerr.KindNotFound error on miss,
// per spec.md §4.C.
func (s *Store) MustGetChunk(h hash.Hash) (chunk.Chunk, error) {
	c, err := s.GetChunk(h)
	if err != nil {
		return chunk.Chunk{}, syncerr.New(syncerr.KindNotFound, fmt.Errorf("chunk %s: %w", h, err))
	}
	return c, nil
}

// GetHead reads a head's current hash from a snapshot.
func (s *Store) GetHead(name string) (hash.Hash, error) {
	r, err := s.kv.Read()
	if err != nil {
		return hash.Hash{}, err
	}
	defer r.Close()
	return readHead(r, name)
}

// ListHeads returns every named head and the root it currently points to,
// for inspection tooling that wants to enumerate a database's heads
// without knowing their names in advance.
func (s *Store) ListHeads() (map[string]hash.Hash, error) {
	r, err := s.kv.Read()
	if err != nil {
		return nil, err
	}
	defer r.Close()

	heads := make(map[string]hash.Hash)
	err = r.ScanPrefix([]byte(headPrefix), func(key, value []byte) bool {
		name := string(key[len(headPrefix):])
		h, parseErr := hash.Parse(string(value))
		if parseErr != nil {
			return true
		}
		heads[name] = h
		return true
	})
	return heads, err
}

func readChunk(r kv.Reader, h hash.Hash) (chunk.Chunk, error) {
	raw, err := r.Get([]byte(chunkPrefix + h.String()))
	if err != nil {
		return chunk.Chunk{}, err
	}
	var rec chunkRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return chunk.Chunk{}, syncerr.New(syncerr.KindCorruption, err)
	}
	refs := make([]hash.Hash, len(rec.Refs))
	for i, rs := range rec.Refs {
		parsed, err := hash.Parse(rs)
		if err != nil {
			return chunk.Chunk{}, syncerr.New(syncerr.KindCorruption, err)
		}
		refs[i] = parsed
	}
	c, err := chunk.Decode(rec.Data, refs)
	if err != nil {
		return chunk.Chunk{}, syncerr.New(syncerr.KindCorruption, err)
	}
	if c.Hash() != h {
		return chunk.Chunk{}, syncerr.New(syncerr.KindCorruption, fmt.Errorf("chunk %s rehashed to %s", h, c.Hash()))
	}
	return c, nil
}

func readHead(r kv.Reader, name string) (hash.Hash, error) {
	raw, err := r.Get([]byte(headPrefix + name))
	if err != nil {
		if err == kv.ErrKeyNotFound {
			return hash.Hash{}, syncerr.New(syncerr.KindNotFound, fmt.Errorf("head %q not set", name))
		}
		return hash.Hash{}, err
	}
	return hash.Parse(string(raw))
}

func readRefcount(r kv.Reader, h hash.Hash) (int64, error) {
	raw, err := r.Get([]byte(refPrefix + h.String()))
	if err != nil {
		if err == kv.ErrKeyNotFound {
			return 0, nil
		}
		return 0, err
	}
	return int64(binary.BigEndian.Uint64(raw)), nil
}

func encodeRefcount(n int64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(n))
	return buf
}
