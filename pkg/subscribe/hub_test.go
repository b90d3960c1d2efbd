package subscribe

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"syncdb/pkg/btree"
	"syncdb/pkg/chunk"
	"syncdb/pkg/hash"
)

type memChunkStore struct {
	mu     sync.Mutex
	chunks map[hash.Hash]chunk.Chunk
}

func newMemChunkStore() *memChunkStore {
	return &memChunkStore{chunks: map[hash.Hash]chunk.Chunk{}}
}

func (s *memChunkStore) PutChunk(c chunk.Chunk) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chunks[c.Hash()] = c
}

func (s *memChunkStore) GetChunk(h hash.Hash) (chunk.Chunk, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.chunks[h]
	if !ok {
		return chunk.Chunk{}, notFoundErr{h}
	}
	return c, nil
}

type notFoundErr struct{ h hash.Hash }

func (e notFoundErr) Error() string { return "not found: " + e.h.String() }

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition never became true")
}

func TestQuerySubscriptionFiresOnReadSetIntersection(t *testing.T) {
	cs := newMemChunkStore()
	root, err := btree.NewEmpty(cs)
	require.NoError(t, err)
	root, err = btree.Put(cs, root, btree.DefaultFanout, "a", 1.0)
	require.NoError(t, err)

	hub := NewHub(cs)
	defer hub.Close()

	var mu sync.Mutex
	var results []any
	hub.Subscribe(root, func(r Reader) (any, error) {
		v, _, err := r.Get("a")
		return v, err
	}, func(result any, err error) {
		mu.Lock()
		defer mu.Unlock()
		results = append(results, result)
	})

	newRoot, err := btree.Put(cs, root, btree.DefaultFanout, "a", 2.0)
	require.NoError(t, err)
	ops, err := btree.Diff(cs, root, newRoot)
	require.NoError(t, err)

	hub.Fire(newRoot, ops)

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(results) >= 2 // the seeding run plus the re-run after Fire
	})

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 2.0, results[len(results)-1])
}

func TestQuerySubscriptionIgnoresUnrelatedKeys(t *testing.T) {
	cs := newMemChunkStore()
	root, _ := btree.NewEmpty(cs)
	root, _ = btree.Put(cs, root, btree.DefaultFanout, "a", 1.0)

	hub := NewHub(cs)
	defer hub.Close()

	var mu sync.Mutex
	runs := 0
	hub.Subscribe(root, func(r Reader) (any, error) {
		v, _, err := r.Get("a")
		return v, err
	}, func(result any, err error) {
		mu.Lock()
		defer mu.Unlock()
		runs++
	})

	newRoot, err := btree.Put(cs, root, btree.DefaultFanout, "unrelated", 9.0)
	require.NoError(t, err)
	ops, err := btree.Diff(cs, root, newRoot)
	require.NoError(t, err)

	hub.Fire(newRoot, ops)
	hub.Fire(newRoot, nil) // queued behind the first Fire; the sleep below gives both time to dispatch

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return runs >= 1
	})

	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 1, runs, "query reading only \"a\" should not re-run for an unrelated key")
}

func TestWatchWithInitialValues(t *testing.T) {
	cs := newMemChunkStore()
	root, _ := btree.NewEmpty(cs)
	root, _ = btree.Put(cs, root, btree.DefaultFanout, "ns/a", true)

	hub := NewHub(cs)
	defer hub.Close()

	var mu sync.Mutex
	var calls [][]Delta
	hub.Watch(root, "ns/", true, func(deltas []Delta) {
		mu.Lock()
		defer mu.Unlock()
		calls = append(calls, deltas)
	})

	mu.Lock()
	require.Len(t, calls, 1)
	require.Equal(t, "ns/a", calls[0][0].Key)
	require.Equal(t, btree.OpAdd, calls[0][0].Op)
	mu.Unlock()

	newRoot, err := btree.Put(cs, root, btree.DefaultFanout, "ns/b", false)
	require.NoError(t, err)
	ops, err := btree.Diff(cs, root, newRoot)
	require.NoError(t, err)
	hub.Fire(newRoot, ops)

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(calls) >= 2
	})

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, "ns/b", calls[1][0].Key)
}

func TestFireOrderIsPreservedAcrossConcurrentCallers(t *testing.T) {
	cs := newMemChunkStore()
	root, _ := btree.NewEmpty(cs)

	hub := NewHub(cs)
	defer hub.Close()

	var mu sync.Mutex
	var seen []int
	hub.Watch(root, "", false, func(deltas []Delta) {
		mu.Lock()
		defer mu.Unlock()
		for _, d := range deltas {
			if v, ok := d.NewValue.(float64); ok {
				seen = append(seen, int(v))
			}
		}
	})

	// Each Fire is issued from its own goroutine, and each goroutine is
	// waited on before the next starts, so the submission order is fixed;
	// the Hub's single dispatch queue must process them in that order.
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			hub.Fire(root, []btree.Op{{Kind: btree.OpAdd, Key: "k", NewValue: float64(i)}})
		}(i)
		wg.Wait() // force strict submission order for this test's assertion
	}

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 10
	})

	mu.Lock()
	defer mu.Unlock()
	for i, v := range seen {
		require.Equal(t, i, v)
	}
}
