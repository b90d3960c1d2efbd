// Package subscribe implements the two subscription flavors of spec.md
// §4.H: query subscriptions, re-run when their recorded read set
// intersects a commit's diff, and watch subscriptions, which receive raw
// add/change/del deltas under a key prefix. Firing is serialized through a
// single dispatch queue so two commit-completions racing across goroutines
// (a local mutate and a pull's maybeEndPull) still fire subscribers in
// commit order, exactly as spec.md §9 Open Question (a) resolves.
//
// This adapts the shape of the teacher's cuemby-warren-style event broker
// (one run loop draining a channel, a mutex-guarded subscriber set) from a
// lossy best-effort cluster-event bus to a lossless one: a diff can never
// be silently dropped the way a full subscriber buffer drops a cluster
// event, so Fire blocks when the dispatch queue (a 4096-slot channel) is
// full instead of skipping the send.
package subscribe

import (
	"sync"

	"syncdb/pkg/btree"
	"syncdb/pkg/chunk"
	"syncdb/pkg/hash"
	"syncdb/pkg/log"
)

var hubLog = log.Component("subscribe")

// Reader is the read surface a query subscription body runs against; it
// records every key the body touches so the Hub knows whether to re-run it
// for a later diff.
type Reader interface {
	Get(key string) (chunk.Value, bool, error)
	Scan(prefix string, fn func(key string, value chunk.Value) bool) error
}

// ReadFunc is a query subscription's body.
type ReadFunc func(r Reader) (any, error)

// Delta is one change delivered to a watch subscription.
type Delta struct {
	Op       btree.OpKind
	Key      string
	OldValue chunk.Value
	NewValue chunk.Value
}

// Hub owns every live subscription against one database and the single
// queue that serializes their firing.
type Hub struct {
	mu       sync.Mutex
	nextID   uint64
	queries  map[uint64]*querySub
	watches  map[uint64]*watchSub
	cs       btree.ChunkStore
	jobs     chan fireJob
	stopOnce sync.Once
	stop     chan struct{}
	wg       sync.WaitGroup
}

type querySub struct {
	id       uint64
	body     ReadFunc
	onResult func(result any, err error)
	readSet  map[string]bool
}

type watchSub struct {
	id       uint64
	prefix   string
	onDiff   func([]Delta)
	fired    bool // whether the initial-values turn has run
	initial  bool // initialValuesInFirstDiff
}

type fireJob struct {
	root hash.Hash
	ops  []btree.Op
}

// NewHub creates a Hub reading chunk data through cs. Call Close to stop
// its dispatch goroutine.
func NewHub(cs btree.ChunkStore) *Hub {
	h := &Hub{
		queries: make(map[uint64]*querySub),
		watches: make(map[uint64]*watchSub),
		cs:      cs,
		jobs:    make(chan fireJob, 4096),
		stop:    make(chan struct{}),
	}
	h.wg.Add(1)
	go h.run()
	return h
}

func (h *Hub) run() {
	defer h.wg.Done()
	for {
		select {
		case job := <-h.jobs:
			h.dispatch(job)
		case <-h.stop:
			// Drain whatever is already queued so a close doesn't lose a
			// fire that a commit has already handed off, then exit.
			for {
				select {
				case job := <-h.jobs:
					h.dispatch(job)
				default:
					return
				}
			}
		}
	}
}

// Close stops the dispatch loop. Per spec.md §5 "on close, pending
// subscriptions are cleared without firing" — Close drops any subscription
// registrations still held, but lets already-queued fires (from commits
// that completed before Close was called) finish first.
func (h *Hub) Close() {
	h.stopOnce.Do(func() { close(h.stop) })
	h.wg.Wait()
	h.mu.Lock()
	defer h.mu.Unlock()
	h.queries = map[uint64]*querySub{}
	h.watches = map[uint64]*watchSub{}
}

// Fire enqueues the diff produced by a commit against root. Queueing (not
// dispatching inline) is what lets two racing commit-completions still
// serialize their subscriber callbacks in submission order.
func (h *Hub) Fire(root hash.Hash, ops []btree.Op) {
	h.jobs <- fireJob{root: root, ops: ops}
}

func (h *Hub) dispatch(job fireJob) {
	reader := &storeReader{cs: h.cs, root: job.root}

	h.mu.Lock()
	queries := make([]*querySub, 0, len(h.queries))
	for _, q := range h.queries {
		queries = append(queries, q)
	}
	watches := make([]*watchSub, 0, len(h.watches))
	for _, w := range h.watches {
		watches = append(watches, w)
	}
	h.mu.Unlock()

	changedKeys := make(map[string]bool, len(job.ops))
	for _, op := range job.ops {
		changedKeys[op.Key] = true
	}

	for _, q := range queries {
		if !readSetIntersects(q.readSet, changedKeys) {
			continue
		}
		h.rerunQuery(reader, q)
	}

	for _, w := range watches {
		deltas := filterDeltas(job.ops, w.prefix)
		if len(deltas) == 0 {
			continue
		}
		w.onDiff(deltas)
	}
}

func readSetIntersects(readSet, changed map[string]bool) bool {
	if len(readSet) == 0 {
		return false
	}
	for k := range changed {
		if readSet[k] {
			return true
		}
	}
	return false
}

func filterDeltas(ops []btree.Op, prefix string) []Delta {
	var out []Delta
	for _, op := range ops {
		if prefix != "" && !hasPrefix(op.Key, prefix) {
			continue
		}
		out = append(out, Delta{Op: op.Kind, Key: op.Key, OldValue: op.OldValue, NewValue: op.NewValue})
	}
	return out
}

func hasPrefix(key, prefix string) bool {
	return len(key) >= len(prefix) && key[:len(prefix)] == prefix
}

func (h *Hub) rerunQuery(reader *storeReader, q *querySub) {
	tracked := &trackingReader{inner: reader, read: map[string]bool{}}
	result, err := q.body(tracked)

	h.mu.Lock()
	q.readSet = tracked.read
	h.mu.Unlock()

	q.onResult(result, err)
}

// Subscribe registers a query subscription and runs it once immediately
// (against root) to seed its read set, per spec.md §4.H "first run records
// the read set".
func (h *Hub) Subscribe(root hash.Hash, body ReadFunc, onResult func(result any, err error)) uint64 {
	h.mu.Lock()
	h.nextID++
	id := h.nextID
	q := &querySub{id: id, body: body, onResult: onResult}
	h.queries[id] = q
	h.mu.Unlock()

	h.rerunQuery(&storeReader{cs: h.cs, root: root}, q)
	return id
}

// Unsubscribe removes a query subscription.
func (h *Hub) Unsubscribe(id uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.queries, id)
}

// Watch registers a watch subscription under prefix. If
// initialValuesInFirstDiff is set, onDiff is invoked once immediately with
// every existing key under prefix as an Add delta.
func (h *Hub) Watch(root hash.Hash, prefix string, initialValuesInFirstDiff bool, onDiff func([]Delta)) uint64 {
	h.mu.Lock()
	h.nextID++
	id := h.nextID
	w := &watchSub{id: id, prefix: prefix, onDiff: onDiff, initial: initialValuesInFirstDiff}
	h.watches[id] = w
	h.mu.Unlock()

	if initialValuesInFirstDiff {
		var initialDeltas []Delta
		_ = btree.Scan(h.cs, root, prefix, func(key string, value chunk.Value) bool {
			if !hasPrefix(key, prefix) {
				return false
			}
			initialDeltas = append(initialDeltas, Delta{Op: btree.OpAdd, Key: key, NewValue: value})
			return true
		})
		if len(initialDeltas) > 0 {
			onDiff(initialDeltas)
		}
		w.fired = true
	}
	return id
}

// Unwatch removes a watch subscription.
func (h *Hub) Unwatch(id uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.watches, id)
}

// storeReader is the Reader implementation query bodies see, scoped to one
// root hash.
type storeReader struct {
	cs   btree.ChunkStore
	root hash.Hash
}

func (r *storeReader) Get(key string) (chunk.Value, bool, error) {
	ok, err := btree.Has(r.cs, r.root, key)
	if err != nil || !ok {
		return nil, ok, err
	}
	v, err := btree.Get(r.cs, r.root, key)
	return v, true, err
}

func (r *storeReader) Scan(prefix string, fn func(key string, value chunk.Value) bool) error {
	return btree.Scan(r.cs, r.root, prefix, func(key string, value chunk.Value) bool {
		if !hasPrefix(key, prefix) {
			return true
		}
		return fn(key, value)
	})
}

// trackingReader wraps a Reader, recording every key looked at via Get or
// observed during a Scan so Subscribe/rerunQuery can compute the query's
// read set.
type trackingReader struct {
	inner Reader
	read  map[string]bool
}

func (r *trackingReader) Get(key string) (chunk.Value, bool, error) {
	r.read[key] = true
	return r.inner.Get(key)
}

func (r *trackingReader) Scan(prefix string, fn func(key string, value chunk.Value) bool) error {
	return r.inner.Scan(prefix, func(key string, value chunk.Value) bool {
		r.read[key] = true
		return fn(key, value)
	})
}
