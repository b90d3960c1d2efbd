package client

import (
	"context"
	"sync"
	"time"

	"syncdb/pkg/dag"
)

// Default intervals from spec.md §4.I.
const (
	DefaultHeartbeatInterval   = 60 * time.Second
	DefaultClientGCInterval    = 5 * time.Minute
	DefaultGroupGCInterval     = 5 * time.Minute
	DefaultCrossDBGCInterval   = 12 * time.Hour
	DefaultCrossDBGCInitDelay  = 5 * time.Minute
	DefaultClientMaxInactiveMs = int64(5 * time.Minute / time.Millisecond)
)

// Monitor runs the background heartbeat and GC loops for one client against
// its dag.Store, mirroring the ticker+context+waitgroup+callback shape used
// elsewhere in the corpus for periodic cluster maintenance.
type Monitor struct {
	store    *dag.Store
	selfID   string
	registry *Registry

	heartbeatInterval   time.Duration
	clientGCInterval    time.Duration
	groupGCInterval     time.Duration
	crossDBGCInterval   time.Duration
	crossDBGCInitDelay  time.Duration
	clientMaxInactiveMs int64

	enableMutationRecovery bool

	nowMs func() int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// MonitorOption configures a Monitor at construction.
type MonitorOption func(*Monitor)

// WithEnableMutationRecovery toggles whether client-group GC spares a
// group with pending, unacknowledged mutations.
func WithEnableMutationRecovery(enable bool) MonitorOption {
	return func(m *Monitor) { m.enableMutationRecovery = enable }
}

// WithNowFunc overrides the monitor's clock, for deterministic tests.
func WithNowFunc(f func() int64) MonitorOption {
	return func(m *Monitor) { m.nowMs = f }
}

// WithRegistry attaches the cross-database registry used by the
// cross-database GC loop. Without one, that loop does not run.
func WithRegistry(r *Registry) MonitorOption {
	return func(m *Monitor) { m.registry = r }
}

// NewMonitor creates a Monitor for selfID against store. Call Start to
// begin its background loops and Stop to shut them down.
func NewMonitor(store *dag.Store, selfID string, opts ...MonitorOption) *Monitor {
	m := &Monitor{
		store:               store,
		selfID:              selfID,
		heartbeatInterval:   DefaultHeartbeatInterval,
		clientGCInterval:    DefaultClientGCInterval,
		groupGCInterval:     DefaultGroupGCInterval,
		crossDBGCInterval:   DefaultCrossDBGCInterval,
		crossDBGCInitDelay:  DefaultCrossDBGCInitDelay,
		clientMaxInactiveMs: DefaultClientMaxInactiveMs,
		nowMs:               func() int64 { return time.Now().UnixMilli() },
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start launches the heartbeat, client-GC, client-group-GC, and (if a
// Registry was attached) cross-database-GC loops. It returns immediately;
// call Stop to shut everything down.
func (m *Monitor) Start(ctx context.Context) {
	m.ctx, m.cancel = context.WithCancel(ctx)

	m.wg.Add(3)
	go m.runLoop(m.heartbeatInterval, 0, m.doHeartbeat)
	go m.runLoop(m.clientGCInterval, 0, m.doClientGC)
	go m.runLoop(m.groupGCInterval, 0, m.doGroupGC)

	if m.registry != nil {
		m.wg.Add(1)
		go m.runLoop(m.crossDBGCInterval, m.crossDBGCInitDelay, m.doCrossDBGC)
	}
}

// Stop cancels every loop and waits for them to exit.
func (m *Monitor) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
}

// runLoop fires fn once after initDelay (immediately, if initDelay is 0),
// then every interval, until ctx is canceled.
func (m *Monitor) runLoop(interval, initDelay time.Duration, fn func()) {
	defer m.wg.Done()

	timer := time.NewTimer(initDelay)
	defer timer.Stop()

	for {
		select {
		case <-timer.C:
			fn()
			timer.Reset(interval)
		case <-m.ctx.Done():
			return
		}
	}
}

func (m *Monitor) doHeartbeat() {
	tx, err := m.store.Write()
	if err != nil {
		clientLog.Warn().Err(err).Msg("heartbeat: open tx failed")
		return
	}
	if err := Heartbeat(tx, m.selfID, m.nowMs()); err != nil {
		clientLog.Warn().Err(err).Msg("heartbeat failed")
		tx.Rollback()
		return
	}
	if err := tx.Commit(); err != nil {
		clientLog.Warn().Err(err).Msg("heartbeat: commit failed")
	}
}

func (m *Monitor) doClientGC() {
	tx, err := m.store.Write()
	if err != nil {
		clientLog.Warn().Err(err).Msg("client GC: open tx failed")
		return
	}
	if _, err := CollectDeadClients(tx, m.selfID, m.nowMs(), m.clientMaxInactiveMs); err != nil {
		clientLog.Warn().Err(err).Msg("client GC failed")
		tx.Rollback()
		return
	}
	if err := tx.Commit(); err != nil {
		clientLog.Warn().Err(err).Msg("client GC: commit failed")
	}
}

func (m *Monitor) doGroupGC() {
	tx, err := m.store.Write()
	if err != nil {
		clientLog.Warn().Err(err).Msg("group GC: open tx failed")
		return
	}
	if _, err := CollectDeadGroups(tx, m.enableMutationRecovery); err != nil {
		clientLog.Warn().Err(err).Msg("group GC failed")
		tx.Rollback()
		return
	}
	if err := tx.Commit(); err != nil {
		clientLog.Warn().Err(err).Msg("group GC: commit failed")
	}
}

func (m *Monitor) doCrossDBGC() {
	if m.registry == nil {
		return
	}
	removed, err := m.registry.CollectStaleDatabases(m.nowMs())
	if err != nil {
		clientLog.Warn().Err(err).Msg("cross-database GC failed")
		return
	}
	if len(removed) > 0 {
		clientLog.Info().Strs("paths", removed).Msg("cross-database GC removed stale databases")
	}
}
