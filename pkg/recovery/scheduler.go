package recovery

import (
	"context"
	"sync"
	"time"
)

// DefaultInterval is how often the recovery task scans known databases when
// no other trigger fires, per spec.md §4.J.
const DefaultInterval = 5 * time.Minute

// Scheduler runs a Task on a timer and on demand (e.g. on a transition to
// online), mirroring client.Monitor's ticker+context+waitgroup shape.
type Scheduler struct {
	task     *Task
	interval time.Duration

	trigger chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler creates a Scheduler for task. Call Start to begin its
// background loop and Stop to shut it down.
func NewScheduler(task *Task, interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Scheduler{
		task:     task,
		interval: interval,
		trigger:  make(chan struct{}, 1),
	}
}

// Start launches the recovery loop. It returns immediately; call Stop to
// shut it down.
func (s *Scheduler) Start(ctx context.Context) {
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.runLoop()
}

// Stop cancels the loop and waits for it to exit.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

// TriggerNow asks the loop to run a scan as soon as possible, without
// waiting for the next timer tick. Intended for a host's online-transition
// callback (spec.md §4.J: "every 5 min and on transition to online"). It
// never blocks: a scan already pending absorbs the request.
func (s *Scheduler) TriggerNow() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

func (s *Scheduler) runLoop() {
	defer s.wg.Done()

	timer := time.NewTimer(s.interval)
	defer timer.Stop()

	for {
		select {
		case <-timer.C:
			s.runOnce()
			timer.Reset(s.interval)
		case <-s.trigger:
			s.runOnce()
			if !timer.Stop() {
				<-timer.C
			}
			timer.Reset(s.interval)
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Scheduler) runOnce() {
	if err := s.task.Run(s.ctx); err != nil {
		recoveryLog.Warn().Err(err).Msg("recovery: scan failed")
	}
}
