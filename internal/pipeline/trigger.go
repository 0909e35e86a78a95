package pipeline

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/simplesurance/forksyncd/internal/logfields"
)

// Scheduler runs the pipeline periodically and on demand.
// All trigger sources feed the same loop, runs never overlap.
type Scheduler struct {
	pipeline *Pipeline
	interval time.Duration

	triggerCh chan struct{}
	wg        sync.WaitGroup

	mu           sync.Mutex
	pendingForce bool

	logger *zap.Logger
}

func NewScheduler(pipeline *Pipeline, interval time.Duration) *Scheduler {
	return &Scheduler{
		pipeline: pipeline,
		interval: interval,
		// buffered, a trigger during a run is remembered once and
		// coalesced otherwise
		triggerCh: make(chan struct{}, 1),
		logger:    zap.L().Named(loggerName).Named("scheduler"),
	}
}

// Trigger requests a pipeline run.
// It never blocks, triggers arriving while a run is pending coalesce.
// A forced trigger coalescing into a pending one upgrades it, the force
// flag is never lost.
func (s *Scheduler) Trigger(force bool) {
	s.mu.Lock()
	s.pendingForce = s.pendingForce || force
	s.mu.Unlock()

	select {
	case s.triggerCh <- struct{}{}:
	default:
		s.logger.Debug(
			"run already pending, trigger coalesced",
			logfields.Event("scheduler_trigger_coalesced"),
		)
	}
}

// takeForce consumes the force flag of the pending trigger.
func (s *Scheduler) takeForce() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	force := s.pendingForce
	s.pendingForce = false

	return force
}

// Start runs the schedule loop until ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	s.wg.Add(1)

	go func() {
		defer s.wg.Done()
		s.loop(ctx)
	}()
}

func (s *Scheduler) loop(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info(
		"scheduler started",
		logfields.Event("scheduler_started"),
		zap.Duration("sync_interval", s.interval),
	)

	for {
		select {
		case <-ctx.Done():
			s.logger.Debug("scheduler terminating", logfields.Event("scheduler_terminating"))
			return

		case <-ticker.C:
			s.runOnce(ctx, "interval", false)

		case <-s.triggerCh:
			s.runOnce(ctx, "on-demand", s.takeForce())
		}
	}
}

func (s *Scheduler) runOnce(ctx context.Context, trigger string, force bool) {
	s.logger.Debug(
		"starting pipeline run",
		logfields.Event("scheduler_run_starting"),
		logfields.Trigger(trigger),
	)

	// run errors are already logged and persisted by the pipeline, the
	// scheduler keeps going
	_ = s.pipeline.Run(ctx, force)
}

// Wait blocks until the schedule loop terminated.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}
