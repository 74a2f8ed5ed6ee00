package pipeline

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// Runner runs one pass.
type Runner interface {
	RunPass(ctx context.Context) (PassSummary, error)
}

// Scheduler starts a pass immediately and then on every tick. A tick that arrives while the
// previous pass is still running is skipped.
type Scheduler struct {
	runner   Runner
	interval time.Duration
	timeout  time.Duration
	log      logrus.FieldLogger

	running atomic.Bool
	wg      sync.WaitGroup
}

// NewScheduler creates a scheduler. A non-positive timeout defaults to the interval.
func NewScheduler(runner Runner, interval, timeout time.Duration, log logrus.FieldLogger) *Scheduler {
	if timeout <= 0 {
		timeout = interval
	}
	return &Scheduler{runner: runner, interval: interval, timeout: timeout, log: log}
}

// Run blocks until ctx is cancelled and the in-flight pass has returned.
func (s *Scheduler) Run(ctx context.Context) {
	s.log.WithField("interval", s.interval).Info("Scheduler started")
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			s.wg.Wait()
			s.log.Info("Scheduler stopped")
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	if !s.running.CompareAndSwap(false, true) {
		s.log.Warn("Previous pass still running, skipping tick")
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.running.Store(false)

		passCtx, cancel := context.WithTimeout(ctx, s.timeout)
		defer cancel()

		summary, err := s.runner.RunPass(passCtx)
		log := s.log.WithField("pass_id", summary.PassID)
		if err != nil {
			log.WithError(err).Error("Pass failed")
			return
		}
		log.WithFields(logrus.Fields{
			"sensors":   summary.Sensors,
			"processed": summary.Processed,
			"skipped":   summary.Skipped,
			"failed":    summary.Failed,
			"duration":  summary.Duration.String(),
		}).Info("Pass finished")
	}()
}
