// Package scheduler triggers the daily retention run. The last successful run
// is persisted, so a restart neither repeats a finished day nor skips a
// missed one.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/upb/artifact-registry/config"
	"github.com/upb/artifact-registry/services/cleanup"
	"go.uber.org/zap"
)

// ErrRunning is returned by RunNow while another run is in progress
var ErrRunning = errors.New("cleanup run already in progress")

// Job is the work executed once per day
type Job interface {
	Name() string
	Run(ctx context.Context) (*cleanup.Report, error)
}

// Watermark persists the time of the last successful run
type Watermark interface {
	LastCleanupRun(ctx context.Context) (time.Time, error)
	SetLastCleanupRun(ctx context.Context, t time.Time) error
}

// Options holds the daily trigger settings
type Options struct {
	Hour          int
	Minute        int
	Location      *time.Location
	CheckInterval time.Duration
}

// OptionsFromConfig converts the cleanup section of the service configuration
func OptionsFromConfig(cfg config.CleanupConfig) (Options, error) {
	hour, minute, err := cfg.Clock()
	if err != nil {
		return Options{}, err
	}
	loc, err := cfg.Location()
	if err != nil {
		return Options{}, err
	}
	return Options{
		Hour:          hour,
		Minute:        minute,
		Location:      loc,
		CheckInterval: cfg.CheckInterval,
	}, nil
}

// Scheduler runs a Job once per day after the configured time
type Scheduler struct {
	job       Job
	watermark Watermark
	opts      Options
	logger    *zap.Logger
	nowFn     func() time.Time

	running atomic.Bool

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a Scheduler. A zero CheckInterval defaults to one minute.
func New(job Job, watermark Watermark, opts Options, logger *zap.Logger) *Scheduler {
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if opts.CheckInterval <= 0 {
		opts.CheckInterval = time.Minute
	}
	return &Scheduler{
		job:       job,
		watermark: watermark,
		opts:      opts,
		logger:    logger,
		nowFn:     time.Now,
	}
}

// WithClock overrides the time source
func (s *Scheduler) WithClock(nowFn func() time.Time) *Scheduler {
	s.nowFn = nowFn
	return s
}

// Start launches the check loop. The schedule is checked once immediately.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return fmt.Errorf("scheduler already started")
	}

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.started = true

	s.wg.Add(1)
	go s.loop(ctx)

	s.logger.Info("Started cleanup scheduler",
		zap.String("job", s.job.Name()),
		zap.String("run_at", fmt.Sprintf("%02d:%02d", s.opts.Hour, s.opts.Minute)),
		zap.String("timezone", s.opts.Location.String()),
		zap.Duration("check_interval", s.opts.CheckInterval),
	)
	return nil
}

// Stop cancels the loop and waits for an in-flight run until ctx expires
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return fmt.Errorf("scheduler not started")
	}
	s.started = false
	s.cancel()
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("Cleanup scheduler stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("scheduler stop: %w", ctx.Err())
	}
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.opts.CheckInterval)
	defer ticker.Stop()

	s.tick(ctx)
	for {
		select {
		case <-ticker.C:
			s.tick(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// tick runs the job if it is due
func (s *Scheduler) tick(ctx context.Context) {
	now := s.nowFn()
	due, err := s.due(ctx, now)
	if err != nil {
		s.logger.Warn("Failed to check cleanup schedule", zap.Error(err))
		return
	}
	if !due {
		return
	}

	if _, err := s.run(ctx, now); err != nil {
		if errors.Is(err, ErrRunning) {
			s.logger.Info("Skipping scheduled cleanup, previous run still in progress")
			return
		}
		s.logger.Error("Scheduled cleanup failed", zap.String("job", s.job.Name()), zap.Error(err))
	}
}

// due reports whether the most recent run time has passed without a run
// recorded after it. A registry that never ran waits for today's run time.
func (s *Scheduler) due(ctx context.Context, now time.Time) (bool, error) {
	last, err := s.watermark.LastCleanupRun(ctx)
	if err != nil {
		return false, err
	}
	if last.IsZero() {
		return !now.Before(s.runTime(now, 0)), nil
	}
	return last.Before(s.previousRunTime(now)), nil
}

// previousRunTime returns the latest trigger time at or before now
func (s *Scheduler) previousRunTime(now time.Time) time.Time {
	runAt := s.runTime(now, 0)
	if now.Before(runAt) {
		runAt = s.runTime(now, -1)
	}
	return runAt
}

// runTime returns the trigger time on the calendar day of now, shifted by
// days, in the configured zone
func (s *Scheduler) runTime(now time.Time, days int) time.Time {
	local := now.In(s.opts.Location)
	return time.Date(local.Year(), local.Month(), local.Day()+days, s.opts.Hour, s.opts.Minute, 0, 0, s.opts.Location)
}

// RunNow executes the job immediately, regardless of the schedule
func (s *Scheduler) RunNow(ctx context.Context) (*cleanup.Report, error) {
	return s.run(ctx, s.nowFn())
}

func (s *Scheduler) run(ctx context.Context, now time.Time) (*cleanup.Report, error) {
	if !s.running.CompareAndSwap(false, true) {
		return nil, ErrRunning
	}
	defer s.running.Store(false)

	s.logger.Info("Running cleanup job", zap.String("job", s.job.Name()), zap.Time("at", now))
	report, err := s.job.Run(ctx)
	if err != nil {
		return nil, err
	}

	// a failed run leaves the watermark alone and is retried on the next tick
	if err := s.watermark.SetLastCleanupRun(ctx, now); err != nil {
		s.logger.Error("Failed to persist cleanup watermark", zap.Error(err))
		return report, err
	}
	return report, nil
}
