package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/upb/artifact-registry/config"
	"github.com/upb/artifact-registry/services/cleanup"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

type memWatermark struct {
	mu   sync.Mutex
	last time.Time
	err  error
}

func (w *memWatermark) LastCleanupRun(ctx context.Context) (time.Time, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.last, w.err
}

func (w *memWatermark) SetLastCleanupRun(ctx context.Context, t time.Time) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.last = t
	return nil
}

func (w *memWatermark) get() time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.last
}

type countingJob struct {
	runs    atomic.Int32
	err     error
	block   chan struct{}
	started chan struct{}
}

func (j *countingJob) Name() string { return "test-job" }

func (j *countingJob) Run(ctx context.Context) (*cleanup.Report, error) {
	j.runs.Add(1)
	if j.started != nil {
		j.started <- struct{}{}
	}
	if j.block != nil {
		select {
		case <-j.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if j.err != nil {
		return nil, j.err
	}
	return &cleanup.Report{}, nil
}

func at(hour, minute int) time.Time {
	return time.Date(2024, 6, 10, hour, minute, 0, 0, time.UTC)
}

func newScheduler(t *testing.T, job Job, wm Watermark, now time.Time) *Scheduler {
	return New(job, wm, Options{Hour: 3, Minute: 0, Location: time.UTC}, zaptest.NewLogger(t)).
		WithClock(func() time.Time { return now })
}

func TestTick(t *testing.T) {
	tests := []struct {
		name      string
		now       time.Time
		watermark time.Time
		wantRun   bool
	}{
		{
			name:    "before run time",
			now:     at(2, 59),
			wantRun: false,
		},
		{
			name:    "first run after run time",
			now:     at(3, 0),
			wantRun: true,
		},
		{
			name:      "already ran today",
			now:       at(14, 0),
			watermark: at(3, 1),
			wantRun:   false,
		},
		{
			name:      "catches up a missed day",
			now:       at(14, 0),
			watermark: at(3, 0).AddDate(0, 0, -2),
			wantRun:   true,
		},
		{
			name:      "yesterday's run does not count before today's run time",
			now:       at(1, 0),
			watermark: at(3, 0).AddDate(0, 0, -1),
			wantRun:   false,
		},
		{
			name:      "restart before run time catches up yesterday's missed run",
			now:       at(2, 0),
			watermark: at(3, 0).AddDate(0, 0, -2),
			wantRun:   true,
		},
		{
			name:      "late run yesterday covers the night",
			now:       at(2, 0),
			watermark: at(23, 0).AddDate(0, 0, -1),
			wantRun:   false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			job := &countingJob{}
			wm := &memWatermark{last: tt.watermark}
			s := newScheduler(t, job, wm, tt.now)

			s.tick(context.Background())

			if tt.wantRun {
				assert.Equal(t, int32(1), job.runs.Load())
				assert.Equal(t, tt.now, wm.get())
			} else {
				assert.Equal(t, int32(0), job.runs.Load())
				assert.Equal(t, tt.watermark, wm.get())
			}
		})
	}
}

func TestTick_RestartDoesNotRunTwice(t *testing.T) {
	job := &countingJob{}
	wm := &memWatermark{}

	newScheduler(t, job, wm, at(4, 0)).tick(context.Background())
	newScheduler(t, job, wm, at(4, 5)).tick(context.Background())

	assert.Equal(t, int32(1), job.runs.Load())
}

func TestTick_MissedRunIsNotRepeatedAfterCatchUp(t *testing.T) {
	job := &countingJob{}
	wm := &memWatermark{last: at(3, 0).AddDate(0, 0, -2)}

	// down over yesterday's 03:00, back at 02:00
	newScheduler(t, job, wm, at(2, 0)).tick(context.Background())
	newScheduler(t, job, wm, at(2, 30)).tick(context.Background())
	assert.Equal(t, int32(1), job.runs.Load())

	// today's own run still happens
	newScheduler(t, job, wm, at(3, 0)).tick(context.Background())
	assert.Equal(t, int32(2), job.runs.Load())
}

func TestTick_FailedRunKeepsWatermark(t *testing.T) {
	job := &countingJob{err: errors.New("db down")}
	wm := &memWatermark{}
	s := newScheduler(t, job, wm, at(5, 0))

	s.tick(context.Background())
	s.tick(context.Background())

	assert.Equal(t, int32(2), job.runs.Load())
	assert.True(t, wm.get().IsZero())
}

func TestTick_WatermarkErrorSkipsRun(t *testing.T) {
	job := &countingJob{}
	wm := &memWatermark{err: errors.New("db down")}
	s := newScheduler(t, job, wm, at(5, 0))

	s.tick(context.Background())

	assert.Equal(t, int32(0), job.runs.Load())
}

func TestRunNow_NonReentrant(t *testing.T) {
	job := &countingJob{block: make(chan struct{}), started: make(chan struct{}, 1)}
	s := newScheduler(t, job, &memWatermark{}, at(1, 0))

	errCh := make(chan error, 1)
	go func() {
		_, err := s.RunNow(context.Background())
		errCh <- err
	}()
	<-job.started

	_, err := s.RunNow(context.Background())
	assert.ErrorIs(t, err, ErrRunning)

	// a tick that finds the run in progress skips
	s.WithClock(func() time.Time { return at(6, 0) }).tick(context.Background())

	close(job.block)
	require.NoError(t, <-errCh)
	assert.Equal(t, int32(1), job.runs.Load())
}

func TestStartStop(t *testing.T) {
	job := &countingJob{}
	wm := &memWatermark{}
	s := New(job, wm, Options{Hour: 0, Minute: 0, Location: time.UTC, CheckInterval: 10 * time.Millisecond}, zap.NewNop())

	require.NoError(t, s.Start(context.Background()))
	assert.Error(t, s.Start(context.Background()))

	assert.Eventually(t, func() bool { return job.runs.Load() == 1 }, time.Second, 5*time.Millisecond)

	// later ticks on the same day find the watermark
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), job.runs.Load())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))
	assert.Error(t, s.Stop(ctx))
}

func TestStop_CancelsInFlightRun(t *testing.T) {
	job := &countingJob{block: make(chan struct{}), started: make(chan struct{}, 1)}
	s := New(job, &memWatermark{}, Options{Location: time.UTC, CheckInterval: time.Hour}, zap.NewNop())

	require.NoError(t, s.Start(context.Background()))
	<-job.started

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))
}

func TestOptionsFromConfig(t *testing.T) {
	opts, err := OptionsFromConfig(config.CleanupConfig{RunAt: "04:30", Timezone: "UTC", CheckInterval: time.Minute})
	require.NoError(t, err)
	assert.Equal(t, 4, opts.Hour)
	assert.Equal(t, 30, opts.Minute)
	assert.Equal(t, time.UTC, opts.Location)

	_, err = OptionsFromConfig(config.CleanupConfig{RunAt: "25:99"})
	assert.Error(t, err)
}
