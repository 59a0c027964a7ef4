package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"gym_capacity/collector"
	"gym_capacity/config"
	"gym_capacity/models"
)

type fakeRunner struct {
	mu       sync.Mutex
	runs     []models.TriggerSource
	starts   []models.TriggerSource
	ran      chan struct{}
	block    chan struct{}
	startErr error
}

func (f *fakeRunner) Run(_ context.Context, trigger models.TriggerSource) (*models.SyncRun, error) {
	f.mu.Lock()
	f.runs = append(f.runs, trigger)
	f.mu.Unlock()
	if f.ran != nil {
		f.ran <- struct{}{}
	}
	if f.block != nil {
		<-f.block
	}
	return &models.SyncRun{ID: 1, Status: models.SyncStatusSuccess, TriggeredBy: trigger}, nil
}

func (f *fakeRunner) Start(_ context.Context, trigger models.TriggerSource) (*collector.RunHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts = append(f.starts, trigger)
	if f.startErr != nil {
		return nil, f.startErr
	}
	return &collector.RunHandle{RunID: 7, Trigger: trigger}, nil
}

func TestNew_ValidatesSchedule(t *testing.T) {
	_, err := New(config.SchedulerConfig{IntervalMinutes: 0}, &fakeRunner{})
	require.Error(t, err)

	_, err = New(config.SchedulerConfig{Cron: "not a cron"}, &fakeRunner{})
	require.Error(t, err)

	_, err = New(config.SchedulerConfig{Cron: "*/10 * * * *"}, &fakeRunner{})
	require.NoError(t, err)
}

func TestInfo_ReportsIntervalAndNextRun(t *testing.T) {
	s, err := New(config.SchedulerConfig{IntervalMinutes: 15}, &fakeRunner{})
	require.NoError(t, err)

	before := time.Now()
	info := s.Info()
	require.Equal(t, 15, info.IntervalMinutes)
	require.False(t, info.Running)
	require.NotNil(t, info.NextRunAt)
	require.WithinDuration(t, before.Add(15*time.Minute), *info.NextRunAt, 5*time.Second)
}

func TestRunOnStart_FiresScheduledRun(t *testing.T) {
	runner := &fakeRunner{ran: make(chan struct{}, 1)}
	s, err := New(config.SchedulerConfig{IntervalMinutes: 15, RunOnStart: true}, runner)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx) }()

	select {
	case <-runner.ran:
	case <-time.After(5 * time.Second):
		t.Fatal("scheduled run did not fire")
	}
	require.Eventually(t, func() bool { return s.Info().Running }, time.Second, 10*time.Millisecond)

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
	require.False(t, s.Info().Running)

	runner.mu.Lock()
	defer runner.mu.Unlock()
	require.Equal(t, []models.TriggerSource{models.TriggerScheduled}, runner.runs)
}

func TestTriggerNow_StartsManualRun(t *testing.T) {
	runner := &fakeRunner{}
	s, err := New(config.SchedulerConfig{IntervalMinutes: 15}, runner)
	require.NoError(t, err)

	handle, err := s.TriggerNow(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(7), handle.RunID)

	runner.startErr = collector.ErrAlreadyInProgress
	_, err = s.TriggerNow(context.Background())
	require.ErrorIs(t, err, collector.ErrAlreadyInProgress)

	require.Equal(t, []models.TriggerSource{models.TriggerManual, models.TriggerManual}, runner.starts)
}

func TestStop_WaitsForRunOnStart(t *testing.T) {
	runner := &fakeRunner{ran: make(chan struct{}, 1), block: make(chan struct{})}
	s, err := New(config.SchedulerConfig{IntervalMinutes: 15, RunOnStart: true}, runner)
	require.NoError(t, err)

	s.Start(context.Background())
	select {
	case <-runner.ran:
	case <-time.After(5 * time.Second):
		t.Fatal("run on start did not fire")
	}

	stopped := make(chan struct{})
	go func() {
		s.Stop()
		close(stopped)
	}()

	isStopped := func() bool {
		select {
		case <-stopped:
			return true
		default:
			return false
		}
	}
	require.Never(t, isStopped, 100*time.Millisecond, 10*time.Millisecond)

	close(runner.block)
	require.Eventually(t, isStopped, 5*time.Second, 10*time.Millisecond)
}
