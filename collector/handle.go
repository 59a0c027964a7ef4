package collector

import (
	"context"
	"sync"
	"time"

	"gym_capacity/models"
)

// RunHandle tracks a run started in the background.
type RunHandle struct {
	RunID     int64
	StartedAt time.Time
	Trigger   models.TriggerSource

	done   chan struct{}
	mu     sync.Mutex
	result models.SyncRun
}

func newRunHandle(run models.SyncRun) *RunHandle {
	return &RunHandle{
		RunID:     run.ID,
		StartedAt: run.StartedAt,
		Trigger:   run.TriggeredBy,
		done:      make(chan struct{}),
		result:    run,
	}
}

func (h *RunHandle) complete(run models.SyncRun) {
	h.mu.Lock()
	h.result = run
	h.mu.Unlock()
	close(h.done)
}

// Done is closed once the run is terminal.
func (h *RunHandle) Done() <-chan struct{} {
	return h.done
}

// Result returns the run as last known and whether it is terminal.
func (h *RunHandle) Result() (models.SyncRun, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.result, h.result.IsTerminal()
}

// Wait blocks until the run is terminal or ctx is done. The run keeps going
// when ctx ends first.
func (h *RunHandle) Wait(ctx context.Context) (*models.SyncRun, error) {
	select {
	case <-h.done:
		run, _ := h.Result()
		return &run, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
