package events

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/require"

	"gym_capacity/models"
)

type fakeWriter struct {
	msgs   []kafka.Message
	err    error
	closed bool
}

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeWriter) Close() error {
	f.closed = true
	return nil
}

func TestPublish_EncodesRunKeyedByID(t *testing.T) {
	w := &fakeWriter{}
	p := newPublisher(w, "gym-sync-runs")
	at := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	p.now = func() time.Time { return at }

	report := models.RunReport{
		Run: models.SyncRun{ID: 12, Status: models.SyncStatusSuccess, GymsFetched: 1, TriggeredBy: models.TriggerScheduled, StartedAt: at},
		Readings: []models.Observation{
			{GymName: "BETHANIA", UsersCount: 31, ObservedAt: at},
		},
	}
	require.NoError(t, p.Publish(context.Background(), report))
	require.Len(t, w.msgs, 1)

	msg := w.msgs[0]
	require.Equal(t, "12", string(msg.Key))
	require.Equal(t, "success", string(msg.Headers[1].Value))

	var ev RunEvent
	require.NoError(t, json.Unmarshal(msg.Value, &ev))
	require.Equal(t, EventTypeRunFinished, ev.EventType)
	require.Equal(t, int64(12), ev.Run.ID)
	require.Len(t, ev.Readings, 1)
	require.True(t, ev.OccurredAt.Equal(at))
	_, err := uuid.Parse(ev.EventID)
	require.NoError(t, err)
}

func TestServe_LogsWriteErrorsAndKeepsGoing(t *testing.T) {
	w := &fakeWriter{err: errors.New("broker down")}
	p := newPublisher(w, "gym-sync-runs")

	p.RunFinished(context.Background(), models.RunReport{Run: models.SyncRun{ID: 1, Status: models.SyncStatusFailed}})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, p.Serve(ctx), context.Canceled)
	require.Empty(t, w.msgs)
	require.Empty(t, p.queue)

	require.ErrorContains(t, p.Publish(context.Background(), models.RunReport{}), "broker down")
	require.NoError(t, p.Close())
	require.True(t, w.closed)
}

func TestRunFinished_DoesNotWaitForBroker(t *testing.T) {
	w := &blockingWriter{release: make(chan struct{})}
	p := newPublisher(w, "gym-sync-runs")

	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- p.Serve(ctx) }()

	returned := make(chan struct{})
	go func() {
		p.RunFinished(context.Background(), models.RunReport{Run: models.SyncRun{ID: 1, Status: models.SyncStatusSuccess}})
		p.RunFinished(context.Background(), models.RunReport{Run: models.SyncRun{ID: 2, Status: models.SyncStatusSuccess}})
		close(returned)
	}()

	select {
	case <-returned:
	case <-time.After(time.Second):
		t.Fatal("RunFinished blocked on the broker")
	}

	close(w.release)
	require.Eventually(t, func() bool { return w.count() == 2 }, time.Second, 10*time.Millisecond)
	cancel()
	require.ErrorIs(t, <-served, context.Canceled)
}

func TestRunFinished_DropsWhenQueueFull(t *testing.T) {
	w := &fakeWriter{}
	p := newPublisher(w, "gym-sync-runs")

	for i := 0; i < eventQueueSize+3; i++ {
		p.RunFinished(context.Background(), models.RunReport{Run: models.SyncRun{ID: int64(i)}})
	}
	require.Len(t, p.queue, eventQueueSize)
}

type blockingWriter struct {
	release chan struct{}
	mu      sync.Mutex
	written int
}

func (b *blockingWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	select {
	case <-b.release:
	case <-ctx.Done():
		return ctx.Err()
	}
	b.mu.Lock()
	b.written += len(msgs)
	b.mu.Unlock()
	return nil
}

func (b *blockingWriter) Close() error { return nil }

func (b *blockingWriter) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.written
}
