package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gym_capacity/config"
	"gym_capacity/models"
)

// ErrRunInProgress is returned by BeginRun when another sync run holds the
// in_progress row.
var ErrRunInProgress = errors.New("a sync run is already in progress")

const staleRunMessage = "stale run recovered: exceeded staleness threshold"

// Store is the sync record store shared by the collector, the status facade
// and the credential endpoints. Implementations keep every write
// transactional.
type Store interface {
	// BeginRun force-fails in_progress runs started before staleBefore, then
	// inserts a new in_progress run unless one is still active.
	BeginRun(ctx context.Context, trigger models.TriggerSource, startedAt, staleBefore time.Time) (*models.SyncRun, []int64, error)
	// InsertFailedRun records a run that never acquired the lock.
	InsertFailedRun(ctx context.Context, trigger models.TriggerSource, at time.Time, message string) (*models.SyncRun, error)
	// FinishRun writes the terminal state once. It reports false when the run
	// was already terminal.
	FinishRun(ctx context.Context, id int64, outcome models.RunOutcome, completedAt time.Time) (bool, error)
	// RecordReading upserts the gym by name and appends one reading in a
	// single transaction.
	RecordReading(ctx context.Context, obs models.Observation, ingestedAt time.Time) (*models.CapacityReading, error)
	AppendRunLog(ctx context.Context, entry models.SyncLog) error

	GetRun(ctx context.Context, id int64) (*models.SyncRun, error)
	InProgressRun(ctx context.Context) (*models.SyncRun, error)
	LatestFinishedRun(ctx context.Context) (*models.SyncRun, error)
	LastSuccessfulRun(ctx context.Context) (*models.SyncRun, error)
	SyncHistory(ctx context.Context, limit int) ([]models.SyncRun, error)
	RunLogs(ctx context.Context, runID int64) ([]models.SyncLog, error)

	LatestReadings(ctx context.Context) ([]models.LatestReading, error)
	GymHistory(ctx context.Context, gymName string, from, to time.Time) ([]models.ReadingPoint, error)
	Stats(ctx context.Context, since time.Time, gymNames []string) (*models.CapacityStats, error)
	ListGyms(ctx context.Context) ([]models.Gym, error)
	CountReadings(ctx context.Context, gymName string) (int, error)

	GetActiveCredentials(ctx context.Context) (*models.Credentials, error)
	SaveCredentials(ctx context.Context, email, password string, at time.Time) error
	DeleteCredentials(ctx context.Context) error

	Close() error
}

// Open returns the store selected by cfg.Driver.
func Open(ctx context.Context, cfg config.StorageConfig) (Store, error) {
	switch cfg.Driver {
	case "", "sqlite":
		return NewSQLiteStore(cfg.DBPath)
	case "postgres":
		return NewPostgresStore(ctx, cfg.PostgresURL)
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}
}

func durationSeconds(start, end time.Time) float64 {
	d := end.Sub(start).Seconds()
	if d < 0 {
		return 0
	}
	return d
}

func nullableString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
