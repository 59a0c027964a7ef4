package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"gym_capacity/models"
)

// syncLockKey serializes BeginRun across every process sharing the database.
const syncLockKey int64 = 0x67796d63

type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, connString string) (*PostgresStore, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	config.MaxConns = 10
	config.MinConns = 2
	config.MaxConnLifetime = 30 * time.Minute
	config.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	store := &PostgresStore{pool: pool}
	if err := store.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return store, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStore) migrate(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS gyms (
		id BIGSERIAL PRIMARY KEY,
		name TEXT NOT NULL UNIQUE,
		address TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL
	);

	CREATE TABLE IF NOT EXISTS capacity_logs (
		id BIGSERIAL PRIMARY KEY,
		gym_id BIGINT NOT NULL REFERENCES gyms(id),
		users_count INTEGER NOT NULL CHECK (users_count >= 0),
		users_limit INTEGER,
		observed_at TIMESTAMPTZ NOT NULL,
		created_at TIMESTAMPTZ NOT NULL
	);

	CREATE TABLE IF NOT EXISTS sync_history (
		id BIGSERIAL PRIMARY KEY,
		started_at TIMESTAMPTZ NOT NULL,
		completed_at TIMESTAMPTZ,
		status TEXT NOT NULL CHECK (status IN ('in_progress', 'success', 'failed')),
		gyms_fetched INTEGER NOT NULL DEFAULT 0,
		error_message TEXT,
		duration_seconds DOUBLE PRECISION,
		triggered_by TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS sync_logs (
		id BIGSERIAL PRIMARY KEY,
		run_id BIGINT NOT NULL REFERENCES sync_history(id),
		logged_at TIMESTAMPTZ NOT NULL,
		level TEXT NOT NULL,
		message TEXT NOT NULL,
		gym TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS credentials (
		id BIGSERIAL PRIMARY KEY,
		email TEXT NOT NULL,
		password TEXT NOT NULL,
		is_active BOOLEAN NOT NULL DEFAULT TRUE,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_capacity_gym_observed ON capacity_logs(gym_id, observed_at);
	CREATE INDEX IF NOT EXISTS idx_capacity_observed ON capacity_logs(observed_at);
	CREATE INDEX IF NOT EXISTS idx_sync_started ON sync_history(started_at);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_sync_single_in_progress ON sync_history(status) WHERE status = 'in_progress';
	CREATE INDEX IF NOT EXISTS idx_sync_logs_run ON sync_logs(run_id, logged_at);
	`
	_, err := s.pool.Exec(ctx, schema)
	return err
}

// =============================================================================
// Sync runs
// =============================================================================

func (s *PostgresStore) BeginRun(ctx context.Context, trigger models.TriggerSource, startedAt, staleBefore time.Time) (*models.SyncRun, []int64, error) {
	startedAt = startedAt.UTC()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, nil, err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, syncLockKey); err != nil {
		return nil, nil, fmt.Errorf("acquire sync lock: %w", err)
	}

	rows, err := tx.Query(ctx, `
		UPDATE sync_history SET
			status = 'failed',
			completed_at = $1,
			error_message = $2,
			duration_seconds = GREATEST(EXTRACT(EPOCH FROM ($1::timestamptz - started_at)), 0)
		WHERE status = 'in_progress' AND started_at < $3
		RETURNING id`,
		startedAt, staleRunMessage, staleBefore.UTC())
	if err != nil {
		return nil, nil, fmt.Errorf("recover stale runs: %w", err)
	}
	recovered, err := pgx.CollectRows(rows, pgx.RowTo[int64])
	if err != nil {
		return nil, nil, fmt.Errorf("recover stale runs: %w", err)
	}

	var active int64
	err = tx.QueryRow(ctx, `SELECT id FROM sync_history WHERE status = 'in_progress' LIMIT 1`).Scan(&active)
	switch {
	case err == nil:
		if cerr := tx.Commit(ctx); cerr != nil {
			return nil, nil, cerr
		}
		return nil, recovered, ErrRunInProgress
	case !errors.Is(err, pgx.ErrNoRows):
		return nil, nil, err
	}

	var id int64
	err = tx.QueryRow(ctx, `
		INSERT INTO sync_history (started_at, status, gyms_fetched, triggered_by)
		VALUES ($1, 'in_progress', 0, $2)
		RETURNING id`,
		startedAt, string(trigger)).Scan(&id)
	if err != nil {
		if isPgUniqueViolation(err) {
			return nil, recovered, ErrRunInProgress
		}
		return nil, nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, nil, err
	}

	return &models.SyncRun{
		ID:          id,
		StartedAt:   startedAt,
		Status:      models.SyncStatusInProgress,
		TriggeredBy: trigger,
	}, recovered, nil
}

func (s *PostgresStore) InsertFailedRun(ctx context.Context, trigger models.TriggerSource, at time.Time, message string) (*models.SyncRun, error) {
	at = at.UTC()
	var id int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO sync_history (started_at, completed_at, status, gyms_fetched, error_message, duration_seconds, triggered_by)
		VALUES ($1, $1, 'failed', 0, $2, 0, $3)
		RETURNING id`,
		at, message, string(trigger)).Scan(&id)
	if err != nil {
		return nil, err
	}

	run := &models.SyncRun{ID: id, StartedAt: at, TriggeredBy: trigger}
	run.Apply(models.RunOutcome{Status: models.SyncStatusFailed, Error: message}, at)
	return run, nil
}

func (s *PostgresStore) FinishRun(ctx context.Context, id int64, outcome models.RunOutcome, completedAt time.Time) (bool, error) {
	if outcome.Status != models.SyncStatusSuccess && outcome.Status != models.SyncStatusFailed {
		return false, fmt.Errorf("finish run %d: %q is not a terminal status", id, outcome.Status)
	}
	completedAt = completedAt.UTC()

	tag, err := s.pool.Exec(ctx, `
		UPDATE sync_history SET
			completed_at = $1,
			status = $2,
			gyms_fetched = $3,
			error_message = $4,
			duration_seconds = GREATEST(EXTRACT(EPOCH FROM ($1::timestamptz - started_at)), 0)
		WHERE id = $5 AND status = 'in_progress'`,
		completedAt, string(outcome.Status), outcome.GymsFetched, nullableString(outcome.Error), id)
	if err != nil {
		return false, err
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}

	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM sync_history WHERE id = $1)`, id).Scan(&exists); err != nil {
		return false, err
	}
	if !exists {
		return false, fmt.Errorf("finish run %d: not found", id)
	}
	return false, nil
}

func (s *PostgresStore) AppendRunLog(ctx context.Context, entry models.SyncLog) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO sync_logs (run_id, logged_at, level, message, gym)
		VALUES ($1, $2, $3, $4, $5)`,
		entry.RunID, entry.Timestamp.UTC(), string(entry.Level), entry.Message, entry.Gym)
	return err
}

func (s *PostgresStore) GetRun(ctx context.Context, id int64) (*models.SyncRun, error) {
	return s.queryRun(ctx, `SELECT `+syncRunColumns+` FROM sync_history WHERE id = $1`, id)
}

func (s *PostgresStore) InProgressRun(ctx context.Context) (*models.SyncRun, error) {
	return s.queryRun(ctx, `SELECT `+syncRunColumns+` FROM sync_history WHERE status = 'in_progress' LIMIT 1`)
}

func (s *PostgresStore) LatestFinishedRun(ctx context.Context) (*models.SyncRun, error) {
	return s.queryRun(ctx, `
		SELECT `+syncRunColumns+` FROM sync_history
		WHERE status != 'in_progress' ORDER BY started_at DESC, id DESC LIMIT 1`)
}

func (s *PostgresStore) LastSuccessfulRun(ctx context.Context) (*models.SyncRun, error) {
	return s.queryRun(ctx, `
		SELECT `+syncRunColumns+` FROM sync_history
		WHERE status = 'success' ORDER BY completed_at DESC, id DESC LIMIT 1`)
}

func (s *PostgresStore) SyncHistory(ctx context.Context, limit int) ([]models.SyncRun, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+syncRunColumns+` FROM sync_history
		ORDER BY started_at DESC, id DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []models.SyncRun
	for rows.Next() {
		run, err := scanPgRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *run)
	}
	return runs, rows.Err()
}

func (s *PostgresStore) RunLogs(ctx context.Context, runID int64) ([]models.SyncLog, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, run_id, logged_at, level, message, gym
		FROM sync_logs WHERE run_id = $1 ORDER BY logged_at, id`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var logs []models.SyncLog
	for rows.Next() {
		var l models.SyncLog
		var level string
		if err := rows.Scan(&l.ID, &l.RunID, &l.Timestamp, &level, &l.Message, &l.Gym); err != nil {
			return nil, err
		}
		l.Level = models.LogLevel(level)
		l.Timestamp = l.Timestamp.UTC()
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

func (s *PostgresStore) queryRun(ctx context.Context, query string, args ...any) (*models.SyncRun, error) {
	run, err := scanPgRun(s.pool.QueryRow(ctx, query, args...))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	return run, err
}

func scanPgRun(row pgx.Row) (*models.SyncRun, error) {
	var run models.SyncRun
	var status, trigger string
	if err := row.Scan(&run.ID, &run.StartedAt, &run.CompletedAt, &status, &run.GymsFetched,
		&run.ErrorMessage, &run.DurationSeconds, &trigger); err != nil {
		return nil, err
	}
	run.Status = models.SyncStatus(status)
	run.TriggeredBy = models.TriggerSource(trigger)
	run.StartedAt = run.StartedAt.UTC()
	if run.CompletedAt != nil {
		t := run.CompletedAt.UTC()
		run.CompletedAt = &t
	}
	return &run, nil
}

// =============================================================================
// Gyms and readings
// =============================================================================

func (s *PostgresStore) RecordReading(ctx context.Context, obs models.Observation, ingestedAt time.Time) (*models.CapacityReading, error) {
	name := strings.TrimSpace(obs.GymName)
	if name == "" {
		return nil, errors.New("record reading: empty gym name")
	}
	if obs.UsersCount < 0 {
		return nil, fmt.Errorf("record reading %s: negative count %d", name, obs.UsersCount)
	}
	ingestedAt = ingestedAt.UTC()
	observedAt := obs.ObservedAt.UTC()
	if obs.ObservedAt.IsZero() {
		observedAt = ingestedAt
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO gyms (name, address, created_at) VALUES ($1, $2, $3)
		ON CONFLICT (name) DO UPDATE SET address = EXCLUDED.address
		WHERE EXCLUDED.address <> '' AND EXCLUDED.address <> gyms.address`,
		name, strings.TrimSpace(obs.Address), ingestedAt)
	if err != nil {
		return nil, fmt.Errorf("upsert gym %s: %w", name, err)
	}

	var gymID int64
	if err := tx.QueryRow(ctx, `SELECT id FROM gyms WHERE name = $1`, name).Scan(&gymID); err != nil {
		return nil, fmt.Errorf("lookup gym %s: %w", name, err)
	}

	var id int64
	err = tx.QueryRow(ctx, `
		INSERT INTO capacity_logs (gym_id, users_count, users_limit, observed_at, created_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id`,
		gymID, obs.UsersCount, obs.UsersLimit, observedAt, ingestedAt).Scan(&id)
	if err != nil {
		return nil, fmt.Errorf("append reading %s: %w", name, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	return &models.CapacityReading{
		ID:         id,
		GymID:      gymID,
		UsersCount: obs.UsersCount,
		UsersLimit: obs.UsersLimit,
		ObservedAt: observedAt,
		CreatedAt:  ingestedAt,
	}, nil
}

func (s *PostgresStore) LatestReadings(ctx context.Context) ([]models.LatestReading, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT g.id, g.name, g.address, c.users_count, c.users_limit, c.observed_at
		FROM gyms g
		JOIN LATERAL (
			SELECT users_count, users_limit, observed_at FROM capacity_logs
			WHERE gym_id = g.id ORDER BY observed_at DESC, id DESC LIMIT 1
		) c ON TRUE
		ORDER BY c.users_count DESC, g.name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.LatestReading
	for rows.Next() {
		var r models.LatestReading
		if err := rows.Scan(&r.GymID, &r.GymName, &r.Address, &r.UsersCount, &r.UsersLimit, &r.ObservedAt); err != nil {
			return nil, err
		}
		r.ObservedAt = r.ObservedAt.UTC()
		r.Percentage = models.Percent(r.UsersCount, r.UsersLimit)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *PostgresStore) GymHistory(ctx context.Context, gymName string, from, to time.Time) ([]models.ReadingPoint, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT c.observed_at, c.users_count, c.users_limit
		FROM capacity_logs c JOIN gyms g ON g.id = c.gym_id
		WHERE g.name = $1 AND c.observed_at >= $2 AND c.observed_at <= $3
		ORDER BY c.observed_at, c.id`,
		gymName, from.UTC(), to.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var points []models.ReadingPoint
	for rows.Next() {
		var p models.ReadingPoint
		if err := rows.Scan(&p.ObservedAt, &p.UsersCount, &p.UsersLimit); err != nil {
			return nil, err
		}
		p.ObservedAt = p.ObservedAt.UTC()
		points = append(points, p)
	}
	return points, rows.Err()
}

func (s *PostgresStore) Stats(ctx context.Context, since time.Time, gymNames []string) (*models.CapacityStats, error) {
	query := `
		SELECT COUNT(*), COUNT(DISTINCT c.gym_id), ROUND(AVG(c.users_count), 1)::float8,
			MAX(c.users_count), MIN(c.users_count)
		FROM capacity_logs c JOIN gyms g ON g.id = c.gym_id
		WHERE c.observed_at >= $1`
	args := []any{since.UTC()}
	if len(gymNames) > 0 {
		query += ` AND g.name = ANY($2)`
		args = append(args, gymNames)
	}

	var stats models.CapacityStats
	if err := s.pool.QueryRow(ctx, query, args...).Scan(
		&stats.TotalRecords, &stats.TotalGyms, &stats.AvgCapacity, &stats.MaxCapacity, &stats.MinCapacity,
	); err != nil {
		return nil, err
	}
	stats.Gyms = gymNames
	return &stats, nil
}

func (s *PostgresStore) ListGyms(ctx context.Context) ([]models.Gym, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, name, address, created_at FROM gyms ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var gyms []models.Gym
	for rows.Next() {
		var g models.Gym
		if err := rows.Scan(&g.ID, &g.Name, &g.Address, &g.CreatedAt); err != nil {
			return nil, err
		}
		gyms = append(gyms, g)
	}
	return gyms, rows.Err()
}

func (s *PostgresStore) CountReadings(ctx context.Context, gymName string) (int, error) {
	var count int
	var err error
	if gymName == "" {
		err = s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM capacity_logs`).Scan(&count)
	} else {
		err = s.pool.QueryRow(ctx, `
			SELECT COUNT(*) FROM capacity_logs c JOIN gyms g ON g.id = c.gym_id
			WHERE g.name = $1`, gymName).Scan(&count)
	}
	return count, err
}

// =============================================================================
// Credentials
// =============================================================================

func (s *PostgresStore) GetActiveCredentials(ctx context.Context) (*models.Credentials, error) {
	var c models.Credentials
	err := s.pool.QueryRow(ctx, `
		SELECT id, email, password, is_active, created_at, updated_at
		FROM credentials WHERE is_active
		ORDER BY updated_at DESC, id DESC LIMIT 1`,
	).Scan(&c.ID, &c.Email, &c.Password, &c.IsActive, &c.CreatedAt, &c.UpdatedAt)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *PostgresStore) SaveCredentials(ctx context.Context, email, password string, at time.Time) error {
	at = at.UTC()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var id int64
	err = tx.QueryRow(ctx, `
		SELECT id FROM credentials WHERE is_active
		ORDER BY updated_at DESC, id DESC LIMIT 1 FOR UPDATE`).Scan(&id)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		_, err = tx.Exec(ctx, `
			INSERT INTO credentials (email, password, is_active, created_at, updated_at)
			VALUES ($1, $2, TRUE, $3, $3)`, email, password, at)
	case err == nil:
		_, err = tx.Exec(ctx, `
			UPDATE credentials SET email = $1, password = $2, updated_at = $3 WHERE id = $4`,
			email, password, at, id)
		if err == nil {
			_, err = tx.Exec(ctx, `UPDATE credentials SET is_active = FALSE WHERE id <> $1`, id)
		}
	}
	if err != nil {
		return err
	}

	return tx.Commit(ctx)
}

func (s *PostgresStore) DeleteCredentials(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM credentials`)
	return err
}

func isPgUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
