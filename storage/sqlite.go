package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"

	"gym_capacity/models"
)

type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens dbPath with WAL and IMMEDIATE transactions so the run
// lock check and insert cannot interleave between writers.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on&_txlock=immediate")
	if err != nil {
		return nil, err
	}

	store := &SQLiteStore{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate %s: %w", dbPath, err)
	}

	return store, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS gyms (
		id INTEGER PRIMARY KEY,
		name TEXT NOT NULL UNIQUE,
		address TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS capacity_logs (
		id INTEGER PRIMARY KEY,
		gym_id INTEGER NOT NULL,
		users_count INTEGER NOT NULL CHECK (users_count >= 0),
		users_limit INTEGER,
		observed_at DATETIME NOT NULL,
		created_at DATETIME NOT NULL,
		FOREIGN KEY (gym_id) REFERENCES gyms(id)
	);

	CREATE TABLE IF NOT EXISTS sync_history (
		id INTEGER PRIMARY KEY,
		started_at DATETIME NOT NULL,
		completed_at DATETIME,
		status TEXT NOT NULL CHECK (status IN ('in_progress', 'success', 'failed')),
		gyms_fetched INTEGER NOT NULL DEFAULT 0,
		error_message TEXT,
		duration_seconds REAL,
		triggered_by TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS sync_logs (
		id INTEGER PRIMARY KEY,
		run_id INTEGER NOT NULL,
		logged_at DATETIME NOT NULL,
		level TEXT NOT NULL,
		message TEXT NOT NULL,
		gym TEXT NOT NULL DEFAULT '',
		FOREIGN KEY (run_id) REFERENCES sync_history(id)
	);

	CREATE TABLE IF NOT EXISTS credentials (
		id INTEGER PRIMARY KEY,
		email TEXT NOT NULL,
		password TEXT NOT NULL,
		is_active BOOLEAN NOT NULL DEFAULT TRUE,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_capacity_gym_observed ON capacity_logs(gym_id, observed_at);
	CREATE INDEX IF NOT EXISTS idx_capacity_observed ON capacity_logs(observed_at);
	CREATE INDEX IF NOT EXISTS idx_sync_started ON sync_history(started_at);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_sync_single_in_progress ON sync_history(status) WHERE status = 'in_progress';
	CREATE INDEX IF NOT EXISTS idx_sync_logs_run ON sync_logs(run_id, logged_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// Sync runs
// =============================================================================

const syncRunColumns = `id, started_at, completed_at, status, gyms_fetched, error_message, duration_seconds, triggered_by`

func (s *SQLiteStore) BeginRun(ctx context.Context, trigger models.TriggerSource, startedAt, staleBefore time.Time) (*models.SyncRun, []int64, error) {
	startedAt = startedAt.UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, err
	}
	defer tx.Rollback()

	recovered, err := s.recoverStale(ctx, tx, startedAt, staleBefore.UTC())
	if err != nil {
		return nil, nil, fmt.Errorf("recover stale runs: %w", err)
	}

	var active int64
	err = tx.QueryRowContext(ctx, `SELECT id FROM sync_history WHERE status = 'in_progress' LIMIT 1`).Scan(&active)
	switch {
	case err == nil:
		// Keep any recovery that happened before giving up.
		if cerr := tx.Commit(); cerr != nil {
			return nil, nil, cerr
		}
		return nil, recovered, ErrRunInProgress
	case !errors.Is(err, sql.ErrNoRows):
		return nil, nil, err
	}

	result, err := tx.ExecContext(ctx, `
		INSERT INTO sync_history (started_at, status, gyms_fetched, triggered_by)
		VALUES (?, 'in_progress', 0, ?)`,
		startedAt, trigger)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, recovered, ErrRunInProgress
		}
		return nil, nil, err
	}
	id, err := result.LastInsertId()
	if err != nil {
		return nil, nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, nil, err
	}

	return &models.SyncRun{
		ID:          id,
		StartedAt:   startedAt,
		Status:      models.SyncStatusInProgress,
		TriggeredBy: trigger,
	}, recovered, nil
}

func (s *SQLiteStore) recoverStale(ctx context.Context, tx *sql.Tx, now, staleBefore time.Time) ([]int64, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT id, started_at FROM sync_history
		WHERE status = 'in_progress' AND started_at < ?`, staleBefore)
	if err != nil {
		return nil, err
	}

	type staleRun struct {
		id        int64
		startedAt time.Time
	}
	var stale []staleRun
	for rows.Next() {
		var r staleRun
		if err := rows.Scan(&r.id, &r.startedAt); err != nil {
			rows.Close()
			return nil, err
		}
		stale = append(stale, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var ids []int64
	for _, r := range stale {
		_, err := tx.ExecContext(ctx, `
			UPDATE sync_history SET status = 'failed', completed_at = ?, error_message = ?, duration_seconds = ?
			WHERE id = ? AND status = 'in_progress'`,
			now, staleRunMessage, durationSeconds(r.startedAt, now), r.id)
		if err != nil {
			return nil, err
		}
		ids = append(ids, r.id)
	}
	return ids, nil
}

func (s *SQLiteStore) InsertFailedRun(ctx context.Context, trigger models.TriggerSource, at time.Time, message string) (*models.SyncRun, error) {
	at = at.UTC()
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_history (started_at, completed_at, status, gyms_fetched, error_message, duration_seconds, triggered_by)
		VALUES (?, ?, 'failed', 0, ?, 0, ?)`,
		at, at, message, trigger)
	if err != nil {
		return nil, err
	}
	id, err := result.LastInsertId()
	if err != nil {
		return nil, err
	}

	run := &models.SyncRun{ID: id, StartedAt: at, TriggeredBy: trigger}
	run.Apply(models.RunOutcome{Status: models.SyncStatusFailed, Error: message}, at)
	return run, nil
}

func (s *SQLiteStore) FinishRun(ctx context.Context, id int64, outcome models.RunOutcome, completedAt time.Time) (bool, error) {
	if outcome.Status != models.SyncStatusSuccess && outcome.Status != models.SyncStatusFailed {
		return false, fmt.Errorf("finish run %d: %q is not a terminal status", id, outcome.Status)
	}
	completedAt = completedAt.UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	var startedAt time.Time
	var status string
	err = tx.QueryRowContext(ctx, `SELECT started_at, status FROM sync_history WHERE id = ?`, id).Scan(&startedAt, &status)
	if errors.Is(err, sql.ErrNoRows) {
		return false, fmt.Errorf("finish run %d: not found", id)
	}
	if err != nil {
		return false, err
	}
	if status != string(models.SyncStatusInProgress) {
		return false, nil
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE sync_history SET completed_at = ?, status = ?, gyms_fetched = ?, error_message = ?, duration_seconds = ?
		WHERE id = ? AND status = 'in_progress'`,
		completedAt, outcome.Status, outcome.GymsFetched, nullableString(outcome.Error),
		durationSeconds(startedAt, completedAt), id)
	if err != nil {
		return false, err
	}

	return true, tx.Commit()
}

func (s *SQLiteStore) AppendRunLog(ctx context.Context, entry models.SyncLog) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_logs (run_id, logged_at, level, message, gym)
		VALUES (?, ?, ?, ?, ?)`,
		entry.RunID, entry.Timestamp.UTC(), entry.Level, entry.Message, entry.Gym)
	return err
}

func (s *SQLiteStore) GetRun(ctx context.Context, id int64) (*models.SyncRun, error) {
	return s.queryRun(ctx, `SELECT `+syncRunColumns+` FROM sync_history WHERE id = ?`, id)
}

func (s *SQLiteStore) InProgressRun(ctx context.Context) (*models.SyncRun, error) {
	return s.queryRun(ctx, `SELECT `+syncRunColumns+` FROM sync_history WHERE status = 'in_progress' LIMIT 1`)
}

func (s *SQLiteStore) LatestFinishedRun(ctx context.Context) (*models.SyncRun, error) {
	return s.queryRun(ctx, `
		SELECT `+syncRunColumns+` FROM sync_history
		WHERE status != 'in_progress' ORDER BY started_at DESC, id DESC LIMIT 1`)
}

func (s *SQLiteStore) LastSuccessfulRun(ctx context.Context) (*models.SyncRun, error) {
	return s.queryRun(ctx, `
		SELECT `+syncRunColumns+` FROM sync_history
		WHERE status = 'success' ORDER BY completed_at DESC, id DESC LIMIT 1`)
}

func (s *SQLiteStore) SyncHistory(ctx context.Context, limit int) ([]models.SyncRun, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+syncRunColumns+` FROM sync_history
		ORDER BY started_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []models.SyncRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *run)
	}
	return runs, rows.Err()
}

func (s *SQLiteStore) RunLogs(ctx context.Context, runID int64) ([]models.SyncLog, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, run_id, logged_at, level, message, gym
		FROM sync_logs WHERE run_id = ? ORDER BY logged_at, id`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var logs []models.SyncLog
	for rows.Next() {
		var l models.SyncLog
		if err := rows.Scan(&l.ID, &l.RunID, &l.Timestamp, &l.Level, &l.Message, &l.Gym); err != nil {
			return nil, err
		}
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

func (s *SQLiteStore) queryRun(ctx context.Context, query string, args ...any) (*models.SyncRun, error) {
	run, err := scanRun(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return run, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*models.SyncRun, error) {
	var run models.SyncRun
	var completedAt sql.NullTime
	var errMsg sql.NullString
	var duration sql.NullFloat64
	if err := row.Scan(&run.ID, &run.StartedAt, &completedAt, &run.Status, &run.GymsFetched,
		&errMsg, &duration, &run.TriggeredBy); err != nil {
		return nil, err
	}
	if completedAt.Valid {
		t := completedAt.Time
		run.CompletedAt = &t
	}
	if errMsg.Valid {
		run.ErrorMessage = &errMsg.String
	}
	if duration.Valid {
		run.DurationSeconds = &duration.Float64
	}
	return &run, nil
}

// =============================================================================
// Gyms and readings
// =============================================================================

func (s *SQLiteStore) RecordReading(ctx context.Context, obs models.Observation, ingestedAt time.Time) (*models.CapacityReading, error) {
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

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	// Address is the only gym attribute that may be corrected later.
	_, err = tx.ExecContext(ctx, `
		INSERT INTO gyms (name, address, created_at) VALUES (?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET address = excluded.address
		WHERE excluded.address != '' AND excluded.address != gyms.address`,
		name, strings.TrimSpace(obs.Address), ingestedAt)
	if err != nil {
		return nil, fmt.Errorf("upsert gym %s: %w", name, err)
	}

	var gymID int64
	if err := tx.QueryRowContext(ctx, `SELECT id FROM gyms WHERE name = ?`, name).Scan(&gymID); err != nil {
		return nil, fmt.Errorf("lookup gym %s: %w", name, err)
	}

	result, err := tx.ExecContext(ctx, `
		INSERT INTO capacity_logs (gym_id, users_count, users_limit, observed_at, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		gymID, obs.UsersCount, obs.UsersLimit, observedAt, ingestedAt)
	if err != nil {
		return nil, fmt.Errorf("append reading %s: %w", name, err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
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

func (s *SQLiteStore) LatestReadings(ctx context.Context) ([]models.LatestReading, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT g.id, g.name, g.address, c.users_count, c.users_limit, c.observed_at
		FROM gyms g
		JOIN capacity_logs c ON c.id = (
			SELECT id FROM capacity_logs WHERE gym_id = g.id ORDER BY observed_at DESC, id DESC LIMIT 1
		)
		ORDER BY c.users_count DESC, g.name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.LatestReading
	for rows.Next() {
		var r models.LatestReading
		var limit sql.NullInt64
		if err := rows.Scan(&r.GymID, &r.GymName, &r.Address, &r.UsersCount, &limit, &r.ObservedAt); err != nil {
			return nil, err
		}
		r.UsersLimit = intPtr(limit)
		r.Percentage = models.Percent(r.UsersCount, r.UsersLimit)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) GymHistory(ctx context.Context, gymName string, from, to time.Time) ([]models.ReadingPoint, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.observed_at, c.users_count, c.users_limit
		FROM capacity_logs c JOIN gyms g ON g.id = c.gym_id
		WHERE g.name = ? AND c.observed_at >= ? AND c.observed_at <= ?
		ORDER BY c.observed_at, c.id`,
		gymName, from.UTC(), to.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var points []models.ReadingPoint
	for rows.Next() {
		var p models.ReadingPoint
		var limit sql.NullInt64
		if err := rows.Scan(&p.ObservedAt, &p.UsersCount, &limit); err != nil {
			return nil, err
		}
		p.UsersLimit = intPtr(limit)
		points = append(points, p)
	}
	return points, rows.Err()
}

func (s *SQLiteStore) Stats(ctx context.Context, since time.Time, gymNames []string) (*models.CapacityStats, error) {
	query := `
		SELECT COUNT(*), COUNT(DISTINCT c.gym_id), AVG(c.users_count), MAX(c.users_count), MIN(c.users_count)
		FROM capacity_logs c JOIN gyms g ON g.id = c.gym_id
		WHERE c.observed_at >= ?`
	args := []any{since.UTC()}
	if len(gymNames) > 0 {
		query += ` AND g.name IN (?` + strings.Repeat(", ?", len(gymNames)-1) + `)`
		for _, n := range gymNames {
			args = append(args, n)
		}
	}

	var stats models.CapacityStats
	var avg sql.NullFloat64
	var maxC, minC sql.NullInt64
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&stats.TotalRecords, &stats.TotalGyms, &avg, &maxC, &minC); err != nil {
		return nil, err
	}
	if avg.Valid {
		v := float64(int(avg.Float64*10+0.5)) / 10
		stats.AvgCapacity = &v
	}
	stats.MaxCapacity = intPtr(maxC)
	stats.MinCapacity = intPtr(minC)
	stats.Gyms = gymNames
	return &stats, nil
}

func (s *SQLiteStore) ListGyms(ctx context.Context) ([]models.Gym, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, address, created_at FROM gyms ORDER BY name`)
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

func (s *SQLiteStore) CountReadings(ctx context.Context, gymName string) (int, error) {
	var count int
	var err error
	if gymName == "" {
		err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM capacity_logs`).Scan(&count)
	} else {
		err = s.db.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM capacity_logs c JOIN gyms g ON g.id = c.gym_id
			WHERE g.name = ?`, gymName).Scan(&count)
	}
	return count, err
}

// =============================================================================
// Credentials
// =============================================================================

func (s *SQLiteStore) GetActiveCredentials(ctx context.Context) (*models.Credentials, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, email, password, is_active, created_at, updated_at
		FROM credentials WHERE is_active = TRUE
		ORDER BY updated_at DESC, id DESC LIMIT 1`)

	var c models.Credentials
	err := row.Scan(&c.ID, &c.Email, &c.Password, &c.IsActive, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *SQLiteStore) SaveCredentials(ctx context.Context, email, password string, at time.Time) error {
	at = at.UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var id int64
	err = tx.QueryRowContext(ctx, `
		SELECT id FROM credentials WHERE is_active = TRUE ORDER BY updated_at DESC, id DESC LIMIT 1`).Scan(&id)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		_, err = tx.ExecContext(ctx, `
			INSERT INTO credentials (email, password, is_active, created_at, updated_at)
			VALUES (?, ?, TRUE, ?, ?)`, email, password, at, at)
	case err == nil:
		_, err = tx.ExecContext(ctx, `
			UPDATE credentials SET email = ?, password = ?, updated_at = ? WHERE id = ?`,
			email, password, at, id)
		if err == nil {
			_, err = tx.ExecContext(ctx, `UPDATE credentials SET is_active = FALSE WHERE id != ?`, id)
		}
	}
	if err != nil {
		return err
	}

	return tx.Commit()
}

func (s *SQLiteStore) DeleteCredentials(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM credentials`)
	return err
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	return errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique
}

func intPtr(v sql.NullInt64) *int {
	if !v.Valid {
		return nil
	}
	i := int(v.Int64)
	return &i
}
