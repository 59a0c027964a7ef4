package workers

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog/log"

	"gym_capacity/models"
)

const (
	csvFileName      = "gym_capacity_data.csv"
	snapshotDir      = "runs"
	archiveQueueSize = 16
)

var csvHeader = []string{"timestamp", "club_name", "club_address", "users_limit", "users_count"}

// Uploader copies a finished archive file to remote storage.
type Uploader interface {
	Upload(ctx context.Context, name string, data io.Reader, contentType string) error
}

// ArchiveWorker writes flat-file backups of every run that stored readings:
// one appended CSV for the whole history plus a JSON snapshot per run that
// the legacy importer can read back.
type ArchiveWorker struct {
	dir      string
	uploader Uploader
	queue    chan models.RunReport
}

// NewArchiveWorker returns a worker writing under dir. uploader may be nil.
func NewArchiveWorker(dir string, uploader Uploader) *ArchiveWorker {
	return &ArchiveWorker{
		dir:      dir,
		uploader: uploader,
		queue:    make(chan models.RunReport, archiveQueueSize),
	}
}

// RunFinished queues the run for archiving. It never blocks the engine; a
// full queue drops the run with a warning.
func (w *ArchiveWorker) RunFinished(_ context.Context, report models.RunReport) {
	if len(report.Readings) == 0 {
		return
	}
	select {
	case w.queue <- report:
	default:
		log.Warn().Int64("run_id", report.Run.ID).Msg("Archive queue full, dropping run")
	}
}

// Serve drains the queue until ctx is cancelled, then flushes what is left.
func (w *ArchiveWorker) Serve(ctx context.Context) error {
	for {
		select {
		case report := <-w.queue:
			w.handle(ctx, report)
		case <-ctx.Done():
			flushCtx := context.WithoutCancel(ctx)
			for {
				select {
				case report := <-w.queue:
					w.handle(flushCtx, report)
				default:
					return ctx.Err()
				}
			}
		}
	}
}

func (w *ArchiveWorker) String() string {
	return "archive-worker"
}

func (w *ArchiveWorker) handle(ctx context.Context, report models.RunReport) {
	if err := w.Archive(ctx, report); err != nil {
		log.Error().Err(err).Int64("run_id", report.Run.ID).Msg("Failed to archive run")
	}
}

// Archive writes both backup files for one run and uploads the snapshot.
func (w *ArchiveWorker) Archive(ctx context.Context, report models.RunReport) error {
	at := archiveTime(report)
	entry := toArchiveEntry(at, report.Readings)

	if err := w.appendCSV(entry); err != nil {
		return err
	}

	name, data, err := w.writeSnapshot(at, report.Run.ID, entry)
	if err != nil {
		return err
	}

	if w.uploader != nil {
		if err := w.uploader.Upload(ctx, name, bytes.NewReader(data), "application/json"); err != nil {
			return fmt.Errorf("upload %s: %w", name, err)
		}
		log.Debug().Str("name", name).Msg("Snapshot uploaded")
	}

	log.Info().Int64("run_id", report.Run.ID).Int("gyms", len(entry.Data)).Msg("Run archived")
	return nil
}

func (w *ArchiveWorker) appendCSV(entry models.ArchiveEntry) error {
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return fmt.Errorf("create archive dir: %w", err)
	}

	path := filepath.Join(w.dir, csvFileName)
	_, statErr := os.Stat(path)
	newFile := os.IsNotExist(statErr)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	cw := csv.NewWriter(f)
	if newFile {
		if err := cw.Write(csvHeader); err != nil {
			return err
		}
	}
	for _, club := range entry.Data {
		if err := cw.Write([]string{
			entry.Timestamp,
			club.ClubName,
			club.ClubAddress,
			optionalInt(club.UsersLimit),
			optionalInt(club.UsersCountCurrentlyInClub),
		}); err != nil {
			return err
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

func (w *ArchiveWorker) writeSnapshot(at time.Time, runID int64, entry models.ArchiveEntry) (string, []byte, error) {
	name := fmt.Sprintf("%s/%s_run%d.json", snapshotDir, at.Format("20060102T150405Z"), runID)
	data, err := json.MarshalIndent([]models.ArchiveEntry{entry}, "", "  ")
	if err != nil {
		return "", nil, fmt.Errorf("encode snapshot: %w", err)
	}

	path := filepath.Join(w.dir, filepath.FromSlash(name))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", nil, fmt.Errorf("create snapshot dir: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", nil, fmt.Errorf("write %s: %w", path, err)
	}
	return name, data, nil
}

func archiveTime(report models.RunReport) time.Time {
	if report.Run.CompletedAt != nil {
		return report.Run.CompletedAt.UTC()
	}
	return report.Run.StartedAt.UTC()
}

func toArchiveEntry(at time.Time, readings []models.Observation) models.ArchiveEntry {
	entry := models.ArchiveEntry{
		Timestamp: at.Format(time.RFC3339),
		Data:      make([]models.ArchiveClub, 0, len(readings)),
	}
	for _, obs := range readings {
		count := obs.UsersCount
		entry.Data = append(entry.Data, models.ArchiveClub{
			ClubName:                  obs.GymName,
			ClubAddress:               obs.Address,
			UsersCountCurrentlyInClub: &count,
			UsersLimit:                obs.UsersLimit,
		})
	}
	return entry
}

func optionalInt(v *int) string {
	if v == nil {
		return ""
	}
	return strconv.Itoa(*v)
}
