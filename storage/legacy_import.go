package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog/log"

	"gym_capacity/models"
)

// ReadingRecorder is the slice of Store the importer writes through.
type ReadingRecorder interface {
	RecordReading(ctx context.Context, obs models.Observation, ingestedAt time.Time) (*models.CapacityReading, error)
}

type ImportResult struct {
	Entries  int
	Readings int
	Skipped  int
}

var legacyTimestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05.999999",
	"2006-01-02 15:04:05",
}

// ImportLegacyJSON loads a JSON backup (an array of entries or a single
// entry) into the store. Timestamps without a zone are read in loc.
func ImportLegacyJSON(ctx context.Context, store ReadingRecorder, r io.Reader, loc *time.Location, now time.Time) (ImportResult, error) {
	var result ImportResult

	data, err := io.ReadAll(r)
	if err != nil {
		return result, fmt.Errorf("read backup: %w", err)
	}

	entries, err := decodeArchive(data)
	if err != nil {
		return result, err
	}

	for i, entry := range entries {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		at, err := parseLegacyTimestamp(entry.Timestamp, loc)
		if err != nil || len(entry.Data) == 0 {
			log.Warn().Int("entry", i).Str("timestamp", entry.Timestamp).Msg("Skipping backup entry")
			result.Skipped++
			continue
		}
		result.Entries++

		for _, club := range entry.Data {
			if strings.TrimSpace(club.ClubName) == "" || club.UsersCountCurrentlyInClub == nil || *club.UsersCountCurrentlyInClub < 0 {
				result.Skipped++
				continue
			}
			var limit *int
			if club.UsersLimit != nil && *club.UsersLimit > 0 {
				limit = club.UsersLimit
			}

			_, err := store.RecordReading(ctx, models.Observation{
				GymName:    club.ClubName,
				Address:    club.ClubAddress,
				UsersCount: *club.UsersCountCurrentlyInClub,
				UsersLimit: limit,
				ObservedAt: at,
			}, now)
			if err != nil {
				return result, fmt.Errorf("import %s at %s: %w", club.ClubName, entry.Timestamp, err)
			}
			result.Readings++
		}
	}

	return result, nil
}

func decodeArchive(data []byte) ([]models.ArchiveEntry, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, nil
	}

	if trimmed[0] == '{' {
		var single models.ArchiveEntry
		if err := json.Unmarshal(trimmed, &single); err != nil {
			return nil, fmt.Errorf("decode backup entry: %w", err)
		}
		return []models.ArchiveEntry{single}, nil
	}

	var entries []models.ArchiveEntry
	if err := json.Unmarshal(trimmed, &entries); err != nil {
		return nil, fmt.Errorf("decode backup: %w", err)
	}
	return entries, nil
}

func parseLegacyTimestamp(s string, loc *time.Location) (time.Time, error) {
	if loc == nil {
		loc = time.Local
	}
	s = strings.TrimSpace(s)
	for _, layout := range legacyTimestampLayouts {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
}
