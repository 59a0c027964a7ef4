package models

import "time"

type SyncStatus string

const (
	SyncStatusInProgress SyncStatus = "in_progress"
	SyncStatusSuccess    SyncStatus = "success"
	SyncStatusFailed     SyncStatus = "failed"
)

type TriggerSource string

const (
	TriggerManual    TriggerSource = "manual"
	TriggerScheduled TriggerSource = "scheduled"
)

func (t TriggerSource) Valid() bool {
	return t == TriggerManual || t == TriggerScheduled
}

// SyncRun is one row of sync_history. A run is created in_progress and
// receives exactly one terminal update.
type SyncRun struct {
	ID              int64         `json:"id" db:"id"`
	StartedAt       time.Time     `json:"started_at" db:"started_at"`
	CompletedAt     *time.Time    `json:"completed_at" db:"completed_at"`
	Status          SyncStatus    `json:"status" db:"status"`
	GymsFetched     int           `json:"gyms_fetched" db:"gyms_fetched"`
	ErrorMessage    *string       `json:"error_message" db:"error_message"`
	DurationSeconds *float64      `json:"duration_seconds" db:"duration_seconds"`
	TriggeredBy     TriggerSource `json:"triggered_by" db:"triggered_by"`
}

func (r *SyncRun) IsTerminal() bool {
	return r.Status == SyncStatusSuccess || r.Status == SyncStatusFailed
}

// Apply copies a terminal outcome onto the run as FinishRun would persist it.
func (r *SyncRun) Apply(outcome RunOutcome, completedAt time.Time) {
	r.Status = outcome.Status
	r.GymsFetched = outcome.GymsFetched
	r.CompletedAt = &completedAt
	if outcome.Error != "" {
		msg := outcome.Error
		r.ErrorMessage = &msg
	} else {
		r.ErrorMessage = nil
	}
	d := completedAt.Sub(r.StartedAt).Seconds()
	if d < 0 {
		d = 0
	}
	r.DurationSeconds = &d
}

// RunOutcome is the terminal state written by FinishRun.
type RunOutcome struct {
	Status      SyncStatus
	GymsFetched int
	Error       string
}

// RunReport is handed to run observers once a run is terminal.
type RunReport struct {
	Run      SyncRun
	Readings []Observation
}
