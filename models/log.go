package models

import "time"

type LogLevel string

const (
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

// SyncLog is a per-run audit line stored in sync_logs.
type SyncLog struct {
	ID        int64     `json:"id" db:"id"`
	RunID     int64     `json:"run_id" db:"run_id"`
	Timestamp time.Time `json:"timestamp" db:"logged_at"`
	Level     LogLevel  `json:"level" db:"level"`
	Message   string    `json:"message" db:"message"`
	Gym       string    `json:"gym,omitempty" db:"gym"`
}
