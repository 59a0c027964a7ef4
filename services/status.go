package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/coder/quartz"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog/log"

	"gym_capacity/collector"
	"gym_capacity/credentials"
	"gym_capacity/models"
	"gym_capacity/scheduler"
	"gym_capacity/storage"
)

var (
	ErrInvalidInput = errors.New("invalid input")
	ErrNotFound     = errors.New("not found")
)

const (
	StateIdle    = "idle"
	StateRunning = "running"

	defaultHistoryDays = 7
	maxHistoryDays     = 365
	defaultSyncHistory = 20
	maxSyncHistory     = 200
)

// Scheduler is what the facade needs from scheduler.Scheduler.
type Scheduler interface {
	TriggerNow(ctx context.Context) (*collector.RunHandle, error)
	Info() scheduler.Info
}

type CredentialResolver interface {
	Resolve(ctx context.Context) (credentials.Resolution, error)
}

type Status struct {
	State      string          `json:"state"`
	CurrentRun *models.SyncRun `json:"current_run"`
	LastRun    *models.SyncRun `json:"last_run"`
}

type SchedulerInfo struct {
	scheduler.Info
	IntervalFormatted  string     `json:"interval_formatted"`
	LastSuccessfulSync *time.Time `json:"last_successful_sync"`
}

type CredentialStatus struct {
	HasCredentials bool               `json:"has_credentials"`
	Email          *string            `json:"email"`
	Configured     bool               `json:"configured"`
	Source         credentials.Source `json:"source,omitempty"`
}

type CredentialsInput struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

// StatusService is the read and trigger surface behind the dashboard API.
type StatusService struct {
	store    storage.Store
	sched    Scheduler
	creds    CredentialResolver
	clock    quartz.Clock
	myGyms   []string
	validate *validator.Validate
}

func NewStatusService(store storage.Store, sched Scheduler, creds CredentialResolver, clock quartz.Clock, myGyms []string) *StatusService {
	return &StatusService{
		store:    store,
		sched:    sched,
		creds:    creds,
		clock:    clock,
		myGyms:   myGyms,
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
}

// TriggerManualRun starts a run without waiting for it. It fails with
// collector.ErrAlreadyInProgress or collector.ErrNotConfigured.
func (s *StatusService) TriggerManualRun(ctx context.Context) (*collector.RunHandle, error) {
	h, err := s.sched.TriggerNow(ctx)
	if err != nil {
		return nil, err
	}
	log.Info().Int64("run_id", h.RunID).Msg("Manual sync run triggered")
	return h, nil
}

func (s *StatusService) CurrentStatus(ctx context.Context) (*Status, error) {
	current, err := s.store.InProgressRun(ctx)
	if err != nil {
		return nil, err
	}
	last, err := s.store.LatestFinishedRun(ctx)
	if err != nil {
		return nil, err
	}

	st := &Status{State: StateIdle, CurrentRun: current, LastRun: last}
	if current != nil {
		st.State = StateRunning
	}
	return st, nil
}

func (s *StatusService) SchedulerInfo(ctx context.Context) (*SchedulerInfo, error) {
	info := &SchedulerInfo{Info: s.sched.Info()}
	info.IntervalFormatted = formatInterval(info.IntervalMinutes)

	last, err := s.store.LastSuccessfulRun(ctx)
	if err != nil {
		return nil, err
	}
	if last != nil {
		info.LastSuccessfulSync = last.CompletedAt
	}
	return info, nil
}

func (s *StatusService) LatestReadings(ctx context.Context) ([]models.LatestReading, error) {
	return s.store.LatestReadings(ctx)
}

// GymHistory returns readings for the last days days.
func (s *StatusService) GymHistory(ctx context.Context, gymName string, days int) ([]models.ReadingPoint, error) {
	days = clampDays(days)
	now := s.clock.Now().UTC()
	return s.store.GymHistory(ctx, gymName, now.AddDate(0, 0, -days), now)
}

// GymHistoryRange returns readings between two calendar days, both inclusive.
func (s *StatusService) GymHistoryRange(ctx context.Context, gymName string, from, to time.Time) ([]models.ReadingPoint, error) {
	from = truncateDay(from)
	end := truncateDay(to).AddDate(0, 0, 1).Add(-time.Nanosecond)
	if end.Before(from) {
		return nil, fmt.Errorf("%w: from %s is after to %s", ErrInvalidInput, from.Format(time.DateOnly), to.Format(time.DateOnly))
	}
	return s.store.GymHistory(ctx, gymName, from, end)
}

func (s *StatusService) Stats(ctx context.Context, days int, myGymsOnly bool) (*models.CapacityStats, error) {
	days = clampDays(days)
	var names []string
	if myGymsOnly {
		names = s.myGyms
	}

	stats, err := s.store.Stats(ctx, s.clock.Now().UTC().AddDate(0, 0, -days), names)
	if err != nil {
		return nil, err
	}
	stats.Days = days
	return stats, nil
}

func (s *StatusService) Gyms(ctx context.Context) ([]models.Gym, error) {
	return s.store.ListGyms(ctx)
}

func (s *StatusService) SyncHistory(ctx context.Context, limit int) ([]models.SyncRun, error) {
	switch {
	case limit <= 0:
		limit = defaultSyncHistory
	case limit > maxSyncHistory:
		limit = maxSyncHistory
	}
	return s.store.SyncHistory(ctx, limit)
}

func (s *StatusService) RunLogs(ctx context.Context, runID int64) ([]models.SyncLog, error) {
	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run == nil {
		return nil, fmt.Errorf("%w: sync run %d", ErrNotFound, runID)
	}
	return s.store.RunLogs(ctx, runID)
}

func (s *StatusService) CredentialStatus(ctx context.Context) (*CredentialStatus, error) {
	stored, err := s.store.GetActiveCredentials(ctx)
	if err != nil {
		return nil, err
	}

	st := &CredentialStatus{}
	if stored != nil {
		st.HasCredentials = true
		email := stored.Email
		st.Email = &email
	}

	res, err := s.creds.Resolve(ctx)
	switch {
	case err == nil:
		st.Configured = true
		st.Source = res.Source
	case !errors.Is(err, credentials.ErrNotConfigured):
		return nil, err
	}
	return st, nil
}

func (s *StatusService) SaveCredentials(ctx context.Context, in CredentialsInput) error {
	in.Email = strings.TrimSpace(in.Email)
	if err := s.validate.Struct(in); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return fmt.Errorf("%w: %s failed %s", ErrInvalidInput, strings.ToLower(verrs[0].Field()), verrs[0].Tag())
		}
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if credentials.IsPlaceholder(in.Email) {
		return fmt.Errorf("%w: email is the placeholder address", ErrInvalidInput)
	}

	if err := s.store.SaveCredentials(ctx, in.Email, in.Password, s.clock.Now().UTC()); err != nil {
		return err
	}
	log.Info().Str("email", in.Email).Msg("Credentials saved")
	return nil
}

func (s *StatusService) DeleteCredentials(ctx context.Context) error {
	if err := s.store.DeleteCredentials(ctx); err != nil {
		return err
	}
	log.Info().Msg("Credentials deleted")
	return nil
}

func clampDays(days int) int {
	switch {
	case days <= 0:
		return defaultHistoryDays
	case days > maxHistoryDays:
		return maxHistoryDays
	}
	return days
}

func truncateDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

func formatInterval(minutes int) string {
	if minutes == 1 {
		return "1 minute"
	}
	return fmt.Sprintf("%d minutes", minutes)
}
