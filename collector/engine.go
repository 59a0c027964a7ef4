// Package collector runs sync runs: resolve credentials, take the run lock,
// authenticate, list gyms, fetch each gym and record what was obtained.
package collector

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/coder/quartz"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"gym_capacity/config"
	"gym_capacity/credentials"
	"gym_capacity/metrics"
	"gym_capacity/models"
	"gym_capacity/retry"
	"gym_capacity/storage"
	"gym_capacity/upstream"
)

var (
	ErrAlreadyInProgress = errors.New("a sync run is already in progress")
	ErrNotConfigured     = credentials.ErrNotConfigured
)

const (
	noCredentialsMessage = "no credentials"
	finishTimeout        = 30 * time.Second
	maxErrorSummary      = 2000
)

// Store is the part of storage.Store the engine writes through.
type Store interface {
	BeginRun(ctx context.Context, trigger models.TriggerSource, startedAt, staleBefore time.Time) (*models.SyncRun, []int64, error)
	InsertFailedRun(ctx context.Context, trigger models.TriggerSource, at time.Time, message string) (*models.SyncRun, error)
	FinishRun(ctx context.Context, id int64, outcome models.RunOutcome, completedAt time.Time) (bool, error)
	GetRun(ctx context.Context, id int64) (*models.SyncRun, error)
	RecordReading(ctx context.Context, obs models.Observation, ingestedAt time.Time) (*models.CapacityReading, error)
	AppendRunLog(ctx context.Context, entry models.SyncLog) error
}

type CredentialResolver interface {
	Resolve(ctx context.Context) (credentials.Resolution, error)
}

type Upstream interface {
	Authenticate(ctx context.Context, creds models.Credentials) (*upstream.Session, error)
	ListGyms(ctx context.Context, s *upstream.Session) ([]upstream.GymInfo, error)
	FetchOccupancy(ctx context.Context, s *upstream.Session, gymID string) (*upstream.Occupancy, error)
}

// Observer is told about every terminal run, including runs that failed
// before taking the lock.
type Observer interface {
	RunFinished(ctx context.Context, report models.RunReport)
}

type Options struct {
	Retry             retry.Policy
	StaleAfter        time.Duration
	FetchConcurrency  int
	MinSuccessfulGyms int
}

func OptionsFromConfig(cfg config.SyncConfig) Options {
	return Options{
		Retry:             retry.FromConfig(cfg, upstream.IsTransient),
		StaleAfter:        cfg.StaleAfter,
		FetchConcurrency:  cfg.FetchConcurrency,
		MinSuccessfulGyms: cfg.MinSuccessfulGyms,
	}
}

type Engine struct {
	store     Store
	creds     CredentialResolver
	client    Upstream
	clock     quartz.Clock
	opts      Options
	observers []Observer
	wg        sync.WaitGroup
}

func NewEngine(store Store, creds CredentialResolver, client Upstream, clock quartz.Clock, opts Options) *Engine {
	if opts.FetchConcurrency < 1 {
		opts.FetchConcurrency = 1
	}
	if opts.MinSuccessfulGyms < 1 {
		opts.MinSuccessfulGyms = 1
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = 30 * time.Minute
	}
	if opts.Retry.Retryable == nil {
		opts.Retry.Retryable = upstream.IsTransient
	}
	return &Engine{
		store:  store,
		creds:  creds,
		client: client,
		clock:  clock,
		opts:   opts,
	}
}

// AddObserver must be called before the first run.
func (e *Engine) AddObserver(o Observer) {
	e.observers = append(e.observers, o)
}

type runState struct {
	run    models.SyncRun
	creds  models.Credentials
	source credentials.Source
}

// Run performs a sync run and blocks until it is terminal. When credentials
// are missing the recorded failed run is returned with ErrNotConfigured.
func (e *Engine) Run(ctx context.Context, trigger models.TriggerSource) (*models.SyncRun, error) {
	st, err := e.begin(ctx, trigger)
	if err != nil {
		if st != nil {
			return &st.run, err
		}
		return nil, err
	}
	return e.launch(ctx, st).Wait(ctx)
}

// Start takes the run lock and returns while the run continues in the
// background. The run does not observe ctx cancellation.
func (e *Engine) Start(ctx context.Context, trigger models.TriggerSource) (*RunHandle, error) {
	st, err := e.begin(ctx, trigger)
	if err != nil {
		return nil, err
	}
	return e.launch(ctx, st), nil
}

// Wait blocks until every run started by this engine is terminal.
func (e *Engine) Wait() {
	e.wg.Wait()
}

func (e *Engine) begin(ctx context.Context, trigger models.TriggerSource) (*runState, error) {
	if !trigger.Valid() {
		return nil, fmt.Errorf("unknown trigger source %q", trigger)
	}

	res, err := e.creds.Resolve(ctx)
	if err != nil {
		if !errors.Is(err, credentials.ErrNotConfigured) {
			return nil, err
		}
		run, ierr := e.store.InsertFailedRun(ctx, trigger, e.clock.Now().UTC(), noCredentialsMessage)
		if ierr != nil {
			return nil, fmt.Errorf("record unconfigured run: %w", ierr)
		}
		log.Warn().Int64("run_id", run.ID).Str("trigger", string(trigger)).Msg("Sync run skipped: no credentials configured")
		e.notify(ctx, models.RunReport{Run: *run})
		return &runState{run: *run}, ErrNotConfigured
	}

	now := e.clock.Now().UTC()
	run, recovered, err := e.store.BeginRun(ctx, trigger, now, now.Add(-e.opts.StaleAfter))
	for _, id := range recovered {
		metrics.StaleRunsRecovered.Inc()
		log.Warn().Int64("run_id", id).Dur("stale_after", e.opts.StaleAfter).Msg("Recovered stale sync run")
		e.appendLog(ctx, id, models.LogLevelWarn, "", "Run force-failed after exceeding the staleness threshold")
	}
	if errors.Is(err, storage.ErrRunInProgress) {
		return nil, ErrAlreadyInProgress
	}
	if err != nil {
		return nil, fmt.Errorf("begin run: %w", err)
	}

	return &runState{run: *run, creds: res.Credentials, source: res.Source}, nil
}

func (e *Engine) launch(ctx context.Context, st *runState) *RunHandle {
	h := newRunHandle(st.run)
	runCtx := context.WithoutCancel(ctx)

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		h.complete(e.execute(runCtx, st))
	}()
	return h
}

func (e *Engine) execute(ctx context.Context, st *runState) (result models.SyncRun) {
	var readings []models.Observation
	outcome := models.RunOutcome{Status: models.SyncStatusFailed, Error: "internal error"}

	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Int64("run_id", st.run.ID).
				Interface("panic", r).
				Str("stack", string(debug.Stack())).
				Msg("Sync run panicked")
			outcome = models.RunOutcome{
				Status:      models.SyncStatusFailed,
				GymsFetched: len(readings),
				Error:       fmt.Sprintf("internal error: %v", r),
			}
		}
		result = e.finish(ctx, st.run, outcome, readings)
	}()

	outcome, readings = e.collect(ctx, st)
	return
}

func (e *Engine) collect(ctx context.Context, st *runState) (models.RunOutcome, []models.Observation) {
	runID := st.run.ID
	e.appendLog(ctx, runID, models.LogLevelInfo, "",
		fmt.Sprintf("Sync run started (trigger=%s, credentials=%s)", st.run.TriggeredBy, st.source))

	session, err := e.client.Authenticate(ctx, st.creds)
	if err != nil {
		return failed(fmt.Sprintf("authentication failed: %v", err)), nil
	}

	gyms, err := retry.Do(ctx, e.opts.Retry, "list_gyms", func(ctx context.Context) ([]upstream.GymInfo, error) {
		return e.client.ListGyms(ctx, session)
	})
	if err != nil {
		return failed(fmt.Sprintf("listing gyms failed: %v", err)), nil
	}

	gyms = dedupeByName(gyms)
	if len(gyms) == 0 {
		return failed("upstream listed no gyms"), nil
	}
	e.appendLog(ctx, runID, models.LogLevelInfo, "", fmt.Sprintf("Listed %d gyms", len(gyms)))

	results := e.fetchAll(ctx, runID, session, gyms)

	var readings []models.Observation
	var failures []string
	for i, r := range results {
		if r.err != nil {
			failures = append(failures, fmt.Sprintf("%s: %v", gyms[i].Name, r.err))
			continue
		}
		readings = append(readings, *r.obs)
	}

	return e.decide(len(gyms), readings, failures), readings
}

type gymResult struct {
	obs *models.Observation
	err error
}

// fetchAll fetches and records every gym. Results are indexed like gyms so
// the tally keeps upstream order whatever the concurrency.
func (e *Engine) fetchAll(ctx context.Context, runID int64, session *upstream.Session, gyms []upstream.GymInfo) []gymResult {
	results := make([]gymResult, len(gyms))

	var g errgroup.Group
	g.SetLimit(e.opts.FetchConcurrency)
	for i, gym := range gyms {
		g.Go(func() (err error) {
			defer func() {
				if r := recover(); r != nil {
					results[i] = gymResult{err: fmt.Errorf("internal error: %v", r)}
				}
			}()
			results[i] = e.fetchGym(ctx, runID, session, gym)
			return nil
		})
	}
	_ = g.Wait()

	return results
}

func (e *Engine) fetchGym(ctx context.Context, runID int64, session *upstream.Session, gym upstream.GymInfo) gymResult {
	occ, err := retry.Do(ctx, e.opts.Retry, "fetch_occupancy", func(ctx context.Context) (*upstream.Occupancy, error) {
		return e.client.FetchOccupancy(ctx, session, gym.ID)
	})
	if err != nil {
		e.appendLog(ctx, runID, models.LogLevelWarn, gym.Name, fmt.Sprintf("Fetch failed: %v", err))
		return gymResult{err: err}
	}

	obs := models.Observation{
		GymName:    firstNonEmpty(occ.Name, gym.Name),
		Address:    firstNonEmpty(occ.Address, gym.Address),
		UsersCount: occ.UsersCount,
		UsersLimit: occ.UsersLimit,
		ObservedAt: occ.ObservedAt,
	}
	if _, err := e.store.RecordReading(ctx, obs, e.clock.Now().UTC()); err != nil {
		e.appendLog(ctx, runID, models.LogLevelError, gym.Name, fmt.Sprintf("Store failed: %v", err))
		return gymResult{err: fmt.Errorf("store reading: %w", err)}
	}

	log.Debug().Int64("run_id", runID).Str("gym", obs.GymName).Int("users", obs.UsersCount).Msg("Recorded reading")
	return gymResult{obs: &obs}
}

func (e *Engine) decide(listed int, readings []models.Observation, failures []string) models.RunOutcome {
	fetched := len(readings)
	detail := truncate(strings.Join(failures, "; "), maxErrorSummary)

	if fetched < e.opts.MinSuccessfulGyms {
		msg := fmt.Sprintf("no gyms fetched successfully (%d listed)", listed)
		if fetched > 0 {
			msg = fmt.Sprintf("only %d of %d gyms fetched, need %d", fetched, listed, e.opts.MinSuccessfulGyms)
		}
		if detail != "" {
			msg += ": " + detail
		}
		return models.RunOutcome{Status: models.SyncStatusFailed, GymsFetched: fetched, Error: msg}
	}

	outcome := models.RunOutcome{Status: models.SyncStatusSuccess, GymsFetched: fetched}
	if len(failures) > 0 {
		outcome.Error = fmt.Sprintf("%d of %d gyms failed: %s", len(failures), listed, detail)
	}
	return outcome
}

func (e *Engine) finish(ctx context.Context, run models.SyncRun, outcome models.RunOutcome, readings []models.Observation) models.SyncRun {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finishTimeout)
	defer cancel()

	now := e.clock.Now().UTC()
	updated, err := e.store.FinishRun(ctx, run.ID, outcome, now)
	switch {
	case err != nil:
		// The row stays in_progress until stale recovery clears it.
		log.Error().Err(err).Int64("run_id", run.ID).Msg("Failed to finalize sync run")
		run.Apply(outcome, now)
	case !updated:
		log.Warn().Int64("run_id", run.ID).Msg("Sync run was already finalized")
		if stored, gerr := e.store.GetRun(ctx, run.ID); gerr == nil && stored != nil {
			run = *stored
		} else {
			run.Apply(outcome, now)
		}
	default:
		run.Apply(outcome, now)
	}

	level := models.LogLevelInfo
	event := log.Info()
	if run.Status == models.SyncStatusFailed {
		level = models.LogLevelError
		event = log.Error()
	} else if run.ErrorMessage != nil {
		level = models.LogLevelWarn
		event = log.Warn()
	}
	event.
		Int64("run_id", run.ID).
		Str("status", string(run.Status)).
		Str("trigger", string(run.TriggeredBy)).
		Int("gyms_fetched", run.GymsFetched).
		Func(func(ev *zerolog.Event) {
			if run.ErrorMessage != nil {
				ev.Str("error", *run.ErrorMessage)
			}
		}).
		Msg("Sync run finished")
	e.appendLog(ctx, run.ID, level, "", fmt.Sprintf("Finished: %s, %d gyms fetched", run.Status, run.GymsFetched))

	e.notify(ctx, models.RunReport{Run: run, Readings: readings})
	return run
}

func (e *Engine) notify(ctx context.Context, report models.RunReport) {
	for _, o := range e.observers {
		o.RunFinished(ctx, report)
	}
}

func (e *Engine) appendLog(ctx context.Context, runID int64, level models.LogLevel, gym, message string) {
	err := e.store.AppendRunLog(ctx, models.SyncLog{
		RunID:     runID,
		Timestamp: e.clock.Now().UTC(),
		Level:     level,
		Message:   message,
		Gym:       gym,
	})
	if err != nil {
		log.Debug().Err(err).Int64("run_id", runID).Msg("Could not persist run log")
	}
}

func failed(msg string) models.RunOutcome {
	return models.RunOutcome{Status: models.SyncStatusFailed, Error: msg}
}

// dedupeByName keeps the first gym for each name in upstream order.
func dedupeByName(gyms []upstream.GymInfo) []upstream.GymInfo {
	seen := make(map[string]struct{}, len(gyms))
	out := gyms[:0:0]
	for _, g := range gyms {
		if _, ok := seen[g.Name]; ok {
			log.Debug().Str("gym", g.Name).Str("id", g.ID).Msg("Duplicate gym name in listing, keeping first")
			continue
		}
		seen[g.Name] = struct{}{}
		out = append(out, g)
	}
	return out
}

func firstNonEmpty(a, b string) string {
	if strings.TrimSpace(a) != "" {
		return a
	}
	return b
}

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}
