package collector

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/coder/quartz"
	"github.com/stretchr/testify/require"

	"gym_capacity/config"
	"gym_capacity/credentials"
	"gym_capacity/models"
	"gym_capacity/retry"
	"gym_capacity/storage"
	"gym_capacity/upstream"
)

var t0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

type stubUpstream struct {
	mu sync.Mutex

	authErr    error
	authPanic  bool
	listErrs   []error
	gyms       []upstream.GymInfo
	fetchErrs  map[string][]error
	alwaysFail map[string]error
	block      chan struct{}
	now        time.Time

	authCalls  int
	listCalls  int
	fetchCalls map[string]int
}

func newStubUpstream(names ...string) *stubUpstream {
	s := &stubUpstream{
		fetchErrs:  map[string][]error{},
		alwaysFail: map[string]error{},
		fetchCalls: map[string]int{},
		now:        t0,
	}
	for i, n := range names {
		s.gyms = append(s.gyms, upstream.GymInfo{ID: fmt.Sprint(100 + i), Name: n, Address: n + " Rd"})
	}
	return s
}

func (s *stubUpstream) Authenticate(_ context.Context, _ models.Credentials) (*upstream.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.authCalls++
	if s.authPanic {
		panic("session decoder blew up")
	}
	if s.authErr != nil {
		return nil, s.authErr
	}
	return &upstream.Session{Token: "tok", IssuedAt: s.now}, nil
}

func (s *stubUpstream) ListGyms(_ context.Context, _ *upstream.Session) ([]upstream.GymInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listCalls++
	if len(s.listErrs) > 0 {
		err := s.listErrs[0]
		s.listErrs = s.listErrs[1:]
		return nil, err
	}
	return append([]upstream.GymInfo(nil), s.gyms...), nil
}

func (s *stubUpstream) FetchOccupancy(_ context.Context, _ *upstream.Session, gymID string) (*upstream.Occupancy, error) {
	if s.block != nil {
		<-s.block
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.fetchCalls[gymID]++

	var gym upstream.GymInfo
	for _, g := range s.gyms {
		if g.ID == gymID {
			gym = g
		}
	}
	if err, ok := s.alwaysFail[gym.Name]; ok {
		return nil, err
	}
	if errs := s.fetchErrs[gym.Name]; len(errs) > 0 {
		s.fetchErrs[gym.Name] = errs[1:]
		return nil, errs[0]
	}
	limit := 120
	return &upstream.Occupancy{
		GymID:      gymID,
		Name:       gym.Name,
		Address:    gym.Address,
		UsersCount: 10 * (s.fetchCalls[gymID] + len(gym.Name)),
		UsersLimit: &limit,
		ObservedAt: s.now,
	}, nil
}

func (s *stubUpstream) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := s.authCalls + s.listCalls
	for _, n := range s.fetchCalls {
		total += n
	}
	return total
}

func (s *stubUpstream) fetchCount(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, g := range s.gyms {
		if g.Name == name {
			return s.fetchCalls[g.ID]
		}
	}
	return 0
}

func transient(msg string) error {
	return &upstream.FetchError{Op: "fetch_occupancy", Transient: true, Err: errors.New(msg)}
}

func permanent(msg string) error {
	return &upstream.FetchError{Op: "fetch_occupancy", StatusCode: 404, Err: errors.New(msg)}
}

type recordingObserver struct {
	mu      sync.Mutex
	reports []models.RunReport
}

func (o *recordingObserver) RunFinished(_ context.Context, r models.RunReport) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.reports = append(o.reports, r)
}

type fixture struct {
	store    *storage.SQLiteStore
	client   *stubUpstream
	clock    *quartz.Mock
	engine   *Engine
	observer *recordingObserver
}

func newFixture(t *testing.T, client *stubUpstream, email string, tweak ...func(*Options)) *fixture {
	t.Helper()

	store, err := storage.NewSQLiteStore(filepath.Join(t.TempDir(), "capacity.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	clock := quartz.NewMock(t)
	clock.Set(t0)

	opts := Options{
		Retry:      retry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond},
		StaleAfter: time.Hour,
	}
	for _, fn := range tweak {
		fn(&opts)
	}

	resolver := credentials.NewResolver(store, config.UpstreamConfig{Email: email, Password: "hunter2"})
	engine := NewEngine(store, resolver, client, clock, opts)
	observer := &recordingObserver{}
	engine.AddObserver(observer)
	t.Cleanup(engine.Wait)

	return &fixture{store: store, client: client, clock: clock, engine: engine, observer: observer}
}

func TestRun_NotConfiguredRecordsFailedRunWithoutUpstreamCalls(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, newStubUpstream("BETHANIA"), "")

	run, err := f.engine.Run(ctx, models.TriggerScheduled)
	require.ErrorIs(t, err, ErrNotConfigured)
	require.NotNil(t, run)
	require.Equal(t, models.SyncStatusFailed, run.Status)
	require.Equal(t, "no credentials", *run.ErrorMessage)
	require.Zero(t, f.client.calls())

	history, err := f.store.SyncHistory(ctx, 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	require.Equal(t, models.SyncStatusFailed, history[0].Status)

	_, err = f.engine.Start(ctx, models.TriggerManual)
	require.ErrorIs(t, err, ErrNotConfigured)
	require.Zero(t, f.client.calls())
}

func TestRun_PlaceholderEmailIsNotConfigured(t *testing.T) {
	f := newFixture(t, newStubUpstream("BETHANIA"), config.PlaceholderEmail)

	_, err := f.engine.Run(context.Background(), models.TriggerManual)
	require.ErrorIs(t, err, ErrNotConfigured)
	require.Zero(t, f.client.calls())
}

func TestRun_AllGymsSucceed(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, newStubUpstream("BETHANIA", "Springwood", "Loganholme"), "member@example.com")

	run, err := f.engine.Run(ctx, models.TriggerScheduled)
	require.NoError(t, err)
	require.Equal(t, models.SyncStatusSuccess, run.Status)
	require.Equal(t, 3, run.GymsFetched)
	require.Nil(t, run.ErrorMessage)
	require.Equal(t, models.TriggerScheduled, run.TriggeredBy)

	count, err := f.store.CountReadings(ctx, "")
	require.NoError(t, err)
	require.Equal(t, 3, count)

	stored, err := f.store.GetRun(ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, models.SyncStatusSuccess, stored.Status)

	require.Len(t, f.observer.reports, 1)
	report := f.observer.reports[0]
	require.Equal(t, run.ID, report.Run.ID)
	require.Len(t, report.Readings, 3)
	require.Equal(t, "BETHANIA", report.Readings[0].GymName)

	logs, err := f.store.RunLogs(ctx, run.ID)
	require.NoError(t, err)
	require.NotEmpty(t, logs)
}

func TestRun_PartialSuccess(t *testing.T) {
	ctx := context.Background()
	client := newStubUpstream("BETHANIA", "Springwood", "Loganholme")
	client.alwaysFail["Springwood"] = permanent("club closed")
	f := newFixture(t, client, "member@example.com")

	run, err := f.engine.Run(ctx, models.TriggerManual)
	require.NoError(t, err)
	require.Equal(t, models.SyncStatusSuccess, run.Status)
	require.Equal(t, 2, run.GymsFetched)
	require.NotNil(t, run.ErrorMessage)
	require.Contains(t, *run.ErrorMessage, "1 of 3 gyms failed")
	require.Contains(t, *run.ErrorMessage, "Springwood")

	// Permanent failures are not retried.
	require.Equal(t, 1, client.fetchCount("Springwood"))

	count, err := f.store.CountReadings(ctx, "")
	require.NoError(t, err)
	require.Equal(t, 2, count)
}

func TestRun_AllGymsFail(t *testing.T) {
	ctx := context.Background()
	client := newStubUpstream("BETHANIA", "Springwood")
	client.alwaysFail["BETHANIA"] = permanent("gone")
	client.alwaysFail["Springwood"] = permanent("gone")
	f := newFixture(t, client, "member@example.com")

	run, err := f.engine.Run(ctx, models.TriggerManual)
	require.NoError(t, err)
	require.Equal(t, models.SyncStatusFailed, run.Status)
	require.Zero(t, run.GymsFetched)
	require.Contains(t, *run.ErrorMessage, "no gyms fetched successfully")

	count, err := f.store.CountReadings(ctx, "")
	require.NoError(t, err)
	require.Zero(t, count)
}

func TestRun_MinSuccessfulGymsThreshold(t *testing.T) {
	client := newStubUpstream("BETHANIA", "Springwood", "Loganholme")
	client.alwaysFail["Loganholme"] = permanent("gone")
	f := newFixture(t, client, "member@example.com", func(o *Options) { o.MinSuccessfulGyms = 3 })

	run, err := f.engine.Run(context.Background(), models.TriggerManual)
	require.NoError(t, err)
	require.Equal(t, models.SyncStatusFailed, run.Status)
	require.Equal(t, 2, run.GymsFetched)
	require.Contains(t, *run.ErrorMessage, "only 2 of 3 gyms fetched")
}

func TestRun_TransientFailureRetriedOnce(t *testing.T) {
	ctx := context.Background()
	client := newStubUpstream("BETHANIA")
	client.fetchErrs["BETHANIA"] = []error{transient("timeout"), transient("503")}
	f := newFixture(t, client, "member@example.com")

	run, err := f.engine.Run(ctx, models.TriggerManual)
	require.NoError(t, err)
	require.Equal(t, models.SyncStatusSuccess, run.Status)
	require.Equal(t, 3, client.fetchCount("BETHANIA"))

	count, err := f.store.CountReadings(ctx, "BETHANIA")
	require.NoError(t, err)
	require.Equal(t, 1, count)
}

func TestRun_TransientFailureExhaustsBudget(t *testing.T) {
	client := newStubUpstream("BETHANIA")
	client.alwaysFail["BETHANIA"] = transient("timeout")
	f := newFixture(t, client, "member@example.com")

	run, err := f.engine.Run(context.Background(), models.TriggerManual)
	require.NoError(t, err)
	require.Equal(t, models.SyncStatusFailed, run.Status)
	require.Equal(t, 3, client.fetchCount("BETHANIA"))
}

func TestRun_AuthFailureFailsRun(t *testing.T) {
	client := newStubUpstream("BETHANIA")
	client.authErr = &upstream.AuthError{Reason: upstream.ReasonInvalidCredentials, StatusCode: 401, Err: errors.New("bad password")}
	f := newFixture(t, client, "member@example.com")

	run, err := f.engine.Run(context.Background(), models.TriggerManual)
	require.NoError(t, err)
	require.Equal(t, models.SyncStatusFailed, run.Status)
	require.Contains(t, *run.ErrorMessage, "invalid_credentials")
	require.Equal(t, 1, client.authCalls)
	require.Zero(t, client.listCalls)
}

func TestRun_ListingFailures(t *testing.T) {
	t.Run("permanent is not retried", func(t *testing.T) {
		client := newStubUpstream("BETHANIA")
		client.listErrs = []error{&upstream.FetchError{Op: "list_gyms", StatusCode: 400, Err: errors.New("bad request")}}
		f := newFixture(t, client, "member@example.com")

		run, err := f.engine.Run(context.Background(), models.TriggerManual)
		require.NoError(t, err)
		require.Equal(t, models.SyncStatusFailed, run.Status)
		require.Contains(t, *run.ErrorMessage, "listing gyms failed")
		require.Equal(t, 1, client.listCalls)
	})

	t.Run("transient is retried", func(t *testing.T) {
		client := newStubUpstream("BETHANIA")
		client.listErrs = []error{transient("reset"), transient("502")}
		f := newFixture(t, client, "member@example.com")

		run, err := f.engine.Run(context.Background(), models.TriggerManual)
		require.NoError(t, err)
		require.Equal(t, models.SyncStatusSuccess, run.Status)
		require.Equal(t, 3, client.listCalls)
	})

	t.Run("empty listing fails", func(t *testing.T) {
		f := newFixture(t, newStubUpstream(), "member@example.com")

		run, err := f.engine.Run(context.Background(), models.TriggerManual)
		require.NoError(t, err)
		require.Equal(t, models.SyncStatusFailed, run.Status)
	})
}

func TestRun_DuplicateNamesFetchedOnce(t *testing.T) {
	ctx := context.Background()
	client := newStubUpstream("BETHANIA", "Springwood")
	client.gyms = append(client.gyms, upstream.GymInfo{ID: "999", Name: "BETHANIA"})
	f := newFixture(t, client, "member@example.com")

	run, err := f.engine.Run(ctx, models.TriggerManual)
	require.NoError(t, err)
	require.Equal(t, 2, run.GymsFetched)

	client.mu.Lock()
	require.Zero(t, client.fetchCalls["999"])
	client.mu.Unlock()
}

func TestRun_ReusesGymIdentity(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, newStubUpstream("BETHANIA", "Springwood"), "member@example.com")

	_, err := f.engine.Run(ctx, models.TriggerScheduled)
	require.NoError(t, err)
	f.clock.Advance(15 * time.Minute)
	_, err = f.engine.Run(ctx, models.TriggerScheduled)
	require.NoError(t, err)

	gyms, err := f.store.ListGyms(ctx)
	require.NoError(t, err)
	require.Len(t, gyms, 2)

	count, err := f.store.CountReadings(ctx, "")
	require.NoError(t, err)
	require.Equal(t, 4, count)
}

func TestRun_RecoversStaleRun(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, newStubUpstream("BETHANIA"), "member@example.com")

	stale, _, err := f.store.BeginRun(ctx, models.TriggerScheduled, t0.Add(-2*time.Hour), t0.Add(-3*time.Hour))
	require.NoError(t, err)

	run, err := f.engine.Run(ctx, models.TriggerManual)
	require.NoError(t, err)
	require.Equal(t, models.SyncStatusSuccess, run.Status)

	got, err := f.store.GetRun(ctx, stale.ID)
	require.NoError(t, err)
	require.Equal(t, models.SyncStatusFailed, got.Status)
	require.Contains(t, *got.ErrorMessage, "stale")
}

func TestRun_FreshInProgressRunBlocks(t *testing.T) {
	ctx := context.Background()
	client := newStubUpstream("BETHANIA")
	f := newFixture(t, client, "member@example.com")

	_, _, err := f.store.BeginRun(ctx, models.TriggerScheduled, t0.Add(-10*time.Minute), t0.Add(-time.Hour))
	require.NoError(t, err)

	_, err = f.engine.Run(ctx, models.TriggerManual)
	require.ErrorIs(t, err, ErrAlreadyInProgress)
	require.Zero(t, client.calls())
}

func TestStart_AtMostOneRunInProgress(t *testing.T) {
	ctx := context.Background()
	client := newStubUpstream("BETHANIA", "Springwood")
	client.block = make(chan struct{})
	f := newFixture(t, client, "member@example.com")

	const triggers = 10
	handles := make([]*RunHandle, triggers)
	errs := make([]error, triggers)
	var wg sync.WaitGroup
	for i := 0; i < triggers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			handles[i], errs[i] = f.engine.Start(ctx, models.TriggerManual)
		}(i)
	}
	wg.Wait()

	var handle *RunHandle
	for i, err := range errs {
		if err == nil {
			require.Nil(t, handle, "more than one run started")
			handle = handles[i]
			continue
		}
		require.ErrorIs(t, err, ErrAlreadyInProgress)
	}
	require.NotNil(t, handle)

	_, done := handle.Result()
	require.False(t, done)

	active, err := f.store.InProgressRun(ctx)
	require.NoError(t, err)
	require.Equal(t, handle.RunID, active.ID)

	close(client.block)
	run, err := handle.Wait(ctx)
	require.NoError(t, err)
	require.Equal(t, models.SyncStatusSuccess, run.Status)

	<-handle.Done()
	next, err := f.engine.Start(ctx, models.TriggerManual)
	require.NoError(t, err)
	_, err = next.Wait(ctx)
	require.NoError(t, err)
}

func TestStart_SurvivesCallerCancellation(t *testing.T) {
	client := newStubUpstream("BETHANIA")
	client.block = make(chan struct{})
	f := newFixture(t, client, "member@example.com")

	ctx, cancel := context.WithCancel(context.Background())
	handle, err := f.engine.Start(ctx, models.TriggerManual)
	require.NoError(t, err)
	cancel()

	_, err = handle.Wait(ctx)
	require.ErrorIs(t, err, context.Canceled)

	close(client.block)
	run, err := handle.Wait(context.Background())
	require.NoError(t, err)
	require.Equal(t, models.SyncStatusSuccess, run.Status)
}

func TestRun_PanicFailsRunAndReleasesLock(t *testing.T) {
	ctx := context.Background()
	client := newStubUpstream("BETHANIA")
	client.authPanic = true
	f := newFixture(t, client, "member@example.com")

	run, err := f.engine.Run(ctx, models.TriggerManual)
	require.NoError(t, err)
	require.Equal(t, models.SyncStatusFailed, run.Status)
	require.Contains(t, *run.ErrorMessage, "internal error")

	active, err := f.store.InProgressRun(ctx)
	require.NoError(t, err)
	require.Nil(t, active)

	client.mu.Lock()
	client.authPanic = false
	client.mu.Unlock()

	run, err = f.engine.Run(ctx, models.TriggerManual)
	require.NoError(t, err)
	require.Equal(t, models.SyncStatusSuccess, run.Status)
}

func TestRun_ConcurrentFetches(t *testing.T) {
	ctx := context.Background()
	client := newStubUpstream("A", "B", "C", "D", "E")
	client.alwaysFail["C"] = permanent("gone")
	f := newFixture(t, client, "member@example.com", func(o *Options) { o.FetchConcurrency = 3 })

	run, err := f.engine.Run(ctx, models.TriggerManual)
	require.NoError(t, err)
	require.Equal(t, 4, run.GymsFetched)

	names := make([]string, 0, 4)
	for _, r := range f.observer.reports[0].Readings {
		names = append(names, r.GymName)
	}
	require.Equal(t, []string{"A", "B", "D", "E"}, names)
}

func TestRun_RejectsUnknownTrigger(t *testing.T) {
	f := newFixture(t, newStubUpstream("BETHANIA"), "member@example.com")

	_, err := f.engine.Run(context.Background(), models.TriggerSource("cron"))
	require.Error(t, err)
	require.Zero(t, f.client.calls())
}

func TestTruncate_KeepsRunesWhole(t *testing.T) {
	require.Equal(t, "short", truncate("short", 10))
	require.Equal(t, "ab...", truncate("abcdef", 2))

	// The cut at byte 4 falls inside the second "ü".
	got := truncate("aüüü", 4)
	require.True(t, utf8.ValidString(got))
	require.Equal(t, "aü...", got)
}

func TestDecide_ErrorSummaryIsValidUTF8(t *testing.T) {
	e := NewEngine(nil, nil, nil, quartz.NewMock(t), Options{})

	var failures []string
	for i := 0; i < 200; i++ {
		failures = append(failures, fmt.Sprintf("Münchner Straße %d: 503 Service Unavailable", i))
	}
	outcome := e.decide(len(failures), nil, failures)

	require.Equal(t, models.SyncStatusFailed, outcome.Status)
	require.True(t, utf8.ValidString(outcome.Error))
	require.True(t, strings.HasSuffix(outcome.Error, "..."))
}
