package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coder/quartz"
	"github.com/rs/zerolog/log"
	"github.com/thejerf/suture/v4"

	"gym_capacity/api"
	"gym_capacity/collector"
	"gym_capacity/config"
	"gym_capacity/credentials"
	"gym_capacity/events"
	"gym_capacity/logging"
	"gym_capacity/metrics"
	"gym_capacity/models"
	"gym_capacity/scheduler"
	"gym_capacity/services"
	"gym_capacity/storage"
	"gym_capacity/upstream"
	"gym_capacity/workers"
)

var (
	syncNow    = flag.Bool("sync", false, "Run one sync and exit")
	importJSON = flag.String("import-json", "", "Import a JSON backup file and exit")
	importTZ   = flag.String("import-tz", "Local", "Time zone for backup timestamps without an offset")
)

func main() {
	flag.Parse()
	os.Exit(run())
}

// run returns the process exit code once every deferred close has happened.
func run() int {
	cfg, err := config.Load()
	if err != nil {
		logging.Console("info")
		log.Error().Err(err).Msg("Failed to load config")
		return 1
	}

	logFile, err := logging.Setup(cfg.LogPath, cfg.LogLevel)
	if err != nil {
		log.Warn().Err(err).Msg("Could not set up file logging")
	} else {
		defer logFile.Close()
	}

	log.Info().Msg("Starting gym_capacity...")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := storage.Open(ctx, cfg.Storage)
	if err != nil {
		log.Error().Err(err).Msg("Failed to open storage")
		return 1
	}
	defer store.Close()
	if cfg.Storage.Driver == "postgres" {
		log.Info().Str("url", logging.MaskConnectionString(cfg.Storage.PostgresURL)).Msg("Connected to Postgres")
	} else {
		log.Info().Str("path", cfg.Storage.DBPath).Msg("SQLite database")
	}

	if *importJSON != "" {
		if err := runImport(ctx, store, *importJSON, *importTZ); err != nil {
			log.Error().Err(err).Msg("Import failed")
			return 1
		}
		return 0
	}

	clock := quartz.NewReal()
	resolver := credentials.NewResolver(store, cfg.Upstream)
	client := upstream.NewClient(cfg.Upstream, clock)
	engine := collector.NewEngine(store, resolver, client, clock, collector.OptionsFromConfig(cfg.Sync))
	engine.AddObserver(metrics.RunObserver{})

	archive := workers.NewArchiveWorker(cfg.Archive.Dir, newUploader(ctx, cfg.Archive.S3))
	engine.AddObserver(archive)
	background := []queueWorker{archive}

	if len(cfg.Events.Brokers) > 0 {
		publisher := events.NewPublisher(cfg.Events)
		defer publisher.Close()
		engine.AddObserver(publisher)
		background = append(background, publisher)
		log.Info().Strs("brokers", cfg.Events.Brokers).Str("topic", cfg.Events.Topic).Msg("Publishing run events")
	}

	if *syncNow {
		return runOnce(ctx, engine, background)
	}

	sched, err := scheduler.New(cfg.Scheduler, engine)
	if err != nil {
		log.Error().Err(err).Msg("Failed to create scheduler")
		return 1
	}
	svc := services.NewStatusService(store, sched, resolver, clock, cfg.MyGyms)
	server := api.NewServer(cfg.HTTP, svc)

	sup := suture.New("gym_capacity", suture.Spec{
		EventHook: func(e suture.Event) {
			log.Warn().Str("event", e.String()).Msg("Supervisor event")
		},
		Timeout: cfg.HTTP.ShutdownTimeout,
	})
	sup.Add(sched)
	for _, w := range background {
		sup.Add(w)
	}
	sup.Add(server)

	log.Info().Str("addr", cfg.HTTP.Addr).Msg("Daemon running. Press Ctrl+C to stop.")
	if err := sup.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Msg("Supervisor stopped")
	}

	log.Info().Msg("Shutting down...")
	engine.Wait()
	// Runs that finished after the workers stopped are still queued.
	drain(ctx, background)
	log.Info().Msg("Goodbye!")
	return 0
}

// queueWorker is a run observer that processes its queue in Serve.
type queueWorker interface {
	Serve(ctx context.Context) error
}

// drain flushes whatever the workers still hold. Serve with a cancelled
// context processes the queue and returns.
func drain(ctx context.Context, ws []queueWorker) {
	drainCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	cancel()
	for _, w := range ws {
		_ = w.Serve(drainCtx)
	}
}

func runOnce(ctx context.Context, engine *collector.Engine, background []queueWorker) int {
	log.Info().Msg("Running sync...")
	run, err := engine.Run(ctx, models.TriggerManual)
	if err != nil && run == nil {
		log.Error().Err(err).Msg("Sync failed to start")
		return 1
	}

	drain(ctx, background)

	if run.Status != models.SyncStatusSuccess {
		msg := ""
		if run.ErrorMessage != nil {
			msg = *run.ErrorMessage
		}
		log.Error().Int64("run_id", run.ID).Str("error", msg).Msg("Sync failed")
		return 1
	}
	log.Info().Int64("run_id", run.ID).Int("gyms", run.GymsFetched).Msg("Sync complete!")
	return 0
}

func runImport(ctx context.Context, store storage.Store, path, tz string) error {
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return fmt.Errorf("load time zone %q: %w", tz, err)
	}
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	res, err := storage.ImportLegacyJSON(ctx, store, f, loc, time.Now().UTC())
	if err != nil {
		return err
	}
	total, err := store.CountReadings(ctx, "")
	if err != nil {
		return err
	}
	log.Info().
		Str("file", path).
		Int("entries", res.Entries).
		Int("readings", res.Readings).
		Int("skipped", res.Skipped).
		Int("total_readings", total).
		Msg("Backup imported")
	return nil
}

func newUploader(ctx context.Context, cfg config.S3Config) workers.Uploader {
	if !cfg.Enabled() {
		return nil
	}
	up, err := storage.NewS3Uploader(ctx, cfg)
	if err != nil {
		log.Warn().Err(err).Msg("S3 archive upload disabled")
		return nil
	}
	log.Info().Str("bucket", cfg.Bucket).Msg("Archiving snapshots to S3")
	return up
}
