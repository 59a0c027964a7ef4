// Package api serves the dashboard JSON endpoints over the status facade.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"gym_capacity/collector"
	"gym_capacity/config"
	"gym_capacity/models"
	"gym_capacity/services"
)

// Service is the facade the handlers call.
type Service interface {
	TriggerManualRun(ctx context.Context) (*collector.RunHandle, error)
	CurrentStatus(ctx context.Context) (*services.Status, error)
	SchedulerInfo(ctx context.Context) (*services.SchedulerInfo, error)
	LatestReadings(ctx context.Context) ([]models.LatestReading, error)
	GymHistory(ctx context.Context, gymName string, days int) ([]models.ReadingPoint, error)
	GymHistoryRange(ctx context.Context, gymName string, from, to time.Time) ([]models.ReadingPoint, error)
	Stats(ctx context.Context, days int, myGymsOnly bool) (*models.CapacityStats, error)
	Gyms(ctx context.Context) ([]models.Gym, error)
	SyncHistory(ctx context.Context, limit int) ([]models.SyncRun, error)
	RunLogs(ctx context.Context, runID int64) ([]models.SyncLog, error)
	CredentialStatus(ctx context.Context) (*services.CredentialStatus, error)
	SaveCredentials(ctx context.Context, in services.CredentialsInput) error
	DeleteCredentials(ctx context.Context) error
}

type Server struct {
	server          *http.Server
	shutdownTimeout time.Duration
}

func NewServer(cfg config.HTTPConfig, svc Service) *Server {
	shutdownTimeout := cfg.ShutdownTimeout
	if shutdownTimeout <= 0 {
		shutdownTimeout = 10 * time.Second
	}
	return &Server{
		server: &http.Server{
			Addr:              cfg.Addr,
			Handler:           NewRouter(cfg, svc),
			ReadHeaderTimeout: 10 * time.Second,
		},
		shutdownTimeout: shutdownTimeout,
	}
}

func NewRouter(cfg config.HTTPConfig, svc Service) http.Handler {
	h := &handlers{svc: svc}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: cfg.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-ID"},
		MaxAge:         300,
	}))

	r.Get("/healthz", h.health)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Get("/current-capacity", h.currentCapacity)
		r.Get("/gym-history/{name}", h.gymHistory)
		r.Get("/stats", h.stats)
		r.Get("/gyms", h.gyms)
		r.Get("/fetch-status", h.fetchStatus)
		r.Get("/scheduler-info", h.schedulerInfo)
		r.Get("/sync-history", h.syncHistory)
		r.Get("/sync-history/{id}/logs", h.runLogs)

		r.With(forceFetchLimit(cfg.ForceFetchPerMinute)).Post("/force-fetch", h.forceFetch)

		r.Get("/credentials", h.getCredentials)
		r.Post("/credentials", h.saveCredentials)
		r.Delete("/credentials", h.deleteCredentials)
	})

	return r
}

func forceFetchLimit(perMinute int) func(http.Handler) http.Handler {
	if perMinute <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	return httprate.Limit(perMinute, time.Minute,
		httprate.WithKeyFuncs(httprate.KeyByIP),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			writeError(w, http.StatusTooManyRequests, "Too many fetch requests, try again shortly")
		}),
	)
}

// Serve runs the listener until ctx is cancelled, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", s.server.Addr).Msg("HTTP server listening")
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		defer cancel()

		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http server shutdown failed: %w", err)
		}
		<-errCh
		return ctx.Err()
	}
}

func (s *Server) String() string {
	return "http-server"
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)

		log.Debug().
			Str("request_id", middleware.GetReqID(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("elapsed", time.Since(start)).
			Msg("HTTP request")
	})
}
