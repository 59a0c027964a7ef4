package api

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"
	"github.com/rs/zerolog/log"

	"gym_capacity/collector"
	"gym_capacity/models"
	"gym_capacity/services"
)

const maxRequestBody = 64 * 1024

type handlers struct {
	svc Service
}

func (h *handlers) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (h *handlers) currentCapacity(w http.ResponseWriter, r *http.Request) {
	data, err := h.svc.LatestReadings(r.Context())
	if err != nil {
		writeServerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "success",
		"data":      nonNil(data),
		"timestamp": time.Now().UTC(),
	})
}

func (h *handlers) gymHistory(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	q := r.URL.Query()

	var (
		data []models.ReadingPoint
		err  error
	)
	if from, to := q.Get("from"), q.Get("to"); from != "" && to != "" {
		fromDay, ferr := time.Parse(time.DateOnly, from)
		toDay, terr := time.Parse(time.DateOnly, to)
		if ferr != nil || terr != nil {
			writeError(w, http.StatusBadRequest, "from and to must be YYYY-MM-DD")
			return
		}
		data, err = h.svc.GymHistoryRange(r.Context(), name, fromDay, toDay)
	} else {
		data, err = h.svc.GymHistory(r.Context(), name, intParam(r, "days", 7))
	}
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "success",
		"gym_name": name,
		"data":     nonNil(data),
	})
}

func (h *handlers) stats(w http.ResponseWriter, r *http.Request) {
	myGyms := strings.EqualFold(r.URL.Query().Get("my_gyms"), "true")
	stats, err := h.svc.Stats(r.Context(), intParam(r, "days", 7), myGyms)
	if err != nil {
		writeServerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "success", "stats": stats})
}

func (h *handlers) gyms(w http.ResponseWriter, r *http.Request) {
	gyms, err := h.svc.Gyms(r.Context())
	if err != nil {
		writeServerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "success", "gyms": nonNil(gyms)})
}

func (h *handlers) forceFetch(w http.ResponseWriter, r *http.Request) {
	handle, err := h.svc.TriggerManualRun(r.Context())
	switch {
	case errors.Is(err, collector.ErrAlreadyInProgress):
		writeError(w, http.StatusTooManyRequests, "A fetch operation is already in progress. Please wait...")
		return
	case errors.Is(err, collector.ErrNotConfigured):
		writeError(w, http.StatusBadRequest, "Please configure your credentials in Settings first")
		return
	case err != nil:
		writeServerError(w, r, err)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"status":  "success",
		"message": "Data fetch started. This may take a few seconds...",
		"run_id":  handle.RunID,
	})
}

func (h *handlers) fetchStatus(w http.ResponseWriter, r *http.Request) {
	st, err := h.svc.CurrentStatus(r.Context())
	if err != nil {
		writeServerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":            "success",
		"state":             st.State,
		"fetch_in_progress": st.State == services.StateRunning,
		"current_run":       st.CurrentRun,
		"last_result":       st.LastRun,
	})
}

func (h *handlers) schedulerInfo(w http.ResponseWriter, r *http.Request) {
	info, err := h.svc.SchedulerInfo(r.Context())
	if err != nil {
		writeServerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Status string `json:"status"`
		*services.SchedulerInfo
	}{"success", info})
}

func (h *handlers) syncHistory(w http.ResponseWriter, r *http.Request) {
	history, err := h.svc.SyncHistory(r.Context(), intParam(r, "limit", 20))
	if err != nil {
		writeServerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "success", "history": nonNil(history)})
}

func (h *handlers) runLogs(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid run id")
		return
	}
	logs, err := h.svc.RunLogs(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "success", "run_id": id, "logs": nonNil(logs)})
}

func (h *handlers) getCredentials(w http.ResponseWriter, r *http.Request) {
	st, err := h.svc.CredentialStatus(r.Context())
	if err != nil {
		writeServerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Status string `json:"status"`
		*services.CredentialStatus
	}{"success", st})
}

func (h *handlers) saveCredentials(w http.ResponseWriter, r *http.Request) {
	var in services.CredentialsInput
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil || json.Unmarshal(body, &in) != nil {
		writeError(w, http.StatusBadRequest, "Email and password are required")
		return
	}

	if err := h.svc.SaveCredentials(r.Context(), in); err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "success", "message": "Credentials saved successfully"})
}

func (h *handlers) deleteCredentials(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.DeleteCredentials(r.Context()); err != nil {
		writeServerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "success", "message": "Credentials deleted successfully"})
}

func intParam(r *http.Request, name string, fallback int) int {
	v := r.URL.Query().Get(name)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

// nonNil keeps empty lists as [] rather than null.
func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug().Err(err).Msg("Failed to write response")
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"status": "error", "message": message})
}

func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, services.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, services.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	default:
		writeServerError(w, r, err)
	}
}

func writeServerError(w http.ResponseWriter, r *http.Request, err error) {
	log.Error().Err(err).Str("path", r.URL.Path).Msg("Request failed")
	writeError(w, http.StatusInternalServerError, err.Error())
}
