package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/samuelmjordan/hosting-platform-api/internal/domain"
	"github.com/samuelmjordan/hosting-platform-api/internal/engine"
	"github.com/samuelmjordan/hosting-platform-api/internal/storage"
)

type createJobRequest struct {
	Type         string `json:"type"`
	Payload      string `json:"payload"`
	MaxRetries   *int   `json:"maxRetries,omitempty"`
	DelaySeconds int    `json:"delaySeconds,omitempty"`
}

type jobView struct {
	ID             string    `json:"id"`
	Type           string    `json:"type"`
	Status         string    `json:"status"`
	Payload        string    `json:"payload"`
	DedupKey       string    `json:"dedupKey"`
	RetryCount     int       `json:"retryCount"`
	MaxRetries     int       `json:"maxRetries"`
	ErrorMessage   *string   `json:"errorMessage,omitempty"`
	DelayedUntil   time.Time `json:"delayedUntil"`
	DuplicateCount int       `json:"duplicateCount"`
	LastSeen       time.Time `json:"lastSeen"`
	CreatedAt      time.Time `json:"createdAt"`
}

func viewJob(j domain.Job) jobView {
	return jobView{
		ID:             j.ID,
		Type:           string(j.Type),
		Status:         string(j.Status),
		Payload:        j.Payload,
		DedupKey:       j.DedupKey,
		RetryCount:     j.RetryCount,
		MaxRetries:     j.MaxRetries,
		ErrorMessage:   j.ErrorMessage,
		DelayedUntil:   j.DelayedUntil,
		DuplicateCount: j.DuplicateCount,
		LastSeen:       j.LastSeen,
		CreatedAt:      j.CreatedAt,
	}
}

func (a *App) createJob(w http.ResponseWriter, r *http.Request) {
	var req createJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	t := domain.JobType(req.Type)
	switch {
	case !a.Jobs.Known(t):
		writeError(w, http.StatusBadRequest, "unknown job type")
		return
	case req.MaxRetries != nil && *req.MaxRetries <= 0:
		writeError(w, http.StatusBadRequest, "maxRetries must be positive")
		return
	case req.DelaySeconds < 0:
		writeError(w, http.StatusBadRequest, "delaySeconds must not be negative")
		return
	}

	var opts []engine.EnqueueOption
	if req.MaxRetries != nil {
		opts = append(opts, engine.WithMaxRetries(*req.MaxRetries))
	}
	if req.DelaySeconds > 0 {
		opts = append(opts, engine.WithDelay(time.Duration(req.DelaySeconds)*time.Second))
	}
	job, err := a.Jobs.Enqueue(r.Context(), t, req.Payload, opts...)
	if err != nil {
		a.Log.Error("enqueue failed", zap.String("type", req.Type), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to enqueue job")
		return
	}
	writeJSON(w, http.StatusAccepted, viewJob(job))
}

func (a *App) getJob(w http.ResponseWriter, r *http.Request) {
	job, err := a.JobStore.GetJob(r.Context(), chi.URLParam(r, "id"))
	switch {
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, "job not found")
	case err != nil:
		a.Log.Error("load job failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load job")
	default:
		writeJSON(w, http.StatusOK, viewJob(job))
	}
}
