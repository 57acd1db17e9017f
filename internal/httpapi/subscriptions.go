package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/samuelmjordan/hosting-platform-api/internal/domain"
)

const maxStatusIDs = 100

type statusItem struct {
	SubscriptionID string `json:"subscriptionId"`
	Mode           string `json:"mode,omitempty"`
	StepType       string `json:"stepType,omitempty"`
	Status         string `json:"status,omitempty"`
	LastError      string `json:"lastError,omitempty"`
	Error          string `json:"error,omitempty"`
}

func (a *App) syncSubscription(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, err := a.Jobs.Enqueue(r.Context(), domain.SyncSubscription, id)
	if err != nil {
		a.Log.Error("enqueue sync failed", zap.String("subscription", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to enqueue sync")
		return
	}
	writeJSON(w, http.StatusAccepted, viewJob(job))
}

// subscriptionStatus reports each requested saga on its own; one failed
// lookup only marks its own item.
func (a *App) subscriptionStatus(w http.ResponseWriter, r *http.Request) {
	ids := r.URL.Query()["id"]
	switch {
	case len(ids) == 0:
		writeError(w, http.StatusBadRequest, "at least one id is required")
		return
	case len(ids) > maxStatusIDs:
		writeError(w, http.StatusBadRequest, "too many ids")
		return
	}

	items := make([]statusItem, 0, len(ids))
	for _, id := range ids {
		item := statusItem{SubscriptionID: id}
		ec, ok, err := a.Contexts.GetContext(r.Context(), id)
		switch {
		case err != nil:
			a.Log.Warn("status lookup failed", zap.String("subscription", id), zap.Error(err))
			item.Error = "lookup failed"
		case !ok:
			item.Error = "not found"
		default:
			item.Mode = string(ec.Mode)
			item.StepType = string(ec.StepType)
			item.Status = string(ec.Status)
			item.LastError = ec.LastError
		}
		items = append(items, item)
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}
