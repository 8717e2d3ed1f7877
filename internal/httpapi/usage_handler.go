package httpapi

import (
	"errors"
	"net/http"
	"strconv"

	"keybroker/internal/queue"
	"keybroker/internal/utils"
)

const maxDeadLetters = 1000

// handleDeadLetters lists usage snapshots that could not be written
func (d *Dependencies) handleDeadLetters(w http.ResponseWriter, r *http.Request) {
	if d.Usage == nil {
		utils.RespondWithError(w, http.StatusNotImplemented, "usage writer not configured")
		return
	}

	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			utils.RespondWithError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxDeadLetters)
	}

	items, err := d.Usage.GetDeadLetterItems(r.Context(), limit)
	if err != nil {
		d.Logger.Error("Failed to list dead letters", "error", err)
		utils.RespondWithError(w, http.StatusInternalServerError, "failed to list dead letters")
		return
	}
	utils.RespondWithJSON(w, http.StatusOK, map[string]any{"items": items, "count": len(items)})
}

// handleRetryDeadLetter puts one dead-lettered snapshot back on the queue
func (d *Dependencies) handleRetryDeadLetter(w http.ResponseWriter, r *http.Request) {
	if d.Usage == nil {
		utils.RespondWithError(w, http.StatusNotImplemented, "usage writer not configured")
		return
	}

	id := r.PathValue("id")
	if err := d.Usage.RetryDeadLetterItem(r.Context(), id); err != nil {
		if errors.Is(err, queue.ErrItemNotFound) {
			utils.RespondWithError(w, http.StatusNotFound, "dead letter not found")
			return
		}
		d.Logger.Error("Failed to retry dead letter", "id", id, "error", err)
		utils.RespondWithError(w, http.StatusInternalServerError, "failed to retry dead letter")
		return
	}
	utils.RespondWithJSON(w, http.StatusOK, map[string]string{"retried": id})
}
