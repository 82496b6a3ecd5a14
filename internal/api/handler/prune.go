package handler

import (
	"net/http"

	"github.com/terarelay/terarelay/internal/api/response"
	"github.com/terarelay/terarelay/internal/store"
)

// NewPruneHandler returns an http.HandlerFunc for POST /api/v1/admin/prune.
// It trims the delivery history down to keep records on demand; the same
// operation also runs on a background ticker.
func NewPruneHandler(s store.Store, keep int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		deleted, err := s.PruneDeliveries(r.Context(), keep)
		if err != nil {
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
				"Failed to prune deliveries", nil)
			return
		}
		remaining, err := s.CountDeliveries(r.Context())
		if err != nil {
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
				"Failed to count deliveries", nil)
			return
		}
		response.JSON(w, map[string]any{
			"deleted":   deleted,
			"remaining": remaining,
			"keep":      keep,
		})
	}
}
