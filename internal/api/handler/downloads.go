package handler

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/terarelay/terarelay/internal/api/response"
	"github.com/terarelay/terarelay/internal/cache"
	"github.com/terarelay/terarelay/internal/links"
	"github.com/terarelay/terarelay/internal/queue"
	"github.com/terarelay/terarelay/pkg/models"
)

// linkOutcome is the per-link result of a submission.
type linkOutcome struct {
	Link     string           `json:"link"`
	Status   string           `json:"status"`
	JobID    string           `json:"job_id,omitempty"`
	Position int              `json:"position,omitempty"`
	Delivery *deliverySummary `json:"delivery,omitempty"`
	Error    string           `json:"error,omitempty"`
}

type deliverySummary struct {
	Filename  string `json:"filename"`
	Size      int64  `json:"size"`
	MessageID int64  `json:"message_id"`
}

// NewSubmitHandler returns an http.HandlerFunc for POST /api/v1/downloads.
// The request text may contain several links; each is resolved independently.
func NewSubmitHandler(mgr *queue.Manager, defaultChatID int64) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Text   string `json:"text"`
			ChatID int64  `json:"chat_id"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}
		if req.Text == "" {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "text is required", nil)
			return
		}

		chatID := req.ChatID
		if chatID == 0 {
			chatID = defaultChatID
		}
		if chatID == 0 {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST",
				"chat_id is required when no default chat is configured", nil)
			return
		}

		found := links.Extract(req.Text)
		if len(found) == 0 {
			response.Error(w, http.StatusBadRequest, "NO_LINKS",
				"No supported links found in text", nil)
			return
		}

		outcomes := make([]linkOutcome, 0, len(found))
		anyQueued := false
		for _, match := range found {
			res, err := mgr.Submit(r.Context(), match.Canonical, match.Raw, chatID)
			switch {
			case err != nil:
				outcomes = append(outcomes, linkOutcome{
					Link: match.Canonical, Status: "rejected", Error: err.Error(),
				})
			case res.Cached:
				outcomes = append(outcomes, linkOutcome{
					Link:   match.Canonical,
					Status: "cached",
					Delivery: &deliverySummary{
						Filename:  res.Delivery.Filename,
						Size:      res.Delivery.Size,
						MessageID: res.Delivery.MessageID,
					},
				})
			default:
				anyQueued = true
				outcomes = append(outcomes, linkOutcome{
					Link:     match.Canonical,
					Status:   "queued",
					JobID:    res.Job.ID.String(),
					Position: res.Position,
				})
			}
		}

		if anyQueued {
			response.Accepted(w, outcomes)
			return
		}
		response.JSON(w, outcomes)
	}
}

// NewListDownloadsHandler returns an http.HandlerFunc for GET /api/v1/downloads.
func NewListDownloadsHandler(mgr *queue.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		response.JSON(w, mgr.Snapshot())
	}
}

// NewGetDownloadHandler returns an http.HandlerFunc for
// GET /api/v1/downloads/{jobID}. Terminal jobs are evicted from memory, so
// anything not in the queue is served from the cache mirror.
func NewGetDownloadHandler(mgr *queue.Manager, c cache.Cache) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobID, err := uuid.Parse(chi.URLParam(r, "jobID"))
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid job id", nil)
			return
		}

		if job, ok := mgr.GetJob(jobID); ok {
			response.JSON(w, job)
			return
		}

		data, found, err := c.GetJobStatus(r.Context(), jobID)
		if err != nil || !found {
			response.Error(w, http.StatusNotFound, "NOT_FOUND", "Job not found", nil)
			return
		}
		var job models.Job
		if err := json.Unmarshal(data, &job); err != nil {
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
				"Stored job status is unreadable", nil)
			return
		}
		response.JSON(w, job)
	}
}
