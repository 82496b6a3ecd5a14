package models

import (
	"time"

	"github.com/google/uuid"
)

// Job states. A job moves strictly forward through these; Completed and
// Failed are terminal.
const (
	JobQueued     = "queued"
	JobCreating   = "creating"
	JobPolling    = "polling"
	JobFetching   = "fetching"
	JobDelivering = "delivering"
	JobCompleted  = "completed"
	JobFailed     = "failed"
)

// Failure kinds recorded on a failed job.
const (
	FailureRejectedLink     = "rejected_link"
	FailureQuotaExceeded    = "quota_exceeded"
	FailureTransient        = "transient"
	FailureDownloadTimeout  = "download_timeout"
	FailureFileTooLarge     = "file_too_large"
	FailureUpload           = "upload_error"
	FailureRateLimitTimeout = "rate_limit_timeout"
	FailureStorage          = "storage_error"
	FailureShutdown         = "shutdown"
)

// Job represents one in-flight conversion and delivery attempt. A job is
// owned by exactly one worker at a time; only that worker mutates it after
// admission.
type Job struct {
	ID            uuid.UUID `json:"id"`
	Seq           uint64    `json:"seq"`
	Link          string    `json:"link"`
	OriginalLink  string    `json:"original_link,omitempty"`
	ChatID        int64     `json:"chat_id"`
	State         string    `json:"state"`
	RemoteID      int64     `json:"remote_id,omitempty"`
	Cached        bool      `json:"cached,omitempty"`
	Filename      string    `json:"filename,omitempty"`
	Size          int64     `json:"size,omitempty"`
	BytesDone     int64     `json:"bytes_done,omitempty"`
	FailureKind   string    `json:"failure_kind,omitempty"`
	FailureReason string    `json:"failure_reason,omitempty"`
	SubmittedAt   time.Time `json:"submitted_at"`
	StateSince    time.Time `json:"state_since"`

	// StatusMessageID refers to the in-place-edited status message in the
	// destination chat, zero until the first status is sent.
	StatusMessageID int64 `json:"-"`
}

// Terminal reports whether the job has reached a final state.
func (j *Job) Terminal() bool {
	return j.State == JobCompleted || j.State == JobFailed
}

// EnterState moves the job to the given state and stamps the transition time.
func (j *Job) EnterState(state string) {
	j.State = state
	j.StateSince = time.Now().UTC()
}
