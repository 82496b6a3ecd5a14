package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/terarelay/terarelay/internal/cache"
	"github.com/terarelay/terarelay/internal/debrid"
	"github.com/terarelay/terarelay/internal/ratelimit"
	"github.com/terarelay/terarelay/internal/store"
	"github.com/terarelay/terarelay/internal/telegram"
	"github.com/terarelay/terarelay/internal/transfer"
	"github.com/terarelay/terarelay/pkg/models"
)

// errPollTimeout means the remote download never completed within the
// overall download deadline.
var errPollTimeout = errors.New("remote download did not complete in time")

// Transfer moves a remote file to local storage and on to the sink.
// Satisfied by transfer.Pipeline.
type Transfer interface {
	Fetch(ctx context.Context, url, filename string, progress func(int64)) (path string, cleanup func(), bytesDone int64, err error)
	Deliver(ctx context.Context, chatID int64, path, filename string, size int64) (int64, error)
}

// Config tunes the worker pool and state machine.
type Config struct {
	Concurrency     int
	MaxFileSize     int64
	PollInterval    time.Duration
	PollMaxInterval time.Duration
	DownloadTimeout time.Duration
	EditInterval    time.Duration
	StatusTTL       time.Duration
}

// SubmitResult is the outcome of submitting one link.
type SubmitResult struct {
	// Cached is set when a previous delivery was replayed instead of
	// starting a new job.
	Cached   bool
	Delivery *models.Delivery
	Job      *models.Job
	Position int
}

// Snapshot is a point-in-time view of the queue.
type Snapshot struct {
	Active []models.Job `json:"active"`
	Queued []QueuedJob  `json:"queued"`
}

// QueuedJob is a job waiting for a worker slot.
type QueuedJob struct {
	models.Job
	Position int `json:"position"`
}

// Manager owns the job queue: it admits at most Concurrency jobs past
// Queued at once and drives each through the full state machine.
type Manager struct {
	cfg    Config
	store  store.Store
	cache  cache.Cache
	client debrid.Client
	sink   telegram.Sink
	xfer   Transfer
	logger *slog.Logger

	mu      sync.Mutex
	cond    *sync.Cond
	jobs    map[uuid.UUID]*models.Job
	pending []uuid.UUID
	seq     uint64
	closed  bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	events chan models.Job
}

// NewManager wires the queue manager. Call Start before Submit.
func NewManager(cfg Config, st store.Store, c cache.Cache, client debrid.Client, sink telegram.Sink, xfer Transfer, logger *slog.Logger) *Manager {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if cfg.StatusTTL <= 0 {
		cfg.StatusTTL = 24 * time.Hour
	}
	m := &Manager{
		cfg:    cfg,
		store:  st,
		cache:  c,
		client: client,
		sink:   sink,
		xfer:   xfer,
		logger: logger,
		jobs:   make(map[uuid.UUID]*models.Job),
		events: make(chan models.Job, 64),
	}
	m.cond = sync.NewCond(&m.mu)
	return m
}

// Start launches the worker pool and the status updater.
func (m *Manager) Start(ctx context.Context) {
	m.ctx, m.cancel = context.WithCancel(ctx)
	for i := 0; i < m.cfg.Concurrency; i++ {
		m.wg.Add(1)
		go m.worker(i)
	}
	m.wg.Add(1)
	go m.statusUpdater()
}

// Close stops admission, cancels in-flight work, and waits for workers.
// Jobs still waiting in the queue are marked failed.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	failed := make([]models.Job, 0, len(m.pending))
	for _, id := range m.pending {
		job := m.jobs[id]
		job.FailureKind = models.FailureShutdown
		job.FailureReason = "server shutting down"
		job.EnterState(models.JobFailed)
		failed = append(failed, m.publishLocked(job))
		delete(m.jobs, id)
	}
	m.pending = nil
	m.cond.Broadcast()
	m.mu.Unlock()

	for _, job := range failed {
		m.mirror(job)
		m.reportFailure(job)
	}

	m.cancel()
	m.wg.Wait()
}

// Submit resolves one canonical link: replay from the dedup cache when a
// prior delivery exists, otherwise enqueue a new job.
func (m *Manager) Submit(ctx context.Context, link, originalLink string, chatID int64) (SubmitResult, error) {
	if prev, err := m.store.LookupDelivery(ctx, link); err == nil {
		if _, fwdErr := m.sink.Forward(ctx, chatID, prev.ChatID, prev.MessageID); fwdErr == nil {
			return SubmitResult{Cached: true, Delivery: prev}, nil
		} else {
			m.logger.Warn("cached replay failed, re-downloading",
				slog.String("link", link), slog.String("error", fwdErr.Error()))
		}
	} else if !errors.Is(err, store.ErrNotFound) {
		// Dedup degrades to a re-download, never blocks a submission.
		m.logger.Warn("dedup lookup failed", slog.String("error", err.Error()))
	}

	job := &models.Job{
		ID:           uuid.New(),
		Link:         link,
		OriginalLink: originalLink,
		ChatID:       chatID,
		SubmittedAt:  time.Now().UTC(),
	}
	job.EnterState(models.JobQueued)

	if msgID, err := m.sink.SendStatus(ctx, chatID, "Queued for download"); err == nil {
		job.StatusMessageID = msgID
	} else {
		m.logger.Warn("status message failed", slog.String("error", err.Error()))
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return SubmitResult{}, errors.New("queue is shutting down")
	}
	m.seq++
	job.Seq = m.seq
	m.jobs[job.ID] = job
	m.pending = append(m.pending, job.ID)
	position := len(m.pending)
	snapshot := m.publishLocked(job)
	m.cond.Signal()
	m.mu.Unlock()
	m.mirror(snapshot)

	return SubmitResult{Job: &snapshot, Position: position}, nil
}

// GetJob returns a copy of a tracked job.
func (m *Manager) GetJob(id uuid.UUID) (models.Job, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return models.Job{}, false
	}
	return *job, true
}

// Snapshot lists in-flight jobs and queued jobs with their positions.
func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := Snapshot{Active: []models.Job{}, Queued: []QueuedJob{}}
	queuedSet := make(map[uuid.UUID]int, len(m.pending))
	for i, id := range m.pending {
		queuedSet[id] = i + 1
	}
	for _, job := range m.jobs {
		if pos, ok := queuedSet[job.ID]; ok {
			snap.Queued = append(snap.Queued, QueuedJob{Job: *job, Position: pos})
			continue
		}
		if !job.Terminal() {
			snap.Active = append(snap.Active, *job)
		}
	}
	return snap
}

// worker admits queued jobs one at a time, so at most Concurrency jobs are
// past Queued simultaneously. Terminal jobs are dropped from memory once
// their final state has been mirrored; the status endpoint serves them from
// the cache afterward.
func (m *Manager) worker(n int) {
	defer m.wg.Done()
	for {
		job := m.next()
		if job == nil {
			return
		}
		m.run(job)
		m.evict(job.ID)
	}
}

func (m *Manager) evict(id uuid.UUID) {
	m.mu.Lock()
	delete(m.jobs, id)
	m.mu.Unlock()
}

// next blocks until a job is available or the manager is closed.
func (m *Manager) next() *models.Job {
	m.mu.Lock()
	defer m.mu.Unlock()
	for len(m.pending) == 0 && !m.closed {
		m.cond.Wait()
	}
	if len(m.pending) == 0 {
		return nil
	}
	id := m.pending[0]
	m.pending = m.pending[1:]
	return m.jobs[id]
}

// run drives one job through the full state machine. Panics are contained
// here so a bad job never takes a worker down.
func (m *Manager) run(job *models.Job) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("worker panic",
				slog.String("job_id", job.ID.String()),
				slog.Any("panic", r))
			m.fail(job, models.FailureTransient, fmt.Sprintf("internal error: %v", r))
		}
	}()

	ctx := m.ctx

	// Creating
	m.transition(job, models.JobCreating)
	created, err := m.client.CreateDownload(ctx, job.Link)
	if err != nil {
		m.fail(job, classifyFailure(err), err.Error())
		return
	}
	m.update(job, func(j *models.Job) {
		j.RemoteID = created.ID
		j.Cached = created.Cached
	})

	// Polling
	m.transition(job, models.JobPolling)
	file, err := m.poll(ctx, job)
	if err != nil {
		m.fail(job, classifyFailure(err), err.Error())
		return
	}
	m.update(job, func(j *models.Job) {
		j.Filename = file.Name
		j.Size = file.Size
	})
	if file.Size > m.cfg.MaxFileSize {
		m.fail(job, models.FailureFileTooLarge,
			fmt.Sprintf("%s exceeds the %s limit", transfer.FormatSize(file.Size), transfer.FormatSize(m.cfg.MaxFileSize)))
		return
	}

	// Fetching
	m.transition(job, models.JobFetching)
	signedURL, err := m.client.RequestDownloadURL(ctx, job.RemoteID, file.ID)
	if err != nil {
		m.fail(job, classifyFailure(err), err.Error())
		return
	}
	path, cleanup, bytesDone, err := m.xfer.Fetch(ctx, signedURL, file.Name, m.progressFunc(job))
	m.update(job, func(j *models.Job) { j.BytesDone = bytesDone })
	if err != nil {
		m.fail(job, classifyFailure(err), err.Error())
		return
	}
	defer cleanup()

	// Delivering
	m.transition(job, models.JobDelivering)
	messageID, err := m.xfer.Deliver(ctx, job.ChatID, path, file.Name, file.Size)
	if err != nil {
		m.fail(job, classifyFailure(err), err.Error())
		return
	}

	// The record lands before the slot is released so a duplicate submission
	// racing this one replays instead of re-downloading.
	delivery := &models.Delivery{
		Link:        job.Link,
		Filename:    file.Name,
		Size:        file.Size,
		ChatID:      job.ChatID,
		MessageID:   messageID,
		DeliveredAt: time.Now().UTC(),
	}
	if err := m.store.RecordDelivery(ctx, delivery); err != nil {
		// The file is already in the chat; a storage failure only costs
		// the dedup entry.
		m.logger.Warn("recording delivery failed",
			slog.String("job_id", job.ID.String()),
			slog.String("error", err.Error()))
	}

	if job.StatusMessageID != 0 {
		if err := m.sink.DeleteMessage(ctx, job.ChatID, job.StatusMessageID); err != nil {
			m.logger.Warn("deleting status message failed", slog.String("error", err.Error()))
		}
	}
	m.transition(job, models.JobCompleted)
}

// poll queries the remote download until it completes, fails, or the
// overall download deadline passes. The interval doubles up to the
// configured maximum; transient query errors count as missed polls.
func (m *Manager) poll(ctx context.Context, job *models.Job) (debrid.File, error) {
	deadline := time.Now().Add(m.cfg.DownloadTimeout)
	interval := m.cfg.PollInterval

	for {
		status, err := m.client.GetDownloadStatus(ctx, job.RemoteID)
		switch {
		case err == nil && status.Failed():
			return debrid.File{}, fmt.Errorf("%w: remote download state %q", debrid.ErrRejectedLink, status.State)
		case err == nil && status.Completed() && len(status.Files) > 0:
			return status.Files[0], nil
		case err != nil && !errors.Is(err, debrid.ErrTransient):
			return debrid.File{}, err
		case err != nil:
			m.logger.Warn("status poll failed",
				slog.String("job_id", job.ID.String()),
				slog.String("error", err.Error()))
		}

		if time.Now().After(deadline) {
			return debrid.File{}, fmt.Errorf("%w: waited %s", errPollTimeout, m.cfg.DownloadTimeout)
		}
		select {
		case <-time.After(interval):
		case <-ctx.Done():
			return debrid.File{}, ctx.Err()
		}
		if interval *= 2; interval > m.cfg.PollMaxInterval {
			interval = m.cfg.PollMaxInterval
		}
	}
}

// progressFunc reports fetch progress, published at most once per 8 MiB so
// chunk-sized reads do not flood the event channel.
func (m *Manager) progressFunc(job *models.Job) func(int64) {
	const step = 8 << 20
	var last int64
	return func(done int64) {
		if done-last < step {
			return
		}
		last = done
		m.update(job, func(j *models.Job) { j.BytesDone = done })
	}
}

func (m *Manager) transition(job *models.Job, state string) {
	m.mu.Lock()
	job.EnterState(state)
	snapshot := m.publishLocked(job)
	m.mu.Unlock()
	m.mirror(snapshot)
}

func (m *Manager) update(job *models.Job, fn func(*models.Job)) {
	m.mu.Lock()
	fn(job)
	snapshot := m.publishLocked(job)
	m.mu.Unlock()
	m.mirror(snapshot)
}

func (m *Manager) fail(job *models.Job, kind, reason string) {
	if m.ctx.Err() != nil {
		kind = models.FailureShutdown
	}
	m.mu.Lock()
	job.FailureKind = kind
	job.FailureReason = reason
	job.EnterState(models.JobFailed)
	snapshot := m.publishLocked(job)
	m.mu.Unlock()
	m.mirror(snapshot)
	m.reportFailure(snapshot)
	m.logger.Error("job failed",
		slog.String("job_id", job.ID.String()),
		slog.String("kind", kind),
		slog.String("reason", reason))
}

// publishLocked hands a copy of the job to the status updater and returns
// that copy so the caller can mirror it after releasing the lock. Event
// sends never block a worker.
func (m *Manager) publishLocked(job *models.Job) models.Job {
	snapshot := *job
	select {
	case m.events <- snapshot:
	default:
	}
	return snapshot
}

// mirror writes a job snapshot into the cache so the status endpoint can
// serve jobs no longer held in memory. Never called under m.mu: a slow
// cache must not stall submissions or snapshots.
func (m *Manager) mirror(job models.Job) {
	data, err := json.Marshal(&job)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := m.cache.SetJobStatus(ctx, job.ID, data, m.cfg.StatusTTL); err != nil {
		m.logger.Warn("mirroring job status failed", slog.String("error", err.Error()))
	}
}

// reportFailure edits the status message with the failure reason directly
// from the failing goroutine. Routing it through the updater could lose it
// when the events channel is full.
func (m *Manager) reportFailure(job models.Job) {
	if job.StatusMessageID == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := m.sink.EditStatus(ctx, job.ChatID, job.StatusMessageID, statusText(job)); err != nil {
		m.logger.Warn("failure edit failed",
			slog.String("job_id", job.ID.String()),
			slog.String("error", err.Error()))
	}
}

// statusUpdater edits each job's status message in place, throttled to the
// configured edit interval. Terminal transitions are reported by the
// workers themselves, never through the events channel.
func (m *Manager) statusUpdater() {
	defer m.wg.Done()
	lastEdit := make(map[uuid.UUID]time.Time)

	for {
		select {
		case job := <-m.events:
			if job.StatusMessageID == 0 {
				continue
			}
			if job.State == models.JobCompleted || job.State == models.JobFailed {
				// Completed jobs end with the delivered file; failures are
				// edited synchronously in fail.
				delete(lastEdit, job.ID)
				continue
			}
			if time.Since(lastEdit[job.ID]) < m.cfg.EditInterval {
				continue
			}
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			if err := m.sink.EditStatus(ctx, job.ChatID, job.StatusMessageID, statusText(job)); err != nil {
				m.logger.Warn("status edit failed",
					slog.String("job_id", job.ID.String()),
					slog.String("error", err.Error()))
			}
			cancel()
			lastEdit[job.ID] = time.Now()
		case <-m.ctx.Done():
			return
		}
	}
}

// statusText renders a job state for the in-chat status message.
func statusText(job models.Job) string {
	switch job.State {
	case models.JobQueued:
		return "Queued for download"
	case models.JobCreating:
		return "Sending link to the download service"
	case models.JobPolling:
		if job.Cached {
			return "Already cached, preparing the file"
		}
		return "Waiting for the remote download to finish"
	case models.JobFetching:
		if job.Size > 0 {
			return fmt.Sprintf("Downloading %s (%s / %s)",
				job.Filename, transfer.FormatSize(job.BytesDone), transfer.FormatSize(job.Size))
		}
		return "Downloading " + job.Filename
	case models.JobDelivering:
		return fmt.Sprintf("Uploading %s (%s)", job.Filename, transfer.FormatSize(job.Size))
	case models.JobFailed:
		return "Failed: " + job.FailureReason
	default:
		return job.State
	}
}

// classifyFailure maps pipeline errors onto job failure kinds.
func classifyFailure(err error) string {
	switch {
	case errors.Is(err, debrid.ErrRejectedLink):
		return models.FailureRejectedLink
	case errors.Is(err, debrid.ErrQuotaExceeded):
		return models.FailureQuotaExceeded
	case errors.Is(err, ratelimit.ErrAcquireTimeout):
		return models.FailureRateLimitTimeout
	case errors.Is(err, errPollTimeout):
		return models.FailureDownloadTimeout
	case errors.Is(err, transfer.ErrFileTooLarge), errors.Is(err, telegram.ErrTooLarge):
		return models.FailureFileTooLarge
	case errors.Is(err, telegram.ErrForbidden), errors.Is(err, telegram.ErrUnavailable):
		return models.FailureUpload
	case errors.Is(err, context.Canceled):
		return models.FailureShutdown
	default:
		return models.FailureTransient
	}
}
