package job

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// ErrNotFound is returned for unknown job IDs.
var ErrNotFound = errors.New("job not found")

// ErrNotRetryable is returned when retrying a job that has not failed or been cancelled.
var ErrNotRetryable = errors.New("only failed or cancelled jobs can be retried")

// JobQueue manages job persistence and dispatching
type JobQueue struct {
	db       *sql.DB
	mu       sync.RWMutex
	pending  chan string // job IDs to process
	cancels  map[string]context.CancelFunc
	handlers map[JobType]JobHandler
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	start    sync.Once

	// errorMessage renders a handler error for storage on the job row.
	errorMessage func(error) string
}

// NewJobQueue creates a job queue. The jobs table must exist. Jobs are not
// dispatched until Start is called.
func NewJobQueue(db *sql.DB, errorMessage func(error) string) *JobQueue {
	if errorMessage == nil {
		errorMessage = func(err error) string { return err.Error() }
	}
	ctx, cancel := context.WithCancel(context.Background())
	q := &JobQueue{
		db:           db,
		pending:      make(chan string, 100),
		cancels:      make(map[string]context.CancelFunc),
		handlers:     make(map[JobType]JobHandler),
		ctx:          ctx,
		cancel:       cancel,
		errorMessage: errorMessage,
	}
	return q
}

// Start re-queues jobs left over by a previous process and begins dispatching.
// Register every handler first; leftover jobs of an unregistered type fail.
func (q *JobQueue) Start() {
	q.start.Do(func() {
		q.wg.Add(1)
		go func() {
			defer q.wg.Done()
			q.resumeJobs()
			q.worker()
		}()
	})
}

// RegisterHandler registers a handler for a job type
func (q *JobQueue) RegisterHandler(jobType JobType, handler JobHandler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[jobType] = handler
}

// Enqueue creates a new job and adds it to the queue
func (q *JobQueue) Enqueue(jobType JobType, filePath string, params any) (*Job, error) {
	paramsJSON, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("marshal params: %w", err)
	}

	job := &Job{
		ID:        uuid.New().String(),
		Type:      jobType,
		Status:    StatusPending,
		FilePath:  filePath,
		Params:    paramsJSON,
		Progress:  0,
		CreatedAt: time.Now().UTC(),
	}

	_, err = q.db.Exec(`
		INSERT INTO jobs (id, type, status, file_path, params, progress, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.Type, job.Status, job.FilePath, string(job.Params), job.Progress, job.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("insert job: %w", err)
	}

	select {
	case q.pending <- job.ID:
	default:
		log.Warn().Str("component", "job").Str("job", job.ID).Msg("queue full, job will be picked up on restart")
	}

	return job, nil
}

const jobColumns = `id, type, status, file_path, params, progress, result, error, created_at, started_at, completed_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*Job, error) {
	job := &Job{}
	var params, result, errMsg sql.NullString
	var startedAt, completedAt sql.NullTime

	if err := row.Scan(&job.ID, &job.Type, &job.Status, &job.FilePath, &params, &job.Progress,
		&result, &errMsg, &job.CreatedAt, &startedAt, &completedAt); err != nil {
		return nil, err
	}

	if params.Valid {
		job.Params = json.RawMessage(params.String)
	}
	if result.Valid {
		job.Result = json.RawMessage(result.String)
	}
	if errMsg.Valid {
		job.Error = errMsg.String
	}
	if startedAt.Valid {
		job.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		job.CompletedAt = &completedAt.Time
	}
	return job, nil
}

// GetJob retrieves a job by ID
func (q *JobQueue) GetJob(id string) (*Job, error) {
	job, err := scanJob(q.db.QueryRow(`SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return job, err
}

// ListJobs returns all jobs ordered by creation time (newest first)
func (q *JobQueue) ListJobs() ([]*Job, error) {
	rows, err := q.db.Query(`SELECT ` + jobColumns + ` FROM jobs ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// CancelJob cancels a pending or running job
func (q *JobQueue) CancelJob(id string) error {
	if _, err := q.GetJob(id); err != nil {
		return err
	}

	_, err := q.db.Exec(`
		UPDATE jobs SET status = ?, completed_at = ?
		WHERE id = ? AND status IN (?, ?)`,
		StatusCancelled, time.Now().UTC(), id, StatusPending, StatusRunning,
	)
	if err != nil {
		return err
	}

	q.mu.Lock()
	if cancelFn, ok := q.cancels[id]; ok {
		cancelFn()
		delete(q.cancels, id)
	}
	q.mu.Unlock()
	return nil
}

// RetryJob re-queues a failed or cancelled job
func (q *JobQueue) RetryJob(id string) error {
	res, err := q.db.Exec(`
		UPDATE jobs SET status = ?, progress = 0, result = NULL, error = NULL, started_at = NULL, completed_at = NULL
		WHERE id = ? AND status IN (?, ?)`,
		StatusPending, id, StatusFailed, StatusCancelled,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := q.GetJob(id); err != nil {
			return err
		}
		return ErrNotRetryable
	}

	select {
	case q.pending <- id:
	default:
		log.Warn().Str("component", "job").Str("job", id).Msg("queue full, retry will be picked up on restart")
	}
	return nil
}

// UpdateProgress updates the progress of a running job
func (q *JobQueue) UpdateProgress(id string, progress float64) {
	if _, err := q.db.Exec("UPDATE jobs SET progress = ? WHERE id = ? AND status = ?", progress, id, StatusRunning); err != nil {
		log.Warn().Str("component", "job").Str("job", id).Err(err).Msg("update progress")
	}
}

// Stop cancels running jobs and waits for the worker to exit.
func (q *JobQueue) Stop() {
	q.cancel()
	q.wg.Wait()
}

// worker processes jobs from the pending channel one at a time
func (q *JobQueue) worker() {
	for {
		select {
		case <-q.ctx.Done():
			return
		case jobID := <-q.pending:
			q.processJob(jobID)
		}
	}
}

// processJob runs a single job
func (q *JobQueue) processJob(jobID string) {
	job, err := q.GetJob(jobID)
	if err != nil {
		log.Error().Str("component", "job").Str("job", jobID).Err(err).Msg("failed to load job")
		return
	}

	// Skip if not pending
	if job.Status != StatusPending {
		return
	}

	q.mu.RLock()
	handler, ok := q.handlers[job.Type]
	q.mu.RUnlock()

	if !ok {
		q.failJob(job, fmt.Sprintf("no handler for job type: %s", job.Type))
		return
	}

	ctx, cancelFn := context.WithCancel(q.ctx)
	q.mu.Lock()
	q.cancels[job.ID] = cancelFn
	q.mu.Unlock()
	defer func() {
		q.mu.Lock()
		delete(q.cancels, job.ID)
		q.mu.Unlock()
		cancelFn()
	}()

	now := time.Now().UTC()
	res, err := q.db.Exec("UPDATE jobs SET status = ?, started_at = ? WHERE id = ? AND status = ?",
		StatusRunning, now, job.ID, StatusPending)
	if err != nil {
		log.Error().Str("component", "job").Str("job", job.ID).Err(err).Msg("failed to start job")
		return
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// cancelled between load and start
		return
	}
	job.StartedAt = &now
	job.Status = StatusRunning
	log.Info().Str("component", "job").Str("job", job.ID).Str("type", string(job.Type)).Msg("job started")

	updateProgress := func(progress float64) {
		q.UpdateProgress(job.ID, progress)
	}

	type outcome struct {
		result any
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("job handler panic: %v", r)}
			}
		}()
		result, err := handler(ctx, job, updateProgress)
		done <- outcome{result: result, err: err}
	}()

	select {
	case <-ctx.Done():
		log.Info().Str("component", "job").Str("job", job.ID).Msg("job cancelled")
	case out := <-done:
		if out.err != nil {
			q.failJob(job, q.errorMessage(out.err))
			log.Debug().Str("component", "job").Str("job", job.ID).Err(out.err).Msg("job error detail")
		} else {
			q.completeJob(job, out.result)
		}
	}
}

func (q *JobQueue) completeJob(job *Job, result any) {
	payload, err := json.Marshal(result)
	if err != nil {
		q.failJob(job, fmt.Sprintf("marshal result: %v", err))
		return
	}
	now := time.Now().UTC()
	if _, err := q.db.Exec("UPDATE jobs SET status = ?, progress = 1.0, result = ?, completed_at = ? WHERE id = ? AND status = ?",
		StatusCompleted, string(payload), now, job.ID, StatusRunning); err != nil {
		log.Error().Str("component", "job").Str("job", job.ID).Err(err).Msg("failed to store job result")
		return
	}
	log.Info().Str("component", "job").Str("job", job.ID).Msg("job completed")
}

func (q *JobQueue) failJob(job *Job, errMsg string) {
	now := time.Now().UTC()
	if _, err := q.db.Exec("UPDATE jobs SET status = ?, error = ?, completed_at = ? WHERE id = ? AND status IN (?, ?)",
		StatusFailed, errMsg, now, job.ID, StatusPending, StatusRunning); err != nil {
		log.Error().Str("component", "job").Str("job", job.ID).Err(err).Msg("failed to store job failure")
		return
	}
	log.Warn().Str("component", "job").Str("job", job.ID).Str("error", errMsg).Msg("job failed")
}

// resumeJobs re-queues any pending jobs found in DB on startup
func (q *JobQueue) resumeJobs() {
	// running jobs were interrupted by a restart
	if _, err := q.db.Exec("UPDATE jobs SET status = ?, started_at = NULL WHERE status = ?", StatusPending, StatusRunning); err != nil {
		log.Error().Str("component", "job").Err(err).Msg("failed to reset running jobs")
	}

	rows, err := q.db.Query("SELECT id FROM jobs WHERE status = ? ORDER BY created_at ASC", StatusPending)
	if err != nil {
		log.Error().Str("component", "job").Err(err).Msg("failed to resume jobs")
		return
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err == nil {
			ids = append(ids, id)
		}
	}
	rows.Close()

	count := 0
	for _, id := range ids {
		select {
		case q.pending <- id:
			count++
		default:
		}
	}
	if count > 0 {
		log.Info().Str("component", "job").Int("count", count).Msg("resumed pending jobs")
	}
}
