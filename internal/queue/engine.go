// Package queue implements the priority-ordered, bounded-concurrency
// analysis job scheduler: a single ticker loop plus an in-flight map, with
// staleness sweeps, exponential-backoff retry, and crash recovery.
package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/veza-dj/control-plane/internal/apperr"
	"github.com/veza-dj/control-plane/internal/config"
	"github.com/veza-dj/control-plane/internal/model"
	"github.com/veza-dj/control-plane/internal/monitoring"
	"github.com/veza-dj/control-plane/internal/store"
)

// WorkerClient is the subset of internal/workerclient.Client the Queue Engine
// depends on — kept as an interface here so the engine can be tested without
// a real HTTP transport.
type WorkerClient interface {
	Submit(ctx context.Context, job *model.AnalysisJob, callbackURL string) (string, error)
	Cancel(ctx context.Context, workerJobID string) error
	Healthy(ctx context.Context) bool
}

// Engine is the single-threaded periodic scheduler. It holds no exported
// mutable state beyond what Request/Cancel/Sweep expose; all
// synchronization is internal.
type Engine struct {
	store       *store.JobStore
	worker      WorkerClient
	logger      *zap.Logger
	cfg         config.QueueConfig
	callbackURL string

	events chan Event
	wake   chan struct{}

	mu        sync.Mutex
	inFlight  map[int64]bool
	backoff   map[int64]time.Time // jobID -> not-eligible-before, cleared on dequeue

	submitWG sync.WaitGroup

	metrics *monitoring.Metrics
}

// SetMetrics wires the Prometheus metrics recorder after construction
// (matching the Fulfiller/Cache/Session/Supervisor post-construction-setter
// idiom — the container builds the metrics registry before the components
// that report into it, but each component's own constructor stays metrics-
// agnostic so it can be unit-tested without one).
func (e *Engine) SetMetrics(m *monitoring.Metrics) {
	e.metrics = m
}

// New constructs an Engine. callbackURL is the address the worker is told to
// POST stage results back to.
func New(st *store.JobStore, worker WorkerClient, logger *zap.Logger, cfg config.QueueConfig, callbackURL string) *Engine {
	return &Engine{
		store:       st,
		worker:      worker,
		logger:      logger,
		cfg:         cfg,
		callbackURL: callbackURL,
		events:      make(chan Event, 256),
		wake:        make(chan struct{}, 1),
		inFlight:    make(map[int64]bool),
		backoff:     make(map[int64]time.Time),
	}
}

// Events returns the channel of lifecycle transitions.
// Emission never blocks: once the 256-event buffer is full, further events
// are dropped with a warning until a reader drains the channel.
func (e *Engine) Events() <-chan Event {
	return e.events
}

func (e *Engine) emit(ctx context.Context, evt Event) {
	evt.Timestamp = time.Now().UTC()
	select {
	case e.events <- evt:
	default:
		e.logger.Warn("dropping queue event, channel full", zap.String("type", string(evt.Type)))
	}
}

// Recover transitions every job found in processing back to queued. Call once at startup before Run.
func (e *Engine) Recover(ctx context.Context) error {
	jobs, err := e.store.FindProcessing(ctx)
	if err != nil {
		return fmt.Errorf("recover: list processing jobs: %w", err)
	}
	for _, j := range jobs {
		if err := e.store.UpdateStatus(ctx, j.ID, model.JobStatusQueued); err != nil {
			return fmt.Errorf("recover: requeue job %d: %w", j.ID, err)
		}
		e.logger.Info("requeued job after restart", zap.Int64("job_id", j.ID), zap.String("content_hash", j.ContentHash))
	}
	return nil
}

// Request sweeps stale jobs, then returns an existing job or creates a new
// one. Any incomplete job for the hash is returned unchanged regardless of
// force — creating a second active job for the same hash would break the
// one-active-job-per-hash invariant, so force only ever short-circuits a
// completed job.
func (e *Engine) Request(ctx context.Context, track *model.Track, opts model.Options, priority model.Priority, hook *model.DeliveryHook, force bool) (*model.AnalysisJob, error) {
	if err := e.Sweep(ctx); err != nil {
		return nil, err
	}

	incomplete, err := e.store.FindByHashIncomplete(ctx, track.ContentHash)
	if err != nil && err != apperr.ErrNotFound {
		return nil, fmt.Errorf("request: find incomplete: %w", err)
	}
	if incomplete != nil {
		return incomplete, nil
	}

	if !force {
		completed, err := e.store.FindByHashCompleted(ctx, track.ContentHash)
		if err != nil && err != apperr.ErrNotFound {
			return nil, fmt.Errorf("request: find completed: %w", err)
		}
		if completed != nil && !opts.HasStems() {
			return completed, nil
		}
	}

	job := &model.AnalysisJob{
		ContentHash: track.ContentHash,
		TrackID:     track.ID,
		SourcePath:  track.Path,
		Options:     opts,
		Priority:    priority,
		Hook:        hook,
		MaxRetries:  e.cfg.MaxRetries,
	}
	if err := e.store.Create(ctx, job); err != nil {
		return nil, fmt.Errorf("request: create job: %w", err)
	}
	e.emit(ctx, Event{Type: EventQueued, Job: job})
	e.wakeLoop()
	return job, nil
}

// BulkSummary is the result of BulkReanalyze.
type BulkSummary struct {
	Queued int
	Failed int
	Errors map[uint]string
}

// BulkReanalyze enqueues each track ID with force=true, synchronously and
// without rate-limiting. Each per-track result is also emitted on Events() so a caller can
// observe incremental progress.
func (e *Engine) BulkReanalyze(ctx context.Context, tracks []*model.Track, opts model.Options, priority model.Priority) BulkSummary {
	summary := BulkSummary{Errors: make(map[uint]string)}
	for _, t := range tracks {
		job, err := e.Request(ctx, t, opts, priority, nil, true)
		if err != nil {
			summary.Failed++
			summary.Errors[t.ID] = err.Error()
			e.emit(ctx, Event{Type: EventFailed, Err: err})
			continue
		}
		summary.Queued++
		e.emit(ctx, Event{Type: EventQueued, Job: job})
	}
	return summary
}

// Cancel asks the Worker Client to cancel (best-effort), transitions the job
// to cancelled, and removes it from the in-flight set.
func (e *Engine) Cancel(ctx context.Context, jobID int64) error {
	job, err := e.store.ByID(ctx, jobID)
	if err != nil {
		return fmt.Errorf("cancel: %w", err)
	}
	if job.WorkerJobID != "" {
		if err := e.worker.Cancel(ctx, job.WorkerJobID); err != nil {
			e.logger.Warn("best-effort worker cancel failed", zap.Int64("job_id", jobID), zap.Error(err))
		}
	}
	if err := e.store.UpdateStatus(ctx, jobID, model.JobStatusCancelled); err != nil {
		return fmt.Errorf("cancel: update status: %w", err)
	}
	e.mu.Lock()
	delete(e.inFlight, jobID)
	delete(e.backoff, jobID)
	e.mu.Unlock()
	if e.metrics != nil {
		e.metrics.RecordJobOutcome("cancelled")
	}
	e.emit(ctx, Event{Type: EventCancelled, Job: job})
	e.wakeLoop()
	return nil
}

// CompleteJob marks jobID completed. It is idempotent: a job already
// completed is a no-op. Both the "all requested stages recorded" path
// (internal/callback) and a worker-originated job_completed callback call
// this, and whichever arrives first wins.
func (e *Engine) CompleteJob(ctx context.Context, jobID int64) (*model.AnalysisJob, error) {
	job, err := e.store.ByID(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("complete job: %w", err)
	}
	if job.Status == model.JobStatusCompleted {
		return job, nil
	}
	if job.Status != model.JobStatusProcessing && job.Status != model.JobStatusQueued {
		// Cancelled/failed jobs are not resurrected by a late completion signal.
		return job, nil
	}
	if err := e.store.UpdateStatus(ctx, jobID, model.JobStatusCompleted); err != nil {
		return nil, fmt.Errorf("complete job: %w", err)
	}
	job.Status = model.JobStatusCompleted
	e.mu.Lock()
	delete(e.inFlight, jobID)
	delete(e.backoff, jobID)
	e.mu.Unlock()
	if e.metrics != nil {
		e.metrics.RecordJobOutcome("completed")
	}
	e.emit(ctx, Event{Type: EventCompleted, Job: job})
	return job, nil
}

// FailJob records a job-level failure (worker error/job_failed, or a
// submission exception) through the retry/backoff machinery.
func (e *Engine) FailJob(ctx context.Context, jobID int64, cause error) error {
	job, err := e.store.IncrementRetry(ctx, jobID, cause)
	if err != nil {
		return fmt.Errorf("fail job: %w", err)
	}
	e.mu.Lock()
	delete(e.inFlight, jobID)
	if job.Status == model.JobStatusQueued {
		delay := e.cfg.RetryDelayBase * time.Duration(1<<uint(job.RetryCount-1))
		e.backoff[jobID] = time.Now().Add(delay)
	} else {
		delete(e.backoff, jobID)
	}
	e.mu.Unlock()

	if job.Status == model.JobStatusFailed {
		if e.metrics != nil {
			e.metrics.RecordJobOutcome("failed")
		}
		e.emit(ctx, Event{Type: EventFailed, Job: job, Err: cause})
	} else {
		if e.metrics != nil {
			e.metrics.RecordJobRetry()
		}
		e.emit(ctx, Event{Type: EventRetry, Job: job, Err: cause})
		e.wakeLoop()
	}
	return nil
}

// Sweep transitions stale processing/queued jobs to failed. It is called implicitly by Request and
// on every scheduling tick.
func (e *Engine) Sweep(ctx context.Context) error {
	now := time.Now().UTC()

	processing, err := e.store.FindProcessing(ctx)
	if err != nil {
		return fmt.Errorf("sweep: list processing: %w", err)
	}
	for _, j := range processing {
		if j.StartedAt == nil {
			continue
		}
		if now.Sub(*j.StartedAt) > e.cfg.ProcessingTimeout {
			e.failStale(ctx, j)
		}
	}

	queued, err := e.store.FindQueued(ctx, 1<<20)
	if err != nil {
		return fmt.Errorf("sweep: list queued: %w", err)
	}
	for _, j := range queued {
		if now.Sub(j.CreatedAt) > e.cfg.QueuedTimeout {
			e.failStale(ctx, j)
		}
	}
	return nil
}

func (e *Engine) failStale(ctx context.Context, j *model.AnalysisJob) {
	if err := e.store.UpdateStatus(ctx, j.ID, model.JobStatusFailed); err != nil {
		e.logger.Error("sweep: failed to mark job failed", zap.Int64("job_id", j.ID), zap.Error(err))
		return
	}
	e.mu.Lock()
	delete(e.inFlight, j.ID)
	delete(e.backoff, j.ID)
	e.mu.Unlock()
	j.Status = model.JobStatusFailed
	if e.metrics != nil {
		e.metrics.RecordJobOutcome("failed")
	}
	e.emit(ctx, Event{Type: EventFailed, Job: j, Err: apperr.ErrStaleJob})
}

func (e *Engine) wakeLoop() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// DrainSubmissions blocks until every in-flight worker submission has
// finished, or timeout elapses. It reports whether the drain completed.
// Called on shutdown after the scheduling loop has stopped dequeuing.
func (e *Engine) DrainSubmissions(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		e.submitWG.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}

// Run drives the scheduling loop until ctx is cancelled. It is meant to run in its own goroutine.
func (e *Engine) Run(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.tick(ctx)
		case <-e.wake:
			e.tick(ctx)
		}
	}
}

func (e *Engine) tick(ctx context.Context) {
	if err := e.Sweep(ctx); err != nil {
		e.logger.Error("sweep failed", zap.Error(err))
	}

	e.mu.Lock()
	slots := e.cfg.MaxConcurrent - len(e.inFlight)
	e.mu.Unlock()
	if slots <= 0 {
		return
	}

	// Skip this tick's dequeue rather than submit into a dead worker; the
	// next tick retries.
	if !e.worker.Healthy(ctx) {
		e.logger.Warn("worker unhealthy, skipping dequeue this tick")
		return
	}

	candidates, err := e.store.FindQueued(ctx, slots+8) // small overfetch to skip backoff-held jobs
	if err != nil {
		e.logger.Error("dequeue: list queued failed", zap.Error(err))
		return
	}

	now := time.Now()
	dequeued := 0
	for _, job := range candidates {
		if dequeued >= slots {
			break
		}
		e.mu.Lock()
		if e.inFlight[job.ID] {
			e.mu.Unlock()
			continue
		}
		if notBefore, held := e.backoff[job.ID]; held && now.Before(notBefore) {
			e.mu.Unlock()
			continue
		}
		e.inFlight[job.ID] = true
		delete(e.backoff, job.ID)
		e.mu.Unlock()

		dequeued++
		e.dispatch(ctx, job)
	}
}

func (e *Engine) dispatch(ctx context.Context, job *model.AnalysisJob) {
	if err := e.store.UpdateStatus(ctx, job.ID, model.JobStatusProcessing); err != nil {
		e.logger.Error("dispatch: update status failed", zap.Int64("job_id", job.ID), zap.Error(err))
		e.mu.Lock()
		delete(e.inFlight, job.ID)
		e.mu.Unlock()
		return
	}
	job.Status = model.JobStatusProcessing
	e.emit(ctx, Event{Type: EventProcessing, Job: job})

	// Submission is network I/O and must not block the scheduling loop. The
	// worker client's own per-call timeouts bound the request (uploads run
	// long); no extra deadline here.
	e.submitWG.Add(1)
	go func() {
		defer e.submitWG.Done()
		workerJobID, err := e.worker.Submit(context.Background(), job, e.callbackURL)
		if err != nil {
			e.logger.Warn("submission failed", zap.Int64("job_id", job.ID), zap.Error(err))
			if ferr := e.FailJob(context.Background(), job.ID, fmt.Errorf("%w: %v", apperr.ErrTransient, err)); ferr != nil {
				e.logger.Error("failed to record submission failure", zap.Error(ferr))
			}
			return
		}
		if err := e.store.SetWorkerJobID(context.Background(), job.ID, workerJobID); err != nil {
			e.logger.Error("failed to record worker job id", zap.Int64("job_id", job.ID), zap.Error(err))
		}
	}()
}
