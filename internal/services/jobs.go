package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"slices"
	"sync"
	"time"

	"github.com/Lllllllleong/pdfsplitter/internal/history"
	"github.com/Lllllllleong/pdfsplitter/internal/models"
	"github.com/Lllllllleong/pdfsplitter/internal/splitter"
)

// InterruptedMessage is recorded on jobs found unfinished by RecoverInterrupted.
const InterruptedMessage = "interrupted before completion"

// Runner executes one split job. *splitter.Splitter implements it.
type Runner interface {
	Split(ctx context.Context, params models.SplitJobParams, progress splitter.ProgressFunc) (*models.SplitJobResult, error)
}

// Publisher copies finished outputs somewhere durable and returns their new locations.
type Publisher interface {
	Publish(ctx context.Context, jobID string, files []string) ([]string, error)
}

// Notifier hands a successful job off to a downstream system.
type Notifier interface {
	Notify(ctx context.Context, jobID string, outputs []string) error
}

// CompletionFunc is called exactly once per job. result is nil unless err is nil.
type CompletionFunc func(result *models.SplitJobResult, err error, jobID string)

// JobHandle is the caller's view of a submitted job.
type JobHandle struct {
	id     string
	cancel context.CancelFunc
	done   chan struct{}
	result *models.SplitJobResult
	err    error
}

func (h *JobHandle) ID() string { return h.id }

// Cancel requests a cooperative stop. The output being written, if any, is finished first.
func (h *JobHandle) Cancel() { h.cancel() }

// Done is closed once the job reached a terminal state and its callback returned.
func (h *JobHandle) Done() <-chan struct{} { return h.done }

// Wait blocks until the job finishes or ctx ends. Ending ctx does not cancel the job.
func (h *JobHandle) Wait(ctx context.Context) (*models.SplitJobResult, error) {
	select {
	case <-h.done:
		return h.result, h.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// JobManager runs split jobs in the background and records their lifecycle in a history store.
type JobManager struct {
	store     history.Store
	runner    Runner
	publisher Publisher
	notifier  Notifier
	logger    *slog.Logger

	mu     sync.Mutex
	active map[string]*JobHandle
	wg     sync.WaitGroup
}

// JobOption configures a JobManager.
type JobOption func(*JobManager)

func WithPublisher(p Publisher) JobOption { return func(m *JobManager) { m.publisher = p } }

func WithNotifier(n Notifier) JobOption { return func(m *JobManager) { m.notifier = n } }

func WithJobLogger(l *slog.Logger) JobOption { return func(m *JobManager) { m.logger = l } }

func NewJobManager(store history.Store, runner Runner, opts ...JobOption) *JobManager {
	m := &JobManager{
		store:  store,
		runner: runner,
		logger: slog.Default(),
		active: make(map[string]*JobHandle),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// StartJob records a PENDING job and starts it in the background. The returned
// handle carries the job id before any work happens. Cancelling ctx after
// StartJob returns does not stop the job; use the handle for that.
func (m *JobManager) StartJob(ctx context.Context, params models.SplitJobParams, onProgress splitter.ProgressFunc, onComplete CompletionFunc) (*JobHandle, error) {
	id, err := m.store.AddJob(ctx, models.NewPendingRecord(params, time.Now()))
	if err != nil {
		return nil, fmt.Errorf("failed to record new job: %w", err)
	}

	jobCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	handle := &JobHandle{id: id, cancel: cancel, done: make(chan struct{})}

	m.mu.Lock()
	m.active[id] = handle
	m.mu.Unlock()
	m.wg.Add(1)

	m.logger.Info("Job submitted.", "jobId", id, "input", params.InputPath, "strategy", params.Strategy.String())
	go m.run(jobCtx, handle, params, onProgress, onComplete)
	return handle, nil
}

func (m *JobManager) run(ctx context.Context, h *JobHandle, params models.SplitJobParams, onProgress splitter.ProgressFunc, onComplete CompletionFunc) {
	defer m.wg.Done()
	defer close(h.done)
	defer h.cancel()
	defer m.release(h.id)

	logCtx := m.logger.With("jobId", h.id, "input", params.InputPath)
	storeCtx := context.WithoutCancel(ctx)

	running := models.StatusRunning
	if err := m.store.UpdateJob(storeCtx, h.id, models.JobUpdate{Status: &running}); err != nil {
		logCtx.Error("Failed to mark job running.", "error", err)
	}

	result, err := m.split(ctx, logCtx, params, monotonic(onProgress))
	var sample []string
	if err == nil {
		sample = result.OutputFiles
	}
	if err == nil && m.publisher != nil {
		published, perr := m.publisher.Publish(storeCtx, h.id, result.OutputFiles)
		if perr != nil {
			err = &splitter.Error{Kind: splitter.KindIO, Message: "failed to publish outputs", Err: perr, Written: result.OutputFiles}
			result = nil
		} else {
			logCtx.Info("Outputs published.", "count", len(published))
			sample = published
			m.notify(storeCtx, logCtx, h.id, published)
		}
	} else if err == nil {
		m.notify(storeCtx, logCtx, h.id, result.OutputFiles)
	}

	if err != nil {
		m.handleError(storeCtx, logCtx, h.id, err)
	} else {
		m.markSucceeded(storeCtx, logCtx, h.id, result, sample)
	}

	h.result, h.err = result, err
	if onComplete != nil {
		onComplete(result, err, h.id)
	}
}

// split runs the runner and turns a panic into a job failure.
func (m *JobManager) split(ctx context.Context, logCtx *slog.Logger, params models.SplitJobParams, progress splitter.ProgressFunc) (result *models.SplitJobResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			logCtx.Error("Split panicked.", "panic", r, "stack", string(debug.Stack()))
			result, err = nil, fmt.Errorf("internal error while splitting: %v", r)
		}
	}()
	return m.runner.Split(ctx, params, progress)
}

// markSucceeded records SUCCESS. outputs are the locations kept in the sample:
// published URIs when a publisher ran, local paths otherwise.
func (m *JobManager) markSucceeded(ctx context.Context, logCtx *slog.Logger, id string, result *models.SplitJobResult, outputs []string) {
	status := models.StatusSuccess
	count := len(result.OutputFiles)
	duration := result.DurationMs
	update := models.JobUpdate{
		Status:       &status,
		DurationMs:   &duration,
		OutputCount:  &count,
		OutputSample: models.SampleOutputs(outputs),
	}
	if err := m.store.UpdateJob(ctx, id, update); err != nil {
		logCtx.Error("CRITICAL: Failed to update history to SUCCESS after the split finished.", "updateError", err)
		return
	}
	logCtx.Info("Job finished.", "outputs", count, "durationMs", duration, "pages", result.TotalPages)
}

// handleError records a cancellation as CANCELLED and anything else as FAILED.
func (m *JobManager) handleError(ctx context.Context, logCtx *slog.Logger, id string, jobErr error) {
	status := models.StatusFailed
	if splitter.IsCancelled(jobErr) {
		status = models.StatusCancelled
		logCtx.Info("Job cancelled.")
	} else {
		logCtx.Error("Job failed.", "kind", splitter.KindOf(jobErr).String(), "error", jobErr)
	}

	message := jobErr.Error()
	update := models.JobUpdate{Status: &status, ErrorMessage: &message}
	if written := splitter.WrittenBefore(jobErr); len(written) > 0 {
		count := len(written)
		update.OutputCount = &count
		update.OutputSample = models.SampleOutputs(written)
	}
	if err := m.store.UpdateJob(ctx, id, update); err != nil {
		logCtx.Error(fmt.Sprintf("CRITICAL: Failed to update history to %s after a processing error.", status), "updateError", err)
	}
}

func (m *JobManager) notify(ctx context.Context, logCtx *slog.Logger, id string, outputs []string) {
	if m.notifier == nil {
		return
	}
	if err := m.notifier.Notify(ctx, id, outputs); err != nil {
		logCtx.Error("Failed to hand off job downstream.", "error", err)
	}
}

func (m *JobManager) release(id string) {
	m.mu.Lock()
	delete(m.active, id)
	m.mu.Unlock()
}

// Cancel requests cancellation of a running job. It reports false when id is not active here.
func (m *JobManager) Cancel(id string) bool {
	m.mu.Lock()
	h, ok := m.active[id]
	m.mu.Unlock()
	if ok {
		h.Cancel()
	}
	return ok
}

// Active lists the ids of jobs still running in this process.
func (m *JobManager) Active() []string {
	m.mu.Lock()
	ids := make([]string, 0, len(m.active))
	for id := range m.active {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	slices.Sort(ids)
	return ids
}

// Shutdown cancels every active job and waits for them to reach a terminal state.
func (m *JobManager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	for _, h := range m.active {
		h.Cancel()
	}
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Rerun starts a fresh job from the params stored on record id. The original record is not touched.
func (m *JobManager) Rerun(ctx context.Context, id string, onProgress splitter.ProgressFunc, onComplete CompletionFunc) (*JobHandle, error) {
	rec, err := m.store.GetJob(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load job %s: %w", id, err)
	}
	params, err := models.ParamsFromMap(rec.Params)
	if err != nil {
		return nil, fmt.Errorf("job %s has unusable params: %w", id, err)
	}
	return m.StartJob(ctx, params, onProgress, onComplete)
}

// RecoverInterrupted marks PENDING and RUNNING records that no job in this
// process owns as FAILED. Only call it when no other process shares the store.
func (m *JobManager) RecoverInterrupted(ctx context.Context) (int, error) {
	var stale []string
	for _, status := range []models.JobStatus{models.StatusPending, models.StatusRunning} {
		for offset := 0; ; offset += history.MaxListLimit {
			records, err := m.store.ListJobs(ctx, history.ListQuery{Status: status, Limit: history.MaxListLimit, Offset: offset})
			if err != nil {
				return 0, fmt.Errorf("failed to list %s jobs: %w", status, err)
			}
			for _, rec := range records {
				stale = append(stale, rec.ID)
			}
			if len(records) < history.MaxListLimit {
				break
			}
		}
	}

	active := m.Active()
	failed := models.StatusFailed
	message := InterruptedMessage
	recovered := 0
	for _, id := range stale {
		if slices.Contains(active, id) {
			continue
		}
		err := m.store.UpdateJob(ctx, id, models.JobUpdate{Status: &failed, ErrorMessage: &message})
		if errors.Is(err, history.ErrInvalidTransition) || errors.Is(err, history.ErrNotFound) {
			continue
		}
		if err != nil {
			return recovered, fmt.Errorf("failed to recover job %s: %w", id, err)
		}
		recovered++
	}
	if recovered > 0 {
		m.logger.Warn("Marked interrupted jobs as failed.", "count", recovered)
	}
	return recovered, nil
}

// monotonic drops progress reports that would move backwards and clamps to [0,1].
func monotonic(progress splitter.ProgressFunc) splitter.ProgressFunc {
	if progress == nil {
		return nil
	}
	var mu sync.Mutex
	last := 0.0
	return func(fraction float64, message string) {
		fraction = min(max(fraction, 0), 1)
		mu.Lock()
		if fraction < last {
			mu.Unlock()
			return
		}
		last = fraction
		mu.Unlock()
		progress(fraction, message)
	}
}
