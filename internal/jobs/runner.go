// Package jobs runs the ingest pipeline stages claimed from the metadata
// store and reports progress on the event bus.
package jobs

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/ragline-ai/ragline/internal/apperr"
	"github.com/ragline-ai/ragline/internal/events"
	"github.com/ragline-ai/ragline/internal/observability"
	"github.com/ragline-ai/ragline/internal/storage"
)

// JobStore is the slice of the metadata store the runner needs. Satisfied
// by *storage.JobRepository.
type JobStore interface {
	Claim(ctx context.Context, kind storage.JobKind) (*storage.Job, error)
	Enqueue(ctx context.Context, job *storage.Job) error
	SetProgress(ctx context.Context, id int64, progress int) error
	MarkDone(ctx context.Context, id int64) error
	Requeue(ctx context.Context, id int64, cause string, runAt time.Time) error
	MarkFailed(ctx context.Context, id int64, cause string) error
}

// DocumentStore lets the runner fail a document when its job dies.
// Satisfied by *storage.DocumentRepository.
type DocumentStore interface {
	MarkFailed(ctx context.Context, tenantID string, id int64, cause string) error
}

// Handler runs one pipeline stage. report publishes intermediate progress
// in [1, 99]; the runner itself owns 0 and 100. Returning a non-empty next
// kind chains the document into the following stage.
type Handler interface {
	Kind() storage.JobKind
	Run(ctx context.Context, job *storage.Job, report func(progress int)) (next storage.JobKind, err error)
}

// Config tunes the runner.
type Config struct {
	WorkersPerKind int
	MaxAttempts    int
	BackoffBase    time.Duration
	BackoffMax     time.Duration
	PollEvery      time.Duration
}

// Runner polls for queued jobs and executes them with per-kind worker
// pools. Retries use capped exponential backoff; errors that cannot heal by
// waiting fail the job and its document immediately.
type Runner struct {
	jobs     JobStore
	docs     DocumentStore
	bus      events.Bus
	handlers map[storage.JobKind]Handler
	cfg      Config
	logger   zerolog.Logger
}

// NewRunner creates a runner for the given handlers.
func NewRunner(jobs JobStore, docs DocumentStore, bus events.Bus, cfg Config, logger zerolog.Logger, handlers ...Handler) *Runner {
	if cfg.WorkersPerKind <= 0 {
		cfg.WorkersPerKind = 2
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 500 * time.Millisecond
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = 30 * time.Second
	}
	if cfg.PollEvery <= 0 {
		cfg.PollEvery = time.Second
	}

	byKind := make(map[storage.JobKind]Handler, len(handlers))
	for _, h := range handlers {
		byKind[h.Kind()] = h
	}
	return &Runner{
		jobs:     jobs,
		docs:     docs,
		bus:      bus,
		handlers: byKind,
		cfg:      cfg,
		logger:   logger,
	}
}

// Start blocks until ctx is cancelled, running WorkersPerKind workers for
// every registered handler.
func (r *Runner) Start(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for kind := range r.handlers {
		kind := kind
		for i := 0; i < r.cfg.WorkersPerKind; i++ {
			g.Go(func() error {
				r.workLoop(ctx, kind)
				return nil
			})
		}
	}
	return g.Wait()
}

func (r *Runner) workLoop(ctx context.Context, kind storage.JobKind) {
	ticker := time.NewTicker(r.cfg.PollEvery)
	defer ticker.Stop()

	for {
		// Drain runnable jobs before going back to sleep.
		for {
			if ctx.Err() != nil {
				return
			}
			job, err := r.jobs.Claim(ctx, kind)
			if errors.Is(err, storage.ErrNotFound) {
				break
			}
			if err != nil {
				r.logger.Error().Err(err).Str("kind", string(kind)).Msg("claim job")
				break
			}
			r.execute(ctx, job)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// RunOnce claims and executes at most one job of the kind. Test and CLI
// entry point; returns storage.ErrNotFound when nothing is runnable.
func (r *Runner) RunOnce(ctx context.Context, kind storage.JobKind) error {
	job, err := r.jobs.Claim(ctx, kind)
	if err != nil {
		return err
	}
	r.execute(ctx, job)
	return nil
}

func (r *Runner) execute(ctx context.Context, job *storage.Job) {
	logger := observability.Tenant(r.logger, job.TenantID).With().
		Int64("job_id", job.ID).
		Int64("document_id", job.DocumentID).
		Str("kind", string(job.Kind)).
		Int("attempt", job.Attempts).
		Logger()

	handler, ok := r.handlers[job.Kind]
	if !ok {
		logger.Error().Msg("no handler for job kind")
		r.terminate(ctx, job, apperr.Newf(apperr.KindInternal, "no handler for kind %s", job.Kind))
		return
	}

	r.publish(job, events.PhaseStarted, 0, "")
	logger.Info().Msg("job started")

	report := func(progress int) {
		if progress < 1 {
			progress = 1
		}
		if progress > 99 {
			progress = 99
		}
		if err := r.jobs.SetProgress(ctx, job.ID, progress); err != nil {
			logger.Warn().Err(err).Msg("persist progress")
		}
		r.publish(job, events.PhaseProgress, progress, "")
	}

	next, err := handler.Run(ctx, job, report)
	if err != nil {
		r.fail(ctx, job, err, logger)
		return
	}

	if err := r.jobs.MarkDone(ctx, job.ID); err != nil {
		logger.Error().Err(err).Msg("mark job done")
	}
	r.publish(job, events.PhaseDone, 100, "")
	logger.Info().Msg("job done")

	if next != "" {
		chained := &storage.Job{
			TenantID:   job.TenantID,
			DocumentID: job.DocumentID,
			Kind:       next,
		}
		if err := r.jobs.Enqueue(ctx, chained); err != nil {
			logger.Error().Err(err).Str("next", string(next)).Msg("enqueue next stage")
		}
	}
}

func (r *Runner) fail(ctx context.Context, job *storage.Job, cause error, logger zerolog.Logger) {
	if apperr.Retryable(cause) && job.Attempts < r.cfg.MaxAttempts {
		delay := r.backoff(job.Attempts)
		runAt := time.Now().Add(delay)
		if err := r.jobs.Requeue(ctx, job.ID, cause.Error(), runAt); err != nil {
			logger.Error().Err(err).Msg("requeue job")
		}
		logger.Warn().Err(cause).Dur("retry_in", delay).Msg("job requeued")
		return
	}
	r.terminate(ctx, job, cause)
	logger.Error().Err(cause).Msg("job failed")
}

func (r *Runner) terminate(ctx context.Context, job *storage.Job, cause error) {
	if err := r.jobs.MarkFailed(ctx, job.ID, cause.Error()); err != nil {
		r.logger.Error().Err(err).Int64("job_id", job.ID).Msg("mark job failed")
	}
	if err := r.docs.MarkFailed(ctx, job.TenantID, job.DocumentID, cause.Error()); err != nil {
		r.logger.Error().Err(err).Int64("document_id", job.DocumentID).Msg("mark document failed")
	}
	r.publish(job, events.PhaseFailed, job.Progress, cause.Error())
}

// backoff doubles per attempt from the base, capped at the max.
func (r *Runner) backoff(attempt int) time.Duration {
	d := r.cfg.BackoffBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= r.cfg.BackoffMax {
			return r.cfg.BackoffMax
		}
	}
	if d > r.cfg.BackoffMax {
		d = r.cfg.BackoffMax
	}
	return d
}

func (r *Runner) publish(job *storage.Job, phase string, progress int, errMsg string) {
	r.bus.Publish(job.TenantID, events.JobEvent{
		Event:      events.EventName(string(job.Kind), phase),
		JobID:      job.ID,
		DocumentID: job.DocumentID,
		TenantID:   job.TenantID,
		Kind:       string(job.Kind),
		Progress:   progress,
		Error:      errMsg,
		TS:         time.Now().UTC(),
	})
}
