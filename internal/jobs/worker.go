package jobs

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/breeze-rmm/breeze/internal/cache"
	"github.com/breeze-rmm/breeze/internal/httperr"
	"github.com/breeze-rmm/breeze/internal/ids"
	"github.com/breeze-rmm/breeze/internal/metrics"
	"github.com/breeze-rmm/breeze/internal/models"
	"github.com/breeze-rmm/breeze/internal/store"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

const (
	dequeueTimeout = 5 * time.Second
	leaseDuration  = 2 * time.Minute
)

// Handler executes one job. Returning nil completes the job; a retryable
// error schedules backoff; ValidationError or Forbidden poisons the job to
// the dead-letter table.
type Handler func(ctx context.Context, job *models.JobRun) error

// RetryAfterError lets a handler dictate the next attempt time, overriding
// the default backoff. Webhook delivery uses it to honor per-webhook retry
// policies and Retry-After responses.
type RetryAfterError struct {
	After time.Duration
	Err   error
}

func (e *RetryAfterError) Error() string { return e.Err.Error() }
func (e *RetryAfterError) Unwrap() error { return e.Err }

// Pool runs a fixed number of workers against one job kind.
type Pool struct {
	kind        models.JobKind
	concurrency int
	handler     Handler
	queue       *Queue
	store       *store.Store
	cache       *cache.Client
	policy      models.RetryPolicy
	logger      zerolog.Logger
}

// NewPool builds a worker pool for kind.
func NewPool(kind models.JobKind, concurrency int, st *store.Store, ca *cache.Client, queue *Queue, handler Handler) *Pool {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Pool{
		kind:        kind,
		concurrency: concurrency,
		handler:     handler,
		queue:       queue,
		store:       st,
		cache:       ca,
		policy:      models.DefaultRetryPolicy(),
		logger:      log.With().Str("component", "worker").Str("kind", string(kind)).Logger(),
	}
}

// Run blocks until ctx is cancelled, dispatching jobs to workers.
func (p *Pool) Run(ctx context.Context) error {
	p.logger.Info().Int("concurrency", p.concurrency).Msg("Worker pool starting")
	g, ctx := errgroup.WithContext(ctx)
	for range p.concurrency {
		g.Go(func() error { return p.worker(ctx) })
	}
	return g.Wait()
}

func (p *Pool) worker(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		jobID, err := p.cache.DequeueJob(ctx, string(p.kind), leaseDuration, dequeueTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			p.logger.Error().Err(err).Msg("Dequeue failed; backing off")
			select {
			case <-time.After(2 * time.Second):
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}
		if jobID == "" {
			continue
		}
		p.process(ctx, jobID)
	}
}

func (p *Pool) process(ctx context.Context, jobID string) {
	defer func() {
		if err := p.cache.AckJob(ctx, string(p.kind), jobID); err != nil {
			p.logger.Warn().Err(err).Str("job_id", jobID).Msg("Failed to ack job lease")
		}
	}()

	now := time.Now().UTC()
	claimed, err := p.store.Jobs.ClaimRunning(ctx, jobID, now)
	if err != nil {
		p.logger.Error().Err(err).Str("job_id", jobID).Msg("Failed to claim job")
		return
	}
	if !claimed {
		// Completed, dead, not yet due, or another worker won the claim.
		return
	}

	job, err := p.store.Jobs.Get(ctx, jobID)
	if err != nil {
		p.logger.Error().Err(err).Str("job_id", jobID).Msg("Failed to load claimed job")
		return
	}

	start := time.Now()
	err = p.handler(ctx, job)
	metrics.JobDuration.WithLabelValues(string(p.kind)).Observe(time.Since(start).Seconds())

	switch {
	case err == nil:
		if err := p.store.Jobs.Complete(ctx, jobID, time.Now().UTC()); err != nil {
			p.logger.Error().Err(err).Str("job_id", jobID).Msg("Failed to complete job")
			return
		}
		metrics.JobsProcessedTotal.WithLabelValues(string(p.kind), "completed").Inc()

	case isPoison(err):
		p.bury(ctx, job, err)

	case job.Attempts > job.MaxRetries:
		p.bury(ctx, job, fmt.Errorf("retries exhausted: %w", err))

	default:
		delay := p.policy.Delay(job.Attempts)
		var retryAfter *RetryAfterError
		if errors.As(err, &retryAfter) && retryAfter.After > 0 {
			delay = retryAfter.After
		}
		next := time.Now().UTC().Add(jitter(delay))
		if err := p.store.Jobs.ScheduleRetry(ctx, jobID, next, err.Error()); err != nil {
			p.logger.Error().Err(err).Str("job_id", jobID).Msg("Failed to schedule retry")
			return
		}
		metrics.JobsProcessedTotal.WithLabelValues(string(p.kind), "retried").Inc()
		p.logger.Warn().Err(err).Str("job_id", jobID).Int("attempt", job.Attempts).
			Time("next_retry", next).Msg("Job failed; retry scheduled")
	}
}

// bury moves a job to the dead-letter table.
func (p *Pool) bury(ctx context.Context, job *models.JobRun, cause error) {
	dead := &models.DeadLetter{
		ID:        ids.New(),
		JobRunID:  job.ID,
		Kind:      job.Kind,
		Payload:   job.Payload,
		Reason:    cause.Error(),
		CreatedAt: time.Now().UTC(),
	}
	if err := p.store.Jobs.MoveToDead(ctx, p.store.Pool(), dead); err != nil {
		p.logger.Error().Err(err).Str("job_id", job.ID).Msg("Failed to dead-letter job")
		return
	}
	metrics.JobsProcessedTotal.WithLabelValues(string(p.kind), "dead").Inc()
	p.logger.Error().Err(cause).Str("job_id", job.ID).Msg("Job dead-lettered")
}

// isPoison reports whether an error marks the job permanently unprocessable.
func isPoison(err error) bool {
	switch httperr.KindOf(err) {
	case httperr.KindValidation, httperr.KindForbidden:
		return true
	}
	return false
}

// jitter spreads retries by ±10% so synchronized failures do not thunder.
func jitter(d time.Duration) time.Duration {
	if d <= 0 {
		return d
	}
	spread := float64(d) * 0.1
	return d + time.Duration((rand.Float64()*2-1)*spread)
}

// Scheduler promotes due retries and expired leases back onto the queues,
// and reports queue depth gauges.
type Scheduler struct {
	kinds []models.JobKind
	store *store.Store
	cache *cache.Client
	queue *Queue
}

// NewScheduler builds the shared scheduler for all job kinds.
func NewScheduler(kinds []models.JobKind, st *store.Store, ca *cache.Client, queue *Queue) *Scheduler {
	return &Scheduler{kinds: kinds, store: st, cache: ca, queue: queue}
}

// Run ticks every few seconds until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	now := time.Now().UTC()
	for _, kind := range s.kinds {
		reaped, err := s.cache.ReapExpiredLeases(ctx, string(kind), now)
		if err != nil {
			log.Warn().Err(err).Str("kind", string(kind)).Msg("Lease reap failed")
		} else if reaped > 0 {
			metrics.LeasesReapedTotal.Add(float64(reaped))
			log.Info().Int("count", reaped).Str("kind", string(kind)).Msg("Requeued expired leases")
		}

		due, err := s.store.Jobs.DueRetries(ctx, kind, now, 100)
		if err != nil {
			log.Warn().Err(err).Str("kind", string(kind)).Msg("Due-retry scan failed")
			continue
		}
		for _, jobID := range due {
			if err := s.queue.Wake(ctx, kind, jobID); err != nil {
				log.Warn().Err(err).Str("job_id", jobID).Msg("Failed to requeue due retry")
			}
		}

		if depth, err := s.cache.QueueDepth(ctx, string(kind)); err == nil {
			metrics.QueueDepth.WithLabelValues(string(kind)).Set(float64(depth))
		}
	}
}
