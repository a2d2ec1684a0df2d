// Package jobs runs durable background work. Postgres job rows are the
// source of truth; Redis lists are the wake-up channel. A job survives a
// Redis flush (the retry scheduler re-queues due rows) and a crashed worker
// (the lease reaper returns its ID to the queue).
package jobs

import (
	"context"
	"encoding/json"
	"time"

	"github.com/breeze-rmm/breeze/internal/cache"
	"github.com/breeze-rmm/breeze/internal/httperr"
	"github.com/breeze-rmm/breeze/internal/ids"
	"github.com/breeze-rmm/breeze/internal/models"
	"github.com/breeze-rmm/breeze/internal/store"
	"github.com/rs/zerolog/log"
)

// EventPublisher fans an event out to webhook subscribers and the alert
// engine. Implemented by webhooks.Dispatcher; an interface here keeps the
// fan-out workers decoupled from delivery mechanics.
type EventPublisher interface {
	Publish(ctx context.Context, event models.Event) error
}

// Queue enqueues durable jobs: the Postgres row first, then the Redis
// wake-up. If the LPUSH is lost, the retry scheduler finds the row.
type Queue struct {
	store *store.Store
	cache *cache.Client
}

// NewQueue wires the queue service.
func NewQueue(st *store.Store, ca *cache.Client) *Queue {
	return &Queue{store: st, cache: ca}
}

// Enqueue creates a job and wakes a worker. A duplicate eventId within a
// kind is treated as already-enqueued and reported as success.
func (q *Queue) Enqueue(ctx context.Context, kind models.JobKind, orgID *string, payload any, eventID string) (*models.JobRun, error) {
	return q.EnqueueAt(ctx, kind, orgID, payload, eventID, time.Now().UTC())
}

// EnqueueAt schedules a job for a future time. Due immediately means a
// straight LPUSH; otherwise the job parks in the delayed set until the
// reaper promotes it.
func (q *Queue) EnqueueAt(ctx context.Context, kind models.JobKind, orgID *string, payload any, eventID string, runAt time.Time) (*models.JobRun, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, httperr.Internal(err)
	}

	now := time.Now().UTC()
	job := &models.JobRun{
		ID:           ids.New(),
		Kind:         kind,
		OrgID:        orgID,
		Payload:      body,
		EventID:      eventID,
		Status:       models.JobStatusPending,
		MaxRetries:   models.DefaultRetryPolicy().MaxRetries,
		ScheduledFor: runAt,
		CreatedAt:    now,
	}

	if err := q.store.Jobs.Create(ctx, job); err != nil {
		if httperr.KindOf(err) == httperr.KindConflict {
			// Same event already enqueued; idempotent fanout.
			return nil, nil
		}
		return nil, err
	}

	if runAt.After(now) {
		err = q.cache.EnqueueJobDelayed(ctx, string(kind), job.ID, runAt)
	} else {
		err = q.cache.EnqueueJob(ctx, string(kind), job.ID)
	}
	if err != nil {
		// Row exists; the scheduler will pick it up.
		log.Warn().Err(err).Str("job_id", job.ID).Str("kind", string(kind)).
			Msg("Queue wake-up failed; job will be promoted by scheduler")
	}
	return job, nil
}

// Wake re-queues a known job ID, used by the retry scheduler.
func (q *Queue) Wake(ctx context.Context, kind models.JobKind, jobID string) error {
	return q.cache.EnqueueJob(ctx, string(kind), jobID)
}
