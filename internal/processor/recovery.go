package processor

import (
	"context"
	"fmt"
	"time"

	"github.com/nimasrn/email-gateway/internal/model"
	"github.com/nimasrn/email-gateway/internal/scheduler"
	"github.com/nimasrn/email-gateway/pkg/logger"
	"github.com/nimasrn/email-gateway/pkg/prom"
)

type RecoveryStore interface {
	ListScheduled(ctx context.Context, before time.Time, limit int) ([]*model.Email, error)
	ListStaleSending(ctx context.Context, updatedBefore time.Time, limit int) ([]*model.Email, error)
}

type JobIndex interface {
	Lookup(ctx context.Context, messageID string) (time.Time, bool, error)
	Enqueue(ctx context.Context, messageID string, notBefore time.Time) (scheduler.JobHandle, error)
}

type RecoveryConfig struct {
	// Horizon bounds how far ahead scheduled emails are checked.
	Horizon time.Duration
	// Grace skips emails that fell due so recently their job may still be
	// on its way through the ready stream.
	Grace time.Duration
	// StaleAfter is how long an email may sit in sending without a provider
	// id before it counts as abandoned by a dead process.
	StaleAfter time.Duration
	Limit      int
}

// Recovery re-enqueues emails that no job will ever pick up: scheduled
// emails whose delayed job was lost, and emails a crashed process left in
// sending. A duplicate job is harmless: the dispatch lock and status check
// drop it.
type Recovery struct {
	store  RecoveryStore
	jobs   JobIndex
	config RecoveryConfig
	now    func() time.Time
}

func NewRecovery(store RecoveryStore, jobs JobIndex, config RecoveryConfig) *Recovery {
	if config.Horizon <= 0 {
		config.Horizon = 30 * 24 * time.Hour
	}
	if config.Grace <= 0 {
		config.Grace = 5 * time.Minute
	}
	if config.StaleAfter <= 0 {
		config.StaleAfter = 15 * time.Minute
	}
	if config.Limit <= 0 {
		config.Limit = 1000
	}
	return &Recovery{
		store:  store,
		jobs:   jobs,
		config: config,
		now:    time.Now,
	}
}

// Run performs one sweep and returns how many jobs it re-enqueued.
func (r *Recovery) Run(ctx context.Context) (int, error) {
	now := r.now()

	requeued, err := r.requeueScheduled(ctx, now)
	if err == nil {
		var stale int
		stale, err = r.requeueStale(ctx, now)
		requeued += stale
	}
	prom.AddRecovered(requeued)
	return requeued, err
}

func (r *Recovery) requeueScheduled(ctx context.Context, now time.Time) (int, error) {
	emails, err := r.store.ListScheduled(ctx, now.Add(r.config.Horizon), r.config.Limit)
	if err != nil {
		return 0, fmt.Errorf("list scheduled emails: %w", err)
	}

	requeued := 0
	for _, email := range emails {
		if email.ScheduledAt == nil {
			continue
		}
		at := *email.ScheduledAt
		if !at.After(now) && now.Sub(at) < r.config.Grace {
			continue
		}
		if at.Before(now) {
			at = now
		}

		ok, err := r.requeue(ctx, email.ID, at)
		if err != nil {
			return requeued, err
		}
		if ok {
			requeued++
			logger.Warn("requeued scheduled email without a job", "email_id", email.ID, "not_before", at)
		}
	}

	r.warnLimit("scheduled", len(emails))
	return requeued, nil
}

// requeueStale hands emails stuck in sending to the scheduler so the
// normal retry path finishes them.
func (r *Recovery) requeueStale(ctx context.Context, now time.Time) (int, error) {
	emails, err := r.store.ListStaleSending(ctx, now.Add(-r.config.StaleAfter), r.config.Limit)
	if err != nil {
		return 0, fmt.Errorf("list stale sending emails: %w", err)
	}

	requeued := 0
	for _, email := range emails {
		ok, err := r.requeue(ctx, email.ID, now)
		if err != nil {
			return requeued, err
		}
		if ok {
			requeued++
			logger.Warn("requeued email stuck in sending", "email_id", email.ID, "updated_at", email.UpdatedAt)
		}
	}

	r.warnLimit("sending", len(emails))
	return requeued, nil
}

// requeue enqueues a job unless one is already waiting.
func (r *Recovery) requeue(ctx context.Context, id string, at time.Time) (bool, error) {
	_, found, err := r.jobs.Lookup(ctx, id)
	if err != nil {
		return false, fmt.Errorf("lookup job of %s: %w", id, err)
	}
	if found {
		return false, nil
	}
	if _, err := r.jobs.Enqueue(ctx, id, at); err != nil {
		return false, fmt.Errorf("requeue %s: %w", id, err)
	}
	return true, nil
}

func (r *Recovery) warnLimit(kind string, n int) {
	if n == r.config.Limit {
		logger.Warn("recovery sweep hit its limit, the rest is checked next run", "kind", kind, "limit", r.config.Limit)
	}
}
