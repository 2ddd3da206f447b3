package processor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	gateway "github.com/nimasrn/email-gateway/internal/gateways"
	"github.com/nimasrn/email-gateway/internal/model"
	"github.com/nimasrn/email-gateway/internal/repository"
	"github.com/nimasrn/email-gateway/internal/scheduler"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type serviceFixture struct {
	repo    *repository.EmailRepository
	sender  *fakeSender
	sched   *scheduler.Scheduler
	service *ProcessorService
}

func startService(t *testing.T, sender *fakeSender) *serviceFixture {
	_, adapter := setupRedis(t)
	repo := setupStore(t)

	sched := scheduler.New(adapter, scheduler.Config{
		Name:         "emails",
		ConsumerName: "test",
		PollInterval: 20 * time.Millisecond,
		BackoffBase:  40 * time.Millisecond,
		MaxAttempts:  3,
	})
	proc := NewEmailProcessor(repo, sender, NewIdempotencyService(adapter, IdempotencyConfig{}), EmailProcessorConfig{
		From:    "news@example.com",
		Timeout: time.Second,
	})

	service := NewProcessorService(adapter, sched, sender, ServiceConfig{
		Workers:         4,
		BufferSize:      16,
		JobTimeout:      5 * time.Second,
		CleanupInterval: time.Hour,
	})
	service.RegisterProcessor(proc)
	require.NoError(t, service.Start(context.Background()))
	t.Cleanup(func() { service.Stop(5 * time.Second) })

	return &serviceFixture{repo: repo, sender: sender, sched: sched, service: service}
}

func waitForStatus(t *testing.T, repo *repository.EmailRepository, id string, want model.EmailStatus) *model.Email {
	t.Helper()
	var got *model.Email
	require.Eventually(t, func() bool {
		e, err := repo.Get(context.Background(), id)
		if err != nil {
			return false
		}
		got = e
		return e.Status == want
	}, 5*time.Second, 20*time.Millisecond)
	return got
}

func TestProcessorService_DispatchesScheduledEmail(t *testing.T) {
	f := startService(t, &fakeSender{})
	ctx := context.Background()
	email := createEmail(t, f.repo, model.EmailStatusScheduled)

	due := time.Now().Add(300 * time.Millisecond).Truncate(time.Millisecond)
	_, err := f.sched.Enqueue(ctx, email.ID, due)
	require.NoError(t, err)

	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, 0, f.sender.Calls())

	got := waitForStatus(t, f.repo, email.ID, model.EmailStatusSent)
	require.NotNil(t, got.SentAt)
	assert.False(t, got.SentAt.Before(due))
	assert.Equal(t, 1, f.sender.Calls())
}

func TestProcessorService_RetriesTransientFailure(t *testing.T) {
	f := startService(t, &fakeSender{errs: []error{
		gateway.Temporary("fake", 503, errors.New("busy")),
	}})
	email := createEmail(t, f.repo, model.EmailStatusScheduled)

	_, err := f.sched.Enqueue(context.Background(), email.ID, time.Now())
	require.NoError(t, err)

	got := waitForStatus(t, f.repo, email.ID, model.EmailStatusSent)
	assert.Equal(t, 2, got.Attempts)
	assert.Equal(t, 2, f.sender.Calls())

	assert.Eventually(t, func() bool {
		return f.service.Metrics().GetStats()["dispatched"].(int64) >= 1
	}, time.Second, 10*time.Millisecond)
}

func TestProcessorService_ExhaustsAttempts(t *testing.T) {
	busy := gateway.Temporary("fake", 503, errors.New("busy"))
	f := startService(t, &fakeSender{errs: []error{busy, busy, busy, busy}})
	email := createEmail(t, f.repo, model.EmailStatusScheduled)

	_, err := f.sched.Enqueue(context.Background(), email.ID, time.Now())
	require.NoError(t, err)

	got := waitForStatus(t, f.repo, email.ID, model.EmailStatusFailed)
	assert.Equal(t, 3, got.Attempts)
	assert.Equal(t, model.RecipientStatusFailed, got.Recipients[0].Status)

	// no fourth attempt is scheduled
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, 3, f.sender.Calls())
}

func TestProcessorService_CancelledBeforeDue(t *testing.T) {
	f := startService(t, &fakeSender{})
	ctx := context.Background()
	email := createEmail(t, f.repo, model.EmailStatusScheduled)

	_, err := f.sched.Enqueue(ctx, email.ID, time.Now().Add(200*time.Millisecond))
	require.NoError(t, err)

	removed, err := f.sched.Cancel(ctx, email.ID)
	require.NoError(t, err)
	assert.True(t, removed)
	require.NoError(t, f.repo.Cancel(ctx, email.TenantID, email.ID))

	time.Sleep(400 * time.Millisecond)
	assert.Equal(t, 0, f.sender.Calls())

	got, err := f.repo.Get(ctx, email.ID)
	require.NoError(t, err)
	assert.Equal(t, model.EmailStatusCancelled, got.Status)
}

func TestProcessorService_HealthCheck(t *testing.T) {
	f := startService(t, &fakeSender{})
	assert.True(t, f.service.performHealthCheck(context.Background()))
}

func TestProcessorService_StartWithoutProcessor(t *testing.T) {
	_, adapter := setupRedis(t)
	service := NewProcessorService(adapter, scheduler.New(adapter, scheduler.Config{}), &fakeSender{}, ServiceConfig{})

	assert.Error(t, service.Start(context.Background()))
}

func TestServiceMetrics(t *testing.T) {
	m := NewServiceMetrics()
	m.RecordDispatched(10 * time.Millisecond)
	m.RecordDispatched(30 * time.Millisecond)
	m.RecordFailure(true)
	m.RecordFailure(false)
	m.RecordFailure(false)

	stats := m.GetStats()
	assert.Equal(t, int64(2), stats["dispatched"])
	assert.Equal(t, int64(1), stats["retried"])
	assert.Equal(t, int64(2), stats["dropped"])
	assert.Equal(t, int64(20), stats["avg_dispatch_ms"])

	m.Reset()
	assert.Equal(t, int64(0), m.GetStats()["dispatched"])
	assert.Equal(t, int64(0), m.GetStats()["dropped"])
}

// stallingSender holds its first call until the job's context expires and
// then a little longer, so the stream hands the entry to another consumer
// while the dispatch lock is still taken. That first call then fails as a
// provider timeout; later calls succeed.
type stallingSender struct {
	*fakeSender
	hold    time.Duration
	stalled atomic.Bool
}

func (s *stallingSender) Send(ctx context.Context, req *gateway.SendRequest) (*gateway.SendResult, error) {
	if s.stalled.CompareAndSwap(false, true) {
		<-ctx.Done()
		time.Sleep(s.hold)
	}
	return s.fakeSender.Send(ctx, req)
}

func TestProcessorService_RedeliveryWhileLockedKeepsTheEmailAlive(t *testing.T) {
	_, adapter := setupRedis(t)
	repo := setupStore(t)
	sender := &stallingSender{
		fakeSender: &fakeSender{errs: []error{gateway.Temporary("fake", 504, errors.New("provider timeout"))}},
		hold:       300 * time.Millisecond,
	}

	sched := scheduler.New(adapter, scheduler.Config{
		Name:              "emails",
		ConsumerName:      "test",
		Consumers:         2,
		PollInterval:      20 * time.Millisecond,
		VisibilityTimeout: 200 * time.Millisecond,
		BackoffBase:       50 * time.Millisecond,
		MaxAttempts:       3,
	})
	proc := NewEmailProcessor(repo, sender, NewIdempotencyService(adapter, IdempotencyConfig{}), EmailProcessorConfig{
		From:    "news@example.com",
		Timeout: 5 * time.Second,
	})
	service := NewProcessorService(adapter, sched, sender, ServiceConfig{
		Workers:    4,
		BufferSize: 16,
		JobTimeout: 5 * time.Second,
	})
	service.RegisterProcessor(proc)
	require.NoError(t, service.Start(context.Background()))
	t.Cleanup(func() { service.Stop(5 * time.Second) })

	email := createEmail(t, repo, model.EmailStatusScheduled)
	_, err := sched.Enqueue(context.Background(), email.ID, time.Now())
	require.NoError(t, err)

	got := waitForStatus(t, repo, email.ID, model.EmailStatusSent)
	assert.Equal(t, "prov-"+email.ID, got.ProviderMessageID)
	assert.Equal(t, 2, got.Attempts)

	// one stalled call and one successful retry, never a parallel send
	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, 2, sender.Calls())

	stats, err := sched.Stats(context.Background())
	require.NoError(t, err)
	assert.Zero(t, stats.DeadLetters)
}
