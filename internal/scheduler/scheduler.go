package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nimasrn/email-gateway/internal/queue"
	"github.com/nimasrn/email-gateway/pkg/logger"
	"github.com/nimasrn/email-gateway/pkg/prom"
	"github.com/nimasrn/email-gateway/pkg/redis"
)

var (
	ErrAlreadyStarted = errors.New("scheduler already started")
	ErrNotStarted     = errors.New("scheduler not started")
)

// Job is one deferred dispatch of an email.
type Job struct {
	ID          string    `json:"id"`
	MessageID   string    `json:"message_id"`
	NotBefore   time.Time `json:"not_before"`
	Attempt     int       `json:"attempt"`
	MaxAttempts int       `json:"max_attempts"`
}

// Final reports whether a failure of this attempt ends the job.
func (j Job) Final() bool {
	return j.Attempt >= j.MaxAttempts
}

type JobHandle struct {
	ID        string
	NotBefore time.Time
}

// Handler runs a due job. Returning an error schedules a retry with
// backoff unless the job is on its last attempt or the error is permanent.
type Handler func(ctx context.Context, job Job) error

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err so the scheduler drops the job instead of retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

type deferredError struct {
	err error
}

func (e *deferredError) Error() string { return e.err.Error() }
func (e *deferredError) Unwrap() error { return e.err }

// Defer marks err so the scheduler runs the job again after one backoff
// step without spending an attempt. Use it when the job could not start,
// for example because another worker holds the email.
func Defer(err error) error {
	if err == nil {
		return nil
	}
	return &deferredError{err: err}
}

func IsDeferred(err error) bool {
	var d *deferredError
	return errors.As(err, &d)
}

// JobID derives the job id from the email id, one job per email.
func JobID(messageID string) string {
	return "email-" + messageID
}

type Config struct {
	// Name prefixes the delayed set, the payload hash and the ready stream.
	Name              string
	ConsumerGroup     string
	ConsumerName      string
	Consumers         int
	PollInterval      time.Duration
	VisibilityTimeout time.Duration
	BatchSize         int64
	MaxAttempts       int
	BackoffBase       time.Duration
	DeadLetterMaxLen  int64
}

func (c *Config) withDefaults() {
	if c.Name == "" {
		c.Name = "emails"
	}
	if c.ConsumerGroup == "" {
		c.ConsumerGroup = "dispatchers"
	}
	if c.ConsumerName == "" {
		c.ConsumerName = fmt.Sprintf("scheduler-%d", time.Now().UnixNano())
	}
	if c.Consumers <= 0 {
		c.Consumers = 1
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.VisibilityTimeout <= 0 {
		c.VisibilityTimeout = 2 * time.Minute
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 50
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 2 * time.Second
	}
}

type Stats struct {
	Delayed int64
	Ready   int64
	// InFlight counts stream entries delivered to any consumer and not yet acked.
	InFlight int64
	// Handling counts jobs inside this process's handlers right now.
	Handling    int64
	DeadLetters int64
}

type CleanupReport struct {
	OrphanPayloads int
	StaleEntries   int
}

// enqueueScript stores the payload and indexes its due time in one step.
var enqueueScript = redis.NewScript(`
redis.call("HSET", KEYS[2], ARGV[1], ARGV[2])
redis.call("ZADD", KEYS[1], ARGV[3], ARGV[1])
return 1
`)

var cancelScript = redis.NewScript(`
if redis.call("ZREM", KEYS[1], ARGV[1]) == 1 then
	redis.call("HDEL", KEYS[2], ARGV[1])
	return 1
end
return 0
`)

// promoteScript moves due jobs into the ready stream. A job leaves the
// delayed set exactly once, so two schedulers polling together never
// promote the same job twice.
var promoteScript = redis.NewScript(`
local ids = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1], "LIMIT", 0, ARGV[2])
local out = {}
for _, id in ipairs(ids) do
	redis.call("ZREM", KEYS[1], id)
	local payload = redis.call("HGET", KEYS[2], id)
	redis.call("HDEL", KEYS[2], id)
	if payload then
		redis.call("XADD", KEYS[3], "*", "data", payload, "timestamp", ARGV[3], "attempts", 0, "meta_job_id", id)
		table.insert(out, payload)
	end
end
return out
`)

type Scheduler struct {
	adapter redis.RedisAdapter
	config  Config
	log     *logger.ZapLogger
	now     func() time.Time

	mu        sync.Mutex
	consumers []*queue.Queue
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

func New(adapter redis.RedisAdapter, config Config) *Scheduler {
	config.withDefaults()
	return &Scheduler{
		adapter: adapter,
		config:  config,
		log:     logger.Named("scheduler").With("queue", config.Name),
		now:     time.Now,
	}
}

func (s *Scheduler) delayedKey() string { return s.config.Name + ":delayed" }
func (s *Scheduler) jobsKey() string    { return s.config.Name + ":jobs" }
func (s *Scheduler) readyKey() string   { return s.config.Name + ":ready" }

// Enqueue schedules dispatch of messageID at or after notBefore. Enqueueing
// the same message again replaces the earlier job.
func (s *Scheduler) Enqueue(ctx context.Context, messageID string, notBefore time.Time) (JobHandle, error) {
	job := Job{
		ID:          JobID(messageID),
		MessageID:   messageID,
		NotBefore:   notBefore.UTC(),
		Attempt:     1,
		MaxAttempts: s.config.MaxAttempts,
	}
	if err := s.enqueueJob(ctx, job); err != nil {
		return JobHandle{}, err
	}
	prom.IncSchedulerJob("enqueued")
	return JobHandle{ID: job.ID, NotBefore: job.NotBefore}, nil
}

func (s *Scheduler) enqueueJob(ctx context.Context, job Job) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}
	_, err = s.adapter.Eval(ctx, enqueueScript,
		[]string{s.delayedKey(), s.jobsKey()},
		job.ID, string(payload), job.NotBefore.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to enqueue job %s: %w", job.ID, err)
	}
	return nil
}

// Cancel removes the job of messageID. It returns false when the job was
// already promoted to the ready stream or never existed.
func (s *Scheduler) Cancel(ctx context.Context, messageID string) (bool, error) {
	res, err := s.adapter.Eval(ctx, cancelScript,
		[]string{s.delayedKey(), s.jobsKey()},
		JobID(messageID),
	)
	if err != nil {
		return false, fmt.Errorf("failed to cancel job: %w", err)
	}
	n, _ := res.(int64)
	if n == 1 {
		prom.IncSchedulerJob("cancelled")
	}
	return n == 1, nil
}

// Lookup returns when the job of messageID is due, if it is still delayed.
func (s *Scheduler) Lookup(ctx context.Context, messageID string) (time.Time, bool, error) {
	score, err := s.adapter.ZScore(ctx, s.delayedKey(), JobID(messageID))
	if err != nil {
		if errors.Is(err, redis.NilError) {
			return time.Time{}, false, nil
		}
		return time.Time{}, false, err
	}
	return time.UnixMilli(int64(score)).UTC(), true, nil
}

// DequeueReady atomically moves up to limit due jobs into the ready stream
// and returns them.
func (s *Scheduler) DequeueReady(ctx context.Context, limit int64) ([]Job, error) {
	now := s.now()
	res, err := s.adapter.Eval(ctx, promoteScript,
		[]string{s.delayedKey(), s.jobsKey(), s.readyKey()},
		now.UnixMilli(), limit, now.Unix(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to promote due jobs: %w", err)
	}

	raw, _ := res.([]interface{})
	jobs := make([]Job, 0, len(raw))
	for _, r := range raw {
		payload, _ := r.(string)
		var job Job
		if err := json.Unmarshal([]byte(payload), &job); err != nil {
			s.log.Error("dropping malformed job payload", "payload", payload, "error", err)
			continue
		}
		jobs = append(jobs, job)
	}
	if len(jobs) > 0 {
		prom.AddCounterVec(prom.SystemScheduler, prom.MetricSchedulerJobs, float64(len(jobs)), "promoted")
	}
	return jobs, nil
}

// Start runs the promote loop and the ready stream consumers until ctx is
// cancelled or Stop is called.
func (s *Scheduler) Start(ctx context.Context, handler Handler) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel != nil {
		return ErrAlreadyStarted
	}

	runCtx, cancel := context.WithCancel(ctx)

	consumers := make([]*queue.Queue, 0, s.config.Consumers)
	for i := 0; i < s.config.Consumers; i++ {
		q, err := queue.NewQueue(runCtx, s.adapter, queue.QueueConfig{
			Name:              s.readyKey(),
			ConsumerGroup:     s.config.ConsumerGroup,
			ConsumerName:      fmt.Sprintf("%s-%d", s.config.ConsumerName, i),
			MaxRetries:        s.config.MaxAttempts,
			VisibilityTimeout: s.config.VisibilityTimeout,
			PollInterval:      s.config.PollInterval,
			BatchSize:         s.config.BatchSize,
			EnableDLQ:         true,
		})
		if err != nil {
			cancel()
			return err
		}
		if err := q.Consume(runCtx, s.wrap(handler)); err != nil {
			cancel()
			return err
		}
		consumers = append(consumers, q)
	}

	s.consumers = consumers
	s.cancel = cancel

	s.wg.Add(1)
	go s.promoteLoop(runCtx)

	s.log.Info("scheduler started", "consumers", len(consumers), "poll_interval", s.config.PollInterval)
	return nil
}

func (s *Scheduler) promoteLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			jobs, err := s.DequeueReady(ctx, s.config.BatchSize)
			if err != nil {
				if ctx.Err() == nil {
					s.log.Error("promote failed", "error", err)
				}
				continue
			}
			if len(jobs) > 0 {
				s.log.Debug("promoted due jobs", "count", len(jobs))
			}
		}
	}
}

func (s *Scheduler) wrap(handler Handler) queue.MessageHandler {
	return func(ctx context.Context, msg *queue.Message) error {
		var job Job
		if err := json.Unmarshal(msg.Data, &job); err != nil {
			s.log.Error("dropping malformed job", "id", msg.ID, "error", err)
			return nil
		}

		err := handler(ctx, job)
		if err == nil {
			prom.IncSchedulerJob("completed")
			return nil
		}

		// the handler's ctx may have expired while the attempt ran
		storeCtx := context.WithoutCancel(ctx)

		if IsDeferred(err) {
			next := job
			next.NotBefore = s.now().Add(s.Backoff(1)).UTC()
			if err := s.enqueueJob(storeCtx, next); err != nil {
				return err
			}
			s.log.Debug("job deferred", "job_id", job.ID, "attempt", job.Attempt, "not_before", next.NotBefore, "reason", err)
			prom.IncSchedulerJob("deferred")
			return nil
		}

		if IsPermanent(err) || job.Final() {
			s.log.Warn("job failed for good, dropping",
				"job_id", job.ID, "attempt", job.Attempt, "max_attempts", job.MaxAttempts, "error", err)
			prom.IncSchedulerJob("dropped")
			return nil
		}

		next := job
		next.Attempt++
		next.NotBefore = s.now().Add(s.Backoff(job.Attempt)).UTC()
		if err := s.enqueueJob(storeCtx, next); err != nil {
			// left pending, the stream redelivers it
			return err
		}

		s.log.Info("job failed, retry scheduled",
			"job_id", job.ID, "attempt", next.Attempt, "not_before", next.NotBefore, "error", err)
		prom.IncSchedulerJob("retried")
		return nil
	}
}

// Backoff is the delay after a failed attempt: base, 2*base, 4*base...
func (s *Scheduler) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return s.config.BackoffBase * time.Duration(1<<uint(attempt-1))
}

// Stop ends the promote loop and every consumer, waiting up to timeout.
func (s *Scheduler) Stop(timeout time.Duration) error {
	s.mu.Lock()
	cancel := s.cancel
	consumers := s.consumers
	s.cancel = nil
	s.consumers = nil
	s.mu.Unlock()

	if cancel == nil {
		return ErrNotStarted
	}
	cancel()

	deadline := time.Now().Add(timeout)
	var firstErr error
	for _, q := range consumers {
		if err := q.Stop(time.Until(deadline)); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Until(deadline)):
		if firstErr == nil {
			firstErr = fmt.Errorf("timeout waiting for scheduler to stop")
		}
	}

	s.log.Info("scheduler stopped")
	return firstErr
}

// RunCleanup drops payloads without a due-time entry and due-time entries
// without a payload, then trims the dead letter stream. The host decides
// how often to run it.
func (s *Scheduler) RunCleanup(ctx context.Context) (CleanupReport, error) {
	var report CleanupReport

	ids, err := s.adapter.HKeys(ctx, s.jobsKey())
	if err != nil {
		return report, err
	}
	for _, id := range ids {
		_, err := s.adapter.ZScore(ctx, s.delayedKey(), id)
		if errors.Is(err, redis.NilError) {
			if n, err := s.adapter.HDel(ctx, s.jobsKey(), id); err == nil && n > 0 {
				report.OrphanPayloads++
			}
			continue
		}
		if err != nil {
			return report, err
		}
	}

	stale, err := s.adapter.ZRangeByScore(ctx, s.delayedKey(), "-inf", "+inf", 0)
	if err != nil {
		return report, err
	}
	known := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		known[id] = struct{}{}
	}
	for _, id := range stale {
		if _, ok := known[id]; ok {
			continue
		}
		// enqueued after HKEYS ran
		if _, err := s.adapter.HGet(ctx, s.jobsKey(), id); err == nil {
			continue
		}
		if n, err := s.adapter.ZRem(ctx, s.delayedKey(), id); err == nil && n > 0 {
			report.StaleEntries++
		}
	}

	if s.config.DeadLetterMaxLen > 0 {
		if err := s.adapter.XTrimApprox(ctx, s.readyKey()+":dlq", s.config.DeadLetterMaxLen); err != nil {
			return report, err
		}
	}

	if report.OrphanPayloads > 0 || report.StaleEntries > 0 {
		s.log.Info("cleanup removed dangling jobs",
			"orphan_payloads", report.OrphanPayloads, "stale_entries", report.StaleEntries)
	}
	return report, nil
}

// Stats reports queue depths for health checks.
func (s *Scheduler) Stats(ctx context.Context) (Stats, error) {
	var stats Stats

	delayed, err := s.adapter.ZCard(ctx, s.delayedKey())
	if err != nil {
		return stats, err
	}
	stats.Delayed = delayed

	ready, err := s.adapter.XLen(ctx, s.readyKey())
	if err != nil && !errors.Is(err, redis.NilError) {
		return stats, err
	}
	stats.Ready = ready

	if pending, err := s.adapter.XPending(ctx, s.readyKey(), s.config.ConsumerGroup); err == nil && pending != nil {
		stats.InFlight = pending.Count
	}
	if n, err := s.adapter.XLen(ctx, s.readyKey()+":dlq"); err == nil {
		stats.DeadLetters = n
	}

	s.mu.Lock()
	for _, q := range s.consumers {
		stats.Handling += int64(q.InFlight())
	}
	s.mu.Unlock()
	return stats, nil
}
