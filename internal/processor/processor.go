package processor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	gateway "github.com/nimasrn/email-gateway/internal/gateways"
	"github.com/nimasrn/email-gateway/internal/scheduler"
	"github.com/nimasrn/email-gateway/pkg/logger"
	"github.com/nimasrn/email-gateway/pkg/prom"
	"github.com/nimasrn/email-gateway/pkg/redis"
	"github.com/nimasrn/email-gateway/pkg/worker"
)

const HealthInterval = time.Second * 30
const MetricsInterval = time.Second * 30
const ShutdownTimeout = time.Minute

// Processor handles one due job.
type Processor interface {
	Process(ctx context.Context, job scheduler.Job) error
	GetType() string
}

type ServiceConfig struct {
	Workers         int
	BufferSize      int
	JobTimeout      time.Duration
	CleanupInterval time.Duration
	// HighWaterMark is the delayed backlog above which health checks warn.
	HighWaterMark int64
}

// ProcessorService hosts the scheduler consumers, the worker pool that runs
// jobs and the periodic metrics, health and cleanup tasks.
type ProcessorService struct {
	adapter   redis.RedisAdapter
	scheduler *scheduler.Scheduler
	processor Processor
	recovery  *Recovery
	sender    gateway.Sender
	metrics   *ServiceMetrics
	config    ServiceConfig
	worker    *worker.WorkerManager
	wg        sync.WaitGroup
	ctx       context.Context
	cancel    context.CancelFunc
}

func NewProcessorService(adapter redis.RedisAdapter, sched *scheduler.Scheduler, sender gateway.Sender, config ServiceConfig) *ProcessorService {
	if config.Workers <= 0 {
		config.Workers = 20
	}
	if config.BufferSize <= 0 {
		config.BufferSize = 1000
	}
	if config.JobTimeout <= 0 {
		config.JobTimeout = time.Minute
	}
	if config.HighWaterMark <= 0 {
		config.HighWaterMark = 10_000
	}
	return &ProcessorService{
		adapter:   adapter,
		scheduler: sched,
		sender:    sender,
		metrics:   NewServiceMetrics(),
		config:    config,
		worker:    worker.NewWorkerManager(config.BufferSize, config.Workers),
	}
}

func (s *ProcessorService) RegisterProcessor(processor Processor) {
	s.processor = processor
	logger.Info("registered processor", "type", processor.GetType())
}

// SetRecovery enables the sweep that re-enqueues emails no job will pick
// up. It runs at start and on every cleanup tick.
func (s *ProcessorService) SetRecovery(r *Recovery) {
	s.recovery = r
}

func (s *ProcessorService) Metrics() *ServiceMetrics {
	return s.metrics
}

// Start launches the worker pool, the scheduler and the background tasks.
// It returns once everything is running; cancel ctx or call Stop to end it.
func (s *ProcessorService) Start(ctx context.Context) error {
	if s.processor == nil {
		return errors.New("no processor registered")
	}

	s.ctx, s.cancel = context.WithCancel(ctx)
	s.worker.SetWorker(s.workerHandler)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.worker.Start(s.ctx); err != nil && !errors.Is(err, worker.ErrStopped) {
			logger.Error("worker manager stopped", "error", err)
		}
	}()

	if err := s.scheduler.Start(s.ctx, s.jobHandler); err != nil {
		s.cancel()
		s.worker.Exit()
		s.wg.Wait()
		return fmt.Errorf("failed to start scheduler: %w", err)
	}

	s.recoverScheduled()

	s.wg.Add(2)
	go s.metricsReporter()
	go s.healthChecker()
	if s.config.CleanupInterval > 0 {
		s.wg.Add(1)
		go s.cleanupLoop()
	}

	logger.Info("processor service started", "workers", s.config.Workers, "driver", s.sender.Name())
	return nil
}

func (s *ProcessorService) metricsReporter() {
	defer s.wg.Done()

	ticker := time.NewTicker(MetricsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.reportMetrics()
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *ProcessorService) reportMetrics() {
	stats := s.metrics.GetStats()
	logger.Info("service metrics",
		"dispatched", stats["dispatched"],
		"retried", stats["retried"],
		"dropped", stats["dropped"],
		"rate_per_second", stats["rate_per_second"],
		"avg_dispatch_ms", stats["avg_dispatch_ms"],
		"uptime_seconds", stats["uptime_seconds"],
		"buffered", s.worker.GetUnreadCount())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if qs, err := s.scheduler.Stats(ctx); err == nil {
		prom.SetQueueDepth("delayed", qs.Delayed)
		prom.SetQueueDepth("ready", qs.Ready)
		prom.SetQueueDepth("in_flight", qs.InFlight)
		prom.SetQueueDepth("handling", qs.Handling)
		prom.SetQueueDepth("dead_letters", qs.DeadLetters)
		logger.Info("scheduler stats",
			"delayed", qs.Delayed, "ready", qs.Ready, "in_flight", qs.InFlight, "handling", qs.Handling, "dead_letters", qs.DeadLetters)
	}
	if relay, ok := s.sender.(*gateway.RelaySender); ok {
		for _, ps := range relay.GetProviderStats() {
			prom.SetProviderScore(ps.Name, ps.Score)
			logger.Info("relay provider stats",
				"provider", ps.Name, "state", ps.State, "score", ps.Score,
				"success_rate", ps.SuccessRate, "p95_latency_ms", ps.P95LatencyMs)
		}
	}
}

func (s *ProcessorService) healthChecker() {
	defer s.wg.Done()

	ticker := time.NewTicker(HealthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.performHealthCheck(s.ctx)
		case <-s.ctx.Done():
			return
		}
	}
}

// performHealthCheck reports whether redis answers and logs backlog warnings.
func (s *ProcessorService) performHealthCheck(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := s.adapter.Ping(ctx); err != nil {
		logger.Error("health check failed: redis unreachable", "error", err)
		return false
	}

	stats, err := s.scheduler.Stats(ctx)
	if err != nil {
		logger.Warn("health check: scheduler stats unavailable", "error", err)
		return false
	}
	if stats.Delayed > s.config.HighWaterMark {
		logger.Warn("health check: delayed backlog is high", "delayed", stats.Delayed)
	}
	if stats.DeadLetters > 0 {
		logger.Warn("health check: dead letters present", "dead_letters", stats.DeadLetters)
	}

	logger.Debug("health check ok")
	return true
}

func (s *ProcessorService) cleanupLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := s.scheduler.RunCleanup(s.ctx); err != nil && s.ctx.Err() == nil {
				logger.Error("scheduler cleanup failed", "error", err)
			}
			s.recoverScheduled()
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *ProcessorService) recoverScheduled() {
	if s.recovery == nil {
		return
	}
	n, err := s.recovery.Run(s.ctx)
	if err != nil {
		if s.ctx.Err() == nil {
			logger.Error("scheduled email recovery failed", "requeued", n, "error", err)
		}
		return
	}
	if n > 0 {
		logger.Info("scheduled email recovery finished", "requeued", n)
	}
}

// Stop drains the scheduler consumers, then the workers and background
// tasks, and closes the sender if it holds resources.
func (s *ProcessorService) Stop(timeout time.Duration) {
	logger.Info("shutting down processor service...")
	if s.cancel == nil {
		return
	}

	if err := s.scheduler.Stop(timeout); err != nil && !errors.Is(err, scheduler.ErrNotStarted) {
		logger.Error("error stopping scheduler", "error", err)
	}

	s.cancel()
	s.worker.Exit()
	s.wg.Wait()

	if c, ok := s.sender.(io.Closer); ok {
		if err := c.Close(); err != nil {
			logger.Warn("failed to close sender", "error", err)
		}
	}

	s.reportMetrics()
	logger.Info("processor service stopped")
}

type jobResult struct {
	job        scheduler.Job
	resultChan chan error
	ctx        context.Context
}

// jobHandler hands a due job to the worker pool and waits for its outcome.
func (s *ProcessorService) jobHandler(ctx context.Context, job scheduler.Job) error {
	resultChan := make(chan error, 1)

	jobCtx, cancel := context.WithTimeout(ctx, s.config.JobTimeout)
	defer cancel()

	res := &jobResult{
		job:        job,
		resultChan: resultChan,
		ctx:        jobCtx,
	}

	if err := s.worker.Enqueue(jobCtx, res); err != nil {
		return fmt.Errorf("failed to hand job to worker pool: %w", err)
	}

	select {
	case err := <-resultChan:
		return err
	case <-jobCtx.Done():
		return fmt.Errorf("timeout waiting for worker to process job: %w", jobCtx.Err())
	}
}

func (s *ProcessorService) workerHandler(workerIndex int, job interface{}) {
	res, ok := job.(*jobResult)
	if !ok {
		logger.Error("invalid job type in worker", "worker", workerIndex)
		return
	}

	select {
	case <-res.ctx.Done():
		logger.Warn("job context cancelled before processing started", "worker", workerIndex, "job_id", res.job.ID)
		return
	default:
	}

	start := time.Now()
	err := s.processor.Process(res.ctx, res.job)
	switch {
	case scheduler.IsDeferred(err):
		logger.Debug("job deferred", "worker", workerIndex, "job_id", res.job.ID)
	case err != nil:
		s.metrics.RecordFailure(!res.job.Final() && !scheduler.IsPermanent(err))
		logger.Warn("job failed", "worker", workerIndex, "job_id", res.job.ID, "attempt", res.job.Attempt, "error", err)
	default:
		s.metrics.RecordDispatched(time.Since(start))
	}

	// resultChan is buffered, the send never blocks
	res.resultChan <- err
}
