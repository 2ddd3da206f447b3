package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/nimasrn/email-gateway/internal/config"
	gateway "github.com/nimasrn/email-gateway/internal/gateways"
	"github.com/nimasrn/email-gateway/internal/processor"
	"github.com/nimasrn/email-gateway/internal/repository"
	"github.com/nimasrn/email-gateway/internal/scheduler"
	"github.com/nimasrn/email-gateway/pkg/logger"
	"github.com/nimasrn/email-gateway/pkg/pg"
	"github.com/nimasrn/email-gateway/pkg/prom"
	"github.com/nimasrn/email-gateway/pkg/redis"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {

	err := config.Load(argContainsEnvPath())
	if err != nil {
		logger.Error("failed to load config", "error", err)
		return
	}
	logger.Info("starting processor", "version", version, "commit", commit, "date", date)

	db, err := pg.CreateReadWrite(config.Get().PostgresRead(), config.Get().PostgresWrite(), config.Get().IsDev())
	if err != nil {
		logger.Error("failed connecting to pg", "error", err)
		return
	}

	redisAdap, err := redis.NewRedisAdapter("processor", config.Get().RedisUniversalKeyPrefix, config.Get().Redis("processor"))
	if err != nil {
		logger.Error("failed connecting to redis", "error", err)
		return
	}

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)

	sender, err := gateway.NewSender(context.Background(), config.Get().Gateway())
	if err != nil {
		logger.Error("failed to create delivery provider", "error", err)
		return
	}

	emailRepo := repository.NewEmailRepository(db)
	sched := scheduler.New(redisAdap, config.Get().Scheduler())

	// Initialize idempotency service
	idempotencyService := processor.NewIdempotencyService(redisAdap, config.Get().Idempotency())

	service := processor.NewProcessorService(redisAdap, sched, sender, config.Get().Workers())
	service.RegisterProcessor(processor.NewEmailProcessor(emailRepo, sender, idempotencyService, config.Get().Dispatch()))
	service.SetRecovery(processor.NewRecovery(emailRepo, sched, processor.RecoveryConfig{}))

	var hostname string
	hostname, err = os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	err = prom.Create(hostname, config.Get().AppEnv, config.Get().PromNamespace)
	if err != nil {
		logger.Error("failed to create prometheus metrics", "error", err)
		return
	}

	metrics := prom.ListenAndServer(config.Get().PromListenAddr, "/metrics")

	if err := service.Start(context.Background()); err != nil {
		logger.Error("failed to start processor", "error", err)
		return
	}

	<-c
	service.Stop(processor.ShutdownTimeout)
	metrics.Shutdown()
}

func argContainsEnvPath() string {
	for _, v := range os.Args {
		if strings.Contains(v, "--env=") {
			s := strings.Split(v, "=")
			if _, err := os.Open(s[1]); err != nil {
				logger.Error("failed to open the passed env file, got error" + err.Error())
				return ""
			}
			return s[1]
		}
	}
	return ""
}
