package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/nimasrn/email-gateway/internal/config"
	gateway "github.com/nimasrn/email-gateway/internal/gateways"
	"github.com/nimasrn/email-gateway/internal/handlers"
	"github.com/nimasrn/email-gateway/internal/processor"
	"github.com/nimasrn/email-gateway/internal/repository"
	"github.com/nimasrn/email-gateway/internal/scheduler"
	"github.com/nimasrn/email-gateway/internal/services"
	xhttp "github.com/nimasrn/email-gateway/pkg/http"
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
	logger.Info("starting api", "version", version, "commit", commit, "date", date)

	// transport (tcp for now)
	s := xhttp.NewServer(xhttp.ServerOption{
		Name:         config.Get().AppName,
		ReadTimeout:  config.Get().HttpServerReadTimeout,
		WriteTimeout: config.Get().HttpServerWriteTimeout,
	})
	s.Use(xhttp.RecoverMiddleware)
	s.Use(xhttp.RequestIDMiddleware)
	s.Use(xhttp.RequestLoggerMiddleware)
	s.Use(xhttp.CompressMiddleware(6))
	s.Use(xhttp.TimeoutMiddleware(config.Get().HttpRequestTimeout))
	xhttp.SkipRequestLogging("/api/v1/emails/track/open/")

	db, err := pg.CreateReadWrite(config.Get().PostgresRead(), config.Get().PostgresWrite(), config.Get().IsDev())
	if err != nil {
		logger.Error("failed connecting to pg", "error", err)
		return
	}

	redisAdap, err := redis.NewRedisAdapter("api", config.Get().RedisUniversalKeyPrefix, config.Get().Redis("api"))
	if err != nil {
		logger.Error("failed connecting to redis", "error", err)
		return
	}

	var hostname string
	hostname, err = os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	if err := prom.Create(hostname, config.Get().AppEnv, config.Get().PromNamespace); err != nil {
		logger.Error("failed to create prometheus metrics", "error", err)
		return
	}

	// the api dispatches immediate sends itself; scheduled ones go to the processor
	sender, err := gateway.NewSender(context.Background(), config.Get().Gateway())
	if err != nil {
		logger.Error("failed to create delivery provider", "error", err)
		return
	}

	emailRepo := repository.NewEmailRepository(db)
	tenantRepo := repository.NewTenantRepository(db)
	templateRepo := repository.NewTemplateRepository(db)

	sched := scheduler.New(redisAdap, config.Get().Scheduler())
	idempotency := processor.NewIdempotencyService(redisAdap, config.Get().Idempotency())
	dispatcher := processor.NewEmailProcessor(emailRepo, sender, idempotency, config.Get().Dispatch())

	// services
	quotaService := services.NewQuotaService(tenantRepo)
	emailService := services.NewEmailService(emailRepo, templateRepo, quotaService, dispatcher, sched)
	bulkService := services.NewBulkService(emailRepo, templateRepo, quotaService, dispatcher, config.Get().Bulk())
	trackingService := services.NewTrackingService(emailRepo)

	// v1 handlers
	emailHandler := handlers.NewEmailHandler(emailService, bulkService)
	trackingHandler := handlers.NewTrackingHandler(trackingService)
	healthHandler := handlers.NewHealthHandler(map[string]handlers.Pinger{
		"postgres": db,
		"redis":    redisAdap,
	})

	g := s.Router.Group("/api/v1")
	handlers.RegisterEmailRoutes(g, emailHandler, handlers.TenantMiddleware(tenantRepo))
	handlers.RegisterTrackingRoutes(g, trackingHandler)
	handlers.RegisterHealthRoutes(g, healthHandler)

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)

	go func() {
		var err = s.ListenAndServe(config.Get().HttpListenAddr)
		if err != nil {
			logger.Error("error in running http-server", "error", err)
		}
	}()

	metrics := prom.ListenAndServer(config.Get().PromListenAddr, "/metrics")

	<-c
	s.Shutdown()
	metrics.Shutdown()
	if closer, ok := sender.(interface{ Close() error }); ok {
		_ = closer.Close()
	}
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
