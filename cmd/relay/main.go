package main

import (
	"context"
	"fmt"
	"math/rand"
	"net/http"
	"net/mail"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// SendMailRequest is the body the relay gateway posts.
type SendMailRequest struct {
	MessageID   string            `json:"messageId" binding:"required"`
	From        string            `json:"from" binding:"required"`
	FromName    string            `json:"fromName"`
	To          []string          `json:"to" binding:"required,min=1"`
	Cc          []string          `json:"cc"`
	Bcc         []string          `json:"bcc"`
	Subject     string            `json:"subject" binding:"required"`
	HTML        string            `json:"html" binding:"required"`
	Attachments []Attachment      `json:"attachments"`
	Headers     map[string]string `json:"headers"`
}

type Attachment struct {
	Filename    string `json:"filename"`
	Path        string `json:"path"`
	ContentType string `json:"contentType"`
}

type SendMailResponse struct {
	MessageID string   `json:"messageId"`
	Accepted  []string `json:"accepted"`
	Rejected  []string `json:"rejected"`
}

type HealthResponse struct {
	Status       string    `json:"status"`
	RelayID      string    `json:"relayId"`
	Timestamp    time.Time `json:"timestamp"`
	DeliveryRate float64   `json:"deliveryRate"`
}

// MockRelay simulates an HTTP mail relay. Each recipient is accepted with
// probability deliveryRate; malformed addresses are always rejected.
type MockRelay struct {
	mu           sync.Mutex
	deliveryRate float64
	minDelay     time.Duration
	maxDelay     time.Duration
	apiKey       string
	relayID      string
	rng          *rand.Rand
}

func NewMockRelay(deliveryRate float64, minDelay, maxDelay time.Duration, apiKey string) *MockRelay {
	return &MockRelay{
		deliveryRate: deliveryRate,
		minDelay:     minDelay,
		maxDelay:     maxDelay,
		apiKey:       apiKey,
		relayID:      "MOCK_RELAY_" + uuid.New().String()[:8],
		rng:          rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (m *MockRelay) deliver(req *SendMailRequest) *SendMailResponse {
	time.Sleep(m.randomDelay())

	resp := &SendMailResponse{
		MessageID: "<" + uuid.NewString() + "@" + m.relayID + ">",
		Accepted:  []string{},
		Rejected:  []string{},
	}

	all := make([]string, 0, len(req.To)+len(req.Cc)+len(req.Bcc))
	all = append(all, req.To...)
	all = append(all, req.Cc...)
	all = append(all, req.Bcc...)

	for _, rcpt := range all {
		if _, err := mail.ParseAddress(rcpt); err != nil || !m.shouldSucceed() {
			resp.Rejected = append(resp.Rejected, rcpt)
			continue
		}
		resp.Accepted = append(resp.Accepted, rcpt)
	}

	log.Info().
		Str("message_id", req.MessageID).
		Str("relay_id", resp.MessageID).
		Int("accepted", len(resp.Accepted)).
		Int("rejected", len(resp.Rejected)).
		Int("attachments", len(req.Attachments)).
		Msg("Mail relayed")

	return resp
}

func (m *MockRelay) randomDelay() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	delta := m.maxDelay - m.minDelay
	if delta <= 0 {
		return m.minDelay
	}
	return m.minDelay + time.Duration(m.rng.Int63n(int64(delta)))
}

func (m *MockRelay) shouldSucceed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rng.Float64() < m.deliveryRate
}

func (m *MockRelay) rate() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.deliveryRate
}

func (m *MockRelay) setRate(r float64) {
	m.mu.Lock()
	m.deliveryRate = r
	m.mu.Unlock()
}

type Handler struct {
	relay *MockRelay
}

func NewHandler(relay *MockRelay) *Handler {
	return &Handler{relay: relay}
}

func (h *Handler) SendMail(c *gin.Context) {
	var req SendMailRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request",
			"details": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, h.relay.deliver(&req))
}

func (h *Handler) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{
		Status:       "healthy",
		RelayID:      h.relay.relayID,
		Timestamp:    time.Now(),
		DeliveryRate: h.relay.rate(),
	})
}

// UpdateConfig changes the delivery rate at runtime.
func (h *Handler) UpdateConfig(c *gin.Context) {
	var config struct {
		DeliveryRate *float64 `json:"deliveryRate"`
	}
	if err := c.ShouldBindJSON(&config); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request",
			"details": err.Error(),
		})
		return
	}

	if config.DeliveryRate != nil && *config.DeliveryRate >= 0 && *config.DeliveryRate <= 1.0 {
		h.relay.setRate(*config.DeliveryRate)
		log.Info().Float64("rate", *config.DeliveryRate).Msg("Updated delivery rate")
	}

	c.JSON(http.StatusOK, gin.H{
		"message":      "Configuration updated",
		"deliveryRate": h.relay.rate(),
	})
}

func (h *Handler) requireAPIKey(c *gin.Context) {
	if h.relay.apiKey != "" && c.GetHeader("X-API-Key") != h.relay.apiKey {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid api key"})
		return
	}
	c.Next()
}

func SetupRouter(handler *Handler) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())

	router.Use(func(c *gin.Context) {
		start := time.Now()
		c.Next()

		log.Info().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("duration", time.Since(start)).
			Msg("Request processed")
	})

	v1 := router.Group("/api/v1", handler.requireAPIKey)
	{
		v1.POST("/mail/send", handler.SendMail)
		v1.PUT("/config", handler.UpdateConfig)
	}

	router.GET("/health", handler.HealthCheck)

	return router
}

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	port := getEnv("PORT", "8081")
	deliveryRate := getEnvFloat("DELIVERY_RATE", 1)
	minDelay := getEnvDuration("MIN_DELAY", 50*time.Millisecond)
	maxDelay := getEnvDuration("MAX_DELAY", 500*time.Millisecond)
	apiKey := getEnv("RELAY_API_KEY", "")

	log.Info().
		Str("port", port).
		Float64("delivery_rate", deliveryRate).
		Dur("min_delay", minDelay).
		Dur("max_delay", maxDelay).
		Msg("Starting mock mail relay")

	router := SetupRouter(NewHandler(NewMockRelay(deliveryRate, minDelay, maxDelay, apiKey)))

	srv := &http.Server{
		Addr:         ":" + port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info().Str("addr", srv.Addr).Msg("Server started")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Fatal().Err(err).Msg("Server forced to shutdown")
	}

	log.Info().Msg("Server exited")
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		var f float64
		if _, err := fmt.Sscanf(value, "%f", &f); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
