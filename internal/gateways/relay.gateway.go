package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nimasrn/email-gateway/internal/model"
	"github.com/nimasrn/email-gateway/pkg/logger"
	"github.com/valyala/fasthttp"
)

const DriverRelay = "relay"

const (
	relaySendPath   = "/api/v1/mail/send"
	relayHealthPath = "/health"
)

var (
	ErrNoAvailableProviders = errors.New("no available providers")
)

type relayRequest struct {
	MessageID   string             `json:"messageId"`
	From        string             `json:"from"`
	FromName    string             `json:"fromName,omitempty"`
	To          []string           `json:"to"`
	Cc          []string           `json:"cc,omitempty"`
	Bcc         []string           `json:"bcc,omitempty"`
	Subject     string             `json:"subject"`
	HTML        string             `json:"html"`
	Attachments []model.Attachment `json:"attachments,omitempty"`
	Headers     map[string]string  `json:"headers,omitempty"`
}

type ProviderMetrics struct {
	TotalRequests    atomic.Int64
	SuccessfulReqs   atomic.Int64
	FailedReqs       atomic.Int64
	TotalLatencyMs   atomic.Int64
	LastLatencyMs    atomic.Int64
	ConsecutiveFails atomic.Int32
	LastErrorTime    atomic.Int64
	LastSuccessTime  atomic.Int64

	mu             sync.RWMutex
	latencyHistory []int64
	maxHistorySize int
}

func NewProviderMetrics() *ProviderMetrics {
	return &ProviderMetrics{
		latencyHistory: make([]int64, 0, 100),
		maxHistorySize: 100,
	}
}

func (m *ProviderMetrics) RecordSuccess(latencyMs int64) {
	m.TotalRequests.Add(1)
	m.SuccessfulReqs.Add(1)
	m.TotalLatencyMs.Add(latencyMs)
	m.LastLatencyMs.Store(latencyMs)
	m.ConsecutiveFails.Store(0)
	m.LastSuccessTime.Store(time.Now().Unix())

	m.mu.Lock()
	if len(m.latencyHistory) >= m.maxHistorySize {
		m.latencyHistory = m.latencyHistory[1:]
	}
	m.latencyHistory = append(m.latencyHistory, latencyMs)
	m.mu.Unlock()
}

func (m *ProviderMetrics) RecordFailure() {
	m.TotalRequests.Add(1)
	m.FailedReqs.Add(1)
	m.ConsecutiveFails.Add(1)
	m.LastErrorTime.Store(time.Now().Unix())
}

func (m *ProviderMetrics) AvgLatencyMs() int64 {
	ok := m.SuccessfulReqs.Load()
	if ok == 0 {
		return 0
	}
	return m.TotalLatencyMs.Load() / ok
}

func (m *ProviderMetrics) SuccessRate() float64 {
	total := m.TotalRequests.Load()
	if total == 0 {
		return 1.0
	}
	return float64(m.SuccessfulReqs.Load()) / float64(total)
}

func (m *ProviderMetrics) P95LatencyMs() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if len(m.latencyHistory) == 0 {
		return 0
	}

	sorted := make([]int64, len(m.latencyHistory))
	copy(sorted, m.latencyHistory)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	p95Index := int(float64(len(sorted)) * 0.95)
	if p95Index >= len(sorted) {
		p95Index = len(sorted) - 1
	}
	return sorted[p95Index]
}

type ProviderState int

const (
	StateHealthy ProviderState = iota
	StateDegraded
	StateUnhealthy
	StateCircuitOpen
)

// Provider is one relay endpoint with its health bookkeeping.
type Provider struct {
	name             string
	url              string
	client           *fasthttp.Client
	metrics          *ProviderMetrics
	state            atomic.Int32
	weight           atomic.Int32
	lastHealthCheck  atomic.Int64
	circuitOpenUntil atomic.Int64
}

func NewProvider(name, url string, weight int, client *fasthttp.Client) *Provider {
	p := &Provider{
		name:    name,
		url:     url,
		client:  client,
		metrics: NewProviderMetrics(),
	}
	p.state.Store(int32(StateHealthy))
	p.weight.Store(int32(weight))
	return p
}

func (p *Provider) GetState() ProviderState {
	return ProviderState(p.state.Load())
}

func (p *Provider) SetState(state ProviderState) {
	p.state.Store(int32(state))
}

func (p *Provider) IsAvailable() bool {
	state := p.GetState()
	if state == StateCircuitOpen {
		// half-open once the timeout passes
		if time.Now().UnixMilli() > p.circuitOpenUntil.Load() {
			p.SetState(StateDegraded)
			return true
		}
		return false
	}
	return state != StateUnhealthy
}

// CalculateScore ranks providers, higher is better.
func (p *Provider) CalculateScore() float64 {
	if !p.IsAvailable() {
		return 0.0
	}

	metrics := p.metrics
	baseWeight := float64(p.weight.Load())

	successScore := metrics.SuccessRate() * 100

	// 0ms = 100 points, 5000ms+ = 0 points
	avgLatency := metrics.AvgLatencyMs()
	latencyScore := 100.0
	if avgLatency > 0 {
		latencyScore = 100.0 * (1.0 - (float64(avgLatency) / 5000.0))
		if latencyScore < 0 {
			latencyScore = 0
		}
	}

	// each consecutive failure costs 10%
	recentPenalty := 1.0 - (float64(metrics.ConsecutiveFails.Load()) * 0.1)
	if recentPenalty < 0.1 {
		recentPenalty = 0.1
	}

	statePenalty := 1.0
	switch p.GetState() {
	case StateDegraded:
		statePenalty = 0.5
	case StateUnhealthy, StateCircuitOpen:
		statePenalty = 0.0
	}

	return (successScore*0.4 + latencyScore*0.4 + baseWeight*0.2) * recentPenalty * statePenalty
}

type RelayConfig struct {
	Providers               []ProviderConfig
	APIKey                  string
	Timeout                 time.Duration
	MaxRetries              int
	RetryDelay              time.Duration
	MaxConns                int
	ReadBufferSize          int
	WriteBufferSize         int
	HealthCheckInterval     time.Duration
	EvaluateInterval        time.Duration
	CircuitBreakerThreshold int
	CircuitBreakerTimeout   time.Duration
}

func (c *RelayConfig) withDefaults() {
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 100 * time.Millisecond
	}
	if c.MaxConns <= 0 {
		c.MaxConns = 100
	}
	if c.HealthCheckInterval <= 0 {
		c.HealthCheckInterval = 30 * time.Second
	}
	if c.EvaluateInterval <= 0 {
		c.EvaluateInterval = 30 * time.Second
	}
	if c.CircuitBreakerThreshold <= 0 {
		c.CircuitBreakerThreshold = 5
	}
	if c.CircuitBreakerTimeout <= 0 {
		c.CircuitBreakerTimeout = 30 * time.Second
	}
}

type ProviderConfig struct {
	Name   string
	URL    string
	Weight int // 1-100
}

// RelaySender posts emails to HTTP mail relays, picking the best scoring
// endpoint per attempt and failing over on transport errors.
type RelaySender struct {
	config    RelayConfig
	providers []*Provider
	mu        sync.RWMutex
	stopCh    chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup
}

func NewRelaySender(config RelayConfig) (*RelaySender, error) {
	if len(config.Providers) == 0 {
		return nil, errors.New("at least one relay provider is required")
	}
	config.withDefaults()

	client := &RelaySender{
		config:    config,
		providers: make([]*Provider, 0, len(config.Providers)),
		stopCh:    make(chan struct{}),
	}

	for _, pc := range config.Providers {
		httpClient := &fasthttp.Client{
			MaxConnsPerHost:     config.MaxConns,
			ReadTimeout:         config.Timeout,
			WriteTimeout:        config.Timeout,
			MaxIdleConnDuration: 60 * time.Second,
			ReadBufferSize:      config.ReadBufferSize,
			WriteBufferSize:     config.WriteBufferSize,
		}

		client.providers = append(client.providers, NewProvider(pc.Name, pc.URL, pc.Weight, httpClient))
		logger.Info("relay provider initialized", "name", pc.Name, "url", pc.URL, "weight", pc.Weight)
	}

	client.wg.Add(2)
	go client.healthChecker()
	go client.metricsCollector()

	logger.Info("relay sender initialized", "providers", len(client.providers), "timeout", config.Timeout)

	return client, nil
}

func (c *RelaySender) Name() string {
	return DriverRelay
}

// SelectBestProvider returns the available provider with the highest score.
func (c *RelaySender) SelectBestProvider() (*Provider, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var bestProvider *Provider
	var bestScore float64

	for _, provider := range c.providers {
		if !provider.IsAvailable() {
			continue
		}
		score := provider.CalculateScore()
		if bestProvider == nil || score > bestScore {
			bestScore = score
			bestProvider = provider
		}
	}

	if bestProvider == nil {
		return nil, ErrNoAvailableProviders
	}

	logger.Debug("selected relay provider", "provider", bestProvider.name, "score", bestScore)
	return bestProvider, nil
}

// Send posts req to the best relay. Permanent rejections are returned at
// once; transport failures and 5xx move on to the next provider.
func (c *RelaySender) Send(ctx context.Context, req *SendRequest) (*SendResult, error) {
	if err := Validate(req); err != nil {
		return nil, Permanent(DriverRelay, 0, err)
	}

	reqBody, err := json.Marshal(relayRequest{
		MessageID:   req.MessageID,
		From:        req.From,
		FromName:    req.FromName,
		To:          req.To,
		Cc:          req.Cc,
		Bcc:         req.Bcc,
		Subject:     req.Subject,
		HTML:        req.HTML,
		Attachments: req.Attachments,
		Headers:     req.Headers,
	})
	if err != nil {
		return nil, Permanent(DriverRelay, 0, fmt.Errorf("failed to marshal request: %w", err))
	}

	var lastErr error
	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, Temporary(DriverRelay, 0, ctx.Err())
			case <-time.After(c.config.RetryDelay):
			}
		}

		provider, err := c.SelectBestProvider()
		if err != nil {
			lastErr = Temporary(DriverRelay, 0, err)
			continue
		}

		startTime := time.Now()
		body, err := c.doRequest(ctx, provider, fasthttp.MethodPost, relaySendPath, reqBody)
		latency := time.Since(startTime).Milliseconds()

		if err != nil {
			if IsPermanent(err) {
				// the relay is up, it refused the message
				provider.metrics.RecordSuccess(latency)
				return nil, err
			}
			provider.metrics.RecordFailure()
			c.checkCircuitBreaker(provider)
			logger.Warn("relay request failed", "error", err, "provider", provider.name, "attempt", attempt+1)
			lastErr = err
			continue
		}

		provider.metrics.RecordSuccess(latency)

		var result SendResult
		if err := json.Unmarshal(body, &result); err != nil {
			return nil, Temporary(DriverRelay, 0, fmt.Errorf("failed to unmarshal response: %w", err))
		}
		if len(result.Accepted) == 0 && len(result.Rejected) > 0 {
			return nil, Permanent(DriverRelay, 0, fmt.Errorf("%w: %v", ErrAllRejected, result.Rejected))
		}

		logger.Info("email handed to relay",
			"message_id", req.MessageID, "relay_id", result.MessageID, "provider", provider.name,
			"accepted", len(result.Accepted), "rejected", len(result.Rejected), "latency_ms", latency)

		return &result, nil
	}

	return nil, fmt.Errorf("failed after %d attempts: %w", c.config.MaxRetries+1, lastErr)
}

func (c *RelaySender) doRequest(ctx context.Context, provider *Provider, method, path string, body []byte) ([]byte, error) {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(provider.url + path)
	req.Header.SetMethod(method)
	req.Header.SetContentType("application/json")
	if c.config.APIKey != "" {
		req.Header.Set("X-API-Key", c.config.APIKey)
	}
	if body != nil {
		req.SetBody(body)
	}

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(c.config.Timeout)
	}

	if err := provider.client.DoDeadline(req, resp, deadline); err != nil {
		return nil, Temporary(DriverRelay, 0, fmt.Errorf("request to %s failed: %w", provider.name, err))
	}

	statusCode := resp.StatusCode()
	if statusCode != fasthttp.StatusOK && statusCode != fasthttp.StatusAccepted {
		err := fmt.Errorf("unexpected status code: %d, body: %s", statusCode, resp.Body())
		if statusCode >= 400 && statusCode < 500 &&
			statusCode != fasthttp.StatusRequestTimeout && statusCode != fasthttp.StatusTooManyRequests {
			return nil, Permanent(DriverRelay, statusCode, err)
		}
		return nil, Temporary(DriverRelay, statusCode, err)
	}

	result := make([]byte, len(resp.Body()))
	copy(result, resp.Body())
	return result, nil
}

func (c *RelaySender) checkCircuitBreaker(provider *Provider) {
	consecutiveFails := provider.metrics.ConsecutiveFails.Load()
	if consecutiveFails >= int32(c.config.CircuitBreakerThreshold) {
		provider.SetState(StateCircuitOpen)
		provider.circuitOpenUntil.Store(time.Now().Add(c.config.CircuitBreakerTimeout).UnixMilli())

		logger.Warn("circuit breaker opened", "provider", provider.name,
			"consecutive_fails", consecutiveFails, "timeout", c.config.CircuitBreakerTimeout)
	}
}

func (c *RelaySender) healthChecker() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.config.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.performHealthChecks()
		case <-c.stopCh:
			return
		}
	}
}

func (c *RelaySender) performHealthChecks() {
	ctx, cancel := context.WithTimeout(context.Background(), c.config.Timeout)
	defer cancel()

	c.mu.RLock()
	providers := make([]*Provider, len(c.providers))
	copy(providers, c.providers)
	c.mu.RUnlock()

	for _, provider := range providers {
		healthy := c.checkProviderHealth(ctx, provider)
		provider.lastHealthCheck.Store(time.Now().Unix())

		oldState := provider.GetState()
		if oldState == StateCircuitOpen {
			continue
		}
		newState := oldState
		if healthy {
			if oldState == StateUnhealthy || oldState == StateDegraded {
				newState = StateHealthy
			}
		} else {
			newState = StateUnhealthy
		}

		if newState != oldState {
			provider.SetState(newState)
			logger.Info("relay provider state changed", "provider", provider.name,
				"old_state", stateString(oldState), "new_state", stateString(newState))
		}
	}
}

func (c *RelaySender) checkProviderHealth(ctx context.Context, provider *Provider) bool {
	response, err := c.doRequest(ctx, provider, fasthttp.MethodGet, relayHealthPath, nil)
	if err != nil {
		return false
	}

	var health struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(response, &health); err != nil {
		return false
	}
	return health.Status == "healthy"
}

func (c *RelaySender) metricsCollector() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.config.EvaluateInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.evaluateProviders()
		case <-c.stopCh:
			return
		}
	}
}

// evaluateProviders demotes slow or failing providers and restores
// recovered ones.
func (c *RelaySender) evaluateProviders() {
	c.mu.RLock()
	defer c.mu.RUnlock()

	for _, provider := range c.providers {
		state := provider.GetState()
		if state == StateCircuitOpen || state == StateUnhealthy {
			continue
		}

		successRate := provider.metrics.SuccessRate()
		avgLatency := provider.metrics.AvgLatencyMs()

		if successRate < 0.8 || avgLatency > 5000 {
			if state != StateDegraded {
				provider.SetState(StateDegraded)
				logger.Warn("relay provider degraded", "provider", provider.name,
					"success_rate", successRate, "avg_latency_ms", avgLatency)
			}
		} else if successRate > 0.95 && avgLatency < 2000 {
			if state != StateHealthy {
				provider.SetState(StateHealthy)
				logger.Info("relay provider recovered", "provider", provider.name)
			}
		}
	}
}

type ProviderStats struct {
	Name             string  `json:"name"`
	URL              string  `json:"url"`
	State            string  `json:"state"`
	Score            float64 `json:"score"`
	TotalRequests    int64   `json:"totalRequests"`
	SuccessfulReqs   int64   `json:"successfulRequests"`
	FailedReqs       int64   `json:"failedRequests"`
	SuccessRate      float64 `json:"successRate"`
	AvgLatencyMs     int64   `json:"avgLatencyMs"`
	P95LatencyMs     int64   `json:"p95LatencyMs"`
	LastLatencyMs    int64   `json:"lastLatencyMs"`
	ConsecutiveFails int32   `json:"consecutiveFails"`
}

// GetProviderStats returns per-provider statistics, best first.
func (c *RelaySender) GetProviderStats() []ProviderStats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	stats := make([]ProviderStats, 0, len(c.providers))
	for _, provider := range c.providers {
		stats = append(stats, ProviderStats{
			Name:             provider.name,
			URL:              provider.url,
			State:            stateString(provider.GetState()),
			Score:            provider.CalculateScore(),
			TotalRequests:    provider.metrics.TotalRequests.Load(),
			SuccessfulReqs:   provider.metrics.SuccessfulReqs.Load(),
			FailedReqs:       provider.metrics.FailedReqs.Load(),
			SuccessRate:      provider.metrics.SuccessRate(),
			AvgLatencyMs:     provider.metrics.AvgLatencyMs(),
			P95LatencyMs:     provider.metrics.P95LatencyMs(),
			LastLatencyMs:    provider.metrics.LastLatencyMs.Load(),
			ConsecutiveFails: provider.metrics.ConsecutiveFails.Load(),
		})
	}

	sort.Slice(stats, func(i, j int) bool {
		return stats[i].Score > stats[j].Score
	})
	return stats
}

// Close stops the background checks. Safe to call more than once.
func (c *RelaySender) Close() error {
	c.stopOnce.Do(func() {
		close(c.stopCh)
		c.wg.Wait()
		logger.Info("relay sender closed")
	})
	return nil
}

func stateString(state ProviderState) string {
	switch state {
	case StateHealthy:
		return "HEALTHY"
	case StateDegraded:
		return "DEGRADED"
	case StateUnhealthy:
		return "UNHEALTHY"
	case StateCircuitOpen:
		return "CIRCUIT_OPEN"
	default:
		return "UNKNOWN"
	}
}
