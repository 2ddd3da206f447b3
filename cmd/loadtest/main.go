package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

type recipient struct {
	Email string `json:"email"`
}

type sendPayload struct {
	Recipients []recipient `json:"recipients"`
	Subject    string      `json:"subject"`
	Body       string      `json:"body"`
}

type LoadTestConfig struct {
	URL               string
	RequestsPerSecond int
	DurationSeconds   int
	ConcurrentWorkers int
	APIKey            string
}

type Stats struct {
	successCount  atomic.Int64
	quotaCount    atomic.Int64
	errorCount    atomic.Int64
	responseTimes []float64
	mu            sync.Mutex
}

func (s *Stats) addResponseTime(duration float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.responseTimes = append(s.responseTimes, duration)
}

func (s *Stats) getResponseTimes() []float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	times := make([]float64, len(s.responseTimes))
	copy(times, s.responseTimes)
	return times
}

func sendRequest(client *http.Client, config LoadTestConfig, payload []byte, stats *Stats) {
	start := time.Now()

	req, err := http.NewRequest(http.MethodPost, config.URL, bytes.NewReader(payload))
	if err != nil {
		stats.errorCount.Add(1)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", config.APIKey)

	resp, err := client.Do(req)
	stats.addResponseTime(time.Since(start).Seconds())
	if err != nil {
		stats.errorCount.Add(1)
		return
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	switch {
	case resp.StatusCode == http.StatusOK:
		stats.successCount.Add(1)
	case resp.StatusCode == http.StatusTooManyRequests:
		stats.quotaCount.Add(1)
	default:
		stats.errorCount.Add(1)
	}
}

func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	index := int(float64(len(sorted)) * p)
	if index >= len(sorted) {
		index = len(sorted) - 1
	}
	return sorted[index]
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// Drives POST /emails/send at a fixed rate. Quota rejections are counted
// apart from errors since a free tenant runs out fast.
func main() {
	config := LoadTestConfig{
		URL:               getEnvOrDefault("TARGET_URL", "http://localhost:8080/api/v1/emails/send"),
		RequestsPerSecond: getEnvIntOrDefault("REQUESTS_PER_SECOND", 200),
		DurationSeconds:   getEnvIntOrDefault("DURATION_SECONDS", 30),
		ConcurrentWorkers: getEnvIntOrDefault("CONCURRENT_WORKERS", 50),
		APIKey:            getEnvOrDefault("API_KEY", ""),
	}

	payload, err := json.Marshal(sendPayload{
		Recipients: []recipient{{Email: getEnvOrDefault("RECIPIENT", "load@example.com")}},
		Subject:    "Load test",
		Body:       `<p>Hello from the load test. <a href="https://example.com">link</a></p>`,
	})
	if err != nil {
		panic(err)
	}

	fmt.Println("Starting load test...")
	fmt.Printf("Target: %s\n", config.URL)
	fmt.Printf("Target RPS: %d\n", config.RequestsPerSecond)
	fmt.Printf("Concurrent workers: %d\n", config.ConcurrentWorkers)
	fmt.Printf("Duration: %d seconds\n", config.DurationSeconds)
	fmt.Println(strings.Repeat("-", 50))

	stats := &Stats{}
	client := &http.Client{
		Transport: &http.Transport{
			MaxIdleConns:        config.ConcurrentWorkers,
			MaxIdleConnsPerHost: config.ConcurrentWorkers,
			IdleConnTimeout:     90 * time.Second,
		},
		Timeout: 60 * time.Second,
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(config.DurationSeconds)*time.Second)
	defer cancel()

	limiter := rate.NewLimiter(rate.Limit(config.RequestsPerSecond), config.RequestsPerSecond)
	jobs := make(chan struct{}, config.RequestsPerSecond)

	var wg sync.WaitGroup
	for i := 0; i < config.ConcurrentWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range jobs {
				sendRequest(client, config, payload, stats)
			}
		}()
	}

	go func() {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for i := 1; ; i++ {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				fmt.Printf("[%ds] Success: %d | Quota: %d | Errors: %d\n",
					i, stats.successCount.Load(), stats.quotaCount.Load(), stats.errorCount.Load())
			}
		}
	}()

	startTime := time.Now()
	for limiter.Wait(ctx) == nil {
		jobs <- struct{}{}
	}
	close(jobs)
	wg.Wait()
	duration := time.Since(startTime).Seconds()

	success := stats.successCount.Load()
	quota := stats.quotaCount.Load()
	errs := stats.errorCount.Load()
	total := success + quota + errs

	times := stats.getResponseTimes()
	sort.Float64s(times)
	var avg float64
	for _, t := range times {
		avg += t
	}
	if len(times) > 0 {
		avg /= float64(len(times))
	}

	fmt.Println("\n" + strings.Repeat("=", 50))
	fmt.Println("LOAD TEST RESULTS")
	fmt.Println(strings.Repeat("=", 50))
	fmt.Printf("Duration: %.2f seconds\n", duration)
	fmt.Printf("Total requests: %d\n", total)
	fmt.Printf("Successful: %d\n", success)
	fmt.Printf("Quota exceeded: %d\n", quota)
	fmt.Printf("Failed: %d\n", errs)
	if total > 0 {
		fmt.Printf("Success rate: %.2f%%\n", float64(success)/float64(total)*100)
		fmt.Printf("\nActual RPS: %.2f\n", float64(total)/duration)
	}
	if len(times) > 0 {
		fmt.Printf("\nResponse times:\n")
		fmt.Printf("  Average: %.2f ms\n", avg*1000)
		fmt.Printf("  P50: %.2f ms\n", percentile(times, 0.50)*1000)
		fmt.Printf("  P95: %.2f ms\n", percentile(times, 0.95)*1000)
		fmt.Printf("  P99: %.2f ms\n", percentile(times, 0.99)*1000)
		fmt.Printf("  Min: %.2f ms\n", times[0]*1000)
		fmt.Printf("  Max: %.2f ms\n", times[len(times)-1]*1000)
	}
}
