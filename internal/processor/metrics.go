package processor

import (
	"sync/atomic"
	"time"
)

// ServiceMetrics counts job outcomes of one processor instance. The
// prometheus counters in pkg/prom are the fleet-wide view; these feed the
// periodic log line.
type ServiceMetrics struct {
	dispatched atomic.Int64
	retried    atomic.Int64
	dropped    atomic.Int64
	busyNs     atomic.Int64
	since      atomic.Int64
}

func NewServiceMetrics() *ServiceMetrics {
	m := &ServiceMetrics{}
	m.since.Store(time.Now().UnixNano())
	return m
}

// RecordDispatched counts a job whose email left through the provider or
// was already sent.
func (m *ServiceMetrics) RecordDispatched(took time.Duration) {
	m.dispatched.Add(1)
	m.busyNs.Add(int64(took))
}

// RecordFailure counts a failed job. Jobs the scheduler will run again are
// retried; final or permanent failures are dropped.
func (m *ServiceMetrics) RecordFailure(retry bool) {
	if retry {
		m.retried.Add(1)
		return
	}
	m.dropped.Add(1)
}

func (m *ServiceMetrics) GetStats() map[string]interface{} {
	dispatched := m.dispatched.Load()
	elapsed := time.Since(time.Unix(0, m.since.Load())).Seconds()

	rate := 0.0
	if elapsed > 0 {
		rate = float64(dispatched) / elapsed
	}
	avg := time.Duration(0)
	if dispatched > 0 {
		avg = time.Duration(m.busyNs.Load() / dispatched)
	}

	return map[string]interface{}{
		"dispatched":      dispatched,
		"retried":         m.retried.Load(),
		"dropped":         m.dropped.Load(),
		"rate_per_second": rate,
		"avg_dispatch_ms": avg.Milliseconds(),
		"uptime_seconds":  elapsed,
	}
}

func (m *ServiceMetrics) Reset() {
	m.dispatched.Store(0)
	m.retried.Store(0)
	m.dropped.Store(0)
	m.busyNs.Store(0)
	m.since.Store(time.Now().UnixNano())
}
