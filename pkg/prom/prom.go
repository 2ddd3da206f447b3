package prom

import (
	"sync"

	xhttp "github.com/nimasrn/email-gateway/pkg/http"
	"github.com/nimasrn/email-gateway/pkg/logger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
)

const (
	SystemDispatch  = "dispatch"
	SystemTracking  = "tracking"
	SystemScheduler = "scheduler"
	SystemBulk      = "bulk"
	SystemRelay     = "relay"
)

const (
	MetricDispatchTotal     = "emails_total"
	MetricDispatchDuration  = "duration_seconds"
	MetricTrackingEvents    = "events_total"
	MetricSchedulerJobs     = "jobs_total"
	MetricSchedulerDepth    = "queue_depth"
	MetricSchedulerRecovery = "recovered_total"
	MetricBulkRecipients    = "recipients_total"
	MetricBulkBatchDuration = "batch_duration_seconds"
	MetricRelayScore        = "provider_score"
)

var lockCreateMetricLock = &sync.Mutex{}
var namespace = "none"

var MetricSystemEnabled = false

var MetricCollectionCounters = make(map[string]prometheus.Counter)
var MetricCollectionCounterVec = make(map[string]*prometheus.CounterVec)
var MetricCollectionGaugeVec = make(map[string]*prometheus.GaugeVec)
var MetricCollectionHistogram = make(map[string]prometheus.Histogram)
var MetricCollectionHistogramVec = make(map[string]*prometheus.HistogramVec)

var defaultLabels prometheus.Labels

func Create(host string, env string, nameSpace string) error {
	defaultLabels = make(prometheus.Labels)
	defaultLabels["env"] = env
	defaultLabels["instance"] = host
	namespace = nameSpace
	MetricSystemEnabled = true

	var err error
	hasError := func(e error) {
		if err == nil && e != nil {
			err = e
		}
	}

	hasError(createCounterVec(SystemDispatch, MetricDispatchTotal, []string{"outcome"}))
	hasError(createHistogramVec(SystemDispatch, MetricDispatchDuration, []string{"driver"}))
	hasError(createCounterVec(SystemTracking, MetricTrackingEvents, []string{"type"}))
	hasError(createCounterVec(SystemScheduler, MetricSchedulerJobs, []string{"event"}))
	hasError(createGaugeVec(SystemScheduler, MetricSchedulerDepth, []string{"state"}))
	hasError(createCounter(SystemScheduler, MetricSchedulerRecovery))
	hasError(createCounter(SystemBulk, MetricBulkRecipients))
	hasError(createHistogram(SystemBulk, MetricBulkBatchDuration))
	hasError(createGaugeVec(SystemRelay, MetricRelayScore, []string{"provider"}))

	return err
}

// ListenAndServer exposes the default registry on addr+url. It returns the
// engine so the caller can shut it down.
func ListenAndServer(addr string, url string) *xhttp.Engine {
	hh := fasthttpadaptor.NewFastHTTPHandler(promhttp.Handler())
	s := xhttp.CreateServer()
	s.GET(url, hh)
	go func() {
		logger.Info("[metrics-server] listening...", "addr", addr, "url", url)
		if err := s.ListenAndServe(addr); err != nil {
			logger.Error("[metrics-server] http listen error", "error", err)
		}
	}()
	return s
}

func createCounter(subsystem, name string) error {
	lockCreateMetricLock.Lock()
	defer lockCreateMetricLock.Unlock()
	MetricCollectionCounters[subsystem+name] = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace:   namespace,
		Subsystem:   subsystem,
		Name:        name,
		Help:        "",
		ConstLabels: defaultLabels,
	})
	return prometheus.Register(MetricCollectionCounters[subsystem+name])
}

func createCounterVec(subsystem, name string, labels []string) error {
	lockCreateMetricLock.Lock()
	defer lockCreateMetricLock.Unlock()
	MetricCollectionCounterVec[subsystem+name] = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   namespace,
		Subsystem:   subsystem,
		Name:        name,
		Help:        "",
		ConstLabels: defaultLabels,
	}, labels)
	return prometheus.Register(MetricCollectionCounterVec[subsystem+name])
}

func createHistogram(subsystem, name string) error {
	lockCreateMetricLock.Lock()
	defer lockCreateMetricLock.Unlock()
	MetricCollectionHistogram[subsystem+name] = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace:   namespace,
		Subsystem:   subsystem,
		Name:        name,
		Help:        "",
		ConstLabels: defaultLabels,
		Buckets:     prometheus.DefBuckets,
	})
	return prometheus.Register(MetricCollectionHistogram[subsystem+name])
}

func createHistogramVec(subsystem, name string, labels []string) error {
	lockCreateMetricLock.Lock()
	defer lockCreateMetricLock.Unlock()
	MetricCollectionHistogramVec[subsystem+name] = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace:   namespace,
		Subsystem:   subsystem,
		Name:        name,
		Help:        "",
		ConstLabels: defaultLabels,
	}, labels)
	return prometheus.Register(MetricCollectionHistogramVec[subsystem+name])
}

func createGaugeVec(subsystem, name string, labels []string) error {
	lockCreateMetricLock.Lock()
	defer lockCreateMetricLock.Unlock()

	MetricCollectionGaugeVec[subsystem+name] = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace:   namespace,
		Subsystem:   subsystem,
		Name:        name,
		Help:        "",
		ConstLabels: defaultLabels,
	}, labels)
	return prometheus.Register(MetricCollectionGaugeVec[subsystem+name])
}

func AddCounter(subsystem, name string, number float64) {
	if !MetricSystemEnabled {
		return
	}
	if v, ok := MetricCollectionCounters[subsystem+name]; ok {
		v.Add(number)
		return
	}
	logger.Warn("[metrics-server] counter not found", "subsystem", subsystem, "name", name)
}

func SetGaugeVec(subsystem, name string, num float64, labelValues ...string) {
	if !MetricSystemEnabled {
		return
	}
	if v, ok := MetricCollectionGaugeVec[subsystem+name]; ok {
		v.WithLabelValues(labelValues...).Set(num)
		return
	}
	logger.Warn("[metrics-server] gauge not found", "subsystem", subsystem, "name", name)
}

func AddCounterVec(subsystem, name string, num float64, labelValues ...string) {
	if !MetricSystemEnabled {
		return
	}
	if v, ok := MetricCollectionCounterVec[subsystem+name]; ok {
		v.WithLabelValues(labelValues...).Add(num)
		return
	}
	logger.Warn("[metrics-server] counter vec not found", "subsystem", subsystem, "name", name)
}

func IncCounterVec(subsystem, name string, labelValues ...string) {
	AddCounterVec(subsystem, name, 1, labelValues...)
}

func AddHistogram(subsystem, name string, number float64) {
	if !MetricSystemEnabled {
		return
	}
	if v, ok := MetricCollectionHistogram[subsystem+name]; ok {
		v.Observe(number)
		return
	}
	logger.Warn("[metrics-server] histogram not found", "subsystem", subsystem, "name", name)
}

func AddHistogramVec(subsystem, name string, number float64, labelValues ...string) {
	if !MetricSystemEnabled {
		return
	}
	if v, ok := MetricCollectionHistogramVec[subsystem+name]; ok {
		v.WithLabelValues(labelValues...).Observe(number)
		return
	}
	logger.Warn("[metrics-server] histogram vec not found", "subsystem", subsystem, "name", name)
}

func IncDispatch(outcome string) {
	IncCounterVec(SystemDispatch, MetricDispatchTotal, outcome)
}

func ObserveDispatchDuration(seconds float64, driver string) {
	AddHistogramVec(SystemDispatch, MetricDispatchDuration, seconds, driver)
}

func IncTrackingEvent(eventType string) {
	IncCounterVec(SystemTracking, MetricTrackingEvents, eventType)
}

func IncSchedulerJob(event string) {
	IncCounterVec(SystemScheduler, MetricSchedulerJobs, event)
}

// SetQueueDepth publishes one scheduler backlog figure, labelled by state.
func SetQueueDepth(state string, n int64) {
	SetGaugeVec(SystemScheduler, MetricSchedulerDepth, float64(n), state)
}

func AddRecovered(n int) {
	AddCounter(SystemScheduler, MetricSchedulerRecovery, float64(n))
}

func AddBulkRecipients(n int) {
	AddCounter(SystemBulk, MetricBulkRecipients, float64(n))
}

func ObserveBulkBatch(seconds float64) {
	AddHistogram(SystemBulk, MetricBulkBatchDuration, seconds)
}

func SetProviderScore(provider string, score float64) {
	SetGaugeVec(SystemRelay, MetricRelayScore, score, provider)
}
