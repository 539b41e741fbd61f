package prom

import (
	"errors"
	"fmt"
	"sync"

	xhttp "github.com/nimasrn/message-dispatcher/pkg/http"
	"github.com/nimasrn/message-dispatcher/pkg/logger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
)

const (
	SystemDispatch = "dispatch"
	SystemDelivery = "delivery"
	SystemWebhook  = "webhook"
)

const (
	MetricDispatchedTotal      = "messages_submitted_total"
	MetricDispatchBatchesTotal = "batches_total"
	MetricDeliveryOutcomeTotal = "outcomes_total"
	MetricDeliveryDuration     = "attempt_duration_seconds"
	MetricDeliveryInFlight     = "in_flight"
	MetricWebhookLatency       = "request_duration_seconds"
)

const (
	TypeCounter      = "counter"
	TypeCounterVec   = "counterVec"
	TypeHistogram    = "histogram"
	TypeHistogramVec = "histogramVec"
	TypeGaugeVec     = "gaugeVec"
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

// Create registers the dispatcher metrics on the default registry. Until it
// is called every recording helper is a no-op.
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

	hasError(createCounter(SystemDispatch, MetricDispatchedTotal))
	hasError(createCounter(SystemDispatch, MetricDispatchBatchesTotal))
	hasError(createCounterVec(SystemDelivery, MetricDeliveryOutcomeTotal, []string{"kind"}))
	hasError(createHistogramVec(SystemDelivery, MetricDeliveryDuration, []string{"kind"}))
	hasError(createGaugeVec(SystemDelivery, MetricDeliveryInFlight, []string{"processor"}))
	hasError(createHistogram(SystemWebhook, MetricWebhookLatency))

	return err
}

func CreateMetric(metricType, metricSubsystem, metricName string, labelsValues ...string) error {
	switch metricType {
	case TypeCounter:
		return createCounter(metricSubsystem, metricName)
	case TypeCounterVec:
		return createCounterVec(metricSubsystem, metricName, labelsValues)
	case TypeHistogram:
		return createHistogram(metricSubsystem, metricName)
	case TypeHistogramVec:
		return createHistogramVec(metricSubsystem, metricName, labelsValues)
	case TypeGaugeVec:
		return createGaugeVec(metricSubsystem, metricName, labelsValues)
	}
	return fmt.Errorf("metric type %s is not defined", metricType)
}

func ListenAndServer(port string, url string) {
	hh := fasthttpadaptor.NewFastHTTPHandler(promhttp.Handler())
	s := xhttp.CreateServer()
	s.GET(url, hh)
	logger.Info("[metrics-server] listening...", "url", url, "port", port)
	if err := s.ListenAndServe(port); err != nil {
		logger.Error("[metrics-server] http listen error", "error", err)
	}
}

func createCounter(subsystem, name string) error {
	lockCreateMetricLock.Lock()
	defer lockCreateMetricLock.Unlock()
	c := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace:   namespace,
		Subsystem:   subsystem,
		Name:        name,
		ConstLabels: defaultLabels,
	})
	registered, err := register(c)
	if err != nil {
		return err
	}
	MetricCollectionCounters[subsystem+name] = registered.(prometheus.Counter)
	return nil
}

func createCounterVec(subsystem, name string, labels []string) error {
	lockCreateMetricLock.Lock()
	defer lockCreateMetricLock.Unlock()
	c := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   namespace,
		Subsystem:   subsystem,
		Name:        name,
		ConstLabels: defaultLabels,
	}, labels)
	registered, err := register(c)
	if err != nil {
		return err
	}
	MetricCollectionCounterVec[subsystem+name] = registered.(*prometheus.CounterVec)
	return nil
}

func createHistogram(subsystem, name string) error {
	lockCreateMetricLock.Lock()
	defer lockCreateMetricLock.Unlock()
	h := prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace:   namespace,
		Subsystem:   subsystem,
		Name:        name,
		ConstLabels: defaultLabels,
		Buckets:     prometheus.DefBuckets,
	})
	registered, err := register(h)
	if err != nil {
		return err
	}
	MetricCollectionHistogram[subsystem+name] = registered.(prometheus.Histogram)
	return nil
}

func createHistogramVec(subsystem, name string, labels []string) error {
	lockCreateMetricLock.Lock()
	defer lockCreateMetricLock.Unlock()
	h := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace:   namespace,
		Subsystem:   subsystem,
		Name:        name,
		ConstLabels: defaultLabels,
		Buckets:     prometheus.DefBuckets,
	}, labels)
	registered, err := register(h)
	if err != nil {
		return err
	}
	MetricCollectionHistogramVec[subsystem+name] = registered.(*prometheus.HistogramVec)
	return nil
}

func createGaugeVec(subsystem, name string, labels []string) error {
	lockCreateMetricLock.Lock()
	defer lockCreateMetricLock.Unlock()
	g := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace:   namespace,
		Subsystem:   subsystem,
		Name:        name,
		ConstLabels: defaultLabels,
	}, labels)
	registered, err := register(g)
	if err != nil {
		return err
	}
	MetricCollectionGaugeVec[subsystem+name] = registered.(*prometheus.GaugeVec)
	return nil
}

// register returns the collector already registered under the same
// descriptor, so a second Create in one process reuses it.
func register(c prometheus.Collector) (prometheus.Collector, error) {
	err := prometheus.Register(c)
	var already prometheus.AlreadyRegisteredError
	if errors.As(err, &already) {
		return already.ExistingCollector, nil
	}
	return c, err
}

func IncCounter(subsystem, name string) {
	AddCounter(subsystem, name, 1)
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

func AddGaugeVec(subsystem, name string, num float64, labelValues ...string) {
	if !MetricSystemEnabled {
		return
	}
	if v, ok := MetricCollectionGaugeVec[subsystem+name]; ok {
		v.WithLabelValues(labelValues...).Add(num)
		return
	}
	logger.Warn("[metrics-server] gauge not found", "subsystem", subsystem, "name", name)
}

func IncCounterVec(subsystem, name string, labelValues ...string) {
	if !MetricSystemEnabled {
		return
	}
	if v, ok := MetricCollectionCounterVec[subsystem+name]; ok {
		v.WithLabelValues(labelValues...).Inc()
		return
	}
	logger.Warn("[metrics-server] counter vec not found", "subsystem", subsystem, "name", name)
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

func AddDispatched(count int) {
	AddCounter(SystemDispatch, MetricDispatchedTotal, float64(count))
}

func IncDispatchBatch() {
	IncCounter(SystemDispatch, MetricDispatchBatchesTotal)
}

func IncDeliveryOutcome(kind string) {
	IncCounterVec(SystemDelivery, MetricDeliveryOutcomeTotal, kind)
}

func ObserveDeliveryDuration(kind string, seconds float64) {
	AddHistogramVec(SystemDelivery, MetricDeliveryDuration, seconds, kind)
}

// AddDeliveriesInFlight moves the in-flight gauge of a processor by delta.
func AddDeliveriesInFlight(processor string, delta float64) {
	AddGaugeVec(SystemDelivery, MetricDeliveryInFlight, delta, processor)
}

func ObserveWebhookLatency(seconds float64) {
	AddHistogram(SystemWebhook, MetricWebhookLatency, seconds)
}
