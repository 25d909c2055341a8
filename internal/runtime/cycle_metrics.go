package runtime

import (
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/drblury/dequeueflow/internal/runtime/cycle"
	"github.com/drblury/dequeueflow/transport"
)

// CycleMetrics tracks dequeue cycle statistics per endpoint.
type CycleMetrics struct {
	mu sync.RWMutex

	// Per-endpoint counts
	endpointCounts map[string]*EndpointMetrics

	// Prometheus collectors
	cyclesTotal      *prometheus.CounterVec
	messagesTotal    *prometheus.CounterVec
	journaledTotal   *prometheus.CounterVec
	failuresTotal    *prometheus.CounterVec
	queueDepth       *prometheus.GaugeVec
	cycleSecondsHist *prometheus.HistogramVec

	registerer prometheus.Registerer
	registered bool
}

// EndpointMetrics holds metrics for one endpoint's worker.
type EndpointMetrics struct {
	Cycles           uint64    `json:"cycles"`
	MessagesReceived uint64    `json:"messages_received"`
	EmptyReceives    uint64    `json:"empty_receives"`
	Journaled        uint64    `json:"journaled"`
	Failures         uint64    `json:"failures"`
	AccessDenied     uint64    `json:"access_denied"`
	QueueDepth       int64     `json:"queue_depth"`
	LastMessageAt    time.Time `json:"last_message_at,omitempty"`
	LastError        string    `json:"last_error,omitempty"`
	LastErrorAt      time.Time `json:"last_error_at,omitempty"`
	LastUpdatedAt    time.Time `json:"last_updated_at"`
}

// CycleMetricsSnapshot provides a point-in-time view of cycle metrics.
type CycleMetricsSnapshot struct {
	TotalCycles     uint64                      `json:"total_cycles"`
	TotalMessages   uint64                      `json:"total_messages"`
	TotalFailures   uint64                      `json:"total_failures"`
	EndpointMetrics map[string]*EndpointMetrics `json:"endpoint_metrics"`
	CollectedAt     time.Time                   `json:"collected_at"`
}

// Failure kinds used as the "kind" label of dequeueflow_cycle_failures_total.
const (
	FailureKindAccessDenied = "access_denied"
	FailureKindOpen         = "open"
	FailureKindTransport    = "transport"
	FailureKindTransaction  = "transaction"
	FailureKindJournal      = "journal"
	FailureKindHandler      = "handler"
	FailureKindUnknown      = "unknown"
)

// newCycleCounterVec creates a new counter vec with standard dequeueflow/cycle namespace.
func newCycleCounterVec(name, help string, labels []string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dequeueflow",
			Subsystem: "cycle",
			Name:      name,
			Help:      help,
		},
		labels,
	)
}

// newCycleGaugeVec creates a new gauge vec with standard dequeueflow/cycle namespace.
func newCycleGaugeVec(name, help string, labels []string) *prometheus.GaugeVec {
	return prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "dequeueflow",
			Subsystem: "cycle",
			Name:      name,
			Help:      help,
		},
		labels,
	)
}

// newCycleHistogramVec creates a new histogram vec with standard dequeueflow/cycle namespace.
func newCycleHistogramVec(name, help string, buckets []float64, labels []string) *prometheus.HistogramVec {
	return prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "dequeueflow",
			Subsystem: "cycle",
			Name:      name,
			Help:      help,
			Buckets:   buckets,
		},
		labels,
	)
}

// NewCycleMetrics creates a new cycle metrics collector.
func NewCycleMetrics(registerer prometheus.Registerer) *CycleMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	return &CycleMetrics{
		endpointCounts:   make(map[string]*EndpointMetrics),
		registerer:       registerer,
		cyclesTotal:      newCycleCounterVec("cycles_total", "Total number of dequeue cycles by outcome", []string{"endpoint", "outcome"}),
		messagesTotal:    newCycleCounterVec("messages_received_total", "Total number of messages received", []string{"endpoint"}),
		journaledTotal:   newCycleCounterVec("journal_messages_total", "Total number of journal copies sent", []string{"endpoint"}),
		failuresTotal:    newCycleCounterVec("failures_total", "Total number of failed cycles by failure kind", []string{"endpoint", "kind"}),
		queueDepth:       newCycleGaugeVec("queue_depth", "Approximate number of messages waiting on the endpoint queue", []string{"endpoint"}),
		cycleSecondsHist: newCycleHistogramVec("duration_seconds", "Duration of a dequeue cycle including the blocking receive", []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30}, []string{"endpoint"}),
	}
}

// Register registers the Prometheus collectors. Safe to call multiple times.
func (m *CycleMetrics) Register() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.registered {
		return nil
	}

	collectors := []prometheus.Collector{
		m.cyclesTotal,
		m.messagesTotal,
		m.journaledTotal,
		m.failuresTotal,
		m.queueDepth,
		m.cycleSecondsHist,
	}

	for _, c := range collectors {
		if err := m.registerer.Register(c); err != nil {
			// Check if it's already registered (not an error)
			var already prometheus.AlreadyRegisteredError
			if !errors.As(err, &already) {
				return err
			}
		}
	}

	m.registered = true
	return nil
}

// RecordCycle records the outcome of one finished cycle. err is nil for
// successful cycles.
func (m *CycleMetrics) RecordCycle(ctx CycleContext, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	metrics := m.getOrCreateEndpointMetrics(ctx.Endpoint)
	metrics.Cycles++
	metrics.LastUpdatedAt = now

	outcome := ctx.Outcome.String()
	if err != nil && ctx.Outcome == cycle.DequeueReceived {
		// received, but a later stage failed
		outcome = "failed"
	}
	m.cyclesTotal.WithLabelValues(ctx.Endpoint, outcome).Inc()
	m.cycleSecondsHist.WithLabelValues(ctx.Endpoint).Observe(ctx.Duration.Seconds())

	switch ctx.Outcome {
	case cycle.DequeueReceived:
		metrics.MessagesReceived++
		metrics.LastMessageAt = now
		m.messagesTotal.WithLabelValues(ctx.Endpoint).Inc()
	case cycle.DequeueTimedOut:
		metrics.EmptyReceives++
	}
	if ctx.Journaled {
		metrics.Journaled++
		m.journaledTotal.WithLabelValues(ctx.Endpoint).Inc()
	}

	if err != nil {
		kind := FailureKind(err)
		metrics.Failures++
		if kind == FailureKindAccessDenied {
			metrics.AccessDenied++
		}
		metrics.LastError = err.Error()
		metrics.LastErrorAt = now
		m.failuresTotal.WithLabelValues(ctx.Endpoint, kind).Inc()
	}
}

// FailureKind classifies a cycle error by the stage that failed.
func FailureKind(err error) string {
	if transport.IsAccessDenied(err) {
		return FailureKindAccessDenied
	}
	stage, ok := cycle.FailedStage(err)
	if !ok {
		return FailureKindUnknown
	}
	switch stage {
	case cycle.StageStart:
		return FailureKindOpen
	case cycle.StageReceiveMessage:
		return FailureKindTransport
	case cycle.StageSendJournalMessage:
		return FailureKindJournal
	case cycle.StageHandleMessage:
		return FailureKindHandler
	default:
		return FailureKindTransaction
	}
}

// SetQueueDepth sets the last observed queue depth of an endpoint.
func (m *CycleMetrics) SetQueueDepth(endpoint string, depth int64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	metrics := m.getOrCreateEndpointMetrics(endpoint)
	metrics.QueueDepth = depth
	metrics.LastUpdatedAt = time.Now()

	m.queueDepth.WithLabelValues(endpoint).Set(float64(depth))
}

// GetSnapshot returns a point-in-time snapshot of all cycle metrics.
func (m *CycleMetrics) GetSnapshot() CycleMetricsSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snapshot := CycleMetricsSnapshot{
		EndpointMetrics: make(map[string]*EndpointMetrics),
		CollectedAt:     time.Now(),
	}

	for endpoint, metrics := range m.endpointCounts {
		metricsCopy := *metrics
		snapshot.EndpointMetrics[endpoint] = &metricsCopy
		snapshot.TotalCycles += metrics.Cycles
		snapshot.TotalMessages += metrics.MessagesReceived
		snapshot.TotalFailures += metrics.Failures
	}

	return snapshot
}

// GetEndpointMetrics returns metrics for a specific endpoint.
func (m *CycleMetrics) GetEndpointMetrics(endpoint string) *EndpointMetrics {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if metrics, ok := m.endpointCounts[endpoint]; ok {
		metricsCopy := *metrics
		return &metricsCopy
	}
	return nil
}

func (m *CycleMetrics) getOrCreateEndpointMetrics(endpoint string) *EndpointMetrics {
	if metrics, ok := m.endpointCounts[endpoint]; ok {
		return metrics
	}
	metrics := &EndpointMetrics{}
	m.endpointCounts[endpoint] = metrics
	return metrics
}

// Reset resets all metrics (useful for testing).
func (m *CycleMetrics) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.endpointCounts = make(map[string]*EndpointMetrics)
	m.cyclesTotal.Reset()
	m.messagesTotal.Reset()
	m.journaledTotal.Reset()
	m.failuresTotal.Reset()
	m.queueDepth.Reset()
	m.cycleSecondsHist.Reset()
}
