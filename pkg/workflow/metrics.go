package workflow

import (
	"fmt"
	"sync"
	"time"

	"github.com/function61/edgecert/pkg/certlifecycle"
	"github.com/prometheus/client_golang/prometheus"
)

type StepMetric struct {
	Name           string
	ExecutionCount uint64
	TotalDuration  time.Duration
	LastError      error // of the latest execution. nil if it succeeded
}

type StepSnapshot struct {
	AverageDuration time.Duration `json:"average_duration"`
	Count           uint64        `json:"count"`
	LastError       string        `json:"last_error,omitempty"`
}

type Snapshot struct {
	TotalIterations      uint64                  `json:"total_iterations"`
	SuccessfulIterations uint64                  `json:"successful_iterations"`
	FailedIterations     uint64                  `json:"failed_iterations"`
	CancelledIterations  uint64                  `json:"cancelled_iterations"`
	SuccessRate          float64                 `json:"success_rate"` // 0..1. 0 when nothing has run
	Uptime               time.Duration           `json:"uptime"`
	StepMetrics          map[string]StepSnapshot `json:"step_metrics"`
}

func (s Snapshot) String() string {
	return fmt.Sprintf(
		"iterations=%d succeeded=%d failed=%d success_rate=%.2f uptime=%s",
		s.TotalIterations,
		s.SuccessfulIterations,
		s.FailedIterations,
		s.SuccessRate,
		s.Uptime.Truncate(time.Second))
}

// Metrics accumulate for the lifetime of the process. Safe to read while the loop is
// mutating them; readers get a consistent-enough snapshot, not a point-in-time view of the
// whole iteration. Doubles as a Prometheus collector.
type Metrics struct {
	identity    string
	started     time.Time
	sequence    uint64
	succeeded   uint64
	failed      uint64
	cancelled   uint64
	steps       map[string]*StepMetric
	stepOrder   []string
	certificate *certlifecycle.CertificateStatus
	mu          sync.Mutex
}

var _ prometheus.Collector = (*Metrics)(nil)

func NewMetrics(identity string) *Metrics {
	return &Metrics{
		identity: identity,
		started:  time.Now(),
		steps:    map[string]*StepMetric{},
	}
}

func (m *Metrics) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	total := m.succeeded + m.failed

	successRate := 0.0
	if total > 0 {
		successRate = float64(m.succeeded) / float64(total)
	}

	steps := map[string]StepSnapshot{}
	for name, step := range m.steps {
		snap := StepSnapshot{Count: step.ExecutionCount}
		if step.ExecutionCount > 0 {
			snap.AverageDuration = step.TotalDuration / time.Duration(step.ExecutionCount)
		}
		if step.LastError != nil {
			snap.LastError = step.LastError.Error()
		}

		steps[name] = snap
	}

	return Snapshot{
		TotalIterations:      total,
		SuccessfulIterations: m.succeeded,
		FailedIterations:     m.failed,
		CancelledIterations:  m.cancelled,
		SuccessRate:          successRate,
		Uptime:               time.Since(m.started),
		StepMetrics:          steps,
	}
}

// latest observed certificate status (for expiry gauges)
func (m *Metrics) ObserveCertificate(status certlifecycle.CertificateStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.certificate = &status
}

func (m *Metrics) registerStep(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.steps[name]; exists {
		return
	}

	m.steps[name] = &StepMetric{Name: name}
	m.stepOrder = append(m.stepOrder, name)
}

func (m *Metrics) iterationStarted() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.sequence++
	return m.sequence
}

func (m *Metrics) iterationFinished(success bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if success {
		m.succeeded++
	} else {
		m.failed++
	}
}

func (m *Metrics) iterationCancelled() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.cancelled++
}

func (m *Metrics) stepExecuted(name string, duration time.Duration, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	step, found := m.steps[name]
	if !found {
		step = &StepMetric{Name: name}
		m.steps[name] = step
		m.stepOrder = append(m.stepOrder, name)
	}

	step.ExecutionCount++
	step.TotalDuration += duration
	step.LastError = err
}

var (
	iterationsDesc = prometheus.NewDesc(
		"edgecert_iterations_total",
		"Lifecycle iterations by result",
		[]string{"identity", "result"},
		nil)
	uptimeDesc = prometheus.NewDesc(
		"edgecert_uptime_seconds",
		"Time since the agent started",
		[]string{"identity"},
		nil)
	stepExecutionsDesc = prometheus.NewDesc(
		"edgecert_step_executions_total",
		"Workflow step executions",
		[]string{"identity", "step"},
		nil)
	stepDurationDesc = prometheus.NewDesc(
		"edgecert_step_duration_seconds_total",
		"Cumulative time spent in a workflow step",
		[]string{"identity", "step"},
		nil)
	stepFailingDesc = prometheus.NewDesc(
		"edgecert_step_last_execution_failed",
		"1 if the latest execution of a step failed",
		[]string{"identity", "step"},
		nil)
	certExpiryDesc = prometheus.NewDesc(
		"edgecert_certificate_expiry_timestamp_seconds",
		"NotAfter of the published certificate",
		[]string{"identity"},
		nil)
	certRenewAtDesc = prometheus.NewDesc(
		"edgecert_certificate_renew_at_timestamp_seconds",
		"When the published certificate crosses the renewal threshold",
		[]string{"identity"},
		nil)
	certLifetimeDesc = prometheus.NewDesc(
		"edgecert_certificate_lifetime_elapsed_percent",
		"How much of the published certificate's validity window has passed",
		[]string{"identity"},
		nil)
)

func (m *Metrics) Describe(ch chan<- *prometheus.Desc) {
	ch <- iterationsDesc
	ch <- uptimeDesc
	ch <- stepExecutionsDesc
	ch <- stepDurationDesc
	ch <- stepFailingDesc
	ch <- certExpiryDesc
	ch <- certRenewAtDesc
	ch <- certLifetimeDesc
}

func (m *Metrics) Collect(ch chan<- prometheus.Metric) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ch <- prometheus.MustNewConstMetric(iterationsDesc, prometheus.CounterValue, float64(m.succeeded), m.identity, "success")
	ch <- prometheus.MustNewConstMetric(iterationsDesc, prometheus.CounterValue, float64(m.failed), m.identity, "failure")
	ch <- prometheus.MustNewConstMetric(iterationsDesc, prometheus.CounterValue, float64(m.cancelled), m.identity, "cancelled")
	ch <- prometheus.MustNewConstMetric(uptimeDesc, prometheus.GaugeValue, time.Since(m.started).Seconds(), m.identity)

	for _, name := range m.stepOrder {
		step := m.steps[name]

		failing := 0.0
		if step.LastError != nil {
			failing = 1
		}

		ch <- prometheus.MustNewConstMetric(stepExecutionsDesc, prometheus.CounterValue, float64(step.ExecutionCount), m.identity, name)
		ch <- prometheus.MustNewConstMetric(stepDurationDesc, prometheus.CounterValue, step.TotalDuration.Seconds(), m.identity, name)
		ch <- prometheus.MustNewConstMetric(stepFailingDesc, prometheus.GaugeValue, failing, m.identity, name)
	}

	if cert := m.certificate; cert != nil && cert.Exists && !cert.Corrupt {
		ch <- prometheus.MustNewConstMetric(certExpiryDesc, prometheus.GaugeValue, float64(cert.ExpiryTime.Unix()), m.identity)
		ch <- prometheus.MustNewConstMetric(certLifetimeDesc, prometheus.GaugeValue, *cert.LifetimeElapsedPercent, m.identity)

		if cert.RenewAt != nil {
			ch <- prometheus.MustNewConstMetric(certRenewAtDesc, prometheus.GaugeValue, float64(cert.RenewAt.Unix()), m.identity)
		}
	}
}

// several agents' metrics as one collector. registering each Metrics separately would
// clash, as they share descriptors and differ only by the identity label
type MetricsSet []*Metrics

var _ prometheus.Collector = MetricsSet(nil)

func (m MetricsSet) Describe(ch chan<- *prometheus.Desc) {
	(&Metrics{}).Describe(ch)
}

func (m MetricsSet) Collect(ch chan<- prometheus.Metric) {
	for _, metrics := range m {
		metrics.Collect(ch)
	}
}
