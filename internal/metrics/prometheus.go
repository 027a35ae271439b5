package metrics

import (
	"log/slog"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusSink implements Sink with the Prometheus client library.
// Registration errors are logged but never propagated.
type PrometheusSink struct {
	logger *slog.Logger

	// Scheduler metrics
	triggersFiredTotal    *prometheus.CounterVec
	triggersMisfiredTotal *prometheus.CounterVec
	triggerFireErrors     prometheus.Counter
	jobsScheduled         prometheus.Gauge

	// Dispatcher metrics
	workRegisteredTotal *prometheus.CounterVec
	workDiscardedTotal  prometheus.Counter
	workCompletedTotal  *prometheus.CounterVec
	workDuration        *prometheus.HistogramVec
	workInFlight        prometheus.Gauge
	workReclaimedTotal  prometheus.Counter

	// Work queue metrics
	bufferSize       prometheus.Gauge
	bufferCapacity   prometheus.Gauge
	bufferSaturation prometheus.Gauge
	emitErrorsTotal  prometheus.Counter

	// Correlation metrics
	correlationsTotal *prometheus.CounterVec
	vanishedTotal     prometheus.Counter

	// Leader election metrics
	isLeader            prometheus.Gauge
	leaderAcquiredTotal prometheus.Counter
	leaderLostTotal     *prometheus.CounterVec
}

// NewPrometheusSink creates a sink registered on reg. A metric that fails to
// register is logged and keeps working unregistered.
func NewPrometheusSink(reg prometheus.Registerer, logger *slog.Logger) *PrometheusSink {
	if logger == nil {
		logger = slog.Default()
	}
	s := &PrometheusSink{logger: logger.With("component", "metrics")}
	s.initSchedulerMetrics(reg)
	s.initDispatcherMetrics(reg)
	s.initQueueMetrics(reg)
	s.initCorrelationMetrics(reg)
	s.initLeaderMetrics(reg)
	return s
}

func (s *PrometheusSink) initSchedulerMetrics(reg prometheus.Registerer) {
	s.triggersFiredTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "easyflow_scheduler_triggers_fired_total",
		Help: "Total number of trigger fires that registered work.",
	}, []string{"kind"})
	s.triggersMisfiredTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "easyflow_scheduler_triggers_misfired_total",
		Help: "Total number of fires later than the misfire threshold.",
	}, []string{"kind", "policy"})
	s.triggerFireErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "easyflow_scheduler_trigger_fire_errors_total",
		Help: "Total number of fires whose work registration failed.",
	})
	s.jobsScheduled = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "easyflow_scheduler_jobs",
		Help: "Number of jobs known to the scheduler.",
	})

	s.register(reg, s.triggersFiredTotal, "easyflow_scheduler_triggers_fired_total")
	s.register(reg, s.triggersMisfiredTotal, "easyflow_scheduler_triggers_misfired_total")
	s.register(reg, s.triggerFireErrors, "easyflow_scheduler_trigger_fire_errors_total")
	s.register(reg, s.jobsScheduled, "easyflow_scheduler_jobs")
}

func (s *PrometheusSink) initDispatcherMetrics(reg prometheus.Registerer) {
	s.workRegisteredTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "easyflow_dispatcher_work_registered_total",
		Help: "Total number of work items registered, by whether dispatch waits for commit.",
	}, []string{"deferred"})
	s.workDiscardedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "easyflow_dispatcher_work_discarded_total",
		Help: "Total number of registered work items dropped by a rollback or a stopped dispatcher.",
	})
	s.workCompletedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "easyflow_dispatcher_work_completed_total",
		Help: "Total number of processed work items by type and outcome.",
	}, []string{"type", "outcome"})
	s.workDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "easyflow_dispatcher_work_duration_seconds",
		Help:    "Work execution latency in seconds, transaction included.",
		Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
	}, []string{"type"})
	s.workInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "easyflow_dispatcher_work_in_flight",
		Help: "Number of work items currently executing.",
	})
	s.workReclaimedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "easyflow_reconciler_work_reclaimed_total",
		Help: "Total number of abandoned work items put back on the queue.",
	})

	s.register(reg, s.workRegisteredTotal, "easyflow_dispatcher_work_registered_total")
	s.register(reg, s.workDiscardedTotal, "easyflow_dispatcher_work_discarded_total")
	s.register(reg, s.workCompletedTotal, "easyflow_dispatcher_work_completed_total")
	s.register(reg, s.workDuration, "easyflow_dispatcher_work_duration_seconds")
	s.register(reg, s.workInFlight, "easyflow_dispatcher_work_in_flight")
	s.register(reg, s.workReclaimedTotal, "easyflow_reconciler_work_reclaimed_total")
}

func (s *PrometheusSink) initQueueMetrics(reg prometheus.Registerer) {
	s.bufferSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "easyflow_workqueue_buffer_size",
		Help: "Current number of work items in the queue buffer.",
	})
	s.bufferCapacity = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "easyflow_workqueue_buffer_capacity",
		Help: "Capacity of the queue buffer.",
	})
	s.bufferSaturation = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "easyflow_workqueue_buffer_saturation",
		Help: "Buffer size divided by capacity.",
	})
	s.emitErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "easyflow_workqueue_emit_errors_total",
		Help: "Total number of emit errors (buffer full).",
	})

	s.register(reg, s.bufferSize, "easyflow_workqueue_buffer_size")
	s.register(reg, s.bufferCapacity, "easyflow_workqueue_buffer_capacity")
	s.register(reg, s.bufferSaturation, "easyflow_workqueue_buffer_saturation")
	s.register(reg, s.emitErrorsTotal, "easyflow_workqueue_emit_errors_total")
}

func (s *PrometheusSink) initCorrelationMetrics(reg prometheus.Registerer) {
	s.correlationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "easyflow_correlation_attempts_total",
		Help: "Total number of correlation attempts by result.",
	}, []string{"result"})
	s.vanishedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "easyflow_correlation_candidates_vanished_total",
		Help: "Total number of candidate events deleted before they could be re-read.",
	})

	s.register(reg, s.correlationsTotal, "easyflow_correlation_attempts_total")
	s.register(reg, s.vanishedTotal, "easyflow_correlation_candidates_vanished_total")
}

func (s *PrometheusSink) initLeaderMetrics(reg prometheus.Registerer) {
	s.isLeader = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "easyflow_leader_is_leader",
		Help: "1 while this node holds the scheduler lock.",
	})
	s.leaderAcquiredTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "easyflow_leader_acquired_total",
		Help: "Total number of times leadership was acquired.",
	})
	s.leaderLostTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "easyflow_leader_lost_total",
		Help: "Total number of times leadership was lost, by reason.",
	}, []string{"reason"})

	s.register(reg, s.isLeader, "easyflow_leader_is_leader")
	s.register(reg, s.leaderAcquiredTotal, "easyflow_leader_acquired_total")
	s.register(reg, s.leaderLostTotal, "easyflow_leader_lost_total")
}

func (s *PrometheusSink) register(reg prometheus.Registerer, c prometheus.Collector, name string) {
	if err := reg.Register(c); err != nil {
		s.logger.Warn("failed to register metric", "metric", name, "error", err)
	}
}

// Scheduler metrics implementation

func (s *PrometheusSink) TriggerFired(kind string) {
	s.triggersFiredTotal.WithLabelValues(kind).Inc()
}

func (s *PrometheusSink) TriggerMisfired(kind, policy string) {
	s.triggersMisfiredTotal.WithLabelValues(kind, policy).Inc()
}

func (s *PrometheusSink) TriggerFireError() {
	s.triggerFireErrors.Inc()
}

func (s *PrometheusSink) JobsScheduled(count int) {
	s.jobsScheduled.Set(float64(count))
}

// Dispatcher metrics implementation

func (s *PrometheusSink) WorkRegistered(deferred bool) {
	s.workRegisteredTotal.WithLabelValues(strconv.FormatBool(deferred)).Inc()
}

func (s *PrometheusSink) WorkDiscarded(count int) {
	s.workDiscardedTotal.Add(float64(count))
}

func (s *PrometheusSink) WorkCompleted(workType, outcome string, duration time.Duration) {
	s.workCompletedTotal.WithLabelValues(workType, outcome).Inc()
	s.workDuration.WithLabelValues(workType).Observe(duration.Seconds())
}

func (s *PrometheusSink) WorkInFlightIncr() {
	s.workInFlight.Inc()
}

func (s *PrometheusSink) WorkInFlightDecr() {
	s.workInFlight.Dec()
}

func (s *PrometheusSink) WorkReclaimed(count int) {
	s.workReclaimedTotal.Add(float64(count))
}

// Work queue metrics implementation

func (s *PrometheusSink) BufferSizeUpdate(size int) {
	s.bufferSize.Set(float64(size))
}

func (s *PrometheusSink) BufferCapacitySet(capacity int) {
	s.bufferCapacity.Set(float64(capacity))
}

func (s *PrometheusSink) BufferSaturationUpdate(saturation float64) {
	s.bufferSaturation.Set(saturation)
}

func (s *PrometheusSink) EmitError() {
	s.emitErrorsTotal.Inc()
}

// Correlation metrics implementation

func (s *PrometheusSink) CorrelationMatched() {
	s.correlationsTotal.WithLabelValues("matched").Inc()
}

func (s *PrometheusSink) CorrelationUnmatched() {
	s.correlationsTotal.WithLabelValues("unmatched").Inc()
}

func (s *PrometheusSink) CandidateVanished() {
	s.vanishedTotal.Inc()
}

// Leader election metrics implementation

func (s *PrometheusSink) LeaderStatusChanged(isLeader bool) {
	if isLeader {
		s.isLeader.Set(1)
		return
	}
	s.isLeader.Set(0)
}

func (s *PrometheusSink) LeaderAcquired() {
	s.leaderAcquiredTotal.Inc()
}

func (s *PrometheusSink) LeaderLost(reason string) {
	s.leaderLostTotal.WithLabelValues(reason).Inc()
}
