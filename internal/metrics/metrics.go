// Package metrics exposes Prometheus instrumentation for linkpool engines.
//
// Every method is safe on a nil *Metrics so engines can run uninstrumented
// in tests and one-shot CLI commands.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Namespace prefixes every linkpool metric.
const Namespace = "linkpool"

// Metrics holds all Prometheus collectors.
type Metrics struct {
	// Dedup metrics
	DedupScanned    prometheus.Counter
	DedupGroups     prometheus.Counter
	DedupPrimaries  prometheus.Counter
	DedupDuplicates prometheus.Counter
	DedupWrites     *prometheus.CounterVec
	DedupConflicts  prometheus.Counter

	// Lease metrics
	LeaseClaims      *prometheus.CounterVec
	LeaseCompletions *prometheus.CounterVec
	LeaseReclaimed   prometheus.Counter
	LeaseRequeued    prometheus.Counter

	// Inbound metrics
	InboundAllocations *prometheus.CounterVec

	// Bridge metrics
	BridgeCalls        *prometheus.CounterVec
	BridgeRestarts     prometheus.Counter
	BridgeCallDuration prometheus.Histogram

	// Conversion metrics
	ConvertedLinks *prometheus.CounterVec

	// Scheduled job metrics
	JobRuns     *prometheus.CounterVec
	JobDuration *prometheus.HistogramVec
}

// New creates and registers all collectors on reg. A nil reg uses the
// default registerer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	m := &Metrics{}
	m.initDedup(factory)
	m.initLease(factory)
	m.initBridge(factory)
	m.initJobs(factory)
	return m
}

func counter(factory promauto.Factory, subsystem, name, help string) prometheus.Counter {
	return factory.NewCounter(prometheus.CounterOpts{
		Namespace: Namespace,
		Subsystem: subsystem,
		Name:      name,
		Help:      help,
	})
}

func counterVec(factory promauto.Factory, subsystem, name, help string, labels ...string) *prometheus.CounterVec {
	return factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Subsystem: subsystem,
		Name:      name,
		Help:      help,
	}, labels)
}

func (m *Metrics) initDedup(factory promauto.Factory) {
	m.DedupScanned = counter(factory, "dedup", "candidates_scanned_total", "Unchecked links read by dedup passes")
	m.DedupGroups = counter(factory, "dedup", "groups_total", "Digest groups built by dedup passes")
	m.DedupPrimaries = counter(factory, "dedup", "primaries_total", "Links marked primary")
	m.DedupDuplicates = counter(factory, "dedup", "duplicates_total", "Links marked duplicate")
	m.DedupWrites = counterVec(factory, "dedup", "writes_total", "Guarded dedup writes by outcome", "outcome")
	m.DedupConflicts = counter(factory, "dedup", "conflicts_total", "Groups whose existing anchor had a higher id than the new leader")
}

func (m *Metrics) initLease(factory promauto.Factory) {
	m.LeaseClaims = counterVec(factory, "lease", "claims_total", "Claim attempts by outcome", "outcome")
	m.LeaseCompletions = counterVec(factory, "lease", "completions_total", "Test completions by result", "result")
	m.LeaseReclaimed = counter(factory, "lease", "reclaimed_total", "Expired leases returned to idle")
	m.LeaseRequeued = counter(factory, "lease", "requeued_total", "Finished links requeued for retest")
	m.InboundAllocations = counterVec(factory, "inbound", "allocations_total", "Test inbound allocation attempts by outcome", "outcome")
}

func (m *Metrics) initBridge(factory promauto.Factory) {
	m.BridgeCalls = counterVec(factory, "bridge", "calls_total", "Conversion calls by result", "result")
	m.BridgeRestarts = counter(factory, "bridge", "starts_total", "Conversion process starts")
	m.BridgeCallDuration = factory.NewHistogram(prometheus.HistogramOpts{
		Namespace: Namespace,
		Subsystem: "bridge",
		Name:      "call_duration_seconds",
		Help:      "Duration of conversion calls",
		Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10),
	})
	m.ConvertedLinks = counterVec(factory, "convert", "links_total", "Links processed by the conversion job by result", "result")
}

func (m *Metrics) initJobs(factory promauto.Factory) {
	m.JobRuns = counterVec(factory, "daemon", "job_runs_total", "Scheduled job runs by job and status", "job", "status")
	m.JobDuration = factory.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: Namespace,
		Subsystem: "daemon",
		Name:      "job_duration_seconds",
		Help:      "Duration of scheduled job runs",
		Buckets:   prometheus.ExponentialBuckets(0.01, 2, 15),
	}, []string{"job"})
}

// DedupPass records the counters of one dedup pass.
func (m *Metrics) DedupPass(scanned, groups, primaries, duplicates, applied, skipped, conflicts int) {
	if m == nil {
		return
	}
	m.DedupScanned.Add(float64(scanned))
	m.DedupGroups.Add(float64(groups))
	m.DedupPrimaries.Add(float64(primaries))
	m.DedupDuplicates.Add(float64(duplicates))
	m.DedupWrites.WithLabelValues("applied").Add(float64(applied))
	m.DedupWrites.WithLabelValues("skipped").Add(float64(skipped))
	m.DedupConflicts.Add(float64(conflicts))
}

// Claims records claim attempts that were won and lost.
func (m *Metrics) Claims(won, lost int) {
	if m == nil {
		return
	}
	m.LeaseClaims.WithLabelValues("won").Add(float64(won))
	m.LeaseClaims.WithLabelValues("lost").Add(float64(lost))
}

// Completion records a test completion result: done, failed or lost.
func (m *Metrics) Completion(result string) {
	if m == nil {
		return
	}
	m.LeaseCompletions.WithLabelValues(result).Inc()
}

// Reclaimed records expired leases returned to idle.
func (m *Metrics) Reclaimed(n int) {
	if m == nil {
		return
	}
	m.LeaseReclaimed.Add(float64(n))
}

// Requeued records finished links returned to idle.
func (m *Metrics) Requeued(n int) {
	if m == nil {
		return
	}
	m.LeaseRequeued.Add(float64(n))
}

// Allocation records a test inbound allocation attempt outcome.
func (m *Metrics) Allocation(outcome string) {
	if m == nil {
		return
	}
	m.InboundAllocations.WithLabelValues(outcome).Inc()
}

// BridgeCall records one conversion call.
func (m *Metrics) BridgeCall(result string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.BridgeCalls.WithLabelValues(result).Inc()
	m.BridgeCallDuration.Observe(elapsed.Seconds())
}

// BridgeStarted records a conversion process start.
func (m *Metrics) BridgeStarted() {
	if m == nil {
		return
	}
	m.BridgeRestarts.Inc()
}

// Converted records a conversion job result.
func (m *Metrics) Converted(result string) {
	if m == nil {
		return
	}
	m.ConvertedLinks.WithLabelValues(result).Inc()
}

// JobRun records a scheduled job run.
func (m *Metrics) JobRun(job string, err error, elapsed time.Duration) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.JobRuns.WithLabelValues(job, status).Inc()
	m.JobDuration.WithLabelValues(job).Observe(elapsed.Seconds())
}
