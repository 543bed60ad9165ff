// Package metrics provides Prometheus instrumentation for Alexander Drive.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "alexander_drive"

// Metrics holds all collectors. Recording methods are safe to call on a
// nil *Metrics.
type Metrics struct {
	// Operations
	OperationsTotal   *prometheus.CounterVec
	OperationDuration *prometheus.HistogramVec

	// Deduplication
	DedupHitsTotal     prometheus.Counter
	BytesUploadedTotal prometheus.Counter
	BytesStoredTotal   prometheus.Counter
	BytesSavedTotal    prometheus.Counter
	BytesFreedTotal    prometheus.Counter

	// Failure handling
	TxRetriesTotal      prometheus.Counter
	CompensationsTotal  *prometheus.CounterVec
	UnderflowsTotal     prometheus.Counter
	PendingRemovalTotal prometheus.Counter

	// Garbage collection
	GCRunsTotal         prometheus.Counter
	GCBlobsDeletedTotal prometheus.Counter
	GCBytesFreedTotal   prometheus.Counter
	GCDuration          prometheus.Histogram
	GCLastRunTime       prometheus.Gauge
	GCOrphanBlobs       prometheus.Gauge
}

// New creates and registers all collectors with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	return &Metrics{
		OperationsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_total",
			Help:      "Upload and delete operations by result.",
		}, []string{"operation", "result"}),

		OperationDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "operation_duration_seconds",
			Help:      "Duration of upload and delete operations.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10),
		}, []string{"operation"}),

		DedupHitsTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dedup_hits_total",
			Help:      "Uploads whose content was already stored.",
		}),
		BytesUploadedTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_uploaded_total",
			Help:      "Logical bytes accepted by uploads.",
		}),
		BytesStoredTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_stored_total",
			Help:      "Physical bytes written by uploads.",
		}),
		BytesSavedTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_saved_total",
			Help:      "Bytes not written because the content was a duplicate.",
		}),
		BytesFreedTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_freed_total",
			Help:      "Physical bytes released by deletes.",
		}),

		TxRetriesTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tx_retries_total",
			Help:      "Transactions retried after a conflict.",
		}),
		CompensationsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "compensations_total",
			Help:      "Blob removals performed to undo failed uploads.",
		}, []string{"result"}),
		UnderflowsTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reference_underflows_total",
			Help:      "Releases refused because the reference count was already zero.",
		}),
		PendingRemovalTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pending_removal_total",
			Help:      "Released blobs whose bytes could not be removed immediately.",
		}),

		GCRunsTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gc",
			Name:      "runs_total",
			Help:      "Garbage collection runs.",
		}),
		GCBlobsDeletedTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gc",
			Name:      "blobs_deleted_total",
			Help:      "Blobs removed by garbage collection.",
		}),
		GCBytesFreedTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gc",
			Name:      "bytes_freed_total",
			Help:      "Bytes removed by garbage collection.",
		}),
		GCDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "gc",
			Name:      "duration_seconds",
			Help:      "Duration of garbage collection runs.",
			Buckets:   prometheus.DefBuckets,
		}),
		GCLastRunTime: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "gc",
			Name:      "last_run_timestamp_seconds",
			Help:      "Unix time of the last garbage collection run.",
		}),
		GCOrphanBlobs: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "gc",
			Name:      "pending_blobs",
			Help:      "Released blobs waiting for removal at the last run.",
		}),
	}
}

// RecordUpload records a finished upload. result is "ok" or a failure kind.
func (m *Metrics) RecordUpload(result string, d time.Duration, size, charged int64, duplicate bool) {
	if m == nil {
		return
	}
	m.OperationsTotal.WithLabelValues("upload", result).Inc()
	m.OperationDuration.WithLabelValues("upload").Observe(d.Seconds())
	if result != "ok" {
		return
	}
	m.BytesUploadedTotal.Add(float64(size))
	m.BytesStoredTotal.Add(float64(charged))
	if duplicate {
		m.DedupHitsTotal.Inc()
		m.BytesSavedTotal.Add(float64(size - charged))
	}
}

// RecordDelete records a finished delete.
func (m *Metrics) RecordDelete(result string, d time.Duration, bytesFreed int64) {
	if m == nil {
		return
	}
	m.OperationsTotal.WithLabelValues("delete", result).Inc()
	m.OperationDuration.WithLabelValues("delete").Observe(d.Seconds())
	if result == "ok" {
		m.BytesFreedTotal.Add(float64(bytesFreed))
	}
}

// RecordTxRetry records a retried transaction.
func (m *Metrics) RecordTxRetry() {
	if m == nil {
		return
	}
	m.TxRetriesTotal.Inc()
}

// RecordCompensation records a compensating blob removal.
func (m *Metrics) RecordCompensation(ok bool) {
	if m == nil {
		return
	}
	result := "removed"
	if !ok {
		result = "failed"
	}
	m.CompensationsTotal.WithLabelValues(result).Inc()
}

// RecordUnderflow records a refused release.
func (m *Metrics) RecordUnderflow() {
	if m == nil {
		return
	}
	m.UnderflowsTotal.Inc()
}

// RecordPendingRemoval records a blob left for garbage collection.
func (m *Metrics) RecordPendingRemoval() {
	if m == nil {
		return
	}
	m.PendingRemovalTotal.Inc()
}

// RecordGCRun records a completed garbage collection run.
func (m *Metrics) RecordGCRun(seconds float64, blobsDeleted int, bytesFreed int64) {
	if m == nil {
		return
	}
	m.GCRunsTotal.Inc()
	m.GCDuration.Observe(seconds)
	m.GCBlobsDeletedTotal.Add(float64(blobsDeleted))
	m.GCBytesFreedTotal.Add(float64(bytesFreed))
	m.GCLastRunTime.SetToCurrentTime()
}

// SetGCPending records how many pending blobs the last run found.
func (m *Metrics) SetGCPending(n int) {
	if m == nil {
		return
	}
	m.GCOrphanBlobs.Set(float64(n))
}
