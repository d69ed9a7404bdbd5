package metrics

import (
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Metrics holds all Strata metrics for Prometheus export
type Metrics struct {
	startTime time.Time

	// HTTP request metrics
	httpRequestsTotal   atomic.Int64
	httpRequestsSuccess atomic.Int64
	httpRequestsError   atomic.Int64

	// HTTP latency histogram buckets (microseconds)
	// Buckets: 1ms, 5ms, 10ms, 25ms, 50ms, 100ms, 250ms, 500ms, 1s, +Inf
	httpLatencyBuckets [10]atomic.Int64
	httpLatencySum     atomic.Int64
	httpLatencyCount   atomic.Int64

	// Write command metrics
	insertCommandsTotal atomic.Int64
	updateCommandsTotal atomic.Int64
	deleteCommandsTotal atomic.Int64
	documentsInserted   atomic.Int64
	documentsUpdated    atomic.Int64
	documentsDeleted    atomic.Int64
	writeErrorsTotal    atomic.Int64
	writeRetriesTotal   atomic.Int64

	// Bucket catalog metrics
	bucketInsertsTotal atomic.Int64
	bucketUpdatesTotal atomic.Int64
	bucketsOpen        atomic.Int64
	bucketsExpired     atomic.Int64
	catalogMemoryBytes atomic.Int64

	// Read metrics
	findCommandsTotal    atomic.Int64
	getMoreCommandsTotal atomic.Int64
	documentsReturned    atomic.Int64
	cursorsOpen          atomic.Int64
	cursorsTimedOut      atomic.Int64

	// Store metrics
	storeWritesTotal     atomic.Int64
	storeWriteBytesTotal atomic.Int64
	storeReadsTotal      atomic.Int64
	storeErrorsTotal     atomic.Int64

	logger zerolog.Logger
}

var (
	instance *Metrics
	once     sync.Once
)

// Get returns the singleton metrics instance
func Get() *Metrics {
	once.Do(func() {
		instance = &Metrics{
			startTime: time.Now(),
		}
	})
	return instance
}

// Init initializes the metrics with a logger
func Init(logger zerolog.Logger) *Metrics {
	m := Get()
	m.logger = logger.With().Str("component", "metrics").Logger()
	m.logger.Info().Msg("Metrics collector initialized")
	return m
}

// HTTP Metrics
func (m *Metrics) IncHTTPRequests() { m.httpRequestsTotal.Add(1) }
func (m *Metrics) IncHTTPSuccess()  { m.httpRequestsSuccess.Add(1) }
func (m *Metrics) IncHTTPError()    { m.httpRequestsError.Add(1) }

// RecordHTTPLatency records HTTP request latency in microseconds
func (m *Metrics) RecordHTTPLatency(durationMicros int64) {
	m.httpLatencySum.Add(durationMicros)
	m.httpLatencyCount.Add(1)
	m.httpLatencyBuckets[latencyBucket(durationMicros)].Add(1)
}

func latencyBucket(micros int64) int {
	// Buckets: 1ms, 5ms, 10ms, 25ms, 50ms, 100ms, 250ms, 500ms, 1s, +Inf
	switch {
	case micros <= 1000:
		return 0
	case micros <= 5000:
		return 1
	case micros <= 10000:
		return 2
	case micros <= 25000:
		return 3
	case micros <= 50000:
		return 4
	case micros <= 100000:
		return 5
	case micros <= 250000:
		return 6
	case micros <= 500000:
		return 7
	case micros <= 1000000:
		return 8
	default:
		return 9
	}
}

// Write command metrics
func (m *Metrics) IncInsertCommands()               { m.insertCommandsTotal.Add(1) }
func (m *Metrics) IncUpdateCommands()               { m.updateCommandsTotal.Add(1) }
func (m *Metrics) IncDeleteCommands()               { m.deleteCommandsTotal.Add(1) }
func (m *Metrics) IncDocumentsInserted(count int64) { m.documentsInserted.Add(count) }
func (m *Metrics) IncDocumentsUpdated(count int64)  { m.documentsUpdated.Add(count) }
func (m *Metrics) IncDocumentsDeleted(count int64)  { m.documentsDeleted.Add(count) }
func (m *Metrics) IncWriteErrors(count int64)       { m.writeErrorsTotal.Add(count) }
func (m *Metrics) IncWriteRetries()                 { m.writeRetriesTotal.Add(1) }

// Bucket catalog metrics
func (m *Metrics) IncBucketInserts()            { m.bucketInsertsTotal.Add(1) }
func (m *Metrics) IncBucketUpdates()            { m.bucketUpdatesTotal.Add(1) }
func (m *Metrics) SetBucketsOpen(count int64)   { m.bucketsOpen.Store(count) }
func (m *Metrics) IncBucketsExpired(count int64) { m.bucketsExpired.Add(count) }
func (m *Metrics) SetCatalogMemory(bytes int64) { m.catalogMemoryBytes.Store(bytes) }

// Read metrics
func (m *Metrics) IncFindCommands()                 { m.findCommandsTotal.Add(1) }
func (m *Metrics) IncGetMoreCommands()              { m.getMoreCommandsTotal.Add(1) }
func (m *Metrics) IncDocumentsReturned(count int64) { m.documentsReturned.Add(count) }
func (m *Metrics) SetCursorsOpen(count int64)       { m.cursorsOpen.Store(count) }
func (m *Metrics) IncCursorsTimedOut(count int64)   { m.cursorsTimedOut.Add(count) }

// Store metrics
func (m *Metrics) IncStoreWrites()                { m.storeWritesTotal.Add(1) }
func (m *Metrics) IncStoreWriteBytes(bytes int64) { m.storeWriteBytesTotal.Add(bytes) }
func (m *Metrics) IncStoreReads()                 { m.storeReadsTotal.Add(1) }
func (m *Metrics) IncStoreErrors()                { m.storeErrorsTotal.Add(1) }

// Snapshot returns all metrics as a map (for JSON endpoint)
func (m *Metrics) Snapshot() map[string]interface{} {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	return map[string]interface{}{
		// Process info
		"uptime_seconds": time.Since(m.startTime).Seconds(),
		"goroutines":     runtime.NumGoroutine(),
		"go_version":     runtime.Version(),
		"num_cpu":        runtime.NumCPU(),
		"gomaxprocs":     runtime.GOMAXPROCS(0),

		// Memory (Go runtime)
		"memory_alloc_bytes":       memStats.Alloc,
		"memory_total_alloc_bytes": memStats.TotalAlloc,
		"memory_sys_bytes":         memStats.Sys,
		"memory_heap_alloc_bytes":  memStats.HeapAlloc,
		"memory_heap_inuse_bytes":  memStats.HeapInuse,
		"gc_cycles":                memStats.NumGC,
		"gc_pause_total_ns":        memStats.PauseTotalNs,

		// HTTP
		"http_requests_total":   m.httpRequestsTotal.Load(),
		"http_requests_success": m.httpRequestsSuccess.Load(),
		"http_requests_error":   m.httpRequestsError.Load(),
		"http_latency_sum_us":   m.httpLatencySum.Load(),
		"http_latency_count":    m.httpLatencyCount.Load(),

		// Write commands
		"insert_commands_total": m.insertCommandsTotal.Load(),
		"update_commands_total": m.updateCommandsTotal.Load(),
		"delete_commands_total": m.deleteCommandsTotal.Load(),
		"documents_inserted":    m.documentsInserted.Load(),
		"documents_updated":     m.documentsUpdated.Load(),
		"documents_deleted":     m.documentsDeleted.Load(),
		"write_errors_total":    m.writeErrorsTotal.Load(),
		"write_retries_total":   m.writeRetriesTotal.Load(),

		// Bucket catalog
		"bucket_inserts_total": m.bucketInsertsTotal.Load(),
		"bucket_updates_total": m.bucketUpdatesTotal.Load(),
		"buckets_open":         m.bucketsOpen.Load(),
		"buckets_expired":      m.bucketsExpired.Load(),
		"catalog_memory_bytes": m.catalogMemoryBytes.Load(),

		// Reads
		"find_commands_total":     m.findCommandsTotal.Load(),
		"get_more_commands_total": m.getMoreCommandsTotal.Load(),
		"documents_returned":      m.documentsReturned.Load(),
		"cursors_open":            m.cursorsOpen.Load(),
		"cursors_timed_out":       m.cursorsTimedOut.Load(),

		// Store
		"store_writes_total":      m.storeWritesTotal.Load(),
		"store_write_bytes_total": m.storeWriteBytesTotal.Load(),
		"store_reads_total":       m.storeReadsTotal.Load(),
		"store_errors_total":      m.storeErrorsTotal.Load(),
	}
}

// PrometheusFormat returns metrics in Prometheus text exposition format
func (m *Metrics) PrometheusFormat() string {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	var b []byte
	b = append(b, "# HELP strata_uptime_seconds Time since Strata started\n"...)
	b = append(b, "# TYPE strata_uptime_seconds gauge\n"...)
	b = appendMetric(b, "strata_uptime_seconds", time.Since(m.startTime).Seconds())

	b = append(b, "# HELP strata_goroutines Number of goroutines\n"...)
	b = append(b, "# TYPE strata_goroutines gauge\n"...)
	b = appendMetric(b, "strata_goroutines", float64(runtime.NumGoroutine()))

	b = append(b, "# HELP strata_memory_alloc_bytes Current allocated memory\n"...)
	b = append(b, "# TYPE strata_memory_alloc_bytes gauge\n"...)
	b = appendMetric(b, "strata_memory_alloc_bytes", float64(memStats.Alloc))

	b = append(b, "# HELP strata_gc_cycles_total Total number of GC cycles\n"...)
	b = append(b, "# TYPE strata_gc_cycles_total counter\n"...)
	b = appendMetric(b, "strata_gc_cycles_total", float64(memStats.NumGC))

	// HTTP
	b = append(b, "# HELP strata_http_requests_total Total HTTP requests\n"...)
	b = append(b, "# TYPE strata_http_requests_total counter\n"...)
	b = appendMetric(b, "strata_http_requests_total", float64(m.httpRequestsTotal.Load()))

	b = append(b, "# HELP strata_http_requests_error_total Failed HTTP requests\n"...)
	b = append(b, "# TYPE strata_http_requests_error_total counter\n"...)
	b = appendMetric(b, "strata_http_requests_error_total", float64(m.httpRequestsError.Load()))

	b = append(b, "# HELP strata_http_latency_seconds HTTP request latency\n"...)
	b = append(b, "# TYPE strata_http_latency_seconds histogram\n"...)
	bucketLabels := []string{"0.001", "0.005", "0.01", "0.025", "0.05", "0.1", "0.25", "0.5", "1", "+Inf"}
	var cumulative int64
	for i, label := range bucketLabels {
		cumulative += m.httpLatencyBuckets[i].Load()
		b = appendMetricWithLabel(b, "strata_http_latency_seconds_bucket", "le", label, float64(cumulative))
	}
	b = appendMetric(b, "strata_http_latency_seconds_sum", float64(m.httpLatencySum.Load())/1000000.0)
	b = appendMetric(b, "strata_http_latency_seconds_count", float64(m.httpLatencyCount.Load()))

	// Write commands
	b = append(b, "# HELP strata_insert_commands_total Total insert commands\n"...)
	b = append(b, "# TYPE strata_insert_commands_total counter\n"...)
	b = appendMetric(b, "strata_insert_commands_total", float64(m.insertCommandsTotal.Load()))

	b = append(b, "# HELP strata_update_commands_total Total update commands\n"...)
	b = append(b, "# TYPE strata_update_commands_total counter\n"...)
	b = appendMetric(b, "strata_update_commands_total", float64(m.updateCommandsTotal.Load()))

	b = append(b, "# HELP strata_delete_commands_total Total delete commands\n"...)
	b = append(b, "# TYPE strata_delete_commands_total counter\n"...)
	b = appendMetric(b, "strata_delete_commands_total", float64(m.deleteCommandsTotal.Load()))

	b = append(b, "# HELP strata_documents_inserted_total Documents inserted\n"...)
	b = append(b, "# TYPE strata_documents_inserted_total counter\n"...)
	b = appendMetric(b, "strata_documents_inserted_total", float64(m.documentsInserted.Load()))

	b = append(b, "# HELP strata_write_errors_total Per-document write errors\n"...)
	b = append(b, "# TYPE strata_write_errors_total counter\n"...)
	b = appendMetric(b, "strata_write_errors_total", float64(m.writeErrorsTotal.Load()))

	b = append(b, "# HELP strata_write_retries_total Staged measurements retried after bucket loss\n"...)
	b = append(b, "# TYPE strata_write_retries_total counter\n"...)
	b = appendMetric(b, "strata_write_retries_total", float64(m.writeRetriesTotal.Load()))

	// Bucket catalog
	b = append(b, "# HELP strata_bucket_inserts_total New bucket documents written\n"...)
	b = append(b, "# TYPE strata_bucket_inserts_total counter\n"...)
	b = appendMetric(b, "strata_bucket_inserts_total", float64(m.bucketInsertsTotal.Load()))

	b = append(b, "# HELP strata_bucket_updates_total Bucket documents updated in place\n"...)
	b = append(b, "# TYPE strata_bucket_updates_total counter\n"...)
	b = appendMetric(b, "strata_bucket_updates_total", float64(m.bucketUpdatesTotal.Load()))

	b = append(b, "# HELP strata_buckets_open Open buckets in the catalog\n"...)
	b = append(b, "# TYPE strata_buckets_open gauge\n"...)
	b = appendMetric(b, "strata_buckets_open", float64(m.bucketsOpen.Load()))

	b = append(b, "# HELP strata_buckets_expired_total Idle buckets expired for memory pressure\n"...)
	b = append(b, "# TYPE strata_buckets_expired_total counter\n"...)
	b = appendMetric(b, "strata_buckets_expired_total", float64(m.bucketsExpired.Load()))

	b = append(b, "# HELP strata_catalog_memory_bytes Catalog memory footprint\n"...)
	b = append(b, "# TYPE strata_catalog_memory_bytes gauge\n"...)
	b = appendMetric(b, "strata_catalog_memory_bytes", float64(m.catalogMemoryBytes.Load()))

	// Reads
	b = append(b, "# HELP strata_find_commands_total Total find commands\n"...)
	b = append(b, "# TYPE strata_find_commands_total counter\n"...)
	b = appendMetric(b, "strata_find_commands_total", float64(m.findCommandsTotal.Load()))

	b = append(b, "# HELP strata_cursors_open Open server-side cursors\n"...)
	b = append(b, "# TYPE strata_cursors_open gauge\n"...)
	b = appendMetric(b, "strata_cursors_open", float64(m.cursorsOpen.Load()))

	// Store
	b = append(b, "# HELP strata_store_writes_total Total store writes\n"...)
	b = append(b, "# TYPE strata_store_writes_total counter\n"...)
	b = appendMetric(b, "strata_store_writes_total", float64(m.storeWritesTotal.Load()))

	b = append(b, "# HELP strata_store_errors_total Total store errors\n"...)
	b = append(b, "# TYPE strata_store_errors_total counter\n"...)
	b = appendMetric(b, "strata_store_errors_total", float64(m.storeErrorsTotal.Load()))

	return string(b)
}

// Helper functions for Prometheus format
func appendMetric(b []byte, name string, value float64) []byte {
	b = append(b, name...)
	b = append(b, ' ')
	b = appendFloat(b, value)
	b = append(b, '\n')
	return b
}

func appendMetricWithLabel(b []byte, name, labelName, labelValue string, value float64) []byte {
	b = append(b, name...)
	b = append(b, '{')
	b = append(b, labelName...)
	b = append(b, '=', '"')
	b = append(b, labelValue...)
	b = append(b, '"', '}', ' ')
	b = appendFloat(b, value)
	b = append(b, '\n')
	return b
}

func appendFloat(b []byte, v float64) []byte {
	if v == float64(int64(v)) {
		return appendInt(b, int64(v))
	}
	// Up to 6 decimal places, zero padded
	intPart := int64(v)
	fracPart := int64((v - float64(intPart)) * 1000000)
	if fracPart < 0 {
		fracPart = -fracPart
	}
	b = appendInt(b, intPart)
	b = append(b, '.')
	for scale := int64(100000); scale > 1 && fracPart < scale; scale /= 10 {
		b = append(b, '0')
	}
	b = appendInt(b, fracPart)
	return b
}

func appendInt(b []byte, v int64) []byte {
	if v < 0 {
		b = append(b, '-')
		v = -v
	}
	if v == 0 {
		return append(b, '0')
	}
	var digits [20]byte
	i := len(digits)
	for v > 0 {
		i--
		digits[i] = byte('0' + v%10)
		v /= 10
	}
	return append(b, digits[i:]...)
}
