// Package metrics provides Prometheus metrics for the master.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Slave link metrics
	slavesOnline = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "drftpd_slaves_online",
			Help: "Number of storage nodes with a ready link",
		},
	)

	connectAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "drftpd_slave_connect_attempts_total",
			Help: "Total storage node connection attempts",
		},
		[]string{"result"},
	)

	commandsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "drftpd_slave_commands_total",
			Help: "Total commands completed on slave links",
		},
		[]string{"command", "status"},
	)

	commandDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "drftpd_slave_command_duration_seconds",
			Help:    "Time from command write to completion",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"command"},
	)

	channelsInUse = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "drftpd_slave_channels_in_use",
			Help: "Number of command channels currently bound across all links",
		},
	)

	malformedLinesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "drftpd_slave_malformed_lines_total",
			Help: "Total protocol lines dropped as malformed or unroutable",
		},
	)

	// Transfer metrics
	activeTransfers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "drftpd_transfers_active",
			Help: "Number of registered transfer sessions",
		},
	)

	transferredBytes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "drftpd_transferred_bytes_total",
			Help: "Total bytes moved by finished transfer sessions",
		},
		[]string{"direction"},
	)

	// Registry metrics
	mergeDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "drftpd_registry_merge_duration_seconds",
			Help:    "Time to merge a storage node snapshot",
			Buckets: prometheus.DefBuckets,
		},
	)

	unmergeDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "drftpd_registry_unmerge_duration_seconds",
			Help:    "Time to remove a storage node from the namespace",
			Buckets: prometheus.DefBuckets,
		},
	)

	conflictsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "drftpd_registry_conflicts_total",
			Help: "Total namespace conflicts detected during merge",
		},
	)

	registryNodes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "drftpd_registry_nodes",
			Help: "Number of files and directories in the registry",
		},
	)

	// Storage metrics
	storageOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "drftpd_storage_operation_duration_seconds",
			Help:    "Filelist storage operation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"backend", "operation"},
	)

	storageOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "drftpd_storage_operations_total",
			Help: "Total filelist storage operations",
		},
		[]string{"backend", "operation", "status"},
	)

	filelistSavesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "drftpd_filelist_saves_total",
			Help: "Total namespace saves",
		},
		[]string{"result"},
	)

	// Lifecycle event metrics
	eventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "drftpd_events_total",
			Help: "Total lifecycle events published",
		},
		[]string{"type"},
	)

	eventSubscribers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "drftpd_event_subscribers",
			Help: "Number of lifecycle event subscribers",
		},
	)

	// Status endpoint metrics
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "drftpd_http_requests_total",
			Help: "Total number of status HTTP requests",
		},
		[]string{"method", "path", "status"},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

func result(success bool) string {
	if success {
		return "success"
	}
	return "error"
}

// SetSlavesOnline sets the number of online storage nodes.
func SetSlavesOnline(count int) {
	slavesOnline.Set(float64(count))
}

// RecordConnectAttempt records a connection attempt outcome.
func RecordConnectAttempt(success bool) {
	connectAttemptsTotal.WithLabelValues(result(success)).Inc()
}

// RecordCommand records a completed command and its round-trip time.
func RecordCommand(name string, status int, duration time.Duration) {
	commandsTotal.WithLabelValues(name, strconv.Itoa(status)).Inc()
	commandDuration.WithLabelValues(name).Observe(duration.Seconds())
}

// AddChannelsInUse adjusts the bound channel gauge.
func AddChannelsInUse(delta int) {
	channelsInUse.Add(float64(delta))
}

// RecordMalformedLine records a dropped protocol line.
func RecordMalformedLine() {
	malformedLinesTotal.Inc()
}

// AddActiveTransfers adjusts the active transfer gauge.
func AddActiveTransfers(delta int) {
	activeTransfers.Add(float64(delta))
}

// RecordTransferBytes records bytes moved by a finished transfer.
func RecordTransferBytes(direction string, bytes int64) {
	if bytes <= 0 {
		return
	}
	transferredBytes.WithLabelValues(direction).Add(float64(bytes))
}

// RecordMerge records snapshot merge duration.
func RecordMerge(duration time.Duration) {
	mergeDuration.Observe(duration.Seconds())
}

// RecordUnmerge records unmerge duration.
func RecordUnmerge(duration time.Duration) {
	unmergeDuration.Observe(duration.Seconds())
}

// RecordConflict records a namespace conflict.
func RecordConflict() {
	conflictsTotal.Inc()
}

// SetRegistryNodes sets the current registry size.
func SetRegistryNodes(count int) {
	registryNodes.Set(float64(count))
}

// RecordStorageOperation records a filelist backend operation.
func RecordStorageOperation(backend, operation string, duration time.Duration, success bool) {
	storageOperationDuration.WithLabelValues(backend, operation).Observe(duration.Seconds())
	storageOperationsTotal.WithLabelValues(backend, operation, result(success)).Inc()
}

// RecordFilelistSave records a namespace save outcome.
func RecordFilelistSave(success bool) {
	filelistSavesTotal.WithLabelValues(result(success)).Inc()
}

// RecordEvent records a published lifecycle event.
func RecordEvent(eventType string) {
	eventsTotal.WithLabelValues(eventType).Inc()
}

// SetEventSubscribers sets the number of lifecycle event subscribers.
func SetEventSubscribers(count int) {
	eventSubscribers.Set(float64(count))
}

// responseWriter wraps http.ResponseWriter to capture status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) Unwrap() http.ResponseWriter { return rw.ResponseWriter }

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Middleware returns HTTP middleware that counts status requests.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rw, r)
		httpRequestsTotal.WithLabelValues(r.Method, r.URL.Path, strconv.Itoa(rw.statusCode)).Inc()
	})
}
