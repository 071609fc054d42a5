package metrics

import (
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Execution metrics
var (
	ExecTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "workbench_exec_total",
			Help: "Total command executions by outcome",
		},
		[]string{"outcome"},
	)

	ExecDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "workbench_exec_duration_seconds",
			Help:    "Time from spawn to result for a command execution",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1.0, 5.0, 15.0, 30.0, 60.0},
		},
		[]string{"outcome"},
	)

	ProcessesActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "workbench_processes_active",
			Help: "Number of session-tagged processes in the registry",
		},
	)

	ProcessSignalsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "workbench_process_signals_total",
			Help: "Signals delivered to managed process groups",
		},
		[]string{"signal", "reason"},
	)
)

// Workspace metrics
var (
	FileOpsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "workbench_file_ops_total",
			Help: "Workspace filesystem operations",
		},
		[]string{"op", "result"},
	)

	SnapshotBytes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "workbench_snapshot_bytes_total",
			Help: "Compressed bytes moved by workspace snapshots",
		},
		[]string{"direction"},
	)
)

// HTTP metrics
var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "workbench_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "workbench_http_request_duration_seconds",
			Help:    "HTTP request latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)
)

func init() {
	prometheus.MustRegister(
		ExecTotal,
		ExecDuration,
		ProcessesActive,
		ProcessSignalsTotal,
		FileOpsTotal,
		SnapshotBytes,
		HTTPRequestsTotal,
		HTTPRequestDuration,
	)
}

// FileOp records the result of a workspace operation.
func FileOp(op string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	FileOpsTotal.WithLabelValues(op, result).Inc()
}

// Handler returns an HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// EchoMiddleware returns Echo middleware that instruments HTTP requests.
func EchoMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)

			status := c.Response().Status
			if err != nil {
				if he, ok := err.(*echo.HTTPError); ok {
					status = he.Code
				}
			}

			HTTPRequestsTotal.WithLabelValues(
				c.Request().Method,
				c.Path(),
				strconv.Itoa(status),
			).Inc()
			HTTPRequestDuration.WithLabelValues(c.Request().Method, c.Path()).
				Observe(time.Since(start).Seconds())
			return err
		}
	}
}

// StartMetricsServer starts a standalone HTTP server serving /metrics on the given address.
func StartMetricsServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("metrics: server on %s stopped: %v", addr, err)
		}
	}()
	return srv
}
