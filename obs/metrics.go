package obs

import (
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "tender"

var (
	appInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "app",
			Name:      "info",
			Help:      "Static app info for deployment verification.",
		},
		[]string{"service", "version", "worker"},
	)

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests served by the admin listener.",
		},
		[]string{"method", "route", "code"},
	)

	tendersTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "processor",
			Name:      "tenders_total",
			Help:      "Tenders handled by the processor, by outcome.",
		},
		[]string{"registry", "result"},
	)
	tenderDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "processor",
			Name:      "tender_duration_seconds",
			Help:      "Wall time spent on one tender.",
			Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600, 1200, 2400},
		},
		[]string{"registry"},
	)

	matcherFilesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "matcher",
			Name:      "files_total",
			Help:      "Documents scanned by the match executor.",
		},
		[]string{"result"},
	)

	prepareArchivesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "prepare",
			Name:      "archives_total",
			Help:      "Archives seen by the preparator.",
		},
		[]string{"result"},
	)

	prefetchResultsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "prefetch",
			Name:      "results_total",
			Help:      "Prefetch lookups by result.",
		},
		[]string{"result"},
	)
)

func init() {
	prometheus.MustRegister(appInfo, httpRequestsTotal, tendersTotal, tenderDuration,
		matcherFilesTotal, prepareArchivesTotal, prefetchResultsTotal)
}

// SetAppInfo publishes the build and the worker id this process locks tenders under.
func SetAppInfo(service, worker string) {
	svc := strings.TrimSpace(service)
	if svc == "" {
		svc = "tenderscan"
	}
	ver := strings.TrimSpace(os.Getenv("APP_VERSION"))
	if ver == "" {
		ver = "dev"
	}
	appInfo.WithLabelValues(svc, ver, worker).Set(1)
}

// RecordTender counts one processed tender. result is ok, skipped, error or conflict.
func RecordTender(registry, result string, start time.Time) {
	tendersTotal.WithLabelValues(registry, result).Inc()
	if result != "skipped" && result != "conflict" {
		tenderDuration.WithLabelValues(registry).Observe(time.Since(start).Seconds())
	}
}

// RecordFile counts one scanned document: ok, failed or timeout.
func RecordFile(result string) { matcherFilesTotal.WithLabelValues(result).Inc() }

// RecordArchive: extracted, failed, redownloaded or skipped_part.
func RecordArchive(result string) { prepareArchivesTotal.WithLabelValues(result).Inc() }

// RecordPrefetch: hit, miss or timeout.
func RecordPrefetch(result string) { prefetchResultsTotal.WithLabelValues(result).Inc() }

func MetricsMiddleware(next http.Handler) http.Handler {
	if next == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNotFound)
		})
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, code: 200}
		next.ServeHTTP(rec, r)
		httpRequestsTotal.WithLabelValues(r.Method, routeLabel(r.URL.Path), strconv.Itoa(rec.code)).Inc()
	})
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (r *statusRecorder) WriteHeader(statusCode int) {
	r.code = statusCode
	r.ResponseWriter.WriteHeader(statusCode)
}

// routeLabel keeps cardinality bounded: anything outside the admin routes is "other".
func routeLabel(path string) string {
	switch p := strings.TrimSpace(path); p {
	case "/metrics", "/healthz":
		return p
	}
	return "other"
}
