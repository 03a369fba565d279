package metrics

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
)

var (
	// Registry holds the application-specific Prometheus collectors.
	Registry = prometheus.NewRegistry()

	httpInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "infomart",
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "infomart",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		},
		[]string{"method", "path", "status"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "infomart",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms to ~5s
		},
		[]string{"method", "path"},
	)

	marketSales = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "infomart",
			Subsystem: "market",
			Name:      "sales_total",
			Help:      "Total number of settled sales.",
		},
		[]string{"type"},
	)

	marketRevenue = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "infomart",
			Subsystem: "market",
			Name:      "revenue_usd_total",
			Help:      "Gross sale revenue split into seller and platform shares.",
		},
		[]string{"share"},
	)

	marketRatings = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "infomart",
			Subsystem: "market",
			Name:      "ratings_total",
			Help:      "Ratings applied, by clamped rating.",
		},
		[]string{"rating"},
	)

	marketSlashed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "infomart",
			Subsystem: "market",
			Name:      "slashed_usd_total",
			Help:      "Stake removed from products by slashing.",
		},
	)

	marketProducts = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "infomart",
			Subsystem: "market",
			Name:      "products",
			Help:      "Number of listed products.",
		},
	)

	agentSessions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "infomart",
			Subsystem: "agent",
			Name:      "sessions_total",
			Help:      "Agent sessions by terminal status.",
		},
		[]string{"status"},
	)

	agentIterations = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "infomart",
			Subsystem: "agent",
			Name:      "iterations",
			Help:      "Oracle round trips per agent session.",
			Buckets:   prometheus.LinearBuckets(1, 1, 10),
		},
	)

	agentPurchases = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "infomart",
			Subsystem: "agent",
			Name:      "purchases_total",
			Help:      "Agent purchase attempts by origin and outcome.",
		},
		[]string{"origin", "result"},
	)

	oracleDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "infomart",
			Subsystem: "oracle",
			Name:      "call_duration_seconds",
			Help:      "Duration of decision oracle calls.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		},
		[]string{"status"},
	)

	eventsDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "infomart",
			Subsystem: "events",
			Name:      "dropped_total",
			Help:      "Events dropped because a subscriber buffer was full.",
		},
		[]string{"bus"},
	)

	streamSubscribers = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "infomart",
			Subsystem: "events",
			Name:      "stream_subscribers",
			Help:      "Connected stream clients by transport.",
		},
		[]string{"transport"},
	)
)

func init() {
	Registry.MustRegister(
		httpInFlight,
		httpRequests,
		httpDuration,
		marketSales,
		marketRevenue,
		marketRatings,
		marketSlashed,
		marketProducts,
		agentSessions,
		agentIterations,
		agentPurchases,
		oracleDuration,
		eventsDropped,
		streamSubscribers,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
}

// Handler returns an HTTP handler exposing the registered Prometheus metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// InstrumentHandler wraps the provided handler with HTTP metrics collection.
// Installed as router middleware it labels requests with the matched route
// template; otherwise it falls back to a canonicalised path.
func InstrumentHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		httpInFlight.Inc()
		defer httpInFlight.Dec()

		next.ServeHTTP(rec, r)

		duration := time.Since(start)
		path := canonicalPath(r.URL.Path)
		if route := mux.CurrentRoute(r); route != nil {
			if tmpl, err := route.GetPathTemplate(); err == nil {
				path = tmpl
			}
		}
		method := strings.ToUpper(r.Method)

		httpRequests.WithLabelValues(method, path, strconv.Itoa(rec.status)).Inc()
		httpDuration.WithLabelValues(method, path).Observe(duration.Seconds())
	})
}

// RecordSale records a settled sale.
func RecordSale(productType string, sellerRevenue, fee decimal.Decimal) {
	if productType == "" {
		productType = "unknown"
	}
	marketSales.WithLabelValues(productType).Inc()
	marketRevenue.WithLabelValues("seller").Add(sellerRevenue.InexactFloat64())
	marketRevenue.WithLabelValues("platform").Add(fee.InexactFloat64())
}

// RecordRating records an applied rating and the stake it removed.
func RecordRating(rating int, slashed decimal.Decimal) {
	marketRatings.WithLabelValues(strconv.Itoa(rating)).Inc()
	if slashed.IsPositive() {
		marketSlashed.Add(slashed.InexactFloat64())
	}
}

// SetProducts records the catalogue size.
func SetProducts(n int) {
	marketProducts.Set(float64(n))
}

// RecordSession records a finished agent session.
func RecordSession(status string, iterations int) {
	agentSessions.WithLabelValues(status).Inc()
	agentIterations.Observe(float64(iterations))
}

// RecordPurchase records an agent purchase attempt.
func RecordPurchase(origin, result string) {
	agentPurchases.WithLabelValues(origin, result).Inc()
}

// RecordOracleCall records a decision oracle round trip.
func RecordOracleCall(duration time.Duration, err error) {
	if duration <= 0 {
		duration = time.Millisecond
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	oracleDuration.WithLabelValues(status).Observe(duration.Seconds())
}

// EventDropped records one dropped event delivery on the named bus.
func EventDropped(bus string) {
	eventsDropped.WithLabelValues(bus).Inc()
}

// StreamConnected adjusts the connected-client gauge for a transport.
func StreamConnected(transport string, delta int) {
	streamSubscribers.WithLabelValues(transport).Add(float64(delta))
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}

// Flush lets streaming handlers behind the recorder push frames.
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack lets websocket upgrades pass through the recorder.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

// Unwrap exposes the underlying writer to http.ResponseController.
func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

func canonicalPath(raw string) string {
	if raw == "" || raw == "/" {
		return "/"
	}
	trimmed := strings.Trim(raw, "/")
	if trimmed == "" {
		return "/"
	}
	parts := strings.Split(trimmed, "/")
	switch parts[0] {
	case "product", "sessions", "vendor", "wallets":
	default:
		return "/" + parts[0]
	}
	if len(parts) == 1 {
		return "/" + parts[0]
	}
	if len(parts) == 2 {
		return "/" + parts[0] + "/:id"
	}
	return "/" + parts[0] + "/:id/" + parts[2]
}
