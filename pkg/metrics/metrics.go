// Package metrics exposes crawl and download counters to Prometheus.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"subharvest/pkg/logger"
)

// Recorder is what the fetcher, crawler and downloader report into.
type Recorder interface {
	RecordRequest(endpoint string, statusCode int, duration time.Duration)
	RecordRetry(op string, errorType string)
	RecordRateLimited()
	RecordPage(kind string, admitted, duplicates int)
	RecordAsset(status string, bytes int64)
}

// Collector is the Prometheus implementation of Recorder.
type Collector struct {
	requests    *prometheus.CounterVec
	latency     *prometheus.HistogramVec
	retries     *prometheus.CounterVec
	rateLimited prometheus.Counter
	pages       *prometheus.CounterVec
	admitted    *prometheus.CounterVec
	duplicates  *prometheus.CounterVec
	assets      *prometheus.CounterVec
	bytes       prometheus.Counter
}

// NewCollector creates the collectors and registers them with reg.
func NewCollector(reg prometheus.Registerer, namespace string) *Collector {
	c := &Collector{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Upstream HTTP responses by endpoint and status code.",
		}, []string{"endpoint", "status_code"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Upstream HTTP latency by endpoint.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"endpoint"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retries_total",
			Help:      "Retries of transient failures by operation and error type.",
		}, []string{"op", "type"}),
		rateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limited_total",
			Help:      "Rate-limit responses received.",
		}),
		pages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pages_committed_total",
			Help:      "Listing pages written and checkpointed.",
		}, []string{"kind"}),
		admitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_admitted_total",
			Help:      "New records appended to the record file.",
		}, []string{"kind"}),
		duplicates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_duplicate_total",
			Help:      "Records dropped because their id was already seen.",
		}, []string{"kind"}),
		assets: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "media_assets_total",
			Help:      "Media assets processed by final status.",
		}, []string{"status"}),
		bytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "media_bytes_total",
			Help:      "Bytes of media written to disk.",
		}),
	}

	reg.MustRegister(
		c.requests,
		c.latency,
		c.retries,
		c.rateLimited,
		c.pages,
		c.admitted,
		c.duplicates,
		c.assets,
		c.bytes,
	)

	return c
}

func (c *Collector) RecordRequest(endpoint string, statusCode int, duration time.Duration) {
	c.requests.WithLabelValues(endpoint, strconv.Itoa(statusCode)).Inc()
	c.latency.WithLabelValues(endpoint).Observe(duration.Seconds())
}

func (c *Collector) RecordRetry(op string, errorType string) {
	c.retries.WithLabelValues(op, errorType).Inc()
}

func (c *Collector) RecordRateLimited() {
	c.rateLimited.Inc()
}

func (c *Collector) RecordPage(kind string, admitted, duplicates int) {
	c.pages.WithLabelValues(kind).Inc()
	c.admitted.WithLabelValues(kind).Add(float64(admitted))
	c.duplicates.WithLabelValues(kind).Add(float64(duplicates))
}

func (c *Collector) RecordAsset(status string, bytes int64) {
	c.assets.WithLabelValues(status).Inc()
	if bytes > 0 {
		c.bytes.Add(float64(bytes))
	}
}

// Nop discards everything.
type Nop struct{}

func (Nop) RecordRequest(string, int, time.Duration) {}
func (Nop) RecordRetry(string, string)               {}
func (Nop) RecordRateLimited()                       {}
func (Nop) RecordPage(string, int, int)              {}
func (Nop) RecordAsset(string, int64)                {}

// OrNop returns r, or Nop when r is nil.
func OrNop(r Recorder) Recorder {
	if r == nil {
		return Nop{}
	}
	return r
}

// Handler returns the scrape handler for gatherer.
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// SetupMetricsRoute returns a mux serving /metrics.
func SetupMetricsRoute(gatherer prometheus.Gatherer) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler(gatherer))
	return mux
}

// Serve runs the metrics endpoint on addr until ctx is done.
func Serve(ctx context.Context, addr string, gatherer prometheus.Gatherer, log logger.Logger) error {
	log = logger.OrGlobal(log)
	srv := &http.Server{
		Addr:              addr,
		Handler:           SetupMetricsRoute(gatherer),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.InfoWithFields("metrics endpoint listening", map[string]interface{}{"addr": addr})
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
