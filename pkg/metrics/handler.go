package metrics

import (
	"context"
	"net/http"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

type MetricsHandler struct {
	metrics  *Metrics
	gatherer prometheus.Gatherer
	logger   *zap.Logger
}

func NewMetricsHandler(metrics *Metrics, gatherer prometheus.Gatherer, logger *zap.Logger) *MetricsHandler {
	return &MetricsHandler{
		metrics:  metrics,
		gatherer: gatherer,
		logger:   logger,
	}
}

func (h *MetricsHandler) Handler() http.Handler {
	return promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{})
}

// CollectSystemMetrics samples runtime gauges until ctx is done.
func (h *MetricsHandler) CollectSystemMetrics(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		h.metrics.System.GoroutineCount.Set(float64(runtime.NumGoroutine()))

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (h *MetricsHandler) RecordHTTPRequest(method, path string, statusCode int, duration time.Duration) {
	h.metrics.Http.RequestsTotal.WithLabelValues(method, path).Inc()
	h.metrics.Http.ResponseStatusCode.WithLabelValues(http.StatusText(statusCode)).Inc()
	h.metrics.Http.RequestDuration.WithLabelValues(path).Observe(duration.Seconds())
}
