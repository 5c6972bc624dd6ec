// Package metrics exposes request lifecycle counters as Prometheus metrics.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/kozzztik/django-h2/internal/mux"
)

// Collector implements mux.Observer on top of a Prometheus registry.
type Collector struct {
	requestsStarted  prometheus.Counter
	requestsFinished *prometheus.CounterVec
	requestErrors    prometheus.Counter
	requestDuration  prometheus.Histogram
	responseBytes    prometheus.Counter
}

var _ mux.Observer = (*Collector)(nil)

// New registers the request metrics with reg and returns the collector.
func New(reg prometheus.Registerer) *Collector {
	factory := promauto.With(reg)
	return &Collector{
		requestsStarted: factory.NewCounter(prometheus.CounterOpts{
			Name: "h2_requests_started_total",
			Help: "Requests whose handler task has been scheduled.",
		}),
		requestsFinished: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "h2_requests_finished_total",
			Help: "Requests completed successfully, by response status.",
		}, []string{"status"}),
		requestErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "h2_request_errors_total",
			Help: "Requests that ended with a handler or connection error.",
		}),
		requestDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "h2_request_duration_seconds",
			Help:    "Time from handler task start to response completion.",
			Buckets: prometheus.DefBuckets,
		}),
		responseBytes: factory.NewCounter(prometheus.CounterOpts{
			Name: "h2_response_bytes_total",
			Help: "Response body bytes written to peers.",
		}),
	}
}

func (c *Collector) RequestStarted(req *mux.Request) {
	c.requestsStarted.Inc()
}

func (c *Collector) RequestFinished(req *mux.Request, resp *mux.Response, bytesSent int64, elapsed time.Duration) {
	c.requestsFinished.WithLabelValues(strconv.Itoa(resp.Status)).Inc()
	c.requestDuration.Observe(elapsed.Seconds())
	c.responseBytes.Add(float64(bytesSent))
}

func (c *Collector) RequestException(req *mux.Request, err error) {
	c.requestErrors.Inc()
}
