package metrics

import (
	"log"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Collector struct {
	reg *prometheus.Registry

	Polls           prometheus.Counter
	FetchErrors     *prometheus.CounterVec // reason label: rate_limited|upstream|decode|transport|closed|panic
	BatchVehicles   prometheus.Gauge
	TrackedVehicles prometheus.Gauge
	StreamClients   prometheus.Gauge

	BroadcastSends    prometheus.Counter
	BroadcastFailures prometheus.Counter

	NATSPublished   prometheus.Counter
	NATSPublishErrs prometheus.Counter
	NATSConnected   prometheus.Gauge

	PollDuration    prometheus.Histogram
	FetchDuration   prometheus.Histogram
	PublishDuration prometheus.Histogram

	PollInterval prometheus.Gauge // seconds
}

func NewCollector(pollInterval time.Duration) *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		reg: reg,
		Polls: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "livemap_polls_total",
			Help: "Total poll cycles that produced a non-empty batch.",
		}),
		FetchErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "livemap_fetch_errors_total",
			Help: "Failed feed fetches by reason.",
		}, []string{"reason"}),
		BatchVehicles: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "livemap_batch_vehicles",
			Help: "Vehicles in the most recent poll batch.",
		}),
		TrackedVehicles: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "livemap_tracked_vehicles",
			Help: "Trips held in the position store.",
		}),
		StreamClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "livemap_stream_clients",
			Help: "Connected streaming clients.",
		}),
		BroadcastSends: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "livemap_broadcast_sends_total",
			Help: "vehicle_updates messages delivered by the poll loop.",
		}),
		BroadcastFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "livemap_broadcast_failures_total",
			Help: "Broadcast sends that failed and removed their client.",
		}),
		NATSPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "livemap_nats_published_total",
			Help: "Total NATS messages published.",
		}),
		NATSPublishErrs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "livemap_nats_publish_errors_total",
			Help: "Total NATS publish errors.",
		}),
		NATSConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "livemap_nats_connected",
			Help: "1 if NATS connection is established, 0 otherwise.",
		}),
		PollDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "livemap_poll_duration_seconds",
			Help:    "Duration of a full poll cycle (fetch, store, broadcast).",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 14),
		}),
		FetchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "livemap_fetch_duration_seconds",
			Help:    "Duration of the upstream fetch and decode.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
		}),
		PublishDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "livemap_publish_duration_seconds",
			Help:    "Duration to marshal and publish a NATS message.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 15),
		}),
		PollInterval: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "livemap_poll_interval_seconds",
			Help: "Configured delay between poll cycles in seconds.",
		}),
	}

	reg.MustRegister(
		c.Polls, c.FetchErrors, c.BatchVehicles, c.TrackedVehicles, c.StreamClients,
		c.BroadcastSends, c.BroadcastFailures,
		c.NATSPublished, c.NATSPublishErrs, c.NATSConnected,
		c.PollDuration, c.FetchDuration, c.PublishDuration,
		c.PollInterval,
	)

	c.PollInterval.Set(pollInterval.Seconds())

	return c
}

func (c *Collector) Handler() http.Handler { return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{}) }

// Serve starts an HTTP server exposing /metrics on the given address.
func (c *Collector) Serve(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("metrics server error: %v", err)
		}
	}()
	log.Printf("metrics listening on %s", addr)
	return srv
}
