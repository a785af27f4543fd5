package monitor

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds Prometheus counters and gauges for one download run.
type Metrics struct {
	registry                *prometheus.Registry
	segmentsDiscoveredTotal prometheus.Counter
	segmentsDownloadedTotal prometheus.Counter
	segmentsFailedTotal     prometheus.Counter
	bytesDownloadedTotal    prometheus.Counter
	retriesTotal            prometheus.Counter
	segmentsInFlight        prometheus.Gauge
	fractionComplete        prometheus.Gauge
	runState                prometheus.Gauge
}

// NewMetrics creates and registers the downloader's Prometheus metrics on a
// private registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	segmentsDiscoveredTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "m3u8get_segments_discovered_total",
		Help: "Total number of segments emitted by the playlist resolver",
	})
	segmentsDownloadedTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "m3u8get_segments_downloaded_total",
		Help: "Total number of segments downloaded successfully",
	})
	segmentsFailedTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "m3u8get_segments_failed_total",
		Help: "Total number of segments that exhausted their retry budget",
	})
	bytesDownloadedTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "m3u8get_bytes_downloaded_total",
		Help: "Total segment bytes written to the work directory",
	})
	retriesTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "m3u8get_retries_total",
		Help: "Total number of retry attempts beyond each segment's first",
	})
	segmentsInFlight := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "m3u8get_segments_in_flight",
		Help: "Number of segments currently being fetched",
	})
	fractionComplete := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "m3u8get_fraction_complete",
		Help: "Fraction of discovered segments downloaded, 0 to 1",
	})
	runState := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "m3u8get_run_state",
		Help: "Current run state: 0=idle 1=resolving 2=fetching 3=merging 4=done 5=failed",
	})

	registry.MustRegister(
		segmentsDiscoveredTotal,
		segmentsDownloadedTotal,
		segmentsFailedTotal,
		bytesDownloadedTotal,
		retriesTotal,
		segmentsInFlight,
		fractionComplete,
		runState,
	)

	return &Metrics{
		registry:                registry,
		segmentsDiscoveredTotal: segmentsDiscoveredTotal,
		segmentsDownloadedTotal: segmentsDownloadedTotal,
		segmentsFailedTotal:     segmentsFailedTotal,
		bytesDownloadedTotal:    bytesDownloadedTotal,
		retriesTotal:            retriesTotal,
		segmentsInFlight:        segmentsInFlight,
		fractionComplete:        fractionComplete,
		runState:                runState,
	}
}

// AddDiscovered counts newly resolved segments.
func (m *Metrics) AddDiscovered(n int) {
	m.segmentsDiscoveredTotal.Add(float64(n))
}

// IncDownloaded counts one successfully downloaded segment of the given size.
func (m *Metrics) IncDownloaded(bytes int64) {
	m.segmentsDownloadedTotal.Inc()
	m.bytesDownloadedTotal.Add(float64(bytes))
}

// IncFailed counts one segment that exhausted its retries.
func (m *Metrics) IncFailed() {
	m.segmentsFailedTotal.Inc()
}

// AddRetries counts attempts consumed beyond a segment's first.
func (m *Metrics) AddRetries(n int) {
	if n > 0 {
		m.retriesTotal.Add(float64(n))
	}
}

// SetInFlight sets the in-flight segment gauge.
func (m *Metrics) SetInFlight(n int) {
	m.segmentsInFlight.Set(float64(n))
}

// SetFraction sets the completion fraction gauge.
func (m *Metrics) SetFraction(f float64) {
	m.fractionComplete.Set(f)
}

// SetRunState sets the lifecycle-state gauge to the state's numeric value.
func (m *Metrics) SetRunState(state int) {
	m.runState.Set(float64(state))
}

// Handler returns an http.Handler that serves the run's metrics. updateGauges
// is called before each scrape to refresh gauge values.
func (m *Metrics) Handler(updateGauges func()) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if updateGauges != nil {
			updateGauges()
		}
		promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}).ServeHTTP(w, r)
	})
}
