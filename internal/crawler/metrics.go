package crawler

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the crawler
type Metrics struct {
	SourcesProcessed   prometheus.Counter
	ChannelsDiscovered prometheus.Counter
	CrawlErrors        *prometheus.CounterVec
	Rotations          *prometheus.CounterVec
	FloodWaitSeconds   prometheus.Histogram
	SpamProbes         *prometheus.CounterVec
	AvailableAccounts  prometheus.Gauge
	UnparsedChannels   prometheus.Gauge
	SourceDuration     prometheus.Histogram
	Passes             *prometheus.CounterVec
}

// NewMetrics registers the crawler metrics with reg. A nil reg uses the
// default registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		SourcesProcessed: factory.NewCounter(prometheus.CounterOpts{
			Name: "channelcrawler_sources_processed_total",
			Help: "The total number of sources marked parsed",
		}),
		ChannelsDiscovered: factory.NewCounter(prometheus.CounterOpts{
			Name: "channelcrawler_channels_discovered_total",
			Help: "The total number of new channels inserted into the queue",
		}),
		CrawlErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "channelcrawler_errors_total",
			Help: "The total number of classified crawl errors",
		}, []string{"kind"}),
		Rotations: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "channelcrawler_account_rotations_total",
			Help: "The total number of account rotations",
		}, []string{"reason"}),
		FloodWaitSeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "channelcrawler_flood_wait_seconds",
			Help:    "Waits advertised by the provider on rate limits",
			Buckets: []float64{1, 5, 15, 30, 60, 300, 900, 3600, 86400},
		}),
		SpamProbes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "channelcrawler_spam_probes_total",
			Help: "The total number of spam probe consultations",
		}, []string{"result"}),
		AvailableAccounts: factory.NewGauge(prometheus.GaugeOpts{
			Name: "channelcrawler_available_accounts",
			Help: "Accounts that can be connected right now",
		}),
		UnparsedChannels: factory.NewGauge(prometheus.GaugeOpts{
			Name: "channelcrawler_unparsed_channels",
			Help: "Channels in the queue not yet used as a source",
		}),
		SourceDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "channelcrawler_source_duration_seconds",
			Help:    "The duration of one resolve and recommend round trip",
			Buckets: prometheus.DefBuckets,
		}),
		Passes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "channelcrawler_passes_total",
			Help: "Crawl passes by outcome",
		}, []string{"outcome"}),
	}
}
