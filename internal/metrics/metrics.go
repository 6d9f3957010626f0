package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	feedEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pulse_feed_events_total",
			Help: "Total number of decoded change-feed events, by event kind.",
		},
		[]string{"kind"},
	)
	feedDecodeFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pulse_feed_decode_failures_total",
			Help: "Total number of raw change-feed events dropped because they failed to decode.",
		},
		[]string{"table"},
	)
	feedOpenTopics = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "pulse_feed_open_topics",
			Help: "Number of topics with an open backend channel.",
		},
	)
	sendsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pulse_message_sends_total",
			Help: "Total number of message send attempts, by outcome.",
		},
		[]string{"outcome"},
	)
	notificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pulse_notifications_total",
			Help: "Notification gate decisions, by result.",
		},
		[]string{"result"},
	)
	presenceFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pulse_presence_failures_total",
			Help: "Total number of presence failures, by operation.",
		},
		[]string{"op"},
	)
	hubChannels = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "pulse_hub_channels",
			Help: "Number of channels open on the local backend hub.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		feedEventsTotal,
		feedDecodeFailuresTotal,
		feedOpenTopics,
		sendsTotal,
		notificationsTotal,
		presenceFailuresTotal,
		hubChannels,
	)
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

func IncFeedEvent(kind string) {
	feedEventsTotal.WithLabelValues(kind).Inc()
}

func IncDecodeFailure(table string) {
	feedDecodeFailuresTotal.WithLabelValues(table).Inc()
}

func SetOpenTopics(n int) {
	feedOpenTopics.Set(float64(n))
}

func IncSend(outcome string) {
	sendsTotal.WithLabelValues(outcome).Inc()
}

func IncNotification(result string) {
	notificationsTotal.WithLabelValues(result).Inc()
}

func IncPresenceFailure(op string) {
	presenceFailuresTotal.WithLabelValues(op).Inc()
}

func IncHubChannels() {
	hubChannels.Inc()
}

func DecHubChannels() {
	hubChannels.Dec()
}
