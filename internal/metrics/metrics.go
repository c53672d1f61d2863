package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	ChannelConnects = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chatter_channel_connects_total",
		Help: "Total messaging connections established.",
	})
	ChannelReconnects = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chatter_channel_reconnects_total",
		Help: "Total reconnect cycles, by reason (shutdown, transport).",
	}, []string{"reason"})
	ChannelLive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chatter_channel_live_connections",
		Help: "Live messaging connection handles.",
	})
	MessagesReceived = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chatter_messages_received_total",
		Help: "Total chat messages received over the messaging connection.",
	})
	MessageDecodeFail = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chatter_message_decode_fail_total",
		Help: "Total inbound payloads that could not be decoded.",
	})
	MessagesPublished = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chatter_messages_published_total",
		Help: "Total messages published.",
	})
	PublishDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chatter_publish_dropped_total",
		Help: "Total publishes dropped because the channel was not connected.",
	})
	HistoryPages = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chatter_history_pages_total",
		Help: "Total history page fetches, by result (ok, error, stale).",
	}, []string{"result"})
	Duplicates = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chatter_duplicate_messages_total",
		Help: "Total messages dropped by (sender, sentAt, body) de-duplication.",
	})
	Notifications = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chatter_notifications_total",
		Help: "Total unread-count notifications applied to the room list.",
	})
)

// Register registers the collectors with reg, or the default registerer when reg is nil.
func Register(reg prometheus.Registerer) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(
		ChannelConnects, ChannelReconnects, ChannelLive,
		MessagesReceived, MessageDecodeFail,
		MessagesPublished, PublishDropped,
		HistoryPages, Duplicates,
		Notifications,
	)
}
