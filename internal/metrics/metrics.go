package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	once sync.Once

	// FramesTotal: входящие кадры WebSocket по типу (text, binary, ping, ...).
	FramesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "feed",
		Subsystem: "ws",
		Name:      "frames_total",
		Help:      "Total number of frames received from WebSocket by kind",
	}, []string{"kind"})

	// UpdatesTotal: успешно декодированные MarketUpdate.
	UpdatesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "feed",
		Subsystem: "ws",
		Name:      "updates_total",
		Help:      "Total number of decoded market updates",
	})

	// DecodeErrors: текстовые кадры, которые не удалось разобрать.
	DecodeErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "feed",
		Subsystem: "ws",
		Name:      "decode_errors_total",
		Help:      "Text frames that could not be decoded as market updates",
	})

	// HeartbeatsSent: отправленные прикладные PING.
	HeartbeatsSent = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "feed",
		Subsystem: "ws",
		Name:      "heartbeats_total",
		Help:      "Application heartbeats written to the socket",
	})

	// SendErrors: ошибки записи в сокет (подписка или heartbeat).
	SendErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "feed",
		Subsystem: "ws",
		Name:      "send_errors_total",
		Help:      "Failed writes to the WebSocket",
	})

	// SessionState: текущее состояние цикла диспетчеризации.
	SessionState = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "feed",
		Subsystem: "session",
		Name:      "state",
		Help:      "Dispatch loop state: 0 connecting, 1 subscribing, 2 streaming, 3 closing, 4 closed",
	})

	// SinkErrors: ошибки потребителей по имени sink-а.
	SinkErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "feed",
		Subsystem: "sink",
		Name:      "errors_total",
		Help:      "Errors returned by market update consumers",
	}, []string{"sink"})

	// SinkDropped: события, отброшенные из-за переполненной очереди sink-ов.
	SinkDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "feed",
		Subsystem: "sink",
		Name:      "dropped_total",
		Help:      "Market events dropped because the sink queue was full",
	})

	// HTTPRequests: запросы к служебному HTTP-серверу.
	HTTPRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "feed",
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "Total HTTP requests to the ops server",
	}, []string{"path", "method", "code"})

	HTTPDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "feed",
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "Request duration",
		Buckets:   prometheus.DefBuckets,
	}, []string{"path", "method"})
)

// Register регистрирует все метрики в заданном реестре.
// Можно вызвать без аргументов, чтобы зарегистрировать в DefaultRegisterer.
func Register(registerers ...prometheus.Registerer) {
	once.Do(func() {
		var reg prometheus.Registerer
		if len(registerers) > 0 && registerers[0] != nil {
			reg = registerers[0]
		} else {
			reg = prometheus.DefaultRegisterer
		}
		reg.MustRegister(
			FramesTotal,
			UpdatesTotal,
			DecodeErrors,
			HeartbeatsSent,
			SendErrors,
			SessionState,
			SinkErrors,
			SinkDropped,
			HTTPRequests,
			HTTPDuration,
		)
	})
}
