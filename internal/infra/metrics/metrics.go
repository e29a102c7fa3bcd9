package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	PollersActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "relay_pollers_active",
		Help: "Количество запущенных поллеров каналов",
	})
	PollCycles = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_poll_cycles_total",
		Help: "Циклы опроса каналов по статусу",
	}, []string{"chat_id", "status"})
	UpdatesAccepted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_updates_accepted_total",
		Help: "Принятые апдейты по каналам",
	}, []string{"chat_id"})
	NotificationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_notifications_total",
		Help: "Созданные уведомления по статусу записи",
	}, []string{"status"})
	FanoutSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "relay_fanout_seconds",
		Help:    "Время рассылки одного сообщения по подписчикам",
		Buckets: prometheus.DefBuckets,
	})
	BroadcastsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_broadcasts_total",
		Help: "Количество административных рассылок",
	})
	ChannelAlertsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_channel_alerts_total",
		Help: "Алерты о каналах, исчерпавших лимит неудачных циклов",
	})

	NetworkRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "network_request_duration_seconds",
		Help:    "Длительность сетевых запросов",
		Buckets: prometheus.DefBuckets,
	}, []string{"component", "operation", "target", "status"})

	NetworkRequestTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "network_request_total",
		Help: "Количество сетевых запросов",
	}, []string{"component", "operation", "target", "status"})
)

// MustRegister регистрирует метрики.
func MustRegister(registerer prometheus.Registerer) {
	registerer.MustRegister(
		PollersActive,
		PollCycles,
		UpdatesAccepted,
		NotificationsTotal,
		FanoutSeconds,
		BroadcastsTotal,
		ChannelAlertsTotal,
		NetworkRequestDuration,
		NetworkRequestTotal,
	)
}

// ObserveNetworkRequest записывает длительность и статус сетевого запроса.
func ObserveNetworkRequest(component, operation, target string, start time.Time, err error) {
	if component == "" {
		component = "unknown"
	}
	if operation == "" {
		operation = "unknown"
	}
	if target == "" {
		target = "unknown"
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	duration := time.Since(start).Seconds()
	NetworkRequestDuration.WithLabelValues(component, operation, target, status).Observe(duration)
	NetworkRequestTotal.WithLabelValues(component, operation, target, status).Inc()
}

// ObservePollCycle записывает результат одного цикла опроса.
func ObservePollCycle(chatID string, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	PollCycles.WithLabelValues(chatID, status).Inc()
}

// ObserveNotification записывает результат создания одного уведомления.
func ObserveNotification(err error) {
	status := "created"
	if err != nil {
		status = "failed"
	}
	NotificationsTotal.WithLabelValues(status).Inc()
}
