package domain

import (
	"context"
	"time"
)

// ChannelRepo управляет конфигурацией каналов.
type ChannelRepo interface {
	UpsertChannel(ctx context.Context, channel Channel) (Channel, error)
	GetChannel(ctx context.Context, chatID string) (Channel, error)
	ListActiveChannels(ctx context.Context) ([]Channel, error)
	SetActive(ctx context.Context, chatID string, active bool) error
	SaveOffset(ctx context.Context, chatID string, lastUpdateID int64) error
}

// SubscriptionRepo управляет подписками пользователей.
type SubscriptionRepo interface {
	CreateSubscription(ctx context.Context, sub Subscription) (Subscription, error)
	ListByChannel(ctx context.Context, chatID string) ([]Subscription, error)
	CountActive(ctx context.Context, chatID string, now time.Time) (int, error)
}

// MessageRepo сохраняет принятые сообщения каналов.
type MessageRepo interface {
	SaveMessage(ctx context.Context, msg RelayMessage) (RelayMessage, error)
}

// NotificationRepo управляет уведомлениями подписчиков.
type NotificationRepo interface {
	CreateNotification(ctx context.Context, n Notification) (Notification, error)
	ListByUser(ctx context.Context, userID string, limit int) ([]Notification, error)
	MarkRead(ctx context.Context, id int64, userID string) error
}

// MessagingTransport абстрагирует HTTP API провайдера сообщений.
// Прямая реализация ходит в Bot API напрямую, прокси-реализация — через
// промежуточную функцию; интервал опроса у них различается.
type MessagingTransport interface {
	GetMe(ctx context.Context) (BotInfo, error)
	GetChat(ctx context.Context, chatRef string) (ChatInfo, error)
	GetUpdates(ctx context.Context, offset int64, limit int) ([]Update, error)
	PollInterval() time.Duration
}

// TransportFactory создаёт транспорт под токен конкретного бота.
type TransportFactory func(botToken string) MessagingTransport

// Cache используется для простых TTL-хранилищ.
type Cache interface {
	Once(key string, ttl time.Duration, fn func() error) error
	Set(key string, value []byte, ttl time.Duration) error
	Get(key string) ([]byte, error)
}

// AlertPublisher доставляет алерты о деградации каналов.
type AlertPublisher interface {
	PublishChannelAlert(ctx context.Context, alert ChannelAlert) error
}
