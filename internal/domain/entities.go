package domain

import "time"

// SubscriptionType определяет модель подписки канала.
type SubscriptionType string

const (
	// SubscriptionFree — бесплатный канал, подписка всегда активна.
	SubscriptionFree SubscriptionType = "free"
	// SubscriptionPaid — платный канал, подписка активна до истечения срока.
	SubscriptionPaid SubscriptionType = "paid"
)

// Channel описывает подключённый источник сигналов (бот + чат Telegram).
type Channel struct {
	ID           int64
	ChatID       string
	Title        string
	BotToken     string
	Active       bool
	Type         SubscriptionType
	PriceMinor   int64
	Description  string
	LastUpdateID int64
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Subscription хранит связь пользователя с каналом.
type Subscription struct {
	ID           int64
	UserID       string
	ChatID       string
	IsPaid       bool
	PaidMinor    int64
	ExpiresAt    *time.Time
	SubscribedAt time.Time
}

// ActiveAt сообщает, действует ли подписка на указанный момент.
// Бесплатная подписка активна всегда; платная — пока не истёк срок,
// отсутствие срока означает бессрочную подписку.
func (s Subscription) ActiveAt(now time.Time) bool {
	if !s.IsPaid {
		return true
	}
	if s.ExpiresAt == nil {
		return true
	}
	return s.ExpiresAt.After(now)
}

// RelayMessage — принятое сообщение провайдера, привязанное к каналу.
// SentAt — штамп провайдера, ReceivedAt — момент приёма сервисом.
type RelayMessage struct {
	ID         int64
	ChatID     string
	TGMsgID    int64
	Text       string
	Sender     string
	SentAt     time.Time
	ReceivedAt time.Time
}

// Notification — запись доставки для одного подписчика.
type Notification struct {
	ID        int64
	UserID    string
	ChatID    string
	Title     string
	Body      string
	Type      string
	Read      bool
	CreatedAt time.Time
}

// NotificationTypeSignal — тег уведомления о торговом сигнале.
const NotificationTypeSignal = "trading_signal"

// BotInfo — ответ провайдера на запрос идентичности бота.
type BotInfo struct {
	ID       int64
	Username string
	Name     string
}

// ChatInfo — разрешённый провайдером чат. ID каноничен: именно он,
// а не введённая администратором ссылка, становится идентификатором канала.
type ChatInfo struct {
	ID    string
	Title string
	Type  string
}

// Update — один элемент выдачи getUpdates.
type Update struct {
	ID     int64
	MsgID  int64
	ChatID string
	Text   string
	Sender string
	SentAt time.Time
}

// DispatchReport — итог рассылки одного сообщения по подписчикам.
type DispatchReport struct {
	Total     int
	Delivered int
	Failed    int
}

// ChannelAlert публикуется, когда канал исчерпал лимит подряд идущих
// неудачных циклов опроса.
type ChannelAlert struct {
	ChatID     string    `json:"chat_id"`
	Failures   int       `json:"failures"`
	LastError  string    `json:"last_error"`
	OccurredAt time.Time `json:"occurred_at"`
}
