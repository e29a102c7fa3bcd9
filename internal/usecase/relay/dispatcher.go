package relay

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"tg-signal-relay/internal/domain"
	"tg-signal-relay/internal/infra/metrics"
)

// Dispatcher превращает принятое сообщение канала в запись и уведомления
// для всех активных на момент рассылки подписчиков.
type Dispatcher struct {
	channels      domain.ChannelRepo
	subs          domain.SubscriptionRepo
	messages      domain.MessageRepo
	notifications domain.NotificationRepo
	log           zerolog.Logger
	now           func() time.Time
}

// NewDispatcher создаёт диспетчер.
func NewDispatcher(channels domain.ChannelRepo, subs domain.SubscriptionRepo, messages domain.MessageRepo, notifications domain.NotificationRepo, log zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		channels:      channels,
		subs:          subs,
		messages:      messages,
		notifications: notifications,
		log:           log,
		now:           func() time.Time { return time.Now().UTC() },
	}
}

// Dispatch сохраняет сообщение и рассылает уведомления. Сообщение
// сохраняется безусловно, даже при нуле подписчиков; ошибка записи
// сообщения прерывает рассылку целиком.
func (d *Dispatcher) Dispatch(ctx context.Context, chatID string, upd domain.Update) (domain.DispatchReport, error) {
	msg := domain.RelayMessage{
		ChatID:     chatID,
		TGMsgID:    upd.MsgID,
		Text:       upd.Text,
		Sender:     upd.Sender,
		SentAt:     upd.SentAt,
		ReceivedAt: d.now(),
	}
	if _, err := d.messages.SaveMessage(ctx, msg); err != nil {
		return domain.DispatchReport{}, fmt.Errorf("сохранение сообщения: %w", err)
	}

	body := upd.Text
	if upd.Sender != "" {
		body = upd.Sender + ": " + upd.Text
	}
	return d.FanOut(ctx, chatID, d.SignalTitle(ctx, chatID), body, domain.NotificationTypeSignal)
}

// FanOut создаёт по одному уведомлению на каждого активного подписчика
// канала. Ошибка записи одного уведомления логируется и не прерывает
// рассылку остальным.
func (d *Dispatcher) FanOut(ctx context.Context, chatID, title, body, msgType string) (domain.DispatchReport, error) {
	subs, err := d.subs.ListByChannel(ctx, chatID)
	if err != nil {
		return domain.DispatchReport{}, fmt.Errorf("получение подписчиков: %w", err)
	}

	now := d.now()
	active := make([]domain.Subscription, 0, len(subs))
	for _, sub := range subs {
		if sub.ActiveAt(now) {
			active = append(active, sub)
		}
	}

	report := domain.DispatchReport{Total: len(active)}
	if len(active) == 0 {
		return report, nil
	}

	start := time.Now()
	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for _, sub := range active {
		wg.Add(1)
		go func(sub domain.Subscription) {
			defer wg.Done()
			_, err := d.notifications.CreateNotification(ctx, domain.Notification{
				UserID: sub.UserID,
				ChatID: chatID,
				Title:  title,
				Body:   body,
				Type:   msgType,
			})
			metrics.ObserveNotification(err)
			mu.Lock()
			if err != nil {
				report.Failed++
				d.log.Error().Err(err).Str("chat_id", chatID).Str("user_id", sub.UserID).Msg("не удалось создать уведомление")
			} else {
				report.Delivered++
			}
			mu.Unlock()
		}(sub)
	}
	wg.Wait()
	metrics.FanoutSeconds.Observe(time.Since(start).Seconds())
	return report, nil
}

// SignalTitle строит заголовок уведомления канала.
func (d *Dispatcher) SignalTitle(ctx context.Context, chatID string) string {
	channel, err := d.channels.GetChannel(ctx, chatID)
	if err != nil || channel.Title == "" {
		return "Trading Signal"
	}
	return channel.Title + " - Trading Signal"
}
