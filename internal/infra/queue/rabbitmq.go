package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"tg-signal-relay/internal/domain"
	"tg-signal-relay/internal/infra/metrics"
)

// RabbitAlertPublisher публикует алерты о деградации каналов в exchange
// RabbitMQ. Потребитель (дежурный бот, алертинг) вне этого сервиса.
type RabbitAlertPublisher struct {
	conn     *amqp.Connection
	ch       *amqp.Channel
	exchange string
}

// NewRabbitAlertPublisher подключается к брокеру и объявляет exchange.
func NewRabbitAlertPublisher(amqpURL, exchange string) (*RabbitAlertPublisher, error) {
	if amqpURL == "" {
		return nil, errors.New("amqp url is empty")
	}
	if exchange == "" {
		return nil, errors.New("exchange name is empty")
	}
	conn, err := amqp.Dial(amqpURL)
	if err != nil {
		return nil, fmt.Errorf("dial amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, "fanout", true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("declare exchange: %w", err)
	}
	return &RabbitAlertPublisher{conn: conn, ch: ch, exchange: exchange}, nil
}

// PublishChannelAlert отправляет алерт в exchange.
func (p *RabbitAlertPublisher) PublishChannelAlert(ctx context.Context, alert domain.ChannelAlert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("marshal alert: %w", err)
	}
	start := time.Now()
	err = p.ch.PublishWithContext(ctx, p.exchange, "", false, false, amqp.Publishing{
		ContentType: "application/json",
		Timestamp:   alert.OccurredAt,
		Body:        payload,
	})
	metrics.ObserveNetworkRequest("rabbitmq", "publish", p.exchange, start, err)
	if err != nil {
		return fmt.Errorf("publish alert: %w", err)
	}
	metrics.ChannelAlertsTotal.Inc()
	return nil
}

// Close закрывает канал и соединение.
func (p *RabbitAlertPublisher) Close() error {
	if err := p.ch.Close(); err != nil {
		_ = p.conn.Close()
		return err
	}
	return p.conn.Close()
}
