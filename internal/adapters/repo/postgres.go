package repo

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"tg-signal-relay/internal/domain"
	"tg-signal-relay/internal/infra/metrics"
)

// ErrChannelNotFound возвращается, если канал не зарегистрирован.
var ErrChannelNotFound = errors.New("канал не найден")

// Postgres реализует репозитории на основе pgxpool.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres создаёт адаптер БД.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

func (p *Postgres) connCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, 5*time.Second)
}

// UpsertChannel сохраняет канал под каноничным chat ID. Повторное сохранение
// обновляет конфигурацию, но не трогает сохранённый курсор.
func (p *Postgres) UpsertChannel(ctx context.Context, channel domain.Channel) (domain.Channel, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	row := p.pool.QueryRow(ctx, `
INSERT INTO channels (chat_id, title, bot_token, active, sub_type, price_minor, description)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (chat_id) DO UPDATE SET title = EXCLUDED.title, bot_token = EXCLUDED.bot_token, active = EXCLUDED.active, sub_type = EXCLUDED.sub_type, price_minor = EXCLUDED.price_minor, description = EXCLUDED.description, updated_at = now()
RETURNING id, chat_id, title, bot_token, active, sub_type, price_minor, description, last_update_id, created_at, updated_at
`, channel.ChatID, channel.Title, channel.BotToken, channel.Active, string(channel.Type), channel.PriceMinor, channel.Description)
	saved, err := scanChannel(row)
	metrics.ObserveNetworkRequest("postgres", "channels_upsert", "channels", start, err)
	if err != nil {
		return domain.Channel{}, err
	}
	return saved, nil
}

// GetChannel возвращает канал по chat ID.
func (p *Postgres) GetChannel(ctx context.Context, chatID string) (domain.Channel, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	row := p.pool.QueryRow(ctx, `
SELECT id, chat_id, title, bot_token, active, sub_type, price_minor, description, last_update_id, created_at, updated_at
FROM channels WHERE chat_id = $1
`, chatID)
	channel, err := scanChannel(row)
	metrics.ObserveNetworkRequest("postgres", "channels_get", "channels", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Channel{}, ErrChannelNotFound
	}
	if err != nil {
		return domain.Channel{}, err
	}
	return channel, nil
}

// ListActiveChannels возвращает каналы с включённым флагом активности.
// Порядок не гарантируется.
func (p *Postgres) ListActiveChannels(ctx context.Context) ([]domain.Channel, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	rows, err := p.pool.Query(ctx, `
SELECT id, chat_id, title, bot_token, active, sub_type, price_minor, description, last_update_id, created_at, updated_at
FROM channels WHERE active
`)
	metrics.ObserveNetworkRequest("postgres", "channels_list_active", "channels", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var channels []domain.Channel
	for rows.Next() {
		channel, err := scanChannel(rows)
		if err != nil {
			return nil, err
		}
		channels = append(channels, channel)
	}
	return channels, rows.Err()
}

// SetActive переключает флаг активности канала.
func (p *Postgres) SetActive(ctx context.Context, chatID string, active bool) error {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	tag, err := p.pool.Exec(ctx, `UPDATE channels SET active = $2, updated_at = now() WHERE chat_id = $1`, chatID, active)
	metrics.ObserveNetworkRequest("postgres", "channels_set_active", "channels", start, err)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrChannelNotFound
	}
	return nil
}

// SaveOffset сохраняет курсор опроса канала.
func (p *Postgres) SaveOffset(ctx context.Context, chatID string, lastUpdateID int64) error {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	_, err := p.pool.Exec(ctx, `UPDATE channels SET last_update_id = $2 WHERE chat_id = $1`, chatID, lastUpdateID)
	metrics.ObserveNetworkRequest("postgres", "channels_save_offset", "channels", start, err)
	return err
}

// CreateSubscription создаёт подписку пользователя на канал.
func (p *Postgres) CreateSubscription(ctx context.Context, sub domain.Subscription) (domain.Subscription, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	var expires sql.NullTime
	if sub.ExpiresAt != nil {
		expires = sql.NullTime{Time: *sub.ExpiresAt, Valid: true}
	}

	start := time.Now()
	err := p.pool.QueryRow(ctx, `
INSERT INTO subscriptions (user_id, chat_id, is_paid, paid_minor, expires_at)
VALUES ($1, $2, $3, $4, $5)
RETURNING id, subscribed_at
`, sub.UserID, sub.ChatID, sub.IsPaid, sub.PaidMinor, expires).Scan(&sub.ID, &sub.SubscribedAt)
	metrics.ObserveNetworkRequest("postgres", "subscriptions_insert", "subscriptions", start, err)
	if err != nil {
		return domain.Subscription{}, err
	}
	return sub, nil
}

// ListByChannel возвращает все подписки канала. Фильтр активности
// вычисляется на стороне читателя: срок истечения проверяется лениво.
func (p *Postgres) ListByChannel(ctx context.Context, chatID string) ([]domain.Subscription, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	rows, err := p.pool.Query(ctx, `
SELECT id, user_id, chat_id, is_paid, paid_minor, expires_at, subscribed_at
FROM subscriptions WHERE chat_id = $1
`, chatID)
	metrics.ObserveNetworkRequest("postgres", "subscriptions_list", "subscriptions", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var subs []domain.Subscription
	for rows.Next() {
		var (
			sub     domain.Subscription
			expires sql.NullTime
		)
		if err := rows.Scan(&sub.ID, &sub.UserID, &sub.ChatID, &sub.IsPaid, &sub.PaidMinor, &expires, &sub.SubscribedAt); err != nil {
			return nil, err
		}
		if expires.Valid {
			ts := expires.Time
			sub.ExpiresAt = &ts
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

// CountActive считает активные подписки канала на указанный момент.
func (p *Postgres) CountActive(ctx context.Context, chatID string, now time.Time) (int, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	var count int
	err := p.pool.QueryRow(ctx, `
SELECT count(*) FROM subscriptions
WHERE chat_id = $1 AND (NOT is_paid OR expires_at IS NULL OR expires_at > $2)
`, chatID, now).Scan(&count)
	metrics.ObserveNetworkRequest("postgres", "subscriptions_count_active", "subscriptions", start, err)
	if err != nil {
		return 0, err
	}
	return count, nil
}

// SaveMessage сохраняет принятое сообщение канала.
func (p *Postgres) SaveMessage(ctx context.Context, msg domain.RelayMessage) (domain.RelayMessage, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	if msg.ReceivedAt.IsZero() {
		msg.ReceivedAt = time.Now().UTC()
	}
	var sent sql.NullTime
	if !msg.SentAt.IsZero() {
		sent = sql.NullTime{Time: msg.SentAt, Valid: true}
	}

	start := time.Now()
	err := p.pool.QueryRow(ctx, `
INSERT INTO messages (chat_id, tg_msg_id, text, sender, sent_at, received_at)
VALUES ($1, $2, $3, $4, $5, $6)
RETURNING id
`, msg.ChatID, msg.TGMsgID, msg.Text, msg.Sender, sent, msg.ReceivedAt).Scan(&msg.ID)
	metrics.ObserveNetworkRequest("postgres", "messages_insert", "messages", start, err)
	if err != nil {
		return domain.RelayMessage{}, err
	}
	return msg, nil
}

// CreateNotification создаёт уведомление подписчика.
func (p *Postgres) CreateNotification(ctx context.Context, n domain.Notification) (domain.Notification, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	err := p.pool.QueryRow(ctx, `
INSERT INTO notifications (user_id, chat_id, title, body, type)
VALUES ($1, $2, $3, $4, $5)
RETURNING id, is_read, created_at
`, n.UserID, n.ChatID, n.Title, n.Body, n.Type).Scan(&n.ID, &n.Read, &n.CreatedAt)
	metrics.ObserveNetworkRequest("postgres", "notifications_insert", "notifications", start, err)
	if err != nil {
		return domain.Notification{}, err
	}
	return n, nil
}

// ListByUser возвращает последние уведомления пользователя.
func (p *Postgres) ListByUser(ctx context.Context, userID string, limit int) ([]domain.Notification, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	if limit <= 0 {
		limit = 50
	}

	start := time.Now()
	rows, err := p.pool.Query(ctx, `
SELECT id, user_id, chat_id, title, body, type, is_read, created_at
FROM notifications WHERE user_id = $1
ORDER BY created_at DESC
LIMIT $2
`, userID, limit)
	metrics.ObserveNetworkRequest("postgres", "notifications_list", "notifications", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var list []domain.Notification
	for rows.Next() {
		var n domain.Notification
		if err := rows.Scan(&n.ID, &n.UserID, &n.ChatID, &n.Title, &n.Body, &n.Type, &n.Read, &n.CreatedAt); err != nil {
			return nil, err
		}
		list = append(list, n)
	}
	return list, rows.Err()
}

// MarkRead помечает уведомление прочитанным.
func (p *Postgres) MarkRead(ctx context.Context, id int64, userID string) error {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	_, err := p.pool.Exec(ctx, `UPDATE notifications SET is_read = true WHERE id = $1 AND user_id = $2`, id, userID)
	metrics.ObserveNetworkRequest("postgres", "notifications_mark_read", "notifications", start, err)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanChannel(row rowScanner) (domain.Channel, error) {
	var (
		channel domain.Channel
		subType string
	)
	err := row.Scan(&channel.ID, &channel.ChatID, &channel.Title, &channel.BotToken, &channel.Active, &subType, &channel.PriceMinor, &channel.Description, &channel.LastUpdateID, &channel.CreatedAt, &channel.UpdatedAt)
	if err != nil {
		return domain.Channel{}, err
	}
	channel.Type = domain.SubscriptionType(subType)
	return channel, nil
}
