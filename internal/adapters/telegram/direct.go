package telegram

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"tg-signal-relay/internal/domain"
	"tg-signal-relay/internal/infra/metrics"
)

// Direct реализует domain.MessagingTransport напрямую через Bot API.
// Клиент создаётся лениво: конструктор tgbotapi сам ходит в getMe, и его
// ошибка должна всплыть как ошибка верификации, а не падение сервиса.
type Direct struct {
	token    string
	interval time.Duration

	mu  sync.Mutex
	bot *tgbotapi.BotAPI
}

// NewDirect создаёт прямой транспорт с указанным интервалом опроса.
func NewDirect(token string, interval time.Duration) *Direct {
	if interval <= 0 {
		interval = 3 * time.Second
	}
	return &Direct{token: token, interval: interval}
}

// PollInterval возвращает интервал опроса прямого режима.
func (d *Direct) PollInterval() time.Duration {
	return d.interval
}

func (d *Direct) api() (*tgbotapi.BotAPI, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.bot != nil {
		return d.bot, nil
	}
	start := time.Now()
	bot, err := tgbotapi.NewBotAPI(d.token)
	metrics.ObserveNetworkRequest("telegram", "get_me", "direct", start, err)
	if err != nil {
		return nil, err
	}
	d.bot = bot
	return bot, nil
}

// GetMe проверяет токен бота запросом идентичности.
func (d *Direct) GetMe(ctx context.Context) (domain.BotInfo, error) {
	if err := ctx.Err(); err != nil {
		return domain.BotInfo{}, err
	}
	bot, err := d.api()
	if err != nil {
		return domain.BotInfo{}, err
	}
	return domain.BotInfo{
		ID:       bot.Self.ID,
		Username: bot.Self.UserName,
		Name:     bot.Self.FirstName,
	}, nil
}

// GetChat разрешает ссылку на чат в каноничный идентификатор провайдера.
// Ссылкой может быть числовой ID или @username.
func (d *Direct) GetChat(ctx context.Context, chatRef string) (domain.ChatInfo, error) {
	if err := ctx.Err(); err != nil {
		return domain.ChatInfo{}, err
	}
	bot, err := d.api()
	if err != nil {
		return domain.ChatInfo{}, err
	}

	cfg := tgbotapi.ChatInfoConfig{}
	ref := strings.TrimSpace(chatRef)
	if id, numErr := strconv.ParseInt(ref, 10, 64); numErr == nil {
		cfg.ChatConfig = tgbotapi.ChatConfig{ChatID: id}
	} else {
		if !strings.HasPrefix(ref, "@") {
			ref = "@" + ref
		}
		cfg.ChatConfig = tgbotapi.ChatConfig{SuperGroupUsername: ref}
	}

	start := time.Now()
	chat, err := bot.GetChat(cfg)
	metrics.ObserveNetworkRequest("telegram", "get_chat", "direct", start, err)
	if err != nil {
		return domain.ChatInfo{}, err
	}
	title := chat.Title
	if title == "" {
		title = chat.UserName
	}
	return domain.ChatInfo{
		ID:    strconv.FormatInt(chat.ID, 10),
		Title: title,
		Type:  chat.Type,
	}, nil
}

// GetUpdates возвращает апдейты начиная с указанного offset.
func (d *Direct) GetUpdates(ctx context.Context, offset int64, limit int) ([]domain.Update, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	bot, err := d.api()
	if err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 100 {
		limit = 100
	}

	start := time.Now()
	raw, err := bot.GetUpdates(tgbotapi.UpdateConfig{Offset: int(offset), Limit: limit})
	metrics.ObserveNetworkRequest("telegram", "get_updates", "direct", start, err)
	if err != nil {
		return nil, err
	}

	updates := make([]domain.Update, 0, len(raw))
	for _, u := range raw {
		msg := u.Message
		if msg == nil {
			msg = u.ChannelPost
		}
		if msg == nil {
			// Курсор всё равно должен продвинуться, поэтому апдейт
			// без сообщения отдаётся с пустым чатом.
			updates = append(updates, domain.Update{ID: int64(u.UpdateID)})
			continue
		}
		updates = append(updates, domain.Update{
			ID:     int64(u.UpdateID),
			MsgID:  int64(msg.MessageID),
			ChatID: strconv.FormatInt(msg.Chat.ID, 10),
			Text:   msg.Text,
			Sender: senderHandle(msg),
			SentAt: time.Unix(int64(msg.Date), 0).UTC(),
		})
	}
	return updates, nil
}

func senderHandle(msg *tgbotapi.Message) string {
	if msg.From != nil {
		if msg.From.UserName != "" {
			return msg.From.UserName
		}
		return msg.From.FirstName
	}
	if msg.SenderChat != nil {
		return msg.SenderChat.Title
	}
	return ""
}
