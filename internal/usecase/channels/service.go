package channels

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"tg-signal-relay/internal/domain"
)

var (
	// ErrBotVerification — токен бота не прошёл проверку у провайдера.
	ErrBotVerification = errors.New("токен бота не прошёл проверку")
	// ErrChatVerification — ссылку на чат не удалось разрешить.
	ErrChatVerification = errors.New("чат не удалось разрешить")
)

// PollerControl — управление поллерами, побочный эффект сохранения канала.
type PollerControl interface {
	StartPolling(channel domain.Channel)
	StopPolling(chatID string)
}

// Service управляет конфигурацией каналов: верификация, сохранение,
// включение и выключение опроса.
type Service struct {
	repo     domain.ChannelRepo
	subs     domain.SubscriptionRepo
	factory  domain.TransportFactory
	pollers  PollerControl
	cache    domain.Cache
	cacheTTL time.Duration
	log      zerolog.Logger
}

// NewService создаёт сервис каналов. Кэш опционален (nil отключает).
func NewService(repo domain.ChannelRepo, subs domain.SubscriptionRepo, factory domain.TransportFactory, pollers PollerControl, cache domain.Cache, cacheTTL time.Duration, log zerolog.Logger) *Service {
	if cacheTTL <= 0 {
		cacheTTL = 30 * time.Second
	}
	return &Service{repo: repo, subs: subs, factory: factory, pollers: pollers, cache: cache, cacheTTL: cacheTTL, log: log}
}

// VerifyBot проверяет, что токен позволяет достучаться до провайдера.
// Любая ошибка сети или провайдера считается отказом, без повторов.
func (s *Service) VerifyBot(ctx context.Context, token string) (domain.BotInfo, error) {
	info, err := s.factory(token).GetMe(ctx)
	if err != nil {
		return domain.BotInfo{}, fmt.Errorf("%w: %v", ErrBotVerification, err)
	}
	return info, nil
}

// VerifyChat разрешает введённую администратором ссылку на чат в каноничный
// идентификатор провайдера.
func (s *Service) VerifyChat(ctx context.Context, token, chatRef string) (domain.ChatInfo, error) {
	info, err := s.factory(token).GetChat(ctx, chatRef)
	if err != nil {
		return domain.ChatInfo{}, fmt.Errorf("%w: %v", ErrChatVerification, err)
	}
	return info, nil
}

// SaveChannelParams — входные данные административного сохранения канала.
type SaveChannelParams struct {
	// PrevChatID — идентификатор, под которым канал хранился до правки.
	// Пустой при создании.
	PrevChatID  string
	BotToken    string
	ChatRef     string
	Title       string
	Type        domain.SubscriptionType
	PriceMinor  int64
	Description string
	Active      bool
}

// SaveChannel верифицирует креды, сохраняет канал под каноничным
// идентификатором чата и запускает либо останавливает его поллер.
// Если верифицированный идентификатор отличается от прежнего, поллер
// прежнего идентификатора останавливается, а старая запись деактивируется:
// каналы физически не удаляются.
func (s *Service) SaveChannel(ctx context.Context, params SaveChannelParams) (domain.Channel, error) {
	if _, err := s.VerifyBot(ctx, params.BotToken); err != nil {
		return domain.Channel{}, err
	}
	chatInfo, err := s.VerifyChat(ctx, params.BotToken, params.ChatRef)
	if err != nil {
		return domain.Channel{}, err
	}

	title := params.Title
	if title == "" {
		title = chatInfo.Title
	}
	channelType := params.Type
	if channelType == "" {
		channelType = domain.SubscriptionFree
	}

	channel := domain.Channel{
		ChatID:      chatInfo.ID,
		Title:       title,
		BotToken:    params.BotToken,
		Active:      params.Active,
		Type:        channelType,
		PriceMinor:  params.PriceMinor,
		Description: params.Description,
	}
	saved, err := s.repo.UpsertChannel(ctx, channel)
	if err != nil {
		return domain.Channel{}, fmt.Errorf("сохранение канала: %w", err)
	}

	if params.PrevChatID != "" && params.PrevChatID != saved.ChatID {
		s.pollers.StopPolling(params.PrevChatID)
		if err := s.repo.SetActive(ctx, params.PrevChatID, false); err != nil {
			s.log.Error().Err(err).Str("chat_id", params.PrevChatID).Msg("не удалось деактивировать прежнюю запись канала")
		}
	}

	if saved.Active {
		s.pollers.StartPolling(saved)
	} else {
		s.pollers.StopPolling(saved.ChatID)
	}
	return saved, nil
}

// SetActive переключает активность канала и его поллер.
func (s *Service) SetActive(ctx context.Context, chatID string, active bool) error {
	if err := s.repo.SetActive(ctx, chatID, active); err != nil {
		return fmt.Errorf("переключение активности: %w", err)
	}
	if !active {
		s.pollers.StopPolling(chatID)
		return nil
	}
	channel, err := s.repo.GetChannel(ctx, chatID)
	if err != nil {
		return fmt.Errorf("получение канала: %w", err)
	}
	s.pollers.StartPolling(channel)
	return nil
}

// GetChannel возвращает канал по идентификатору.
func (s *Service) GetChannel(ctx context.Context, chatID string) (domain.Channel, error) {
	return s.repo.GetChannel(ctx, chatID)
}

// ListActive возвращает активные каналы.
func (s *Service) ListActive(ctx context.Context) ([]domain.Channel, error) {
	return s.repo.ListActiveChannels(ctx)
}

// StartActive восстанавливает поллеры всех активных каналов при старте
// процесса.
func (s *Service) StartActive(ctx context.Context) error {
	active, err := s.repo.ListActiveChannels(ctx)
	if err != nil {
		return fmt.Errorf("получение активных каналов: %w", err)
	}
	for _, channel := range active {
		s.pollers.StartPolling(channel)
	}
	return nil
}

// SubscriberCount возвращает число активных подписчиков канала для
// административного интерфейса. Значение кэшируется.
func (s *Service) SubscriberCount(ctx context.Context, chatID string) (int, error) {
	key := "subcount:" + chatID
	if s.cache != nil {
		if raw, err := s.cache.Get(key); err == nil {
			if count, convErr := strconv.Atoi(string(raw)); convErr == nil {
				return count, nil
			}
		}
	}
	count, err := s.subs.CountActive(ctx, chatID, time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("подсчёт подписчиков: %w", err)
	}
	if s.cache != nil {
		if err := s.cache.Set(key, []byte(strconv.Itoa(count)), s.cacheTTL); err != nil {
			s.log.Debug().Err(err).Str("chat_id", chatID).Msg("кэш счётчика подписчиков недоступен")
		}
	}
	return count, nil
}
