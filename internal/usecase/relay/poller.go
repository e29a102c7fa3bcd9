package relay

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"tg-signal-relay/internal/domain"
	"tg-signal-relay/internal/infra/metrics"
)

// UpdateDispatcher принимает отфильтрованные апдейты канала.
type UpdateDispatcher interface {
	Dispatch(ctx context.Context, chatID string, upd domain.Update) (domain.DispatchReport, error)
}

// ManagerConfig задаёт параметры опроса.
type ManagerConfig struct {
	// BatchLimit — максимум апдейтов за один запрос getUpdates.
	BatchLimit int
	// AlertThreshold — после скольких подряд неудачных циклов публикуется
	// алерт. Ноль отключает алерты.
	AlertThreshold int
	// MaxBackoff — потолок экспоненциальной задержки при сбоях.
	MaxBackoff time.Duration
}

// Manager владеет набором поллеров, по одному на chat ID канала.
// Инъецируется, а не живёт глобальной переменной: тесты поднимают
// изолированные экземпляры.
type Manager struct {
	factory    domain.TransportFactory
	channels   domain.ChannelRepo
	dispatcher UpdateDispatcher
	alerts     domain.AlertPublisher
	matcher    domain.ChatMatcher
	log        zerolog.Logger
	cfg        ManagerConfig

	mu      sync.Mutex
	pollers map[string]*poller
}

type poller struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// NewManager создаёт менеджер поллеров. Алерты опциональны (nil отключает),
// matcher по умолчанию — domain.SignlessMatch.
func NewManager(factory domain.TransportFactory, channels domain.ChannelRepo, dispatcher UpdateDispatcher, alerts domain.AlertPublisher, matcher domain.ChatMatcher, log zerolog.Logger, cfg ManagerConfig) *Manager {
	if matcher == nil {
		matcher = domain.SignlessMatch
	}
	if cfg.BatchLimit <= 0 {
		cfg.BatchLimit = 100
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 2 * time.Minute
	}
	return &Manager{
		factory:    factory,
		channels:   channels,
		dispatcher: dispatcher,
		alerts:     alerts,
		matcher:    matcher,
		log:        log,
		cfg:        cfg,
		pollers:    make(map[string]*poller),
	}
}

// StartPolling запускает поллер канала. Вызов идемпотентен по chat ID:
// уже запущенный поллер останавливается и заменяется новым. Подмена записи
// в реестре атомарна: новая ручка встаёт на место старой под одной
// блокировкой, поэтому параллельные вызовы не могут оставить поллер без
// зарегистрированной ручки отмены.
func (m *Manager) StartPolling(channel domain.Channel) {
	ctx, cancel := context.WithCancel(context.Background())
	p := &poller{cancel: cancel, done: make(chan struct{})}

	m.mu.Lock()
	prev := m.pollers[channel.ChatID]
	m.pollers[channel.ChatID] = p
	m.mu.Unlock()

	if prev != nil {
		prev.cancel()
		<-prev.done
		m.log.Info().Str("chat_id", channel.ChatID).Msg("поллер остановлен")
	}

	transport := m.factory(channel.BotToken)
	go m.run(ctx, channel, transport, p.done)
	m.log.Info().Str("chat_id", channel.ChatID).Msg("поллер запущен")
}

// StopPolling останавливает поллер канала и дожидается завершения его
// горутины, чтобы деактивированный канал не писал побочные эффекты после
// возврата. Отсутствующий поллер — no-op.
func (m *Manager) StopPolling(chatID string) {
	m.mu.Lock()
	p, ok := m.pollers[chatID]
	if ok {
		delete(m.pollers, chatID)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	p.cancel()
	<-p.done
	m.log.Info().Str("chat_id", chatID).Msg("поллер остановлен")
}

// StopAll останавливает все поллеры. Используется при завершении процесса.
func (m *Manager) StopAll() {
	m.mu.Lock()
	chatIDs := make([]string, 0, len(m.pollers))
	for chatID := range m.pollers {
		chatIDs = append(chatIDs, chatID)
	}
	m.mu.Unlock()
	for _, chatID := range chatIDs {
		m.StopPolling(chatID)
	}
}

// Running сообщает, запущен ли поллер канала.
func (m *Manager) Running(chatID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.pollers[chatID]
	return ok
}

func (m *Manager) run(ctx context.Context, channel domain.Channel, transport domain.MessagingTransport, done chan struct{}) {
	defer close(done)
	metrics.PollersActive.Inc()
	defer metrics.PollersActive.Dec()

	interval := transport.PollInterval()
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = interval
	bo.MaxInterval = m.cfg.MaxBackoff
	bo.MaxElapsedTime = 0
	bo.Reset()

	cursor := channel.LastUpdateID
	failures := 0
	for {
		// Ручка могла быть отменена заменой ещё до запуска горутины.
		if ctx.Err() != nil {
			return
		}
		next, err := m.cycle(ctx, channel.ChatID, transport, cursor)
		metrics.ObservePollCycle(channel.ChatID, err)
		delay := interval
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			failures++
			delay = bo.NextBackOff()
			m.log.Error().Err(err).Str("chat_id", channel.ChatID).Int("failures", failures).Dur("retry_in", delay).Msg("цикл опроса не удался")
			if m.alerts != nil && m.cfg.AlertThreshold > 0 && failures == m.cfg.AlertThreshold {
				alert := domain.ChannelAlert{
					ChatID:     channel.ChatID,
					Failures:   failures,
					LastError:  err.Error(),
					OccurredAt: time.Now().UTC(),
				}
				if perr := m.alerts.PublishChannelAlert(ctx, alert); perr != nil {
					m.log.Error().Err(perr).Str("chat_id", channel.ChatID).Msg("не удалось опубликовать алерт")
				}
			}
		} else {
			cursor = next
			failures = 0
			bo.Reset()
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

// cycle выполняет один цикл: запрашивает апдейты строго после курсора,
// продвигает курсор до максимального увиденного идентификатора (в том числе
// для чужих чатов того же бота) и передаёт совпавшие апдейты диспетчеру.
func (m *Manager) cycle(ctx context.Context, chatID string, transport domain.MessagingTransport, cursor int64) (int64, error) {
	updates, err := transport.GetUpdates(ctx, cursor+1, m.cfg.BatchLimit)
	if err != nil {
		return cursor, err
	}

	maxID := cursor
	for _, upd := range updates {
		if upd.ID > maxID {
			maxID = upd.ID
		}
		if upd.ChatID == "" || !m.matcher(upd.ChatID, chatID) {
			continue
		}
		metrics.UpdatesAccepted.WithLabelValues(chatID).Inc()
		report, derr := m.dispatcher.Dispatch(ctx, chatID, upd)
		if derr != nil {
			// Ошибка рассылки одного сообщения не прерывает цикл и не
			// откатывает курсор: пропущенный сигнал не переигрывается.
			m.log.Error().Err(derr).Str("chat_id", chatID).Int64("update_id", upd.ID).Msg("рассылка сообщения не удалась")
			continue
		}
		if report.Failed > 0 {
			m.log.Warn().Str("chat_id", chatID).Int("failed", report.Failed).Int("delivered", report.Delivered).Msg("частичная доставка уведомлений")
		}
	}

	if maxID > cursor {
		if err := m.channels.SaveOffset(ctx, chatID, maxID); err != nil {
			// Курсор остаётся в памяти; потеря записи грозит лишь
			// повторной обработкой после рестарта.
			m.log.Error().Err(err).Str("chat_id", chatID).Msg("не удалось сохранить курсор")
		}
	}
	return maxID, nil
}
