package broadcast

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"tg-signal-relay/internal/domain"
	"tg-signal-relay/internal/infra/metrics"
	"tg-signal-relay/internal/usecase/relay"
)

var (
	// ErrEmptyMessage — рассылать нечего.
	ErrEmptyMessage = errors.New("пустое сообщение рассылки")
	// ErrDuplicateBroadcast — рассылка с таким broadcast_id уже выполнялась
	// и была подавлена защитой от повтора.
	ErrDuplicateBroadcast = errors.New("рассылка с таким идентификатором уже выполнена")
)

const onceTTL = 10 * time.Minute

// SignalTemplate — быстрый шаблон торгового сигнала.
type SignalTemplate struct {
	Action string // BUY / SELL
	Symbol string
	Entry  string
	Target string
	Stop   string
}

// Render собирает текст сигнала из шаблона.
func (t SignalTemplate) Render() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s", strings.ToUpper(strings.TrimSpace(t.Action)), strings.ToUpper(strings.TrimSpace(t.Symbol)))
	if t.Entry != "" {
		fmt.Fprintf(&b, " @ %s", t.Entry)
	}
	if t.Target != "" {
		fmt.Fprintf(&b, " | TP %s", t.Target)
	}
	if t.Stop != "" {
		fmt.Fprintf(&b, " | SL %s", t.Stop)
	}
	return b.String()
}

// Service выполняет административные рассылки, минуя поллер: тот же фильтр
// активности подписок и тот же fan-out, что у диспетчера.
type Service struct {
	dispatcher *relay.Dispatcher
	cache      domain.Cache
	log        zerolog.Logger
}

// NewService создаёт сервис рассылок. Кэш опционален (nil отключает защиту
// от повторной отправки).
func NewService(dispatcher *relay.Dispatcher, cache domain.Cache, log zerolog.Logger) *Service {
	return &Service{dispatcher: dispatcher, cache: cache, log: log}
}

// SendTest отправляет тестовое уведомление всем активным подписчикам.
// broadcastID — ключ идемпотентности повтора; пустой генерируется заново.
func (s *Service) SendTest(ctx context.Context, chatID, text, broadcastID string) (domain.DispatchReport, error) {
	if strings.TrimSpace(text) == "" {
		text = "Тестовое уведомление"
	}
	return s.send(ctx, chatID, text, "test", broadcastID)
}

// SendCustom отправляет произвольный сигнал администратора.
func (s *Service) SendCustom(ctx context.Context, chatID, text, broadcastID string) (domain.DispatchReport, error) {
	if strings.TrimSpace(text) == "" {
		return domain.DispatchReport{}, ErrEmptyMessage
	}
	return s.send(ctx, chatID, text, domain.NotificationTypeSignal, broadcastID)
}

// SendSignal отправляет сигнал по быстрому шаблону.
func (s *Service) SendSignal(ctx context.Context, chatID string, template SignalTemplate, broadcastID string) (domain.DispatchReport, error) {
	if strings.TrimSpace(template.Action) == "" || strings.TrimSpace(template.Symbol) == "" {
		return domain.DispatchReport{}, ErrEmptyMessage
	}
	return s.send(ctx, chatID, template.Render(), domain.NotificationTypeSignal, broadcastID)
}

func (s *Service) send(ctx context.Context, chatID, body, msgType, broadcastID string) (domain.DispatchReport, error) {
	if broadcastID == "" {
		broadcastID = uuid.NewString()
	}
	metrics.BroadcastsTotal.Inc()
	title := s.dispatcher.SignalTitle(ctx, chatID)

	var (
		report domain.DispatchReport
		ran    bool
	)
	run := func() error {
		ran = true
		var err error
		report, err = s.dispatcher.FanOut(ctx, chatID, title, body, msgType)
		return err
	}

	if s.cache == nil {
		if err := run(); err != nil {
			return domain.DispatchReport{}, err
		}
	} else if err := s.cache.Once("broadcast:"+broadcastID, onceTTL, run); err != nil {
		return domain.DispatchReport{}, err
	}
	if !ran {
		// Ключ уже занят: повтор не должен выглядеть как рассылка в пустоту.
		s.log.Info().Str("chat_id", chatID).Str("broadcast_id", broadcastID).Msg("повтор рассылки подавлен")
		return domain.DispatchReport{}, ErrDuplicateBroadcast
	}

	s.log.Info().Str("chat_id", chatID).Str("broadcast_id", broadcastID).Int("delivered", report.Delivered).Int("failed", report.Failed).Msg("рассылка выполнена")
	return report, nil
}
