package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	chi "github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"tg-signal-relay/internal/adapters/httpapi"
	"tg-signal-relay/internal/adapters/repo"
	"tg-signal-relay/internal/adapters/telegram"
	"tg-signal-relay/internal/domain"
	"tg-signal-relay/internal/infra/cache"
	"tg-signal-relay/internal/infra/config"
	"tg-signal-relay/internal/infra/db"
	httpinfra "tg-signal-relay/internal/infra/http"
	loginfra "tg-signal-relay/internal/infra/log"
	"tg-signal-relay/internal/infra/metrics"
	"tg-signal-relay/internal/infra/queue"
	"tg-signal-relay/internal/usecase/broadcast"
	"tg-signal-relay/internal/usecase/channels"
	"tg-signal-relay/internal/usecase/relay"
)

func main() {
	cfg := config.Load()
	logger := loginfra.NewLogger(cfg.AppEnv)

	metrics.MustRegister(prometheus.DefaultRegisterer)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := db.Connect(cfg.PGDSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("relay: нет подключения к БД")
	}
	defer pool.Close()
	repoAdapter := repo.NewPostgres(pool)

	var cacheAdapter domain.Cache
	if cfg.RedisAddr != "" {
		cacheAdapter = cache.NewRedis(redis.NewClient(&redis.Options{Addr: cfg.RedisAddr}))
	}

	var alerts domain.AlertPublisher
	if cfg.AMQP.URL != "" {
		publisher, err := queue.NewRabbitAlertPublisher(cfg.AMQP.URL, cfg.AMQP.Exchange)
		if err != nil {
			logger.Fatal().Err(err).Msg("relay: нет подключения к RabbitMQ")
		}
		defer publisher.Close()
		alerts = publisher
	}

	var factory domain.TransportFactory
	if cfg.Telegram.ProxyURL != "" {
		factory = func(botToken string) domain.MessagingTransport {
			return telegram.NewProxy(cfg.Telegram.ProxyURL, botToken, cfg.Poll.ProxyInterval)
		}
	} else {
		factory = func(botToken string) domain.MessagingTransport {
			return telegram.NewDirect(botToken, cfg.Poll.DirectInterval)
		}
	}

	dispatcher := relay.NewDispatcher(repoAdapter, repoAdapter, repoAdapter, repoAdapter, logger.With().Str("component", "dispatcher").Logger())
	manager := relay.NewManager(factory, repoAdapter, dispatcher, alerts, domain.SignlessMatch, logger.With().Str("component", "poller").Logger(), relay.ManagerConfig{
		BatchLimit:     cfg.Poll.BatchLimit,
		AlertThreshold: cfg.Poll.AlertThreshold,
		MaxBackoff:     cfg.Poll.MaxBackoff,
	})
	channelSvc := channels.NewService(repoAdapter, repoAdapter, factory, manager, cacheAdapter, cfg.Poll.SubCountCacheTTL, logger.With().Str("component", "channels").Logger())
	broadcastSvc := broadcast.NewService(dispatcher, cacheAdapter, logger.With().Str("component", "broadcast").Logger())

	if err := channelSvc.StartActive(ctx); err != nil {
		logger.Fatal().Err(err).Msg("relay: не удалось восстановить поллеры")
	}

	server := httpinfra.NewServer(logger)
	apiHandler := httpapi.NewHandler(channelSvc, broadcastSvc, repoAdapter, repoAdapter, logger.With().Str("component", "httpapi").Logger())
	server.Router.Group(func(protected chi.Router) {
		protected.Use(httpinfra.AdminTokenMiddleware(cfg.AdminToken))
		apiHandler.Mount(protected)
	})

	go func() {
		if err := server.Start(fmt.Sprintf(":%d", cfg.Port)); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("HTTP сервер остановлен")
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("остановка ретранслятора")
	manager.StopAll()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
}

var _ domain.ChannelRepo = (*repo.Postgres)(nil)
var _ domain.SubscriptionRepo = (*repo.Postgres)(nil)
var _ domain.MessageRepo = (*repo.Postgres)(nil)
var _ domain.NotificationRepo = (*repo.Postgres)(nil)
var _ domain.MessagingTransport = (*telegram.Direct)(nil)
var _ domain.MessagingTransport = (*telegram.Proxy)(nil)
var _ domain.AlertPublisher = (*queue.RabbitAlertPublisher)(nil)
var _ channels.PollerControl = (*relay.Manager)(nil)
