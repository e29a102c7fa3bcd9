package config

import (
	"log"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// AppConfig описывает конфигурацию сервиса.
type AppConfig struct {
	AppEnv string `envconfig:"APP_ENV" default:"dev"`
	Port   int    `envconfig:"PORT" default:"8080"`

	AdminToken string `envconfig:"ADMIN_TOKEN"`

	Telegram struct {
		ProxyURL string `envconfig:"TG_PROXY_URL"`
	} `envconfig:""`

	Poll struct {
		DirectInterval   time.Duration `envconfig:"POLL_DIRECT_INTERVAL" default:"3s"`
		ProxyInterval    time.Duration `envconfig:"POLL_PROXY_INTERVAL" default:"10s"`
		BatchLimit       int           `envconfig:"POLL_BATCH_LIMIT" default:"100"`
		MaxBackoff       time.Duration `envconfig:"POLL_MAX_BACKOFF" default:"2m"`
		AlertThreshold   int           `envconfig:"POLL_ALERT_THRESHOLD" default:"10"`
		SubCountCacheTTL time.Duration `envconfig:"SUBSCRIBER_COUNT_TTL" default:"30s"`
	} `envconfig:""`

	PGDSN string `envconfig:"PG_DSN"`

	RedisAddr string `envconfig:"REDIS_ADDR"`

	AMQP struct {
		URL      string `envconfig:"AMQP_URL"`
		Exchange string `envconfig:"AMQP_ALERT_EXCHANGE" default:"relay.alerts"`
	} `envconfig:""`
}

// Load загружает конфиг из окружения.
func Load() AppConfig {
	var cfg AppConfig
	if err := envconfig.Process("", &cfg); err != nil {
		log.Fatalf("не удалось загрузить конфиг: %v", err)
	}
	return cfg
}
