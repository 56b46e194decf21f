package config

import (
	"fmt"

	"github.com/Netflix/go-env"
	"github.com/joho/godotenv"
)

type Config struct {
	DatabaseDSN           string `env:"DATABASE_DSN,required=true"`
	RabbitMQURL           string `env:"RABBITMQ_URL,required=true"`
	RedisURL              string `env:"REDIS_URL,required=true"`
	CRMBaseURL            string `env:"CRM_BASE_URL,required=true"`
	CRMAPIToken           string `env:"CRM_API_TOKEN"`
	RemoteRateLimitPerSec int    `env:"REMOTE_RATE_LIMIT_PER_SEC,default=25"`
	RemoteTimeoutSeconds  int    `env:"REMOTE_TIMEOUT_SECONDS,default=10"`
	SyncConcurrency       int    `env:"SYNC_CONCURRENCY,default=8"`
	MaxRetryAttempts      int    `env:"MAX_RETRY_ATTEMPTS,default=3"`
	SelectorMaxRecords    int    `env:"SELECTOR_MAX_RECORDS,default=500"`
	ProgressBuffer        int    `env:"PROGRESS_BUFFER,default=16"`
	APIPort               int    `env:"API_PORT,default=8080"`
	LogLevel              string `env:"LOG_LEVEL,default=info"`
}

func Load() (*Config, error) {
	// Missing .env is fine; real deployments set the environment directly.
	_ = godotenv.Load()

	var cfg Config
	_, err := env.UnmarshalFromEnviron(&cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return &cfg, nil
}
