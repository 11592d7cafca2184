package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/rs/zerolog/log"
)

const (
	RecordStoreHTTP     = "http"
	RecordStorePostgres = "postgres"
)

type Config struct {
	Port     int    `env:"PORT" envDefault:"8080"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	WebhookSecret           string `env:"WEBHOOK_SECRET"`
	WebhookSignatureHeader  string `env:"WEBHOOK_SIGNATURE_HEADER" envDefault:"ElevenLabs-Signature"`
	WebhookToleranceSeconds int    `env:"WEBHOOK_TOLERANCE_SECONDS" envDefault:"1800"`

	CallMaxAgeSeconds        int    `env:"CALL_MAX_AGE_SECONDS" envDefault:"7200"`
	CallSweepIntervalSeconds int    `env:"CALL_SWEEP_INTERVAL_SECONDS" envDefault:"300"`
	CallDirection            string `env:"CALL_DIRECTION" envDefault:"Inbound"`

	WSMaxConnections      int `env:"WS_MAX_CONNECTIONS" envDefault:"100"`
	WSPingIntervalSeconds int `env:"WS_PING_INTERVAL_SECONDS" envDefault:"30"`

	AMIEnabled               bool     `env:"AMI_ENABLED" envDefault:"true"`
	AMIHost                  string   `env:"AMI_HOST" envDefault:"localhost"`
	AMIPort                  int      `env:"AMI_PORT" envDefault:"5038"`
	AMIUsername              string   `env:"AMI_USERNAME"`
	AMISecret                string   `env:"AMI_SECRET"`
	AMIReconnect             bool     `env:"AMI_RECONNECT" envDefault:"true"`
	AMIReconnectDelaySeconds int      `env:"AMI_RECONNECT_DELAY_SECONDS" envDefault:"5"`
	AMIInboundContexts       []string `env:"AMI_INBOUND_CONTEXTS" envSeparator:","`
	AMIConversationVariable  string   `env:"AMI_CONVERSATION_VARIABLE" envDefault:"CONVERSATION_ID"`

	RecordStore         string `env:"RECORD_STORE" envDefault:"http"`
	CRMBaseURL          string `env:"CRM_BASE_URL"`
	CRMClientID         string `env:"CRM_CLIENT_ID"`
	CRMClientSecret     string `env:"CRM_CLIENT_SECRET"`
	DatabaseURL         string `env:"DATABASE_URL"`
	StoreMaxAttempts    int    `env:"STORE_MAX_ATTEMPTS" envDefault:"3"`
	StoreRetryBackoffMS int    `env:"STORE_RETRY_BACKOFF_MS" envDefault:"500"`
	StoreTimeoutSeconds int    `env:"STORE_TIMEOUT_SECONDS" envDefault:"10"`

	RedisURL         string `env:"REDIS_URL"`
	DedupeTTLSeconds int    `env:"DEDUPE_TTL_SECONDS" envDefault:"86400"`
}

func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}

func (c *Config) WebhookTolerance() time.Duration {
	return time.Duration(c.WebhookToleranceSeconds) * time.Second
}

func (c *Config) CallMaxAge() time.Duration {
	return time.Duration(c.CallMaxAgeSeconds) * time.Second
}

func (c *Config) CallSweepInterval() time.Duration {
	return time.Duration(c.CallSweepIntervalSeconds) * time.Second
}

func (c *Config) WSPingInterval() time.Duration {
	return time.Duration(c.WSPingIntervalSeconds) * time.Second
}

func (c *Config) AMIAddr() string {
	return fmt.Sprintf("%s:%d", c.AMIHost, c.AMIPort)
}

func (c *Config) AMIReconnectDelay() time.Duration {
	return time.Duration(c.AMIReconnectDelaySeconds) * time.Second
}

func (c *Config) StoreRetryBackoff() time.Duration {
	return time.Duration(c.StoreRetryBackoffMS) * time.Millisecond
}

func (c *Config) StoreTimeout() time.Duration {
	return time.Duration(c.StoreTimeoutSeconds) * time.Second
}

func (c *Config) DedupeTTL() time.Duration {
	return time.Duration(c.DedupeTTLSeconds) * time.Second
}

func (c *Config) Validate() error {
	switch c.RecordStore {
	case RecordStoreHTTP:
		if c.CRMBaseURL == "" {
			return fmt.Errorf("CRM_BASE_URL is required when RECORD_STORE=%s", RecordStoreHTTP)
		}
	case RecordStorePostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when RECORD_STORE=%s", RecordStorePostgres)
		}
	default:
		return fmt.Errorf("unknown RECORD_STORE %q (expected %s or %s)", c.RecordStore, RecordStoreHTTP, RecordStorePostgres)
	}

	if c.WSMaxConnections <= 0 {
		return fmt.Errorf("WS_MAX_CONNECTIONS must be positive")
	}
	if c.StoreMaxAttempts <= 0 {
		return fmt.Errorf("STORE_MAX_ATTEMPTS must be positive")
	}

	if c.WebhookSecret == "" {
		log.Warn().Msg("WEBHOOK_SECRET is empty: webhook signature verification disabled")
	}
	if c.AMIEnabled && c.AMIUsername == "" {
		log.Warn().Msg("AMI_USERNAME is empty: manager login will likely be rejected")
	}

	return nil
}

func Load() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}
