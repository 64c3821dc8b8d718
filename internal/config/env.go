package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// ServerEnv holds process-level settings for `cf serve`.
type ServerEnv struct {
	Addr                   string        `env:"CASEFLOW_ADDR" envDefault:"127.0.0.1:8080"`
	BasePath               string        `env:"CASEFLOW_BASE_PATH" envDefault:"/v0"`
	JWTSecret              string        `env:"CASEFLOW_JWT_SECRET"`
	AllowLegacyActorHeader bool          `env:"CASEFLOW_ALLOW_LEGACY_ACTOR_HEADER" envDefault:"false"`
	DevLogin               bool          `env:"CASEFLOW_DEV_LOGIN" envDefault:"false"`
	OutboxGatewayURL       string        `env:"CASEFLOW_OUTBOX_GATEWAY_URL"`
	OutboxPollInterval     time.Duration `env:"CASEFLOW_OUTBOX_POLL_INTERVAL" envDefault:"5s"`
	OutboxBatchSize        int           `env:"CASEFLOW_OUTBOX_BATCH_SIZE" envDefault:"20"`
	OutboxMaxAttempts      int           `env:"CASEFLOW_OUTBOX_MAX_ATTEMPTS" envDefault:"8"`
	OTelEndpoint           string        `env:"CASEFLOW_OTEL_ENDPOINT"`
	BusyTimeoutMS          int           `env:"CASEFLOW_SQLITE_BUSY_TIMEOUT_MS" envDefault:"5000"`
}

// ParseEnv loads configuration from environment variables.
func ParseEnv(target any) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// LoadServerEnv parses ServerEnv from the process environment.
func LoadServerEnv() (ServerEnv, error) {
	var cfg ServerEnv
	if err := ParseEnv(&cfg); err != nil {
		return ServerEnv{}, err
	}
	return cfg, nil
}
