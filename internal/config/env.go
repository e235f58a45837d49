package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// EnvOverrides are EMBEDBRIDGE_* variables applied on top of the file config.
// Unset variables stay zero and leave the file value alone.
type EnvOverrides struct {
	ID                 string        `env:"EMBEDBRIDGE_ID"`
	EmbedURL           string        `env:"EMBEDBRIDGE_EMBED_URL"`
	EmbedCAFile        string        `env:"EMBEDBRIDGE_EMBED_CA_FILE"`
	AdminAddr          string        `env:"EMBEDBRIDGE_ADMIN_ADDR"`
	AdminToken         string        `env:"EMBEDBRIDGE_ADMIN_TOKEN"`
	CorsOrigins        []string      `env:"EMBEDBRIDGE_CORS_ORIGINS" envSeparator:","`
	BackendURL         string        `env:"EMBEDBRIDGE_BACKEND_URL"`
	ReadyPollInterval  time.Duration `env:"EMBEDBRIDGE_READY_POLL_INTERVAL"`
	JobPollInterval    time.Duration `env:"EMBEDBRIDGE_JOB_POLL_INTERVAL"`
	ConnectMaxAttempts *int          `env:"EMBEDBRIDGE_CONNECT_MAX_ATTEMPTS"`
}

// ParseEnv loads configuration from environment variables.
func ParseEnv(target any) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

func LoadEnvOverrides() (EnvOverrides, error) {
	var out EnvOverrides
	if err := ParseEnv(&out); err != nil {
		return EnvOverrides{}, err
	}
	return out, nil
}
