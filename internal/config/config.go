package config

import (
	"bytes"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// BridgeConfig is the file form of a bridge service config. Durations are Go
// duration strings.
type BridgeConfig struct {
	ID                 string   `toml:"id"`
	EmbedURL           string   `toml:"embed_url"`
	EmbedCAFile        string   `toml:"embed_ca_file"`
	AdminAddr          string   `toml:"admin_addr"`
	AdminToken         string   `toml:"admin_token"`
	CorsOrigins        []string `toml:"cors_origins"`
	BackendURL         string   `toml:"backend_url"`
	ReadyPollInterval  string   `toml:"ready_poll_interval"`
	ReadyPollLifetime  string   `toml:"ready_poll_lifetime"`
	JobPollInterval    string   `toml:"job_poll_interval"`
	HeartbeatInterval  string   `toml:"heartbeat_interval"`
	ConnectMaxAttempts int      `toml:"connect_max_attempts"`
	BackoffInitial     string   `toml:"backoff_initial"`
	BackoffMultiplier  float64  `toml:"backoff_multiplier"`
	BackoffMax         string   `toml:"backoff_max"`
	BackoffJitter      *bool    `toml:"backoff_jitter"`
}

func LoadBridgeConfig(path string) (BridgeConfig, error) {
	var cfg BridgeConfig
	if err := loadToml(path, &cfg); err != nil {
		return BridgeConfig{}, err
	}
	if cfg.AdminAddr == "" {
		cfg.AdminAddr = "127.0.0.1:7020"
	}
	if err := ValidateBridgeConfig(cfg); err != nil {
		return BridgeConfig{}, err
	}
	return cfg, nil
}

func loadToml(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config load failed (%s): %w", path, err)
	}
	dec := toml.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	return nil
}

func ValidateBridgeConfig(cfg BridgeConfig) error {
	if strings.TrimSpace(cfg.EmbedURL) == "" {
		return fmt.Errorf("bridge config missing embed_url")
	}
	u, err := url.Parse(strings.TrimSpace(cfg.EmbedURL))
	if err != nil {
		return fmt.Errorf("bridge config embed_url invalid: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("bridge config embed_url must be ws:// or wss://, got %q", u.Scheme)
	}
	if strings.TrimSpace(cfg.EmbedCAFile) != "" && u.Scheme != "wss" {
		return fmt.Errorf("bridge config embed_ca_file requires a wss:// embed_url")
	}
	if strings.TrimSpace(cfg.AdminAddr) == "" {
		return fmt.Errorf("bridge config missing admin_addr")
	}
	if backend := strings.TrimSpace(cfg.BackendURL); backend != "" {
		if u, err := url.Parse(backend); err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			return fmt.Errorf("bridge config backend_url must be http(s)")
		}
	}
	for key, raw := range map[string]string{
		"ready_poll_interval": cfg.ReadyPollInterval,
		"ready_poll_lifetime": cfg.ReadyPollLifetime,
		"job_poll_interval":   cfg.JobPollInterval,
		"heartbeat_interval":  cfg.HeartbeatInterval,
		"backoff_initial":     cfg.BackoffInitial,
		"backoff_max":         cfg.BackoffMax,
	} {
		if strings.TrimSpace(raw) == "" {
			continue
		}
		d, err := time.ParseDuration(strings.TrimSpace(raw))
		if err != nil {
			return fmt.Errorf("bridge config %s: %w", key, err)
		}
		if d < 0 {
			return fmt.Errorf("bridge config %s must not be negative", key)
		}
	}
	if cfg.ConnectMaxAttempts < 0 {
		return fmt.Errorf("bridge config connect_max_attempts must not be negative")
	}
	if cfg.BackoffMultiplier != 0 && cfg.BackoffMultiplier < 1 {
		return fmt.Errorf("bridge config backoff_multiplier must be >= 1")
	}
	return nil
}
