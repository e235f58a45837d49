package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/embedbridge/internal/bridge"
	"github.com/danmuck/embedbridge/internal/config"
)

func loadServiceConfig(path string) (bridge.ServiceConfig, error) {
	cfg := bridge.DefaultServiceConfig()

	var raw config.BridgeConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return bridge.ServiceConfig{}, fmt.Errorf("load bridge config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return bridge.ServiceConfig{}, fmt.Errorf("load bridge config: unknown key %q", undecoded[0].String())
	}
	if err := config.ValidateBridgeConfig(withDefaults(raw, cfg)); err != nil {
		return bridge.ServiceConfig{}, err
	}

	if meta.IsDefined("id") {
		cfg.BridgeID = strings.TrimSpace(raw.ID)
	}
	if meta.IsDefined("embed_url") {
		cfg.Dial.URL = strings.TrimSpace(raw.EmbedURL)
	}
	if meta.IsDefined("embed_ca_file") {
		cfg.Dial.CAFile = strings.TrimSpace(raw.EmbedCAFile)
	}
	if meta.IsDefined("admin_addr") {
		cfg.AdminListenAddr = strings.TrimSpace(raw.AdminAddr)
	}
	if meta.IsDefined("admin_token") {
		cfg.AdminToken = strings.TrimSpace(raw.AdminToken)
	}
	if meta.IsDefined("cors_origins") {
		cfg.CorsOrigins = normalizeList(raw.CorsOrigins)
	}
	if meta.IsDefined("backend_url") {
		cfg.BackendURL = strings.TrimSpace(raw.BackendURL)
	}
	if meta.IsDefined("connect_max_attempts") {
		cfg.Dial.MaxAttempts = raw.ConnectMaxAttempts
	}
	if meta.IsDefined("backoff_multiplier") {
		cfg.Dial.Backoff.Multiplier = raw.BackoffMultiplier
	}
	if meta.IsDefined("backoff_jitter") && raw.BackoffJitter != nil {
		cfg.Dial.Backoff.Jitter = *raw.BackoffJitter
	}

	durations := []struct {
		key    string
		raw    string
		target *time.Duration
	}{
		{"ready_poll_interval", raw.ReadyPollInterval, &cfg.ReadyInterval},
		{"ready_poll_lifetime", raw.ReadyPollLifetime, &cfg.ReadyLifetime},
		{"job_poll_interval", raw.JobPollInterval, &cfg.JobInterval},
		{"heartbeat_interval", raw.HeartbeatInterval, &cfg.HeartbeatInterval},
		{"backoff_initial", raw.BackoffInitial, &cfg.Dial.Backoff.InitialDelay},
		{"backoff_max", raw.BackoffMax, &cfg.Dial.Backoff.MaxDelay},
	}
	for _, d := range durations {
		if !meta.IsDefined(d.key) {
			continue
		}
		v, err := time.ParseDuration(strings.TrimSpace(d.raw))
		if err != nil {
			return bridge.ServiceConfig{}, fmt.Errorf("parse %s: %w", d.key, err)
		}
		*d.target = v
	}

	return cfg, nil
}

// applyEnv overlays EMBEDBRIDGE_* variables; unset variables change nothing.
func applyEnv(cfg bridge.ServiceConfig, env config.EnvOverrides) bridge.ServiceConfig {
	if v := strings.TrimSpace(env.ID); v != "" {
		cfg.BridgeID = v
	}
	if v := strings.TrimSpace(env.EmbedURL); v != "" {
		cfg.Dial.URL = v
	}
	if v := strings.TrimSpace(env.EmbedCAFile); v != "" {
		cfg.Dial.CAFile = v
	}
	if v := strings.TrimSpace(env.AdminAddr); v != "" {
		cfg.AdminListenAddr = v
	}
	if v := strings.TrimSpace(env.AdminToken); v != "" {
		cfg.AdminToken = v
	}
	if len(env.CorsOrigins) > 0 {
		cfg.CorsOrigins = normalizeList(env.CorsOrigins)
	}
	if v := strings.TrimSpace(env.BackendURL); v != "" {
		cfg.BackendURL = v
	}
	if env.ReadyPollInterval > 0 {
		cfg.ReadyInterval = env.ReadyPollInterval
	}
	if env.JobPollInterval > 0 {
		cfg.JobInterval = env.JobPollInterval
	}
	if env.ConnectMaxAttempts != nil {
		cfg.Dial.MaxAttempts = *env.ConnectMaxAttempts
	}
	return cfg
}

// withDefaults fills the keys validation requires from the service defaults.
func withDefaults(raw config.BridgeConfig, def bridge.ServiceConfig) config.BridgeConfig {
	if strings.TrimSpace(raw.EmbedURL) == "" {
		raw.EmbedURL = def.Dial.URL
	}
	if strings.TrimSpace(raw.AdminAddr) == "" {
		raw.AdminAddr = def.AdminListenAddr
	}
	return raw
}

func normalizeList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, v := range in {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		out = append(out, v)
	}
	return out
}
