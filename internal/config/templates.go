package config

import (
	"fmt"
	"os"
	"strings"
)

func Template(kind string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "bridge":
		return bridgeTemplate, nil
	default:
		return "", fmt.Errorf("unknown config kind: %s", kind)
	}
}

func WriteTemplate(path, kind string, overwrite bool) error {
	template, err := Template(kind)
	if err != nil {
		return err
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(template), 0o600)
}

const bridgeTemplate = `id = "bridge.local"
embed_url = "ws://127.0.0.1:8090/embed"
embed_ca_file = ""
admin_addr = "127.0.0.1:7020"
admin_token = ""
cors_origins = ["http://localhost:3000"]
backend_url = "https://lagoa.com"

ready_poll_interval = "3s"
ready_poll_lifetime = "5m"
job_poll_interval = "20s"
heartbeat_interval = "30s"

connect_max_attempts = 0
backoff_initial = "250ms"
backoff_multiplier = 2.0
backoff_max = "5s"
backoff_jitter = true
`
