package main

import (
	"errors"
	"flag"
	"fmt"
	"os"

	"github.com/danmuck/embedbridge/internal/bridge"
	"github.com/danmuck/embedbridge/internal/config"
	"github.com/danmuck/embedbridge/internal/mirror"
	"github.com/danmuck/embedbridge/internal/observability"
	"github.com/rs/zerolog/log"
)

func main() {
	path := flag.String("config", "cmd/bridgectl/config.toml", "bridge config path (skipped when missing)")
	flag.Parse()

	observability.InitLogger("bridgectl")

	cfg := bridge.DefaultServiceConfig()
	if _, err := os.Stat(*path); err == nil {
		loaded, err := loadServiceConfig(*path)
		if err != nil {
			fail(err)
		}
		cfg = loaded
	} else if !errors.Is(err, os.ErrNotExist) {
		fail(err)
	}

	env, err := config.LoadEnvOverrides()
	if err != nil {
		fail(err)
	}
	cfg = applyEnv(cfg, env)

	svc := bridge.NewServiceWithConfig(cfg)
	svc.SetHooks(bridge.Hooks{
		OnSceneLoaded: func(s *mirror.Scene) {
			log.Info().Str("scene", s.GUID()).Interface("categories", s.Categories()).Msg("bridgectl scene loaded")
		},
		OnObjectAdded: func(o *mirror.Object) {
			log.Info().Str("guid", o.GUID()).Str("category", o.Category()).Str("name", o.Name()).Msg("bridgectl object added")
		},
	})
	if err := svc.Run(); err != nil {
		fail(err)
	}
}

func fail(err error) {
	fmt.Fprintf(os.Stderr, "bridgectl: %v\n", err)
	os.Exit(1)
}
