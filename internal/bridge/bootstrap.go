package bridge

import (
	"context"
	"fmt"

	"github.com/danmuck/embedbridge/internal/mirror"
	"github.com/danmuck/embedbridge/internal/observability"
	"github.com/danmuck/embedbridge/internal/poll"
	"github.com/danmuck/embedbridge/internal/protocol"
	"github.com/rs/zerolog/log"
)

// Bootstrap waits for the embed to report its scene loaded, enumerates the classed
// items and mirrors every object. It returns once every object has settled and the
// scene-loaded hook has run. Replies must be delivered on another goroutine (or
// synchronously from the transport) while Bootstrap blocks.
func (b *Bridge) Bootstrap(ctx context.Context) error {
	first := false
	b.bootOnce.Do(func() { first = true })
	if !first {
		return ErrAlreadyBootstrap
	}

	if err := b.waitSceneLoaded(ctx); err != nil {
		return fmt.Errorf("bridge: wait scene loaded: %w", err)
	}
	boot, err := b.mirrorScene(ctx)
	if err != nil {
		return fmt.Errorf("bridge: classed items: %w", err)
	}
	scene := boot.scene

	b.mu.Lock()
	if cam, ok := scene.GetObjectByGuid(boot.camera); ok && boot.camera != "" {
		b.camera = cam
	}
	b.loaded = true
	b.mu.Unlock()

	observability.RecordSceneObjects(b.id, scene.GetObjectCount())
	log.Info().
		Str("bridge", b.id).
		Str("scene", scene.GUID()).
		Int("ready", boot.ready).
		Int("failed", boot.failed).
		Msg("bridge.Bridge.Bootstrap scene loaded")
	if hook := b.opts.Hooks.OnSceneLoaded; hook != nil {
		hook(scene)
	}
	return nil
}

// waitSceneLoaded polls getSceneLoaded until the embed answers true.
func (b *Bridge) waitSceneLoaded(ctx context.Context) error {
	task := poll.Task{
		Name:      "scene-loaded",
		Interval:  b.opts.ReadyInterval,
		Lifetime:  b.opts.ReadyLifetime,
		Immediate: true,
		Clock:     b.opts.Clock,
	}
	return task.Run(ctx, func(ctx context.Context, stop func()) {
		err := b.facade.SceneLoaded(ctx, func(r protocol.Reply) {
			if r.Failed() {
				log.Debug().Str("bridge", b.id).Str("error", r.Error).Msg("bridge.Bridge.waitSceneLoaded")
				return
			}
			var loaded bool
			if err := r.DecodeData(&loaded); err == nil && loaded {
				stop()
			}
		})
		if err != nil {
			log.Warn().Str("bridge", b.id).Err(err).Msg("bridge.Bridge.waitSceneLoaded send")
		}
	})
}

type sceneBoot struct {
	scene         *mirror.Scene
	camera        string
	ready, failed int
	err           error
}

// mirrorScene enumerates the classed items and installs the scene from inside the
// reply callback, so an objectAdded broadcast dispatched right after the reply
// already finds it. It blocks until every enumerated object has settled.
func (b *Bridge) mirrorScene(ctx context.Context) (sceneBoot, error) {
	out := make(chan sceneBoot, 1)
	err := b.facade.ClassedItems(ctx, func(r protocol.Reply) {
		if r.Failed() {
			out <- sceneBoot{err: fmt.Errorf("%w: %s", mirror.ErrRemote, r.Error)}
			return
		}
		classed := make(map[string][]string)
		if err := r.DecodeData(&classed); err != nil {
			out <- sceneBoot{err: err}
			return
		}
		if classed == nil {
			classed = make(map[string][]string)
		}

		var sceneGUID, cameraGUID string
		if guids := classed[mirror.CategoryScene]; len(guids) > 0 {
			sceneGUID = guids[0]
		}
		delete(classed, mirror.CategoryScene)
		if guids := classed[mirror.CategoryCamera]; len(guids) > 0 {
			cameraGUID = guids[0]
		}

		scene, err := mirror.NewScene(sceneGUID, b.link)
		if err != nil {
			out <- sceneBoot{err: err}
			return
		}
		b.mu.Lock()
		b.scene = scene
		b.mu.Unlock()

		scene.Hydrate(ctx, classed, func(ready, failed int) {
			out <- sceneBoot{scene: scene, camera: cameraGUID, ready: ready, failed: failed}
		})
	})
	if err != nil {
		return sceneBoot{}, err
	}
	select {
	case res := <-out:
		return res, res.err
	case <-ctx.Done():
		return sceneBoot{}, ctx.Err()
	}
}
