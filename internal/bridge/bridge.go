// Package bridge wires the channel adapter, correlation engine, remote facade and
// scene mirror into one session with a single embed.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/embedbridge/internal/backend"
	"github.com/danmuck/embedbridge/internal/channel"
	"github.com/danmuck/embedbridge/internal/mirror"
	"github.com/danmuck/embedbridge/internal/observability"
	"github.com/danmuck/embedbridge/internal/poll"
	"github.com/danmuck/embedbridge/internal/protocol"
	"github.com/danmuck/embedbridge/internal/remote"
	"github.com/danmuck/embedbridge/internal/rpc"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog/log"
)

var (
	ErrSceneNotLoaded   = errors.New("bridge: scene not loaded")
	ErrNoCamera         = errors.New("bridge: no active camera")
	ErrBackendDisabled  = errors.New("bridge: backend url not configured")
	ErrAlreadyBootstrap = errors.New("bridge: bootstrap already ran")
)

const (
	DefaultReadyInterval = 3 * time.Second
	DefaultReadyLifetime = 5 * time.Minute
)

// Hooks observe the mirror. OnSceneLoaded runs on the goroutine that called
// Bootstrap. OnObjectAdded runs on the inbound goroutine that dispatched the
// objectAdded broadcast, so it must not block on Call.
type Hooks struct {
	OnSceneLoaded func(*mirror.Scene)
	OnObjectAdded func(*mirror.Object)
}

type Options struct {
	// ID names this bridge in logs and metrics; a fresh ULID when empty.
	ID          string
	Hooks       Hooks
	IDGenerator func() string
	Observer    rpc.Observer

	ReadyInterval time.Duration
	// ReadyLifetime of zero polls until the context ends.
	ReadyLifetime time.Duration
	Clock         poll.Clock

	// Backend.BaseURL empty disables the backend job helpers.
	Backend backend.Config
}

// link satisfies mirror.Link with the facade for commands and the engine for events.
type link struct {
	*remote.Facade
	*rpc.Engine
}

type Bridge struct {
	id      string
	started time.Time
	opts    Options

	adapter *channel.Adapter
	engine  *rpc.Engine
	facade  *remote.Facade
	jobs    *backend.Jobs
	link    link

	jobStatus *jobTable

	bootOnce sync.Once

	mu        sync.RWMutex
	scene     *mirror.Scene
	camera    *mirror.Object
	loaded    bool
	rendering bool
}

func New(t channel.Transport, opts Options) (*Bridge, error) {
	adapter, err := channel.NewAdapter(t)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(opts.ID) == "" {
		opts.ID = ulid.Make().String()
	}
	if opts.ReadyInterval <= 0 {
		opts.ReadyInterval = DefaultReadyInterval
	}
	if opts.Clock == nil {
		opts.Clock = poll.SystemClock
	}
	if opts.Observer == nil {
		opts.Observer = observability.NewRPCObserver(opts.ID)
	}

	engine, err := rpc.NewEngine(adapter, rpc.WithObserver(opts.Observer), rpc.WithIDGenerator(opts.IDGenerator))
	if err != nil {
		return nil, err
	}
	facade, err := remote.New(engine)
	if err != nil {
		return nil, err
	}

	b := &Bridge{
		id:      opts.ID,
		started: time.Now(),
		opts:    opts,
		adapter: adapter,
		engine:  engine,
		facade:  facade,
		link:    link{Facade: facade, Engine: engine},

		jobStatus: newJobTable(),
	}
	if strings.TrimSpace(opts.Backend.BaseURL) != "" {
		if opts.Backend.Clock == nil {
			opts.Backend.Clock = opts.Clock
		}
		jobs, err := backend.New(facade, opts.Backend)
		if err != nil {
			return nil, err
		}
		b.jobs = jobs
	}

	adapter.SetHandler(engine.Dispatch)
	engine.HandleBroadcast(protocol.SubchannelObjectAdded, b.onObjectAdded)
	return b, nil
}

func (b *Bridge) ID() string { return b.id }

// Adapter is the inbound entry point for transports with a read loop.
func (b *Bridge) Adapter() *channel.Adapter { return b.adapter }

func (b *Bridge) Engine() *rpc.Engine { return b.engine }

func (b *Bridge) Facade() *remote.Facade { return b.facade }

// Receive feeds one raw inbound message.
func (b *Bridge) Receive(raw []byte) { b.adapter.Receive(raw) }

// Scene is nil until bootstrap has enumerated the classed items.
func (b *Bridge) Scene() *mirror.Scene {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.scene
}

// Loaded reports whether the scene-loaded hook has fired.
func (b *Bridge) Loaded() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.loaded
}

func (b *Bridge) ActiveCamera() (*mirror.Object, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.camera, b.camera != nil
}

func (b *Bridge) IsRendering() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.rendering
}

func (b *Bridge) loadedScene() (*mirror.Scene, error) {
	s := b.Scene()
	if s == nil {
		return nil, ErrSceneNotLoaded
	}
	return s, nil
}

// Call sends cmd and blocks for its reply. On cancellation the pending entry is
// dropped so a late reply is discarded.
//
// Never call it from a reply callback, listener or OnObjectAdded: the reply is
// dispatched by the inbound goroutine that would be blocked, so Call deadlocks
// until ctx ends.
func (b *Bridge) Call(ctx context.Context, cmd protocol.Command) (protocol.Reply, error) {
	ch := make(chan protocol.Reply, 1)
	id, err := b.engine.Request(ctx, cmd, func(r protocol.Reply) { ch <- r })
	if err != nil {
		return protocol.Reply{}, err
	}
	select {
	case r := <-ch:
		if r.Failed() {
			return r, fmt.Errorf("%w: %s", mirror.ErrRemote, r.Error)
		}
		return r, nil
	case <-ctx.Done():
		b.engine.Take(id)
		return protocol.Reply{}, ctx.Err()
	}
}

// onObjectAdded mirrors a broadcast object, then completes any caller awaiting its guid.
func (b *Bridge) onObjectAdded(r protocol.Reply) {
	added, err := protocol.DecodeObjectAdded(r)
	if err != nil {
		log.Warn().Str("bridge", b.id).Err(err).Msg("bridge.Bridge.onObjectAdded decode")
		return
	}
	scene := b.Scene()
	if scene == nil {
		log.Debug().Str("bridge", b.id).Str("guid", added.GUID).Msg("bridge.Bridge.onObjectAdded before scene")
		return
	}
	scene.AddObject(context.Background(), added.TUID, added.GUID, added.PSet, func(o *mirror.Object) {
		observability.RecordSceneObjects(b.id, scene.GetObjectCount())
		if fn, ok := b.engine.Take(o.GUID()); ok {
			fn(r)
		}
		if hook := b.opts.Hooks.OnObjectAdded; hook != nil {
			hook(o)
		}
	})
}

// Status is the admin view of the bridge.
type Status struct {
	ID            string                `json:"id"`
	Uptime        string                `json:"uptime"`
	Loaded        bool                  `json:"loaded"`
	Rendering     bool                  `json:"rendering"`
	Pending       int                   `json:"pending"`
	Subscriptions int                   `json:"subscriptions"`
	Camera        string                `json:"camera,omitempty"`
	Scene         *mirror.SceneSnapshot `json:"scene,omitempty"`
}

func (b *Bridge) Status() Status {
	st := Status{
		ID:            b.id,
		Uptime:        time.Since(b.started).String(),
		Pending:       b.engine.PendingCount(),
		Subscriptions: b.engine.SubscriptionCount(),
	}
	b.mu.RLock()
	st.Loaded = b.loaded
	st.Rendering = b.rendering
	if b.camera != nil {
		st.Camera = b.camera.GUID()
	}
	scene := b.scene
	b.mu.RUnlock()
	if scene != nil {
		snap := scene.Snapshot()
		st.Scene = &snap
	}
	return st
}
