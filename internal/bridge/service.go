package bridge

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/danmuck/embedbridge/internal/backend"
	"github.com/danmuck/embedbridge/internal/channel"
	"github.com/danmuck/embedbridge/internal/poll"
	"github.com/rs/zerolog/log"
)

var ErrInvalidHeartbeatInterval = errors.New("bridge: invalid heartbeat interval")

// ServiceConfig configures the standalone bridge process.
type ServiceConfig struct {
	BridgeID          string
	Dial              channel.DialConfig
	AdminListenAddr   string
	CorsOrigins       []string
	AdminToken        string
	BackendURL        string
	ReadyInterval     time.Duration
	ReadyLifetime     time.Duration
	JobInterval       time.Duration
	HeartbeatInterval time.Duration
}

func DefaultServiceConfig() ServiceConfig {
	dial := channel.DefaultDialConfig()
	dial.URL = "ws://127.0.0.1:8090/embed"
	return ServiceConfig{
		BridgeID:          "",
		Dial:              dial,
		AdminListenAddr:   "127.0.0.1:7020",
		ReadyInterval:     DefaultReadyInterval,
		ReadyLifetime:     DefaultReadyLifetime,
		JobInterval:       backend.DefaultInterval,
		HeartbeatInterval: 30 * time.Second,
	}
}

// Service owns one embed connection and the admin API in front of it.
type Service struct {
	cfg    ServiceConfig
	hooks  Hooks
	clock  poll.Clock
	bridge atomic.Pointer[Bridge]
}

func NewService() *Service {
	return NewServiceWithConfig(DefaultServiceConfig())
}

func NewServiceWithConfig(cfg ServiceConfig) *Service {
	return &Service{cfg: cfg, clock: poll.SystemClock}
}

// SetHooks installs application hooks; call before Run.
func (s *Service) SetHooks(h Hooks) {
	s.hooks = h
}

// Bridge is nil until Run has connected.
func (s *Service) Bridge() *Bridge {
	return s.bridge.Load()
}

// Run blocks until SIGINT/SIGTERM or a fatal transport error.
func (s *Service) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return s.RunContext(ctx)
}

func (s *Service) RunContext(ctx context.Context) error {
	if s.cfg.HeartbeatInterval <= 0 {
		return ErrInvalidHeartbeatInterval
	}
	transport, err := channel.Dial(ctx, s.cfg.Dial)
	if err != nil {
		return err
	}
	defer transport.Close()

	b, err := New(transport, Options{
		ID:            s.cfg.BridgeID,
		Hooks:         s.hooks,
		ReadyInterval: s.cfg.ReadyInterval,
		ReadyLifetime: s.cfg.ReadyLifetime,
		Clock:         s.clock,
		Backend: backend.Config{
			BaseURL:  s.cfg.BackendURL,
			Interval: s.cfg.JobInterval,
		},
	})
	if err != nil {
		return err
	}
	s.bridge.Store(b)
	return s.serve(ctx, transport, b)
}

func (s *Service) serve(ctx context.Context, transport *channel.WebSocketTransport, b *Bridge) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	readErr := make(chan error, 1)
	bootErr := make(chan error, 1)
	adminErr := make(chan error, 1)

	go func() {
		readErr <- transport.ReadLoop(ctx, b.Adapter())
	}()
	go func() {
		bootErr <- b.Bootstrap(ctx)
	}()
	if strings.TrimSpace(s.cfg.AdminListenAddr) != "" {
		go func() {
			adminErr <- s.serveAdmin(ctx, b, s.cfg.AdminListenAddr)
		}()
	}

	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Info().Str("bridge", b.ID()).Msg("bridge.Service.serve shutdown")
			return nil
		case err := <-readErr:
			if err != nil && ctx.Err() == nil {
				return err
			}
			log.Info().Str("bridge", b.ID()).Msg("bridge.Service.serve embed closed")
			return nil
		case err := <-bootErr:
			if err != nil && ctx.Err() == nil {
				return err
			}
		case err := <-adminErr:
			if err != nil {
				return err
			}
		case <-ticker.C:
			st := b.Status()
			objects := 0
			if st.Scene != nil {
				objects = st.Scene.Count
			}
			log.Info().
				Str("bridge", st.ID).
				Bool("loaded", st.Loaded).
				Int("pending", st.Pending).
				Int("subscriptions", st.Subscriptions).
				Int("objects", objects).
				Msg("bridge.Service.heartbeat")
		}
	}
}

func (s *Service) serveAdmin(ctx context.Context, b *Bridge, addr string) error {
	ln, err := net.Listen("tcp", strings.TrimSpace(addr))
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:           b.Router(s.cfg.CorsOrigins, s.cfg.AdminToken),
		ReadHeaderTimeout: 5 * time.Second,
	}
	log.Info().Str("addr", ln.Addr().String()).Msg("bridge.admin listening")

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
