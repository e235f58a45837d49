package channel

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

var ErrURLRequired = errors.New("channel: embed url required")

// DialConfig configures the websocket connection to the embed.
type DialConfig struct {
	URL            string
	Header         http.Header
	ConnectTimeout time.Duration
	WriteTimeout   time.Duration
	// ReadTimeout of zero leaves the read side without a deadline.
	ReadTimeout time.Duration
	// MaxAttempts of zero retries forever.
	MaxAttempts int
	Backoff     Backoff
	// CAFile, when set, is the PEM bundle used to verify a wss:// embed.
	CAFile string
}

func DefaultDialConfig() DialConfig {
	return DialConfig{
		ConnectTimeout: 5 * time.Second,
		WriteTimeout:   15 * time.Second,
		Backoff:        DefaultBackoff(),
	}
}

// WebSocketTransport carries one envelope per text frame.
type WebSocketTransport struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
	readTimeout  time.Duration

	writeMu   sync.Mutex
	closeOnce sync.Once
}

func NewWebSocketTransport(conn *websocket.Conn, writeTimeout, readTimeout time.Duration) *WebSocketTransport {
	return &WebSocketTransport{conn: conn, writeTimeout: writeTimeout, readTimeout: readTimeout}
}

// Dial connects to cfg.URL, retrying with backoff until MaxAttempts or ctx ends.
func Dial(ctx context.Context, cfg DialConfig) (*WebSocketTransport, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, ErrURLRequired
	}
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: cfg.ConnectTimeout,
	}
	if strings.TrimSpace(cfg.CAFile) != "" {
		tlsCfg, err := loadRootCAs(cfg.CAFile)
		if err != nil {
			return nil, err
		}
		dialer.TLSClientConfig = tlsCfg
	}
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))

	var attempt int
	for {
		attempt++
		conn, _, err := dialer.DialContext(ctx, cfg.URL, cfg.Header)
		if err == nil {
			log.Info().Str("url", cfg.URL).Int("attempt", attempt).Msg("channel.Dial connected")
			return NewWebSocketTransport(conn, cfg.WriteTimeout, cfg.ReadTimeout), nil
		}
		log.Warn().Str("url", cfg.URL).Int("attempt", attempt).Err(err).Msg("channel.Dial failed")
		if cfg.MaxAttempts > 0 && attempt >= cfg.MaxAttempts {
			return nil, fmt.Errorf("channel: dial %s after %d attempts: %w", cfg.URL, attempt, err)
		}
		timer := time.NewTimer(cfg.Backoff.Delay(attempt, rng))
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

func loadRootCAs(path string) (*tls.Config, error) {
	pem, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("channel: read ca file: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("channel: no certificates in %s", path)
	}
	return &tls.Config{RootCAs: pool, MinVersion: tls.VersionTLS12}, nil
}

func (t *WebSocketTransport) Post(ctx context.Context, text []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if t.writeTimeout > 0 {
		deadline := time.Now().Add(t.writeTimeout)
		if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
			deadline = d
		}
		_ = t.conn.SetWriteDeadline(deadline)
	}
	if err := t.conn.WriteMessage(websocket.TextMessage, text); err != nil {
		if errors.Is(err, websocket.ErrCloseSent) {
			return ErrClosed
		}
		return err
	}
	return nil
}

// ReadLoop feeds every inbound text frame to a until the connection fails or ctx ends.
// A normal close returns nil.
func (t *WebSocketTransport) ReadLoop(ctx context.Context, a *Adapter) error {
	stop := context.AfterFunc(ctx, func() { _ = t.Close() })
	defer stop()

	for {
		if t.readTimeout > 0 {
			_ = t.conn.SetReadDeadline(time.Now().Add(t.readTimeout))
		}
		messageType, message, err := t.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("channel: read: %w", err)
		}
		switch messageType {
		case websocket.TextMessage, websocket.BinaryMessage:
			a.Receive(message)
		default:
			log.Trace().Int("type", messageType).Msg("channel.WebSocketTransport.ReadLoop other")
		}
	}
}

func (t *WebSocketTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		t.writeMu.Lock()
		_ = t.conn.SetWriteDeadline(time.Now().Add(time.Second))
		_ = t.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		t.writeMu.Unlock()
		err = t.conn.Close()
	})
	return err
}
