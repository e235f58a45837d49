// Package poll runs fixed-interval polling tasks with an explicit stop condition.
package poll

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

var (
	ErrInvalidInterval = errors.New("poll: interval must be positive")
	ErrStepRequired    = errors.New("poll: step required")
	ErrExpired         = errors.New("poll: lifetime exceeded")
)

// Ticker is the subset of time.Ticker a task needs.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

type Clock interface {
	Now() time.Time
	NewTicker(d time.Duration) Ticker
}

type systemClock struct{}

type systemTicker struct{ t *time.Ticker }

func (s systemTicker) C() <-chan time.Time { return s.t.C }
func (s systemTicker) Stop()               { s.t.Stop() }

func (systemClock) Now() time.Time { return time.Now() }

func (systemClock) NewTicker(d time.Duration) Ticker {
	return systemTicker{t: time.NewTicker(d)}
}

// SystemClock is backed by the time package.
var SystemClock Clock = systemClock{}

// Step performs one attempt. It may finish asynchronously by calling stop later,
// e.g. from a reply callback.
type Step func(ctx context.Context, stop func())

// Task polls on a fixed interval until stopped. There is no backoff and no
// retry limit; Lifetime bounds the whole task when positive.
type Task struct {
	Name      string
	Interval  time.Duration
	Lifetime  time.Duration
	Immediate bool
	Clock     Clock
}

// Run blocks until stop is called (nil), ctx ends (ctx.Err()) or the lifetime
// passes (ErrExpired).
func (t Task) Run(ctx context.Context, step Step) error {
	if t.Interval <= 0 {
		return ErrInvalidInterval
	}
	if step == nil {
		return ErrStepRequired
	}
	clock := t.Clock
	if clock == nil {
		clock = SystemClock
	}

	done := make(chan struct{})
	var once sync.Once
	stop := func() { once.Do(func() { close(done) }) }

	start := clock.Now()
	attempts := 0
	attempt := func() {
		attempts++
		log.Trace().Str("task", t.Name).Int("attempt", attempts).Msg("poll.Task attempt")
		step(ctx, stop)
	}

	if t.Immediate {
		attempt()
	}
	ticker := clock.NewTicker(t.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			log.Debug().Str("task", t.Name).Int("attempts", attempts).Msg("poll.Task stopped")
			return nil
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C():
			select {
			case <-done:
				return nil
			default:
			}
			if t.Lifetime > 0 && now.Sub(start) >= t.Lifetime {
				log.Warn().Str("task", t.Name).Dur("lifetime", t.Lifetime).Msg("poll.Task expired")
				return ErrExpired
			}
			attempt()
		}
	}
}
