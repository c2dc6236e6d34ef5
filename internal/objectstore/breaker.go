package objectstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker/v2"

	"sharedrop/internal/files"
)

// ErrCircuitOpen is returned without contacting the store while the
// breaker is open or its half-open trial is in flight.
var ErrCircuitOpen = errors.New("object store circuit breaker is open")

var breakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "sharedrop_objectstore_breaker_state",
	Help: "Object store circuit breaker state (0 closed, 1 half-open, 2 open).",
}, []string{"backend"})

// BreakerConfig tunes a Breaker. MaxFailures 0 disables it.
type BreakerConfig struct {
	MaxFailures int
	Cooldown    time.Duration
}

// Breaker wraps a Store and stops calling it after MaxFailures consecutive
// failures. After Cooldown one trial call decides whether to close again.
// A missing object is an answer, not a failure. Ping always reaches the
// store so health checks report the real state.
type Breaker struct {
	next Store
	cb   *gobreaker.CircuitBreaker[any]
}

// WithBreaker returns s unchanged when cfg.MaxFailures is not positive.
func WithBreaker(backend string, s Store, cfg BreakerConfig, logger zerolog.Logger) Store {
	if cfg.MaxFailures <= 0 {
		return s
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	log := logger.With().Str("component", "objectstore_breaker").Str("backend", backend).Logger()
	maxFailures := uint32(cfg.MaxFailures)

	breakerState.WithLabelValues(backend).Set(float64(gobreaker.StateClosed))
	cb := gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        backend,
		MaxRequests: 1,
		Timeout:     cfg.Cooldown,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= maxFailures
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, files.ErrObjectMissing) || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(_ string, from, to gobreaker.State) {
			breakerState.WithLabelValues(backend).Set(float64(to))
			ev := log.Info()
			if to == gobreaker.StateOpen {
				ev = log.Warn().Dur("cooldown", cfg.Cooldown)
			}
			ev.Str("from", from.String()).Str("to", to.String()).Msg("circuit state changed")
		},
	})
	return &Breaker{next: s, cb: cb}
}

// State reports the current state.
func (b *Breaker) State() gobreaker.State {
	return b.cb.State()
}

// guard runs fn through the breaker and keeps fn's own result and error.
func guard[T any](b *Breaker, fn func() (T, error)) (T, error) {
	v, err := b.cb.Execute(func() (any, error) { return fn() })
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		var zero T
		return zero, fmt.Errorf("%w: %v", ErrCircuitOpen, err)
	}
	out, _ := v.(T)
	return out, err
}

func (b *Breaker) SignPut(ctx context.Context, locator, contentType string, ttl time.Duration) (string, error) {
	return guard(b, func() (string, error) { return b.next.SignPut(ctx, locator, contentType, ttl) })
}

func (b *Breaker) SignGet(ctx context.Context, locator string, ttl time.Duration) (string, error) {
	return guard(b, func() (string, error) { return b.next.SignGet(ctx, locator, ttl) })
}

func (b *Breaker) HeadObject(ctx context.Context, locator string) (files.ObjectInfo, error) {
	return guard(b, func() (files.ObjectInfo, error) { return b.next.HeadObject(ctx, locator) })
}

func (b *Breaker) Ping(ctx context.Context) error {
	return b.next.Ping(ctx)
}
