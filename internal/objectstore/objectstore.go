// Package objectstore adapts S3-compatible object stores to files.ObjectStore.
package objectstore

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"sharedrop/internal/files"
)

// Store is a files.ObjectStore that can also report its health.
type Store interface {
	files.ObjectStore
	Ping(ctx context.Context) error
}

// Config selects and configures a backend.
type Config struct {
	Type      string // minio, s3 or memory
	Endpoint  string
	Region    string
	Bucket    string
	AccessKey string
	SecretKey string
	PathStyle bool
	Breaker   BreakerConfig
}

// New builds the backend named by cfg.Type and checks that its bucket is
// reachable.
func New(ctx context.Context, cfg Config, logger zerolog.Logger) (Store, error) {
	var (
		s   Store
		err error
	)
	switch cfg.Type {
	case "minio":
		s, err = NewMinio(ctx, cfg)
	case "s3":
		s, err = NewS3(ctx, cfg)
	case "memory":
		s = NewMemory(cfg.Bucket, cfg.SecretKey)
	default:
		return nil, fmt.Errorf("unknown object store type %q", cfg.Type)
	}
	if err != nil {
		return nil, err
	}
	logger.Info().
		Str("type", cfg.Type).
		Str("bucket", cfg.Bucket).
		Str("endpoint", cfg.Endpoint).
		Msg("object store ready")
	return Instrument(cfg.Type, WithBreaker(cfg.Type, s, cfg.Breaker, logger)), nil
}

var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sharedrop_objectstore_requests_total",
		Help: "Object store calls by backend, operation and result.",
	}, []string{"backend", "op", "result"})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "sharedrop_objectstore_request_duration_seconds",
		Help:    "Object store call latency.",
		Buckets: prometheus.DefBuckets,
	}, []string{"backend", "op"})
)

type instrumented struct {
	backend string
	next    Store
}

// Instrument records call counts and latency for s.
func Instrument(backend string, s Store) Store {
	return &instrumented{backend: backend, next: s}
}

func (i *instrumented) observe(op string, start time.Time, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	requestsTotal.WithLabelValues(i.backend, op, result).Inc()
	requestDuration.WithLabelValues(i.backend, op).Observe(time.Since(start).Seconds())
}

func (i *instrumented) SignPut(ctx context.Context, locator, contentType string, ttl time.Duration) (string, error) {
	start := time.Now()
	u, err := i.next.SignPut(ctx, locator, contentType, ttl)
	i.observe("sign_put", start, err)
	return u, err
}

func (i *instrumented) SignGet(ctx context.Context, locator string, ttl time.Duration) (string, error) {
	start := time.Now()
	u, err := i.next.SignGet(ctx, locator, ttl)
	i.observe("sign_get", start, err)
	return u, err
}

func (i *instrumented) HeadObject(ctx context.Context, locator string) (files.ObjectInfo, error) {
	start := time.Now()
	info, err := i.next.HeadObject(ctx, locator)
	i.observe("head", start, err)
	return info, err
}

func (i *instrumented) Ping(ctx context.Context) error {
	start := time.Now()
	err := i.next.Ping(ctx)
	i.observe("ping", start, err)
	return err
}
