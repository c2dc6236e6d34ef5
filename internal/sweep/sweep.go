// Package sweep fails reservations whose upload never completed.
//
// A client that abandons an upload leaves its record in reserved forever.
// The sweeper moves such records to failed once they are older than
// MaxAge. It never deletes records or objects.
package sweep

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"sharedrop/internal/files"
)

var sweptTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "sharedrop_sweep_records_total",
	Help: "Stale reservations handled by the sweeper, by outcome.",
}, []string{"outcome"})

// Config configures a Sweeper.
type Config struct {
	Records   files.RecordStore
	Logger    zerolog.Logger
	Interval  time.Duration
	MaxAge    time.Duration
	BatchSize int
	Now       func() time.Time
}

type Sweeper struct {
	records   files.RecordStore
	log       zerolog.Logger
	interval  time.Duration
	maxAge    time.Duration
	batchSize int
	now       func() time.Time
}

func New(cfg Config) *Sweeper {
	s := &Sweeper{
		records:   cfg.Records,
		log:       cfg.Logger.With().Str("component", "sweep").Logger(),
		interval:  cfg.Interval,
		maxAge:    cfg.MaxAge,
		batchSize: cfg.BatchSize,
		now:       cfg.Now,
	}
	if s.interval <= 0 {
		s.interval = 10 * time.Minute
	}
	if s.maxAge <= 0 {
		s.maxAge = 24 * time.Hour
	}
	if s.batchSize <= 0 {
		s.batchSize = 100
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

// Result summarises one pass.
type Result struct {
	Scanned int
	Failed  int
	// Skipped counts records that changed status between listing and update.
	Skipped int
}

// RunOnce fails up to one batch of stale reservations.
func (s *Sweeper) RunOnce(ctx context.Context) (Result, error) {
	start := s.now()
	cutoff := start.Add(-s.maxAge)

	stale, err := s.records.ListStale(ctx, files.StatusReserved, cutoff, s.batchSize)
	if err != nil {
		s.log.Error().Err(err).Msg("listing stale reservations failed")
		return Result{}, err
	}

	res := Result{Scanned: len(stale)}
	for _, rec := range stale {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		_, err := s.records.UpdateStatus(ctx, rec.ID, files.StatusReserved, files.StatusFailed)
		switch {
		case err == nil:
			res.Failed++
			sweptTotal.WithLabelValues("failed").Inc()
			s.log.Info().
				Str("file_id", rec.ID).
				Dur("age", start.Sub(rec.UpdatedAt)).
				Msg("stale reservation failed")
		case errors.Is(err, files.ErrConflict):
			res.Skipped++
			sweptTotal.WithLabelValues("skipped").Inc()
		default:
			sweptTotal.WithLabelValues("error").Inc()
			s.log.Error().Err(err).Str("file_id", rec.ID).Msg("failing stale reservation")
		}
	}

	s.log.Info().
		Int("scanned", res.Scanned).
		Int("failed", res.Failed).
		Int("skipped", res.Skipped).
		Dur("duration", s.now().Sub(start)).
		Msg("sweep complete")
	return res, nil
}

// Run sweeps immediately and then every interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context) {
	s.log.Info().Dur("interval", s.interval).Dur("max_age", s.maxAge).Msg("starting")

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	_, _ = s.RunOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			s.log.Info().Msg("shutting down")
			return
		case <-ticker.C:
			_, _ = s.RunOnce(ctx)
		}
	}
}
