package main

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/rs/zerolog"

	"sharedrop/internal/auth"
	"sharedrop/internal/config"
	"sharedrop/internal/db"
	"sharedrop/internal/files"
	"sharedrop/internal/logging"
	"sharedrop/internal/objectstore"
	"sharedrop/internal/records"
	"sharedrop/internal/server"
	"sharedrop/internal/sweep"
)

// recordStore is a files.RecordStore that health checks can ping.
type recordStore interface {
	files.RecordStore
	server.Pinger
}

// app holds everything built from a Config. Close releases it.
type app struct {
	cfg      *config.Config
	log      zerolog.Logger
	conn     *sql.DB
	records  recordStore
	objects  objectstore.Store
	sessions *auth.Sessions
}

// loadConfig reads the configuration and sets up logging.
func loadConfig(path string, getenv func(string) string) (*config.Config, zerolog.Logger, error) {
	cfg, err := config.Load(path, getenv)
	if err != nil {
		return nil, zerolog.Nop(), err
	}
	logger, err := logging.Setup(logging.Options{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Env:    cfg.Env,
	})
	if err != nil {
		return nil, zerolog.Nop(), err
	}
	return cfg, logger, nil
}

// openRecords opens the configured record store. SQL backends are migrated
// to the latest schema first.
func openRecords(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (recordStore, *sql.DB, error) {
	if cfg.Database.Type == "memory" {
		logger.Warn().Msg("using in-memory record store, data is lost on exit")
		return records.NewMemoryStore(), nil, nil
	}

	dialect := db.Dialect(cfg.Database.Type)
	conn, err := db.Open(ctx, dialect, cfg.Database.DSN)
	if err != nil {
		return nil, nil, fmt.Errorf("open %s database: %w", dialect, err)
	}

	logger.Info().Str("dialect", string(dialect)).Msg("running migrations")
	if err := db.RunMigrations(conn, dialect); err != nil {
		_ = conn.Close()
		return nil, nil, fmt.Errorf("migrate: %w", err)
	}
	return records.NewSQLStore(conn, dialect), conn, nil
}

func openObjects(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (objectstore.Store, error) {
	st := cfg.ObjectStore
	oc := objectstore.Config{
		Type:      st.Type,
		Endpoint:  st.Endpoint,
		Region:    st.Region,
		Bucket:    st.Bucket,
		AccessKey: st.AccessKey,
		SecretKey: st.SecretKey,
		PathStyle: st.PathStyle,
		Breaker: objectstore.BreakerConfig{
			MaxFailures: st.BreakerFailures,
			Cooldown:    st.BreakerCooldown,
		},
	}
	if oc.Type == "memory" && oc.SecretKey == "" {
		oc.SecretKey = cfg.Auth.SessionSecret
	}
	return objectstore.New(ctx, oc, logger)
}

func newSessions(cfg *config.Config) (*auth.Sessions, error) {
	return auth.NewSessions(auth.Config{
		Secret:     cfg.Auth.SessionSecret,
		TTL:        cfg.Auth.SessionTTL,
		CookieName: cfg.Auth.CookieName,
		Issuer:     cfg.Auth.Issuer,
	})
}

// newApp opens the record store, object store and session signer.
func newApp(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*app, error) {
	a := &app{cfg: cfg, log: logger}

	var err error
	if a.records, a.conn, err = openRecords(ctx, cfg, logger); err != nil {
		return nil, err
	}
	if a.objects, err = openObjects(ctx, cfg, logger); err != nil {
		a.Close()
		return nil, fmt.Errorf("object store: %w", err)
	}
	if a.sessions, err = newSessions(cfg); err != nil {
		a.Close()
		return nil, fmt.Errorf("sessions: %w", err)
	}
	return a, nil
}

func (a *app) Close() {
	if a.conn != nil {
		_ = a.conn.Close()
	}
}

func (a *app) server() *server.Server {
	cache := files.NewRecordCache(a.cfg.Cache.Size, a.cfg.Cache.TTL)

	coord := files.NewCoordinator(files.CoordinatorConfig{
		Records: a.records,
		Objects: a.objects,
		Cache:   cache,
		PutTTL:  a.cfg.Presign.PutTTL,
		Logger:  a.log,
	})
	gate := files.NewGate(files.GateConfig{
		Records: a.records,
		Objects: a.objects,
		Cache:   cache,
		GetTTL:  a.cfg.Presign.GetTTL,
		Logger:  a.log,
	})

	return server.New(server.Config{
		Addr:           a.cfg.Server.Addr,
		Version:        a.cfg.Server.Version,
		Commit:         a.cfg.Server.Commit,
		RateLimit:      a.cfg.RateLimit.Requests,
		RateWindow:     a.cfg.RateLimit.Window,
		HSTS:           a.cfg.Env == "production",
		TrustedProxies: a.cfg.Server.TrustedPrefixes,
	}, server.Deps{
		Coordinator: coord,
		Gate:        gate,
		Sessions:    a.sessions,
		Checks: map[string]server.Pinger{
			"database":     a.records,
			"object_store": a.objects,
		},
		Logger: a.log,
	})
}

func (a *app) sweeper() *sweep.Sweeper {
	return sweep.New(sweep.Config{
		Records:   a.records,
		Logger:    a.log,
		Interval:  a.cfg.Sweep.Interval,
		MaxAge:    a.cfg.Sweep.MaxAge,
		BatchSize: a.cfg.Sweep.BatchSize,
	})
}
