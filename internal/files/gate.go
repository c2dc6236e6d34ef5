package files

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// GateConfig wires a Gate.
type GateConfig struct {
	Records RecordStore
	Objects ObjectStore
	Cache   *RecordCache
	GetTTL  time.Duration
	Logger  zerolog.Logger
	Now     func() time.Time
}

// Gate decides whether a caller may receive a presigned GET for a file.
type Gate struct {
	records RecordStore
	objects ObjectStore
	cache   *RecordCache
	getTTL  time.Duration
	log     zerolog.Logger
	now     func() time.Time
}

func NewGate(cfg GateConfig) *Gate {
	g := &Gate{
		records: cfg.Records,
		objects: cfg.Objects,
		cache:   cfg.Cache,
		getTTL:  ClampTTL(cfg.GetTTL),
		log:     cfg.Logger.With().Str("component", "gate").Logger(),
		now:     cfg.Now,
	}
	if g.now == nil {
		g.now = time.Now
	}
	return g
}

// Download is an allowed download.
type Download struct {
	URL       string
	ExpiresAt time.Time
	// Public is set when access was granted by the record's permissions
	// rather than ownership. Callers may then answer with a redirect.
	Public bool
	Record *FileRecord
}

// AuthorizeDownload applies the download policy to fileID. Public records
// are readable by anyone, private records only by their owner. The record's
// status is not consulted: an owner may fetch a file that is still being
// reconciled.
func (g *Gate) AuthorizeDownload(ctx context.Context, p Principal, fileID string) (*Download, error) {
	const op = "authorize_download"

	p = orAnonymous(p)
	if fileID == "" {
		return nil, E(KindValidation, op, "file id is required")
	}

	rec, err := g.lookup(ctx, fileID)
	if err != nil {
		downloadsTotal.WithLabelValues("error").Inc()
		return nil, asDomain(op, err)
	}

	public := p.IsPublicReadable(rec)
	if !public && !p.IsOwner(rec) {
		downloadsTotal.WithLabelValues("deny").Inc()
		g.log.Debug().
			Str("file_id", fileID).
			Str("principal", p.ID()).
			Msg("download denied")
		return nil, E(KindUnauthorized, op, "not allowed to read file %s", fileID)
	}

	url, err := g.objects.SignGet(ctx, rec.Locator, g.getTTL)
	if err != nil {
		downloadsTotal.WithLabelValues("error").Inc()
		g.log.Error().Err(err).Str("file_id", fileID).Msg("presign get failed")
		return nil, Wrap(KindExternalService, op, err, "sign download url")
	}

	decision := "owner"
	if public {
		decision = "public"
	}
	downloadsTotal.WithLabelValues(decision).Inc()

	return &Download{
		URL:       url,
		ExpiresAt: g.now().UTC().Add(g.getTTL),
		Public:    public,
		Record:    rec,
	}, nil
}

func (g *Gate) lookup(ctx context.Context, id string) (*FileRecord, error) {
	if rec, ok := g.cache.Get(id); ok {
		return rec, nil
	}
	gen := g.cache.Generation()
	rec, err := g.records.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	g.cache.Set(rec, gen)
	return rec, nil
}
