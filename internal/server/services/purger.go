package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/dmitrijs2005/filevault/internal/logging"
	"github.com/dmitrijs2005/filevault/internal/server/config"
	"github.com/dmitrijs2005/filevault/internal/server/repositories/repomanager"
	"github.com/dmitrijs2005/filevault/internal/server/storage"
)

const purgeBatchSize = 100

// PurgeStats counts what one purge pass cleaned up.
type PurgeStats struct {
	Objects  int
	Links    int64
	Sessions int
}

// Purger finishes two-phase deletes in the background: it removes objects
// of deleted and failed files, drops links that can no longer grant access
// and aborts upload sessions abandoned mid-stream.
type Purger struct {
	db          *sql.DB
	repomanager repomanager.RepositoryManager
	store       storage.Backend
	ingest      *IngestService
	log         logging.Logger
	interval    time.Duration
	staleAfter  time.Duration
	now         func() time.Time
}

func NewPurger(db *sql.DB, rm repomanager.RepositoryManager, store storage.Backend,
	ingest *IngestService, cfg *config.Config, log logging.Logger) *Purger {
	return &Purger{
		db:          db,
		repomanager: rm,
		store:       store,
		ingest:      ingest,
		log:         log.With("module", "purger"),
		interval:    cfg.PurgeInterval,
		staleAfter:  cfg.StaleSessionAfter,
		now:         time.Now,
	}
}

// Run purges once immediately and then every interval until ctx is done.
func (p *Purger) Run(ctx context.Context) error {
	p.log.Info(ctx, "Starting purger", "interval", p.interval.String())

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		if _, err := p.RunOnce(ctx); err != nil && ctx.Err() == nil {
			p.log.Error(ctx, "purge pass failed", "error", err)
		}
		select {
		case <-ctx.Done():
			p.log.Info(ctx, "Stopping purger...")
			return nil
		case <-ticker.C:
		}
	}
}

// RunOnce performs a single purge pass. It keeps going after individual
// failures and returns them joined.
func (p *Purger) RunOnce(ctx context.Context) (PurgeStats, error) {
	var (
		stats PurgeStats
		errs  []error
	)
	now := p.now().UTC()

	if p.ingest != nil && p.staleAfter > 0 {
		n, err := p.ingest.AbortStale(ctx, now.Add(-p.staleAfter), purgeBatchSize)
		if err != nil {
			errs = append(errs, err)
		}
		stats.Sessions = n
		purgedTotal.WithLabelValues("session").Add(float64(n))
	}

	n, err := p.purgeObjects(ctx, now)
	if err != nil {
		errs = append(errs, err)
	}
	stats.Objects = n
	purgedTotal.WithLabelValues("object").Add(float64(n))

	removed, err := p.repomanager.Links(p.db).DeleteInert(ctx, now)
	if err != nil {
		errs = append(errs, fmt.Errorf("delete inert links: %w", err))
	}
	stats.Links = removed
	purgedTotal.WithLabelValues("link").Add(float64(removed))

	if stats.Objects > 0 || stats.Links > 0 || stats.Sessions > 0 {
		p.log.Info(ctx, "purge pass", "objects", stats.Objects, "links", stats.Links, "sessions", stats.Sessions)
	}
	return stats, errors.Join(errs...)
}

func (p *Purger) purgeObjects(ctx context.Context, now time.Time) (int, error) {
	files := p.repomanager.Files(p.db)

	batch, err := files.ListPurgeable(ctx, purgeBatchSize)
	if err != nil {
		return 0, fmt.Errorf("list purgeable: %w", err)
	}

	n := 0
	for _, f := range batch {
		if err := p.store.DeleteObject(ctx, f.StorageKey); err != nil {
			p.log.Warn(ctx, "delete object", "file_id", f.ID, "key", f.StorageKey, "error", err)
			continue
		}
		if err := files.MarkPurged(ctx, f.ID, now); err != nil {
			p.log.Warn(ctx, "mark purged", "file_id", f.ID, "error", err)
			continue
		}
		n++
	}
	return n, nil
}
