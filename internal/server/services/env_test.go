package services

import (
	"bytes"
	"context"
	"database/sql"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/dmitrijs2005/filevault/internal/logging"
	"github.com/dmitrijs2005/filevault/internal/server/config"
	"github.com/dmitrijs2005/filevault/internal/server/models"
	"github.com/dmitrijs2005/filevault/internal/server/repositories/memrepo"
	"github.com/dmitrijs2005/filevault/internal/server/storage/memstore"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type env struct {
	reg      *memrepo.Manager
	store    *memstore.Store
	cfg      *config.Config
	clock    *clock
	progress *ProgressTracker
	ingest   *IngestService
	access   *AccessService
	delivery *DeliveryService
	purger   *Purger
}

func newEnv(t *testing.T, mutate func(cfg *config.Config)) *env {
	t.Helper()

	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	cfg := &config.Config{}
	cfg.LoadDefaults()
	cfg.PartSize = 4
	if mutate != nil {
		mutate(cfg)
	}

	e := &env{
		reg:      memrepo.New(),
		store:    memstore.New(0),
		cfg:      cfg,
		clock:    &clock{t: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)},
		progress: NewProgressTracker(16, time.Hour),
	}
	rm := e.reg
	log := logging.Nop()

	e.ingest = NewIngestService(db, rm, e.store, e.progress, cfg, log)
	e.ingest.now = e.clock.Now
	e.access = NewAccessService(db, rm, cfg, log)
	e.access.now = e.clock.Now
	e.delivery = NewDeliveryService(db, rm, e.access, e.store, cfg, log)
	e.purger = NewPurger(db, rm, e.store, e.ingest, cfg, log)
	e.purger.now = e.clock.Now
	return e
}

// upload ingests data for owner and requires success.
func (e *env) upload(t *testing.T, owner string, data []byte) *IngestResult {
	t.Helper()
	res, err := e.ingest.Ingest(context.Background(), IngestRequest{OwnerID: owner, Name: "f.bin"}, bytes.NewReader(data))
	require.NoError(t, err)
	require.Equal(t, models.FileComplete, res.State)
	return res
}

// onlyFile returns the single file in the registry, if there is exactly one.
func onlyFile(reg *memrepo.Manager) *models.File {
	all := reg.AllFiles()
	if len(all) != 1 {
		return nil
	}
	return all[0]
}
