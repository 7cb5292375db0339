// Package server wires the filevault components together and runs them:
// the HTTP API, the gRPC ingest transport and the background purger.
package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
	_ "modernc.org/sqlite"

	"github.com/dmitrijs2005/filevault/internal/logging"
	"github.com/dmitrijs2005/filevault/internal/server/auth"
	"github.com/dmitrijs2005/filevault/internal/server/config"
	"github.com/dmitrijs2005/filevault/internal/server/httpapi"
	"github.com/dmitrijs2005/filevault/internal/server/repositories/memrepo"
	"github.com/dmitrijs2005/filevault/internal/server/repositories/repomanager"
	"github.com/dmitrijs2005/filevault/internal/server/services"
	"github.com/dmitrijs2005/filevault/internal/server/storage"
	"github.com/dmitrijs2005/filevault/internal/server/storage/memstore"
	"github.com/dmitrijs2005/filevault/internal/server/storage/miniostore"
	"github.com/dmitrijs2005/filevault/internal/server/storage/s3store"

	gs "github.com/dmitrijs2005/filevault/internal/server/grpc"
)

// progressRetention is how long finished upload snapshots stay queryable.
const progressRetention = time.Hour

type App struct {
	config     *config.Config
	logger     logging.Logger
	db         *sql.DB
	httpServer *httpapi.Server
	grpcServer *gs.GRPCServer
	purger     *services.Purger
}

func NewApp(ctx context.Context, c *config.Config) (*App, error) {

	logger := logging.NewJSON(os.Stdout, c.LogLevel)

	db, rm, err := openRegistry(ctx, c, logger)
	if err != nil {
		return nil, fmt.Errorf("registry init error: %w", err)
	}

	store, err := openStorage(ctx, c, logger)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("storage init error: %w", err)
	}

	verifier := auth.NewVerifier([]byte(c.SecretKey))
	progress := services.NewProgressTracker(c.ProgressCacheSize, progressRetention)

	is := services.NewIngestService(db, rm, store, progress, c, logger)
	as := services.NewAccessService(db, rm, c, logger)
	ds := services.NewDeliveryService(db, rm, as, store, c, logger)

	h := httpapi.NewHandler(is, as, ds, progress, c.PublicBaseURL, logger)

	return &App{
		config:     c,
		logger:     logger,
		db:         db,
		httpServer: httpapi.NewServer(c.EndpointAddrHTTP, httpapi.NewRouter(h, verifier), logger),
		grpcServer: gs.NewGRPCServer(c.EndpointAddrGRPC, logger, is, verifier),
		purger:     services.NewPurger(db, rm, store, is, c, logger),
	}, nil
}

// openRegistry connects to PostgreSQL and applies migrations, or sets up
// the in-memory registry when the DSN is config.MemoryDSN. The in-memory
// registry still gets a *sql.DB so that services can open transactions.
func openRegistry(ctx context.Context, c *config.Config, logger logging.Logger) (*sql.DB, repomanager.RepositoryManager, error) {
	if c.DatabaseDSN == config.MemoryDSN {
		db, err := sql.Open("sqlite", ":memory:")
		if err != nil {
			return nil, nil, err
		}
		logger.Warn(ctx, "using in-memory registry; metadata is lost on restart")
		return db, memrepo.New(), nil
	}

	db, err := repomanager.OpenPostgres(ctx, c.DatabaseDSN)
	if err != nil {
		return nil, nil, err
	}
	rm := repomanager.NewPostgresRepositoryManager()
	if err := rm.RunMigrations(ctx, db); err != nil {
		_ = db.Close()
		return nil, nil, err
	}
	return db, rm, nil
}

func openStorage(ctx context.Context, c *config.Config, logger logging.Logger) (storage.Backend, error) {
	var backend storage.Backend

	switch c.StorageDriver {
	case config.DriverS3:
		st, err := s3store.New(ctx, s3store.Config{
			Region:       c.S3Region,
			AccessKey:    c.S3RootUser,
			SecretKey:    c.S3RootPassword,
			Bucket:       c.S3Bucket,
			Endpoint:     c.S3BaseEndpoint,
			UsePathStyle: c.S3BaseEndpoint != "",
		})
		if err != nil {
			return nil, err
		}
		backend = st
	case config.DriverMinio:
		st, err := miniostore.New(ctx, miniostore.Config{
			Endpoint:  c.S3BaseEndpoint,
			AccessKey: c.S3RootUser,
			SecretKey: c.S3RootPassword,
			Bucket:    c.S3Bucket,
			Region:    c.S3Region,
			Secure:    c.S3UseSSL,
		})
		if err != nil {
			return nil, err
		}
		backend = st
	case config.DriverMemory:
		logger.Warn(ctx, "using in-memory object store; objects are lost on restart")
		backend = memstore.New(0)
	default:
		return nil, fmt.Errorf("unknown storage driver %q", c.StorageDriver)
	}

	policy := storage.DefaultRetryPolicy
	policy.Attempts = c.RetryAttempts
	if c.RetryBaseDelay > 0 {
		policy.BaseDelay = c.RetryBaseDelay
	}
	return storage.NewRetrying(backend, policy, logger), nil
}

func (app *App) initSignalHandler(cancelFunc context.CancelFunc) {
	// Channel to catch OS signals.
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	go func() {
		<-sigs
		cancelFunc()
	}()
}

// Run starts all components and blocks until a signal arrives or one of
// them fails; the others are then stopped too.
func (app *App) Run(ctx context.Context) error {

	ctx, cancelFunc := context.WithCancel(ctx)
	defer cancelFunc()

	app.logger.Info(ctx, "Starting app...")

	app.initSignalHandler(cancelFunc)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return app.httpServer.Run(ctx) })
	g.Go(func() error { return app.grpcServer.Run(ctx) })
	g.Go(func() error { return app.purger.Run(ctx) })

	err := g.Wait()
	if cerr := app.db.Close(); cerr != nil {
		err = errors.Join(err, cerr)
	}

	app.logger.Info(context.Background(), "App stopped")
	return err
}
