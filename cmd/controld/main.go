// controld is the vkrun control plane: the durable state store, the REST
// mutation surface, the dispatch websocket hub, and the background sweepers.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/vkrun/vkrun/internal/common/config"
	"github.com/vkrun/vkrun/internal/common/logger"
	"github.com/vkrun/vkrun/internal/controlplane"
	"github.com/vkrun/vkrun/internal/controlplane/dispatch"
	"github.com/vkrun/vkrun/internal/controlplane/handlers"
	sqlitestore "github.com/vkrun/vkrun/internal/controlplane/store/sqlite"
	"github.com/vkrun/vkrun/internal/db"
	"github.com/vkrun/vkrun/internal/db/dialect"
	"github.com/vkrun/vkrun/internal/events/bus"
	"github.com/vkrun/vkrun/internal/tracing"
)

// intentTTL bounds how long a dispatched intent stays valid in transit.
const intentTTL = 30 * time.Second

func main() {
	configPath := flag.String("config", "", "directory containing config.yaml")
	flag.Parse()

	cfg, err := config.LoadWithPath(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()
	logger.SetDefault(log)

	if cfg.Tracing.Enabled {
		tracing.Init("vkrun-controld", cfg.Tracing.Endpoint)
	}

	if err := run(cfg, log); err != nil {
		log.Error("controld exited with error", zap.Error(err))
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *logger.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	writer, reader, err := openStatePools(cfg.Database)
	if err != nil {
		return err
	}
	pool := db.NewPool(writer, reader)
	defer func() { _ = pool.Close() }()

	repo, err := sqlitestore.New(pool.Writer(), pool.Reader())
	if err != nil {
		return fmt.Errorf("failed to init state store: %w", err)
	}

	eventBus, err := openEventBus(cfg, log)
	if err != nil {
		return err
	}
	defer eventBus.Close()

	service := controlplane.NewService(repo, eventBus, cfg.Lease.TTLDuration(), log)
	hub := dispatch.NewHub(service, eventBus, log)
	slash := controlplane.NewSlashCommands(service, hub, intentTTL, log)
	server := handlers.NewServer(service, hub, slash, log)

	sweeper := controlplane.NewOrphanSweeper(service, cfg.Lease.TTLDuration(), log)
	reaper := controlplane.NewApprovalReaper(service,
		time.Duration(cfg.Approval.ReapInterval)*time.Second, log)
	go sweeper.Run(ctx)
	go reaper.Run(ctx)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      server.Router(),
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}
	serveErr := make(chan error, 1)
	go func() {
		log.Info("control plane listening", zap.String("addr", addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	select {
	case err := <-serveErr:
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown failed", zap.Error(err))
	}
	if err := tracing.Shutdown(shutdownCtx); err != nil {
		log.Warn("tracing shutdown failed", zap.Error(err))
	}
	return nil
}

// openStatePools opens the writer/reader connections for the configured
// driver. SQLite keeps a single writer; Postgres shares one pgx pool.
func openStatePools(cfg config.DatabaseConfig) (writer, reader *sqlx.DB, err error) {
	switch cfg.Driver {
	case "postgres":
		raw, err := db.OpenPostgres(cfg.DSN(), cfg.MaxConns, cfg.MinConns)
		if err != nil {
			return nil, nil, err
		}
		shared := sqlx.NewDb(raw, dialect.PGX)
		return shared, shared, nil
	default:
		w, err := db.OpenSQLite(cfg.Path)
		if err != nil {
			return nil, nil, err
		}
		r, err := db.OpenSQLiteReader(cfg.Path)
		if err != nil {
			_ = w.Close()
			return nil, nil, err
		}
		return sqlx.NewDb(w, dialect.SQLite3), sqlx.NewDb(r, dialect.SQLite3), nil
	}
}

func openEventBus(cfg *config.Config, log *logger.Logger) (bus.EventBus, error) {
	if cfg.NATS.URL == "" {
		log.Info("using in-memory event bus")
		return bus.NewMemoryEventBus(log), nil
	}
	return bus.NewNATSEventBus(cfg.NATS, log)
}
