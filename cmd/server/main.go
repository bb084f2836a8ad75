/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the salary advance server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load configuration (environment, then flags)
  2. Build the logger
  3. Load the policy catalog
  4. Open the store (SQLite or PostgreSQL)
  5. Connect the Kafka publisher when brokers are configured
  6. Build the service, handler and router
  7. Serve until SIGINT/SIGTERM

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Flush and close the Kafka writer
  4. Close the database
  5. Exit

EXAMPLES:
  # Run with file database
  ./server -db="./data/advance.db"

  # Run with in-memory database and readable logs
  ./server -db=":memory:" -log-dev

  # Run against PostgreSQL, publishing events to Kafka
  DATABASE_URL=postgres://advance@localhost/advance KAFKA_BROKERS=localhost:9092 \
    ./server -db-driver=postgres

SEE ALSO:
  - config/config.go: Flags and environment variables
  - api/server.go: Router configuration
*/
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/warp/salary-advance/advance"
	"github.com/warp/salary-advance/api"
	"github.com/warp/salary-advance/config"
	"github.com/warp/salary-advance/events"
	"github.com/warp/salary-advance/factory"
	"github.com/warp/salary-advance/metrics"
	"github.com/warp/salary-advance/store/postgres"
	"github.com/warp/salary-advance/store/sqlite"
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(2)
	}

	logger, err := newLogger(cfg.LogDev)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("server failed", zap.Error(err))
	}
	logger.Info("server stopped")
}

func newLogger(dev bool) (*zap.Logger, error) {
	if dev {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func run(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	catalog, err := loadCatalog(cfg.CatalogPath)
	if err != nil {
		return err
	}
	logger.Info("policy catalog loaded", zap.Int("policies", len(catalog.All())))

	backend, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	m := metrics.New()
	opts := []advance.Option{
		advance.WithLogger(logger.Named("advance")),
		advance.WithRecorder(m),
		advance.WithLocation(cfg.Location),
	}

	if brokers := events.SplitBrokers(cfg.KafkaBrokers); len(brokers) > 0 {
		publisher, err := events.NewKafkaPublisher(brokers, cfg.KafkaTopic, logger.Named("events"))
		if err != nil {
			return err
		}
		defer func() {
			if err := publisher.Close(); err != nil {
				logger.Warn("kafka writer close failed", zap.Error(err))
			}
		}()
		opts = append(opts, advance.WithPublisher(publisher))
		logger.Info("publishing lifecycle events", zap.Strings("brokers", brokers), zap.String("topic", publisher.Topic()))
	}

	svc, err := advance.New(catalog, backend, backend, backend, opts...)
	if err != nil {
		return err
	}

	identity := api.NewIdentity(cfg.JWTSigningKey)
	if !identity.UsesTokens() {
		logger.Warn("no JWT signing key configured, trusting X-Requester-ID and X-Role headers")
	}

	handler := api.NewHandler(svc, backend, identity, m, logger.Named("api"))
	server := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      api.NewRouter(handler),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("server starting", zap.String("addr", server.Addr), zap.String("time_zone", cfg.Location.String()))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func loadCatalog(path string) (*advance.Catalog, error) {
	if path == "" {
		return factory.ParseCatalog(factory.DefaultCatalogJSON)
	}
	return factory.LoadCatalogFile(path)
}

// openStore returns the configured backend and a function releasing it.
func openStore(ctx context.Context, cfg config.Config, logger *zap.Logger) (api.Backend, func(), error) {
	switch cfg.DBDriver {
	case config.DriverPostgres:
		store, err := postgres.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to initialize database: %w", err)
		}
		logger.Info("using postgres store")
		return store, store.Close, nil
	default:
		store, err := sqlite.New(cfg.DBPath)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to initialize database: %w", err)
		}
		logger.Info("using sqlite store", zap.String("path", cfg.DBPath))
		return store, func() {
			if err := store.Close(); err != nil {
				logger.Warn("database close failed", zap.Error(err))
			}
		}, nil
	}
}
