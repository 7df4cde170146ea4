/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the hire-purchase servicing server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Parse command-line flags and load configuration
  2. Build the logger
  3. Open the configured store (SQLite, PostgreSQL with migrations, memory)
  4. Choose the event publisher (Kafka or log)
  5. Create the servicing layer, API handler and router
  6. Start the nightly penalty scheduler
  7. Start the server with graceful shutdown

COMMAND-LINE FLAGS:
  -config  Optional YAML/JSON config file
  -port    HTTP server port, overrides server.port
  -db      SQLite database path, overrides store.sqlite_path
           Use ":memory:" for an in-memory database
  -migrate-down  Roll back PostgreSQL migrations and exit

ENVIRONMENT:
  Every config key can be set with the HPE_ prefix, for example
  HPE_STORE_DRIVER=postgres, HPE_POSTGRES_HOST=db, HPE_LOG_LEVEL=debug.

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop the scheduler and wait for a running accrual to finish
  2. Stop accepting new connections
  3. Wait for active requests to complete (30s timeout)
  4. Close the publisher and the store

SEE ALSO:
  - config/config.go: Keys and defaults
  - api/server.go: Router configuration
*/
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"

	"github.com/warp/hirepurchase-engine/api"
	"github.com/warp/hirepurchase-engine/config"
	"github.com/warp/hirepurchase-engine/contract"
	"github.com/warp/hirepurchase-engine/engine"
	"github.com/warp/hirepurchase-engine/engine/store"
	"github.com/warp/hirepurchase-engine/events"
	"github.com/warp/hirepurchase-engine/store/postgres"
	"github.com/warp/hirepurchase-engine/store/sqlite"
)

func main() {
	// Flags
	configPath := flag.String("config", "", "Optional config file (YAML or JSON)")
	port := flag.Int("port", 0, "HTTP server port (overrides config)")
	dbPath := flag.String("db", "", "SQLite database path (overrides config)")
	migrateDown := flag.Bool("migrate-down", false, "Roll back all PostgreSQL migrations and exit")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to load configuration")
	}
	if *port != 0 {
		cfg.Server.Port = *port
	}
	if *dbPath != "" {
		cfg.Store.SQLitePath = *dbPath
	}

	log := cfg.Logger()

	if *migrateDown {
		if err := postgres.RunMigrationsDown(cfg.PostgresConfig().DSN()); err != nil {
			log.WithError(err).Fatal("Failed to roll back migrations")
		}
		log.Info("Migrations rolled back")
		return
	}

	// Initialize store
	ctx := context.Background()
	txStore, pinger, closeStore, err := openStore(ctx, cfg, log)
	if err != nil {
		log.WithError(err).WithField("driver", cfg.Store.Driver).Fatal("Failed to initialize store")
	}
	defer closeStore.Close()

	// Events
	var publisher events.Publisher = events.NewLog(log)
	if cfg.Kafka.Enabled {
		publisher = events.NewKafka(cfg.Kafka.Brokers, cfg.Kafka.Topic)
		log.WithField("topic", cfg.Kafka.Topic).Info("Publishing events to Kafka")
	}
	defer publisher.Close()

	// Metrics
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	svc := contract.NewService(txStore,
		contract.WithLogger(log),
		contract.WithPublisher(publisher),
		contract.WithMetrics(contract.NewMetrics(reg)),
		contract.WithSettings(cfg.ServiceSettings()),
	)

	handler := api.NewHandler(svc, log)
	router := api.NewRouter(handler, api.RouterOptions{Gatherer: reg, Store: pinger})

	// Nightly penalty accrual
	var scheduler *api.PenaltyScheduler
	if cfg.Penalty.Enabled {
		scheduler, err = api.NewPenaltyScheduler(svc, cfg.Penalty.Schedule, log)
		if err != nil {
			log.WithError(err).Fatal("Failed to configure penalty scheduler")
		}
		scheduler.Start()
	}

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.WithFields(logrus.Fields{
			"port":   cfg.Server.Port,
			"store":  cfg.Store.Driver,
			"events": cfg.Kafka.Enabled,
		}).Info("Server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Fatal("Server failed")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if scheduler != nil {
		select {
		case <-scheduler.Stop().Done():
		case <-shutdownCtx.Done():
			log.Warn("Penalty run still in progress at shutdown")
		}
	}
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("Server forced to shutdown")
	}

	log.Info("Server stopped")
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

// openStore returns the configured store, a health pinger (nil for memory)
// and a closer.
func openStore(ctx context.Context, cfg *config.Config, log logrus.FieldLogger) (engine.TxStore, api.Pinger, io.Closer, error) {
	switch cfg.Store.Driver {
	case config.DriverPostgres:
		pgCfg := cfg.PostgresConfig()
		if err := postgres.RunMigrations(pgCfg.DSN()); err != nil {
			return nil, nil, nil, err
		}
		pool, err := postgres.NewPool(ctx, pgCfg)
		if err != nil {
			return nil, nil, nil, err
		}
		s := postgres.New(pool)
		log.WithFields(logrus.Fields{"host": pgCfg.Host, "database": pgCfg.Database}).Info("Using PostgreSQL store")
		return s, s, s, nil

	case config.DriverMemory:
		log.Warn("Using in-memory store, data is lost on restart")
		return store.NewMemory(), nil, closerFunc(func() error { return nil }), nil

	default:
		s, err := sqlite.New(cfg.Store.SQLitePath)
		if err != nil {
			return nil, nil, nil, err
		}
		log.WithField("path", cfg.Store.SQLitePath).Info("Using SQLite store")
		return s, s, s, nil
	}
}
