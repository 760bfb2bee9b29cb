package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"

	"github.com/graft-http/graft/ginengine"
	"github.com/graft-http/graft/oteladapters"
	"github.com/graft-http/graft/promadapters"

	"github.com/graft-http/graft/example/bookshelf"
	"github.com/graft-http/graft/example/bookshelf/config"
	"github.com/graft-http/graft/example/bookshelf/storage"
)

const (
	defaultAddr        = ":8080"
	defaultMetricsAddr = ":9090"
	defaultDBAdapter   = "pgx"

	envCookieSecret = "BOOKSHELF_COOKIE_SECRET"
)

// Config holds the command line configuration of the service.
type Config struct {
	Addr                 string
	MetricsAddr          string
	DSN                  string
	DBAdapter            string
	CookieSecret         string
	ObservabilityEnabled bool
}

func main() {
	if err := run(parseFlags()); err != nil {
		log.Fatalf("bookshelf failed: %v", err)
	}
}

func parseFlags() Config {
	var (
		addr          = flag.String("addr", defaultAddr, "HTTP listen address")
		metricsAddr   = flag.String("metrics-addr", defaultMetricsAddr, "Prometheus metrics listen address")
		dsn           = flag.String("dsn", config.PostgresDSN(), "PostgreSQL connection string")
		dbAdapter     = flag.String("db-adapter", defaultDBAdapter, "Database adapter: pgx, sql or sqlx")
		cookieSecret  = flag.String("cookie-secret", os.Getenv(envCookieSecret), "Secret for session cookie signing")
		observability = flag.Bool("observability-enabled", false, "Enable OpenTelemetry tracing to stdout")
	)

	flag.Parse()

	return Config{
		Addr:                 *addr,
		MetricsAddr:          *metricsAddr,
		DSN:                  *dsn,
		DBAdapter:            *dbAdapter,
		CookieSecret:         *cookieSecret,
		ObservabilityEnabled: *observability,
	}
}

func run(cfg Config) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))

	shelf, closeShelf, err := newShelf(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeShelf()

	registry := prometheus.NewRegistry()

	collector, err := promadapters.NewMetricsCollector(registry)
	if err != nil {
		return err
	}

	stageSink, err := promadapters.NewStageDurationSink(registry)
	if err != nil {
		return err
	}

	appOpts := []bookshelf.Option{
		bookshelf.WithLogger(logger),
		bookshelf.WithMetrics(collector),
		bookshelf.WithTraceSinks(stageSink),
	}
	if cfg.CookieSecret != "" {
		appOpts = append(appOpts, bookshelf.WithCookieSecrets(cfg.CookieSecret))
	}
	if cfg.ObservabilityEnabled {
		providers, obsErr := config.NewObservabilityProviders(ctx, "bookshelf", bookshelf.Version)
		if obsErr != nil {
			return obsErr
		}
		defer func() {
			if shutdownErr := providers.Shutdown(); shutdownErr != nil {
				logger.Warn("shutting down observability providers", "error", shutdownErr)
			}
		}()

		appOpts = append(appOpts,
			bookshelf.WithTraceSinks(oteladapters.NewTracingSink(otel.Tracer("bookshelf"))))
	}

	app, err := bookshelf.NewApp(shelf, appOpts...)
	if err != nil {
		return err
	}

	srv, err := ginengine.NewServer(app,
		ginengine.WithAddr(cfg.Addr),
		ginengine.WithLogger(logger),
	)
	if err != nil {
		return err
	}

	metricsSrv := &http.Server{
		Addr:              cfg.MetricsAddr,
		Handler:           promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errChan := make(chan error, 2)

	go func() {
		if listenErr := srv.Listen(ctx); listenErr != nil {
			errChan <- fmt.Errorf("http server: %w", listenErr)
			return
		}
		errChan <- nil
	}()

	go func() {
		if listenErr := metricsSrv.ListenAndServe(); listenErr != nil && !errors.Is(listenErr, http.ErrServerClosed) {
			errChan <- fmt.Errorf("metrics server: %w", listenErr)
		}
	}()

	logger.Info("bookshelf started",
		"addr", cfg.Addr, "metricsAddr", cfg.MetricsAddr, "dbAdapter", cfg.DBAdapter)

	// Wait for a shutdown signal or a server error
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	var errs []error
	select {
	case sig := <-sigChan:
		logger.Info("received signal, shutting down", "signal", sig.String())
		cancel()
		if listenErr := <-errChan; listenErr != nil {
			errs = append(errs, listenErr)
		}
	case listenErr := <-errChan:
		cancel()
		if listenErr != nil {
			errs = append(errs, listenErr)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if shutdownErr := metricsSrv.Shutdown(shutdownCtx); shutdownErr != nil {
		errs = append(errs, fmt.Errorf("metrics server shutdown: %w", shutdownErr))
	}

	logger.Info("bookshelf stopped")

	return errors.Join(errs...)
}

// newShelf opens the database connection for the selected adapter and builds
// the shelf storage on top of it.
func newShelf(ctx context.Context, cfg Config, logger *slog.Logger) (bookshelf.Shelf, func(), error) {
	options := []storage.Option{storage.WithLogger(logger)}

	switch cfg.DBAdapter {
	case "pgx":
		pool, err := config.NewPGXPool(ctx, cfg.DSN)
		if err != nil {
			return nil, nil, err
		}
		shelf, err := storage.NewFromPGXPool(pool, options...)
		if err != nil {
			pool.Close()
			return nil, nil, err
		}

		return shelf, pool.Close, nil

	case "sql":
		db, err := config.NewSQLDB(ctx, cfg.DSN)
		if err != nil {
			return nil, nil, err
		}
		shelf, err := storage.NewFromSQLDB(db, options...)
		if err != nil {
			_ = db.Close()
			return nil, nil, err
		}

		return shelf, func() { _ = db.Close() }, nil

	case "sqlx":
		db, err := config.NewSQLX(ctx, cfg.DSN)
		if err != nil {
			return nil, nil, err
		}
		shelf, err := storage.NewFromSQLX(db, options...)
		if err != nil {
			_ = db.Close()
			return nil, nil, err
		}

		return shelf, func() { _ = db.Close() }, nil

	default:
		return nil, nil, fmt.Errorf("unknown db adapter %q, want pgx, sql or sqlx", cfg.DBAdapter)
	}
}
