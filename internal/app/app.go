// Package app wires the price engine's components together and manages
// their lifecycle for the server and the batch CLIs.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"cardvault/config"
	"cardvault/internal/cache"
	"cardvault/internal/catalog"
	"cardvault/internal/core"
	"cardvault/internal/fetch"
	"cardvault/internal/metrics"
	"cardvault/internal/pricestore"
	"cardvault/internal/providers"

	// Import provider packages to trigger their init() registration
	_ "cardvault/internal/providers/tcgcsv"
	_ "cardvault/internal/providers/tcgdex"
	"cardvault/internal/providers/tracker"
	"cardvault/internal/resolver"
	"cardvault/internal/server"
	"cardvault/internal/storage"
)

// App holds the initialized components. The caller must call Shutdown to
// release resources.
type App struct {
	config  *config.Config
	storage storage.Storage
	cache   cache.Cache
	server  *server.Server

	Store   pricestore.Store
	Catalog catalog.Catalog
	Raw     *resolver.RawResolver
	Graded  *resolver.GradedResolver
	Batch   *resolver.Batch

	shutdownMu sync.Mutex
	shutdown   bool
}

// New creates an App with all components initialized.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	a := &App{config: cfg}

	st, err := storage.New(ctx, storage.Config{
		Type:   cfg.Storage.Type,
		SQLite: storage.SQLiteConfig{Path: cfg.Storage.SQLitePath},
		PostgreSQL: storage.PostgreSQLConfig{
			URL:      cfg.Storage.PostgresURL,
			MaxConns: cfg.Storage.MaxConns,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}
	a.storage = st

	a.Store, err = pricestore.New(ctx, st)
	if err != nil {
		return nil, errors.Join(fmt.Errorf("failed to initialize price store: %w", err), a.close())
	}
	a.Catalog, err = catalog.New(ctx, st)
	if err != nil {
		return nil, errors.Join(fmt.Errorf("failed to initialize catalog: %w", err), a.close())
	}

	a.cache, err = cache.New(cache.Config{
		Backend:  cfg.Cache.Backend,
		Dir:      cfg.Cache.Dir,
		RedisURL: cfg.Cache.RedisURL,
		TTL:      cfg.Cache.TTL,
	})
	if err != nil {
		return nil, errors.Join(fmt.Errorf("failed to initialize listing cache: %w", err), a.close())
	}

	var m *metrics.Metrics
	if cfg.Server.MetricsEnabled {
		m = metrics.New(prometheus.DefaultRegisterer)
	}

	fetcher := fetch.New(fetch.Config{
		Retries: cfg.Fetch.Retries,
		Backoff: cfg.Fetch.Backoff,
		Timeout: cfg.Fetch.Timeout,
	}, fetch.WithMetrics(m))

	deps := providers.Deps{Fetcher: fetcher, Cache: a.cache, Config: cfg}
	rawProviders := make([]core.RawPriceProvider, 0, 2)
	for _, kind := range []string{core.SourceTCGdex, core.SourceTCGCSV} {
		p, err := providers.Create(kind, deps)
		if err != nil {
			return nil, errors.Join(fmt.Errorf("failed to create provider %s: %w", kind, err), a.close())
		}
		rawProviders = append(rawProviders, p)
	}
	a.Raw = resolver.NewRawResolver(a.Store, rawProviders...)

	client := tracker.New(cfg.Tracker.BaseURL, cfg.Tracker.APIKey, fetcher)
	a.Graded, err = resolver.NewGradedResolver(a.Store, a.Catalog, client, cfg.Graded, resolver.WithGradedMetrics(m))
	if err != nil {
		return nil, errors.Join(fmt.Errorf("failed to create graded resolver: %w", err), a.close())
	}

	a.Batch = resolver.NewBatch(a.Catalog, a.Store, a.Raw, a.Graded, cfg.Batch.Workers, m)

	a.logStartupInfo()

	handler := server.NewHandler(a.Catalog, a.Store, a.Raw, a.Graded, a.Batch, cfg.Batch)
	a.server = server.New(handler, cfg.Server)

	return a, nil
}

// Start starts the HTTP server on the given address.
// This is a blocking call that returns when the server stops.
func (a *App) Start(addr string) error {
	if a.server == nil {
		return fmt.Errorf("server is not initialized")
	}
	slog.Info("starting server", "address", addr)
	if err := a.server.Start(addr); err != nil {
		if errors.Is(err, http.ErrServerClosed) {
			slog.Info("server stopped gracefully")
			return nil
		}
		return fmt.Errorf("server failed to start: %w", err)
	}
	return nil
}

// Shutdown tears down the app: HTTP server first, then the cache and the
// database connection. Idempotent and safe for repeated calls.
func (a *App) Shutdown(ctx context.Context) error {
	a.shutdownMu.Lock()
	if a.shutdown {
		a.shutdownMu.Unlock()
		return nil
	}
	a.shutdown = true
	a.shutdownMu.Unlock()

	slog.Info("shutting down application...")

	var errs []error
	if a.server != nil {
		if err := a.server.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("server shutdown: %w", err))
		}
	}
	if err := a.close(); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	slog.Info("application shutdown complete")
	return nil
}

// close releases the cache and storage connections.
func (a *App) close() error {
	var errs []error
	if a.cache != nil {
		if err := a.cache.Close(); err != nil {
			errs = append(errs, fmt.Errorf("cache close: %w", err))
		}
		a.cache = nil
	}
	if a.storage != nil {
		if err := a.storage.Close(); err != nil {
			errs = append(errs, fmt.Errorf("storage close: %w", err))
		}
		a.storage = nil
	}
	return errors.Join(errs...)
}

// logStartupInfo logs the effective configuration on startup.
func (a *App) logStartupInfo() {
	cfg := a.config

	if cfg.Server.MasterKey == "" {
		slog.Warn("SECURITY WARNING: CARDVAULT_MASTER_KEY not set - server running in UNSAFE MODE",
			"security_risk", "unauthenticated access allowed",
			"recommendation", "set CARDVAULT_MASTER_KEY environment variable to secure this server")
	} else {
		slog.Info("authentication enabled", "mode", "master_key")
	}

	if cfg.Server.MetricsEnabled {
		slog.Info("prometheus metrics enabled", "endpoint", cfg.Server.MetricsEndpoint)
	} else {
		slog.Info("prometheus metrics disabled")
	}

	slog.Info("storage configured", "type", cfg.Storage.Type)
	slog.Info("listing cache configured", "backend", cfg.Cache.Backend)
	slog.Info("providers configured", "kinds", providers.ListRegistered())
}
