// Package app builds the object graph shared by the server and the CLI:
// row store, object store, URL validator, fetch pipeline, providers and
// the cover service.
package app

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	gcsclient "cloud.google.com/go/storage"
	"go.uber.org/zap"
	"google.golang.org/api/option"

	"github.com/fleveque/cover-service/internal/config"
	"github.com/fleveque/cover-service/internal/llm"
	"github.com/fleveque/cover-service/internal/metrics"
	"github.com/fleveque/cover-service/internal/pipeline"
	"github.com/fleveque/cover-service/internal/provider"
	"github.com/fleveque/cover-service/internal/resilience"
	"github.com/fleveque/cover-service/internal/safeurl"
	"github.com/fleveque/cover-service/internal/service"
	"github.com/fleveque/cover-service/internal/storage"
	"github.com/fleveque/cover-service/internal/storage/gcs"
	"github.com/fleveque/cover-service/internal/storage/postgres"
)

// App holds the wired components. Close releases them.
type App struct {
	Service  *service.CoverService
	Repo     storage.CoverRepository
	Calls    storage.ProviderCallRepository
	Gateway  *storage.Gateway
	Registry *resilience.Registry
	Feeds    *provider.FeedReader

	// ObjectDir is the local object directory, empty for remote backends.
	ObjectDir string

	closers []func()
}

// Close releases database pools and storage clients in reverse order.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

// Options tweak wiring for callers that need something non-default.
type Options struct {
	// GCSClientOptions are passed to the GCS client (endpoint, credentials).
	GCSClientOptions []option.ClientOption
}

// New wires every component from cfg. On error, anything opened so far is
// closed.
func New(ctx context.Context, cfg *config.Config, opts Options, logger *zap.Logger) (_ *App, err error) {
	metrics.Init()
	a := &App{}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	if err := a.openRows(ctx, cfg, logger); err != nil {
		return nil, err
	}
	store, err := a.openObjects(ctx, cfg, opts)
	if err != nil {
		return nil, err
	}

	a.Gateway = storage.NewGateway(store, storage.GatewayOptions{
		PublicBaseURL: cfg.Storage.PublicBaseURL,
		UploadEnabled: cfg.Storage.UploadEnabled,
		ReadEnabled:   cfg.Storage.ReadEnabled,
	}, logger)
	a.Registry = resilience.NewRegistry(cfg.Resilience.Defaults, cfg.ResiliencePolicies(), logger)

	validator := safeurl.NewValidator(cfg.Safety.AllowedHosts, nil)
	fetcher := pipeline.NewHTTPFetcher(validator, pipeline.FetcherOptions{
		Timeout:      cfg.Pipeline.DownloadTimeout,
		MaxBytes:     cfg.Pipeline.MaxDownloadBytes,
		UserAgent:    cfg.Pipeline.UserAgent,
		MaxRedirects: cfg.Pipeline.MaxRedirects,
	})
	processor := service.NewImageProcessor(service.DefaultProcessorOptions())
	pipe := pipeline.New(validator, fetcher, processor, a.Gateway, a.Registry,
		pipeline.Options{MaxProcessedBytes: cfg.Pipeline.MaxProcessedBytes}, logger)

	a.Feeds = provider.NewFeedReader(nil, logger)
	a.Service = service.NewCoverService(a.Repo, pipe, a.Gateway, validator,
		Providers(cfg, a.Calls, logger), a.Registry,
		service.Options{
			LegacySourceLabels: cfg.Covers.LegacySourceLabels,
			Concurrency:        cfg.Pipeline.Concurrency,
		}, logger)

	return a, nil
}

func (a *App) openRows(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	switch cfg.Storage.Driver {
	case "postgres":
		pg, err := postgres.NewCoverStore(ctx, postgres.Config{DSN: cfg.Storage.PostgresDSN})
		if err != nil {
			return err
		}
		a.closers = append(a.closers, pg.Close)
		if err := pg.Migrate(ctx); err != nil {
			return fmt.Errorf("migrating postgres: %w", err)
		}
		a.Repo, a.Calls = pg, pg
	default:
		if err := os.MkdirAll(filepath.Dir(cfg.Storage.DatabasePath), 0o755); err != nil {
			return fmt.Errorf("creating database directory: %w", err)
		}
		db, err := storage.NewDatabase(cfg.Storage.DatabasePath)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, func() { _ = db.Close() })
		a.Repo = storage.NewCoverRepository(db)
		a.Calls = storage.NewProviderCallRepository(db)
	}
	logger.Info("row store ready", zap.String("driver", cfg.Storage.Driver))
	return nil
}

func (a *App) openObjects(ctx context.Context, cfg *config.Config, opts Options) (storage.ObjectStore, error) {
	switch cfg.Storage.Backend {
	case "gcs":
		client, err := gcsclient.NewClient(ctx, opts.GCSClientOptions...)
		if err != nil {
			return nil, fmt.Errorf("creating gcs client: %w", err)
		}
		a.closers = append(a.closers, func() { _ = client.Close() })
		return gcs.New(client, gcs.Config{
			Bucket:       cfg.Storage.GCSBucket,
			CacheControl: "public, max-age=31536000",
		})
	default:
		local, err := storage.NewLocalStore(cfg.Storage.LocalDir)
		if err != nil {
			return nil, fmt.Errorf("creating local store: %w", err)
		}
		a.ObjectDir = cfg.Storage.LocalDir
		return local, nil
	}
}

// Providers builds the enabled discovery providers in lookup order: the
// free catalogue APIs first, then the LLM search when any LLM is configured.
func Providers(cfg *config.Config, calls storage.ProviderCallRepository, logger *zap.Logger) []provider.CoverProvider {
	var out []provider.CoverProvider
	if cfg.Providers.GoogleBooks.Enabled {
		out = append(out, provider.NewGoogleBooksProvider("", cfg.Providers.GoogleBooks.APIKey, nil))
	}
	if cfg.Providers.OpenLibrary.Enabled {
		out = append(out, provider.NewOpenLibraryProvider(""))
	}
	if clients := LLMClients(cfg.LLM, logger); len(clients) > 0 {
		out = append(out, provider.NewLLMProvider(clients, calls, logger))
	}
	return out
}

// LLMClients returns the configured LLM clients in provider_order. A
// provider without an API key is skipped.
func LLMClients(cfg config.LLMConfig, logger *zap.Logger) []llm.Client {
	var clients []llm.Client
	for _, name := range cfg.ProviderOrder {
		switch name {
		case "anthropic":
			if cfg.Anthropic.APIKey != "" {
				clients = append(clients, llm.NewAnthropicClient(cfg.Anthropic.APIKey, cfg.Anthropic.Model))
			}
		case "openai":
			if cfg.OpenAI.APIKey != "" {
				clients = append(clients, llm.NewOpenAIClient(cfg.OpenAI.APIKey, cfg.OpenAI.Model))
			}
		default:
			logger.Warn("unknown llm provider", zap.String("provider", name))
		}
	}
	return clients
}
