// Package app initializes and holds long-lived harvester services, acting as a dependency injection container.
package app

import (
	"context"
	"fmt"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/storage"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"google.golang.org/api/option"

	"github.com/JakeFAU/catalog-harvester/internal/checkpoint"
	"github.com/JakeFAU/catalog-harvester/internal/collate"
	"github.com/JakeFAU/catalog-harvester/internal/config"
	"github.com/JakeFAU/catalog-harvester/internal/crawler"
	"github.com/JakeFAU/catalog-harvester/internal/progress"
	"github.com/JakeFAU/catalog-harvester/internal/progress/sinks"
	pubsubpub "github.com/JakeFAU/catalog-harvester/internal/publisher/pubsub"
	"github.com/JakeFAU/catalog-harvester/internal/storage/gcs"
	"github.com/JakeFAU/catalog-harvester/internal/storage/local"
	"github.com/JakeFAU/catalog-harvester/internal/storage/postgres"
	"github.com/JakeFAU/catalog-harvester/internal/store"
)

// App holds the optional cloud and database services for one command.
// Every service is configured by its own section and skipped when unset.
type App struct {
	cfg      config.Config
	logger   *zap.Logger
	registry prometheus.Registerer

	gcsClient    *storage.Client
	mirror       crawler.BlobStore
	pubsubClient *pubsub.Client
	publisher    *pubsubpub.Publisher
	progress     *postgres.ProgressStore
}

// Option customises NewApp.
type Option func(*options)

type options struct {
	storageOpts []option.ClientOption
	pubsubOpts  []option.ClientOption
	registry    prometheus.Registerer
}

// WithStorageOptions passes client options to the GCS client.
func WithStorageOptions(opts ...option.ClientOption) Option {
	return func(o *options) { o.storageOpts = append(o.storageOpts, opts...) }
}

// WithPubSubOptions passes client options to the Pub/Sub client.
func WithPubSubOptions(opts ...option.ClientOption) Option {
	return func(o *options) { o.pubsubOpts = append(o.pubsubOpts, opts...) }
}

// WithRegistry sets the registry the Prometheus progress sink registers on.
func WithRegistry(reg prometheus.Registerer) Option {
	return func(o *options) { o.registry = reg }
}

// NewApp connects the services named in cfg. It fails fast if any
// configured service cannot be initialized; services already opened are
// closed before returning the error.
func NewApp(ctx context.Context, cfg config.Config, logger *zap.Logger, opts ...Option) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	o := options{registry: prometheus.DefaultRegisterer}
	for _, opt := range opts {
		opt(&o)
	}
	a := &App{cfg: cfg, logger: logger, registry: o.registry}

	if cfg.Export.GCSBucket != "" {
		client, err := storage.NewClient(ctx, o.storageOpts...)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("create gcs client: %w", err)
		}
		a.gcsClient = client
		mirror, err := gcs.New(client, gcs.Config{Bucket: cfg.Export.GCSBucket, Prefix: cfg.Export.GCSPrefix})
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("init gcs mirror: %w", err)
		}
		a.mirror = mirror
		logger.Info("Mirroring collated output to GCS",
			zap.String("bucket", cfg.Export.GCSBucket),
			zap.String("prefix", cfg.Export.GCSPrefix),
		)
	}

	if cfg.Notify.Topic != "" {
		client, err := pubsub.NewClient(ctx, cfg.Notify.ProjectID, o.pubsubOpts...)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("create pubsub client: %w", err)
		}
		a.pubsubClient = client
		a.publisher = pubsubpub.New(client)
		logger.Info("Publishing completions to Pub/Sub", zap.String("topic", cfg.Notify.Topic))
	}

	if cfg.ProgressDB.DSN != "" {
		ps, err := postgres.NewProgressStore(ctx, cfg.PostgresConfig())
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("init progress store: %w", err)
		}
		a.progress = ps
		if cfg.ProgressDB.EnsureSchema {
			if err := ps.EnsureSchema(ctx); err != nil {
				a.Close()
				return nil, err
			}
		}
		logger.Info("Recording run history in Postgres")
	}

	return a, nil
}

// Logger returns the shared logger.
func (a *App) Logger() *zap.Logger {
	return a.logger
}

// Config returns the loaded configuration.
func (a *App) Config() config.Config {
	return a.cfg
}

// ProgressRepository returns the run history store, or nil when
// progress_db.dsn is unset.
func (a *App) ProgressRepository() store.ProgressRepository {
	if a.progress == nil {
		return nil
	}
	return a.progress
}

// Collator builds the collator for one crawl: the local data directory is
// the primary destination, with the GCS mirror and Pub/Sub announcement
// attached when configured.
func (a *App) Collator(cs *checkpoint.Store, logger *zap.Logger) (*collate.Collator, error) {
	if logger == nil {
		logger = a.logger
	}
	primary, err := local.New(local.Config{BaseDir: a.cfg.Crawl.DataDir})
	if err != nil {
		return nil, fmt.Errorf("init output store: %w", err)
	}
	var opts []collate.Option
	if a.mirror != nil {
		opts = append(opts, collate.WithMirror(a.mirror))
	}
	if a.publisher != nil {
		opts = append(opts, collate.WithPublisher(a.publisher, a.cfg.Notify.Topic))
	}
	return collate.New(cs, primary, logger, opts...)
}

// Hub starts a progress hub fanning out to the log, Prometheus, board and
// (when configured) Postgres sinks.
func (a *App) Hub(board *sinks.BoardSink, logger *zap.Logger) (*progress.Hub, error) {
	if logger == nil {
		logger = a.logger
	}
	promSink, err := sinks.NewPrometheusSink(a.registry)
	if err != nil {
		return nil, fmt.Errorf("init prometheus sink: %w", err)
	}
	sinkList := []progress.Sink{sinks.NewLogSink(logger), promSink}
	if board != nil {
		sinkList = append(sinkList, board)
	}
	if repo := a.ProgressRepository(); repo != nil {
		sinkList = append(sinkList, sinks.NewStoreSink(repo, logger))
	}
	return progress.NewHub(a.cfg.HubConfig(), sinkList...), nil
}

// Close gracefully shuts down all services in the App container.
func (a *App) Close() {
	if a.publisher != nil {
		a.publisher.Stop()
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			a.logger.Warn("Error closing pubsub client", zap.Error(err))
		}
	}
	if a.gcsClient != nil {
		if err := a.gcsClient.Close(); err != nil {
			a.logger.Warn("Error closing gcs client", zap.Error(err))
		}
	}
	if a.progress != nil {
		a.progress.Close()
	}
	// Sync fails on terminals; the error is not actionable.
	_ = a.logger.Sync()
}
