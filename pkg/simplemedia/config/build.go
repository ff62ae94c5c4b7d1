package config

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tendant/simple-media/pkg/simplemedia"
	"github.com/tendant/simple-media/pkg/simplemedia/extract"
	"github.com/tendant/simple-media/pkg/simplemedia/metrics"
	"github.com/tendant/simple-media/pkg/simplemedia/objectkey"
	memoryqueue "github.com/tendant/simple-media/pkg/simplemedia/queue/memory"
	pgqueue "github.com/tendant/simple-media/pkg/simplemedia/queue/postgres"
	"github.com/tendant/simple-media/pkg/simplemedia/repo/memory"
	repopg "github.com/tendant/simple-media/pkg/simplemedia/repo/postgres"
	fsstorage "github.com/tendant/simple-media/pkg/simplemedia/storage/fs"
	memorystorage "github.com/tendant/simple-media/pkg/simplemedia/storage/memory"
	s3storage "github.com/tendant/simple-media/pkg/simplemedia/storage/s3"
	"github.com/tendant/simple-media/pkg/simplemedia/variant"
)

// Runtime is the assembled service with everything the binary needs to run it.
type Runtime struct {
	Service   simplemedia.Service
	Processor *simplemedia.Processor
	Metrics   *metrics.Metrics

	// Repository and Store are the wired backends, for maintenance tooling
	Repository simplemedia.Repository
	Store      simplemedia.BlobStore

	// Files serves signed fs downloads below FilesPath; nil for other backends
	Files     http.Handler
	FilesPath string

	pool  *pgxpool.Pool
	queue simplemedia.JobQueue
}

// Build wires repository, queue, storage, transforms and metrics from the configuration.
// Extra options are applied last.
func (c *Config) Build(ctx context.Context, logger *slog.Logger, extra ...simplemedia.Option) (*Runtime, error) {
	if logger == nil {
		logger = slog.Default()
	}
	rt := &Runtime{Metrics: metrics.New(nil)}

	repo, queue, err := c.buildPersistence(ctx, rt, logger)
	if err != nil {
		return nil, err
	}
	rt.queue = queue

	store, err := c.buildStorage(rt)
	if err != nil {
		rt.Close()
		return nil, fmt.Errorf("failed to build storage backend %s: %w", c.Storage.Backend, err)
	}

	keys, err := objectkey.FromName(c.Storage.KeyLayout)
	if err != nil {
		rt.Close()
		return nil, err
	}

	gen := variant.New(logger)
	gen.ThumbnailSize = c.Processing.ThumbnailSize
	gen.JPEGQuality = c.Processing.JPEGQuality

	rt.Repository = repo
	rt.Store = metrics.InstrumentBlobStore(store, rt.Metrics)

	options := []simplemedia.Option{
		simplemedia.WithRepository(repo),
		simplemedia.WithBlobStore(rt.Store),
		simplemedia.WithJobQueue(queue),
		simplemedia.WithVariantGenerator(gen),
		simplemedia.WithMetadataExtractor(extract.New(logger)),
		simplemedia.WithEventSink(simplemedia.NewMultiEventSink(simplemedia.NewLoggingEventSink(logger), rt.Metrics)),
		simplemedia.WithStageObserver(rt.Metrics),
		simplemedia.WithKeyGenerator(keys),
		simplemedia.WithLogger(logger),
		simplemedia.WithPolicy(c.Policy()),
	}
	options = append(options, extra...)

	if rt.Service, err = simplemedia.New(options...); err != nil {
		rt.Close()
		return nil, err
	}
	if rt.Processor, err = simplemedia.NewProcessor(options...); err != nil {
		rt.Close()
		return nil, err
	}
	return rt, nil
}

func (c *Config) buildPersistence(ctx context.Context, rt *Runtime, logger *slog.Logger) (simplemedia.Repository, simplemedia.JobQueue, error) {
	if !c.UsesPostgres() {
		return memory.New(), memoryqueue.New(), nil
	}

	if c.AutoMigrate {
		if err := repopg.Migrate(c.DatabaseURL, logger); err != nil {
			return nil, nil, err
		}
	}

	pool, err := pgxpool.New(ctx, c.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create pgx pool: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("database ping failed: %w", err)
	}
	rt.pool = pool
	return repopg.NewWithPool(pool), pgqueue.NewWithPool(pool), nil
}

func (c *Config) buildStorage(rt *Runtime) (simplemedia.BlobStore, error) {
	s := c.Storage
	switch s.Backend {
	case "fs":
		backend, err := fsstorage.New(fsstorage.Config{
			BaseDir:    s.FSBaseDir,
			URLPrefix:  s.FSURLPrefix,
			SigningKey: s.FSSigningKey,
		})
		if err != nil {
			return nil, err
		}
		rt.Files = backend.Handler()
		rt.FilesPath = mountPath(s.FSURLPrefix)
		return backend, nil

	case "s3":
		return s3storage.New(s3storage.Config{
			Region:                 s.S3Region,
			Bucket:                 s.S3Bucket,
			AccessKeyID:            s.S3AccessKeyID,
			SecretAccessKey:        s.S3SecretAccessKey,
			Endpoint:               s.S3Endpoint,
			UsePathStyle:           s.S3UsePathStyle,
			EnableSSE:              s.S3EnableSSE,
			SSEAlgorithm:           s.S3SSEAlgorithm,
			SSEKMSKeyID:            s.S3SSEKMSKeyID,
			CreateBucketIfNotExist: s.S3CreateBucket,
		})

	default:
		return memorystorage.New(), nil
	}
}

// mountPath returns the router path of a URL prefix that may be absolute.
func mountPath(prefix string) string {
	u, err := url.Parse(prefix)
	if err != nil || u.Path == "" {
		return "/files"
	}
	return u.Path
}

// Listen relays Postgres notifications to the processor until ctx ends.
// In memory mode the queue signals directly and Listen returns at once.
func (r *Runtime) Listen(ctx context.Context) error {
	if q, ok := r.queue.(*pgqueue.Queue); ok {
		return q.Listen(ctx)
	}
	return nil
}

// Ready pings the database when there is one.
func (r *Runtime) Ready(ctx context.Context) error {
	if r.pool == nil {
		return nil
	}
	return r.pool.Ping(ctx)
}

func (r *Runtime) Close() {
	if r.pool != nil {
		r.pool.Close()
	}
}
