// Package config reads the media service settings from the environment and assembles
// the registry, processor and their backends.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ilyakaznacheev/cleanenv"

	"github.com/tendant/simple-media/pkg/simplemedia"
	"github.com/tendant/simple-media/pkg/simplemedia/objectkey"
)

// Option applies configuration to a Config instance.
type Option func(*Config) error

// Config is the full runtime configuration. Every field can be set from the environment.
type Config struct {
	Port        string `env:"PORT" env-default:"8080"`
	Environment string `env:"ENVIRONMENT" env-default:"development"`
	LogLevel    string `env:"LOG_LEVEL" env-default:"info"`

	// DatabaseURL selects Postgres; empty or "memory" keeps everything in process
	DatabaseURL string `env:"DATABASE_URL"`
	AutoMigrate bool   `env:"AUTO_MIGRATE" env-default:"true"`

	Storage    StorageConfig
	Processing ProcessingConfig
	Auth       AuthConfig
	Tracing    TracingConfig
}

type StorageConfig struct {
	Backend   string `env:"STORAGE_BACKEND" env-default:"memory"` // memory, fs, s3
	KeyLayout string `env:"KEY_LAYOUT" env-default:"git-like"`

	FSBaseDir    string `env:"FS_BASE_DIR" env-default:"./data/media"`
	FSURLPrefix  string `env:"FS_URL_PREFIX" env-default:"/files"`
	FSSigningKey string `env:"FS_SIGNING_KEY"`

	S3Bucket          string `env:"S3_BUCKET"`
	S3Region          string `env:"S3_REGION" env-default:"us-east-1"`
	S3Endpoint        string `env:"S3_ENDPOINT"`
	S3AccessKeyID     string `env:"S3_ACCESS_KEY_ID"`
	S3SecretAccessKey string `env:"S3_SECRET_ACCESS_KEY"`
	S3UsePathStyle    bool   `env:"S3_USE_PATH_STYLE" env-default:"false"`
	S3CreateBucket    bool   `env:"S3_CREATE_BUCKET" env-default:"false"`
	S3EnableSSE       bool   `env:"S3_ENABLE_SSE" env-default:"false"`
	S3SSEAlgorithm    string `env:"S3_SSE_ALGORITHM" env-default:"AES256"`
	S3SSEKMSKeyID     string `env:"S3_SSE_KMS_KEY_ID"`

	PublicBaseURL string        `env:"PUBLIC_BASE_URL"`
	SignedURLTTL  time.Duration `env:"SIGNED_URL_TTL" env-default:"1h"`
}

type ProcessingConfig struct {
	DedupScope       string        `env:"DEDUP_SCOPE" env-default:"global"`
	MaxUploadBytes   int64         `env:"MAX_UPLOAD_BYTES" env-default:"20971520"`
	AllowedMimeTypes []string      `env:"ALLOWED_MIME_TYPES" env-separator:","`
	Workers          int           `env:"WORKERS" env-default:"4"`
	LeaseDuration    time.Duration `env:"JOB_LEASE" env-default:"5m"`
	PollInterval     time.Duration `env:"JOB_POLL_INTERVAL" env-default:"1s"`
	StageTimeout     time.Duration `env:"STAGE_TIMEOUT" env-default:"30s"`
	MaxJobAttempts   int           `env:"MAX_JOB_ATTEMPTS" env-default:"5"`
	UploadAttempts   int           `env:"UPLOAD_ATTEMPTS" env-default:"5"`
	SweepInterval    time.Duration `env:"SWEEP_INTERVAL" env-default:"10m"`
	ThumbnailSize    int           `env:"THUMBNAIL_SIZE" env-default:"300"`
	JPEGQuality      int           `env:"JPEG_QUALITY" env-default:"82"`
}

type AuthConfig struct {
	JWTSecret    string `env:"JWT_SECRET"`
	APIKeySHA256 string `env:"API_KEY_SHA256"`
}

type TracingConfig struct {
	OTLPEndpoint string `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	ServiceName  string `env:"OTEL_SERVICE_NAME" env-default:"simple-media"`
}

// Load constructs a Config by applying the supplied options on top of library defaults.
func Load(opts ...Option) (*Config, error) {
	cfg := defaults()

	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(cfg); err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// defaults mirrors the env-default tags so Load without WithEnv ignores the environment.
func defaults() *Config {
	p := simplemedia.DefaultPolicy()
	return &Config{
		Port:        "8080",
		Environment: "development",
		LogLevel:    "info",
		AutoMigrate: true,
		Storage: StorageConfig{
			Backend:        "memory",
			KeyLayout:      "git-like",
			FSBaseDir:      "./data/media",
			FSURLPrefix:    "/files",
			S3Region:       "us-east-1",
			S3SSEAlgorithm: "AES256",
			SignedURLTTL:   p.SignedURLTTL,
		},
		Processing: ProcessingConfig{
			DedupScope:     string(p.DedupScope),
			MaxUploadBytes: p.MaxUploadBytes,
			Workers:        p.Workers,
			LeaseDuration:  p.LeaseDuration,
			PollInterval:   p.PollInterval,
			StageTimeout:   p.StageTimeout,
			MaxJobAttempts: p.MaxJobAttempts,
			UploadAttempts: p.UploadMaxAttempts,
			SweepInterval:  p.SweepInterval,
			ThumbnailSize:  300,
			JPEGQuality:    82,
		},
		Tracing: TracingConfig{ServiceName: "simple-media"},
	}
}

// WithEnv reads the process environment. Unset variables fall back to their tag
// defaults, so it belongs first in the option list.
func WithEnv() Option {
	return func(c *Config) error {
		if err := cleanenv.ReadEnv(c); err != nil {
			return fmt.Errorf("read environment: %w", err)
		}
		return nil
	}
}

// WithDatabase points the registry at Postgres, or back to memory when url is empty.
func WithDatabase(url string) Option {
	return func(c *Config) error {
		c.DatabaseURL = url
		return nil
	}
}

// WithFilesystemStorage stores objects under baseDir and serves them below urlPrefix.
func WithFilesystemStorage(baseDir, urlPrefix, signingKey string) Option {
	return func(c *Config) error {
		if baseDir == "" {
			return errors.New("filesystem base directory cannot be empty")
		}
		c.Storage.Backend = "fs"
		c.Storage.FSBaseDir = baseDir
		c.Storage.FSURLPrefix = urlPrefix
		c.Storage.FSSigningKey = signingKey
		return nil
	}
}

// WithS3Storage stores objects in bucket; endpoint may point at MinIO.
func WithS3Storage(bucket, region, endpoint string) Option {
	return func(c *Config) error {
		if bucket == "" {
			return errors.New("S3 bucket cannot be empty")
		}
		c.Storage.Backend = "s3"
		c.Storage.S3Bucket = bucket
		if region != "" {
			c.Storage.S3Region = region
		}
		if endpoint != "" {
			c.Storage.S3Endpoint = endpoint
			c.Storage.S3UsePathStyle = true
		}
		return nil
	}
}

func WithDedupScope(scope string) Option {
	return func(c *Config) error {
		c.Processing.DedupScope = scope
		return nil
	}
}

func WithWorkers(n int) Option {
	return func(c *Config) error {
		c.Processing.Workers = n
		return nil
	}
}

// UsesPostgres reports whether a database URL is configured.
func (c *Config) UsesPostgres() bool {
	return c.DatabaseURL != "" && c.DatabaseURL != "memory"
}

// Validate validates the configuration
func (c *Config) Validate() error {
	var errs []error

	if c.Port == "" {
		errs = append(errs, errors.New("port is required"))
	}
	if c.UsesPostgres() &&
		!strings.HasPrefix(c.DatabaseURL, "postgres://") && !strings.HasPrefix(c.DatabaseURL, "postgresql://") {
		errs = append(errs, fmt.Errorf("unsupported DATABASE_URL %q (use 'memory' or 'postgres://...')", c.DatabaseURL))
	}

	switch c.Storage.Backend {
	case "memory":
	case "fs":
		if c.Storage.FSBaseDir == "" {
			errs = append(errs, errors.New("FS_BASE_DIR is required for fs storage"))
		}
	case "s3":
		if c.Storage.S3Bucket == "" {
			errs = append(errs, errors.New("S3_BUCKET is required for s3 storage"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage backend must be memory, fs or s3, got %q", c.Storage.Backend))
	}
	if _, err := objectkey.FromName(c.Storage.KeyLayout); err != nil {
		errs = append(errs, err)
	}

	switch simplemedia.DedupScope(c.Processing.DedupScope) {
	case simplemedia.DedupScopeGlobal, simplemedia.DedupScopeOwner:
	default:
		errs = append(errs, fmt.Errorf("DEDUP_SCOPE must be global or owner, got %q", c.Processing.DedupScope))
	}
	if c.Processing.MaxUploadBytes <= 0 {
		errs = append(errs, errors.New("MAX_UPLOAD_BYTES must be positive"))
	}
	if c.Processing.Workers < 1 {
		errs = append(errs, errors.New("WORKERS must be at least 1"))
	}
	if c.Processing.StageTimeout <= 0 || c.Processing.LeaseDuration <= c.Processing.StageTimeout {
		errs = append(errs, errors.New("JOB_LEASE must be longer than a positive STAGE_TIMEOUT"))
	}

	return errors.Join(errs...)
}

// Policy converts the processing settings into the library policy.
func (c *Config) Policy() simplemedia.Policy {
	p := simplemedia.DefaultPolicy()
	p.MaxUploadBytes = c.Processing.MaxUploadBytes
	if len(c.Processing.AllowedMimeTypes) > 0 {
		p.AllowedMimeTypes = c.Processing.AllowedMimeTypes
	}
	p.DedupScope = simplemedia.DedupScope(c.Processing.DedupScope)
	p.PublicBaseURL = strings.TrimRight(c.Storage.PublicBaseURL, "/")
	p.SignedURLTTL = c.Storage.SignedURLTTL
	p.Workers = c.Processing.Workers
	p.LeaseDuration = c.Processing.LeaseDuration
	p.PollInterval = c.Processing.PollInterval
	p.StageTimeout = c.Processing.StageTimeout
	p.MaxJobAttempts = c.Processing.MaxJobAttempts
	p.UploadMaxAttempts = c.Processing.UploadAttempts
	p.SweepInterval = c.Processing.SweepInterval
	return p
}
