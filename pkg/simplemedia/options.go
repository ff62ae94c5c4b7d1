package simplemedia

import (
	"log/slog"
	"time"

	"github.com/tendant/simple-media/pkg/simplemedia/objectkey"
)

// Policy holds the tunables shared by the registry and the processing queue.
type Policy struct {
	MaxUploadBytes   int64
	AllowedMimeTypes []string
	DedupScope       DedupScope

	// PublicBaseURL, when set, prefixes storage paths to build public URLs (CDN style).
	PublicBaseURL string
	SignedURLTTL  time.Duration

	Workers        int
	LeaseDuration  time.Duration
	PollInterval   time.Duration
	StageTimeout   time.Duration
	MaxJobAttempts int

	UploadMaxAttempts    int
	UploadInitialBackoff time.Duration
	UploadMaxBackoff     time.Duration
	VariantAttempts      int

	SweepInterval time.Duration
	SweepBatch    int
}

// DefaultPolicy returns the library defaults.
func DefaultPolicy() Policy {
	return Policy{
		MaxUploadBytes: 20 << 20,
		AllowedMimeTypes: []string{
			"image/jpeg", "image/png", "image/webp", "image/gif", "image/tiff", "image/bmp",
			"image/heic", "application/pdf", "text/csv", "text/plain",
		},
		DedupScope:           DedupScopeGlobal,
		SignedURLTTL:         time.Hour,
		Workers:              4,
		LeaseDuration:        5 * time.Minute,
		PollInterval:         time.Second,
		StageTimeout:         30 * time.Second,
		MaxJobAttempts:       5,
		UploadMaxAttempts:    5,
		UploadInitialBackoff: 200 * time.Millisecond,
		UploadMaxBackoff:     10 * time.Second,
		VariantAttempts:      2,
		SweepInterval:        10 * time.Minute,
		SweepBatch:           100,
	}
}

// core carries the collaborators shared by the registry service and the processor.
type core struct {
	repository Repository
	blobStore  BlobStore
	queue      JobQueue
	generator  VariantGenerator
	extractor  MetadataExtractor
	eventSink  EventSink
	observer   StageObserver
	keys       objectkey.Generator
	logger     *slog.Logger
	policy     Policy
	now        func() time.Time
}

// Option represents a functional option for configuring the service and the processor
type Option func(*core)

// WithRepository sets the repository
func WithRepository(repo Repository) Option {
	return func(c *core) {
		c.repository = repo
	}
}

// WithBlobStore sets the storage adapter
func WithBlobStore(store BlobStore) Option {
	return func(c *core) {
		c.blobStore = store
	}
}

// WithJobQueue sets the processing queue
func WithJobQueue(queue JobQueue) Option {
	return func(c *core) {
		c.queue = queue
	}
}

// WithVariantGenerator sets the variant generator; without one the variant stage is skipped
func WithVariantGenerator(gen VariantGenerator) Option {
	return func(c *core) {
		c.generator = gen
	}
}

// WithMetadataExtractor sets the metadata extractor; without one the stage is skipped
func WithMetadataExtractor(ext MetadataExtractor) Option {
	return func(c *core) {
		c.extractor = ext
	}
}

// WithEventSink sets the event sink
func WithEventSink(sink EventSink) Option {
	return func(c *core) {
		c.eventSink = sink
	}
}

// WithStageObserver sets an observer notified after every pipeline stage
func WithStageObserver(o StageObserver) Option {
	return func(c *core) {
		c.observer = o
	}
}

// WithKeyGenerator overrides the object key layout
func WithKeyGenerator(gen objectkey.Generator) Option {
	return func(c *core) {
		c.keys = gen
	}
}

// WithLogger sets the structured logger
func WithLogger(logger *slog.Logger) Option {
	return func(c *core) {
		c.logger = logger
	}
}

// WithPolicy replaces the default policy
func WithPolicy(p Policy) Option {
	return func(c *core) {
		c.policy = p
	}
}

// WithClock overrides time.Now, mostly for tests
func WithClock(now func() time.Time) Option {
	return func(c *core) {
		c.now = now
	}
}

func newCore(options []Option) core {
	c := core{
		policy: DefaultPolicy(),
		now:    time.Now,
	}
	for _, option := range options {
		if option != nil {
			option(&c)
		}
	}
	if c.eventSink == nil {
		c.eventSink = NewNoopEventSink()
	}
	if c.keys == nil {
		c.keys = objectkey.NewRecommendedGenerator()
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	if c.policy.DedupScope == "" {
		c.policy.DedupScope = DedupScopeGlobal
	}
	if c.policy.Workers < 1 {
		c.policy.Workers = 1
	}
	if c.policy.UploadMaxAttempts < 1 {
		c.policy.UploadMaxAttempts = 1
	}
	if c.policy.VariantAttempts < 1 {
		c.policy.VariantAttempts = 1
	}
	return c
}
