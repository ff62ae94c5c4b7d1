package simplemedia

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/tendant/simple-media/pkg/simplemedia/objectkey"
)

const tracerName = "github.com/tendant/simple-media/pkg/simplemedia"

// Pipeline stage names, also used as span names and metric labels.
const (
	StageStore    = "store"
	StageVariants = "variants"
	StageMetadata = "metadata"
	StageFinalize = "finalize"
)

// Processor drains the job queue and runs the media pipeline: store the original, derive
// variants, extract metadata, then mark the record ready or failed. Each stage commits its
// result so a job resumed after a crash skips work already done.
type Processor struct {
	core
	locks  *keyedMutex
	tracer trace.Tracer
}

// NewProcessor creates a processor sharing the same options as New.
func NewProcessor(options ...Option) (*Processor, error) {
	c := newCore(options)
	if c.repository == nil {
		return nil, fmt.Errorf("repository is required")
	}
	if c.blobStore == nil {
		return nil, fmt.Errorf("blob store is required")
	}
	if c.queue == nil {
		return nil, fmt.Errorf("job queue is required")
	}
	return &Processor{
		core:   c,
		locks:  newKeyedMutex(),
		tracer: otel.Tracer(tracerName),
	}, nil
}

// Run starts the worker pool and the expiry sweeper and blocks until ctx is done.
// A job already claimed when ctx ends is still carried to a terminal state.
func (p *Processor) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < p.policy.Workers; i++ {
		worker := i
		g.Go(func() error {
			p.work(ctx, worker)
			return nil
		})
	}
	if p.policy.SweepInterval > 0 {
		g.Go(func() error {
			p.sweep(ctx)
			return nil
		})
	}
	p.logger.Info("media processor started", "workers", p.policy.Workers, "sweep_interval", p.policy.SweepInterval)
	err := g.Wait()
	p.logger.Info("media processor stopped")
	return err
}

func (p *Processor) work(ctx context.Context, worker int) {
	var notify <-chan struct{}
	if n, ok := p.queue.(Notifier); ok {
		notify = n.Notify()
	}
	poll := p.policy.PollInterval
	if poll <= 0 {
		poll = time.Second
	}
	timer := time.NewTimer(poll)
	defer timer.Stop()

	for {
		if ctx.Err() != nil {
			return
		}
		claimed, err := p.ProcessNext(ctx)
		if err != nil {
			p.logger.Error("job processing failed", "worker", worker, "err", err)
		}
		if claimed {
			continue
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(poll)
		select {
		case <-ctx.Done():
			return
		case <-notify:
		case <-timer.C:
		}
	}
}

func (p *Processor) sweep(ctx context.Context) {
	ticker := time.NewTicker(p.policy.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := p.purgeExpired(ctx, p.now().UTC())
			if err != nil {
				p.logger.Error("expiry sweep failed", "err", err)
			}
			if n > 0 {
				p.logger.Info("expired media purged", "count", n)
			}
		}
	}
}

// ProcessNext claims one job and runs it to completion. It reports whether a job was
// claimed; the returned error covers infrastructure failures only, which release the
// job for another attempt. Pipeline failures end in the failed status instead.
//
// The lease is renewed while the job runs. When the claim is lost to another worker the
// job stops writing to the record and is left to the new holder.
func (p *Processor) ProcessNext(ctx context.Context) (bool, error) {
	job, err := p.queue.Claim(ctx, p.policy.LeaseDuration)
	if errors.Is(err, ErrNoJob) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("claim job: %w", err)
	}

	// Claimed work is not abandoned on shutdown.
	ctx = context.WithoutCancel(ctx)

	unlock := p.locks.Lock(job.MediaID)
	defer unlock()

	jobCtx, lose := context.WithCancelCause(ctx)
	defer lose(nil)
	stopRenewal := p.renewLease(ctx, job, lose)

	jobCtx, span := p.tracer.Start(jobCtx, "media.process", trace.WithAttributes(
		attribute.String("media.id", job.MediaID.String()),
		attribute.Int("job.attempts", job.Attempts),
	))
	defer span.End()

	err = p.process(jobCtx, job)
	stopRenewal()
	if errors.Is(err, ErrLeaseLost) || errors.Is(context.Cause(jobCtx), ErrLeaseLost) {
		span.SetStatus(codes.Error, ErrLeaseLost.Error())
		p.logger.Warn("job abandoned after losing its lease", "job_id", job.ID, "media_id", job.MediaID, "attempts", job.Attempts)
		return true, nil
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if relErr := p.queue.Release(ctx, job, err); relErr != nil {
			p.logger.Error("failed to release job", "job_id", job.ID, "err", relErr)
		}
		return true, &MediaError{MediaID: job.MediaID, Op: "process", Err: err}
	}
	if err := p.queue.Complete(ctx, job); err != nil {
		return true, fmt.Errorf("complete job %s: %w", job.ID, err)
	}
	return true, nil
}

// renewLease extends the lease of job every third of its duration until the returned
// stop function is called. Losing the claim cancels the job through lose.
func (p *Processor) renewLease(ctx context.Context, job *Job, lose context.CancelCauseFunc) (stop func()) {
	interval := p.policy.LeaseDuration / 3
	if interval <= 0 {
		return func() {}
	}
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				err := p.queue.Extend(ctx, job, p.policy.LeaseDuration)
				if errors.Is(err, ErrLeaseLost) {
					lose(ErrLeaseLost)
					return
				}
				if err != nil {
					p.logger.Warn("failed to extend job lease", "job_id", job.ID, "err", err)
				}
			}
		}
	}()
	return func() {
		close(done)
		wg.Wait()
	}
}

func (p *Processor) process(ctx context.Context, job *Job) error {
	m, err := p.repository.GetMedia(ctx, job.MediaID)
	if errors.Is(err, ErrNotFound) {
		p.logger.Warn("job for unknown media dropped", "media_id", job.MediaID)
		return nil
	}
	if err != nil {
		return err
	}
	if m.Metadata == nil {
		m.Metadata = map[string]string{}
	}

	if m.Status.IsTerminal() {
		// Stale duplicate job.
		return p.cleanupIfPending(ctx, m)
	}
	if m.DeletePending {
		if err := leaseLost(ctx); err != nil {
			return err
		}
		return p.purge(ctx, m)
	}

	if p.policy.MaxJobAttempts > 0 && job.Attempts > p.policy.MaxJobAttempts {
		return p.finish(ctx, m, fmt.Errorf("gave up after %d attempts: %s", job.Attempts-1, job.LastError))
	}

	if err := p.transition(ctx, m, StatusProcessing); err != nil {
		return err
	}

	stageErr := p.runStages(ctx, m, job.Payload)
	if stageErr != nil && !errors.Is(stageErr, ErrStorage) && !errors.Is(stageErr, ErrTransform) {
		return stageErr
	}
	return p.finish(ctx, m, stageErr)
}

func (p *Processor) runStages(ctx context.Context, m *Media, data []byte) error {
	stages := []struct {
		name string
		run  func(context.Context, *Media, []byte) error
	}{
		{StageStore, p.storeOriginal},
		{StageVariants, p.generateVariants},
		{StageMetadata, p.extractMetadata},
	}
	for _, st := range stages {
		if err := p.observe(ctx, st.name, m, func(ctx context.Context) error {
			return st.run(ctx, m, data)
		}); err != nil {
			return err
		}
	}
	return nil
}

func (p *Processor) observe(ctx context.Context, stage string, m *Media, fn func(context.Context) error) error {
	ctx, span := p.tracer.Start(ctx, "media."+stage, trace.WithAttributes(attribute.String("media.id", m.ID.String())))
	defer span.End()
	start := time.Now()
	err := fn(ctx)
	outcome := "ok"
	if err != nil {
		outcome = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	if p.observer != nil {
		p.observer.ObserveStage(stage, outcome, time.Since(start))
	}
	return err
}

// storeOriginal writes the original bytes unless a previous attempt already did, reusing
// the object of a ready record with the same digest when one exists.
func (p *Processor) storeOriginal(ctx context.Context, m *Media, data []byte) error {
	if m.StoragePath != "" {
		return nil
	}

	donor, err := p.repository.FindReadyByHash(ctx, m.Hash, m.ID)
	switch {
	case err == nil && donor.StoragePath != "":
		m.StorageProvider = donor.StorageProvider
		m.StoragePath = donor.StoragePath
		m.StorageLocation = donor.StorageLocation
		if len(m.Variants) == 0 {
			m.Variants = append([]Variant(nil), donor.Variants...)
			for i := range m.Variants {
				m.Variants[i].URL = ""
				if m.IsPublic {
					m.Variants[i].URL = p.publicURL(m.Variants[i].Path, donor.Variants[i].URL)
				}
			}
		}
		p.logger.Debug("reusing stored object", "media_id", m.ID, "donor_id", donor.ID, "path", donor.StoragePath)
		return p.save(ctx, m)
	case err != nil && !errors.Is(err, ErrNotFound):
		return err
	}

	key := p.keys.GenerateKey(&objectkey.KeyMetadata{
		Hash:      m.Hash,
		Extension: extensionFor(m.MimeType, m.FileName),
	})
	location, err := p.upload(ctx, key, data, m.MimeType)
	if err != nil {
		return err
	}
	m.StorageProvider = p.blobStore.Name()
	m.StoragePath = key
	m.StorageLocation = location
	return p.save(ctx, m)
}

// upload writes one object, retrying with exponential backoff. Every attempt is bounded
// by the stage timeout.
func (p *Processor) upload(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	var location string
	op := func() error {
		callCtx, cancel := p.stageContext(ctx)
		defer cancel()
		loc, err := p.blobStore.Upload(callCtx, key, data, contentType)
		if err != nil {
			return err
		}
		location = loc
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.policy.UploadInitialBackoff
	b.MaxInterval = p.policy.UploadMaxBackoff
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(p.policy.UploadMaxAttempts-1)), ctx)

	err := backoff.RetryNotify(op, policy, func(err error, wait time.Duration) {
		p.logger.Warn("storage upload failed, retrying", "key", key, "wait", wait, "err", err)
	})
	if err != nil {
		return "", &StorageError{Backend: p.blobStore.Name(), Key: key, Op: "upload", Err: err}
	}
	return location, nil
}

// generateVariants derives and stores the requested renditions. A failure only fails the
// record when a thumbnail was requested; otherwise it is noted in metadata.
func (p *Processor) generateVariants(ctx context.Context, m *Media, data []byte) error {
	opts := VariantOptions{Thumbnail: m.GenerateThumbnail, ResizeWidths: m.ResizeWidths}
	if !opts.Thumbnail && len(opts.ResizeWidths) == 0 {
		return nil
	}
	if p.generator == nil || !p.generator.Supports(m.MimeType) {
		p.logger.Debug("variant generation skipped", "media_id", m.ID, "mime_type", m.MimeType)
		return nil
	}
	if allVariantsPresent(m, opts) {
		return nil
	}

	var outputs []VariantOutput
	var err error
	for attempt := 1; attempt <= p.policy.VariantAttempts; attempt++ {
		callCtx, cancel := p.stageContext(ctx)
		outputs, err = p.generator.Generate(callCtx, data, m.MimeType, opts)
		cancel()
		if err == nil || errors.Is(err, ErrUnsupported) {
			break
		}
		p.logger.Warn("variant generation failed", "media_id", m.ID, "attempt", attempt, "err", err)
	}
	if errors.Is(err, ErrUnsupported) {
		return nil
	}
	if err != nil {
		return p.variantFailure(ctx, m, &TransformError{Stage: StageVariants, Err: err})
	}

	for _, out := range outputs {
		if _, ok := m.Variant(out.Kind); ok {
			continue
		}
		key := p.keys.GenerateKey(&objectkey.KeyMetadata{
			Hash:        m.Hash,
			Extension:   extensionFor(out.MimeType, ""),
			VariantKind: out.Kind,
		})
		location, err := p.upload(ctx, key, out.Data, out.MimeType)
		if err != nil {
			if out.Kind == VariantThumbnail && m.GenerateThumbnail {
				return err
			}
			m.Metadata[metaVariantError] = err.Error()
			continue
		}
		v := Variant{
			Kind:     out.Kind,
			Path:     key,
			MimeType: out.MimeType,
			Width:    out.Width,
			Height:   out.Height,
			Size:     int64(len(out.Data)),
		}
		if m.IsPublic {
			v.URL = p.publicURL(key, location)
		}
		m.Variants = append(m.Variants, v)
		if err := p.save(ctx, m); err != nil {
			return err
		}
	}
	return nil
}

func (p *Processor) variantFailure(ctx context.Context, m *Media, err error) error {
	if m.GenerateThumbnail {
		return err
	}
	m.Metadata[metaVariantError] = err.Error()
	return p.save(ctx, m)
}

func allVariantsPresent(m *Media, opts VariantOptions) bool {
	if opts.Thumbnail {
		if _, ok := m.Variant(VariantThumbnail); !ok {
			return false
		}
	}
	for _, w := range opts.ResizeWidths {
		if _, ok := m.Variant(fmt.Sprintf("%s%d", VariantResizedPrefix, w)); !ok {
			return false
		}
	}
	return true
}

// extractMetadata merges embedded metadata into the record. It never fails the record;
// extraction errors land in metadata instead.
func (p *Processor) extractMetadata(ctx context.Context, m *Media, data []byte) error {
	if p.extractor == nil || !p.extractor.Supports(m.MimeType) {
		return nil
	}
	callCtx, cancel := p.stageContext(ctx)
	fields, err := p.extractor.Extract(callCtx, data, m.MimeType)
	cancel()
	for k, v := range fields {
		if _, taken := m.Metadata[k]; !taken {
			m.Metadata[k] = v
		}
	}
	if err != nil {
		p.logger.Warn("metadata extraction failed", "media_id", m.ID, "err", err)
		m.Metadata[metaExtractError] = err.Error()
	}
	if len(fields) == 0 && err == nil {
		return nil
	}
	return p.save(ctx, m)
}

// finish moves m to ready, or to failed when cause is set, then performs a delete that
// was requested while the job ran.
func (p *Processor) finish(ctx context.Context, m *Media, cause error) error {
	if cause != nil {
		m.Metadata[metaError] = cause.Error()
		p.logger.Warn("media processing failed", "media_id", m.ID, "err", cause)
		if err := p.transition(ctx, m, StatusFailed); err != nil {
			return err
		}
	} else {
		if m.IsPublic {
			m.PublicURL = p.publicURL(m.StoragePath, m.StorageLocation)
		}
		err := p.observe(ctx, StageFinalize, m, func(ctx context.Context) error {
			return p.transition(ctx, m, StatusReady)
		})
		if err != nil {
			return err
		}
	}

	fresh, err := p.repository.GetMedia(ctx, m.ID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return err
	}
	return p.cleanupIfPending(ctx, fresh)
}

func (p *Processor) cleanupIfPending(ctx context.Context, m *Media) error {
	if !m.DeletePending {
		return nil
	}
	if err := leaseLost(ctx); err != nil {
		return err
	}
	p.logger.Info("performing deferred delete", "media_id", m.ID, "status", m.Status)
	return p.purge(ctx, m)
}

func (p *Processor) transition(ctx context.Context, m *Media, to MediaStatus) error {
	if m.Status == to {
		return nil
	}
	if err := checkTransition(m, to); err != nil {
		return err
	}
	from := m.Status
	m.Status = to
	if err := p.save(ctx, m); err != nil {
		m.Status = from
		return err
	}
	if err := p.eventSink.MediaStatusChanged(ctx, m, from); err != nil {
		p.logger.Warn("event sink failed", "event", "media_status_changed", "media_id", m.ID, "err", err)
	}
	return nil
}

func (p *Processor) save(ctx context.Context, m *Media) error {
	if err := leaseLost(ctx); err != nil {
		return err
	}
	if m.Metadata == nil {
		m.Metadata = map[string]string{}
	}
	m.UpdatedAt = p.now().UTC()
	return p.repository.UpdateMedia(ctx, m)
}

// leaseLost reports ErrLeaseLost once the job behind ctx belongs to another worker.
func leaseLost(ctx context.Context) error {
	if errors.Is(context.Cause(ctx), ErrLeaseLost) {
		return ErrLeaseLost
	}
	return nil
}

// keyedMutex serializes work per media id inside one process.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[uuid.UUID]*keyedEntry
}

type keyedEntry struct {
	mu   sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[uuid.UUID]*keyedEntry)}
}

func (k *keyedMutex) Lock(id uuid.UUID) func() {
	k.mu.Lock()
	e, ok := k.locks[id]
	if !ok {
		e = &keyedEntry{}
		k.locks[id] = e
	}
	e.refs++
	k.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		k.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(k.locks, id)
		}
		k.mu.Unlock()
	}
}
