package metrics

import (
	"context"
	"time"

	"github.com/tendant/simple-media/pkg/simplemedia"
)

// BlobStore wraps a backend and records every call.
type BlobStore struct {
	next    simplemedia.BlobStore
	metrics *Metrics
}

func InstrumentBlobStore(next simplemedia.BlobStore, m *Metrics) *BlobStore {
	return &BlobStore{next: next, metrics: m}
}

func (b *BlobStore) Name() string { return b.next.Name() }

func (b *BlobStore) Upload(ctx context.Context, path string, data []byte, contentType string) (string, error) {
	start := time.Now()
	loc, err := b.next.Upload(ctx, path, data, contentType)
	b.metrics.recordStorage(b.next.Name(), "upload", err, start)
	return loc, err
}

func (b *BlobStore) Delete(ctx context.Context, path string) error {
	start := time.Now()
	err := b.next.Delete(ctx, path)
	b.metrics.recordStorage(b.next.Name(), "delete", err, start)
	return err
}

func (b *BlobStore) SignedURL(ctx context.Context, path string, ttl time.Duration) (string, error) {
	start := time.Now()
	u, err := b.next.SignedURL(ctx, path, ttl)
	b.metrics.recordStorage(b.next.Name(), "presign", err, start)
	return u, err
}

func (b *BlobStore) List(ctx context.Context, prefix string) ([]simplemedia.ObjectInfo, error) {
	start := time.Now()
	objs, err := b.next.List(ctx, prefix)
	b.metrics.recordStorage(b.next.Name(), "list", err, start)
	return objs, err
}

var _ simplemedia.BlobStore = (*BlobStore)(nil)
