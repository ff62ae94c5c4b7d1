package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/tendant/simple-media/pkg/simplemedia"
)

type object struct {
	data        []byte
	contentType string
	updatedAt   time.Time
}

// Backend is an in-memory implementation of the simplemedia.BlobStore interface
type Backend struct {
	mu      sync.RWMutex
	objects map[string]object
}

// New creates a new in-memory storage backend
func New() *Backend {
	return &Backend{
		objects: make(map[string]object),
	}
}

func (b *Backend) Name() string { return "memory" }

// Upload stores a copy of data
func (b *Backend) Upload(ctx context.Context, path string, data []byte, contentType string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.objects[path] = object{
		data:        append([]byte(nil), data...),
		contentType: contentType,
		updatedAt:   time.Now().UTC(),
	}
	return "memory://" + path, nil
}

// Delete deletes an object; deleting a missing object succeeds
func (b *Backend) Delete(ctx context.Context, path string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.objects, path)
	return nil
}

// SignedURL returns a pseudo URL; the memory backend cannot serve bytes over HTTP
func (b *Backend) SignedURL(ctx context.Context, path string, ttl time.Duration) (string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if _, exists := b.objects[path]; !exists {
		return "", fmt.Errorf("object %s not found", path)
	}
	return fmt.Sprintf("memory://%s?expires=%d", path, time.Now().Add(ttl).Unix()), nil
}

// List returns objects under prefix sorted by path
func (b *Backend) List(ctx context.Context, prefix string) ([]simplemedia.ObjectInfo, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var result []simplemedia.ObjectInfo
	for path, obj := range b.objects {
		if strings.HasPrefix(path, prefix) {
			result = append(result, simplemedia.ObjectInfo{
				Path:        path,
				Size:        int64(len(obj.data)),
				ContentType: obj.contentType,
				UpdatedAt:   obj.updatedAt,
			})
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Path < result[j].Path })
	return result, nil
}

// Get returns a copy of the stored bytes and their content type
func (b *Backend) Get(path string) ([]byte, string, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	obj, exists := b.objects[path]
	if !exists {
		return nil, "", false
	}
	return append([]byte(nil), obj.data...), obj.contentType, true
}

// Len returns the number of stored objects
func (b *Backend) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.objects)
}

var _ simplemedia.BlobStore = (*Backend)(nil)
