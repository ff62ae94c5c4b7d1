package simplemedia_test

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"math/rand"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/tendant/simple-media/pkg/simplemedia"
	memoryqueue "github.com/tendant/simple-media/pkg/simplemedia/queue/memory"
	"github.com/tendant/simple-media/pkg/simplemedia/repo/memory"
	memorystorage "github.com/tendant/simple-media/pkg/simplemedia/storage/memory"
)

// flakyStore fails uploads while failures > 0, or forever when failAll is set.
type flakyStore struct {
	*memorystorage.Backend

	mu       sync.Mutex
	failures int
	failAll  bool
	uploads  map[string]int
}

func newFlakyStore() *flakyStore {
	return &flakyStore{Backend: memorystorage.New(), uploads: map[string]int{}}
}

func (s *flakyStore) Upload(ctx context.Context, path string, data []byte, contentType string) (string, error) {
	s.mu.Lock()
	s.uploads[path]++
	fail := s.failAll || s.failures > 0
	if s.failures > 0 {
		s.failures--
	}
	s.mu.Unlock()
	if fail {
		return "", errors.New("connection reset by peer")
	}
	return s.Backend.Upload(ctx, path, data, contentType)
}

func (s *flakyStore) setFailAll(v bool) {
	s.mu.Lock()
	s.failAll = v
	s.mu.Unlock()
}

func (s *flakyStore) uploadsWithPrefix(prefix string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for p, c := range s.uploads {
		if strings.HasPrefix(p, prefix) {
			n += c
		}
	}
	return n
}

// hookRepo lets a test inject repository failures.
type hookRepo struct {
	*memory.Repository
	beforeUpdate func(m *simplemedia.Media) error
	findReady    func() error
}

func (r *hookRepo) UpdateMedia(ctx context.Context, m *simplemedia.Media) error {
	if r.beforeUpdate != nil {
		if err := r.beforeUpdate(m); err != nil {
			return err
		}
	}
	return r.Repository.UpdateMedia(ctx, m)
}

func (r *hookRepo) FindReadyByHash(ctx context.Context, hash string, exclude uuid.UUID) (*simplemedia.Media, error) {
	if r.findReady != nil {
		if err := r.findReady(); err != nil {
			return nil, err
		}
	}
	return r.Repository.FindReadyByHash(ctx, hash, exclude)
}

type recordingObserver struct {
	mu     sync.Mutex
	stages []string
}

func (o *recordingObserver) ObserveStage(stage, outcome string, elapsed time.Duration) {
	o.mu.Lock()
	o.stages = append(o.stages, stage+":"+outcome)
	o.mu.Unlock()
}

type testEnv struct {
	service   simplemedia.Service
	processor *simplemedia.Processor
	repo      *hookRepo
	store     *flakyStore
	queue     *memoryqueue.Queue
}

func fastPolicy() simplemedia.Policy {
	p := simplemedia.DefaultPolicy()
	p.UploadMaxAttempts = 3
	p.UploadInitialBackoff = time.Millisecond
	p.UploadMaxBackoff = 2 * time.Millisecond
	p.PollInterval = 5 * time.Millisecond
	p.StageTimeout = time.Second
	return p
}

func newTestEnv(t *testing.T, extra ...simplemedia.Option) *testEnv {
	t.Helper()
	env := &testEnv{
		repo:  &hookRepo{Repository: memory.New()},
		store: newFlakyStore(),
		queue: memoryqueue.New(),
	}
	opts := append([]simplemedia.Option{
		simplemedia.WithRepository(env.repo),
		simplemedia.WithBlobStore(env.store),
		simplemedia.WithJobQueue(env.queue),
		simplemedia.WithPolicy(fastPolicy()),
	}, extra...)

	var err error
	env.service, err = simplemedia.New(opts...)
	require.NoError(t, err)
	env.processor, err = simplemedia.NewProcessor(opts...)
	require.NoError(t, err)
	return env
}

// drain processes jobs until the queue is empty, failing on infrastructure errors.
func (e *testEnv) drain(t *testing.T) {
	t.Helper()
	for i := 0; i < 50; i++ {
		ok, err := e.processor.ProcessNext(context.Background())
		require.NoError(t, err)
		if !ok {
			return
		}
	}
	t.Fatal("queue did not drain")
}

func (e *testEnv) upload(t *testing.T, owner uuid.UUID, data []byte, opts simplemedia.UploadOptions) *simplemedia.CreateMediaResult {
	t.Helper()
	res, err := e.service.CreateMedia(context.Background(), simplemedia.CreateMediaRequest{
		OwnerID:      owner,
		Data:         data,
		OriginalName: "photo.jpg",
		Options:      opts,
	})
	require.NoError(t, err)
	return res
}

func (e *testEnv) get(t *testing.T, id uuid.UUID) *simplemedia.Media {
	t.Helper()
	m, err := e.service.GetMedia(context.Background(), id)
	require.NoError(t, err)
	return m
}

// jpegFixture returns a noisy JPEG of roughly 10KB.
func jpegFixture(t *testing.T, seed int64) []byte {
	t.Helper()
	rnd := rand.New(rand.NewSource(seed))
	img := image.NewRGBA(image.Rect(0, 0, 96, 64))
	for x := 0; x < 96; x++ {
		for y := 0; y < 64; y++ {
			img.Set(x, y, color.RGBA{R: uint8(rnd.Intn(256)), G: uint8(rnd.Intn(256)), B: 80, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, img, &jpeg.Options{Quality: 85}))
	return buf.Bytes()
}

func pdfFixture() []byte {
	return []byte("%PDF-1.4\n1 0 obj\n<< /Type /Catalog >>\nendobj\ntrailer\n<< /Root 1 0 R >>\n%%EOF\n")
}
