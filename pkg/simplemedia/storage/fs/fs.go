package fs

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/tendant/simple-media/pkg/simplemedia"
)

// Backend is a filesystem implementation of the simplemedia.BlobStore interface.
// Objects are served back through Handler using HMAC-signed, expiring URLs.
type Backend struct {
	baseDir    string
	urlPrefix  string
	signingKey []byte
	now        func() time.Time
}

// Config options for the filesystem backend
type Config struct {
	BaseDir    string // Base directory for storing files
	URLPrefix  string // Public prefix under which Handler is mounted, e.g. https://media.example.com/files
	SigningKey string // Secret used to sign download URLs
}

// New creates a new filesystem storage backend
func New(config Config) (*Backend, error) {
	if config.BaseDir == "" {
		return nil, errors.New("base directory is required")
	}
	if err := os.MkdirAll(config.BaseDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create base directory: %w", err)
	}
	abs, err := filepath.Abs(config.BaseDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve base directory: %w", err)
	}

	return &Backend{
		baseDir:    abs,
		urlPrefix:  strings.TrimRight(config.URLPrefix, "/"),
		signingKey: []byte(config.SigningKey),
		now:        time.Now,
	}, nil
}

func (b *Backend) Name() string { return "fs" }

func (b *Backend) resolve(key string) (string, error) {
	clean := filepath.Clean("/" + key)
	if clean == "/" || strings.Contains(key, "..") {
		return "", fmt.Errorf("invalid object key %q", key)
	}
	return filepath.Join(b.baseDir, clean), nil
}

// Upload writes data through a temp file and rename so readers never see partial objects
func (b *Backend) Upload(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	filePath, err := b.resolve(key)
	if err != nil {
		return "", err
	}

	dir := filepath.Dir(filePath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".upload-*")
	if err != nil {
		return "", fmt.Errorf("failed to create file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", fmt.Errorf("failed to write file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("failed to close file: %w", err)
	}
	if err := os.Rename(tmp.Name(), filePath); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("failed to move file into place: %w", err)
	}

	if b.urlPrefix != "" {
		return b.urlPrefix + "/" + key, nil
	}
	return "file://" + filePath, nil
}

// Delete deletes content from the filesystem; a missing file is not an error
func (b *Backend) Delete(ctx context.Context, key string) error {
	filePath, err := b.resolve(key)
	if err != nil {
		return err
	}
	if err := os.Remove(filePath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to delete file: %w", err)
	}

	b.cleanupEmptyDirectories(filepath.Dir(filePath))
	return nil
}

// cleanupEmptyDirectories recursively removes empty directories up to baseDir
func (b *Backend) cleanupEmptyDirectories(dir string) {
	if dir == b.baseDir || !strings.HasPrefix(dir, b.baseDir) {
		return
	}
	if entries, err := os.ReadDir(dir); err == nil && len(entries) == 0 {
		if os.Remove(dir) == nil {
			b.cleanupEmptyDirectories(filepath.Dir(dir))
		}
	}
}

// SignedURL returns an expiring URL served by Handler
func (b *Backend) SignedURL(ctx context.Context, key string, ttl time.Duration) (string, error) {
	if b.urlPrefix == "" {
		return "", errors.New("url prefix is required for signed URLs on filesystem backend")
	}
	if len(b.signingKey) == 0 {
		return "", errors.New("signing key is required for signed URLs on filesystem backend")
	}
	if _, err := b.resolve(key); err != nil {
		return "", err
	}
	expires := b.now().Add(ttl).Unix()
	q := url.Values{}
	q.Set("expires", strconv.FormatInt(expires, 10))
	q.Set("sig", b.sign(key, expires))
	return fmt.Sprintf("%s/%s?%s", b.urlPrefix, key, q.Encode()), nil
}

func (b *Backend) sign(key string, expires int64) string {
	mac := hmac.New(sha256.New, b.signingKey)
	mac.Write([]byte(key))
	mac.Write([]byte{'\n'})
	mac.Write([]byte(strconv.FormatInt(expires, 10)))
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a signature produced by SignedURL
func (b *Backend) Verify(key string, expires int64, sig string) bool {
	if len(b.signingKey) == 0 || b.now().Unix() > expires {
		return false
	}
	expected := b.sign(key, expires)
	return hmac.Equal([]byte(expected), []byte(sig))
}

// Handler serves objects for signed URLs. Mount it under the URL prefix with
// http.StripPrefix so the request path is the object key.
func (b *Backend) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := strings.TrimPrefix(r.URL.Path, "/")
		expires, err := strconv.ParseInt(r.URL.Query().Get("expires"), 10, 64)
		if err != nil || !b.Verify(key, expires, r.URL.Query().Get("sig")) {
			http.Error(w, "invalid or expired signature", http.StatusForbidden)
			return
		}
		filePath, err := b.resolve(key)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		f, err := os.Open(filePath)
		if err != nil {
			http.NotFound(w, r)
			return
		}
		defer f.Close()
		info, err := f.Stat()
		if err != nil {
			http.Error(w, "failed to stat object", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Cache-Control", "private, max-age=60")
		http.ServeContent(w, r, filepath.Base(filePath), info.ModTime(), f)
	})
}

// List walks the directory tree below baseDir and returns objects whose key has prefix
func (b *Backend) List(ctx context.Context, prefix string) ([]simplemedia.ObjectInfo, error) {
	var result []simplemedia.ObjectInfo
	err := filepath.WalkDir(b.baseDir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), ".upload-") {
			return nil
		}
		rel, err := filepath.Rel(b.baseDir, p)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if !strings.HasPrefix(key, prefix) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		result = append(result, simplemedia.ObjectInfo{
			Path:      key,
			Size:      info.Size(),
			UpdatedAt: info.ModTime(),
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list objects: %w", err)
	}
	return result, nil
}

var _ simplemedia.BlobStore = (*Backend)(nil)
