package persistence

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"
)

const uploadTimeout = 10 * time.Second

// GCSUploader mirrors an archive file to a single bucket object.
type GCSUploader struct {
	client *storage.Client
	bucket string
	object string
	mu     sync.Mutex
}

func NewGCSUploader(ctx context.Context, bucket, object string, opts ...option.ClientOption) (*GCSUploader, error) {
	if bucket == "" || object == "" {
		return nil, errors.New("gcs uploader needs a bucket and an object name")
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, err
	}
	return &GCSUploader{
		client: client,
		bucket: bucket,
		object: object,
	}, nil
}

// Download restores the object into path so local appends extend it. A
// missing object leaves path untouched.
func (g *GCSUploader) Download(ctx context.Context, path string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	rc, err := g.client.Bucket(g.bucket).Object(g.object).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil
		}
		return err
	}
	defer rc.Close()

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, rc); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// Upload replaces the object with the contents of path. A missing file is a
// no-op.
func (g *GCSUploader) Upload(ctx context.Context, path string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	defer f.Close()

	ctx, cancel := context.WithTimeout(ctx, uploadTimeout)
	defer cancel()

	w := g.client.Bucket(g.bucket).Object(g.object).NewWriter(ctx)
	if _, err := io.Copy(w, f); err != nil {
		_ = w.Close()
		return err
	}
	return w.Close()
}

func (g *GCSUploader) Close() error {
	return g.client.Close()
}
