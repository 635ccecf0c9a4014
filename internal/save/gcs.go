package save

import (
	"context"
	"fmt"
	"strings"

	"cloud.google.com/go/storage"
)

// GCSConfig captures the parameters for the Cloud Storage saver.
type GCSConfig struct {
	// Bucket receives all objects.
	Bucket string `mapstructure:"bucket" yaml:"bucket"`
	// Prefix is prepended to every object name.
	Prefix string `mapstructure:"prefix" yaml:"prefix"`
}

// GCSSaver uploads objects to a Google Cloud Storage bucket.
type GCSSaver struct {
	client *storage.Client
	bucket string
	prefix string
	owned  bool
}

var _ Saver = (*GCSSaver)(nil)

// NewGCSSaver dials Cloud Storage with application default credentials
// and verifies the bucket is reachable before returning, so a bad
// configuration fails at startup rather than on the first save.
func NewGCSSaver(ctx context.Context, cfg GCSConfig) (*GCSSaver, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("create storage client: %w", err)
	}
	if _, err := client.Bucket(cfg.Bucket).Attrs(ctx); err != nil {
		if closeErr := client.Close(); closeErr != nil {
			return nil, fmt.Errorf("check bucket %q: %w (close client: %v)", cfg.Bucket, err, closeErr)
		}
		return nil, fmt.Errorf("check bucket %q: %w", cfg.Bucket, err)
	}
	s, err := NewGCSSaverWithClient(client, cfg)
	if err != nil {
		return nil, err
	}
	s.owned = true
	return s, nil
}

// NewGCSSaverWithClient wraps an existing client. The caller keeps
// ownership of the client and Close will not close it.
func NewGCSSaverWithClient(client *storage.Client, cfg GCSConfig) (*GCSSaver, error) {
	if client == nil {
		return nil, fmt.Errorf("storage client is required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}
	return &GCSSaver{
		client: client,
		bucket: cfg.Bucket,
		prefix: strings.Trim(cfg.Prefix, "/"),
	}, nil
}

// Save uploads the content and returns a gs:// URI.
func (s *GCSSaver) Save(ctx context.Context, identity string, contentType string, content []byte) (string, error) {
	object := ObjectName(identity)
	if s.prefix != "" {
		object = s.prefix + "/" + object
	}

	w := s.client.Bucket(s.bucket).Object(object).NewWriter(ctx)
	if contentType != "" {
		w.ContentType = contentType
	}
	if _, err := w.Write(content); err != nil {
		if closeErr := w.Close(); closeErr != nil {
			return "", fmt.Errorf("write object %s: %w (close writer: %v)", object, err, closeErr)
		}
		return "", fmt.Errorf("write object %s: %w", object, err)
	}
	// Close finalizes the upload and flushes any buffered data.
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("close writer for %s: %w", object, err)
	}
	return fmt.Sprintf("gs://%s/%s", s.bucket, object), nil
}

// Close releases the client if this saver created it.
func (s *GCSSaver) Close() error {
	if !s.owned || s.client == nil {
		return nil
	}
	return s.client.Close()
}
