package save

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

// TarSaver appends every object to one tar archive, optionally gzip
// compressed. A mutex serializes appends since tar entries cannot
// interleave. A retried item appends its entry again under the same
// name; extraction keeps the last entry.
type TarSaver struct {
	mu     sync.Mutex
	f      *os.File
	gz     *gzip.Writer
	tw     *tar.Writer
	path   string
	closed bool
}

var _ Saver = (*TarSaver)(nil)

// NewTarSaver creates the archive at path. The extension selects the
// format: .tar writes plain tar, .tar.gz and .tgz compress with gzip.
// bzip2 archives are rejected since Go only reads that format.
func NewTarSaver(path string) (*TarSaver, error) {
	switch {
	case strings.HasSuffix(path, ".tar.bz2"), strings.HasSuffix(path, ".tbz2"):
		return nil, fmt.Errorf("bzip2 archives cannot be written, use .tar.gz")
	case strings.HasSuffix(path, ".tar"), strings.HasSuffix(path, ".tar.gz"), strings.HasSuffix(path, ".tgz"):
	default:
		return nil, fmt.Errorf("archive path must end in .tar, .tar.gz or .tgz, got %q", path)
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return nil, fmt.Errorf("create archive: %w", err)
	}

	s := &TarSaver{f: f, path: path}
	w := io.Writer(f)
	if strings.HasSuffix(path, ".gz") || strings.HasSuffix(path, ".tgz") {
		s.gz = gzip.NewWriter(f)
		w = s.gz
	}
	s.tw = tar.NewWriter(w)
	return s, nil
}

// Save appends the content as one archive entry and returns a URI of
// the form path#entry.
func (s *TarSaver) Save(_ context.Context, identity string, _ string, content []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", fmt.Errorf("archive %s already closed", s.path)
	}

	hdr := &tar.Header{
		Name:    ObjectName(identity),
		Mode:    0o600,
		Size:    int64(len(content)),
		ModTime: time.Now().UTC(),
	}
	if err := s.tw.WriteHeader(hdr); err != nil {
		return "", fmt.Errorf("write tar header: %w", err)
	}
	if _, err := s.tw.Write(content); err != nil {
		return "", fmt.Errorf("write tar entry: %w", err)
	}
	return s.path + "#" + hdr.Name, nil
}

// Close finalizes the archive. Closing twice is safe.
func (s *TarSaver) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	if err := s.tw.Close(); err != nil {
		return fmt.Errorf("close tar writer: %w", err)
	}
	if s.gz != nil {
		if err := s.gz.Close(); err != nil {
			return fmt.Errorf("close gzip writer: %w", err)
		}
	}
	if err := s.f.Close(); err != nil {
		return fmt.Errorf("close archive file: %w", err)
	}
	return nil
}
