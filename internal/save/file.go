package save

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// FileConfig captures the parameters for the filesystem saver.
type FileConfig struct {
	// BaseDir is the root directory where content is stored.
	BaseDir string `mapstructure:"base_dir" yaml:"base_dir"`
}

// FileSaver writes each object under a base directory, sharded by the
// tail of the name digest so large corpora do not pile into a single
// directory.
type FileSaver struct {
	baseDir string
}

var _ Saver = (*FileSaver)(nil)

// NewFileSaver creates the base directory if needed and verifies it is
// writable before returning.
func NewFileSaver(cfg FileConfig) (*FileSaver, error) {
	if strings.TrimSpace(cfg.BaseDir) == "" {
		return nil, fmt.Errorf("base directory is required")
	}

	info, err := os.Stat(cfg.BaseDir)
	switch {
	case os.IsNotExist(err):
		if mkErr := os.MkdirAll(cfg.BaseDir, 0o750); mkErr != nil {
			return nil, fmt.Errorf("create base directory: %w", mkErr)
		}
	case err != nil:
		return nil, fmt.Errorf("stat base directory: %w", err)
	case !info.IsDir():
		return nil, fmt.Errorf("base directory path is not a directory")
	}

	probe := filepath.Join(cfg.BaseDir, ".writable_test")
	if err := os.WriteFile(probe, []byte("test"), 0o600); err != nil {
		return nil, fmt.Errorf("base directory is not writable: %w", err)
	}
	if err := os.Remove(probe); err != nil {
		return nil, fmt.Errorf("clean up probe file: %w", err)
	}

	return &FileSaver{baseDir: cfg.BaseDir}, nil
}

// Save writes the content to a file and returns a file:// URI.
func (s *FileSaver) Save(_ context.Context, identity string, _ string, content []byte) (string, error) {
	name := ObjectName(identity)
	fullPath := filepath.Join(s.baseDir, shard(name), name)

	cleanBase := filepath.Clean(s.baseDir)
	if !strings.HasPrefix(filepath.Clean(fullPath), cleanBase+string(filepath.Separator)) {
		return "", fmt.Errorf("path escapes base directory")
	}

	if err := os.MkdirAll(filepath.Dir(fullPath), 0o750); err != nil {
		return "", fmt.Errorf("create shard directory: %w", err)
	}
	if err := os.WriteFile(fullPath, content, 0o600); err != nil {
		return "", fmt.Errorf("write object: %w", err)
	}
	return "file://" + fullPath, nil
}

// Close is a no-op.
func (s *FileSaver) Close() error { return nil }

// shard picks a bucket directory from the digest tail of the object
// name, which is uniformly distributed hex.
func shard(name string) string {
	if len(name) < 2 {
		return name
	}
	return name[len(name)-2:]
}
