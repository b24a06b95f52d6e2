package archive

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"ctbt.dev/ctbt/internal/durable"
)

// LocalBackend replicates shard data under a second directory tree using
// the same fsync-then-rename write path as the primary archive, so a
// mirror operator can point it at removable media or a second disk without
// giving up durability. Grounded on internal/ctlog/local.go's LocalBackend,
// adapted from the upload-only CT-log object store shape to a Backend that
// both uploads and fetches.
type LocalBackend struct {
	dir string
	log *slog.Logger
}

// NewLocalBackend returns a LocalBackend rooted at dir, which must already
// exist.
func NewLocalBackend(dir string, log *slog.Logger) (*LocalBackend, error) {
	fi, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to stat local backend directory %q: %w", dir, err)
	}
	if !fi.IsDir() {
		return nil, fmt.Errorf("local backend path %q is not a directory", dir)
	}
	return &LocalBackend{dir: dir, log: log}, nil
}

var _ Backend = &LocalBackend{}

func (b *LocalBackend) localize(key string) (string, error) {
	name, err := filepath.Localize(key)
	if err != nil {
		return "", fmt.Errorf("failed to localize key %q as a filesystem path: %w", key, err)
	}
	return filepath.Join(b.dir, name), nil
}

func (b *LocalBackend) Upload(ctx context.Context, key string, data []byte) error {
	start := time.Now()
	path, err := b.localize(key)
	if err != nil {
		return err
	}
	if err := durable.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create directory %q: %w", filepath.Dir(path), err)
	}
	err = durable.WriteFile(path, data, 0o644)
	debugf(ctx, b.log, "local archive write", "key", key, "size", len(data), "path", path, "elapsed", time.Since(start), "err", err)
	return err
}

func (b *LocalBackend) Fetch(ctx context.Context, key string) ([]byte, error) {
	path, err := b.localize(key)
	if err != nil {
		return nil, err
	}
	debugf(ctx, b.log, "local archive read", "key", key, "path", path)
	return os.ReadFile(path)
}
