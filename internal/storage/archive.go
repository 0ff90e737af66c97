package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/jo-hoe/meshforge/internal/common"
)

// Archiver migrates a completed item's source image from its ephemeral
// local reference to durable storage and returns a stable URL for it.
// Archiving is best-effort: the caller keeps the ephemeral reference when
// it fails and must not fail the item over it.
type Archiver interface {
	Store(ctx context.Context, key string, mimeType string, data []byte) (string, error)
}

var _ Archiver = (*LocalArchiver)(nil)

// LocalArchiver keeps archived images on the local filesystem. Suitable
// for development and single-node deployments.
type LocalArchiver struct {
	dir string
}

func NewLocalArchiver(baseDir string) *LocalArchiver {
	return &LocalArchiver{dir: filepath.Join(baseDir, common.ArchiveDirName)}
}

func (a *LocalArchiver) Store(ctx context.Context, key string, mimeType string, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if strings.TrimSpace(key) == "" {
		return "", fmt.Errorf("archive key is empty")
	}
	if err := os.MkdirAll(a.dir, 0o755); err != nil {
		return "", fmt.Errorf("ensure archive dir: %w", err)
	}
	path := filepath.Join(a.dir, key+ExtensionForMime(mimeType))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write archive file: %w", err)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	return "file://" + abs, nil
}

// ExtensionForMime maps a supported image mime type onto a file extension.
func ExtensionForMime(mimeType string) string {
	if ext, ok := allowedImageMimes[strings.ToLower(strings.TrimSpace(mimeType))]; ok {
		return ext
	}
	return ".bin"
}
