package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// sharedDir holds files uploaded by callers without a tenant.
const sharedDir = "_shared"

// LocalStorage stores files on the local filesystem as
// <base>/<tenant>/<file id>/<filename>.
type LocalStorage struct {
	basePath string
}

func NewLocalStorage(basePath string) *LocalStorage {
	return &LocalStorage{basePath: basePath}
}

// cleanSegment reduces a client supplied name to a single path element.
func cleanSegment(name, fallback string) string {
	name = filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	if name == "." || name == "/" || name == ".." || name == "" {
		return fallback
	}
	return name
}

func (s *LocalStorage) Save(_ context.Context, tenantID, fileID, filename string, reader io.Reader) (string, error) {
	dir := filepath.Join(s.basePath, cleanSegment(tenantID, sharedDir), cleanSegment(fileID, "file"))
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("create dir: %w", err)
	}

	storagePath := filepath.Join(dir, cleanSegment(filename, "upload"))
	f, err := os.Create(storagePath)
	if err != nil {
		return "", fmt.Errorf("create file: %w", err)
	}
	defer f.Close()

	if _, err := io.Copy(f, reader); err != nil {
		return "", fmt.Errorf("write file: %w", err)
	}

	return storagePath, nil
}

func (s *LocalStorage) Open(_ context.Context, storagePath string) (io.ReadCloser, error) {
	f, err := os.Open(storagePath)
	if err != nil {
		return nil, fmt.Errorf("open file: %w", err)
	}
	return f, nil
}

func (s *LocalStorage) Delete(_ context.Context, storagePath string) error {
	if err := os.Remove(storagePath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove file: %w", err)
	}
	// The per-file directory is removed once empty.
	_ = os.Remove(filepath.Dir(storagePath))
	return nil
}
