package storage

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalStorage_SaveOpenDelete(t *testing.T) {
	base := t.TempDir()
	s := NewLocalStorage(base)
	ctx := context.Background()

	path, err := s.Save(ctx, "acme", "f1", "report.pdf", strings.NewReader("hello"))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(base, "acme", "f1", "report.pdf"), path)

	r, err := s.Open(ctx, path)
	require.NoError(t, err)
	data, err := io.ReadAll(r)
	r.Close()
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))

	require.NoError(t, s.Delete(ctx, path))
	_, err = os.Stat(filepath.Dir(path))
	assert.True(t, os.IsNotExist(err))

	// Deleting twice is harmless.
	assert.NoError(t, s.Delete(ctx, path))
}

func TestLocalStorage_SanitizesNames(t *testing.T) {
	base := t.TempDir()
	s := NewLocalStorage(base)

	path, err := s.Save(context.Background(), "", "f2", "../../etc/passwd", strings.NewReader("x"))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(base, sharedDir, "f2", "passwd"), path)

	path, err = s.Save(context.Background(), "t1", "f3", "..", strings.NewReader("x"))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(base, "t1", "f3", "upload"), path)
}
