package storage

import (
	"context"
	"io"
)

// FileStorage abstracts persistence of uploaded media content. File
// metadata lives in the row store; this only holds the bytes.
type FileStorage interface {
	// Save persists file content under the tenant and returns the storage
	// path used for retrieval and deletion.
	Save(ctx context.Context, tenantID, fileID, filename string, reader io.Reader) (storagePath string, err error)
	// Open returns a reader for the stored file.
	Open(ctx context.Context, storagePath string) (io.ReadCloser, error)
	// Delete removes the file from storage.
	Delete(ctx context.Context, storagePath string) error
}
