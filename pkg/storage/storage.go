package storage

import (
	"context"
	"io"
)

// Store is the blob store collaborator: authenticated, content-addressed
// uploads yielding public URLs. Uploads are idempotent; re-uploading the
// same content lands on the same key.
type Store interface {
	// Upload streams content into the store under a name, returning the
	// public URL to fetch it from.
	Upload(ctx context.Context, name string, content io.Reader) (string, error)
}
