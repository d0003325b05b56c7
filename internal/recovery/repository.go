package recovery

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a transfer or file record does not exist.
var ErrNotFound = errors.New("recovery: record not found")

// Repository persists the three recovery tables. Implementations must make
// every write idempotent: re-writing a record with the same key is harmless.
type Repository interface {
	// PutTransfer inserts or replaces a transfer record.
	PutTransfer(ctx context.Context, t Transfer) error

	// GetTransfer returns the transfer with the given id or ErrNotFound.
	GetTransfer(ctx context.Context, id string) (Transfer, error)

	// ListTransfers returns every transfer record.
	ListTransfers(ctx context.Context) ([]Transfer, error)

	// DeleteTransfer removes a transfer together with its file and block records.
	DeleteTransfer(ctx context.Context, id string) error

	// PutFile inserts or replaces a file record.
	PutFile(ctx context.Context, f TrackedFile) error

	// GetFile returns the file with the given id or ErrNotFound.
	GetFile(ctx context.Context, id string) (TrackedFile, error)

	// ListFiles returns every file record.
	ListFiles(ctx context.Context) ([]TrackedFile, error)

	// PutBlocks writes a batch of block records. A block with the same
	// (file, index) as an existing one replaces it.
	PutBlocks(ctx context.Context, blocks []TrackedBlock) error

	// ListBlocks returns every block record.
	ListBlocks(ctx context.Context) ([]TrackedBlock, error)

	// CompleteFile marks the file completed and deletes its block records.
	CompleteFile(ctx context.Context, id string) error

	// ResetFile clears the provider session of a file and deletes its block
	// records, so the file starts over.
	ResetFile(ctx context.Context, id string) error

	// Close releases the underlying storage.
	Close() error
}
