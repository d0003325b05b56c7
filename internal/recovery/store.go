package recovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrClosed is returned by writes after Close.
var ErrClosed = errors.New("recovery: store closed")

// Options configures block batching.
type Options struct {
	// BatchSize is the number of buffered block completions that triggers a flush.
	// Default: 5
	BatchSize int

	// FlushInterval bounds how long a completion stays buffered.
	// Default: 5s. Zero disables the timer.
	FlushInterval time.Duration

	Logger *slog.Logger
}

// DefaultOptions returns the default batching options.
func DefaultOptions() Options {
	return Options{
		BatchSize:     5,
		FlushInterval: 5 * time.Second,
	}
}

// Store records transfer progress so that an interrupted transfer can be
// resumed. Block completions are buffered per file and written in batches.
type Store struct {
	repo   Repository
	opts   Options
	logger *slog.Logger

	mu      sync.Mutex
	batches map[string]*batch
	closed  bool
}

// batch buffers the completions of one file. flushMu serializes flushes so
// that a flush requested while another is in flight waits for it and then
// writes whatever accumulated in the meantime.
type batch struct {
	flushMu sync.Mutex

	// guarded by Store.mu
	pending []TrackedBlock
	timer   *time.Timer
}

// NewStore returns a store writing through repo.
func NewStore(repo Repository, opts Options) *Store {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 1
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		repo:    repo,
		opts:    opts,
		logger:  logger,
		batches: make(map[string]*batch),
	}
}

// RecordTransfer persists a new transfer.
func (s *Store) RecordTransfer(ctx context.Context, t Transfer) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.repo.PutTransfer(ctx, t)
}

// Transfer returns the transfer with the given id.
func (s *Store) Transfer(ctx context.Context, id string) (Transfer, error) {
	return s.repo.GetTransfer(ctx, id)
}

// Transfers returns every recorded transfer.
func (s *Store) Transfers(ctx context.Context) ([]Transfer, error) {
	return s.repo.ListTransfers(ctx)
}

// TrackFile persists a file record.
func (s *Store) TrackFile(ctx context.Context, f TrackedFile) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.repo.PutFile(ctx, f)
}

// File returns the file with the given id.
func (s *Store) File(ctx context.Context, id string) (TrackedFile, error) {
	return s.repo.GetFile(ctx, id)
}

// Files returns the files of a transfer.
func (s *Store) Files(ctx context.Context, transferID string) ([]TrackedFile, error) {
	all, err := s.repo.ListFiles(ctx)
	if err != nil {
		return nil, err
	}
	var out []TrackedFile
	for _, f := range all {
		if f.TransferID == transferID {
			out = append(out, f)
		}
	}
	return out, nil
}

// SetFileSession stores the provider session of a file together with any
// pre-authorized parts the provider issued for it.
func (s *Store) SetFileSession(ctx context.Context, fileID, sessionID string, parts []Part) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	f, err := s.repo.GetFile(ctx, fileID)
	if err != nil {
		return err
	}
	f.ProviderSessionID = sessionID
	f.ProviderParts = parts
	return s.repo.PutFile(ctx, f)
}

// CompleteBlock records that block index of file fileID succeeded with the
// given token. The record is buffered and written once BatchSize
// completions accumulate or FlushInterval elapses.
func (s *Store) CompleteBlock(ctx context.Context, fileID string, index int, token string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	b, ok := s.batches[fileID]
	if !ok {
		b = &batch{}
		s.batches[fileID] = b
	}
	b.pending = append(b.pending, TrackedBlock{
		ID:     uuid.NewString(),
		Index:  index,
		FileID: fileID,
		Token:  token,
	})
	full := len(b.pending) >= s.opts.BatchSize
	if !full {
		s.armLocked(fileID, b)
	}
	s.mu.Unlock()

	if full {
		return s.Flush(ctx, fileID)
	}
	return nil
}

func (s *Store) armLocked(fileID string, b *batch) {
	if b.timer != nil || s.opts.FlushInterval <= 0 || s.closed {
		return
	}
	b.timer = time.AfterFunc(s.opts.FlushInterval, func() {
		if err := s.Flush(context.Background(), fileID); err != nil {
			s.logger.Warn("timed flush failed", "file", fileID, "error", err)
		}
	})
}

// Flush writes the buffered completions of a file.
func (s *Store) Flush(ctx context.Context, fileID string) error {
	s.mu.Lock()
	b, ok := s.batches[fileID]
	s.mu.Unlock()
	if !ok {
		return nil
	}

	b.flushMu.Lock()
	defer b.flushMu.Unlock()

	s.mu.Lock()
	blocks := b.pending
	b.pending = nil
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	s.mu.Unlock()

	if len(blocks) == 0 {
		return nil
	}

	if err := s.repo.PutBlocks(ctx, blocks); err != nil {
		s.mu.Lock()
		b.pending = append(blocks, b.pending...)
		s.armLocked(fileID, b)
		s.mu.Unlock()
		return fmt.Errorf("flush blocks of file %s: %w", fileID, err)
	}
	s.logger.Debug("flushed blocks", "file", fileID, "count", len(blocks))
	return nil
}

// FlushAll writes the buffered completions of every file.
func (s *Store) FlushAll(ctx context.Context) error {
	s.mu.Lock()
	ids := make([]string, 0, len(s.batches))
	for id := range s.batches {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	var errs []error
	for _, id := range ids {
		if err := s.Flush(ctx, id); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// CompleteFile flushes the file's buffered completions, marks it completed
// and deletes its block records.
func (s *Store) CompleteFile(ctx context.Context, fileID string) error {
	if err := s.Flush(ctx, fileID); err != nil {
		return err
	}
	if err := s.repo.CompleteFile(ctx, fileID); err != nil {
		return fmt.Errorf("complete file %s: %w", fileID, err)
	}
	s.drop(fileID)
	return nil
}

// ResetFile discards everything recorded about a file's provider session:
// buffered completions, block records and the session itself.
func (s *Store) ResetFile(ctx context.Context, fileID string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	s.drop(fileID)
	if err := s.repo.ResetFile(ctx, fileID); err != nil {
		return fmt.Errorf("reset file %s: %w", fileID, err)
	}
	return nil
}

// CompleteTransfer deletes a finished transfer together with its file
// records.
func (s *Store) CompleteTransfer(ctx context.Context, transferID string) error {
	files, err := s.Files(ctx, transferID)
	if err != nil {
		return err
	}
	for _, f := range files {
		if err := s.Flush(ctx, f.ID); err != nil {
			return err
		}
		s.drop(f.ID)
	}
	if err := s.repo.DeleteTransfer(ctx, transferID); err != nil {
		return fmt.Errorf("complete transfer %s: %w", transferID, err)
	}
	return nil
}

// DeleteTransfer abandons a transfer: buffered completions are discarded
// and the transfer, file and block records are removed.
func (s *Store) DeleteTransfer(ctx context.Context, transferID string) error {
	files, err := s.Files(ctx, transferID)
	if err != nil {
		return err
	}
	for _, f := range files {
		s.drop(f.ID)
	}
	if err := s.repo.DeleteTransfer(ctx, transferID); err != nil {
		return fmt.Errorf("delete transfer %s: %w", transferID, err)
	}
	return nil
}

// drop discards a file's batch, waiting for an in-flight flush to finish.
func (s *Store) drop(fileID string) {
	s.mu.Lock()
	b, ok := s.batches[fileID]
	s.mu.Unlock()
	if !ok {
		return
	}

	b.flushMu.Lock()
	defer b.flushMu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	b.pending = nil
	if s.batches[fileID] == b {
		delete(s.batches, fileID)
	}
}

// InitRecovery scans the persisted records once and splits the files into
// completed ones and ones that still need blocks, together with the tokens
// of the blocks already done.
func (s *Store) InitRecovery(ctx context.Context) (*State, error) {
	if err := s.FlushAll(ctx); err != nil {
		return nil, err
	}

	transfers, err := s.repo.ListTransfers(ctx)
	if err != nil {
		return nil, err
	}
	files, err := s.repo.ListFiles(ctx)
	if err != nil {
		return nil, err
	}
	blocks, err := s.repo.ListBlocks(ctx)
	if err != nil {
		return nil, err
	}

	byFile := make(map[string][]TrackedBlock)
	for _, b := range blocks {
		byFile[b.FileID] = append(byFile[b.FileID], b)
	}

	state := &State{Transfers: transfers}
	for _, f := range files {
		if f.Completed {
			state.Completed = append(state.Completed, f)
			continue
		}
		done := make(map[int]string)
		n := f.NumBlocks()
		for _, b := range byFile[f.ID] {
			if b.Index >= 0 && b.Index < n {
				done[b.Index] = b.Token
			}
		}
		state.Incomplete = append(state.Incomplete, IncompleteFile{File: f, Blocks: done})
	}

	s.logger.Debug("recovery scan",
		"transfers", len(state.Transfers),
		"completed", len(state.Completed),
		"incomplete", len(state.Incomplete))
	return state, nil
}

// Close flushes every buffered completion and closes the repository.
func (s *Store) Close() error {
	flushErr := s.FlushAll(context.Background())

	s.mu.Lock()
	s.closed = true
	for _, b := range s.batches {
		if b.timer != nil {
			b.timer.Stop()
			b.timer = nil
		}
	}
	s.mu.Unlock()

	return errors.Join(flushErr, s.repo.Close())
}

func (s *Store) checkOpen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	return nil
}
