package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"

	"github.com/habbes/quickbyte-sub000/internal/checksum"
	"github.com/habbes/quickbyte-sub000/internal/progress"
	"github.com/habbes/quickbyte-sub000/internal/provider"
	"github.com/habbes/quickbyte-sub000/internal/recovery"
	"github.com/habbes/quickbyte-sub000/internal/retry"
)

// Recorder persists transfer progress. *recovery.Store implements it.
type Recorder interface {
	SetFileSession(ctx context.Context, fileID, sessionID string, parts []recovery.Part) error
	CompleteBlock(ctx context.Context, fileID string, index int, token string) error
	CompleteFile(ctx context.Context, fileID string) error
	ResetFile(ctx context.Context, fileID string) error
}

// Options configures the coordinator.
type Options struct {
	// Workers is the worker count for FixedWorkers.
	// Default: 4
	Workers int

	// MaxConcurrency bounds in-flight blocks under MaxParallel, standing in
	// for the transport's connection limit.
	// Default: 16
	MaxConcurrency int

	// Policy selects how blocks are scheduled.
	Policy Policy

	// Verify computes a CRC-32 of the whole file from its blocks.
	Verify bool

	// Retry configures block and commit retries. The zero value retries
	// network failures forever.
	Retry retry.Options

	// Progress receives block events. Optional.
	Progress progress.Sink

	Logger *slog.Logger
}

// Result summarizes a finished file transfer.
type Result struct {
	// Tokens holds one provider token per block, ordered by index.
	Tokens []string

	// Checksum is the CRC-32 of the file when HasChecksum is set.
	Checksum    uint32
	HasChecksum bool

	// Bytes counts bytes moved by this call, excluding skipped blocks.
	Bytes int64
}

// CommitError is returned when the provider rejects the final assembly of
// a file with a non-network error, for example an expired authorization.
// Every block has been transferred and recorded at that point, so the
// transfer can be resumed once the cause is fixed.
//
// Use errors.As to extract it.
type CommitError struct {
	Key string
	Err error
}

func (e *CommitError) Error() string {
	return fmt.Sprintf("commit %s: %v", e.Key, e.Err)
}

func (e *CommitError) Unwrap() error {
	return e.Err
}

// ErrMissingBlock is returned when a block has no token after every block
// was scheduled.
var ErrMissingBlock = errors.New("transfer: block has no token")

// ErrShortBlock is returned when a provider returns fewer bytes than the
// block holds, which means the object is smaller than recorded.
var ErrShortBlock = errors.New("transfer: short block")

// ErrNotReadable is returned when verifying a resumed download whose
// destination cannot be read back.
var ErrNotReadable = errors.New("transfer: destination does not implement io.ReaderAt")

// Coordinator moves files block by block between local storage and a
// provider.
type Coordinator struct {
	provider provider.Provider
	rec      Recorder
	opts     Options
	logger   *slog.Logger
}

// NewCoordinator returns a coordinator. rec may be nil when nothing needs
// to survive a restart.
func NewCoordinator(p provider.Provider, rec Recorder, opts Options) *Coordinator {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.MaxConcurrency <= 0 {
		opts.MaxConcurrency = 16
	}
	if opts.Progress == nil {
		opts.Progress = progress.Nop{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if rec == nil {
		rec = nopRecorder{}
	}
	if opts.Retry.Logger == nil {
		opts.Retry.Logger = opts.Logger
	}
	return &Coordinator{
		provider: p,
		rec:      rec,
		opts:     opts,
		logger:   opts.Logger,
	}
}

// plan is the per-call state shared by the block functions.
type plan struct {
	file      recovery.TrackedFile
	blocks    []Block
	remaining []Block
	tokens    []string
	crc       *checksum.CRC32
	bytes     atomic.Int64
}

func (c *Coordinator) newPlan(file recovery.TrackedFile, completed map[int]string) (*plan, error) {
	blocks := Partition(file.Size, file.BlockSize)
	if blocks == nil {
		return nil, fmt.Errorf("transfer: invalid size %d or block size %d for %s", file.Size, file.BlockSize, file.Filename)
	}

	p := &plan{
		file:   file,
		blocks: blocks,
		tokens: make([]string, len(blocks)),
	}
	if c.opts.Verify {
		p.crc = checksum.New()
	}

	var skippedBytes int64
	for _, b := range blocks {
		if tok, ok := completed[b.Index]; ok && tok != "" {
			p.tokens[b.Index] = tok
			skippedBytes += b.Size
			continue
		}
		p.remaining = append(p.remaining, b)
	}
	if skipped := len(blocks) - len(p.remaining); skipped > 0 {
		c.opts.Progress.BlocksSkipped(skipped, skippedBytes)
		c.logger.Info("resuming file",
			"file", file.Filename,
			"skipped", skipped,
			"remaining", len(p.remaining),
		)
	}
	return p, nil
}

// skipped returns the blocks that were already complete before this call.
func (p *plan) skipped() []Block {
	out := make([]Block, 0, len(p.blocks)-len(p.remaining))
	j := 0
	for _, b := range p.blocks {
		if j < len(p.remaining) && p.remaining[j].Index == b.Index {
			j++
			continue
		}
		out = append(out, b)
	}
	return out
}

// verifySkipped feeds the checksum with blocks this call will not move,
// reading them from r.
func (p *plan) verifySkipped(r io.ReaderAt) error {
	if p.crc == nil {
		return nil
	}
	for _, b := range p.skipped() {
		buf, err := readBlock(r, b)
		if err != nil {
			return fmt.Errorf("read completed block %d: %w", b.Index, err)
		}
		if err := p.crc.Update(buf, b.Index); err != nil {
			return err
		}
	}
	return nil
}

func (p *plan) result() (*Result, error) {
	for i, tok := range p.tokens {
		if tok == "" {
			return nil, fmt.Errorf("%w: %s block %d", ErrMissingBlock, p.file.Filename, i)
		}
	}
	res := &Result{
		Tokens: p.tokens,
		Bytes:  p.bytes.Load(),
	}
	if p.crc != nil {
		sum, err := p.crc.Finalize()
		if err != nil {
			return nil, err
		}
		res.Checksum = sum
		res.HasChecksum = true
	}
	return res, nil
}

func (c *Coordinator) run(ctx context.Context, blocks []Block, fn blockFunc) error {
	if len(blocks) == 0 {
		return nil
	}
	switch c.opts.Policy {
	case MaxParallel:
		return runMax(ctx, blocks, c.opts.MaxConcurrency, c.logger, fn)
	default:
		return runFixed(ctx, blocks, c.opts.Workers, fn)
	}
}

func (c *Coordinator) retryOptions() retry.Options {
	opts := c.opts.Retry
	next := opts.OnRetry
	opts.OnRetry = func(attempt int, err error) {
		c.opts.Progress.BlockRetried()
		if next != nil {
			next(attempt, err)
		}
	}
	return opts
}

// Upload sends src to key. completed maps block indices that an earlier
// attempt already staged to their tokens; those blocks are not sent again.
//
// If the provider reports that the file's session is gone, everything
// staged under it is lost: the file's records are reset and the upload
// starts over once in a new session.
func (c *Coordinator) Upload(ctx context.Context, src io.ReaderAt, file recovery.TrackedFile, key string, completed map[int]string) (*Result, error) {
	res, err := c.upload(ctx, src, file, key, completed)
	if !errors.Is(err, provider.ErrSessionGone) || ctx.Err() != nil {
		return res, err
	}

	c.logger.Warn("upload session gone, starting over", "file", file.Filename, "key", key, "error", err)
	if err := c.rec.ResetFile(ctx, file.ID); err != nil {
		return nil, fmt.Errorf("reset file %s: %w", file.ID, err)
	}
	file.ProviderSessionID = ""
	file.ProviderParts = nil
	return c.upload(ctx, src, file, key, nil)
}

func (c *Coordinator) upload(ctx context.Context, src io.ReaderAt, file recovery.TrackedFile, key string, completed map[int]string) (*Result, error) {
	if file.ProviderSessionID == "" {
		// Tokens only count under the session they were staged in.
		completed = nil
	}
	sess, err := c.session(ctx, &file, key)
	if err != nil {
		return nil, err
	}
	file.ProviderSessionID = sess.ID

	p, err := c.newPlan(file, completed)
	if err != nil {
		return nil, err
	}
	if err := p.verifySkipped(src); err != nil {
		return nil, err
	}

	ropts := c.retryOptions()
	err = c.run(ctx, p.remaining, func(ctx context.Context, b Block) error {
		c.opts.Progress.BlockStarted()

		buf, err := readBlock(src, b)
		if err != nil {
			c.opts.Progress.BlockFailed()
			return fmt.Errorf("read block %d: %w", b.Index, err)
		}

		var token string
		err = retry.Do(ctx, ropts, "stage block", func(ctx context.Context) error {
			t, err := c.provider.StageBlock(ctx, key, sess, b.Index, buf)
			if err != nil {
				return err
			}
			token = t
			return nil
		})
		if err != nil {
			c.opts.Progress.BlockFailed()
			return fmt.Errorf("stage block %d: %w", b.Index, err)
		}

		return c.finishBlock(ctx, p, b, buf, token)
	})
	if err != nil {
		return nil, err
	}

	res, err := p.result()
	if err != nil {
		return nil, err
	}

	err = retry.Do(ctx, ropts, "commit", func(ctx context.Context) error {
		return c.provider.Commit(ctx, key, sess, res.Tokens)
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &CommitError{Key: key, Err: err}
	}

	if err := c.rec.CompleteFile(ctx, file.ID); err != nil {
		return nil, fmt.Errorf("complete file %s: %w", file.ID, err)
	}
	c.logger.Info("upload complete", "file", file.Filename, "key", key, "blocks", len(p.blocks), "bytes", res.Bytes)
	return res, nil
}

// session returns the file's open provider session, beginning one if the
// file has none yet.
func (c *Coordinator) session(ctx context.Context, file *recovery.TrackedFile, key string) (provider.Session, error) {
	if file.ProviderSessionID != "" {
		return provider.Session{ID: file.ProviderSessionID, Parts: file.ProviderParts}, nil
	}

	var sess provider.Session
	err := retry.Do(ctx, c.retryOptions(), "begin upload", func(ctx context.Context) error {
		s, err := c.provider.Begin(ctx, key, file.Size, file.BlockSize)
		if err != nil {
			return err
		}
		sess = s
		return nil
	})
	if err != nil {
		return provider.Session{}, fmt.Errorf("begin upload %s: %w", key, err)
	}
	if err := c.rec.SetFileSession(ctx, file.ID, sess.ID, sess.Parts); err != nil {
		return provider.Session{}, fmt.Errorf("record session: %w", err)
	}
	file.ProviderParts = sess.Parts
	return sess, nil
}

// Download reads key into dst. completed maps block indices an earlier
// attempt already wrote to their tokens. When verifying a resumed
// download, dst must also implement io.ReaderAt.
func (c *Coordinator) Download(ctx context.Context, dst io.WriterAt, file recovery.TrackedFile, key string, completed map[int]string) (*Result, error) {
	p, err := c.newPlan(file, completed)
	if err != nil {
		return nil, err
	}
	if p.crc != nil && len(p.remaining) < len(p.blocks) {
		r, ok := dst.(io.ReaderAt)
		if !ok {
			return nil, ErrNotReadable
		}
		if err := p.verifySkipped(r); err != nil {
			return nil, err
		}
	}

	ropts := c.retryOptions()
	err = c.run(ctx, p.remaining, func(ctx context.Context, b Block) error {
		c.opts.Progress.BlockStarted()

		var buf []byte
		err := retry.Do(ctx, ropts, "read block", func(ctx context.Context) error {
			if b.Size == 0 {
				buf = []byte{}
				return nil
			}
			data, err := c.provider.ReadBlock(ctx, key, b.Offset, b.Size)
			if err != nil {
				return err
			}
			if int64(len(data)) != b.Size {
				return fmt.Errorf("%w: block %d got %d bytes, want %d", ErrShortBlock, b.Index, len(data), b.Size)
			}
			buf = data
			return nil
		})
		if err != nil {
			c.opts.Progress.BlockFailed()
			return fmt.Errorf("read block %d: %w", b.Index, err)
		}

		if _, err := dst.WriteAt(buf, b.Offset); err != nil {
			c.opts.Progress.BlockFailed()
			return fmt.Errorf("write block %d: %w", b.Index, err)
		}

		return c.finishBlock(ctx, p, b, buf, BlockToken(buf))
	})
	if err != nil {
		return nil, err
	}

	res, err := p.result()
	if err != nil {
		return nil, err
	}
	if err := c.rec.CompleteFile(ctx, file.ID); err != nil {
		return nil, fmt.Errorf("complete file %s: %w", file.ID, err)
	}
	c.logger.Info("download complete", "file", file.Filename, "key", key, "blocks", len(p.blocks), "bytes", res.Bytes)
	return res, nil
}

// finishBlock records a moved block: token, recovery record, checksum and
// progress.
func (c *Coordinator) finishBlock(ctx context.Context, p *plan, b Block, buf []byte, token string) error {
	p.tokens[b.Index] = token
	if err := c.rec.CompleteBlock(ctx, p.file.ID, b.Index, token); err != nil {
		c.opts.Progress.BlockFailed()
		return fmt.Errorf("record block %d: %w", b.Index, err)
	}
	if p.crc != nil {
		if err := p.crc.Update(buf, b.Index); err != nil {
			c.opts.Progress.BlockFailed()
			return err
		}
	}
	p.bytes.Add(b.Size)
	c.opts.Progress.BlockCompleted(b.Size)
	return nil
}

// BlockToken is the token recorded for a downloaded block: its CRC-32 in
// hex.
func BlockToken(data []byte) string {
	return fmt.Sprintf("%08x", checksum.Checksum(data))
}

func readBlock(r io.ReaderAt, b Block) ([]byte, error) {
	buf := make([]byte, b.Size)
	if b.Size == 0 {
		return buf, nil
	}
	n, err := r.ReadAt(buf, b.Offset)
	if int64(n) == b.Size {
		return buf, nil
	}
	if err == nil || errors.Is(err, io.EOF) {
		err = io.ErrUnexpectedEOF
	}
	return nil, err
}

type nopRecorder struct{}

func (nopRecorder) SetFileSession(context.Context, string, string, []recovery.Part) error {
	return nil
}

func (nopRecorder) CompleteBlock(context.Context, string, int, string) error { return nil }

func (nopRecorder) CompleteFile(context.Context, string) error { return nil }

func (nopRecorder) ResetFile(context.Context, string) error { return nil }
