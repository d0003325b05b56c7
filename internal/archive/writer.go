package archive

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/habbes/quickbyte-sub000/internal/checksum"
	"github.com/habbes/quickbyte-sub000/internal/progress"
	"github.com/habbes/quickbyte-sub000/internal/retry"
	"github.com/habbes/quickbyte-sub000/internal/taskqueue"
	"github.com/habbes/quickbyte-sub000/internal/transfer"
)

// Source reads byte ranges of remote files. provider.Reader implements it.
type Source interface {
	ReadBlock(ctx context.Context, key string, offset, length int64) ([]byte, error)
}

// Options configures a Writer.
type Options struct {
	// BlockSize is the read size for file data.
	// Default: 8 MiB
	BlockSize int64

	// BlockConcurrency bounds concurrent block reads per file.
	// Default: 4
	BlockConcurrency int

	// FileConcurrency bounds how many files are written at once.
	// Default: 4
	FileConcurrency int

	// Modified is the timestamp stored for every entry.
	// Default: time of NewWriter
	Modified time.Time

	// Retry configures block read retries. The zero value retries network
	// failures forever.
	Retry retry.Options

	Progress progress.Sink
	Logger   *slog.Logger
}

// Writer streams remote files into an uncompressed zip archive using
// writes at precomputed offsets.
type Writer struct {
	sink   io.WriterAt
	src    Source
	opts   Options
	logger *slog.Logger
}

type syncer interface {
	Sync() error
}

type truncater interface {
	Truncate(size int64) error
}

// NewWriter returns a writer that places the archive in sink. When sink
// implements Sync, it is synced before checksums are patched in and after
// the trailer is written. When it implements Truncate, it is sized to the
// final archive length first.
func NewWriter(sink io.WriterAt, src Source, opts Options) *Writer {
	if opts.BlockSize <= 0 {
		opts.BlockSize = 8 << 20
	}
	if opts.BlockConcurrency <= 0 {
		opts.BlockConcurrency = 4
	}
	if opts.FileConcurrency <= 0 {
		opts.FileConcurrency = 4
	}
	if opts.Modified.IsZero() {
		opts.Modified = time.Now()
	}
	if opts.Progress == nil {
		opts.Progress = progress.Nop{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Retry.Logger == nil {
		opts.Retry.Logger = opts.Logger
	}
	return &Writer{sink: sink, src: src, opts: opts, logger: opts.Logger}
}

// Write plans the archive for files and writes it. The returned layout has
// every entry's CRC32 filled in.
func (w *Writer) Write(ctx context.Context, files []File) (*Layout, error) {
	layout, err := Plan(files)
	if err != nil {
		return nil, err
	}
	if t, ok := w.sink.(truncater); ok {
		if err := t.Truncate(layout.Size); err != nil {
			return nil, fmt.Errorf("size archive: %w", err)
		}
	}

	w.logger.Info("writing archive",
		"entries", len(layout.Entries),
		"size", layout.Size,
	)

	if err := w.writeEntries(ctx, layout); err != nil {
		return nil, err
	}

	if _, err := w.sink.WriteAt(trailer(layout.Trailer), layout.Trailer.Offset); err != nil {
		return nil, fmt.Errorf("write trailer: %w", err)
	}
	if err := w.sync(); err != nil {
		return nil, err
	}
	return layout, nil
}

// writeEntries runs writeEntry for every entry on a worker pool and waits
// for all of them.
func (w *Writer) writeEntries(ctx context.Context, layout *Layout) error {
	return taskqueue.Run(ctx, w.opts.FileConcurrency, len(layout.Entries), func(ctx context.Context, i int) error {
		e := &layout.Entries[i]
		if err := w.writeEntry(ctx, e); err != nil {
			return fmt.Errorf("entry %s: %w", e.Name, err)
		}
		return nil
	}, taskqueue.WithLogger(w.logger), taskqueue.WithName("archive"))
}

// writeEntry writes the local header, data and central header of e
// concurrently, then patches the CRC into both headers.
func (w *Writer) writeEntry(ctx context.Context, e *Entry) error {
	var crc uint32

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if _, err := w.sink.WriteAt(localHeader(*e, w.opts.Modified), e.LocalHeaderOffset); err != nil {
			return fmt.Errorf("write local header: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		sum, err := w.writeData(gctx, e)
		crc = sum
		return err
	})
	g.Go(func() error {
		if _, err := w.sink.WriteAt(centralHeader(*e, w.opts.Modified), e.CentralHeaderOffset); err != nil {
			return fmt.Errorf("write central header: %w", err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return err
	}

	if err := w.sync(); err != nil {
		return err
	}
	b := crcBytes(crc)
	if _, err := w.sink.WriteAt(b, e.LocalHeaderOffset+localCRCOffset); err != nil {
		return fmt.Errorf("patch local crc: %w", err)
	}
	if _, err := w.sink.WriteAt(b, e.CentralHeaderOffset+centralCRCOffset); err != nil {
		return fmt.Errorf("patch central crc: %w", err)
	}
	e.CRC32 = crc
	e.HasCRC = true

	w.logger.Debug("archive entry written", "name", e.Name, "size", e.Size, "crc32", fmt.Sprintf("%08x", crc))
	return nil
}

// writeData copies e's bytes from the source into the data region block
// by block and returns their CRC-32.
func (w *Writer) writeData(ctx context.Context, e *Entry) (uint32, error) {
	crc := checksum.New()
	ropts := w.opts.Retry
	ropts.OnRetry = func(int, error) { w.opts.Progress.BlockRetried() }

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.opts.BlockConcurrency)
	for _, b := range transfer.Partition(e.Size, w.opts.BlockSize) {
		g.Go(func() error {
			w.opts.Progress.BlockStarted()

			var data []byte
			if b.Size > 0 {
				err := retry.Do(gctx, ropts, "read archive block", func(ctx context.Context) error {
					d, err := w.src.ReadBlock(ctx, e.ID, b.Offset, b.Size)
					if err != nil {
						return err
					}
					if int64(len(d)) != b.Size {
						return fmt.Errorf("%w: block %d got %d bytes, want %d", transfer.ErrShortBlock, b.Index, len(d), b.Size)
					}
					data = d
					return nil
				})
				if err != nil {
					w.opts.Progress.BlockFailed()
					return fmt.Errorf("read block %d: %w", b.Index, err)
				}
				if _, err := w.sink.WriteAt(data, e.DataOffset()+b.Offset); err != nil {
					w.opts.Progress.BlockFailed()
					return fmt.Errorf("write block %d: %w", b.Index, err)
				}
			}
			if err := crc.Update(data, b.Index); err != nil {
				w.opts.Progress.BlockFailed()
				return err
			}
			w.opts.Progress.BlockCompleted(b.Size)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}
	return crc.Finalize()
}

func (w *Writer) sync() error {
	s, ok := w.sink.(syncer)
	if !ok {
		return nil
	}
	if err := s.Sync(); err != nil {
		return fmt.Errorf("sync archive: %w", err)
	}
	return nil
}
