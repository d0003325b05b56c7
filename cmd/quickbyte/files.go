package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"

	"github.com/habbes/quickbyte-sub000/internal/recovery"
	"github.com/habbes/quickbyte-sub000/internal/taskqueue"
	"github.com/habbes/quickbyte-sub000/internal/transfer"
)

var errSourceChanged = errors.New("local file changed since the transfer was recorded")

// fileJob is one file to move, with the blocks already done.
type fileJob struct {
	transfer  recovery.Transfer
	file      recovery.TrackedFile
	key       string
	completed map[int]string
}

// uploadKey is where a file of an upload transfer lands: the transfer name
// is the key prefix and the file keeps its base name.
func uploadKey(t recovery.Transfer, f recovery.TrackedFile) string {
	return path.Join(t.Name, filepath.Base(f.Filename))
}

// jobFor rebuilds the job of a recovered file.
func jobFor(t recovery.Transfer, inc recovery.IncompleteFile) fileJob {
	j := fileJob{transfer: t, file: inc.File, completed: inc.Blocks}
	if t.Direction == recovery.Download {
		j.key = t.Name
	} else {
		j.key = uploadKey(t, inc.File)
	}
	return j
}

// runJobs runs fn for every job, at most n at a time, and waits for all of
// them. The first failure cancels the jobs that have not started yet.
func (a *app) runJobs(ctx context.Context, jobs []fileJob, n int, fn func(ctx context.Context, j fileJob) error) error {
	return taskqueue.Run(ctx, n, len(jobs), func(ctx context.Context, i int) error {
		return fn(ctx, jobs[i])
	}, taskqueue.WithLogger(a.logger), taskqueue.WithName("files"))
}

func (a *app) uploadFile(ctx context.Context, c *transfer.Coordinator, j fileJob) error {
	src, err := os.Open(j.file.Filename)
	if err != nil {
		return err
	}
	defer src.Close()

	info, err := src.Stat()
	if err != nil {
		return err
	}
	if info.Size() != j.file.Size {
		return fmt.Errorf("%s: %w (size %d, recorded %d)", j.file.Filename, errSourceChanged, info.Size(), j.file.Size)
	}

	res, err := c.Upload(ctx, src, j.file, j.key, j.completed)
	if err != nil {
		return fmt.Errorf("upload %s: %w", j.file.Filename, err)
	}
	a.logger.Info("uploaded", "file", j.file.Filename, "key", j.key, "bytes", res.Bytes, "crc32", checksumAttr(res))
	return nil
}

func (a *app) downloadFile(ctx context.Context, c *transfer.Coordinator, j fileJob) error {
	// Never truncate below what is there: earlier blocks may already be on disk.
	dst, err := os.OpenFile(j.file.Filename, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer dst.Close()

	if err := dst.Truncate(j.file.Size); err != nil {
		return fmt.Errorf("size %s: %w", j.file.Filename, err)
	}

	res, err := c.Download(ctx, dst, j.file, j.key, j.completed)
	if err != nil {
		return fmt.Errorf("download %s: %w", j.key, err)
	}
	if err := dst.Sync(); err != nil {
		return fmt.Errorf("sync %s: %w", j.file.Filename, err)
	}
	a.logger.Info("downloaded", "key", j.key, "file", j.file.Filename, "bytes", res.Bytes, "crc32", checksumAttr(res))
	return dst.Close()
}

func checksumAttr(res *transfer.Result) string {
	if !res.HasChecksum {
		return "unverified"
	}
	return fmt.Sprintf("%08x", res.Checksum)
}

// completeFinished completes every transfer whose files are all tracked
// and all completed, and returns how many it completed.
func (a *app) completeFinished(ctx context.Context) (int, error) {
	state, err := a.store.InitRecovery(ctx)
	if err != nil {
		return 0, err
	}

	tracked := make(map[string]int)
	pending := make(map[string]bool)
	for _, f := range state.Completed {
		tracked[f.TransferID]++
	}
	for _, inc := range state.Incomplete {
		tracked[inc.File.TransferID]++
		pending[inc.File.TransferID] = true
	}

	n := 0
	for _, t := range state.Transfers {
		if pending[t.ID] || tracked[t.ID] < len(t.Files) {
			continue
		}
		if err := a.store.CompleteTransfer(ctx, t.ID); err != nil {
			return n, err
		}
		a.logger.Info("transfer complete", "transfer", t.ID, "name", t.Name, "direction", t.Direction)
		n++
	}
	return n, nil
}
