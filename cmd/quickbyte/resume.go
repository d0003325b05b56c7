package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/habbes/quickbyte-sub000/internal/progress"
	"github.com/habbes/quickbyte-sub000/internal/recovery"
	"github.com/habbes/quickbyte-sub000/internal/transfer"
)

// runResume scans the recovery store and continues every incomplete file,
// skipping the blocks already done. Transfers whose files are all done are
// completed.
func runResume(args []string) int {
	fs := flag.NewFlagSet("resume", flag.ExitOnError)
	common := addCommonFlags(fs)

	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, `Usage: quickbyte resume [options]

Continue every interrupted upload and download recorded in the recovery
store. Uploads are read again from their original local paths.

Options:`)
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		return ExitInvalidArgs
	}

	cfg, err := common.load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return ExitInvalidArgs
	}

	ctx, cancel := signalContext()
	defer cancel()

	a, code := openApp(ctx, cfg, true)
	if code != ExitSuccess {
		return code
	}
	defer a.Close()

	state, err := a.store.InitRecovery(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error reading recovery store: %v\n", err)
		return ExitRecoveryError
	}

	uploads, downloads := a.recoveredJobs(state)
	if len(uploads)+len(downloads) == 0 {
		fmt.Fprintln(os.Stderr, "[quickbyte] Nothing to resume")
	} else if err := a.resumeJobs(ctx, uploads, downloads); err != nil {
		return exitCode(ctx, err)
	}

	n, err := a.completeFinished(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error completing transfers: %v\n", err)
		return ExitRecoveryError
	}
	if n > 0 {
		fmt.Fprintf(os.Stderr, "[quickbyte] Completed %d transfer(s)\n", n)
	}
	return ExitSuccess
}

// recoveredJobs splits the incomplete files by direction. Files whose
// transfer record is gone are reported and left alone.
func (a *app) recoveredJobs(state *recovery.State) (uploads, downloads []fileJob) {
	transfers := make(map[string]recovery.Transfer, len(state.Transfers))
	for _, t := range state.Transfers {
		transfers[t.ID] = t
	}

	for _, inc := range state.Incomplete {
		t, ok := transfers[inc.File.TransferID]
		if !ok {
			a.logger.Warn("file has no transfer record", "file", inc.File.ID, "transfer", inc.File.TransferID)
			continue
		}
		j := jobFor(t, inc)
		if t.Direction == recovery.Download {
			downloads = append(downloads, j)
		} else {
			uploads = append(uploads, j)
		}
	}
	return uploads, downloads
}

func (a *app) resumeJobs(ctx context.Context, uploads, downloads []fileJob) error {
	var (
		total       int64
		totalBlocks int
	)
	for _, j := range append(append([]fileJob(nil), uploads...), downloads...) {
		total += j.file.Size
		totalBlocks += j.file.NumBlocks()
	}

	sink, stop := a.startProgress("resume", progress.Options{
		Action:      "Resuming",
		Label:       fmt.Sprintf("%d upload(s), %d download(s)", len(uploads), len(downloads)),
		TotalSize:   total,
		TotalBlocks: totalBlocks,
	})
	defer stop()

	if len(uploads) > 0 {
		policy, err := transfer.ParsePolicy(a.cfg.Policy, len(uploads))
		if err != nil {
			return err
		}
		c := a.coordinator(policy, sink)
		err = a.runJobs(ctx, uploads, a.fileConcurrency(), func(ctx context.Context, j fileJob) error {
			return a.uploadFile(ctx, c, j)
		})
		if err != nil {
			return err
		}
	}

	if len(downloads) > 0 {
		policy, err := transfer.ParsePolicy(a.cfg.Policy, len(downloads))
		if err != nil {
			return err
		}
		c := a.coordinator(policy, sink)
		return a.runJobs(ctx, downloads, a.fileConcurrency(), func(ctx context.Context, j fileJob) error {
			return a.downloadFile(ctx, c, j)
		})
	}
	return nil
}
