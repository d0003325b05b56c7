package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path"
	"path/filepath"

	"github.com/habbes/quickbyte-sub000/internal/progress"
	"github.com/habbes/quickbyte-sub000/internal/recovery"
	"github.com/habbes/quickbyte-sub000/internal/retry"
	"github.com/habbes/quickbyte-sub000/internal/transfer"
)

// runDownload reads an object from object storage into a local file block
// by block. Running it again with the same key and output continues an
// interrupted download.
func runDownload(args []string) int {
	fs := flag.NewFlagSet("download", flag.ExitOnError)
	common := addCommonFlags(fs)
	key := fs.String("key", "", "Object key to download (required)")
	output := fs.String("output", "", "Output file path (required)")

	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, `Usage: quickbyte download [options]

Download an object to a local file in blocks. Progress is recorded, so
running the same command again continues where it stopped.

Options:`)
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		return ExitInvalidArgs
	}
	if *key == "" || *output == "" {
		fmt.Fprintln(os.Stderr, "Error: -key and -output are required")
		fs.Usage()
		return ExitInvalidArgs
	}

	cfg, err := common.load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return ExitInvalidArgs
	}
	out, err := filepath.Abs(*output)
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

	j, err := a.downloadJob(ctx, *key, out)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error preparing download: %v\n", err)
		return ExitSourceNotAccess
	}
	if n := len(j.completed); n > 0 {
		fmt.Fprintf(os.Stderr, "[quickbyte] Resuming download, %d of %d blocks done\n", n, j.file.NumBlocks())
	}

	policy, err := transfer.ParsePolicy(cfg.Policy, 1)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return ExitInvalidArgs
	}

	sink, stop := a.startProgress("download", progress.Options{
		Action:      "Downloading",
		Label:       *key,
		TotalSize:   j.file.Size,
		TotalBlocks: j.file.NumBlocks(),
	})
	err = a.downloadFile(ctx, a.coordinator(policy, sink), j)
	stop()
	if err != nil {
		return exitCode(ctx, err)
	}

	if err := a.store.CompleteTransfer(ctx, j.transfer.ID); err != nil {
		fmt.Fprintf(os.Stderr, "Error completing transfer: %v\n", err)
		return ExitRecoveryError
	}

	fmt.Fprintf(os.Stderr, "[quickbyte] Download complete: %s -> %s\n", *key, out)
	return ExitSuccess
}

// downloadJob finds a recorded, unfinished download of key into out, or
// records a new one sized from the object.
func (a *app) downloadJob(ctx context.Context, key, out string) (fileJob, error) {
	state, err := a.store.InitRecovery(ctx)
	if err != nil {
		return fileJob{}, err
	}
	for _, t := range state.Transfers {
		if t.Direction != recovery.Download || t.Name != key {
			continue
		}
		for _, inc := range state.Incomplete {
			if inc.File.TransferID == t.ID && inc.File.Filename == out {
				return jobFor(t, inc), nil
			}
		}
	}

	var size int64
	retryOpts := a.cfg.RetryOptions()
	retryOpts.Logger = a.logger
	err = retry.Do(ctx, retryOpts, "size "+key, func(ctx context.Context) error {
		var err error
		size, err = a.provider.Size(ctx, key)
		return err
	})
	if err != nil {
		return fileJob{}, err
	}

	t := recovery.NewTransfer(key, a.cfg.BlockSize, []recovery.FileSpec{{Path: path.Base(key), Size: size}})
	t.Direction = recovery.Download
	if err := a.store.RecordTransfer(ctx, t); err != nil {
		return fileJob{}, err
	}
	f := recovery.NewTrackedFile(t, out, size)
	if err := a.store.TrackFile(ctx, f); err != nil {
		return fileJob{}, err
	}
	return fileJob{transfer: t, file: f, key: key}, nil
}
