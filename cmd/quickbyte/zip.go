package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path"

	"github.com/habbes/quickbyte-sub000/internal/archive"
	"github.com/habbes/quickbyte-sub000/internal/progress"
	"github.com/habbes/quickbyte-sub000/internal/retry"
)

// runZip streams remote objects into an uncompressed zip archive. Entries
// are written at precomputed offsets, so blocks of every entry may arrive
// in any order.
func runZip(args []string) int {
	fs := flag.NewFlagSet("zip", flag.ExitOnError)
	common := addCommonFlags(fs)
	output := fs.String("output", "", "Archive path to write (required)")
	prefix := fs.String("prefix", "", "Key prefix the names are read from")

	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, `Usage: quickbyte zip [options] <name>...

Write the objects <prefix>/<name> into a zip archive. Each entry is stored
under <name> without compression.

Options:`)
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		return ExitInvalidArgs
	}
	if *output == "" || fs.NArg() == 0 {
		fmt.Fprintln(os.Stderr, "Error: -output and at least one name are required")
		fs.Usage()
		return ExitInvalidArgs
	}

	cfg, err := common.load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return ExitInvalidArgs
	}

	ctx, cancel := signalContext()
	defer cancel()

	a, code := openApp(ctx, cfg, false)
	if code != ExitSuccess {
		return code
	}
	defer a.Close()

	files, err := a.archiveFiles(ctx, *prefix, fs.Args())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error reading object sizes: %v\n", err)
		return ExitSourceNotAccess
	}
	layout, err := archive.Plan(files)
	if err != nil {
		return exitCode(ctx, err)
	}

	out, err := os.Create(*output)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error creating archive: %v\n", err)
		return ExitGeneralError
	}
	defer out.Close()

	var total int64
	blocks := 0
	for _, f := range files {
		total += f.Size
		blocks += int(max(1, (f.Size+cfg.BlockSize-1)/cfg.BlockSize))
	}
	sink, stop := a.startProgress("archive", progress.Options{
		Action:      "Archiving",
		Label:       fmt.Sprintf("%d object(s) into %s", len(files), *output),
		TotalSize:   total,
		TotalBlocks: blocks,
	})

	retryOpts := cfg.RetryOptions()
	retryOpts.Logger = a.logger
	w := archive.NewWriter(out, a.provider, archive.Options{
		BlockSize:        cfg.BlockSize,
		BlockConcurrency: cfg.Workers,
		FileConcurrency:  a.fileConcurrency(),
		Retry:            retryOpts,
		Progress:         sink,
		Logger:           a.logger,
	})
	_, err = w.Write(ctx, files)
	stop()
	if err != nil {
		return exitCode(ctx, err)
	}
	if err := out.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "Error closing archive: %v\n", err)
		return ExitGeneralError
	}

	fmt.Fprintf(os.Stderr, "[quickbyte] Archive complete: %s (%d entries, %s)\n",
		*output, len(layout.Entries), progress.FormatBytes(layout.Size))
	return ExitSuccess
}

func (a *app) archiveFiles(ctx context.Context, prefix string, names []string) ([]archive.File, error) {
	retryOpts := a.cfg.RetryOptions()
	retryOpts.Logger = a.logger

	files := make([]archive.File, 0, len(names))
	for _, name := range names {
		key := path.Join(prefix, name)
		var size int64
		err := retry.Do(ctx, retryOpts, "size "+key, func(ctx context.Context) error {
			var err error
			size, err = a.provider.Size(ctx, key)
			return err
		})
		if err != nil {
			return nil, fmt.Errorf("%s: %w", key, err)
		}
		files = append(files, archive.File{Key: key, Name: name, Size: size})
	}
	return files, nil
}
