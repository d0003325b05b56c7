package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/habbes/quickbyte-sub000/internal/progress"
	"github.com/habbes/quickbyte-sub000/internal/recovery"
	"github.com/habbes/quickbyte-sub000/internal/transfer"
)

// runUpload records a transfer for the given local files and uploads each
// of them in blocks. An interrupted upload is continued by 'resume'.
func runUpload(args []string) int {
	fs := flag.NewFlagSet("upload", flag.ExitOnError)
	common := addCommonFlags(fs)
	prefix := fs.String("prefix", "", "Key prefix the files are uploaded under")

	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, `Usage: quickbyte upload [options] <file>...

Upload local files to object storage. Each file is stored at
<prefix>/<file name>. Progress is recorded so that an interrupted upload
can be continued with 'quickbyte resume'.

Options:`)
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		return ExitInvalidArgs
	}
	if fs.NArg() == 0 {
		fmt.Fprintln(os.Stderr, "Error: at least one file is required")
		fs.Usage()
		return ExitInvalidArgs
	}

	cfg, err := common.load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return ExitInvalidArgs
	}

	paths, specs, code := statFiles(fs.Args())
	if code != ExitSuccess {
		return code
	}

	policy, err := transfer.ParsePolicy(cfg.Policy, len(paths))
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

	// Every file is tracked before the first block moves, so that resume
	// never mistakes a partly recorded transfer for a finished one.
	t := recovery.NewTransfer(*prefix, cfg.BlockSize, specs)
	if err := a.store.RecordTransfer(ctx, t); err != nil {
		fmt.Fprintf(os.Stderr, "Error recording transfer: %v\n", err)
		return ExitRecoveryError
	}
	jobs := make([]fileJob, 0, len(paths))
	totalBlocks := 0
	for i, p := range paths {
		f := recovery.NewTrackedFile(t, p, specs[i].Size)
		if err := a.store.TrackFile(ctx, f); err != nil {
			fmt.Fprintf(os.Stderr, "Error recording file: %v\n", err)
			return ExitRecoveryError
		}
		jobs = append(jobs, fileJob{transfer: t, file: f, key: uploadKey(t, f)})
		totalBlocks += f.NumBlocks()
	}

	sink, stop := a.startProgress("upload", progress.Options{
		Action:      "Uploading",
		Label:       fmt.Sprintf("%d file(s) to %s", len(jobs), cfg.Bucket),
		TotalSize:   t.TotalSize,
		TotalBlocks: totalBlocks,
	})
	c := a.coordinator(policy, sink)
	err = a.runJobs(ctx, jobs, a.fileConcurrency(), func(ctx context.Context, j fileJob) error {
		return a.uploadFile(ctx, c, j)
	})
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "[quickbyte] Transfer %s can be resumed with 'quickbyte resume'\n", t.ID)
		return exitCode(ctx, err)
	}

	if err := a.store.CompleteTransfer(ctx, t.ID); err != nil {
		fmt.Fprintf(os.Stderr, "Error completing transfer: %v\n", err)
		return ExitRecoveryError
	}

	for _, j := range jobs {
		fmt.Fprintf(os.Stderr, "[quickbyte] Uploaded %s -> %s\n", j.file.Filename, j.key)
	}
	return ExitSuccess
}

// statFiles resolves the files to upload. Directories are rejected and base
// names must be unique, since they become the object keys.
func statFiles(args []string) ([]string, []recovery.FileSpec, int) {
	paths := make([]string, 0, len(args))
	specs := make([]recovery.FileSpec, 0, len(args))
	seen := make(map[string]string)

	for _, arg := range args {
		abs, err := filepath.Abs(arg)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return nil, nil, ExitInvalidArgs
		}
		info, err := os.Stat(abs)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error accessing %s: %v\n", arg, err)
			return nil, nil, ExitSourceNotAccess
		}
		if !info.Mode().IsRegular() {
			fmt.Fprintf(os.Stderr, "Error: %s is not a regular file\n", arg)
			return nil, nil, ExitInvalidArgs
		}

		base := filepath.Base(abs)
		if other, ok := seen[base]; ok {
			fmt.Fprintf(os.Stderr, "Error: %s and %s would upload to the same key\n", other, arg)
			return nil, nil, ExitInvalidArgs
		}
		seen[base] = arg

		paths = append(paths, abs)
		specs = append(specs, recovery.FileSpec{Path: base, Size: info.Size()})
	}
	return paths, specs, ExitSuccess
}
