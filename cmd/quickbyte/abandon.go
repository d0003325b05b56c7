package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/habbes/quickbyte-sub000/internal/provider"
	"github.com/habbes/quickbyte-sub000/internal/recovery"
)

// runAbandon aborts the open provider sessions of a transfer and deletes its
// records, so that resume no longer picks it up.
func runAbandon(args []string) int {
	fs := flag.NewFlagSet("abandon", flag.ExitOnError)
	common := addCommonFlags(fs)
	id := fs.String("transfer", "", "Transfer ID to abandon (required)")
	force := fs.Bool("force", false, "Skip confirmation prompt")

	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, `Usage: quickbyte abandon [options]

Abort a recorded transfer. Staged upload blocks are discarded and the
transfer is removed from the recovery store. Partly downloaded files are
left in place.

Options:`)
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		return ExitInvalidArgs
	}
	if *id == "" {
		fmt.Fprintln(os.Stderr, "Error: -transfer is required")
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

	a, code := openApp(ctx, cfg, true)
	if code != ExitSuccess {
		return code
	}
	defer a.Close()

	t, err := a.store.Transfer(ctx, *id)
	if err != nil {
		return exitCode(ctx, err)
	}
	files, err := a.store.Files(ctx, t.ID)
	if err != nil {
		return exitCode(ctx, err)
	}

	if !*force {
		fmt.Fprintf(os.Stderr, "Abandon %s transfer %s (%q, %d file(s))? [y/N] ", t.Direction, t.ID, t.Name, len(files))
		reader := bufio.NewReader(os.Stdin)
		response, _ := reader.ReadString('\n')
		response = strings.TrimSpace(strings.ToLower(response))
		if response != "y" && response != "yes" {
			fmt.Fprintln(os.Stderr, "Aborted")
			return ExitSuccess
		}
	}

	if t.Direction != recovery.Download {
		for _, f := range files {
			if f.Completed || f.ProviderSessionID == "" {
				continue
			}
			key := uploadKey(t, f)
			sess := provider.Session{ID: f.ProviderSessionID, Parts: f.ProviderParts}
			if err := a.provider.Abort(ctx, key, sess); err != nil {
				fmt.Fprintf(os.Stderr, "Error aborting upload of %s: %v\n", key, err)
				return ExitStorageError
			}
			a.logger.Info("aborted upload session", "key", key, "session", f.ProviderSessionID)
		}
	}

	if err := a.store.DeleteTransfer(ctx, t.ID); err != nil {
		fmt.Fprintf(os.Stderr, "Error deleting transfer: %v\n", err)
		return ExitRecoveryError
	}

	fmt.Fprintf(os.Stderr, "[quickbyte] Abandoned transfer %s\n", t.ID)
	return ExitSuccess
}
