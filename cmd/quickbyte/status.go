package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/habbes/quickbyte-sub000/internal/progress"
	"github.com/habbes/quickbyte-sub000/internal/recovery"
)

// runStatus prints the transfers in the recovery store with how far each
// one got.
func runStatus(args []string) int {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	common := addCommonFlags(fs)

	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, `Usage: quickbyte status [options]

List the transfers recorded in the recovery store.

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

	printStatus(os.Stdout, state)
	return ExitSuccess
}

type transferStatus struct {
	files, filesDone   int
	blocks, blocksDone int
	bytesDone          int64
}

func summarize(state *recovery.State) map[string]*transferStatus {
	out := make(map[string]*transferStatus, len(state.Transfers))
	get := func(id string) *transferStatus {
		s, ok := out[id]
		if !ok {
			s = &transferStatus{}
			out[id] = s
		}
		return s
	}

	for _, f := range state.Completed {
		s := get(f.TransferID)
		s.files++
		s.filesDone++
		s.blocks += f.NumBlocks()
		s.blocksDone += f.NumBlocks()
		s.bytesDone += f.Size
	}
	for _, inc := range state.Incomplete {
		s := get(inc.File.TransferID)
		s.files++
		s.blocks += inc.File.NumBlocks()
		s.blocksDone += len(inc.Blocks)
		for i := range inc.Blocks {
			s.bytesDone += blockLen(inc.File, i)
		}
	}
	return out
}

func blockLen(f recovery.TrackedFile, index int) int64 {
	off := int64(index) * f.BlockSize
	return max(0, min(f.BlockSize, f.Size-off))
}

func printStatus(w io.Writer, state *recovery.State) {
	if len(state.Transfers) == 0 {
		fmt.Fprintln(w, "No recorded transfers")
		return
	}

	summary := summarize(state)
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tDIRECTION\tNAME\tFILES\tBLOCKS\tDONE")
	for _, t := range state.Transfers {
		s := summary[t.ID]
		if s == nil {
			s = &transferStatus{}
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d/%d\t%d/%d\t%s / %s\n",
			t.ID, t.Direction, t.Name,
			s.filesDone, len(t.Files),
			s.blocksDone, s.blocks,
			progress.FormatBytes(s.bytesDone), progress.FormatBytes(t.TotalSize))
	}
	tw.Flush()
}
