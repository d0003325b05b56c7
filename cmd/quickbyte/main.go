package main

import (
	"fmt"
	"os"
)

// Exit codes
const (
	ExitSuccess         = 0
	ExitGeneralError    = 1
	ExitInvalidArgs     = 2
	ExitSourceNotAccess = 3
	ExitStorageError    = 4
	ExitRecoveryError   = 5
	ExitSourceChanged   = 6
	ExitCommitFailed    = 7
	ExitInterrupted     = 8
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		printUsage()
		return ExitInvalidArgs
	}

	command := args[0]
	cmdArgs := args[1:]

	switch command {
	case "upload":
		return runUpload(cmdArgs)
	case "resume":
		return runResume(cmdArgs)
	case "download":
		return runDownload(cmdArgs)
	case "zip":
		return runZip(cmdArgs)
	case "abandon":
		return runAbandon(cmdArgs)
	case "status":
		return runStatus(cmdArgs)
	case "help", "-h", "--help":
		printUsage()
		return ExitSuccess
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", command)
		printUsage()
		return ExitInvalidArgs
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, `Usage: quickbyte <command> [options]

Commands:
  upload    Upload local files to object storage in resumable blocks
  resume    Continue every interrupted upload and download
  download  Download an object to a local file in resumable blocks
  zip       Stream remote objects into a local zip archive
  abandon   Abort a recorded transfer and forget its progress
  status    List transfers that can be resumed

Run 'quickbyte <command> -h' for command-specific help.`)
}
