// Package recovery persists transfer progress so that an interrupted upload
// or download resumes where it stopped, even across process restarts.
//
// Three kinds of record are kept: a Transfer per batch of files, a
// TrackedFile per file and a TrackedBlock per block that finished. Records
// live behind a Repository; two implementations exist:
//
//   - SQLiteRepository, a local database whose schema is applied with
//     embedded goose migrations;
//   - BucketRepository, JSON documents in any gocloud.dev/blob bucket.
//
// # Batching
//
// Store buffers block completions per file and writes them in batches of
// Options.BatchSize, or after Options.FlushInterval, whichever comes first.
// A flush requested while one is running waits for it and then writes the
// completions that arrived in the meantime, so none are lost.
//
// # Recovery
//
// At startup, InitRecovery scans every record once:
//
//	state, err := store.InitRecovery(ctx)
//	for _, inc := range state.Incomplete {
//	    // inc.Blocks maps block index to the token recorded for it
//	}
//
// A completed transfer is removed with CompleteTransfer; an abandoned one
// with DeleteTransfer. Both remove the transfer and its files together.
package recovery
