// Package transfer moves files between local storage and a provider in
// fixed-size blocks.
//
// A file of S bytes with block size B is split into ceil(S/B) blocks. Each
// block is transferred independently, retried on network failure, recorded
// with its provider token, and optionally folded into a whole-file CRC-32.
// Once every block has a token the upload is committed.
//
// # Usage
//
//	c := transfer.NewCoordinator(p, store, transfer.Options{
//	    Policy: transfer.PolicyFor(len(files)),
//	    Verify: true,
//	})
//	res, err := c.Upload(ctx, f, tracked, key, completedBlocks)
//
// # Scheduling
//
// FixedWorkers runs W goroutines; worker w owns blocks w, w+W, w+2W and so
// on. MaxParallel queues every block on a taskqueue.Pool sized to the
// transport limit and waits on a join.Tracker.
//
// # Resume
//
// Blocks listed in the completed map are skipped but counted toward
// progress. If a file already has a provider session it is reused, so the
// skipped tokens stay valid for the commit.
package transfer
