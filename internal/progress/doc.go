// Package progress reports transfer progress to people and to Prometheus.
//
// Transfers emit block-level events to a Sink. Reporter renders them as
// human-readable progress lines; Metrics counts them as Prometheus series.
// Multi combines several sinks.
//
// # Usage
//
//	reporter := progress.NewReporter(progress.Options{
//	    Action:      "Uploading",
//	    Label:       "backup.tar",
//	    TotalSize:   totalBytes,
//	    TotalBlocks: numBlocks,
//	})
//	reporter.Start()
//	defer reporter.Stop()
//
//	sink := progress.Multi(reporter, metrics.Sink("upload"))
//
// # Output Format
//
//	[quickbyte] Uploading: backup.tar
//	[quickbyte] Total size: 2.5 TiB | Blocks: 10240 x 256 MiB | Workers: 16
//	[quickbyte] Progress: 45.2% | 1.1 TiB / 2.5 TiB | Speed: 1.2 GiB/s | ETA: 18m 32s
//	[quickbyte] Blocks: 4628 completed | 16 in-progress | 5596 pending | 0 retries
package progress
