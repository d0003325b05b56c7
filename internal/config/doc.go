// Package config defines configuration structures for the quickbyte CLI.
//
// Configuration can be provided via:
//   - Command-line flags
//   - Environment variables (QUICKBYTE_ prefix)
//   - YAML configuration file
//
// Flags override the environment, which overrides the file.
//
// # Example
//
//	provider: s3
//	bucket: uploads
//	endpoint: http://localhost:9000
//	use_path_style: true
//	recovery: /var/lib/quickbyte/recovery.db
//	block_size: 16MiB
//	batch_size: 5
//	flush_interval: 5s
//	retry:
//	  attempts: 0
//	  backoff: 1s
//	  max_backoff: 30s
//
// Recovery is either a SQLite database path or a blob bucket URL such as
// file:///var/lib/quickbyte or s3://bucket-name.
package config
