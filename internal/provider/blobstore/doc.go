// Package blobstore is the "blob" provider: blocks are staged as shard
// objects in any gocloud.dev/blob bucket (s3://, gs://, file://, mem://)
// and an object is committed by writing a manifest that lists its shards.
//
// # Storage Layout
//
// For an object "backups/db.tar" staged under session S:
//
//	backups/db.tar.shards/S/state.json     (session geometry, removed on commit)
//	backups/db.tar.shards/S/shard-000000
//	backups/db.tar.shards/S/shard-000001
//	...
//	backups/db.tar.manifest.json           (written on commit)
//
// # Manifest Format
//
//	{
//	  "total_size": 10737418240,
//	  "shard_size": 268435456,
//	  "parts_prefix": "backups/db.tar.shards/S/",
//	  "shards": [
//	    {"object": "shard-000000", "offset": 0, "size": 268435456, "checksum": "sha256..."}
//	  ],
//	  "completed_at": "2024-01-15T10:30:00Z"
//	}
//
// Block tokens are the SHA-256 of the block and end up as the shard
// checksums. Reads of an object with a manifest are resolved shard by
// shard; objects without one are read directly with range reads.
package blobstore
