package blobstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"gocloud.dev/blob"
	"gocloud.dev/gcerrors"
)

// Manifest describes a committed object and the shards it is assembled from.
type Manifest struct {
	TotalSize   int64       `json:"total_size"`
	ShardSize   int64       `json:"shard_size"`
	PartsPrefix string      `json:"parts_prefix"`
	Shards      []ShardInfo `json:"shards"`
	CompletedAt time.Time   `json:"completed_at"`
}

// ShardInfo describes a single shard. The index is implicit from the array
// position.
type ShardInfo struct {
	Object   string `json:"object"`
	Offset   int64  `json:"offset"`
	Size     int64  `json:"size"`
	Checksum string `json:"checksum,omitempty"`
}

// session is persisted next to the staged shards so that Commit knows the
// geometry of the object without trusting the caller.
type session struct {
	TotalSize   int64     `json:"total_size"`
	ShardSize   int64     `json:"shard_size"`
	PartsPrefix string    `json:"parts_prefix"`
	StartedAt   time.Time `json:"started_at"`
}

func manifestKey(key string) string { return key + ".manifest.json" }

func partsPrefix(key, sessionID string) string { return key + ".shards/" + sessionID + "/" }

func stateKey(key, sessionID string) string { return partsPrefix(key, sessionID) + "state.json" }

func shardName(index int) string { return fmt.Sprintf("shard-%06d", index) }

func readJSON(ctx context.Context, bucket *blob.Bucket, key string, v any) error {
	data, err := bucket.ReadAll(ctx, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("blobstore: unmarshal %s: %w", key, err)
	}
	return nil
}

func writeJSON(ctx context.Context, bucket *blob.Bucket, key string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("blobstore: marshal %s: %w", key, err)
	}
	return bucket.WriteAll(ctx, key, data, &blob.WriterOptions{ContentType: "application/json"})
}

// isNotExist returns true if the error indicates the object doesn't exist.
func isNotExist(err error) bool {
	return gcerrors.Code(err) == gcerrors.NotFound
}
