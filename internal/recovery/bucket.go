package recovery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"gocloud.dev/blob"
	"gocloud.dev/gcerrors"
)

const (
	transfersPrefix = "transfers/"
	filesPrefix     = "files/"
	blocksPrefix    = "blocks/"
)

// BucketRepository stores recovery records as JSON documents in a bucket.
// Any gocloud.dev/blob driver works; fileblob gives a local store that
// survives restarts.
//
// Layout:
//
//	transfers/{id}.json
//	files/{id}.json
//	blocks/{fileID}/{index}.json
type BucketRepository struct {
	bucket *blob.Bucket
}

// NewBucketRepository returns a repository writing to bucket. The
// repository takes ownership of the bucket and closes it in Close.
func NewBucketRepository(bucket *blob.Bucket) *BucketRepository {
	return &BucketRepository{bucket: bucket}
}

// OpenBucket opens the bucket at url (for example "file:///var/lib/quickbyte")
// and returns a repository backed by it.
func OpenBucket(ctx context.Context, url string) (*BucketRepository, error) {
	b, err := blob.OpenBucket(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("open recovery bucket: %w", err)
	}
	return NewBucketRepository(b), nil
}

func transferKey(id string) string { return transfersPrefix + id + ".json" }
func fileKey(id string) string     { return filesPrefix + id + ".json" }

func blockKey(fileID string, index int) string {
	return blocksPrefix + fileID + "/" + strconv.Itoa(index) + ".json"
}

func (r *BucketRepository) put(ctx context.Context, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	opts := &blob.WriterOptions{ContentType: "application/json"}
	if err := r.bucket.WriteAll(ctx, key, data, opts); err != nil {
		return fmt.Errorf("write %s: %w", key, err)
	}
	return nil
}

func (r *BucketRepository) get(ctx context.Context, key string, v any) error {
	data, err := r.bucket.ReadAll(ctx, key)
	if err != nil {
		if gcerrors.Code(err) == gcerrors.NotFound {
			return ErrNotFound
		}
		return fmt.Errorf("read %s: %w", key, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode %s: %w", key, err)
	}
	return nil
}

func (r *BucketRepository) delete(ctx context.Context, key string) error {
	if err := r.bucket.Delete(ctx, key); err != nil && gcerrors.Code(err) != gcerrors.NotFound {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

// keys lists every object key under prefix.
func (r *BucketRepository) keys(ctx context.Context, prefix string) ([]string, error) {
	var out []string
	iter := r.bucket.List(&blob.ListOptions{Prefix: prefix})
	for {
		obj, err := iter.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("list %s: %w", prefix, err)
		}
		if obj.IsDir || !strings.HasSuffix(obj.Key, ".json") {
			continue
		}
		out = append(out, obj.Key)
	}
	return out, nil
}

func (r *BucketRepository) PutTransfer(ctx context.Context, t Transfer) error {
	return r.put(ctx, transferKey(t.ID), t)
}

func (r *BucketRepository) GetTransfer(ctx context.Context, id string) (Transfer, error) {
	var t Transfer
	if err := r.get(ctx, transferKey(id), &t); err != nil {
		if errors.Is(err, ErrNotFound) {
			return Transfer{}, fmt.Errorf("transfer %s: %w", id, ErrNotFound)
		}
		return Transfer{}, err
	}
	return t, nil
}

func (r *BucketRepository) ListTransfers(ctx context.Context) ([]Transfer, error) {
	keys, err := r.keys(ctx, transfersPrefix)
	if err != nil {
		return nil, err
	}
	out := make([]Transfer, 0, len(keys))
	for _, key := range keys {
		var t Transfer
		if err := r.get(ctx, key, &t); err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

// DeleteTransfer removes blocks first, then files, then the transfer
// document. An interrupted delete leaves the transfer visible so that the
// next abandon or completion finishes the job.
func (r *BucketRepository) DeleteTransfer(ctx context.Context, id string) error {
	files, err := r.ListFiles(ctx)
	if err != nil {
		return err
	}
	for _, f := range files {
		if f.TransferID != id {
			continue
		}
		if err := r.deleteBlocks(ctx, f.ID); err != nil {
			return err
		}
		if err := r.delete(ctx, fileKey(f.ID)); err != nil {
			return err
		}
	}
	return r.delete(ctx, transferKey(id))
}

func (r *BucketRepository) PutFile(ctx context.Context, f TrackedFile) error {
	return r.put(ctx, fileKey(f.ID), f)
}

func (r *BucketRepository) GetFile(ctx context.Context, id string) (TrackedFile, error) {
	var f TrackedFile
	if err := r.get(ctx, fileKey(id), &f); err != nil {
		if errors.Is(err, ErrNotFound) {
			return TrackedFile{}, fmt.Errorf("file %s: %w", id, ErrNotFound)
		}
		return TrackedFile{}, err
	}
	return f, nil
}

func (r *BucketRepository) ListFiles(ctx context.Context) ([]TrackedFile, error) {
	keys, err := r.keys(ctx, filesPrefix)
	if err != nil {
		return nil, err
	}
	out := make([]TrackedFile, 0, len(keys))
	for _, key := range keys {
		var f TrackedFile
		if err := r.get(ctx, key, &f); err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return nil, err
		}
		out = append(out, f)
	}
	return out, nil
}

func (r *BucketRepository) PutBlocks(ctx context.Context, blocks []TrackedBlock) error {
	for _, b := range blocks {
		if err := r.put(ctx, blockKey(b.FileID, b.Index), b); err != nil {
			return err
		}
	}
	return nil
}

func (r *BucketRepository) ListBlocks(ctx context.Context) ([]TrackedBlock, error) {
	keys, err := r.keys(ctx, blocksPrefix)
	if err != nil {
		return nil, err
	}
	out := make([]TrackedBlock, 0, len(keys))
	for _, key := range keys {
		var b TrackedBlock
		if err := r.get(ctx, key, &b); err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return nil, err
		}
		out = append(out, b)
	}
	return out, nil
}

func (r *BucketRepository) CompleteFile(ctx context.Context, id string) error {
	f, err := r.GetFile(ctx, id)
	if err != nil {
		return err
	}
	f.Completed = true
	if err := r.PutFile(ctx, f); err != nil {
		return err
	}
	return r.deleteBlocks(ctx, id)
}

func (r *BucketRepository) ResetFile(ctx context.Context, id string) error {
	f, err := r.GetFile(ctx, id)
	if err != nil {
		return err
	}
	if err := r.deleteBlocks(ctx, id); err != nil {
		return err
	}
	f.ProviderSessionID = ""
	f.ProviderParts = nil
	return r.PutFile(ctx, f)
}

func (r *BucketRepository) deleteBlocks(ctx context.Context, fileID string) error {
	keys, err := r.keys(ctx, blocksPrefix+fileID+"/")
	if err != nil {
		return err
	}
	for _, key := range keys {
		if err := r.delete(ctx, key); err != nil {
			return err
		}
	}
	return nil
}

func (r *BucketRepository) Close() error {
	return r.bucket.Close()
}
