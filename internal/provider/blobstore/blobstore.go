package blobstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/gcsblob"
	_ "gocloud.dev/blob/memblob"
	_ "gocloud.dev/blob/s3blob"

	"github.com/habbes/quickbyte-sub000/internal/provider"
	"github.com/habbes/quickbyte-sub000/internal/recovery"
)

// ErrMissingShard is returned by Commit when a token refers to a shard that
// is not in the bucket.
var ErrMissingShard = errors.New("blobstore: missing shard")

func init() {
	provider.Register(provider.KindBlob, open)
}

func open(ctx context.Context, cfg provider.Config) (provider.Provider, error) {
	bucket, err := blob.OpenBucket(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("blobstore: open bucket: %w", err)
	}
	return New(bucket, cfg.Logger), nil
}

// Provider stores each block as a shard object and assembles an object on
// commit by writing a manifest that lists the shards in order.
type Provider struct {
	bucket *blob.Bucket
	logger *slog.Logger

	mu        sync.Mutex
	manifests map[string]*Manifest
}

// New returns a provider on bucket. The provider closes bucket in Close.
func New(bucket *blob.Bucket, logger *slog.Logger) *Provider {
	if logger == nil {
		logger = slog.Default()
	}
	return &Provider{
		bucket:    bucket,
		logger:    logger,
		manifests: make(map[string]*Manifest),
	}
}

func (p *Provider) Kind() provider.Kind { return provider.KindBlob }

// Begin records the geometry of a new upload under a fresh session id.
func (p *Provider) Begin(ctx context.Context, key string, size, blockSize int64) (provider.Session, error) {
	if blockSize <= 0 {
		return provider.Session{}, errors.New("blobstore: block size must be positive")
	}
	id := uuid.NewString()
	s := session{
		TotalSize:   size,
		ShardSize:   blockSize,
		PartsPrefix: partsPrefix(key, id),
		StartedAt:   time.Now().UTC(),
	}
	if err := writeJSON(ctx, p.bucket, stateKey(key, id), s); err != nil {
		return provider.Session{}, fmt.Errorf("blobstore: write state: %w", err)
	}
	return provider.Session{ID: id}, nil
}

// StageBlock writes the block as a shard object. The token is the SHA-256
// of the block.
func (p *Provider) StageBlock(ctx context.Context, key string, sess provider.Session, index int, data []byte) (string, error) {
	path := partsPrefix(key, sess.ID) + shardName(index)
	if err := p.bucket.WriteAll(ctx, path, data, nil); err != nil {
		return "", fmt.Errorf("blobstore: write shard %d: %w", index, err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// Commit verifies every shard exists with the expected size, then writes
// the manifest. Shards of a previously committed version of the object are
// removed afterwards.
func (p *Provider) Commit(ctx context.Context, key string, sess provider.Session, tokens []string) error {
	var s session
	if err := readJSON(ctx, p.bucket, stateKey(key, sess.ID), &s); err != nil {
		if isNotExist(err) {
			return fmt.Errorf("blobstore: read state: %w: %w", provider.ErrSessionGone, err)
		}
		return fmt.Errorf("blobstore: read state: %w", err)
	}

	n := recovery.NumBlocks(s.TotalSize, s.ShardSize)
	if len(tokens) != n {
		return fmt.Errorf("blobstore: commit with %d tokens, object has %d blocks", len(tokens), n)
	}

	m := Manifest{
		TotalSize:   s.TotalSize,
		ShardSize:   s.ShardSize,
		PartsPrefix: s.PartsPrefix,
		Shards:      make([]ShardInfo, n),
	}
	for i := 0; i < n; i++ {
		offset := int64(i) * s.ShardSize
		size := min(s.ShardSize, s.TotalSize-offset)
		if size < 0 {
			size = 0
		}

		attrs, err := p.bucket.Attributes(ctx, s.PartsPrefix+shardName(i))
		if err != nil {
			if isNotExist(err) {
				return fmt.Errorf("%w: %d", ErrMissingShard, i)
			}
			return fmt.Errorf("blobstore: stat shard %d: %w", i, err)
		}
		if attrs.Size != size {
			return fmt.Errorf("blobstore: shard %d has %d bytes, want %d", i, attrs.Size, size)
		}

		m.Shards[i] = ShardInfo{
			Object:   shardName(i),
			Offset:   offset,
			Size:     size,
			Checksum: tokens[i],
		}
	}

	previous, err := p.readManifest(ctx, key)
	if err != nil {
		return err
	}

	m.CompletedAt = time.Now().UTC()
	if err := writeJSON(ctx, p.bucket, manifestKey(key), m); err != nil {
		return fmt.Errorf("blobstore: write manifest: %w", err)
	}

	p.mu.Lock()
	p.manifests[key] = &m
	p.mu.Unlock()

	if err := p.bucket.Delete(ctx, stateKey(key, sess.ID)); err != nil && !isNotExist(err) {
		return fmt.Errorf("blobstore: delete state: %w", err)
	}

	if previous != nil && previous.PartsPrefix != m.PartsPrefix {
		if err := p.deletePrefix(ctx, previous.PartsPrefix); err != nil {
			p.logger.Warn("failed to remove superseded shards", "key", key, "error", err)
		}
	}
	return nil
}

// Abort removes the session state and every shard staged under it.
func (p *Provider) Abort(ctx context.Context, key string, sess provider.Session) error {
	return p.deletePrefix(ctx, partsPrefix(key, sess.ID))
}

func (p *Provider) deletePrefix(ctx context.Context, prefix string) error {
	iter := p.bucket.List(&blob.ListOptions{Prefix: prefix})
	for {
		obj, err := iter.Next(ctx)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("blobstore: list %s: %w", prefix, err)
		}
		if err := p.bucket.Delete(ctx, obj.Key); err != nil && !isNotExist(err) {
			return fmt.Errorf("blobstore: delete %s: %w", obj.Key, err)
		}
	}
}

// readManifest returns the manifest of key, or nil if the object was not
// written by this provider.
func (p *Provider) readManifest(ctx context.Context, key string) (*Manifest, error) {
	p.mu.Lock()
	m, ok := p.manifests[key]
	p.mu.Unlock()
	if ok {
		return m, nil
	}

	var loaded Manifest
	if err := readJSON(ctx, p.bucket, manifestKey(key), &loaded); err != nil {
		if isNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("blobstore: read manifest: %w", err)
	}

	p.mu.Lock()
	p.manifests[key] = &loaded
	p.mu.Unlock()
	return &loaded, nil
}

// Size returns the size recorded in the manifest, or the size of a plain
// object when there is none.
func (p *Provider) Size(ctx context.Context, key string) (int64, error) {
	m, err := p.readManifest(ctx, key)
	if err != nil {
		return 0, err
	}
	if m != nil {
		return m.TotalSize, nil
	}
	attrs, err := p.bucket.Attributes(ctx, key)
	if err != nil {
		return 0, fmt.Errorf("blobstore: stat %s: %w", key, err)
	}
	return attrs.Size, nil
}

// ReadBlock reads a byte range. Ranges of sharded objects are resolved
// through the manifest and may span shards.
func (p *Provider) ReadBlock(ctx context.Context, key string, offset, length int64) ([]byte, error) {
	if length <= 0 {
		return []byte{}, nil
	}
	m, err := p.readManifest(ctx, key)
	if err != nil {
		return nil, err
	}
	if m == nil {
		return p.readRange(ctx, key, offset, length)
	}

	if offset < 0 || offset+length > m.TotalSize {
		return nil, fmt.Errorf("blobstore: range %d+%d outside object of %d bytes", offset, length, m.TotalSize)
	}

	out := make([]byte, 0, length)
	end := offset + length
	for _, s := range m.Shards {
		shardEnd := s.Offset + s.Size
		if shardEnd <= offset || s.Offset >= end {
			continue
		}
		from := max(offset, s.Offset)
		to := min(end, shardEnd)
		data, err := p.readRange(ctx, m.PartsPrefix+s.Object, from-s.Offset, to-from)
		if err != nil {
			return nil, err
		}
		out = append(out, data...)
	}
	return out, nil
}

func (p *Provider) readRange(ctx context.Context, path string, offset, length int64) ([]byte, error) {
	r, err := p.bucket.NewRangeReader(ctx, path, offset, length, nil)
	if err != nil {
		return nil, fmt.Errorf("blobstore: open %s: %w", path, err)
	}
	defer r.Close()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("blobstore: read %s: %w", path, err)
	}
	if int64(len(data)) != length {
		return nil, fmt.Errorf("blobstore: read %s: got %d bytes at offset %d, want %d", path, len(data), offset, length)
	}
	return data, nil
}

// Close closes the bucket.
func (p *Provider) Close() error {
	return p.bucket.Close()
}
