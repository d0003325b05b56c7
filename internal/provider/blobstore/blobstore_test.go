package blobstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"

	"gocloud.dev/blob"
	"gocloud.dev/blob/memblob"

	"github.com/habbes/quickbyte-sub000/internal/provider"
)

func testData(n int) []byte {
	data := make([]byte, n)
	for i := range data {
		data[i] = byte(i % 251)
	}
	return data
}

func newProvider(t *testing.T) (*Provider, *blob.Bucket) {
	t.Helper()
	bucket := memblob.OpenBucket(nil)
	p := New(bucket, nil)
	t.Cleanup(func() { p.Close() })
	return p, bucket
}

// upload stages every block of data and commits it.
func upload(t *testing.T, p *Provider, key string, data []byte, blockSize int64) provider.Session {
	t.Helper()
	ctx := context.Background()

	sess, err := p.Begin(ctx, key, int64(len(data)), blockSize)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}

	var tokens []string
	for off := int64(0); ; off += blockSize {
		end := min(off+blockSize, int64(len(data)))
		tok, err := p.StageBlock(ctx, key, sess, len(tokens), data[off:end])
		if err != nil {
			t.Fatalf("StageBlock %d: %v", len(tokens), err)
		}
		tokens = append(tokens, tok)
		if end >= int64(len(data)) {
			break
		}
	}

	if err := p.Commit(ctx, key, sess, tokens); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	return sess
}

func TestUploadCommitAndRead(t *testing.T) {
	ctx := context.Background()
	p, bucket := newProvider(t)
	data := testData(1000)

	sess := upload(t, p, "dir/file.bin", data, 256)

	raw, err := bucket.ReadAll(ctx, "dir/file.bin.manifest.json")
	if err != nil {
		t.Fatalf("read manifest: %v", err)
	}
	var m Manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		t.Fatalf("unmarshal manifest: %v", err)
	}
	if m.TotalSize != 1000 || m.ShardSize != 256 || len(m.Shards) != 4 {
		t.Fatalf("manifest = %+v", m)
	}
	if m.Shards[3].Offset != 768 || m.Shards[3].Size != 232 {
		t.Errorf("last shard = %+v", m.Shards[3])
	}
	if m.PartsPrefix != "dir/file.bin.shards/"+sess.ID+"/" {
		t.Errorf("parts prefix = %q", m.PartsPrefix)
	}

	if ok, _ := bucket.Exists(ctx, stateKey("dir/file.bin", sess.ID)); ok {
		t.Error("state should be removed after commit")
	}

	// Use a fresh provider so the manifest is loaded from the bucket.
	fresh := New(bucket, nil)
	size, err := fresh.Size(ctx, "dir/file.bin")
	if err != nil {
		t.Fatalf("Size: %v", err)
	}
	if size != 1000 {
		t.Errorf("Size = %d, want 1000", size)
	}

	// A range spanning the boundary of shards 0 and 1.
	got, err := fresh.ReadBlock(ctx, "dir/file.bin", 200, 100)
	if err != nil {
		t.Fatalf("ReadBlock: %v", err)
	}
	if !bytes.Equal(got, data[200:300]) {
		t.Error("range across shards mismatch")
	}

	all, err := fresh.ReadBlock(ctx, "dir/file.bin", 0, 1000)
	if err != nil {
		t.Fatalf("ReadBlock all: %v", err)
	}
	if !bytes.Equal(all, data) {
		t.Error("full read mismatch")
	}

	if _, err := fresh.ReadBlock(ctx, "dir/file.bin", 900, 200); err == nil {
		t.Error("expected error for range past the end")
	}
}

func TestReadPlainObject(t *testing.T) {
	ctx := context.Background()
	p, bucket := newProvider(t)
	data := testData(300)

	if err := bucket.WriteAll(ctx, "plain.bin", data, nil); err != nil {
		t.Fatalf("WriteAll: %v", err)
	}

	size, err := p.Size(ctx, "plain.bin")
	if err != nil {
		t.Fatalf("Size: %v", err)
	}
	if size != 300 {
		t.Errorf("Size = %d, want 300", size)
	}

	got, err := p.ReadBlock(ctx, "plain.bin", 100, 50)
	if err != nil {
		t.Fatalf("ReadBlock: %v", err)
	}
	if !bytes.Equal(got, data[100:150]) {
		t.Error("plain range mismatch")
	}
}

func TestEmptyObject(t *testing.T) {
	ctx := context.Background()
	p, _ := newProvider(t)

	upload(t, p, "empty.bin", nil, 64)

	size, err := p.Size(ctx, "empty.bin")
	if err != nil {
		t.Fatalf("Size: %v", err)
	}
	if size != 0 {
		t.Errorf("Size = %d, want 0", size)
	}
}

func TestCommitMissingShard(t *testing.T) {
	ctx := context.Background()
	p, _ := newProvider(t)

	sess, err := p.Begin(ctx, "f", 20, 10)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	tok, err := p.StageBlock(ctx, "f", sess, 0, testData(10))
	if err != nil {
		t.Fatalf("StageBlock: %v", err)
	}

	err = p.Commit(ctx, "f", sess, []string{tok, "never-staged"})
	if !errors.Is(err, ErrMissingShard) {
		t.Fatalf("Commit error = %v, want ErrMissingShard", err)
	}

	if err := p.Commit(ctx, "f", sess, []string{tok}); err == nil {
		t.Fatal("expected error for wrong token count")
	}
}

func TestAbortRemovesSession(t *testing.T) {
	ctx := context.Background()
	p, bucket := newProvider(t)

	sess, err := p.Begin(ctx, "f", 20, 10)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if _, err := p.StageBlock(ctx, "f", sess, 0, testData(10)); err != nil {
		t.Fatalf("StageBlock: %v", err)
	}

	if err := p.Abort(ctx, "f", sess); err != nil {
		t.Fatalf("Abort: %v", err)
	}

	iter := bucket.List(&blob.ListOptions{Prefix: "f.shards/"})
	if obj, err := iter.Next(ctx); err == nil {
		t.Fatalf("object %s left after abort", obj.Key)
	}

	err = p.Commit(ctx, "f", sess, []string{"a", "b"})
	if !errors.Is(err, provider.ErrSessionGone) {
		t.Fatalf("Commit after abort = %v, want ErrSessionGone", err)
	}
}

func TestRecommitRemovesSupersededShards(t *testing.T) {
	ctx := context.Background()
	p, bucket := newProvider(t)

	first := upload(t, p, "f", testData(30), 10)
	upload(t, p, "f", testData(15), 10)

	iter := bucket.List(&blob.ListOptions{Prefix: partsPrefix("f", first.ID)})
	if obj, err := iter.Next(ctx); err == nil {
		t.Fatalf("superseded shard %s still present", obj.Key)
	}

	size, err := p.Size(ctx, "f")
	if err != nil {
		t.Fatalf("Size: %v", err)
	}
	if size != 15 {
		t.Errorf("Size = %d, want 15", size)
	}
}

func TestRegisteredAsBlob(t *testing.T) {
	p, err := provider.Open(context.Background(), provider.KindBlob, provider.Config{Bucket: "mem://"})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer p.Close()
	if p.Kind() != provider.KindBlob {
		t.Errorf("Kind = %q", p.Kind())
	}
}
