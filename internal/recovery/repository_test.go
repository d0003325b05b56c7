package recovery

import (
	"context"
	"errors"
	"sort"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocloud.dev/blob/memblob"
)

// repositories returns a fresh instance of every Repository implementation.
func repositories(t *testing.T) map[string]Repository {
	t.Helper()
	ctx := context.Background()

	sqliteRepo, err := OpenSQLite(ctx, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqliteRepo.Close() })

	bucketRepo := NewBucketRepository(memblob.OpenBucket(nil))
	t.Cleanup(func() { _ = bucketRepo.Close() })

	return map[string]Repository{
		"sqlite": sqliteRepo,
		"bucket": bucketRepo,
	}
}

func sampleTransfer() Transfer {
	return NewTransfer("holiday", 4, []FileSpec{
		{Path: "photos/a.jpg", Size: 10},
		{Path: "photos/b.jpg", Size: 6},
		{Path: "notes.txt", Size: 3},
	})
}

func TestRepositoryTransferRoundTrip(t *testing.T) {
	for name, repo := range repositories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			tr := sampleTransfer()

			require.NoError(t, repo.PutTransfer(ctx, tr))
			// idempotent
			require.NoError(t, repo.PutTransfer(ctx, tr))

			got, err := repo.GetTransfer(ctx, tr.ID)
			require.NoError(t, err)
			if diff := cmp.Diff(tr, got); diff != "" {
				t.Fatalf("transfer mismatch (-want +got):\n%s", diff)
			}

			all, err := repo.ListTransfers(ctx)
			require.NoError(t, err)
			assert.Len(t, all, 1)

			_, err = repo.GetTransfer(ctx, "missing")
			assert.True(t, errors.Is(err, ErrNotFound), "got %v", err)
		})
	}
}

func TestRepositoryTransferDirection(t *testing.T) {
	for name, repo := range repositories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			up := sampleTransfer()
			down := NewTransfer("videos/raw.mov", 4, []FileSpec{{Path: "videos/raw.mov", Size: 9}})
			down.Direction = Download

			require.NoError(t, repo.PutTransfer(ctx, up))
			require.NoError(t, repo.PutTransfer(ctx, down))

			got, err := repo.GetTransfer(ctx, up.ID)
			require.NoError(t, err)
			assert.Equal(t, Upload, got.Direction)

			got, err = repo.GetTransfer(ctx, down.ID)
			require.NoError(t, err)
			assert.Equal(t, Download, got.Direction)
		})
	}
}

func TestRepositoryFileSessionUpdate(t *testing.T) {
	for name, repo := range repositories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			tr := sampleTransfer()
			f := NewTrackedFile(tr, "photos/a.jpg", 10)

			require.NoError(t, repo.PutFile(ctx, f))

			f.ProviderSessionID = "upload-1"
			f.ProviderParts = []Part{{Index: 0, Size: 4, URL: "https://example.test/0"}}
			require.NoError(t, repo.PutFile(ctx, f))

			got, err := repo.GetFile(ctx, f.ID)
			require.NoError(t, err)
			if diff := cmp.Diff(f, got); diff != "" {
				t.Fatalf("file mismatch (-want +got):\n%s", diff)
			}

			_, err = repo.GetFile(ctx, "missing")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestRepositoryBlocksReplaceSameIndex(t *testing.T) {
	for name, repo := range repositories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			f := NewTrackedFile(sampleTransfer(), "notes.txt", 3)
			require.NoError(t, repo.PutFile(ctx, f))

			first := TrackedBlock{ID: "b1", Index: 0, FileID: f.ID, Token: "etag-1"}
			require.NoError(t, repo.PutBlocks(ctx, []TrackedBlock{first}))
			// Same record again is harmless.
			require.NoError(t, repo.PutBlocks(ctx, []TrackedBlock{first}))
			// A re-uploaded block replaces the earlier token.
			require.NoError(t, repo.PutBlocks(ctx, []TrackedBlock{{ID: "b2", Index: 0, FileID: f.ID, Token: "etag-2"}}))

			blocks, err := repo.ListBlocks(ctx)
			require.NoError(t, err)
			require.Len(t, blocks, 1)
			assert.Equal(t, "etag-2", blocks[0].Token)
		})
	}
}

func TestRepositoryCompleteFileDropsBlocks(t *testing.T) {
	for name, repo := range repositories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			tr := sampleTransfer()
			a := NewTrackedFile(tr, "photos/a.jpg", 10)
			b := NewTrackedFile(tr, "photos/b.jpg", 6)
			require.NoError(t, repo.PutFile(ctx, a))
			require.NoError(t, repo.PutFile(ctx, b))

			require.NoError(t, repo.PutBlocks(ctx, []TrackedBlock{
				{ID: "a0", Index: 0, FileID: a.ID, Token: "x"},
				{ID: "a1", Index: 1, FileID: a.ID, Token: "y"},
				{ID: "b0", Index: 0, FileID: b.ID, Token: "z"},
			}))

			require.NoError(t, repo.CompleteFile(ctx, a.ID))

			got, err := repo.GetFile(ctx, a.ID)
			require.NoError(t, err)
			assert.True(t, got.Completed)

			blocks, err := repo.ListBlocks(ctx)
			require.NoError(t, err)
			require.Len(t, blocks, 1)
			assert.Equal(t, b.ID, blocks[0].FileID)

			assert.ErrorIs(t, repo.CompleteFile(ctx, "missing"), ErrNotFound)
		})
	}
}

func TestRepositoryResetFile(t *testing.T) {
	for name, repo := range repositories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			tr := sampleTransfer()
			a := NewTrackedFile(tr, "photos/a.jpg", 10)
			a.ProviderSessionID = "upload-1"
			a.ProviderParts = []Part{{Index: 0, Size: 4, URL: "https://example.test/0"}}
			b := NewTrackedFile(tr, "photos/b.jpg", 6)
			require.NoError(t, repo.PutFile(ctx, a))
			require.NoError(t, repo.PutFile(ctx, b))
			require.NoError(t, repo.PutBlocks(ctx, []TrackedBlock{
				{ID: "a0", Index: 0, FileID: a.ID, Token: "x"},
				{ID: "b0", Index: 0, FileID: b.ID, Token: "z"},
			}))

			require.NoError(t, repo.ResetFile(ctx, a.ID))

			got, err := repo.GetFile(ctx, a.ID)
			require.NoError(t, err)
			assert.Empty(t, got.ProviderSessionID)
			assert.Empty(t, got.ProviderParts)
			assert.False(t, got.Completed)

			blocks, err := repo.ListBlocks(ctx)
			require.NoError(t, err)
			require.Len(t, blocks, 1)
			assert.Equal(t, b.ID, blocks[0].FileID)

			assert.ErrorIs(t, repo.ResetFile(ctx, "missing"), ErrNotFound)
		})
	}
}

func TestRepositoryDeleteTransfer(t *testing.T) {
	for name, repo := range repositories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			keep := sampleTransfer()
			gone := sampleTransfer()
			require.NoError(t, repo.PutTransfer(ctx, keep))
			require.NoError(t, repo.PutTransfer(ctx, gone))

			kf := NewTrackedFile(keep, "notes.txt", 3)
			gf := NewTrackedFile(gone, "notes.txt", 3)
			require.NoError(t, repo.PutFile(ctx, kf))
			require.NoError(t, repo.PutFile(ctx, gf))
			require.NoError(t, repo.PutBlocks(ctx, []TrackedBlock{
				{ID: "k0", Index: 0, FileID: kf.ID, Token: "k"},
				{ID: "g0", Index: 0, FileID: gf.ID, Token: "g"},
			}))

			require.NoError(t, repo.DeleteTransfer(ctx, gone.ID))

			transfers, err := repo.ListTransfers(ctx)
			require.NoError(t, err)
			require.Len(t, transfers, 1)
			assert.Equal(t, keep.ID, transfers[0].ID)

			files, err := repo.ListFiles(ctx)
			require.NoError(t, err)
			require.Len(t, files, 1)
			assert.Equal(t, kf.ID, files[0].ID)

			blocks, err := repo.ListBlocks(ctx)
			require.NoError(t, err)
			require.Len(t, blocks, 1)
			assert.Equal(t, kf.ID, blocks[0].FileID)
		})
	}
}

func TestNewTransferSummaries(t *testing.T) {
	tr := sampleTransfer()

	assert.NotEmpty(t, tr.ID)
	assert.Equal(t, int64(19), tr.TotalSize)

	want := []DirectorySummary{
		{Name: "notes.txt", TotalSize: 3, TotalFiles: 1},
		{Name: "photos", TotalSize: 16, TotalFiles: 2},
	}
	if diff := cmp.Diff(want, tr.Directories); diff != "" {
		t.Fatalf("directories mismatch (-want +got):\n%s", diff)
	}
}

func TestNumBlocks(t *testing.T) {
	tests := []struct {
		size, block int64
		want        int
	}{
		{0, 4, 1},
		{1, 4, 1},
		{4, 4, 1},
		{5, 4, 2},
		{10, 4, 3},
		{10, 0, 0},
	}
	for _, tt := range tests {
		if got := NumBlocks(tt.size, tt.block); got != tt.want {
			t.Errorf("NumBlocks(%d, %d) = %d, want %d", tt.size, tt.block, got, tt.want)
		}
	}
}

func blockIndices(m map[int]string) []int {
	out := make([]int, 0, len(m))
	for i := range m {
		out = append(out, i)
	}
	sort.Ints(out)
	return out
}
