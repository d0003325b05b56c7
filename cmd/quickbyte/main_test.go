package main

import (
	"archive/zip"
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/habbes/quickbyte-sub000/internal/recovery"
)

type cliEnv struct {
	bucket   string
	recovery string
	dir      string
}

func newCLIEnv(t *testing.T) cliEnv {
	t.Helper()
	root := t.TempDir()
	bucketDir := filepath.Join(root, "bucket")
	if err := os.MkdirAll(bucketDir, 0o755); err != nil {
		t.Fatalf("create bucket dir: %v", err)
	}
	return cliEnv{
		bucket:   "file://" + bucketDir,
		recovery: filepath.Join(root, "recovery.db"),
		dir:      root,
	}
}

func (e cliEnv) args(extra ...string) []string {
	return append([]string{
		"-bucket", e.bucket,
		"-recovery", e.recovery,
		"-block-size", "1KiB",
		"-workers", "2",
		"-concurrency", "4",
		"-log-level", "error",
	}, extra...)
}

func (e cliEnv) writeFile(t *testing.T, name string, n int) (string, []byte) {
	t.Helper()
	data := make([]byte, n)
	for i := range data {
		data[i] = byte((i*31 + 7) % 251)
	}
	p := filepath.Join(e.dir, name)
	if err := os.WriteFile(p, data, 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return p, data
}

func (e cliEnv) openStore(t *testing.T) *recovery.Store {
	t.Helper()
	repo, err := recovery.OpenSQLite(context.Background(), e.recovery)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	return recovery.NewStore(repo, recovery.DefaultOptions())
}

func (e cliEnv) transfers(t *testing.T) []recovery.Transfer {
	t.Helper()
	store := e.openStore(t)
	defer store.Close()
	ts, err := store.Transfers(context.Background())
	if err != nil {
		t.Fatalf("Transfers: %v", err)
	}
	return ts
}

func TestRunUsage(t *testing.T) {
	if code := run(nil); code != ExitInvalidArgs {
		t.Errorf("no args: exit %d, want %d", code, ExitInvalidArgs)
	}
	if code := run([]string{"help"}); code != ExitSuccess {
		t.Errorf("help: exit %d, want %d", code, ExitSuccess)
	}
	if code := run([]string{"teleport"}); code != ExitInvalidArgs {
		t.Errorf("unknown command: exit %d, want %d", code, ExitInvalidArgs)
	}
}

func TestUploadDownloadZip(t *testing.T) {
	env := newCLIEnv(t)
	pathA, dataA := env.writeFile(t, "a.bin", 5*1024+100)
	pathB, dataB := env.writeFile(t, "b.bin", 300)

	if code := runUpload(env.args("-prefix", "in", pathA, pathB)); code != ExitSuccess {
		t.Fatalf("upload failed with exit code %d", code)
	}
	if ts := env.transfers(t); len(ts) != 0 {
		t.Fatalf("expected completed upload to be forgotten, %d transfers left", len(ts))
	}

	t.Run("download", func(t *testing.T) {
		out := filepath.Join(t.TempDir(), "a.out")
		if code := runDownload(env.args("-key", "in/a.bin", "-output", out)); code != ExitSuccess {
			t.Fatalf("download failed with exit code %d", code)
		}
		got, err := os.ReadFile(out)
		if err != nil {
			t.Fatalf("read download: %v", err)
		}
		if !bytes.Equal(got, dataA) {
			t.Fatalf("downloaded data mismatch: got %d bytes, want %d", len(got), len(dataA))
		}
		if ts := env.transfers(t); len(ts) != 0 {
			t.Fatalf("expected completed download to be forgotten, %d transfers left", len(ts))
		}
	})

	t.Run("zip", func(t *testing.T) {
		out := filepath.Join(t.TempDir(), "out.zip")
		if code := runZip(env.args("-output", out, "-prefix", "in", "a.bin", "b.bin")); code != ExitSuccess {
			t.Fatalf("zip failed with exit code %d", code)
		}
		zr, err := zip.OpenReader(out)
		if err != nil {
			t.Fatalf("open archive: %v", err)
		}
		defer zr.Close()

		want := map[string][]byte{"a.bin": dataA, "b.bin": dataB}
		if len(zr.File) != len(want) {
			t.Fatalf("archive has %d entries, want %d", len(zr.File), len(want))
		}
		for _, f := range zr.File {
			rc, err := f.Open()
			if err != nil {
				t.Fatalf("open %s: %v", f.Name, err)
			}
			got, err := io.ReadAll(rc)
			rc.Close()
			if err != nil {
				t.Fatalf("read %s: %v", f.Name, err)
			}
			if !bytes.Equal(got, want[f.Name]) {
				t.Errorf("entry %s mismatch", f.Name)
			}
		}
	})

	t.Run("zip_missing_object", func(t *testing.T) {
		out := filepath.Join(t.TempDir(), "missing.zip")
		if code := runZip(env.args("-output", out, "-prefix", "in", "nope.bin")); code != ExitSourceNotAccess {
			t.Fatalf("zip of missing object: exit %d, want %d", code, ExitSourceNotAccess)
		}
	})
}

func TestUploadRejectsDuplicateNames(t *testing.T) {
	env := newCLIEnv(t)
	p, _ := env.writeFile(t, "same.bin", 10)
	other := filepath.Join(t.TempDir(), "same.bin")
	if err := os.WriteFile(other, []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if code := runUpload(env.args(p, other)); code != ExitInvalidArgs {
		t.Errorf("duplicate names: exit %d, want %d", code, ExitInvalidArgs)
	}
	if code := runUpload(env.args(filepath.Join(env.dir, "missing.bin"))); code != ExitSourceNotAccess {
		t.Errorf("missing file: exit %d, want %d", code, ExitSourceNotAccess)
	}
}

// recordUpload leaves an upload in the recovery store the way an
// interrupted run would: transfer and file recorded, no blocks done.
func recordUpload(t *testing.T, env cliEnv, prefix, path string, size int64) recovery.Transfer {
	t.Helper()
	ctx := context.Background()
	store := env.openStore(t)
	defer store.Close()

	tr := recovery.NewTransfer(prefix, 1024, []recovery.FileSpec{{Path: filepath.Base(path), Size: size}})
	if err := store.RecordTransfer(ctx, tr); err != nil {
		t.Fatalf("RecordTransfer: %v", err)
	}
	if err := store.TrackFile(ctx, recovery.NewTrackedFile(tr, path, size)); err != nil {
		t.Fatalf("TrackFile: %v", err)
	}
	return tr
}

func TestResumeFinishesRecordedUpload(t *testing.T) {
	env := newCLIEnv(t)
	p, data := env.writeFile(t, "c.bin", 3*1024+1)
	recordUpload(t, env, "later", p, int64(len(data)))

	if code := runResume(env.args()); code != ExitSuccess {
		t.Fatalf("resume failed with exit code %d", code)
	}
	if ts := env.transfers(t); len(ts) != 0 {
		t.Fatalf("expected resumed transfer to be completed, %d left", len(ts))
	}

	out := filepath.Join(t.TempDir(), "c.out")
	if code := runDownload(env.args("-key", "later/c.bin", "-output", out)); code != ExitSuccess {
		t.Fatalf("download failed with exit code %d", code)
	}
	got, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("read download: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Fatal("resumed upload does not match source")
	}

	if code := runResume(env.args()); code != ExitSuccess {
		t.Fatalf("empty resume failed with exit code %d", code)
	}
}

func TestResumeDetectsChangedSource(t *testing.T) {
	env := newCLIEnv(t)
	p, data := env.writeFile(t, "d.bin", 2048)
	recordUpload(t, env, "changed", p, int64(len(data))+1)

	if code := runResume(env.args()); code != ExitSourceChanged {
		t.Fatalf("resume of changed file: exit %d, want %d", code, ExitSourceChanged)
	}
	if ts := env.transfers(t); len(ts) != 1 {
		t.Fatalf("expected the transfer to stay recorded, %d left", len(ts))
	}
}

func TestAbandon(t *testing.T) {
	env := newCLIEnv(t)
	p, data := env.writeFile(t, "e.bin", 100)
	tr := recordUpload(t, env, "gone", p, int64(len(data)))

	if code := runAbandon(env.args("-transfer", tr.ID, "-force")); code != ExitSuccess {
		t.Fatalf("abandon failed with exit code %d", code)
	}
	if ts := env.transfers(t); len(ts) != 0 {
		t.Fatalf("expected abandoned transfer to be deleted, %d left", len(ts))
	}
	if code := runAbandon(env.args("-transfer", tr.ID, "-force")); code != ExitRecoveryError {
		t.Errorf("abandon of unknown transfer: exit %d, want %d", code, ExitRecoveryError)
	}
}

func TestPrintStatus(t *testing.T) {
	tr := recovery.NewTransfer("photos", 100, []recovery.FileSpec{
		{Path: "a.jpg", Size: 250},
		{Path: "b.jpg", Size: 100},
	})
	a := recovery.NewTrackedFile(tr, "/tmp/a.jpg", 250)
	b := recovery.NewTrackedFile(tr, "/tmp/b.jpg", 100)
	b.Completed = true

	state := &recovery.State{
		Transfers:  []recovery.Transfer{tr},
		Completed:  []recovery.TrackedFile{b},
		Incomplete: []recovery.IncompleteFile{{File: a, Blocks: map[int]string{0: "t0", 2: "t2"}}},
	}

	s := summarize(state)[tr.ID]
	if s.files != 2 || s.filesDone != 1 {
		t.Errorf("files %d/%d, want 1/2", s.filesDone, s.files)
	}
	if s.blocks != 4 || s.blocksDone != 3 {
		t.Errorf("blocks %d/%d, want 3/4", s.blocksDone, s.blocks)
	}
	// Block 2 of a is the 50-byte tail.
	if s.bytesDone != 100+50+100 {
		t.Errorf("bytes done %d, want 250", s.bytesDone)
	}

	var buf bytes.Buffer
	printStatus(&buf, state)
	out := buf.String()
	for _, want := range []string{tr.ID, "upload", "photos", "1/2", "3/4"} {
		if !strings.Contains(out, want) {
			t.Errorf("status output missing %q:\n%s", want, out)
		}
	}

	buf.Reset()
	printStatus(&buf, &recovery.State{})
	if !strings.Contains(buf.String(), "No recorded transfers") {
		t.Errorf("unexpected empty status: %q", buf.String())
	}
}
