//go:build integration

package main

import (
	"archive/zip"
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/habbes/quickbyte-sub000/internal/testutils"
)

func TestCLIIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	// Generate test data
	files := []testutils.TestFile{
		{Name: "large.bin", Size: 12*1024*1024 + 17},
		{Name: "small.bin", Size: 1024},
	}
	for i := range files {
		files[i].Data = testutils.GenerateTestData(t, files[i].Size)
	}
	paths := testutils.WriteLocalFiles(t, t.TempDir(), files)

	// Start Minio
	t.Log("Starting Minio container...")
	minio := testutils.StartMinioContainer(t, ctx, "cli-test-bucket")
	defer func() {
		if err := minio.Close(ctx); err != nil {
			t.Logf("failed to terminate minio container: %v", err)
		}
	}()

	t.Setenv("QUICKBYTE_REGION", "us-east-1")
	t.Setenv("QUICKBYTE_ENDPOINT", "http://"+minio.Endpoint)
	t.Setenv("QUICKBYTE_ACCESS_KEY", minio.AccessKey)
	t.Setenv("QUICKBYTE_SECRET_KEY", minio.SecretKey)
	t.Setenv("QUICKBYTE_USE_PATH_STYLE", "true")

	recoveryDB := filepath.Join(t.TempDir(), "recovery.db")
	common := func(extra ...string) []string {
		return append([]string{
			"-provider", "s3",
			"-bucket", "cli-test-bucket",
			"-recovery", recoveryDB,
			"-block-size", "5MiB",
			"-log-level", "warn",
		}, extra...)
	}

	t.Run("upload", func(t *testing.T) {
		exitCode := runUpload(common(append([]string{"-prefix", "test"}, paths...)...))
		if exitCode != ExitSuccess {
			t.Fatalf("upload failed with exit code %d", exitCode)
		}
	})

	t.Run("download_to_file", func(t *testing.T) {
		tmpFile := filepath.Join(t.TempDir(), "downloaded.bin")

		exitCode := runDownload(common("-key", "test/large.bin", "-output", tmpFile, "-policy", "fixed"))
		if exitCode != ExitSuccess {
			t.Fatalf("download failed with exit code %d", exitCode)
		}

		downloaded, err := os.ReadFile(tmpFile)
		if err != nil {
			t.Fatalf("read downloaded file: %v", err)
		}
		if !bytes.Equal(downloaded, files[0].Data) {
			t.Fatalf("downloaded data mismatch: got %d bytes, want %d bytes", len(downloaded), len(files[0].Data))
		}
	})

	t.Run("zip", func(t *testing.T) {
		out := filepath.Join(t.TempDir(), "out.zip")
		exitCode := runZip(common("-output", out, "-prefix", "test", "large.bin", "small.bin"))
		if exitCode != ExitSuccess {
			t.Fatalf("zip failed with exit code %d", exitCode)
		}

		zr, err := zip.OpenReader(out)
		if err != nil {
			t.Fatalf("open archive: %v", err)
		}
		defer zr.Close()
		for i, f := range zr.File {
			rc, err := f.Open()
			if err != nil {
				t.Fatalf("open entry %s: %v", f.Name, err)
			}
			got, err := io.ReadAll(rc)
			rc.Close()
			if err != nil {
				t.Fatalf("read entry %s: %v", f.Name, err)
			}
			if f.Name != files[i].Name || !bytes.Equal(got, files[i].Data) {
				t.Errorf("entry %d: got %s (%d bytes), want %s", i, f.Name, len(got), files[i].Name)
			}
		}
	})

	t.Run("status_empty", func(t *testing.T) {
		if exitCode := runStatus(common()); exitCode != ExitSuccess {
			t.Fatalf("status failed with exit code %d", exitCode)
		}
	})
}
