package progress

import (
	"bytes"
	"strings"
	"testing"
	"time"
)

func TestFormatBytes(t *testing.T) {
	tests := []struct {
		input    int64
		expected string
	}{
		{0, "0 B"},
		{100, "100 B"},
		{1024, "1.0 KiB"},
		{1536, "1.5 KiB"},
		{1024 * 1024, "1.0 MiB"},
		{256 * 1024 * 1024, "256 MiB"},
		{1024 * 1024 * 1024, "1.0 GiB"},
		{1024 * 1024 * 1024 * 1024, "1.0 TiB"},
		{2.5 * 1024 * 1024 * 1024 * 1024, "2.5 TiB"},
	}

	for _, tt := range tests {
		result := FormatBytes(tt.input)
		if result != tt.expected {
			t.Errorf("FormatBytes(%d) = %q, want %q", tt.input, result, tt.expected)
		}
	}
}

func TestParseBytes(t *testing.T) {
	tests := []struct {
		input    string
		expected int64
	}{
		{"100", 100},
		{"100B", 100},
		{"1KiB", 1024},
		{"1.5KiB", 1536},
		{"256MiB", 256 * 1024 * 1024},
		{"1GiB", 1024 * 1024 * 1024},
		{"1TiB", 1024 * 1024 * 1024 * 1024},
		// SI units
		{"1KB", 1000},
		{"1MB", 1000 * 1000},
		{"1GB", 1000 * 1000 * 1000},
	}

	for _, tt := range tests {
		result, err := ParseBytes(tt.input)
		if err != nil {
			t.Errorf("ParseBytes(%q): %v", tt.input, err)
			continue
		}
		if result != tt.expected {
			t.Errorf("ParseBytes(%q) = %d, want %d", tt.input, result, tt.expected)
		}
	}
}

func TestParseBytesInvalid(t *testing.T) {
	_, err := ParseBytes("invalid")
	if err == nil {
		t.Error("expected error for invalid input")
	}
}

func TestReporterBlockTracking(t *testing.T) {
	reporter := NewReporter(Options{
		TotalSize:      1024,
		TotalBlocks:    4,
		Workers:        2,
		UpdateInterval: 100 * time.Millisecond,
	})

	// Test block tracking without starting the reporter
	reporter.BlockStarted()
	if reporter.inProgress.Load() != 1 {
		t.Errorf("expected 1 in-progress, got %d", reporter.inProgress.Load())
	}

	reporter.BlockCompleted(256)
	if reporter.inProgress.Load() != 0 {
		t.Errorf("expected 0 in-progress after complete, got %d", reporter.inProgress.Load())
	}
	if reporter.completedBlocks.Load() != 1 {
		t.Errorf("expected 1 completed, got %d", reporter.completedBlocks.Load())
	}
	if reporter.completedBytes.Load() != 256 {
		t.Errorf("expected 256 bytes, got %d", reporter.completedBytes.Load())
	}

	reporter.BlockStarted()
	reporter.BlockRetried()
	reporter.BlockFailed()
	if reporter.inProgress.Load() != 0 {
		t.Errorf("expected 0 in-progress after fail, got %d", reporter.inProgress.Load())
	}
	if reporter.retries.Load() != 1 {
		t.Errorf("expected 1 retry, got %d", reporter.retries.Load())
	}

	reporter.BlocksSkipped(2, 512)
	if reporter.completedBlocks.Load() != 3 {
		t.Errorf("expected 3 completed after skip, got %d", reporter.completedBlocks.Load())
	}
	if reporter.completedBytes.Load() != 768 {
		t.Errorf("expected 768 bytes after skip, got %d", reporter.completedBytes.Load())
	}

	// Stop without Start must not block.
	reporter.Stop()
}

func TestReporterStartStop(t *testing.T) {
	var out bytes.Buffer
	reporter := NewReporter(Options{
		Action:         "Uploading",
		Label:          "file.bin",
		TotalSize:      1024 * 1024,
		TotalBlocks:    4,
		Workers:        2,
		UpdateInterval: 10 * time.Millisecond,
		BlockSize:      256 * 1024,
		Output:         &out,
	})

	reporter.Start()

	reporter.BlockStarted()
	reporter.BlockCompleted(256 * 1024)

	reporter.BlockStarted()
	reporter.BlockCompleted(256 * 1024)

	time.Sleep(50 * time.Millisecond) // Let updates run

	reporter.Stop()
	reporter.Stop()

	if reporter.completedBlocks.Load() != 2 {
		t.Errorf("expected 2 completed blocks, got %d", reporter.completedBlocks.Load())
	}
	if reporter.completedBytes.Load() != 512*1024 {
		t.Errorf("expected 512KiB completed, got %d", reporter.completedBytes.Load())
	}

	got := out.String()
	if !strings.Contains(got, "[quickbyte] Uploading: file.bin") {
		t.Errorf("missing header in output:\n%s", got)
	}
	if !strings.Contains(got, "Blocks: 2 of 4 completed") {
		t.Errorf("missing final status in output:\n%s", got)
	}
}

func TestMulti(t *testing.T) {
	a := NewReporter(Options{})
	b := NewReporter(Options{})
	sink := Multi(a, nil, b)

	sink.BlockStarted()
	sink.BlockCompleted(10)

	for _, r := range []*Reporter{a, b} {
		if r.completedBytes.Load() != 10 {
			t.Errorf("completed bytes = %d, want 10", r.completedBytes.Load())
		}
	}
}
