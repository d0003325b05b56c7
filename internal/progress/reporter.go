package progress

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Sink receives block-level progress events from transfers. Implementations
// must be safe for concurrent use.
type Sink interface {
	BlockStarted()
	BlockCompleted(bytes int64)
	BlockFailed()
	BlockRetried()
	// BlocksSkipped reports blocks a resumed transfer did not need to move.
	BlocksSkipped(n int, bytes int64)
}

// Nop discards every event.
type Nop struct{}

func (Nop) BlockStarted() {}
func (Nop) BlockCompleted(int64) {}
func (Nop) BlockFailed() {}
func (Nop) BlockRetried() {}
func (Nop) BlocksSkipped(int, int64) {}

// Multi fans events out to several sinks.
func Multi(sinks ...Sink) Sink {
	out := make(multi, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	return out
}

type multi []Sink

func (m multi) BlockStarted() {
	for _, s := range m {
		s.BlockStarted()
	}
}

func (m multi) BlockCompleted(bytes int64) {
	for _, s := range m {
		s.BlockCompleted(bytes)
	}
}

func (m multi) BlockFailed() {
	for _, s := range m {
		s.BlockFailed()
	}
}

func (m multi) BlockRetried() {
	for _, s := range m {
		s.BlockRetried()
	}
}

func (m multi) BlocksSkipped(n int, bytes int64) {
	for _, s := range m {
		s.BlocksSkipped(n, bytes)
	}
}

// Options configures the progress reporter.
type Options struct {
	// Action is the verb shown in the header, e.g. "Uploading".
	Action string

	// Label names what is being transferred (for display).
	Label string

	// TotalSize is the total size in bytes to transfer.
	TotalSize int64

	// TotalBlocks is the total number of blocks.
	TotalBlocks int

	// BlockSize is the size of each block (for display).
	BlockSize int64

	// Workers is the number of parallel workers.
	Workers int

	// Output is where to write progress output.
	// Default: os.Stdout
	Output io.Writer

	// UpdateInterval is how often to update the progress display.
	// Default: 500ms
	UpdateInterval time.Duration
}

// Reporter outputs human-readable progress information.
type Reporter struct {
	opts Options

	mu              sync.Mutex
	completedBytes  atomic.Int64
	completedBlocks atomic.Int32
	inProgress      atomic.Int32
	retries         atomic.Int32
	startTime       time.Time
	lastUpdate      time.Time
	lastBytes       int64
	stopCh          chan struct{}
	doneCh          chan struct{}
	started         bool
	stopped         bool
}

// NewReporter creates a new progress reporter.
func NewReporter(opts Options) *Reporter {
	if opts.Output == nil {
		opts.Output = os.Stdout
	}
	if opts.UpdateInterval == 0 {
		opts.UpdateInterval = 500 * time.Millisecond
	}
	if opts.Action == "" {
		opts.Action = "Transferring"
	}

	return &Reporter{
		opts:   opts,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Start begins outputting progress information.
func (r *Reporter) Start() {
	r.mu.Lock()
	r.started = true
	r.startTime = time.Now()
	r.lastUpdate = r.startTime
	r.mu.Unlock()

	fmt.Fprintf(r.opts.Output, "[quickbyte] %s: %s\n", r.opts.Action, r.opts.Label)
	fmt.Fprintf(r.opts.Output, "[quickbyte] Total size: %s | Blocks: %d x %s | Workers: %d\n",
		formatBytes(r.opts.TotalSize),
		r.opts.TotalBlocks,
		formatBytes(r.opts.BlockSize),
		r.opts.Workers,
	)

	go r.updateLoop()
}

// Stop stops the progress reporter and prints the final status.
func (r *Reporter) Stop() {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
	r.stopped = true
	started := r.started
	r.mu.Unlock()

	close(r.stopCh)
	if started {
		<-r.doneCh
	}
}

// BlockStarted marks a block as in progress.
func (r *Reporter) BlockStarted() {
	r.inProgress.Add(1)
}

// BlockCompleted marks a block as completed.
func (r *Reporter) BlockCompleted(bytes int64) {
	r.completedBytes.Add(bytes)
	r.completedBlocks.Add(1)
	r.inProgress.Add(-1)
}

// BlockFailed marks a block as failed (removes from in-progress).
func (r *Reporter) BlockFailed() {
	r.inProgress.Add(-1)
}

// BlockRetried counts a retried network failure.
func (r *Reporter) BlockRetried() {
	r.retries.Add(1)
}

// BlocksSkipped counts blocks that were already done as completed.
func (r *Reporter) BlocksSkipped(n int, bytes int64) {
	r.completedBytes.Add(bytes)
	r.completedBlocks.Add(int32(n))

	// Resumed bytes should not show up as speed.
	r.mu.Lock()
	r.lastBytes += bytes
	r.mu.Unlock()
}

// updateLoop periodically updates the progress display.
func (r *Reporter) updateLoop() {
	defer close(r.doneCh)

	ticker := time.NewTicker(r.opts.UpdateInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			r.printFinalStatus()
			return
		case <-ticker.C:
			r.printProgress()
		}
	}
}

// printProgress outputs the current progress.
func (r *Reporter) printProgress() {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	completed := r.completedBytes.Load()
	completedBlocks := int(r.completedBlocks.Load())
	inProgress := int(r.inProgress.Load())

	elapsed := now.Sub(r.lastUpdate).Seconds()
	if elapsed < 0.1 {
		elapsed = 0.1
	}
	speed := float64(completed-r.lastBytes) / elapsed
	if speed < 0 {
		speed = 0
	}

	r.lastUpdate = now
	r.lastBytes = completed

	var percent float64
	eta := "calculating..."
	if r.opts.TotalSize > 0 {
		percent = float64(completed) / float64(r.opts.TotalSize) * 100
		if speed > 0 {
			remaining := float64(r.opts.TotalSize - completed)
			eta = formatDuration(time.Duration(remaining / speed * float64(time.Second)))
		}
	}

	pending := r.opts.TotalBlocks - completedBlocks - inProgress
	if pending < 0 {
		pending = 0
	}

	fmt.Fprintf(r.opts.Output, "\r[quickbyte] Progress: %.1f%% | %s / %s | Speed: %s/s | ETA: %s    ",
		percent,
		formatBytes(completed),
		formatBytes(r.opts.TotalSize),
		formatBytes(int64(speed)),
		eta,
	)
	fmt.Fprintf(r.opts.Output, "\n[quickbyte] Blocks: %d completed | %d in-progress | %d pending | %d retries    \033[A",
		completedBlocks,
		inProgress,
		pending,
		r.retries.Load(),
	)
}

// printFinalStatus outputs the final status.
func (r *Reporter) printFinalStatus() {
	completed := r.completedBytes.Load()
	completedBlocks := int(r.completedBlocks.Load())
	duration := time.Since(r.startTime)
	avgSpeed := float64(completed) / max(duration.Seconds(), 0.001)

	var percent float64 = 100
	if r.opts.TotalSize > 0 {
		percent = float64(completed) / float64(r.opts.TotalSize) * 100
	}

	fmt.Fprintf(r.opts.Output, "\r[quickbyte] Progress: %.1f%% | %s / %s | Speed: %s/s    \n",
		percent,
		formatBytes(completed),
		formatBytes(r.opts.TotalSize),
		formatBytes(int64(avgSpeed)),
	)
	fmt.Fprintf(r.opts.Output, "[quickbyte] Blocks: %d of %d completed | %d retries    \n",
		completedBlocks,
		r.opts.TotalBlocks,
		r.retries.Load(),
	)
	fmt.Fprintf(r.opts.Output, "[quickbyte] Total time: %s | Average speed: %s/s\n",
		formatDuration(duration),
		formatBytes(int64(avgSpeed)),
	)
}

var units = []string{"B", "KiB", "MiB", "GiB", "TiB"}

// formatBytes formats bytes as a human-readable IEC string.
func formatBytes(b int64) string {
	if b < 1024 {
		return fmt.Sprintf("%d B", b)
	}
	v := float64(b)
	i := 0
	for v >= 1024 && i < len(units)-1 {
		v /= 1024
		i++
	}
	if v >= 100 {
		return fmt.Sprintf("%.0f %s", v, units[i])
	}
	return fmt.Sprintf("%.1f %s", v, units[i])
}

// formatDuration formats a duration as a human-readable string.
func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%.0fs", d.Seconds())
	}
	if d < time.Hour {
		m := int(d.Minutes())
		s := int(d.Seconds()) % 60
		return fmt.Sprintf("%dm %ds", m, s)
	}
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	return fmt.Sprintf("%dh %dm %ds", h, m, s)
}

// FormatBytes is exported for use by other packages.
func FormatBytes(b int64) string {
	return formatBytes(b)
}

// ParseBytes parses a human-readable byte string. IEC suffixes (KiB, MiB,
// GiB, TiB) are powers of 1024, SI suffixes (KB, MB, GB, TB) powers of 1000.
func ParseBytes(s string) (int64, error) {
	str := strings.ToUpper(strings.TrimSpace(s))

	suffixes := []struct {
		suffix     string
		multiplier int64
	}{
		{"TIB", 1 << 40},
		{"GIB", 1 << 30},
		{"MIB", 1 << 20},
		{"KIB", 1 << 10},
		{"TB", 1000 * 1000 * 1000 * 1000},
		{"GB", 1000 * 1000 * 1000},
		{"MB", 1000 * 1000},
		{"KB", 1000},
		{"B", 1},
	}

	var multiplier int64 = 1
	for _, sfx := range suffixes {
		if strings.HasSuffix(str, sfx.suffix) {
			multiplier = sfx.multiplier
			str = strings.TrimSpace(strings.TrimSuffix(str, sfx.suffix))
			break
		}
	}

	var value float64
	if _, err := fmt.Sscanf(str, "%f", &value); err != nil || value < 0 {
		return 0, fmt.Errorf("invalid byte string: %s", s)
	}

	return int64(value * float64(multiplier)), nil
}
