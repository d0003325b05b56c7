package recovery

import (
	"path"
	"sort"
	"strings"

	"github.com/google/uuid"
)

// FileSpec describes one file of a transfer.
type FileSpec struct {
	Path string `json:"path"`
	Size int64  `json:"size"`
}

// DirectorySummary aggregates the files under one top-level directory.
type DirectorySummary struct {
	Name       string `json:"name"`
	TotalSize  int64  `json:"totalSize"`
	TotalFiles int    `json:"totalFiles"`
}

// Direction says which way a transfer moves bytes.
type Direction string

const (
	Upload   Direction = "upload"
	Download Direction = "download"
)

// Transfer identifies a batch upload or download. It is read-only once recorded.
type Transfer struct {
	ID          string             `json:"id"`
	Name        string             `json:"name"`
	Direction   Direction          `json:"direction"`
	TotalSize   int64              `json:"totalSize"`
	BlockSize   int64              `json:"blockSize"`
	Files       []FileSpec         `json:"files"`
	Directories []DirectorySummary `json:"directories"`
}

// Part is a provider-issued, pre-authorized upload slot for one block.
type Part struct {
	Index int    `json:"index"`
	Size  int64  `json:"size"`
	URL   string `json:"url"`
}

// TrackedFile is the block-level tracking record for one file of a transfer.
type TrackedFile struct {
	ID                string `json:"id"`
	TransferID        string `json:"transfer"`
	Filename          string `json:"filename"`
	Size              int64  `json:"size"`
	BlockSize         int64  `json:"blockSize"`
	Completed         bool   `json:"completed,omitempty"`
	ProviderSessionID string `json:"providerSessionId,omitempty"`
	ProviderParts     []Part `json:"providerParts,omitempty"`
}

// NumBlocks returns ceil(Size/BlockSize), with a minimum of one block.
func (f TrackedFile) NumBlocks() int {
	return NumBlocks(f.Size, f.BlockSize)
}

// TrackedBlock records one successfully transferred block. It is never mutated.
type TrackedBlock struct {
	ID     string `json:"id"`
	Index  int    `json:"index"`
	FileID string `json:"file"`
	Token  string `json:"token"`
}

// IncompleteFile is a file that still has blocks to transfer, together with
// the tokens of the blocks already done, keyed by block index.
type IncompleteFile struct {
	File   TrackedFile
	Blocks map[int]string
}

// State is the result of one recovery scan.
type State struct {
	Transfers  []Transfer
	Completed  []TrackedFile
	Incomplete []IncompleteFile
}

// NumBlocks returns the number of blocks for a file of the given size.
// Empty files still occupy a single, empty block.
func NumBlocks(size, blockSize int64) int {
	if blockSize <= 0 {
		return 0
	}
	if size <= 0 {
		return 1
	}
	return int((size + blockSize - 1) / blockSize)
}

// NewTransfer builds a transfer record with a fresh id, the total size, and
// one summary per top-level directory. Files at the root are summarised
// under their own name.
func NewTransfer(name string, blockSize int64, files []FileSpec) Transfer {
	t := Transfer{
		ID:        uuid.NewString(),
		Name:      name,
		Direction: Upload,
		BlockSize: blockSize,
		Files:     append([]FileSpec(nil), files...),
	}

	dirs := make(map[string]*DirectorySummary)
	for _, f := range files {
		t.TotalSize += f.Size

		top := topLevel(f.Path)
		d, ok := dirs[top]
		if !ok {
			d = &DirectorySummary{Name: top}
			dirs[top] = d
		}
		d.TotalSize += f.Size
		d.TotalFiles++
	}

	for _, d := range dirs {
		t.Directories = append(t.Directories, *d)
	}
	sort.Slice(t.Directories, func(i, j int) bool {
		return t.Directories[i].Name < t.Directories[j].Name
	})
	return t
}

func topLevel(p string) string {
	p = strings.TrimLeft(path.Clean(strings.ReplaceAll(p, "\\", "/")), "/")
	if i := strings.IndexByte(p, '/'); i >= 0 {
		return p[:i]
	}
	return p
}

// NewTrackedFile returns a tracking record for a file of transfer t.
func NewTrackedFile(t Transfer, filename string, size int64) TrackedFile {
	return TrackedFile{
		ID:         uuid.NewString(),
		TransferID: t.ID,
		Filename:   filename,
		Size:       size,
		BlockSize:  t.BlockSize,
	}
}
