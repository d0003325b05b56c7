package archive

import (
	"errors"
	"fmt"
	"math"
)

const (
	localHeaderLen   = 30
	centralHeaderLen = 46
	trailerLen       = 22

	// maxEntries is the largest entry count the trailer can hold.
	maxEntries = math.MaxUint16
)

var (
	// ErrTooManyEntries is returned for more than 65535 files.
	ErrTooManyEntries = errors.New("archive: too many entries")

	// ErrTooLarge is returned when a size or offset does not fit in 32 bits.
	ErrTooLarge = errors.New("archive: archive exceeds 4 GiB limits")

	// ErrInvalidName is returned for an empty name or one longer than 65535 bytes.
	ErrInvalidName = errors.New("archive: invalid entry name")
)

// File is one remote file to add to an archive.
type File struct {
	// Key locates the file in the Source.
	Key string

	// Name is the path stored in the archive.
	Name string

	Size int64
}

// Entry is the precomputed placement of one file in the archive.
type Entry struct {
	ID      string
	Name    string
	NameLen int
	Size    int64

	LocalHeaderOffset int64
	LocalHeaderSize   int64

	CentralHeaderOffset int64
	CentralHeaderSize   int64

	// CRC32 is valid once HasCRC is set, after the data has been written.
	CRC32  uint32
	HasCRC bool
}

// DataOffset is where the file's bytes start.
func (e Entry) DataOffset() int64 {
	return e.LocalHeaderOffset + e.LocalHeaderSize
}

// Trailer is the end-of-central-directory record.
type Trailer struct {
	Entries          int
	CentralDirOffset int64
	CentralDirSize   int64
	Offset           int64
	Size             int64
}

// Layout is the byte map of a whole archive.
type Layout struct {
	Entries []Entry
	Trailer Trailer

	// Size is the total archive size.
	Size int64
}

// Plan computes every offset of an archive holding files, in order. Local
// headers and data come first, then the central directory in the same
// order, then the trailer.
func Plan(files []File) (*Layout, error) {
	if len(files) > maxEntries {
		return nil, fmt.Errorf("%w: %d (max %d)", ErrTooManyEntries, len(files), maxEntries)
	}

	l := &Layout{Entries: make([]Entry, len(files))}

	var off int64
	for i, f := range files {
		n := len(f.Name)
		if n == 0 || n > math.MaxUint16 {
			return nil, fmt.Errorf("%w: entry %d %q", ErrInvalidName, i, f.Name)
		}
		if f.Size < 0 || f.Size > math.MaxUint32 {
			return nil, fmt.Errorf("%w: %s is %d bytes", ErrTooLarge, f.Name, f.Size)
		}
		if off > math.MaxUint32 {
			return nil, fmt.Errorf("%w: %s starts at %d", ErrTooLarge, f.Name, off)
		}

		e := &l.Entries[i]
		e.ID = f.Key
		e.Name = f.Name
		e.NameLen = n
		e.Size = f.Size
		e.LocalHeaderOffset = off
		e.LocalHeaderSize = int64(localHeaderLen + n)
		off += e.LocalHeaderSize + e.Size
	}

	cdOffset := off
	for i := range l.Entries {
		e := &l.Entries[i]
		e.CentralHeaderOffset = off
		e.CentralHeaderSize = int64(centralHeaderLen + e.NameLen)
		off += e.CentralHeaderSize
	}

	l.Trailer = Trailer{
		Entries:          len(files),
		CentralDirOffset: cdOffset,
		CentralDirSize:   off - cdOffset,
		Offset:           off,
		Size:             trailerLen,
	}
	if cdOffset > math.MaxUint32 || l.Trailer.CentralDirSize > math.MaxUint32 {
		return nil, fmt.Errorf("%w: central directory at %d", ErrTooLarge, cdOffset)
	}
	l.Size = off + trailerLen
	return l, nil
}
