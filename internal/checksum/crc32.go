// Package checksum computes CRC-32 (IEEE) checksums over data that arrives
// in indexed chunks, possibly out of order.
//
// Chunks that are not yet contiguous with the folded prefix are buffered.
// Every Update folds as many buffered chunks as possible, so memory is bounded
// by the gap between the furthest chunk received and the contiguous prefix.
//
//	sum := checksum.New()
//	sum.Update(block2, 2)
//	sum.Update(block0, 0)
//	sum.Update(block1, 1)
//	crc, err := sum.Finalize()
package checksum

import (
	"errors"
	"fmt"
	"hash/crc32"
	"sync"
)

var (
	// ErrDuplicateChunk is returned when a chunk index is supplied more than once.
	ErrDuplicateChunk = errors.New("checksum: chunk supplied more than once")

	// ErrIncomplete is returned by Finalize when buffered chunks remain behind a gap.
	ErrIncomplete = errors.New("checksum: missing chunks before buffered data")
)

// CRC32 is an incremental, order-tolerant CRC-32 engine.
type CRC32 struct {
	mu      sync.Mutex
	crc     uint32
	next    int
	pending map[int][]byte
}

// New returns an empty engine.
func New() *CRC32 {
	return &CRC32{pending: make(map[int][]byte)}
}

// Update records the chunk at the given logical index.
// The buffer is copied only when it has to wait for earlier chunks.
func (c *CRC32) Update(buf []byte, index int) error {
	if index < 0 {
		return fmt.Errorf("checksum: negative chunk index %d", index)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if index < c.next {
		return fmt.Errorf("%w: index %d", ErrDuplicateChunk, index)
	}
	if _, ok := c.pending[index]; ok {
		return fmt.Errorf("%w: index %d", ErrDuplicateChunk, index)
	}

	if index == c.next {
		c.crc = crc32.Update(c.crc, crc32.IEEETable, buf)
		c.next++
		c.fold()
		return nil
	}

	c.pending[index] = append([]byte(nil), buf...)
	return nil
}

// fold consumes buffered chunks that extend the contiguous prefix.
// Must be called with c.mu held.
func (c *CRC32) fold() {
	for {
		buf, ok := c.pending[c.next]
		if !ok {
			return
		}
		c.crc = crc32.Update(c.crc, crc32.IEEETable, buf)
		delete(c.pending, c.next)
		c.next++
	}
}

// Finalize returns the checksum of every chunk supplied so far, in index order.
func (c *CRC32) Finalize() (uint32, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.fold()
	if len(c.pending) > 0 {
		return 0, fmt.Errorf("%w: next expected %d, %d chunks buffered", ErrIncomplete, c.next, len(c.pending))
	}
	return c.crc, nil
}

// Pending returns the number of chunks buffered behind a gap.
func (c *CRC32) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Folded returns the number of chunks folded into the running checksum.
func (c *CRC32) Folded() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.next
}

// Checksum returns the CRC-32 of data.
func Checksum(data []byte) uint32 {
	return crc32.ChecksumIEEE(data)
}
