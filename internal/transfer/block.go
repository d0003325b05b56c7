package transfer

// Block is a contiguous byte range of a file.
type Block struct {
	Index  int
	Offset int64
	Size   int64
}

// Partition splits a file of size bytes into ceil(size/blockSize) blocks.
// Every block has blockSize bytes except possibly the last. A zero-byte
// file yields one empty block so that it can still be committed.
func Partition(size, blockSize int64) []Block {
	if blockSize <= 0 || size < 0 {
		return nil
	}
	if size == 0 {
		return []Block{{Index: 0, Offset: 0, Size: 0}}
	}

	n := int((size + blockSize - 1) / blockSize)
	blocks := make([]Block, n)
	for i := range blocks {
		off := int64(i) * blockSize
		blocks[i] = Block{
			Index:  i,
			Offset: off,
			Size:   min(blockSize, size-off),
		}
	}
	return blocks
}
