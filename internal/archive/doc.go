// Package archive writes uncompressed zip archives of remote files without
// holding a file, or the archive, in memory.
//
// Plan computes every header, data and trailer offset from the file names
// and sizes alone. Writer then fills the archive in any order: each file's
// local header, data blocks and central header are written at their
// offsets concurrently, and the CRC-32 is patched into both headers once
// the last block has been read. The trailer is written after every entry.
//
// Entries are STORED with UTF-8 names. ZIP64 is not supported, so archives
// are limited to 65535 entries and 32-bit offsets.
package archive
