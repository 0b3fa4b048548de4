// Package bootenv implements the redundant bootloader environment.
//
// The environment is stored twice. Each copy is laid out as
//
//	[crc32 little endian: 4][counter: 1][name=value\0 ... \0][padding]
//
// with the IEEE CRC32 covering the counter and the data area. A read picks
// the valid copy with the newer counter; a write serializes the merged
// variables into the other copy only, so a power cut at any point leaves the
// previous environment intact and readable.
//
// Image holds the pure two-copy logic. Store performs the device I/O.
package bootenv
