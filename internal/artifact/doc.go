// Package artifact reads and writes update artifacts.
//
// An artifact is an uncompressed outer tar holding, in order, a version
// document, the signed checksum list (a manifest in formats 2 and 3, a single
// header checksum in format 1), an optional detached signature, a compressed
// header tarball and one compressed data tarball with the payload files.
//
// The Reader is streaming: everything up to and including the header is
// buffered by NewReader so it can be verified before the caller consumes a
// single payload byte, then payload files are handed out one at a time while
// their SHA-256 is computed on the fly.
package artifact
