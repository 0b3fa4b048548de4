// Package verify decides whether an update artifact may be installed.
//
// Verification is split in two: Evidence is gathered from the artifact
// (signature, key, header and payload checksums, device compatibility) and
// Decide maps it to a Decision through a fixed table. Decide is pure, so the
// whole table can be enumerated in tests independently of any artifact.
//
// The header phase completes before a single payload byte is written; the
// payload checksum is folded in afterwards by Verifier.Finish.
package verify
