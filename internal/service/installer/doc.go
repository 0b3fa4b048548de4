// Package installer orchestrates updates: it installs an artifact into the
// passive slot, commits a tested slot and records a rollback request.
//
// Only one operation runs at a time across processes, guarded by a marker
// file in the state directory. The artifact header is verified before a
// single payload byte is written and the boot environment is only touched
// once the payload is fully written and its checksum verified.
package installer
