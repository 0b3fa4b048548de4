// Package blockdev abstracts the raw storage the agent writes to: rootfs
// slots and boot environment regions. Devices are opened by path, accessed
// at explicit offsets and flushed with fdatasync.
//
// MemDevice is an in-memory implementation that can simulate power loss
// part-way through a write.
package blockdev
