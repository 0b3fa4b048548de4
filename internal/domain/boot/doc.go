// Package boot holds the domain vocabulary shared by the boot environment
// store, the partition selector and the installer: bootloader variable
// names, rootfs slots and the persisted update record.
package boot
