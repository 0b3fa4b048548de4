// Package partition selects which rootfs slot boots next and writes images
// into slots.
//
// The Selector never stores partition state. It derives it on every call
// from the redundant boot environment:
//
//	Stable       upgrade_available=0                mender_boot_part=active
//	PendingTest  upgrade_available=1, bootcount=0   mender_boot_part=candidate
//	Testing      upgrade_available=1, bootcount>=1  mender_boot_part=active
//
// Reverting after too many failed boots is the bootloader's job.
package partition
