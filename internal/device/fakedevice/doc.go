// Package fakedevice simulates a device with two rootfs slots, a redundant
// U-Boot environment and the U-Boot boot counting logic. The agent runs in
// process on image files in a directory.
package fakedevice
