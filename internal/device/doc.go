// Package device abstracts the channel used to drive a device under update:
// running commands, moving files and following reboots.
package device
