// Package power reboots the device after an update step.
package power
