// Package acceptance runs end-to-end update scenarios against a device
// reached through a device channel: the in-process fake device in tests, a
// real board through the gRPC channel from the abota-acceptance command.
package acceptance
