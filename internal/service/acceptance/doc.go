// Package acceptance runs the acceptance scenarios against a device reached
// over the gRPC device channel and reports the results.
package acceptance
