// Package server runs the device-side agent service: the gRPC device channel
// and the Prometheus metrics endpoint.
package server
