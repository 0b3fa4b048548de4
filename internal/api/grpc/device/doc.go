// Package device exposes a device channel over gRPC and provides the
// matching client. Messages are protobuf well-known types, so no generated
// code is needed.
package device
