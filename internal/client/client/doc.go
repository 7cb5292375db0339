// Package client contains the gRPC side of the filevault upload client.
//
// GRPCClient manages a connection, injects the access token into every
// stream via an interceptor, streams objects in chunks and maps gRPC status
// codes to sentinel errors (ErrUnavailable, ErrUnauthorized, ErrRejected)
// that callers match with errors.Is.
package client
