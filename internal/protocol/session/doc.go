// Package session owns the per-connection halves of the stream transport.
//
// Ownership boundary:
// - SendProtocol: event intake, deferred close/shutdown, timed flush
// - RecvProtocol: buffered decode, message reassembly
// - Initialize: handshake over the same halves before the session starts
// - Config, TLS policy and reconnect backoff shared by transports and binaries
//
// Both halves are generic over the Drain/Sink pair of one concrete transport
// and are each owned by a single task.
package session
