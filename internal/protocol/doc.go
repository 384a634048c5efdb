// Package protocol owns the shared data model of the stream transport.
//
// Ownership boundary:
// - peer, stream and message identifiers
// - stream promises and bandwidth units
// - application events exchanged with the session layer
// - error classes shared by codec, scheduler and session
//
// Wire encoding lives in protocol/frame, scheduling in protocol/prio and the
// per-connection send/recv halves in protocol/session.
package protocol
