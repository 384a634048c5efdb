package session

import "context"

// Drain writes one buffer to the underlying transport. p is only valid for the
// duration of the call; implementations copy it if they keep it.
type Drain interface {
	Send(ctx context.Context, p []byte) error
}

// Sink returns the next chunk read from the underlying transport. Chunk
// boundaries carry no meaning. The returned slice is owned by the caller.
type Sink interface {
	Recv(ctx context.Context) ([]byte, error)
}
