package nsengine

import "context"

// Signaler is the narrow claim/connect abstraction every namespace
// runs on top of (spec.md §9: create_endpoint(id) -> open|error;
// connect(id) -> channel; send/on_message/on_close). NE never touches
// a concrete transport directly, so any implementation satisfying this
// interface — QUIC-backed, in-memory, or otherwise — can drive an
// election.
type Signaler interface {
	// Claim attempts to become the exclusive holder of id. claimed is
	// false without error when id is already held by someone else —
	// spec.md's "claim refused" is a normal outcome, not an error.
	Claim(ctx context.Context, id string) (Listener, bool, error)
	// Open connects to whoever currently holds id. Returns an error
	// satisfying errors.Is(err, signaling.ErrAddressUnavailable) if
	// nobody does.
	Open(ctx context.Context, id string) (Channel, error)
}

// Listener accepts inbound Channels addressed to a claimed id.
type Listener interface {
	Accept(ctx context.Context) (Channel, error)
	ID() string
	Close() error
}

// Channel is one logical, ordered, bidirectional message stream
// between two claimed ids.
type Channel interface {
	Send(data []byte) error
	OnMessage(func(data []byte))
	OnClose(func(err error))
	Close() error
}
