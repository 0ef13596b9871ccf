// Package transport defines the narrow send/receive surface every
// other component programs against, and a QUIC-backed implementation
// of it. No component above this package ever imports quic-go
// directly (spec.md §4.3: "any datagram-capable transport with
// connect/send/on_message/on_close satisfies NE").
package transport

import (
	"context"
	"errors"
)

// ErrClosed is returned by Send/Connect once the endpoint has been closed.
var ErrClosed = errors.New("transport: endpoint closed")

// Handler is invoked once per inbound message on a given peer address.
// Implementations must not block for long — QUICEndpoint delivers on
// the goroutine reading the inbound stream, MemoryEndpoint on the
// sender's goroutine.
type Handler func(peerAddr string, data []byte)

// CloseHandler is invoked when a connection to peerAddr is torn down,
// whether by the remote side, a network error, or an explicit local Close.
type CloseHandler func(peerAddr string, reason error)

// Endpoint is a single local listening/dialing identity on the
// overlay. One Endpoint typically backs one Node.
type Endpoint interface {
	// Connect establishes (or reuses) an outbound connection to addr,
	// returning once it is ready to Send on. Safe to call concurrently
	// with an in-flight Connect to the same addr.
	Connect(ctx context.Context, addr string) error
	// Send writes data to addr, dialing first if there is no live
	// connection. It does not wait for the peer to Read.
	Send(ctx context.Context, addr string, data []byte) error
	// OnMessage installs the inbound message handler. Messages that
	// arrive while no handler is installed are dropped.
	OnMessage(h Handler)
	// OnClose installs the connection-teardown handler.
	OnClose(h CloseHandler)
	// LocalAddr reports the address this endpoint listens on.
	LocalAddr() string
	// Close tears down the listener and all live connections.
	Close() error
}
