package transport

import (
	"context"
	"sync"
)

// memoryHub wires MemoryEndpoints together in-process by address, used
// by higher-level package tests that need a real Endpoint without
// opening UDP sockets (spec.md testable properties S1-S6 exercise NE/
// IR/RS/GS logic, not the transport itself).
type memoryHub struct {
	mu        sync.Mutex
	endpoints map[string]*MemoryEndpoint
}

func newMemoryHub() *memoryHub {
	return &memoryHub{endpoints: make(map[string]*MemoryEndpoint)}
}

// MemoryEndpoint is a loopback Endpoint backed by a shared hub instead
// of a network socket.
type MemoryEndpoint struct {
	addr string
	hub  *memoryHub

	mu      sync.Mutex
	onMsg   Handler
	onClose CloseHandler
	closed  bool
}

// NewMemoryNetwork creates a set of interconnected MemoryEndpoints
// sharing one hub, indexed by the addrs given.
func NewMemoryNetwork(addrs ...string) map[string]*MemoryEndpoint {
	hub := newMemoryHub()
	out := make(map[string]*MemoryEndpoint, len(addrs))
	for _, a := range addrs {
		ep := &MemoryEndpoint{addr: a, hub: hub}
		hub.endpoints[a] = ep
		out[a] = ep
	}
	return out
}

func (e *MemoryEndpoint) LocalAddr() string { return e.addr }

func (e *MemoryEndpoint) OnMessage(h Handler) {
	e.mu.Lock()
	e.onMsg = h
	e.mu.Unlock()
}

func (e *MemoryEndpoint) OnClose(h CloseHandler) {
	e.mu.Lock()
	e.onClose = h
	e.mu.Unlock()
}

func (e *MemoryEndpoint) Connect(ctx context.Context, addr string) error {
	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return ErrClosed
	}
	e.hub.mu.Lock()
	_, ok := e.hub.endpoints[addr]
	e.hub.mu.Unlock()
	if !ok {
		return ErrNoSuchPeer
	}
	return nil
}

func (e *MemoryEndpoint) Send(ctx context.Context, addr string, data []byte) error {
	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return ErrClosed
	}
	e.hub.mu.Lock()
	peer, ok := e.hub.endpoints[addr]
	e.hub.mu.Unlock()
	if !ok {
		return ErrNoSuchPeer
	}
	peer.mu.Lock()
	h := peer.onMsg
	peerClosed := peer.closed
	peer.mu.Unlock()
	if peerClosed {
		return ErrClosed
	}
	if h != nil {
		h(e.addr, append([]byte(nil), data...))
	}
	return nil
}

func (e *MemoryEndpoint) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	h := e.onClose
	e.mu.Unlock()
	e.hub.mu.Lock()
	delete(e.hub.endpoints, e.addr)
	e.hub.mu.Unlock()
	if h != nil {
		h(e.addr, ErrClosed)
	}
	return nil
}

var _ Endpoint = (*MemoryEndpoint)(nil)
