// Package signaling implements the narrow "signaling/transport
// library" spec.md §1 names as an out-of-scope external collaborator
// and §9 asks every implementation to abstract behind
// create_endpoint/connect/send/on_message/on_close. It multiplexes
// many logical, claimable ids (router ids, discovery ids, peer-slot
// ids) onto one transport.Endpoint per node, using a shared Directory
// as the id → address binding authority a real deployment would run
// as its own small broker service.
package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/veilmesh/peerlink/internal/nsengine"
	"github.com/veilmesh/peerlink/internal/transport"
)

// ErrAddressTaken mirrors spec.md §7's AddressTaken signaling error:
// Claim found the id already held by someone else.
var ErrAddressTaken = errors.New("signaling: address taken")

// ErrAddressUnavailable mirrors AddressUnavailable: Open found no
// current holder for id.
var ErrAddressUnavailable = errors.New("signaling: address unavailable")

// Directory is the id → address binding authority. In a real
// deployment this is the external signaling service spec.md §1 treats
// as out of scope; here it is an in-process shared table so a single
// peerlink process (or a test) can run many simulated nodes against
// one directory, and so a small standalone broker process could serve
// the same role over the wire with the identical Claim/Lookup/Release
// contract.
type Directory struct {
	mu      sync.Mutex
	byID    map[string]string // id -> holder address
}

func NewDirectory() *Directory {
	return &Directory{byID: make(map[string]string)}
}

// Claim binds id to addr if unclaimed or already held by addr
// (idempotent re-claim). Returns false without error if some other
// address holds it — spec.md's "claim refused (id-taken)" is a normal
// outcome, not an error.
func (d *Directory) Claim(id, addr string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if holder, ok := d.byID[id]; ok && holder != addr {
		return false
	}
	d.byID[id] = addr
	return true
}

func (d *Directory) Lookup(id string) (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	addr, ok := d.byID[id]
	return addr, ok
}

func (d *Directory) Release(id, addr string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if holder, ok := d.byID[id]; ok && holder == addr {
		delete(d.byID, id)
	}
}

// envelope wraps every signaling-layer payload with the logical id it
// targets, since many ids share one physical transport.Endpoint.
type envelope struct {
	TargetID string `json:"target_id"`
	FromID   string `json:"from_id,omitempty"`
	Payload  []byte `json:"payload"`
}

type channelKey struct {
	peerAddr string
	localID  string
}

// Signaler implements the nsengine.Signaler/Listener/Channel contract
// (spec.md §9's create_endpoint/connect/send/on_message/on_close) atop
// one transport.Endpoint and a shared Directory.
type Signaler struct {
	ep  transport.Endpoint
	dir *Directory

	mu        sync.Mutex
	listeners map[string]*Listener              // localID -> listener
	channels  map[channelKey]*Channel            // (peerAddr, localID) -> open channel
	pending   map[string]chan *Channel           // localID -> queue of inbound accepts (buffered channel)
}

// New wraps ep for use against dir. Multiple Signalers can share one
// Directory to simulate multiple directory-aware nodes in one process.
func New(ep transport.Endpoint, dir *Directory) *Signaler {
	s := &Signaler{
		ep:        ep,
		dir:       dir,
		listeners: make(map[string]*Listener),
		channels:  make(map[channelKey]*Channel),
		pending:   make(map[string]chan *Channel),
	}
	ep.OnMessage(s.handleMessage)
	return s
}

func (s *Signaler) handleMessage(peerAddr string, data []byte) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return
	}
	key := channelKey{peerAddr: peerAddr, localID: env.TargetID}
	s.mu.Lock()
	ch, ok := s.channels[key]
	if !ok {
		if _, isListening := s.listeners[env.TargetID]; !isListening {
			s.mu.Unlock()
			return
		}
		ch = &Channel{s: s, peerAddr: peerAddr, localID: env.TargetID, remoteID: env.FromID}
		s.channels[key] = ch
		pendingCh := s.pending[env.TargetID]
		s.mu.Unlock()
		select {
		case pendingCh <- ch:
		default:
		}
	} else {
		s.mu.Unlock()
	}
	ch.deliver(env.Payload)
}

// Claim attempts to become the exclusive holder of id.
func (s *Signaler) Claim(ctx context.Context, id string) (nsengine.Listener, bool, error) {
	if ctx.Err() != nil {
		return nil, false, ctx.Err()
	}
	if !s.dir.Claim(id, s.ep.LocalAddr()) {
		return nil, false, nil
	}
	s.mu.Lock()
	l := &Listener{s: s, id: id}
	s.listeners[id] = l
	s.pending[id] = make(chan *Channel, 32)
	s.mu.Unlock()
	return l, true, nil
}

// Open connects to whoever currently holds id.
func (s *Signaler) Open(ctx context.Context, id string) (nsengine.Channel, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	addr, ok := s.dir.Lookup(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAddressUnavailable, id)
	}
	if err := s.ep.Connect(ctx, addr); err != nil {
		return nil, err
	}
	localID := "outbound:" + id
	key := channelKey{peerAddr: addr, localID: localID}
	ch := &Channel{s: s, peerAddr: addr, localID: localID, remoteID: id, outbound: true}
	s.mu.Lock()
	s.channels[key] = ch
	s.mu.Unlock()
	return ch, nil
}

// Listener accepts inbound Channels addressed to a claimed id.
type Listener struct {
	s  *Signaler
	id string
}

func (l *Listener) ID() string { return l.id }

// Accept blocks until a peer opens a channel to this listener's id, or
// ctx is done.
func (l *Listener) Accept(ctx context.Context) (nsengine.Channel, error) {
	l.s.mu.Lock()
	pendingCh := l.s.pending[l.id]
	l.s.mu.Unlock()
	if pendingCh == nil {
		return nil, errors.New("signaling: listener closed")
	}
	select {
	case ch, ok := <-pendingCh:
		if !ok {
			return nil, errors.New("signaling: listener closed")
		}
		return ch, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *Listener) Close() error {
	l.s.mu.Lock()
	delete(l.s.listeners, l.id)
	if pendingCh, ok := l.s.pending[l.id]; ok {
		close(pendingCh)
		delete(l.s.pending, l.id)
	}
	l.s.mu.Unlock()
	l.s.dir.Release(l.id, l.s.ep.LocalAddr())
	return nil
}

// Channel is one logical, ordered, bidirectional message stream
// between two ids over the shared transport.Endpoint.
type Channel struct {
	s        *Signaler
	peerAddr string
	localID  string
	remoteID string
	outbound bool

	mu      sync.Mutex
	onMsg   func([]byte)
	onClose func(error)
	closed  bool
	mailbox [][]byte // messages delivered before OnMessage was registered
}

func (c *Channel) Send(data []byte) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return transport.ErrClosed
	}
	env := envelope{TargetID: c.remoteID, FromID: c.localID, Payload: data}
	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return c.s.ep.Send(context.Background(), c.peerAddr, b)
}

// OnMessage installs fn, immediately flushing any messages that
// arrived (from an already-connected peer racing this call) before a
// handler was registered.
func (c *Channel) OnMessage(fn func([]byte)) {
	c.mu.Lock()
	c.onMsg = fn
	pending := c.mailbox
	c.mailbox = nil
	c.mu.Unlock()
	for _, p := range pending {
		fn(p)
	}
}

func (c *Channel) OnClose(fn func(error)) {
	c.mu.Lock()
	c.onClose = fn
	c.mu.Unlock()
}

func (c *Channel) deliver(payload []byte) {
	c.mu.Lock()
	fn := c.onMsg
	if fn == nil {
		c.mailbox = append(c.mailbox, payload)
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	fn(payload)
}

func (c *Channel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	fn := c.onClose
	c.mu.Unlock()
	key := channelKey{peerAddr: c.peerAddr, localID: c.localID}
	c.s.mu.Lock()
	delete(c.s.channels, key)
	c.s.mu.Unlock()
	if fn != nil {
		fn(nil)
	}
	return nil
}
