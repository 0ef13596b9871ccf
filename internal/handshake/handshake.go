// Package handshake implements the contact-accept lifecycle: a
// candidate discovered through a namespace registry (or dialed
// directly by a known discovery id) exchanges a signed request/accept
// or request/reject pair with the local node before the Identity
// Router ever records it as a Contact. Grounded on the same
// open-channel-then-decode-first-message shape internal/rendezvous
// uses for its own exchange protocol, generalized from "prove the
// pairwise timestamp signature" to "prove possession of the claimed
// long-term key before either side commits to a Contact."
package handshake

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"

	"github.com/veilmesh/peerlink/internal/identity"
	"github.com/veilmesh/peerlink/internal/idrouter"
	"github.com/veilmesh/peerlink/internal/metrics"
	"github.com/veilmesh/peerlink/internal/nsengine"
	"github.com/veilmesh/peerlink/internal/wire"
)

// ErrRejected is returned by Request when the far side declines.
var ErrRejected = errors.New("handshake: request rejected")

// RequestHandler decides whether to accept an incoming request. A nil
// handler accepts everything, the same default rendezvous applies to
// an already-authenticated exchange.
type RequestHandler func(fp string, pubKey []byte, displayName string) bool

// Config parameterizes a Manager.
type Config struct {
	Identity     *identity.Identity
	FriendlyName string
	Router       *idrouter.Router
	NewSignaler  func() nsengine.Signaler
	OnRequest    RequestHandler
	OnAccepted   func(fp string)
	Metrics      *metrics.Metrics
}

// Manager drives both sides of the handshake protocol against the
// Identity Router: Request for the initiating side, HandleIncoming for
// a namespace engine's discovery listener.
type Manager struct {
	id           *identity.Identity
	friendlyName string
	router       *idrouter.Router
	newSignaler  func() nsengine.Signaler
	onRequest    RequestHandler
	onAccepted   func(fp string)
	metrics      *metrics.Metrics
}

func New(cfg Config) *Manager {
	return &Manager{
		id:           cfg.Identity,
		friendlyName: cfg.FriendlyName,
		router:       cfg.Router,
		newSignaler:  cfg.NewSignaler,
		onRequest:    cfg.OnRequest,
		onAccepted:   cfg.OnAccepted,
		metrics:      cfg.Metrics,
	}
}

func (m *Manager) proof() (string, error) {
	sig, err := m.id.Sign(m.id.PublicKeyBytes())
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(sig), nil
}

// Request opens a channel to discoveryID and asks fp to accept this
// node as a contact. The router entry is marked outgoing-pending for
// the duration and either settles into a full Contact (accept) or is
// discarded (reject, or ctx cancellation before either arrives).
func (m *Manager) Request(ctx context.Context, discoveryID, fp string, pubKey []byte) error {
	if _, ok := m.router.Get(fp); ok {
		return fmt.Errorf("handshake: %s is already a known contact", fp)
	}
	m.router.SetPending(fp, pubKey, idrouter.PendingOutgoing)

	ch, err := m.newSignaler().Open(ctx, discoveryID)
	if err != nil {
		m.router.Remove(fp)
		return err
	}

	proof, err := m.proof()
	if err != nil {
		ch.Close()
		m.router.Remove(fp)
		return err
	}
	req := &wire.HandshakeRequest{
		Type:        wire.TypeHandshakeReq,
		Fingerprint: m.id.Fingerprint(),
		PublicKey:   hex.EncodeToString(m.id.PublicKeyBytes()),
		DisplayName: m.friendlyName,
		Proof:       proof,
	}
	data, err := wire.Encode(req)
	if err != nil {
		ch.Close()
		m.router.Remove(fp)
		return err
	}

	result := make(chan error, 1)
	var once sync.Once
	settle := func(err error) { once.Do(func() { result <- err }) }

	ch.OnMessage(func(data []byte) {
		msg, err := wire.Decode(data)
		if err != nil {
			return
		}
		switch reply := msg.(type) {
		case *wire.HandshakeAccepted:
			sig, err := hex.DecodeString(reply.Proof)
			if err != nil {
				settle(err)
				return
			}
			if err := identity.Verify(pubKey, pubKey, sig); err != nil {
				settle(err)
				return
			}
			if err := m.router.Upsert(fp, pubKey, discoveryID, reply.DisplayName); err != nil {
				settle(err)
				return
			}
			m.metrics.IncHandshakesAccepted()
			if m.onAccepted != nil {
				m.onAccepted(fp)
			}
			settle(nil)
		case *wire.HandshakeRejected:
			m.router.Remove(fp)
			m.metrics.IncHandshakesRejected()
			settle(ErrRejected)
		}
	})
	ch.OnClose(func(error) { settle(errors.New("handshake: channel closed before a reply arrived")) })

	if err := ch.Send(data); err != nil {
		ch.Close()
		m.router.Remove(fp)
		return err
	}

	select {
	case err := <-result:
		ch.Close()
		return err
	case <-ctx.Done():
		ch.Close()
		m.router.Remove(fp)
		return ctx.Err()
	}
}

// HandleIncoming decodes a message arriving on this node's discovery
// listener. Anything other than a HandshakeRequest is ignored: the
// discovery id also carries rendezvous and registry-candidate traffic
// this Manager has no business handling.
func (m *Manager) HandleIncoming(ch nsengine.Channel, data []byte) {
	msg, err := wire.Decode(data)
	if err != nil {
		return
	}
	req, ok := msg.(*wire.HandshakeRequest)
	if !ok {
		return
	}
	pub, err := hex.DecodeString(req.PublicKey)
	if err != nil {
		return
	}
	sig, err := hex.DecodeString(req.Proof)
	if err != nil {
		return
	}
	if err := identity.Verify(pub, pub, sig); err != nil {
		return
	}

	m.router.SetPending(req.Fingerprint, pub, idrouter.PendingIncoming)

	accept := true
	if m.onRequest != nil {
		accept = m.onRequest(req.Fingerprint, pub, req.DisplayName)
	}

	if !accept {
		m.router.Remove(req.Fingerprint)
		m.metrics.IncHandshakesRejected()
		reply, err := wire.Encode(&wire.HandshakeRejected{Type: wire.TypeHandshakeReject, Reason: "declined"})
		if err == nil {
			ch.Send(reply)
		}
		return
	}

	proof, err := m.proof()
	if err != nil {
		m.router.Remove(req.Fingerprint)
		return
	}
	// No address for the requester is known yet from this exchange
	// alone; the rendezvous subsystem is what eventually supplies one.
	if err := m.router.Upsert(req.Fingerprint, pub, "", req.DisplayName); err != nil {
		return
	}
	m.metrics.IncHandshakesAccepted()
	reply, err := wire.Encode(&wire.HandshakeAccepted{
		Type:        wire.TypeHandshakeAccept,
		Fingerprint: m.id.Fingerprint(),
		DisplayName: m.friendlyName,
		Proof:       proof,
	})
	if err != nil {
		return
	}
	ch.Send(reply)
}
