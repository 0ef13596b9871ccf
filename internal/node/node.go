// Package node wires every subsystem (Identity, Namespace Engine,
// Identity Router, Rendezvous, Group) into one running process,
// grounded on the teacher's own Node/Options shape
// (internal/node/node.go's defaulted-fields constructor) and its
// daemon's startConnMan(ctx, ...) pattern for handing each subsystem
// its own goroutines under one context a single Stop tears down.
package node

import (
	"context"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/veilmesh/peerlink/internal/group"
	"github.com/veilmesh/peerlink/internal/handshake"
	"github.com/veilmesh/peerlink/internal/identity"
	"github.com/veilmesh/peerlink/internal/idrouter"
	"github.com/veilmesh/peerlink/internal/metrics"
	"github.com/veilmesh/peerlink/internal/nsdrivers"
	"github.com/veilmesh/peerlink/internal/nsengine"
	"github.com/veilmesh/peerlink/internal/rendezvous"
	"github.com/veilmesh/peerlink/internal/siggate"
	"github.com/veilmesh/peerlink/internal/signaling"
	"github.com/veilmesh/peerlink/internal/transport"
	"github.com/veilmesh/peerlink/internal/wire"
)

// Options parameterizes a Node. Zero values pick sane defaults, the
// same shape the teacher's own node.Options follows.
type Options struct {
	Home string

	// ListenAddr is this node's advertised transport address (the
	// address rendezvous exchanges and idrouter contacts carry).
	ListenAddr string

	// Directory is the shared id->address signaling table. In a real
	// deployment this is the external signaling/transport collaborator
	// spec.md §1 abstracts away; tests and single-process demos share
	// one in-process Directory across every simulated node.
	Directory *signaling.Directory

	// Endpoint is the transport this node sends and receives over.
	// Callers construct it (QUIC for a real listen address, an
	// in-memory endpoint for tests).
	Endpoint transport.Endpoint

	// PublicIP activates the public-IP namespace driver for this
	// node's own address, if non-empty.
	PublicIP string
	// CustomNamespaces activates one custom-slug namespace driver per
	// entry.
	CustomNamespaces []string
	// GeoLat/GeoLon, if both non-nil, activate the geo namespace
	// driver's covering set for this node's approximate location.
	GeoLat, GeoLon *float64

	MaxLevel int
	FriendlyName string

	Metrics *metrics.Metrics
}

// Node owns one node identity's full running state: its namespace
// engines, identity-routing directory and send queue, rendezvous
// activations for offline contacts, and group memberships.
type Node struct {
	opts     Options
	Identity *identity.Identity
	Metrics  *metrics.Metrics

	signaler *signaling.Signaler
	gate     *siggate.Gate
	gated    *gatedSignaler

	IdentityRouter *idrouter.Router
	Queue          *idrouter.Queue
	sweeper        *idrouter.Sweeper

	Rendezvous *rendezvous.Manager
	Groups     *group.Manager
	Handshake  *handshake.Manager

	mu          sync.Mutex
	engines     []*nsengine.Engine
	gateWasDown bool
	ctx         context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup
}

// New constructs a Node, loading or generating its long-term keypair
// under home.
func New(opts Options) (*Node, error) {
	if opts.Home == "" {
		return nil, fmt.Errorf("node: missing home directory")
	}
	if opts.Directory == nil {
		return nil, fmt.Errorf("node: missing signaling directory")
	}
	if opts.Endpoint == nil {
		return nil, fmt.Errorf("node: missing transport endpoint")
	}
	id, err := identity.LoadOrGenerate(opts.Home)
	if err != nil {
		return nil, err
	}
	m := opts.Metrics
	if m == nil {
		m = metrics.New()
	}

	n := &Node{
		opts:     opts,
		Identity: id,
		Metrics:  m,
		signaler: signaling.New(opts.Endpoint, opts.Directory),
		gate:     siggate.New(),
	}
	n.gated = newGatedSignaler(n.signaler, n.gate, siggate.Normal, m)
	n.gate.Subscribe(n.observeGateState)

	n.IdentityRouter = idrouter.New(id.DeriveShared)
	n.Queue = idrouter.NewQueue()

	n.Handshake = handshake.New(handshake.Config{
		Identity:     id,
		FriendlyName: opts.FriendlyName,
		Router:       n.IdentityRouter,
		NewSignaler:  n.newSignaler,
		Metrics:      m,
	})

	n.Rendezvous = rendezvous.New(rendezvous.Config{
		Identity:     id,
		FriendlyName: opts.FriendlyName,
		Addr:         func() string { return opts.ListenAddr },
		Contacts:     n.offlineContacts,
		SharedKey:    n.IdentityRouter.SharedKey,
		NewSignaler:  n.newSignaler,
		OnExchange:   n.handleRendezvousExchange,
		Metrics:      m,
		MaxLevel:     opts.MaxLevel,
	})

	n.Groups = group.NewManager(group.Config{
		Identity:     id,
		FriendlyName: opts.FriendlyName,
		NewSignaler:  n.newSignaler,
		PubKey:       n.lookupPubKey,
		Metrics:      m,
		MaxLevel:     opts.MaxLevel,
	})

	return n, nil
}

func (n *Node) newSignaler() nsengine.Signaler { return n.gated }

// observeGateState surfaces the gate's throttle/network-down
// transitions on /metrics.
func (n *Node) observeGateState(s siggate.State) {
	n.mu.Lock()
	wasDown := n.gateWasDown
	n.gateWasDown = s.NetworkDown
	n.mu.Unlock()
	if s.NetworkDown && !wasDown {
		n.Metrics.IncSGNetworkDown()
	}
	if s.ThrottleCount > 0 {
		n.Metrics.IncSGThrottled()
	}
}

func (n *Node) lookupPubKey(fp string) ([]byte, bool) {
	c, ok := n.IdentityRouter.Get(fp)
	if !ok || len(c.PubKey) == 0 {
		return nil, false
	}
	return c.PubKey, true
}

func (n *Node) offlineContacts() []rendezvous.Contact {
	offline := n.IdentityRouter.Offline()
	out := make([]rendezvous.Contact, 0, len(offline))
	for _, c := range offline {
		out = append(out, rendezvous.Contact{Fingerprint: c.Fingerprint, PubKey: c.PubKey})
	}
	return out
}

// handleRendezvousExchange records the freshly rediscovered address
// and releases anything this node was still holding in its queue for
// that fingerprint, so the next flush attempt re-sends it.
func (n *Node) handleRendezvousExchange(fp string, ex *wire.RvzExchange) {
	pub, err := hex.DecodeString(ex.PublicKey)
	if err != nil {
		return
	}
	if err := n.IdentityRouter.Upsert(fp, pub, ex.Address, ex.FriendlyName); err != nil {
		return
	}
	n.Queue.ResetStale(fp, time.Now())
	n.Rendezvous.Deactivate(fp)
}

// Start activates every configured namespace driver, the identity
// router's contact sweeper, and the rendezvous manager, all under one
// context this Node owns until Stop.
func (n *Node) Start(ctx context.Context) error {
	n.mu.Lock()
	n.ctx, n.cancel = context.WithCancel(ctx)
	nctx := n.ctx
	n.mu.Unlock()

	fp := n.Identity.Fingerprint()
	pubHex := hex.EncodeToString(n.Identity.PublicKeyBytes())

	var cfgs []nsengine.Config
	if n.opts.PublicIP != "" {
		cfgs = append(cfgs, nsdrivers.PublicIP(n.opts.PublicIP, fp, n.opts.FriendlyName, pubHex, n.opts.MaxLevel))
	}
	for _, slug := range n.opts.CustomNamespaces {
		cfgs = append(cfgs, nsdrivers.Custom(slug, fp, n.opts.FriendlyName, pubHex, n.opts.MaxLevel))
	}
	if n.opts.GeoLat != nil && n.opts.GeoLon != nil {
		cfgs = append(cfgs, nsdrivers.GeoConfigs(*n.opts.GeoLat, *n.opts.GeoLon, fp, n.opts.FriendlyName, pubHex, n.opts.MaxLevel)...)
	}

	for _, cfg := range cfgs {
		eng := nsengine.New(cfg, n.gated, n.Metrics)
		eng.OnRegistryUpdate(n.mergeRegistry)
		eng.OnDiscoveryMessage(n.Handshake.HandleIncoming)
		if err := eng.Start(nctx); err != nil {
			n.cancel()
			return err
		}
		n.mu.Lock()
		n.engines = append(n.engines, eng)
		n.mu.Unlock()
	}

	n.sweeper = idrouter.NewSweeper(n.IdentityRouter, n.connectContact)
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.sweeper.Run(nctx)
	}()

	n.Rendezvous.Start(nctx)
	return nil
}

// mergeRegistry runs the same-namespace registry merge rule: an entry
// whose public key matches a contact this node already knows is simply
// marked reachable again under that fingerprint (never as a fresh
// contact); an entry this node has never seen a public key for is a
// discovery candidate, worth an outgoing handshake request once and
// only once — SetPending/Get on the router keep a flapping registry
// broadcast from re-requesting a candidate every tick.
func (n *Node) mergeRegistry(members []wire.NSMemberEntry) {
	for _, entMsg := range members {
		if entMsg.PublicKey == "" || entMsg.Fingerprint == n.Identity.Fingerprint() {
			continue
		}
		pub, err := hex.DecodeString(entMsg.PublicKey)
		if err != nil {
			continue
		}
		if known, ok := n.IdentityRouter.FindByPubKey(pub); ok {
			n.IdentityRouter.Upsert(known.Fingerprint, pub, "", entMsg.FriendlyName)
			continue
		}
		if entMsg.DiscoveryID == "" {
			continue
		}
		if _, ok := n.IdentityRouter.Get(entMsg.Fingerprint); ok {
			continue
		}
		go n.Handshake.Request(n.ctx, entMsg.DiscoveryID, entMsg.Fingerprint, pub)
	}
}

// connectContact is the identity router sweeper's reconnect hook. Its
// body is empty: it dials nothing and does not trigger a rendezvous
// sweep, so an offline contact is found again only through the
// rendezvous manager's own periodic sweep.
func (n *Node) connectContact(fp string) {}

// Stop tears down every namespace engine and background loop this
// Node started.
func (n *Node) Stop() {
	n.mu.Lock()
	cancel := n.cancel
	engines := append([]*nsengine.Engine(nil), n.engines...)
	n.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	for _, eng := range engines {
		eng.Stop()
	}
	n.Rendezvous.Stop()
	n.wg.Wait()
	n.gate.Stop()
}
