// Package rendezvous implements the Rendezvous Subsystem: for every
// offline contact with a known public key, derive the pairwise
// per-window namespace slug both sides can compute independently and
// activate a namespace engine for it, so two peers who both go
// offline-then-online eventually find each other again without any
// shared infrastructure beyond the signaling directory. Grounded on
// the connection manager's own periodic sweep/retry loop
// (`runPex`/`tickPex`), generalized from "gossip about known peers" to
// "activate a rendezvous slug per offline contact".
package rendezvous

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"sync"
	"time"

	"github.com/veilmesh/peerlink/internal/identity"
	"github.com/veilmesh/peerlink/internal/metrics"
	"github.com/veilmesh/peerlink/internal/nsdrivers"
	"github.com/veilmesh/peerlink/internal/nsengine"
	"github.com/veilmesh/peerlink/internal/wire"
)

// timestampBytes is the fixed-width message an RvzExchange's
// SignedTimestamp signs over, binding the signature to one instant so
// a captured exchange can't be replayed indefinitely.
func timestampBytes(t time.Time) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(t.Unix()))
	return buf[:]
}

func encodeSig(sig []byte) string { return hex.EncodeToString(sig) }

func decodeSig(s string) ([]byte, error) { return hex.DecodeString(s) }

func encodePubKey(id *identity.Identity) string {
	return hex.EncodeToString(id.PublicKeyBytes())
}

// SweepInterval is how often offline contacts are re-scanned for
// activation, at startup and every tick thereafter.
var SweepInterval = 60 * time.Second

// WindowDuration is the wall-clock rotation period both sides of a
// pair independently divide time into; they always derive the same
// slug because they divide the same clock the same way.
var WindowDuration = 10 * time.Minute

// Contact is the minimal shape the Identity Router hands the
// rendezvous subsystem for each offline contact worth activating.
type Contact struct {
	Fingerprint string
	PubKey      []byte
}

// ContactsFunc lists currently offline contacts with a known public
// key, typically idrouter.Router.Offline mapped into this shape.
type ContactsFunc func() []Contact

// SharedKeyFunc returns the cached pairwise AES key for a fingerprint
// (idrouter.Router.SharedKey), the seed for the rendezvous slug.
type SharedKeyFunc func(fp string) ([]byte, error)

// ExchangeHandler is called once a peer is rediscovered inside its
// rendezvous namespace and both signed exchanges verify, so the
// caller (typically the Identity Router) can record the fresh
// address.
type ExchangeHandler func(fp string, ex *wire.RvzExchange)

// windowIndex divides t by WindowDuration, matching
// identity.RendezvousSlug's expectations.
func windowIndex(t time.Time) uint64 {
	return uint64(t.Unix()) / uint64(WindowDuration/time.Second)
}

func windowBoundary(idx uint64) time.Time {
	secs := int64(idx+1) * int64(WindowDuration/time.Second)
	return time.Unix(secs, 0)
}

type activation struct {
	fingerprint string
	pubKey      []byte
	engine      *nsengine.Engine
	windowIndex uint64
	cancel      context.CancelFunc
}

// Manager owns one activation per offline contact and rotates each at
// its window boundary.
type Manager struct {
	id            *identity.Identity
	friendlyName  string
	addr          func() string
	contacts      ContactsFunc
	sharedKey     SharedKeyFunc
	newSignaler   func() nsengine.Signaler
	onExchange    ExchangeHandler
	metrics       *metrics.Metrics
	maxLevel      int

	mu     sync.Mutex
	active map[string]*activation

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Config parameterizes a Manager. Addr reports this node's own
// current dial-back address (the value placed in outgoing
// RvzExchange messages).
type Config struct {
	Identity     *identity.Identity
	FriendlyName string
	Addr         func() string
	Contacts     ContactsFunc
	SharedKey    SharedKeyFunc
	NewSignaler  func() nsengine.Signaler
	OnExchange   ExchangeHandler
	Metrics      *metrics.Metrics
	MaxLevel     int
}

func New(cfg Config) *Manager {
	return &Manager{
		id:           cfg.Identity,
		friendlyName: cfg.FriendlyName,
		addr:         cfg.Addr,
		contacts:     cfg.Contacts,
		sharedKey:    cfg.SharedKey,
		newSignaler:  cfg.NewSignaler,
		onExchange:   cfg.OnExchange,
		metrics:      cfg.Metrics,
		maxLevel:     cfg.MaxLevel,
		active:       make(map[string]*activation),
	}
}

// Start sweeps immediately, then every SweepInterval, until Stop.
func (m *Manager) Start(ctx context.Context) {
	m.ctx, m.cancel = context.WithCancel(ctx)
	m.sweepOnce()
	m.wg.Add(1)
	go m.sweepLoop()
}

func (m *Manager) sweepLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.sweepOnce()
		}
	}
}

func (m *Manager) sweepOnce() {
	for _, c := range m.contacts() {
		m.mu.Lock()
		_, active := m.active[c.Fingerprint]
		m.mu.Unlock()
		if active {
			continue
		}
		if err := m.activate(c.Fingerprint, c.PubKey); err == nil {
			m.metrics.IncSlugsActivated()
		}
	}
}

func (m *Manager) activate(fp string, pub []byte) error {
	key, err := m.sharedKey(fp)
	if err != nil {
		return err
	}
	idx := windowIndex(time.Now())
	slug := identity.RendezvousSlug(key, idx)
	cfg := nsdrivers.Rendezvous(slug, m.id.Fingerprint(), m.friendlyName, encodePubKey(m.id), m.maxLevel)

	sg := m.newSignaler()
	eng := nsengine.New(cfg, sg, m.metrics)
	eng.OnCustomMessage(func(data []byte) { m.handleCustom(fp, pub, data) })

	actCtx, cancel := context.WithCancel(m.ctx)
	if err := eng.Start(actCtx); err != nil {
		cancel()
		return err
	}

	act := &activation{fingerprint: fp, pubKey: pub, engine: eng, windowIndex: idx, cancel: cancel}
	m.mu.Lock()
	m.active[fp] = act
	m.mu.Unlock()

	m.wg.Add(1)
	go m.rotateAtBoundary(act, actCtx)

	eng.OnWelcome(func([]wire.NSMemberEntry) { m.sendExchange(fp) })
	eng.OnRegistryUpdate(func(members []wire.NSMemberEntry) {
		if len(members) > 0 {
			m.sendExchange(fp)
		}
	})
	return nil
}

// rotateAtBoundary tears the activation down and reactivates with the
// next window's slug once the current window ends, so both sides of
// the pair rotate on the same synchronized wall-clock schedule.
func (m *Manager) rotateAtBoundary(act *activation, actCtx context.Context) {
	defer m.wg.Done()
	boundary := windowBoundary(act.windowIndex)
	timer := time.NewTimer(time.Until(boundary))
	defer timer.Stop()
	select {
	case <-actCtx.Done():
		act.engine.Stop()
		return
	case <-timer.C:
	}
	act.engine.Stop()
	m.mu.Lock()
	delete(m.active, act.fingerprint)
	m.mu.Unlock()
	if m.ctx.Err() == nil {
		if err := m.activate(act.fingerprint, act.pubKey); err == nil {
			m.metrics.IncSlugsRotated()
		}
	}
}

// Deactivate immediately tears down fp's rendezvous namespace, called
// once a reconnection exchange has verified: there is no reason to
// keep re-exchanging rvz-exchange with a contact whose direct address
// the caller just recorded, and the other side of the pair reaches
// this same call independently once its own exchange verifies.
// Cancelling the activation's context is enough — rotateAtBoundary's
// own ctx.Done branch stops the engine without reactivating.
func (m *Manager) Deactivate(fp string) {
	m.mu.Lock()
	act, ok := m.active[fp]
	if ok {
		delete(m.active, fp)
	}
	m.mu.Unlock()
	if ok {
		act.cancel()
	}
}

func (m *Manager) sendExchange(fp string) {
	m.mu.Lock()
	act, ok := m.active[fp]
	m.mu.Unlock()
	if !ok {
		return
	}
	now := time.Now()
	sig, err := m.id.Sign(timestampBytes(now))
	if err != nil {
		return
	}
	addr := ""
	if m.addr != nil {
		addr = m.addr()
	}
	ex := &wire.RvzExchange{
		Type:            wire.TypeRvzExchange,
		Address:         addr,
		FriendlyName:    m.friendlyName,
		PublicKey:       encodePubKey(m.id),
		SignedTimestamp: encodeSig(sig),
		TimestampUnix:   now.Unix(),
	}
	data, err := wire.Encode(ex)
	if err != nil {
		return
	}
	act.engine.SendCustom(data)
}

func (m *Manager) handleCustom(fp string, pub []byte, data []byte) {
	msg, err := wire.Decode(data)
	if err != nil {
		return
	}
	ex, ok := msg.(*wire.RvzExchange)
	if !ok {
		return
	}
	sig, err := decodeSig(ex.SignedTimestamp)
	if err != nil {
		return
	}
	if err := identity.Verify(pub, timestampBytes(time.Unix(ex.TimestampUnix, 0)), sig); err != nil {
		return
	}
	m.metrics.IncReconnects()
	if m.onExchange != nil {
		m.onExchange(fp, ex)
	}
}

// Stop tears down every active rendezvous engine.
func (m *Manager) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
}

// Active reports how many rendezvous namespaces are currently held
// open, for /metrics and tests.
func (m *Manager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}
