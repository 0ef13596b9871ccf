// Package nsengine implements the namespace state machine every
// public-IP/custom/geo/group/rendezvous driver instantiates: attempt
// to claim the router id for a level, fall back to joining whoever
// already holds it, fall back further to a peer-slot wait, and
// escalate levels when none of that lands. It is transport-agnostic —
// callers supply a Signaler — so the same election/failover code
// drives every namespace flavor.
//
// Timing constants below mirror the connection manager's
// package-level tick variable idiom: tests override them directly
// instead of injecting a clock, keeping production code free of test
// hooks.
package nsengine

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/veilmesh/peerlink/internal/metrics"
	"github.com/veilmesh/peerlink/internal/wire"
)

var (
	pingInterval          = 60 * time.Second
	registryTTL           = 90 * time.Second
	monitorForL1          = 30 * time.Second
	level1ProbeInterval   = 30 * time.Second
	peerSlotProbeInterval = 30 * time.Second
	peerSlotMaxRetries    = 5
	peerSlotJitterMin     = 3 * time.Second
	peerSlotJitterMax     = 5 * time.Second
	tieBreakJitterMax     = 3 * time.Second
	joinRetries           = 3
	joinRetryDelay        = 2 * time.Second
	fullCycleBackoff      = 10 * time.Second
	joinHandshakeTimeout  = 8 * time.Second
	memberCheckinInterval = 45 * time.Second
)

// ErrStopped is returned by operations attempted after Stop.
var ErrStopped = errors.New("nsengine: stopped")

// Role is this node's current standing within the namespace.
type Role int

const (
	RoleNone Role = iota
	RoleRouter
	RoleMember
	RolePeerSlot
)

func (r Role) String() string {
	switch r {
	case RoleRouter:
		return "router"
	case RoleMember:
		return "member"
	case RolePeerSlot:
		return "peer-slot"
	default:
		return "none"
	}
}

// Config parameterizes one namespace's id-derivation and identity.
// The five drivers in internal/nsdrivers each build one of these.
type Config struct {
	// Namespace names this namespace for logging/metadata; it is the
	// value carried in every wire.NSCheckin/Registry message.
	Namespace string
	// MaxLevel bounds escalation; 0 means the package default (5).
	MaxLevel int
	// RouterID derives the claimable id for the router role at level.
	RouterID func(level int) string
	// DiscoveryID derives this node's own always-claimed presence id.
	DiscoveryID func() string
	// PeerSlotID derives the claimable id peer-slot waiters compete for
	// at level.
	PeerSlotID func(level int) string
	// Fingerprint identifies this node in registry entries.
	Fingerprint string
	// FriendlyName and PublicKey (hex-encoded) are carried on every
	// checkin and registry entry this engine sends, so a receiving
	// side's merge rule can classify the entry without a separate
	// lookup (spec.md §4.3, §6).
	FriendlyName string
	PublicKey    string
}

func (c Config) maxLevel() int {
	if c.MaxLevel > 0 {
		return c.MaxLevel
	}
	return 5
}

// Engine runs one namespace's election/failover state machine.
type Engine struct {
	cfg      Config
	signaler Signaler
	metrics  *metrics.Metrics

	mu         sync.Mutex
	level      int
	role       Role
	epoch      uint64
	registry   *memberRegistry
	discovery  Listener
	routerLis  Listener
	memberCh   Channel
	memberSet  map[string]Channel
	stopped    bool

	onRegistry  func([]wire.NSMemberEntry)
	onMigrate   func(newRouter string, epoch uint64)
	onWelcome   func([]wire.NSMemberEntry)
	onCustom    func(data []byte)
	onDiscovery func(ch Channel, data []byte)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	rng    *rand.Rand
}

// New constructs an Engine bound to sg for the given config. Start
// must be called to begin the election loop.
func New(cfg Config, sg Signaler, m *metrics.Metrics) *Engine {
	return &Engine{
		cfg:      cfg,
		signaler: sg,
		metrics:  m,
		registry: newMemberRegistry(registryTTL),
		memberSet: make(map[string]Channel),
		rng:      rand.New(rand.NewSource(int64(fnv32(cfg.Fingerprint)))),
	}
}

// discoveryID returns this node's own claimed discovery address, or
// the empty string when the config carries none (a bare test config
// that doesn't exercise discovery reachability).
func (e *Engine) discoveryID() string {
	if e.cfg.DiscoveryID == nil {
		return ""
	}
	return e.cfg.DiscoveryID()
}

func fnv32(s string) uint32 {
	h := uint32(2166136261)
	for i := 0; i < len(s); i++ {
		h ^= uint32(s[i])
		h *= 16777619
	}
	return h
}

// OnRegistryUpdate registers a callback fired whenever this node's
// view of namespace membership changes (as router aggregating
// checkins, or as member receiving a broadcast).
func (e *Engine) OnRegistryUpdate(fn func([]wire.NSMemberEntry)) {
	e.mu.Lock()
	e.onRegistry = fn
	e.mu.Unlock()
}

// OnMigrate registers a callback fired when this node is told to
// re-checkin against a new router (spec.md's contact-migrated path).
func (e *Engine) OnMigrate(fn func(newRouter string, epoch uint64)) {
	e.mu.Lock()
	e.onMigrate = fn
	e.mu.Unlock()
}

// OnWelcome registers a callback fired when a peer-slot wait resolves
// into full membership.
func (e *Engine) OnWelcome(fn func([]wire.NSMemberEntry)) {
	e.mu.Lock()
	e.onWelcome = fn
	e.mu.Unlock()
}

// OnCustomMessage registers a handler for any wire message the
// checkin/registry/ping protocol itself doesn't recognize, letting a
// caller (internal/rendezvous) piggyback its own message types on the
// same member/router channel this engine already maintains instead of
// opening a second connection.
func (e *Engine) OnCustomMessage(fn func(data []byte)) {
	e.mu.Lock()
	e.onCustom = fn
	e.mu.Unlock()
}

func (e *Engine) customMessage() func([]byte) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.onCustom
}

// OnDiscoveryMessage registers a handler for messages arriving on this
// node's own always-claimed discovery id, outside the router/member
// checkin protocol entirely — the channel a candidate opens to send a
// handshake request before any namespace membership exists between
// the two sides.
func (e *Engine) OnDiscoveryMessage(fn func(ch Channel, data []byte)) {
	e.mu.Lock()
	e.onDiscovery = fn
	e.mu.Unlock()
}

func (e *Engine) discoveryMessage() func(Channel, []byte) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.onDiscovery
}

// SendCustom transmits data over whichever channel this engine
// currently holds to the other side of the namespace: every member
// channel if this node is router, or the single upward channel if
// this node is a member. It is a no-op, returning nil, if no channel
// is currently established.
func (e *Engine) SendCustom(data []byte) error {
	e.mu.Lock()
	role := e.role
	memberCh := e.memberCh
	targets := make([]Channel, 0, len(e.memberSet))
	for _, ch := range e.memberSet {
		targets = append(targets, ch)
	}
	e.mu.Unlock()

	switch role {
	case RoleMember, RolePeerSlot:
		if memberCh == nil {
			return nil
		}
		return memberCh.Send(data)
	case RoleRouter:
		var firstErr error
		for _, ch := range targets {
			if err := ch.Send(data); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		return firstErr
	default:
		return nil
	}
}

// Snapshot reports this engine's current standing.
type Snapshot struct {
	Level    int
	Role     Role
	Epoch    uint64
	Members  int
}

func (e *Engine) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Snapshot{Level: e.level, Role: e.role, Epoch: e.epoch, Members: e.registry.Len()}
}

// Start claims this node's own discovery id and begins the
// election/join/peer-slot loop at level 1.
func (e *Engine) Start(ctx context.Context) error {
	e.ctx, e.cancel = context.WithCancel(ctx)

	if e.cfg.DiscoveryID != nil {
		lis, claimed, err := e.signaler.Claim(e.ctx, e.cfg.DiscoveryID())
		if err != nil {
			return fmt.Errorf("nsengine: claim discovery id: %w", err)
		}
		if !claimed {
			return fmt.Errorf("nsengine: discovery id already held (uuid collision)")
		}
		e.mu.Lock()
		e.discovery = lis
		e.mu.Unlock()
		e.wg.Add(1)
		go e.acceptDiscoveryLoop(lis)
	}

	e.wg.Add(1)
	go e.run()
	return nil
}

// Stop tears down all claims and background goroutines.
func (e *Engine) Stop() {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return
	}
	e.stopped = true
	e.mu.Unlock()
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.discovery != nil {
		e.discovery.Close()
	}
	if e.routerLis != nil {
		e.routerLis.Close()
	}
	if e.memberCh != nil {
		e.memberCh.Close()
	}
}

// acceptDiscoveryLoop keeps this node reachable at its own discovery
// id for direct peer-exchange/migration channels outside the
// router/member relationship (internal/idrouter, internal/rendezvous).
// A channel with no OnDiscoveryMessage handler registered is closed
// immediately; one that has a handler stays open until the other side
// closes it, so a request/accept/reject round trip can complete on it.
func (e *Engine) acceptDiscoveryLoop(lis Listener) {
	defer e.wg.Done()
	for {
		ch, err := lis.Accept(e.ctx)
		if err != nil {
			return
		}
		cb := e.discoveryMessage()
		if cb == nil {
			ch.Close()
			continue
		}
		ch.OnMessage(func(data []byte) { cb(ch, data) })
	}
}

func (e *Engine) run() {
	defer e.wg.Done()
	level := 1
	for {
		if e.ctx.Err() != nil {
			return
		}
		outcome := e.attemptLevel(level)
		switch outcome {
		case outcomeRouter, outcomeMember:
			// Settled at this level; block until the role's own
			// goroutine returns (router/member loop exits on failure
			// or context cancellation), then restart from level 1.
			level = 1
			continue
		case outcomeEscalate:
			if level == 1 {
				// Give a slow-starting router at the lowest level extra
				// time to appear before committing to level 2.
				select {
				case <-e.ctx.Done():
					return
				case <-time.After(monitorForL1):
				}
			}
			level++
			if level > e.cfg.maxLevel() {
				level = 1
				select {
				case <-e.ctx.Done():
					return
				case <-time.After(fullCycleBackoff):
				}
			}
			e.metrics.IncEscalations()
		case outcomeRetryCycle:
			select {
			case <-e.ctx.Done():
				return
			case <-time.After(fullCycleBackoff):
			}
		case outcomeStopped:
			return
		}
	}
}

type outcome int

const (
	outcomeEscalate outcome = iota
	outcomeRouter
	outcomeMember
	outcomeRetryCycle
	outcomeStopped
)

// attemptLevel runs one full election/join/peer-slot cycle at level
// and blocks until that role concludes (failover, eviction, or
// cancellation), returning what should happen next.
func (e *Engine) attemptLevel(level int) outcome {
	if e.ctx.Err() != nil {
		return outcomeStopped
	}
	routerID := e.cfg.RouterID(level)
	lis, claimed, err := e.signaler.Claim(e.ctx, routerID)
	if err != nil {
		return outcomeRetryCycle
	}
	if claimed {
		e.metrics.IncElectionsWon()
		e.runAsRouter(level, lis)
		return outcomeRouter
	}

	if ok := e.tryJoin(level, routerID); ok {
		e.metrics.IncElectionsJoined()
		return outcomeMember
	}

	if e.tryPeerSlot(level) {
		e.metrics.IncElectionsJoined()
		return outcomeMember
	}

	return outcomeEscalate
}
