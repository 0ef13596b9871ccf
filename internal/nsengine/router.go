package nsengine

import (
	"context"
	"time"

	"github.com/veilmesh/peerlink/internal/wire"
)

// runAsRouter holds the router role at level until the engine's
// context is cancelled or the listener is closed out from under it.
// It blocks for the entire duration of the role, matching the outer
// run loop's expectation that a returned outcome means the role has
// ended.
func (e *Engine) runAsRouter(level int, lis Listener) {
	e.mu.Lock()
	e.role = RoleRouter
	e.level = level
	e.epoch++
	e.routerLis = lis
	epoch := e.epoch
	e.mu.Unlock()

	ctx, cancel := context.WithCancel(e.ctx)
	defer cancel()

	// Settle window: give a simultaneous challenger's claim time to
	// resolve at the directory before this side commits to serving.
	select {
	case <-ctx.Done():
		e.mu.Lock()
		e.role = RoleNone
		e.routerLis = nil
		e.mu.Unlock()
		return
	case <-time.After(tieBreakDelay(e.rng)):
	}

	acceptDone := make(chan struct{})
	go func() {
		defer close(acceptDone)
		for {
			ch, err := lis.Accept(ctx)
			if err != nil {
				return
			}
			go e.serveMember(ch, epoch)
		}
	}()

	pingTicker := time.NewTicker(pingInterval)
	defer pingTicker.Stop()
	pruneTicker := time.NewTicker(registryTTL / 3)
	defer pruneTicker.Stop()
	var peerSlotTicker *time.Ticker
	var peerSlotC <-chan time.Time
	if e.cfg.PeerSlotID != nil {
		peerSlotTicker = time.NewTicker(peerSlotProbeInterval)
		peerSlotC = peerSlotTicker.C
		defer peerSlotTicker.Stop()
	}

	for {
		select {
		case <-ctx.Done():
			lis.Close()
			<-acceptDone
			e.mu.Lock()
			e.role = RoleNone
			e.routerLis = nil
			e.mu.Unlock()
			return
		case <-pingTicker.C:
			e.broadcastRegistry(epoch)
		case <-pruneTicker.C:
			if e.registry.PruneExpired() > 0 {
				e.metrics.IncEvictedStale()
				e.broadcastRegistry(epoch)
			}
		case <-peerSlotC:
			e.probePeerSlot(level, epoch)
		}
	}
}

// serveMember handles one member's checkin channel for the lifetime
// of its connection, deregistering it from the table on close.
func (e *Engine) serveMember(ch Channel, epoch uint64) {
	var fingerprint string
	var discoveryKey string
	done := make(chan struct{})
	var once bool
	ch.OnMessage(func(data []byte) {
		msg, err := wire.Decode(data)
		if err != nil {
			return
		}
		switch m := msg.(type) {
		case *wire.NSCheckin:
			if m.Namespace != e.cfg.Namespace {
				return
			}
			fingerprint = m.Fingerprint
			discoveryKey = m.DiscoveryID
			if discoveryKey == "" {
				// Legacy or test callers that never set a discovery id
				// still need a stable key; fall back to fingerprint.
				discoveryKey = m.Fingerprint
			}
			e.registry.DeleteByPublicKey(m.PublicKey, discoveryKey)
			e.registry.Put(discoveryKey, wire.NSMemberEntry{
				Fingerprint:  m.Fingerprint,
				DiscoveryID:  m.DiscoveryID,
				FriendlyName: m.FriendlyName,
				PublicKey:    m.PublicKey,
				LastSeen:     time.Now().Unix(),
			})
			e.mu.Lock()
			e.memberSet[fingerprint] = ch
			e.mu.Unlock()
			e.metrics.IncCheckinsHandled()
			e.broadcastRegistry(epoch)
			reply, _ := wire.Encode(&wire.NSWelcome{
				Type:      wire.TypeNSWelcome,
				Namespace: e.cfg.Namespace,
				Epoch:     epoch,
				Members:   e.registry.SnapshotMembers(),
			})
			ch.Send(reply)
		case *wire.NSPong:
			e.registry.Touch(discoveryKey)
		default:
			if cb := e.customMessage(); cb != nil {
				cb(data)
			}
		}
	})
	ch.OnClose(func(error) {
		if !once {
			once = true
			close(done)
		}
	})
	<-done
	if fingerprint != "" {
		e.registry.Delete(discoveryKey)
		e.mu.Lock()
		delete(e.memberSet, fingerprint)
		e.mu.Unlock()
		e.broadcastRegistry(epoch)
	}
}

func (e *Engine) broadcastRegistry(epoch uint64) {
	e.metrics.IncRegistryBroadcasts()
	members := e.registry.SnapshotMembers()

	e.mu.Lock()
	cb := e.onRegistry
	targets := make([]Channel, 0, len(e.memberSet))
	for _, ch := range e.memberSet {
		targets = append(targets, ch)
	}
	e.mu.Unlock()

	if cb != nil {
		cb(members)
	}
	payload, err := wire.Encode(&wire.NSRegistry{
		Type:      wire.TypeNSRegistry,
		Namespace: e.cfg.Namespace,
		Epoch:     epoch,
		Router:    e.cfg.Fingerprint,
		Members:   members,
	})
	if err != nil {
		return
	}
	for _, ch := range targets {
		ch.Send(payload)
	}
}
