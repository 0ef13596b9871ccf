package nsengine

import (
	"context"
	"sync"
	"time"

	"github.com/veilmesh/peerlink/internal/wire"
)

// tryJoin attempts the checkin handshake against routerID up to
// joinRetries times, then — on success — blocks running the member
// session until failover or migration ends it, and returns true. It
// returns false only if the handshake itself never landed.
func (e *Engine) tryJoin(level int, routerID string) bool {
	for attempt := 0; attempt < joinRetries; attempt++ {
		if e.ctx.Err() != nil {
			return false
		}
		ch, err := e.signaler.Open(e.ctx, routerID)
		if err != nil {
			e.waitRetry()
			continue
		}
		if !e.handshake(ch, "member") {
			ch.Close()
			e.waitRetry()
			continue
		}
		e.runAsMember(level, routerID, ch)
		return true
	}
	return false
}

func (e *Engine) waitRetry() {
	select {
	case <-e.ctx.Done():
	case <-time.After(joinRetryDelay):
	}
}

// handshake sends a checkin and waits for the router's welcome.
func (e *Engine) handshake(ch Channel, role string) bool {
	welcome := make(chan *wire.NSWelcome, 1)
	var once sync.Once
	ch.OnMessage(func(data []byte) {
		msg, err := wire.Decode(data)
		if err != nil {
			return
		}
		if w, ok := msg.(*wire.NSWelcome); ok && w.Namespace == e.cfg.Namespace {
			once.Do(func() { welcome <- w })
		}
	})

	req, err := wire.Encode(&wire.NSCheckin{
		Type:         wire.TypeNSCheckin,
		Namespace:    e.cfg.Namespace,
		Fingerprint:  e.cfg.Fingerprint,
		DiscoveryID:  e.discoveryID(),
		FriendlyName: e.cfg.FriendlyName,
		PublicKey:    e.cfg.PublicKey,
		Role:         role,
	})
	if err != nil {
		return false
	}
	if err := ch.Send(req); err != nil {
		return false
	}

	select {
	case w := <-welcome:
		e.registry.Replace(w.Members)
		e.mu.Lock()
		e.epoch = w.Epoch
		e.mu.Unlock()
		if fn := e.callbackWelcome(); fn != nil {
			fn(w.Members)
		}
		return true
	case <-time.After(joinHandshakeTimeout):
		return false
	case <-e.ctx.Done():
		return false
	}
}

// probeLevelOneMigration reports whether a router now answers at
// level 1, without joining it — the level-1 probe a member parked at a
// worse level runs periodically so it can migrate down.
func (e *Engine) probeLevelOneMigration() bool {
	routerID := e.cfg.RouterID(1)
	ctx, cancel := context.WithTimeout(e.ctx, 3*time.Second)
	defer cancel()
	ch, err := e.signaler.Open(ctx, routerID)
	if err != nil {
		return false
	}
	ch.Close()
	return true
}

func (e *Engine) callbackWelcome() func([]wire.NSMemberEntry) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.onWelcome
}

// runAsMember blocks sending periodic checkins and watching for
// registry updates, migration notices, and router silence, returning
// once the membership session ends for any reason.
func (e *Engine) runAsMember(level int, routerID string, ch Channel) {
	e.mu.Lock()
	e.role = RoleMember
	e.level = level
	e.memberCh = ch
	e.mu.Unlock()

	lastSeen := make(chan struct{}, 1)
	migrated := make(chan *wire.NSMigrate, 1)
	closed := make(chan struct{})
	var closeOnce sync.Once

	ch.OnMessage(func(data []byte) {
		msg, err := wire.Decode(data)
		if err != nil {
			return
		}
		switch m := msg.(type) {
		case *wire.NSRegistry:
			if m.Namespace != e.cfg.Namespace {
				return
			}
			e.registry.Replace(m.Members)
			e.mu.Lock()
			e.epoch = m.Epoch
			cb := e.onRegistry
			e.mu.Unlock()
			if cb != nil {
				cb(m.Members)
			}
			select {
			case lastSeen <- struct{}{}:
			default:
			}
		case *wire.NSPing:
			pong, _ := wire.Encode(&wire.NSPong{Type: wire.TypeNSPong, Namespace: e.cfg.Namespace, Epoch: m.Epoch})
			ch.Send(pong)
			select {
			case lastSeen <- struct{}{}:
			default:
			}
		case *wire.NSMigrate:
			if m.Namespace != e.cfg.Namespace {
				return
			}
			select {
			case migrated <- m:
			default:
			}
		default:
			if cb := e.customMessage(); cb != nil {
				cb(data)
			}
		}
	})
	ch.OnClose(func(error) {
		closeOnce.Do(func() { close(closed) })
	})

	checkinTicker := time.NewTicker(memberCheckinInterval)
	defer checkinTicker.Stop()
	silence := time.NewTimer(2 * pingInterval)
	defer silence.Stop()

	// A member parked above level 1 keeps checking whether a router has
	// since appeared there, so it migrates down instead of staying
	// pinned to a worse level for the rest of its session.
	var l1ProbeC <-chan time.Time
	if level > 1 {
		l1Ticker := time.NewTicker(level1ProbeInterval)
		defer l1Ticker.Stop()
		l1ProbeC = l1Ticker.C
	}

	defer func() {
		ch.Close()
		e.mu.Lock()
		e.role = RoleNone
		e.memberCh = nil
		e.mu.Unlock()
	}()

	for {
		select {
		case <-e.ctx.Done():
			return
		case <-closed:
			e.metrics.IncEvictedStale()
			return
		case m := <-migrated:
			e.mu.Lock()
			cb := e.onMigrate
			e.mu.Unlock()
			if cb != nil {
				cb(m.NewRouter, m.Epoch)
			}
			return
		case <-lastSeen:
			if !silence.Stop() {
				select {
				case <-silence.C:
				default:
				}
			}
			silence.Reset(2 * pingInterval)
		case <-silence.C:
			// Router has gone quiet past the ping window: treat as a
			// failover and let the caller re-attempt the level.
			return
		case <-l1ProbeC:
			if e.probeLevelOneMigration() {
				select {
				case migrated <- &wire.NSMigrate{
					Type:      wire.TypeNSMigrate,
					Namespace: e.cfg.Namespace,
					NewRouter: e.cfg.RouterID(1),
					Epoch:     0,
				}:
				default:
				}
			}
		case <-checkinTicker.C:
			req, err := wire.Encode(&wire.NSCheckin{
				Type:         wire.TypeNSCheckin,
				Namespace:    e.cfg.Namespace,
				Fingerprint:  e.cfg.Fingerprint,
				DiscoveryID:  e.discoveryID(),
				FriendlyName: e.cfg.FriendlyName,
				PublicKey:    e.cfg.PublicKey,
				Role:         "member",
			})
			if err == nil {
				ch.Send(req)
			}
		}
	}
}
