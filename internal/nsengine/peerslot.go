package nsengine

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/veilmesh/peerlink/internal/wire"
)

// tryPeerSlot claims the shared peer-slot id for level and waits for
// the router's periodic reverse probe to open a channel to it. It
// retries up to peerSlotMaxRetries times with jittered backoff before
// giving up (the caller then escalates a level).
func (e *Engine) tryPeerSlot(level int) bool {
	if e.cfg.PeerSlotID == nil {
		return false
	}
	slotID := e.cfg.PeerSlotID(level)

	for attempt := 0; attempt < peerSlotMaxRetries; attempt++ {
		if e.ctx.Err() != nil {
			return false
		}
		lis, claimed, err := e.signaler.Claim(e.ctx, slotID)
		if err != nil || !claimed {
			e.jitterSleep(peerSlotJitterMin, peerSlotJitterMax)
			continue
		}

		e.metrics.IncPeerSlotWaits()
		ctx, cancel := context.WithTimeout(e.ctx, peerSlotProbeInterval*2)
		ch, acceptErr := lis.Accept(ctx)
		cancel()
		if acceptErr != nil {
			lis.Close()
			e.jitterSleep(peerSlotJitterMin, peerSlotJitterMax)
			continue
		}

		lis.Close()
		if !e.awaitReverseWelcome(ch) {
			ch.Close()
			e.jitterSleep(peerSlotJitterMin, peerSlotJitterMax)
			continue
		}
		if !e.handshake(ch, "peer") {
			ch.Close()
			e.jitterSleep(peerSlotJitterMin, peerSlotJitterMax)
			continue
		}
		e.runAsMember(level, slotID, ch)
		return true
	}
	return false
}

// awaitReverseWelcome blocks until the router side of a peer-slot
// connection announces itself: the router dials in here, the inverse
// of the usual member-dials-router order, so the waiter can't safely
// check in until it knows a router (rather than a stray connection) is
// on the other end.
func (e *Engine) awaitReverseWelcome(ch Channel) bool {
	welcome := make(chan struct{}, 1)
	var once sync.Once
	ch.OnMessage(func(data []byte) {
		msg, err := wire.Decode(data)
		if err != nil {
			return
		}
		if w, ok := msg.(*wire.NSReverseWelcome); ok && w.Namespace == e.cfg.Namespace {
			once.Do(func() { welcome <- struct{}{} })
		}
	})
	select {
	case <-welcome:
		return true
	case <-time.After(joinHandshakeTimeout):
		return false
	case <-e.ctx.Done():
		return false
	}
}

func (e *Engine) jitterSleep(min, max time.Duration) {
	span := max - min
	var extra time.Duration
	if span > 0 {
		extra = time.Duration(e.rng.Int63n(int64(span)))
	}
	select {
	case <-e.ctx.Done():
	case <-time.After(min + extra):
	}
}

// probePeerSlot is the router-side half of peer-slot admission: try to
// open a channel to whoever is currently waiting at level's slot id,
// and if one answers, service it exactly like an accepted member
// connection.
func (e *Engine) probePeerSlot(level int, epoch uint64) {
	if e.cfg.PeerSlotID == nil {
		return
	}
	slotID := e.cfg.PeerSlotID(level)
	ctx, cancel := context.WithTimeout(e.ctx, 3*time.Second)
	defer cancel()
	ch, err := e.signaler.Open(ctx, slotID)
	if err != nil {
		return
	}
	welcome, err := wire.Encode(&wire.NSReverseWelcome{
		Type:      wire.TypeNSReverseWelcome,
		Namespace: e.cfg.Namespace,
		Router:    e.cfg.Fingerprint,
		Epoch:     epoch,
	})
	if err != nil {
		ch.Close()
		return
	}
	if err := ch.Send(welcome); err != nil {
		ch.Close()
		return
	}
	go e.serveMember(ch, epoch)
}

func tieBreakDelay(rng *rand.Rand) time.Duration {
	if tieBreakJitterMax <= 0 {
		return 0
	}
	return time.Duration(rng.Int63n(int64(tieBreakJitterMax)))
}
