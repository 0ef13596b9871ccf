package idrouter

import (
	"context"
	"sort"
	"sync"
	"time"
)

// SweepInterval is how often the contact sweeper wakes up.
var SweepInterval = 30 * time.Second

// SweepBatch is the maximum number of offline contacts one sweep
// attempts to reconnect to.
const SweepBatch = 3

// SweepStagger is the delay between successive reconnect attempts
// within one sweep, so a burst of dials doesn't look like a scan.
var SweepStagger = 2 * time.Second

// Sweeper periodically attempts direct reconnection to offline saved
// contacts, grounded on the connection manager's own periodic
// recovery-attempt loop generalized from "isolated nodes" to "offline
// contacts".
type Sweeper struct {
	router  *Router
	connect func(fp string)

	mu       sync.Mutex
	inFlight map[string]bool
}

func NewSweeper(router *Router, connect func(fp string)) *Sweeper {
	return &Sweeper{router: router, connect: connect, inFlight: make(map[string]bool)}
}

// Run blocks, sweeping every SweepInterval until ctx is done.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweepOnce(ctx)
		}
	}
}

func (s *Sweeper) sweepOnce(ctx context.Context) {
	candidates := s.router.Offline()
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].LastSeen.Before(candidates[j].LastSeen)
	})

	picked := 0
	for _, c := range candidates {
		if picked >= SweepBatch {
			return
		}
		s.mu.Lock()
		busy := s.inFlight[c.Fingerprint]
		if !busy {
			s.inFlight[c.Fingerprint] = true
		}
		s.mu.Unlock()
		if busy {
			continue
		}
		picked++

		fp := c.Fingerprint
		go func() {
			s.connect(fp)
			s.mu.Lock()
			delete(s.inFlight, fp)
			s.mu.Unlock()
		}()

		if picked < SweepBatch {
			select {
			case <-ctx.Done():
				return
			case <-time.After(SweepStagger):
			}
		}
	}
}
