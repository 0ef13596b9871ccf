package node

import (
	"context"

	"github.com/veilmesh/peerlink/internal/metrics"
	"github.com/veilmesh/peerlink/internal/nsengine"
	"github.com/veilmesh/peerlink/internal/siggate"
)

// gatedSignaler wraps a real nsengine.Signaler so every Claim/Open
// call is scheduled through a shared siggate.Gate instead of firing
// directly, so a burst of simultaneous namespace activations (public
// IP, several rendezvous slugs, several group namespaces) can't trip
// the signaling service's own rate limit. Node builds one
// gatedSignaler, at Normal priority, and every namespace engine shares
// it; nothing in this package schedules work at High.
type gatedSignaler struct {
	inner    nsengine.Signaler
	gate     *siggate.Gate
	priority siggate.Priority
	metrics  *metrics.Metrics
}

func newGatedSignaler(inner nsengine.Signaler, gate *siggate.Gate, priority siggate.Priority, m *metrics.Metrics) *gatedSignaler {
	return &gatedSignaler{inner: inner, gate: gate, priority: priority, metrics: m}
}

type claimResult struct {
	lis     nsengine.Listener
	claimed bool
	err     error
}

func (s *gatedSignaler) Claim(ctx context.Context, id string) (nsengine.Listener, bool, error) {
	resultCh := make(chan claimResult, 1)
	s.gate.Schedule(func() {
		lis, claimed, err := s.inner.Claim(ctx, id)
		if err == nil {
			s.gate.ReportSuccess()
			s.metrics.IncSGScheduled()
		} else {
			s.gate.ReportFailure()
		}
		resultCh <- claimResult{lis: lis, claimed: claimed, err: err}
	}, s.priority)
	select {
	case r := <-resultCh:
		return r.lis, r.claimed, r.err
	case <-ctx.Done():
		return nil, false, ctx.Err()
	}
}

type openResult struct {
	ch  nsengine.Channel
	err error
}

func (s *gatedSignaler) Open(ctx context.Context, id string) (nsengine.Channel, error) {
	resultCh := make(chan openResult, 1)
	s.gate.Schedule(func() {
		ch, err := s.inner.Open(ctx, id)
		if err == nil {
			s.gate.ReportSuccess()
			s.metrics.IncSGScheduled()
		} else {
			s.gate.ReportFailure()
		}
		resultCh <- openResult{ch: ch, err: err}
	}, s.priority)
	select {
	case r := <-resultCh:
		return r.ch, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
