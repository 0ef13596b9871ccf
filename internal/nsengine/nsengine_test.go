package nsengine_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	. "github.com/veilmesh/peerlink/internal/nsengine"

	"github.com/veilmesh/peerlink/internal/metrics"
	"github.com/veilmesh/peerlink/internal/signaling"
	"github.com/veilmesh/peerlink/internal/transport"
	"github.com/veilmesh/peerlink/internal/wire"
)

// Shrink every timing constant for the whole test binary, mirroring
// the connection manager's package-level tick-variable override idiom
// rather than threading a clock through every call.
func init() {
	*PingIntervalVar = 40 * time.Millisecond
	*RegistryTTLVar = 150 * time.Millisecond
	*MonitorForL1Var = 20 * time.Millisecond
	*JoinHandshakeTimeoutVar = 200 * time.Millisecond
	*JoinRetryDelayVar = 20 * time.Millisecond
	*FullCycleBackoffVar = 30 * time.Millisecond
	*PeerSlotJitterMinVar = 10 * time.Millisecond
	*PeerSlotJitterMaxVar = 20 * time.Millisecond
	*PeerSlotProbeIntervalVar = 40 * time.Millisecond
	*TieBreakJitterMaxVar = 5 * time.Millisecond
	*MemberCheckinIntervalVar = 30 * time.Millisecond
}

func testConfig(namespace, fingerprint string) Config {
	return Config{
		Namespace:   namespace,
		MaxLevel:    3,
		Fingerprint: fingerprint,
		RouterID:    func(level int) string { return fmt.Sprintf("%s/router/%d", namespace, level) },
		DiscoveryID: func() string { return namespace + "/disc/" + fingerprint },
		PeerSlotID:  func(level int) string { return fmt.Sprintf("%s/slot/%d", namespace, level) },
	}
}

func newTestEngine(t *testing.T, dir *signaling.Directory, addr, namespace, fingerprint string, eps map[string]*transport.MemoryEndpoint) *Engine {
	t.Helper()
	sg := signaling.New(eps[addr], dir)
	e := New(testConfig(namespace, fingerprint), sg, metrics.New())
	t.Cleanup(e.Stop)
	return e
}

func TestSingleNodeBecomesRouter(t *testing.T) {
	dir := signaling.NewDirectory()
	eps := transport.NewMemoryNetwork("a")
	e := newTestEngine(t, dir, "a", "solo", "fp-a", eps)

	require.NoError(t, e.Start(context.Background()))
	require.Eventually(t, func() bool {
		return e.Snapshot().Role == RoleRouter
	}, time.Second, 5*time.Millisecond)
	require.Equal(t, 1, e.Snapshot().Level)
}

func TestSecondNodeJoinsAsMember(t *testing.T) {
	dir := signaling.NewDirectory()
	eps := transport.NewMemoryNetwork("a", "b")
	router := newTestEngine(t, dir, "a", "pair", "fp-a", eps)
	member := newTestEngine(t, dir, "b", "pair", "fp-b", eps)

	require.NoError(t, router.Start(context.Background()))
	require.Eventually(t, func() bool {
		return router.Snapshot().Role == RoleRouter
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, member.Start(context.Background()))
	require.Eventually(t, func() bool {
		return member.Snapshot().Role == RoleMember
	}, time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		return router.Snapshot().Members == 1
	}, time.Second, 5*time.Millisecond)
}

func TestMemberFailsOverWhenRouterStops(t *testing.T) {
	dir := signaling.NewDirectory()
	eps := transport.NewMemoryNetwork("a", "b")
	router := newTestEngine(t, dir, "a", "fo", "fp-a", eps)
	member := newTestEngine(t, dir, "b", "fo", "fp-b", eps)

	require.NoError(t, router.Start(context.Background()))
	require.Eventually(t, func() bool {
		return router.Snapshot().Role == RoleRouter
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, member.Start(context.Background()))
	require.Eventually(t, func() bool {
		return member.Snapshot().Role == RoleMember
	}, time.Second, 5*time.Millisecond)

	router.Stop()

	require.Eventually(t, func() bool {
		return member.Snapshot().Role == RoleRouter
	}, 3*time.Second, 5*time.Millisecond)
}

func TestThirdNodeAlsoJoinsAsMember(t *testing.T) {
	dir := signaling.NewDirectory()
	eps := transport.NewMemoryNetwork("a", "b", "c")
	nodeA := newTestEngine(t, dir, "a", "crowd", "fp-a", eps)
	nodeB := newTestEngine(t, dir, "b", "crowd", "fp-b", eps)
	nodeC := newTestEngine(t, dir, "c", "crowd", "fp-c", eps)

	require.NoError(t, nodeA.Start(context.Background()))
	require.Eventually(t, func() bool { return nodeA.Snapshot().Role == RoleRouter }, time.Second, 5*time.Millisecond)

	require.NoError(t, nodeB.Start(context.Background()))
	require.Eventually(t, func() bool { return nodeB.Snapshot().Role == RoleMember }, time.Second, 5*time.Millisecond)

	require.NoError(t, nodeC.Start(context.Background()))
	require.Eventually(t, func() bool {
		snap := nodeC.Snapshot()
		return snap.Role == RoleRouter || snap.Role == RoleMember
	}, 3*time.Second, 5*time.Millisecond)
}

// TestPeerSlotAdmissionWhenRouterUnresponsive holds the router id
// claim without ever accepting a connection on it — an overloaded
// router that never drains its accept queue — and answers only via
// the peer-slot id, the way a real router's periodic probe would.
func TestPeerSlotAdmissionWhenRouterUnresponsive(t *testing.T) {
	origRetries := *PeerSlotMaxRetriesVar
	*PeerSlotMaxRetriesVar = 50
	t.Cleanup(func() { *PeerSlotMaxRetriesVar = origRetries })

	dir := signaling.NewDirectory()
	eps := transport.NewMemoryNetwork("a", "b")
	ctx := context.Background()

	namespace := "peerslot-ns"
	routerID := fmt.Sprintf("%s/router/1", namespace)
	slotID := fmt.Sprintf("%s/slot/1", namespace)

	fakeRouterSg := signaling.New(eps["a"], dir)
	_, claimed, err := fakeRouterSg.Claim(ctx, routerID)
	require.NoError(t, err)
	require.True(t, claimed)

	go func() {
		for i := 0; i < 400; i++ {
			time.Sleep(10 * time.Millisecond)
			ch, openErr := fakeRouterSg.Open(ctx, slotID)
			if openErr != nil {
				continue
			}
			ch.OnMessage(func(data []byte) {
				msg, decErr := wire.Decode(data)
				if decErr != nil {
					return
				}
				if _, ok := msg.(*wire.NSCheckin); ok {
					reply, _ := wire.Encode(&wire.NSWelcome{
						Type: wire.TypeNSWelcome, Namespace: namespace, Epoch: 1,
					})
					ch.Send(reply)
				}
			})
			return
		}
	}()

	joinerSg := signaling.New(eps["b"], dir)
	e := New(testConfig(namespace, "fp-b"), joinerSg, metrics.New())
	t.Cleanup(e.Stop)
	require.NoError(t, e.Start(ctx))

	require.Eventually(t, func() bool {
		return e.Snapshot().Role == RoleMember
	}, 5*time.Second, 10*time.Millisecond)
}
