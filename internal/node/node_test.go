package node

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/veilmesh/peerlink/internal/signaling"
	"github.com/veilmesh/peerlink/internal/testutil"
	"github.com/veilmesh/peerlink/internal/transport"
)

func newTestNode(t *testing.T, name string, dir *signaling.Directory, eps map[string]*transport.MemoryEndpoint) *Node {
	t.Helper()
	n, err := New(Options{
		Home:         t.TempDir(),
		ListenAddr:   name,
		Directory:    dir,
		Endpoint:     eps[name],
		PublicIP:     "203.0.113.10",
		FriendlyName: name,
		MaxLevel:     2,
	})
	require.NoError(t, err)
	return n
}

func TestNewRejectsMissingRequiredFields(t *testing.T) {
	dir := signaling.NewDirectory()
	eps := transport.NewMemoryNetwork("solo")

	_, err := New(Options{Directory: dir, Endpoint: eps["solo"]})
	require.Error(t, err)

	_, err = New(Options{Home: t.TempDir(), Endpoint: eps["solo"]})
	require.Error(t, err)

	_, err = New(Options{Home: t.TempDir(), Directory: dir})
	require.Error(t, err)
}

func TestStartActivatesConfiguredNamespacesAndStopTearsDown(t *testing.T) {
	dir := signaling.NewDirectory()
	eps := transport.NewMemoryNetwork("alice")

	n := newTestNode(t, "alice", dir, eps)

	testutil.WithTimeout(t, 2*time.Second, func() {
		require.NoError(t, n.Start(t.Context()))
	})
	require.Len(t, n.engines, 1)

	n.Stop()
}

func TestRendezvousExchangeUpdatesIdentityRouterAndReleasesQueue(t *testing.T) {
	dir := signaling.NewDirectory()
	eps := transport.NewMemoryNetwork("alice", "bob")

	alice := newTestNode(t, "alice", dir, eps)
	bob := newTestNode(t, "bob", dir, eps)

	require.NoError(t, alice.IdentityRouter.Upsert(bob.Identity.Fingerprint(), bob.Identity.PublicKeyBytes(), "", "bob"))
	require.NoError(t, bob.IdentityRouter.Upsert(alice.Identity.Fingerprint(), alice.Identity.PublicKeyBytes(), "", "alice"))
	alice.IdentityRouter.MarkOffline(bob.Identity.Fingerprint())
	bob.IdentityRouter.MarkOffline(alice.Identity.Fingerprint())

	_, err := alice.IdentityRouter.SharedKey(bob.Identity.Fingerprint())
	require.NoError(t, err)
	_, err = bob.IdentityRouter.SharedKey(alice.Identity.Fingerprint())
	require.NoError(t, err)

	require.NoError(t, alice.Start(t.Context()))
	defer alice.Stop()
	require.NoError(t, bob.Start(t.Context()))
	defer bob.Stop()

	require.Eventually(t, func() bool {
		contacts, ok := bob.IdentityRouter.Get(alice.Identity.Fingerprint())
		return ok && contacts.Addr != ""
	}, 5*time.Second, 50*time.Millisecond, "bob never learned alice's rendezvous address")
}

func TestLookupPubKeyReflectsIdentityRouterState(t *testing.T) {
	dir := signaling.NewDirectory()
	eps := transport.NewMemoryNetwork("alice")

	n := newTestNode(t, "alice", dir, eps)

	_, ok := n.lookupPubKey("unknown-fp")
	require.False(t, ok)

	otherPub := []byte{1, 2, 3, 4}
	require.NoError(t, n.IdentityRouter.Upsert("peer-fp", otherPub, "peer-addr", "peer"))

	got, ok := n.lookupPubKey("peer-fp")
	require.True(t, ok)
	require.Equal(t, otherPub, got)
}

func TestNewSignalerReturnsSameGatedInstance(t *testing.T) {
	dir := signaling.NewDirectory()
	eps := transport.NewMemoryNetwork("alice")

	n := newTestNode(t, "alice", dir, eps)
	require.Same(t, n.newSignaler(), n.newSignaler())
}
