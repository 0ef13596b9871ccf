package nsdrivers

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPublicIPFormatsIDs(t *testing.T) {
	cfg := PublicIP("192.168.1.10", "fp-a", "alice", "pub-hex", 3)
	require.Equal(t, "pl-192-168-1-10-2", cfg.RouterID(2))
	require.True(t, strings.HasPrefix(cfg.DiscoveryID(), "pl-192-168-1-10-"))
	require.Equal(t, cfg.DiscoveryID(), cfg.DiscoveryID(), "discovery id is stable across calls")
	require.Equal(t, "pl-slot-192-168-1-10-1", cfg.PeerSlotID(1))
	require.Equal(t, "alice", cfg.FriendlyName)
	require.Equal(t, "pub-hex", cfg.PublicKey)
}

func TestCustomFormatsIDs(t *testing.T) {
	cfg := Custom("book-club", "fp-a", "alice", "pub-hex", 0)
	require.Equal(t, "pl-ns-book-club-1", cfg.RouterID(1))
	require.True(t, strings.HasPrefix(cfg.DiscoveryID(), "pl-ns-book-club-"))
}

func TestGroupFormatsIDs(t *testing.T) {
	cfg := Group("gid123", "fp-a", "alice", "pub-hex", 0)
	require.Equal(t, "pl-group-gid123-1", cfg.RouterID(1))
}

func TestRendezvousFormatsIDs(t *testing.T) {
	cfg := Rendezvous("ab12cd34ef", "fp-a", "alice", "pub-hex", 0)
	require.Equal(t, "pl-rvz-ab12cd34ef-1", cfg.RouterID(1))
}

func TestGeoConfigsOneEntryPerCoveredCell(t *testing.T) {
	cfgs := GeoConfigs(37.7749, -122.4194, "fp-a", "alice", "pub-hex", 0)
	require.GreaterOrEqual(t, len(cfgs), 1)
	require.LessOrEqual(t, len(cfgs), 5)
	for _, cfg := range cfgs {
		require.True(t, strings.HasPrefix(cfg.Namespace, "geo:"))
		require.Equal(t, "alice", cfg.FriendlyName)
	}
}

func TestDiscoveryIDsAreUnpredictablePerCall(t *testing.T) {
	a := PublicIP("10.0.0.1", "fp-a", "", "", 0).DiscoveryID()
	b := PublicIP("10.0.0.1", "fp-a", "", "", 0).DiscoveryID()
	require.NotEqual(t, a, b)
}
