package metrics

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMetricsCounters(t *testing.T) {
	m := New()
	m.IncElectionsWon()
	m.IncElectionsWon()
	m.IncElectionsJoined()
	m.IncFailovers()
	m.IncEscalations()
	m.IncPeerSlotWaits()
	m.IncCheckinsHandled()
	m.IncRegistryBroadcasts()
	m.IncEvictedStale()
	m.IncSlugsActivated()
	m.IncSlugsRotated()
	m.IncReconnects()
	m.IncMessagesRelayed()
	m.IncKeyRotations()
	m.IncKicks()
	m.IncFilesTransferred()
	m.IncSGScheduled()
	m.IncSGThrottled()
	m.IncSGNetworkDown()

	snap := m.Snapshot()
	require.EqualValues(t, 2, snap.Namespace.ElectionsWon)
	require.EqualValues(t, 1, snap.Namespace.ElectionsJoined)
	require.EqualValues(t, 1, snap.Namespace.Failovers)
	require.EqualValues(t, 1, snap.Router.CheckinsHandled)
	require.EqualValues(t, 1, snap.Rendezvous.SlugsActivated)
	require.EqualValues(t, 1, snap.Group.MessagesRelayed)
	require.EqualValues(t, 1, snap.SigGate.Throttled)
}

func TestWriteSnapshotToFile(t *testing.T) {
	m := New()
	m.IncElectionsWon()
	path := filepath.Join(t.TempDir(), "snapshot.json")
	require.NoError(t, m.WriteSnapshot(path))
	require.FileExists(t, path)
}

func TestWriteSnapshotEmptyPathNoOp(t *testing.T) {
	m := New()
	require.NoError(t, m.WriteSnapshot(""))
}
