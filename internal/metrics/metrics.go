// Package metrics tracks the counters an operator or test harness
// needs to observe overlay health, following the atomic-counter +
// JSON-snapshot shape of the teacher's internal/metrics/metrics.go,
// generalized from ledger/gossip counters to namespace/routing/group
// counters.
package metrics

import (
	"encoding/json"
	"os"
	"sync/atomic"
	"time"
)

// Snapshot is a point-in-time read of every counter.
type Snapshot struct {
	GeneratedAt time.Time       `json:"generated_at"`
	Namespace   NamespaceStats  `json:"namespace"`
	Router      RouterStats     `json:"router"`
	Rendezvous  RendezvousStats `json:"rendezvous"`
	Group       GroupStats      `json:"group"`
	SigGate     SigGateStats    `json:"siggate"`
	Handshake   HandshakeStats  `json:"handshake"`
}

type NamespaceStats struct {
	ElectionsWon    uint64 `json:"elections_won"`
	ElectionsJoined uint64 `json:"elections_joined"`
	Failovers       uint64 `json:"failovers"`
	Escalations     uint64 `json:"escalations"`
	PeerSlotWaits   uint64 `json:"peer_slot_waits"`
}

type RouterStats struct {
	CheckinsHandled    uint64 `json:"checkins_handled"`
	RegistryBroadcasts uint64 `json:"registry_broadcasts"`
	EvictedStale       uint64 `json:"evicted_stale"`
}

type HandshakeStats struct {
	Accepted uint64 `json:"accepted"`
	Rejected uint64 `json:"rejected"`
}

type RendezvousStats struct {
	SlugsActivated uint64 `json:"slugs_activated"`
	SlugsRotated   uint64 `json:"slugs_rotated"`
	Reconnects     uint64 `json:"reconnects"`
}

type GroupStats struct {
	MessagesRelayed  uint64 `json:"messages_relayed"`
	KeyRotations     uint64 `json:"key_rotations"`
	Kicks            uint64 `json:"kicks"`
	FilesTransferred uint64 `json:"files_transferred"`
}

type SigGateStats struct {
	Scheduled   uint64 `json:"scheduled"`
	Throttled   uint64 `json:"throttled"`
	NetworkDown uint64 `json:"network_down_events"`
}

// Metrics is the process-wide counter set. Every field is an
// atomic.Uint64 so increments never need a mutex.
type Metrics struct {
	electionsWon    atomic.Uint64
	electionsJoined atomic.Uint64
	failovers       atomic.Uint64
	escalations     atomic.Uint64
	peerSlotWaits   atomic.Uint64

	checkinsHandled    atomic.Uint64
	registryBroadcasts atomic.Uint64
	evictedStale       atomic.Uint64

	slugsActivated atomic.Uint64
	slugsRotated   atomic.Uint64
	reconnects     atomic.Uint64

	messagesRelayed  atomic.Uint64
	keyRotations     atomic.Uint64
	kicks            atomic.Uint64
	filesTransferred atomic.Uint64

	sgScheduled   atomic.Uint64
	sgThrottled   atomic.Uint64
	sgNetworkDown atomic.Uint64

	handshakesAccepted atomic.Uint64
	handshakesRejected atomic.Uint64
}

func New() *Metrics { return &Metrics{} }

func (m *Metrics) IncElectionsWon()    { m.electionsWon.Add(1) }
func (m *Metrics) IncElectionsJoined() { m.electionsJoined.Add(1) }
func (m *Metrics) IncFailovers()       { m.failovers.Add(1) }
func (m *Metrics) IncEscalations()     { m.escalations.Add(1) }
func (m *Metrics) IncPeerSlotWaits()   { m.peerSlotWaits.Add(1) }

func (m *Metrics) IncCheckinsHandled()    { m.checkinsHandled.Add(1) }
func (m *Metrics) IncRegistryBroadcasts() { m.registryBroadcasts.Add(1) }
func (m *Metrics) IncEvictedStale()       { m.evictedStale.Add(1) }

func (m *Metrics) IncSlugsActivated() { m.slugsActivated.Add(1) }
func (m *Metrics) IncSlugsRotated()   { m.slugsRotated.Add(1) }
func (m *Metrics) IncReconnects()     { m.reconnects.Add(1) }

func (m *Metrics) IncMessagesRelayed()  { m.messagesRelayed.Add(1) }
func (m *Metrics) IncKeyRotations()     { m.keyRotations.Add(1) }
func (m *Metrics) IncKicks()            { m.kicks.Add(1) }
func (m *Metrics) IncFilesTransferred() { m.filesTransferred.Add(1) }

func (m *Metrics) IncSGScheduled()   { m.sgScheduled.Add(1) }
func (m *Metrics) IncSGThrottled()   { m.sgThrottled.Add(1) }
func (m *Metrics) IncSGNetworkDown() { m.sgNetworkDown.Add(1) }

func (m *Metrics) IncHandshakesAccepted() { m.handshakesAccepted.Add(1) }
func (m *Metrics) IncHandshakesRejected() { m.handshakesRejected.Add(1) }

func (m *Metrics) Snapshot() Snapshot {
	return Snapshot{
		GeneratedAt: time.Now().UTC(),
		Namespace: NamespaceStats{
			ElectionsWon:    m.electionsWon.Load(),
			ElectionsJoined: m.electionsJoined.Load(),
			Failovers:       m.failovers.Load(),
			Escalations:     m.escalations.Load(),
			PeerSlotWaits:   m.peerSlotWaits.Load(),
		},
		Router: RouterStats{
			CheckinsHandled:    m.checkinsHandled.Load(),
			RegistryBroadcasts: m.registryBroadcasts.Load(),
			EvictedStale:       m.evictedStale.Load(),
		},
		Rendezvous: RendezvousStats{
			SlugsActivated: m.slugsActivated.Load(),
			SlugsRotated:   m.slugsRotated.Load(),
			Reconnects:     m.reconnects.Load(),
		},
		Group: GroupStats{
			MessagesRelayed:  m.messagesRelayed.Load(),
			KeyRotations:     m.keyRotations.Load(),
			Kicks:            m.kicks.Load(),
			FilesTransferred: m.filesTransferred.Load(),
		},
		SigGate: SigGateStats{
			Scheduled:   m.sgScheduled.Load(),
			Throttled:   m.sgThrottled.Load(),
			NetworkDown: m.sgNetworkDown.Load(),
		},
		Handshake: HandshakeStats{
			Accepted: m.handshakesAccepted.Load(),
			Rejected: m.handshakesRejected.Load(),
		},
	}
}

// WriteSnapshot persists the current snapshot as indented JSON, used
// by cmd/peerlink status and by tests asserting on a stable file.
func (m *Metrics) WriteSnapshot(path string) error {
	if path == "" {
		return nil
	}
	data, err := json.MarshalIndent(m.Snapshot(), "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}
