// Package nsdrivers builds the five NSConfig flavors spec.md's
// namespace drivers describe as thin wrappers over nsengine.Engine:
// public-IP, custom-named, geo-covering, group, and rendezvous. Each
// factory only derives the router/discovery/peer-slot id strings for
// its flavor and defers everything else — election, join, failover —
// to nsengine, mirroring the way the teacher's node.Options/NewNode
// wraps peer.Store/peer.CandidatePool construction behind defaulted,
// named fields instead of each caller wiring the pieces by hand.
package nsdrivers

import (
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/veilmesh/peerlink/internal/geo"
	"github.com/veilmesh/peerlink/internal/nsengine"
)

// Prefix namespaces every id this package derives, keeping peerlink's
// claimed ids distinguishable from anything else sharing a Directory.
const Prefix = "pl"

func routerID(parts ...string) func(level int) string {
	return func(level int) string {
		return fmt.Sprintf("%s-%s-%d", Prefix, strings.Join(parts, "-"), level)
	}
}

func discoveryID(parts ...string) func() string {
	id := uuid.NewString()
	return func() string {
		return fmt.Sprintf("%s-%s-%s", Prefix, strings.Join(parts, "-"), id)
	}
}

func peerSlotID(parts ...string) func(level int) string {
	return func(level int) string {
		return fmt.Sprintf("%s-slot-%s-%d", Prefix, strings.Join(parts, "-"), level)
	}
}

// PublicIP builds the same-network auto-discovery namespace: router_id
// `pl-{ip}-{level}`, discovery_id `pl-{ip}-{uuid}`.
func PublicIP(ip, fingerprint, friendlyName, publicKeyHex string, maxLevel int) nsengine.Config {
	octets := strings.ReplaceAll(ip, ".", "-")
	octets = strings.ReplaceAll(octets, ":", "-")
	return nsengine.Config{
		Namespace:    "ip:" + ip,
		MaxLevel:     maxLevel,
		Fingerprint:  fingerprint,
		FriendlyName: friendlyName,
		PublicKey:    publicKeyHex,
		RouterID:     routerID(octets),
		DiscoveryID:  discoveryID(octets),
		PeerSlotID:   peerSlotID(octets),
	}
}

// Custom builds a named-room namespace: router_id `pl-ns-{slug}-{level}`.
func Custom(slug, fingerprint, friendlyName, publicKeyHex string, maxLevel int) nsengine.Config {
	return nsengine.Config{
		Namespace:    "ns:" + slug,
		MaxLevel:     maxLevel,
		Fingerprint:  fingerprint,
		FriendlyName: friendlyName,
		PublicKey:    publicKeyHex,
		RouterID:     routerID("ns", slug),
		DiscoveryID:  discoveryID("ns", slug),
		PeerSlotID:   peerSlotID("ns", slug),
	}
}

// Group builds a group-chat routing namespace: router_id
// `pl-group-{gid}-{level}`.
func Group(gid, fingerprint, friendlyName, publicKeyHex string, maxLevel int) nsengine.Config {
	return nsengine.Config{
		Namespace:    "group:" + gid,
		MaxLevel:     maxLevel,
		Fingerprint:  fingerprint,
		FriendlyName: friendlyName,
		PublicKey:    publicKeyHex,
		RouterID:     routerID("group", gid),
		DiscoveryID:  discoveryID("group", gid),
		PeerSlotID:   peerSlotID("group", gid),
	}
}

// Rendezvous builds a per-pair reconnection namespace: router_id
// `pl-rvz-{slug}-{level}`, where slug is a rotating window slug from
// identity.RendezvousSlug shared by exactly two fingerprints.
func Rendezvous(slug, fingerprint, friendlyName, publicKeyHex string, maxLevel int) nsengine.Config {
	return nsengine.Config{
		Namespace:    "rvz:" + slug,
		MaxLevel:     maxLevel,
		Fingerprint:  fingerprint,
		FriendlyName: friendlyName,
		PublicKey:    publicKeyHex,
		RouterID:     routerID("rvz", slug),
		DiscoveryID:  discoveryID("rvz", slug),
		PeerSlotID:   peerSlotID("rvz", slug),
	}
}

// GeoConfigs returns one Config per cell in the covering set for
// (lat, lon), each an independent namespace/NSState sharing the
// engine construction the caller applies to every entry. The geo
// driver's covering-set rule (center plus near-boundary cardinal
// neighbors) lives in internal/geo; this factory only turns each cell
// into an NSConfig.
func GeoConfigs(lat, lon float64, fingerprint, friendlyName, publicKeyHex string, maxLevel int) []nsengine.Config {
	cells := geo.Covering(lat, lon)
	cfgs := make([]nsengine.Config, 0, len(cells))
	for _, cell := range cells {
		cfgs = append(cfgs, nsengine.Config{
			Namespace:    "geo:" + cell,
			MaxLevel:     maxLevel,
			Fingerprint:  fingerprint,
			FriendlyName: friendlyName,
			PublicKey:    publicKeyHex,
			RouterID:     routerID("geo", cell),
			DiscoveryID:  discoveryID("geo", cell),
			PeerSlotID:   peerSlotID("geo", cell),
		})
	}
	return cfgs
}
