// Package group implements the Group Subsystem: group metadata,
// encrypted key lifecycle and rotation, invite/kick, router-relayed
// messages with backfill, and chunked file transfer, all as one flat
// set of wire message handlers a router-elected namespace member
// dispatches — the closest one-to-one grounding in the corpus, via
// the teacher's InviteCert/InviteStore, RevokeMsg/RevokeStore, and
// PeerExchangeReqMsg/RespMsg shapes generalized from the teacher's
// peer-list exchange to a group's member/message/file exchange.
package group

import (
	"crypto/rand"
	"errors"
	"sync"
	"time"

	"github.com/veilmesh/peerlink/internal/identity"
)

var ErrNotMember = errors.New("group: fingerprint is not a member")
var ErrNotAdmin = errors.New("group: only the creator may perform this action")
var ErrUnknownEpoch = errors.New("group: no key on file for that epoch")

// Member is one participant's standing within a Group.
type Member struct {
	Fingerprint string
	PubKey      []byte
	FriendlyName string
	JoinedAt    time.Time
}

// Group holds one group's metadata, membership, and key material.
// KeyHistory keeps every superseded key so older messages remain
// decryptable after a rotation (spec.md's group-key-rotation
// correctness invariant).
type Group struct {
	ID        string
	Name      string
	CreatorFP string

	mu         sync.Mutex
	members    map[string]Member
	keyEpoch   uint64
	currentKey []byte
	keyHistory map[uint64][]byte
}

// New creates a group with a freshly generated AES-256-GCM key at
// epoch 1, with creatorFP as its sole initial member and admin.
func New(id, name, creatorFP string, creatorPub []byte) (*Group, error) {
	key := make([]byte, identity.AESKeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, err
	}
	g := &Group{
		ID:        id,
		Name:      name,
		CreatorFP: creatorFP,
		members:   make(map[string]Member),
		keyEpoch:  1,
		currentKey: key,
		keyHistory: map[uint64][]byte{1: key},
	}
	g.members[creatorFP] = Member{Fingerprint: creatorFP, PubKey: creatorPub, JoinedAt: time.Now()}
	return g, nil
}

// CurrentKey returns the active epoch and its key.
func (g *Group) CurrentKey() (uint64, []byte) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.keyEpoch, g.currentKey
}

// KeyAt returns the key for a specific historical epoch, needed to
// decrypt messages sent before the most recent rotation.
func (g *Group) KeyAt(epoch uint64) ([]byte, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	key, ok := g.keyHistory[epoch]
	if !ok {
		return nil, ErrUnknownEpoch
	}
	return key, nil
}

// AddMember admits fp as a member. Idempotent: re-adding an existing
// member just refreshes its record.
func (g *Group) AddMember(fp string, pub []byte, friendlyName string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.members[fp] = Member{Fingerprint: fp, PubKey: pub, FriendlyName: friendlyName, JoinedAt: time.Now()}
}

// RemoveMember drops fp from membership without touching key state;
// callers rotate the key separately (Kick does both together).
func (g *Group) RemoveMember(fp string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.members, fp)
}

func (g *Group) IsMember(fp string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.members[fp]
	return ok
}

// Members lists every current member.
func (g *Group) Members() []Member {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]Member, 0, len(g.members))
	for _, m := range g.members {
		out = append(out, m)
	}
	return out
}

// OtherMembers lists every member except except, the bounded fanout a
// router relays one message to.
func (g *Group) OtherMembers(except string) []Member {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]Member, 0, len(g.members))
	for fp, m := range g.members {
		if fp != except {
			out = append(out, m)
		}
	}
	return out
}

// RotateKey generates a fresh AES-256-GCM key, archives the previous
// one in history (so it still decrypts old traffic), and returns the
// new epoch and key for the caller to re-distribute to every
// remaining member over that member's own pairwise key.
func (g *Group) RotateKey() (uint64, []byte, error) {
	key := make([]byte, identity.AESKeySize)
	if _, err := rand.Read(key); err != nil {
		return 0, nil, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.keyEpoch++
	g.currentKey = key
	g.keyHistory[g.keyEpoch] = key
	return g.keyEpoch, key, nil
}
