package group

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"sync"
	"time"

	"github.com/veilmesh/peerlink/internal/identity"
	"github.com/veilmesh/peerlink/internal/metrics"
	"github.com/veilmesh/peerlink/internal/nsdrivers"
	"github.com/veilmesh/peerlink/internal/nsengine"
	"github.com/veilmesh/peerlink/internal/wire"
)

var ErrNamespaceNotReady = errors.New("group: namespace has not elected a role yet")

// sendReady returns the engine unchanged if it currently holds a role
// capable of transmitting, or ErrNamespaceNotReady otherwise, so
// callers driving retry loops (Invite, Send, Kick) can distinguish
// "not elected yet, try again" from a genuine transport failure —
// SendCustom itself reports neither, by design, since it also backs
// fire-and-forget paths like registry pings.
func sendReady(eng *nsengine.Engine) error {
	if eng.Snapshot().Role == nsengine.RoleNone {
		return ErrNamespaceNotReady
	}
	return nil
}

// backfillCap bounds how many recent messages a router keeps for
// GroupBackfillRequest replies, per group (spec.md Non-goal: no full
// history sync, only bounded catch-up).
const backfillCap = 200

// PubKeyFunc resolves a member's fingerprint to its known public key,
// typically idrouter.Router.Get(fp).PubKey.
type PubKeyFunc func(fp string) ([]byte, bool)

// MessageHandler delivers one decrypted incoming chat message.
type MessageHandler func(groupID, senderFP string, plaintext []byte, sentAt time.Time)

// KickedHandler fires when this node itself has been kicked from a
// group; the caller should tear down local state for it.
type KickedHandler func(groupID, reason string)

// FileHandler delivers one fully reassembled incoming file.
type FileHandler func(groupID, fileName string, data []byte)

type joined struct {
	engine  *nsengine.Engine
	cancel  context.CancelFunc
	log     []wire.GroupMessage
	xfers   map[string]*incomingFile
}

// Manager owns every group this node currently participates in,
// mediates key distribution and rotation, and relays chat/file
// traffic across whichever engine holds the router role for that
// group's namespace at any moment.
type Manager struct {
	id           *identity.Identity
	friendlyName string
	newSignaler  func() nsengine.Signaler
	pubKey       PubKeyFunc
	metrics      *metrics.Metrics
	maxLevel     int

	invites *InviteStore

	onMessage MessageHandler
	onKicked  KickedHandler
	onFile    FileHandler

	mu     sync.Mutex
	groups map[string]*Group
	active map[string]*joined
}

type Config struct {
	Identity     *identity.Identity
	FriendlyName string
	NewSignaler  func() nsengine.Signaler
	PubKey       PubKeyFunc
	Metrics      *metrics.Metrics
	MaxLevel     int
	OnMessage    MessageHandler
	OnKicked     KickedHandler
	OnFile       FileHandler
}

func NewManager(cfg Config) *Manager {
	return &Manager{
		id:           cfg.Identity,
		friendlyName: cfg.FriendlyName,
		newSignaler:  cfg.NewSignaler,
		pubKey:       cfg.PubKey,
		metrics:      cfg.Metrics,
		maxLevel:     cfg.MaxLevel,
		invites:      NewInviteStore(1024),
		onMessage:    cfg.OnMessage,
		onKicked:     cfg.OnKicked,
		onFile:       cfg.OnFile,
		groups:       make(map[string]*Group),
		active:       make(map[string]*joined),
	}
}

// Create starts a brand new group with this node as creator and sole
// initial member, and activates its namespace engine.
func (m *Manager) Create(ctx context.Context, name string) (*Group, error) {
	idBytes := make([]byte, 12)
	if _, err := rand.Read(idBytes); err != nil {
		return nil, err
	}
	gid := hex.EncodeToString(idBytes)
	g, err := New(gid, name, m.id.Fingerprint(), m.id.PublicKeyBytes())
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.groups[gid] = g
	m.mu.Unlock()
	if err := m.activate(ctx, g); err != nil {
		return nil, err
	}
	return g, nil
}

// Join admits this node into an existing group using a signed
// InviteCert issued by a current member, and activates its namespace
// engine. inviterPub is the inviter's public key, needed to verify
// the certificate.
func (m *Manager) Join(ctx context.Context, cert *InviteCert, inviterPub []byte, name string) (*Group, error) {
	if err := cert.Verify(inviterPub); err != nil {
		return nil, err
	}
	if m.invites.Seen(cert.InviterFP, cert.InviteID) {
		return nil, ErrInviteReplayed
	}
	m.invites.Mark(cert.InviterFP, cert.InviteID)

	m.mu.Lock()
	g, ok := m.groups[cert.GroupID]
	m.mu.Unlock()
	if !ok {
		var err error
		g, err = New(cert.GroupID, name, cert.InviterFP, inviterPub)
		if err != nil {
			return nil, err
		}
		g.AddMember(m.id.Fingerprint(), m.id.PublicKeyBytes(), "")
		m.mu.Lock()
		m.groups[cert.GroupID] = g
		m.mu.Unlock()
	}
	if err := m.activate(ctx, g); err != nil {
		return nil, err
	}
	return g, nil
}

func (m *Manager) activate(ctx context.Context, g *Group) error {
	m.mu.Lock()
	if _, ok := m.active[g.ID]; ok {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	cfg := nsdrivers.Group(g.ID, m.id.Fingerprint(), m.friendlyName, hex.EncodeToString(m.id.PublicKeyBytes()), m.maxLevel)
	sg := m.newSignaler()
	eng := nsengine.New(cfg, sg, m.metrics)
	eng.OnCustomMessage(func(data []byte) { m.handleCustom(g, eng, data) })

	actCtx, cancel := context.WithCancel(ctx)
	if err := eng.Start(actCtx); err != nil {
		cancel()
		return err
	}

	j := &joined{engine: eng, cancel: cancel, xfers: make(map[string]*incomingFile)}
	m.mu.Lock()
	m.active[g.ID] = j
	m.mu.Unlock()

	eng.OnWelcome(func([]wire.NSMemberEntry) { m.sendCheckin(g, eng) })
	m.sendCheckin(g, eng)
	return nil
}

func (m *Manager) sendCheckin(g *Group, eng *nsengine.Engine) {
	epoch, _ := g.CurrentKey()
	data, err := wire.Encode(&wire.GroupCheckin{
		Type:        wire.TypeGroupCheckin,
		GroupID:     g.ID,
		Fingerprint: m.id.Fingerprint(),
		KeyEpoch:    epoch,
	})
	if err != nil {
		return
	}
	eng.SendCustom(data)
}

// Leave tears down this node's activation for a group and announces
// its departure so remaining members can drop it from their rosters.
func (m *Manager) Leave(gid string) {
	m.mu.Lock()
	g := m.groups[gid]
	j, ok := m.active[gid]
	m.mu.Unlock()
	if !ok {
		return
	}
	if g != nil {
		data, err := wire.Encode(&wire.GroupLeave{Type: wire.TypeGroupLeave, GroupID: gid, Fingerprint: m.id.Fingerprint()})
		if err == nil {
			j.engine.SendCustom(data)
		}
	}
	j.cancel()
	j.engine.Stop()
	m.mu.Lock()
	delete(m.active, gid)
	m.mu.Unlock()
}

// Send encrypts plaintext under the group's current key and relays it
// to every member.
func (m *Manager) Send(gid string, plaintext []byte) error {
	m.mu.Lock()
	g := m.groups[gid]
	j, ok := m.active[gid]
	m.mu.Unlock()
	if !ok || g == nil {
		return ErrNotMember
	}
	if err := sendReady(j.engine); err != nil {
		return err
	}
	epoch, key := g.CurrentKey()
	idBytes := make([]byte, 12)
	if _, err := rand.Read(idBytes); err != nil {
		return err
	}
	msgID := hex.EncodeToString(idBytes)
	iv, ct, err := SealMessage(key, gid, msgID, epoch, plaintext)
	if err != nil {
		return err
	}
	msg := &wire.GroupMessage{
		Type:       wire.TypeGroupMessage,
		GroupID:    gid,
		MessageID:  msgID,
		Sender:     m.id.Fingerprint(),
		KeyEpoch:   epoch,
		IV:         iv,
		Ciphertext: ct,
		SentAtUnix: time.Now().Unix(),
	}
	data, err := wire.Encode(msg)
	if err != nil {
		return err
	}
	m.mu.Lock()
	j.log = appendBounded(j.log, *msg, backfillCap)
	m.mu.Unlock()
	return j.engine.SendCustom(data)
}

// Invite issues and sends a GroupInvite for inviteeFP, then wraps and
// sends the current group key to it directly so the invitee can
// decrypt from the moment it joins.
func (m *Manager) Invite(gid, inviteeFP string) error {
	m.mu.Lock()
	g := m.groups[gid]
	j, ok := m.active[gid]
	m.mu.Unlock()
	if !ok || g == nil {
		return ErrNotMember
	}
	if !g.IsMember(m.id.Fingerprint()) {
		return ErrNotMember
	}
	if err := sendReady(j.engine); err != nil {
		return err
	}
	cert, err := IssueInvite(m.id, gid, inviteeFP)
	if err != nil {
		return err
	}
	encoded, err := EncodeCert(cert)
	if err != nil {
		return err
	}
	data, err := wire.Encode(&wire.GroupInvite{Type: wire.TypeGroupInvite, GroupID: gid, Cert: encoded})
	if err != nil {
		return err
	}
	if err := j.engine.SendCustom(data); err != nil {
		return err
	}
	inviteePub, ok := m.pubKey(inviteeFP)
	if !ok {
		return nil
	}
	epoch, key := g.CurrentKey()
	iv, ct, err := WrapKeyForMember(m.id, inviteePub, gid, epoch, key)
	if err != nil {
		return err
	}
	dist, err := wire.Encode(&wire.GroupKeyDistribute{
		Type:        wire.TypeGroupKeyDistribute,
		GroupID:     gid,
		SenderFP:    m.id.Fingerprint(),
		RecipientFP: inviteeFP,
		KeyEpoch:    epoch,
		IV:          iv,
		Ciphertext:  ct,
	})
	if err != nil {
		return err
	}
	return j.engine.SendCustom(dist)
}

// Kick removes targetFP from the group (creator only), rotates the
// key, and re-distributes it pairwise-sealed to every remaining
// member so the kicked member cannot decrypt any traffic sent after
// this point.
func (m *Manager) Kick(gid, targetFP, reason string) error {
	m.mu.Lock()
	g := m.groups[gid]
	j, ok := m.active[gid]
	m.mu.Unlock()
	if !ok || g == nil {
		return ErrNotMember
	}
	if g.CreatorFP != m.id.Fingerprint() {
		return ErrNotAdmin
	}
	if err := sendReady(j.engine); err != nil {
		return err
	}
	g.RemoveMember(targetFP)
	if err := m.redistributeKey(g, j.engine); err != nil {
		return err
	}
	m.metrics.IncKicks()

	kicked, err := wire.Encode(&wire.GroupKicked{Type: wire.TypeGroupKicked, GroupID: gid, Reason: reason})
	if err == nil {
		j.engine.SendCustom(kicked)
	}
	return nil
}

// redistributeKey rotates g's key and pairwise re-seals the new one to
// every remaining member, the sequence a kick and a router-observed
// voluntary leave both need so nobody who is no longer a member can
// decrypt any traffic sent after they left.
func (m *Manager) redistributeKey(g *Group, eng *nsengine.Engine) error {
	epoch, newKey, err := g.RotateKey()
	if err != nil {
		return err
	}
	m.metrics.IncKeyRotations()
	for _, member := range g.Members() {
		iv, ct, err := WrapKeyForMember(m.id, member.PubKey, g.ID, epoch, newKey)
		if err != nil {
			continue
		}
		rotate, err := wire.Encode(&wire.GroupKeyRotate{
			Type:        wire.TypeGroupKeyRotate,
			GroupID:     g.ID,
			SenderFP:    m.id.Fingerprint(),
			RecipientFP: member.Fingerprint,
			KeyEpoch:    epoch,
			IV:          iv,
			Ciphertext:  ct,
		})
		if err != nil {
			continue
		}
		eng.SendCustom(rotate)
	}
	return nil
}

// RequestBackfill asks the group's router for messages since the
// last one this node holds.
func (m *Manager) RequestBackfill(gid, afterID string, limit int) error {
	m.mu.Lock()
	j, ok := m.active[gid]
	m.mu.Unlock()
	if !ok {
		return ErrNotMember
	}
	data, err := wire.Encode(&wire.GroupBackfillRequest{Type: wire.TypeGroupBackfillReq, GroupID: gid, AfterID: afterID, Limit: limit})
	if err != nil {
		return err
	}
	return j.engine.SendCustom(data)
}

func (m *Manager) handleCustom(g *Group, eng *nsengine.Engine, data []byte) {
	msg, err := wire.Decode(data)
	if err != nil {
		return
	}
	switch mm := msg.(type) {
	case *wire.GroupCheckin:
		if !g.IsMember(mm.Fingerprint) {
			if pub, ok := m.pubKey(mm.Fingerprint); ok {
				g.AddMember(mm.Fingerprint, pub, "")
			}
		} else {
			g.touchMember(mm.Fingerprint)
		}
		m.relayIfRouter(g, eng, data)
	case *wire.GroupMessage:
		m.handleMessage(g, eng, data, mm)
	case *wire.GroupRelay:
		m.relayIfRouter(g, eng, data)
	case *wire.GroupKeyDistribute:
		m.handleKeyDistribute(g, mm)
		m.relayIfRouter(g, eng, data)
	case *wire.GroupKeyRotate:
		m.handleKeyRotate(g, mm)
		m.relayIfRouter(g, eng, data)
	case *wire.GroupKicked:
		if m.onKicked != nil {
			m.onKicked(g.ID, mm.Reason)
		}
	case *wire.GroupLeave:
		g.RemoveMember(mm.Fingerprint)
		if eng.Snapshot().Role == nsengine.RoleRouter {
			m.redistributeKey(g, eng)
		}
		m.relayIfRouter(g, eng, data)
	case *wire.GroupBackfillRequest:
		m.handleBackfillRequest(g, eng, mm)
	case *wire.GroupBackfillResponse:
		m.handleBackfillResponse(g, mm)
	case *wire.GroupFileStart, *wire.GroupFileChunk, *wire.GroupFileEnd:
		m.handleFileFrame(g, eng, data, msg)
	case *wire.GroupCallStart, *wire.GroupCallJoin, *wire.GroupCallLeave, *wire.GroupCallSignal:
		m.relayIfRouter(g, eng, data)
	}
}

// relayIfRouter rebroadcasts data to every member if this activation
// currently holds the router role for the group's namespace,
// bounding fanout to the router's own connections (spec.md's
// router-mediated group relay).
func (m *Manager) relayIfRouter(g *Group, eng *nsengine.Engine, data []byte) {
	if eng.Snapshot().Role != nsengine.RoleRouter {
		return
	}
	eng.SendCustom(data)
	m.metrics.IncMessagesRelayed()
}

func (m *Manager) handleMessage(g *Group, eng *nsengine.Engine, data []byte, mm *wire.GroupMessage) {
	m.mu.Lock()
	j := m.active[g.ID]
	if j != nil {
		j.log = appendBounded(j.log, *mm, backfillCap)
	}
	m.mu.Unlock()
	m.relayIfRouter(g, eng, data)
	if mm.Sender == m.id.Fingerprint() {
		return
	}
	pt, err := OpenMessageAnyEpoch(g, mm)
	if err != nil {
		return
	}
	if m.onMessage != nil {
		m.onMessage(g.ID, mm.Sender, pt, time.Unix(mm.SentAtUnix, 0))
	}
}

func (m *Manager) handleKeyDistribute(g *Group, mm *wire.GroupKeyDistribute) {
	if mm.RecipientFP != m.id.Fingerprint() {
		return
	}
	// Any current member may be the one who invited us and sealed this
	// key, not just the group's creator.
	if !g.IsMember(mm.SenderFP) {
		return
	}
	senderPub, ok := m.pubKey(mm.SenderFP)
	if !ok {
		return
	}
	key, err := UnwrapKeyFromMember(m.id, senderPub, g.ID, mm.KeyEpoch, mm.IV, mm.Ciphertext)
	if err != nil {
		return
	}
	g.installKeyAt(mm.KeyEpoch, key)
}

func (m *Manager) handleKeyRotate(g *Group, mm *wire.GroupKeyRotate) {
	if mm.RecipientFP != m.id.Fingerprint() {
		return
	}
	// The rotation is broadcast by whoever currently holds the
	// namespace router role, not necessarily the group's creator.
	if !g.IsMember(mm.SenderFP) {
		return
	}
	senderPub, ok := m.pubKey(mm.SenderFP)
	if !ok {
		return
	}
	key, err := UnwrapKeyFromMember(m.id, senderPub, g.ID, mm.KeyEpoch, mm.IV, mm.Ciphertext)
	if err != nil {
		return
	}
	g.installKeyAt(mm.KeyEpoch, key)
}

func (m *Manager) handleBackfillRequest(g *Group, eng *nsengine.Engine, mm *wire.GroupBackfillRequest) {
	if eng.Snapshot().Role != nsengine.RoleRouter {
		return
	}
	m.mu.Lock()
	j := m.active[g.ID]
	m.mu.Unlock()
	if j == nil {
		return
	}
	limit := mm.Limit
	if limit <= 0 || limit > backfillCap {
		limit = backfillCap
	}
	var out []wire.GroupMessage
	past := mm.AfterID == ""
	for _, entry := range j.log {
		if past {
			out = append(out, entry)
		} else if entry.MessageID == mm.AfterID {
			past = true
		}
		if len(out) >= limit {
			break
		}
	}
	resp, err := wire.Encode(&wire.GroupBackfillResponse{
		Type:     wire.TypeGroupBackfillRes,
		GroupID:  g.ID,
		Messages: out,
		More:     len(j.log) > len(out),
	})
	if err != nil {
		return
	}
	eng.SendCustom(resp)
}

func (m *Manager) handleBackfillResponse(g *Group, mm *wire.GroupBackfillResponse) {
	for i := range mm.Messages {
		msg := mm.Messages[i]
		if msg.Sender == m.id.Fingerprint() {
			continue
		}
		pt, err := OpenMessageAnyEpoch(g, &msg)
		if err != nil {
			continue
		}
		if m.onMessage != nil {
			m.onMessage(g.ID, msg.Sender, pt, time.Unix(msg.SentAtUnix, 0))
		}
	}
}

func appendBounded(log []wire.GroupMessage, msg wire.GroupMessage, cap int) []wire.GroupMessage {
	log = append(log, msg)
	if len(log) > cap {
		log = log[len(log)-cap:]
	}
	return log
}

// touchMember refreshes a checked-in member's JoinedAt if it is
// already known; unlike AddMember it never clobbers a stored pubkey
// with a checkin frame that carries none.
func (g *Group) touchMember(fp string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if existing, ok := g.members[fp]; ok {
		existing.JoinedAt = time.Now()
		g.members[fp] = existing
		return
	}
	g.members[fp] = Member{Fingerprint: fp, JoinedAt: time.Now()}
}

// installKeyAt lets the router package install a key received via key
// distribution/rotation without exposing the raw key map outside the
// package.
func (g *Group) installKeyAt(epoch uint64, key []byte) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.keyHistory[epoch] = key
	if epoch >= g.keyEpoch {
		g.keyEpoch = epoch
		g.currentKey = key
	}
}
