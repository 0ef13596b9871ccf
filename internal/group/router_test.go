package group

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/veilmesh/peerlink/internal/identity"
	"github.com/veilmesh/peerlink/internal/metrics"
	"github.com/veilmesh/peerlink/internal/nsengine"
	"github.com/veilmesh/peerlink/internal/signaling"
	"github.com/veilmesh/peerlink/internal/transport"
)

type fixture struct {
	ids     map[string]*identity.Identity
	pubKeys map[string][]byte
	mgrs    map[string]*Manager
}

func newFixture(t *testing.T, names ...string) *fixture {
	t.Helper()
	dir := signaling.NewDirectory()
	eps := transport.NewMemoryNetwork(names...)

	f := &fixture{
		ids:     make(map[string]*identity.Identity),
		pubKeys: make(map[string][]byte),
		mgrs:    make(map[string]*Manager),
	}
	for _, name := range names {
		id := mustID(t)
		f.ids[name] = id
		f.pubKeys[id.Fingerprint()] = id.PublicKeyBytes()
	}
	pubKeyFunc := func(fp string) ([]byte, bool) {
		pk, ok := f.pubKeys[fp]
		return pk, ok
	}
	for _, name := range names {
		id := f.ids[name]
		ep := eps[name]
		f.mgrs[name] = NewManager(Config{
			Identity:    id,
			NewSignaler: func() nsengine.Signaler { return signaling.New(ep, dir) },
			PubKey:      pubKeyFunc,
			Metrics:     metrics.New(),
		})
	}
	return f
}

func TestTwoMembersExchangeGroupMessages(t *testing.T) {
	f := newFixture(t, "creator", "invitee")
	creatorMgr := f.mgrs["creator"]
	inviteeMgr := f.mgrs["invitee"]
	creatorID := f.ids["creator"]
	inviteeID := f.ids["invitee"]

	received := make(chan string, 4)
	inviteeMgr.onMessage = func(gid, sender string, plaintext []byte, _ time.Time) {
		received <- string(plaintext)
	}
	creatorReceived := make(chan string, 4)
	creatorMgr.onMessage = func(gid, sender string, plaintext []byte, _ time.Time) {
		creatorReceived <- string(plaintext)
	}

	g, err := creatorMgr.Create(t.Context(), "friends")
	require.NoError(t, err)

	cert, err := IssueInvite(creatorID, g.ID, inviteeID.Fingerprint())
	require.NoError(t, err)

	_, err = inviteeMgr.Join(t.Context(), cert, creatorID.PublicKeyBytes(), "friends")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return creatorMgr.Invite(g.ID, inviteeID.Fingerprint()) == nil
	}, 3*time.Second, 20*time.Millisecond)

	require.Eventually(t, func() bool {
		return creatorMgr.Send(g.ID, []byte("hello invitee")) == nil
	}, 2*time.Second, 20*time.Millisecond)

	select {
	case msg := <-received:
		require.Equal(t, "hello invitee", msg)
	case <-time.After(3 * time.Second):
		t.Fatal("invitee never received the group message")
	}

	require.NoError(t, inviteeMgr.Send(g.ID, []byte("hi back")))
	select {
	case msg := <-creatorReceived:
		require.Equal(t, "hi back", msg)
	case <-time.After(3 * time.Second):
		t.Fatal("creator never received the reply")
	}
}

func TestKickedMemberCannotDecryptPostKickTraffic(t *testing.T) {
	f := newFixture(t, "creator", "member", "target")
	creatorMgr := f.mgrs["creator"]
	memberMgr := f.mgrs["member"]
	targetMgr := f.mgrs["target"]
	creatorID := f.ids["creator"]
	memberID := f.ids["member"]
	targetID := f.ids["target"]

	memberReceived := make(chan string, 4)
	memberMgr.onMessage = func(gid, sender string, plaintext []byte, _ time.Time) {
		memberReceived <- string(plaintext)
	}
	targetKicked := make(chan string, 1)
	targetMgr.onKicked = func(gid, reason string) { targetKicked <- gid }

	g, err := creatorMgr.Create(t.Context(), "trio")
	require.NoError(t, err)

	for _, invitee := range []*identity.Identity{memberID, targetID} {
		cert, err := IssueInvite(creatorID, g.ID, invitee.Fingerprint())
		require.NoError(t, err)
		var joinMgr *Manager
		if invitee == memberID {
			joinMgr = memberMgr
		} else {
			joinMgr = targetMgr
		}
		_, err = joinMgr.Join(t.Context(), cert, creatorID.PublicKeyBytes(), "trio")
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool {
		return creatorMgr.Invite(g.ID, memberID.Fingerprint()) == nil &&
			creatorMgr.Invite(g.ID, targetID.Fingerprint()) == nil
	}, 3*time.Second, 20*time.Millisecond)

	require.Eventually(t, func() bool {
		return creatorMgr.Kick(g.ID, targetID.Fingerprint(), "abuse") == nil
	}, 3*time.Second, 20*time.Millisecond)

	select {
	case gid := <-targetKicked:
		require.Equal(t, g.ID, gid)
	case <-time.After(3 * time.Second):
		t.Fatal("target was never notified of its own kick")
	}

	require.Eventually(t, func() bool {
		return creatorMgr.Send(g.ID, []byte("post-kick secret")) == nil
	}, 2*time.Second, 20*time.Millisecond)

	select {
	case msg := <-memberReceived:
		require.Equal(t, "post-kick secret", msg)
	case <-time.After(3 * time.Second):
		t.Fatal("surviving member never received post-kick traffic")
	}

	targetGroup, ok := targetMgr.groups[g.ID]
	require.True(t, ok)
	currentEpoch, _ := creatorMgr.groups[g.ID].CurrentKey()
	_, err = targetGroup.KeyAt(currentEpoch)
	require.Error(t, err, "kicked member must not hold the post-kick epoch key")
}

func TestVoluntaryLeaveTriggersKeyRotationForRemainingMembers(t *testing.T) {
	f := newFixture(t, "creator", "member", "leaver")
	creatorMgr := f.mgrs["creator"]
	memberMgr := f.mgrs["member"]
	leaverMgr := f.mgrs["leaver"]
	creatorID := f.ids["creator"]
	memberID := f.ids["member"]
	leaverID := f.ids["leaver"]

	memberReceived := make(chan string, 4)
	memberMgr.onMessage = func(gid, sender string, plaintext []byte, _ time.Time) {
		memberReceived <- string(plaintext)
	}

	g, err := creatorMgr.Create(t.Context(), "trio")
	require.NoError(t, err)

	for _, invitee := range []*identity.Identity{memberID, leaverID} {
		cert, err := IssueInvite(creatorID, g.ID, invitee.Fingerprint())
		require.NoError(t, err)
		joinMgr := memberMgr
		if invitee == leaverID {
			joinMgr = leaverMgr
		}
		_, err = joinMgr.Join(t.Context(), cert, creatorID.PublicKeyBytes(), "trio")
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool {
		return creatorMgr.Invite(g.ID, memberID.Fingerprint()) == nil &&
			creatorMgr.Invite(g.ID, leaverID.Fingerprint()) == nil
	}, 3*time.Second, 20*time.Millisecond)

	preLeaveEpoch, _ := creatorMgr.groups[g.ID].CurrentKey()

	leaverMgr.Leave(g.ID)

	require.Eventually(t, func() bool {
		epoch, _ := creatorMgr.groups[g.ID].CurrentKey()
		return epoch > preLeaveEpoch
	}, 3*time.Second, 20*time.Millisecond, "router never rotated the group key after a voluntary leave")

	require.Eventually(t, func() bool {
		return creatorMgr.Send(g.ID, []byte("post-leave secret")) == nil
	}, 2*time.Second, 20*time.Millisecond)

	select {
	case msg := <-memberReceived:
		require.Equal(t, "post-leave secret", msg)
	case <-time.After(3 * time.Second):
		t.Fatal("surviving member never received post-leave traffic")
	}

	leaverGroup, ok := leaverMgr.groups[g.ID]
	require.True(t, ok)
	currentEpoch, _ := creatorMgr.groups[g.ID].CurrentKey()
	_, err = leaverGroup.KeyAt(currentEpoch)
	require.Error(t, err, "a member that left must not hold the post-leave epoch key")
}

// TestNonCreatorInviteDeliversUsableKey exercises the case the two
// rotation tests above miss entirely by always running with
// creator==inviter: a member who did not create the group invites a
// third party and seals the group key with its own identity, not the
// creator's.
func TestNonCreatorInviteDeliversUsableKey(t *testing.T) {
	f := newFixture(t, "creator", "member", "friend")
	creatorMgr := f.mgrs["creator"]
	memberMgr := f.mgrs["member"]
	friendMgr := f.mgrs["friend"]
	creatorID := f.ids["creator"]
	memberID := f.ids["member"]
	friendID := f.ids["friend"]

	friendReceived := make(chan string, 4)
	friendMgr.onMessage = func(gid, sender string, plaintext []byte, _ time.Time) {
		friendReceived <- string(plaintext)
	}

	g, err := creatorMgr.Create(t.Context(), "trio")
	require.NoError(t, err)

	memberCert, err := IssueInvite(creatorID, g.ID, memberID.Fingerprint())
	require.NoError(t, err)
	_, err = memberMgr.Join(t.Context(), memberCert, creatorID.PublicKeyBytes(), "trio")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return creatorMgr.Invite(g.ID, memberID.Fingerprint()) == nil
	}, 3*time.Second, 20*time.Millisecond)

	epoch, _ := creatorMgr.groups[g.ID].CurrentKey()
	require.Eventually(t, func() bool {
		_, err := memberMgr.groups[g.ID].KeyAt(epoch)
		return err == nil
	}, 3*time.Second, 20*time.Millisecond, "member never installed the creator-sealed group key")

	// member, not the creator, invites friend and seals the key itself.
	friendCert, err := IssueInvite(memberID, g.ID, friendID.Fingerprint())
	require.NoError(t, err)
	_, err = friendMgr.Join(t.Context(), friendCert, memberID.PublicKeyBytes(), "trio")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return memberMgr.Invite(g.ID, friendID.Fingerprint()) == nil
	}, 3*time.Second, 20*time.Millisecond)

	require.Eventually(t, func() bool {
		_, err := friendMgr.groups[g.ID].KeyAt(epoch)
		return err == nil
	}, 3*time.Second, 20*time.Millisecond, "friend never installed the non-creator-sealed group key")

	require.Eventually(t, func() bool {
		return creatorMgr.Send(g.ID, []byte("hello from creator")) == nil
	}, 2*time.Second, 20*time.Millisecond)

	select {
	case msg := <-friendReceived:
		require.Equal(t, "hello from creator", msg)
	case <-time.After(3 * time.Second):
		t.Fatal("friend never decrypted traffic sealed under the non-creator-delivered key")
	}
}
