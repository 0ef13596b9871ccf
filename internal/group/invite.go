package group

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"time"

	"github.com/veilmesh/peerlink/internal/identity"
	"github.com/veilmesh/peerlink/internal/store"
)

var ErrInviteExpired = errors.New("group: invite certificate expired")
var ErrInviteBadSig = errors.New("group: invite certificate signature invalid")
var ErrInviteReplayed = errors.New("group: invite certificate already seen")

// InviteTTL bounds how long an issued InviteCert remains redeemable.
const InviteTTL = 24 * time.Hour

// InviteCert authorizes one fingerprint to join one group, signed by
// a current member (any member may invite; admin-only actions are
// limited to Kick). Grounded on the teacher's revoke certificate
// shape (RevokerNodeID/RevokeID/IssuedAt in internal/peer/revoke.go),
// generalized from "who revoked what" to "who invited whom".
type InviteCert struct {
	GroupID    string `json:"group_id"`
	InviteID   string `json:"invite_id"`
	InviterFP  string `json:"inviter_fp"`
	InviteeFP  string `json:"invitee_fp"`
	IssuedUnix int64  `json:"issued_unix"`
	Sig        string `json:"sig"`
}

func inviteSignedBytes(groupID, inviteID, inviterFP, inviteeFP string, issued int64) []byte {
	buf := make([]byte, 0, len(groupID)+len(inviteID)+len(inviterFP)+len(inviteeFP)+8)
	buf = append(buf, groupID...)
	buf = append(buf, inviteID...)
	buf = append(buf, inviterFP...)
	buf = append(buf, inviteeFP...)
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(issued))
	buf = append(buf, ts[:]...)
	return buf
}

// IssueInvite mints a signed InviteCert admitting inviteeFP into
// groupID, signed by inviter.
func IssueInvite(inviter *identity.Identity, groupID, inviteeFP string) (*InviteCert, error) {
	idBytes := make([]byte, 16)
	if _, err := rand.Read(idBytes); err != nil {
		return nil, err
	}
	inviteID := hex.EncodeToString(idBytes)
	issued := time.Now().Unix()
	sig, err := inviter.Sign(inviteSignedBytes(groupID, inviteID, inviter.Fingerprint(), inviteeFP, issued))
	if err != nil {
		return nil, err
	}
	return &InviteCert{
		GroupID:    groupID,
		InviteID:   inviteID,
		InviterFP:  inviter.Fingerprint(),
		InviteeFP:  inviteeFP,
		IssuedUnix: issued,
		Sig:        hex.EncodeToString(sig),
	}, nil
}

// Verify checks the certificate's signature against the inviter's
// public key and that it has not expired.
func (c *InviteCert) Verify(inviterPub []byte) error {
	if time.Since(time.Unix(c.IssuedUnix, 0)) > InviteTTL {
		return ErrInviteExpired
	}
	sig, err := hex.DecodeString(c.Sig)
	if err != nil {
		return ErrInviteBadSig
	}
	msg := inviteSignedBytes(c.GroupID, c.InviteID, c.InviterFP, c.InviteeFP, c.IssuedUnix)
	if err := identity.Verify(inviterPub, msg, sig); err != nil {
		return ErrInviteBadSig
	}
	return nil
}

// EncodeCert base64-JSON-encodes a cert for wire.GroupInvite.Cert.
func EncodeCert(c *InviteCert) (string, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

func DecodeCert(s string) (*InviteCert, error) {
	data, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, err
	}
	var c InviteCert
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

// InviteStore dedups (inviterFP, inviteID) pairs so a replayed invite
// (an inviter's connection retrying the same GroupInvite frame) is
// not processed twice, built atop the generic LRU hot-set rather than
// reimplementing the teacher's hand-rolled hot/order machinery.
type InviteStore struct {
	seen *store.LRU
}

func NewInviteStore(capacity int) *InviteStore {
	return &InviteStore{seen: store.NewLRU(capacity, InviteTTL)}
}

func inviteKey(inviterFP, inviteID string) string { return inviterFP + ":" + inviteID }

// Seen reports whether this exact invite certificate has already been
// admitted.
func (s *InviteStore) Seen(inviterFP, inviteID string) bool {
	_, ok := s.seen.Get(inviteKey(inviterFP, inviteID))
	return ok
}

// Mark records an invite certificate as processed.
func (s *InviteStore) Mark(inviterFP, inviteID string) {
	s.seen.Put(inviteKey(inviterFP, inviteID), true)
}
