package wire

import "encoding/json"

// Message type discriminators. Every wire struct's Type field is one
// of these constants; PeekType/extractType read this field before the
// rest of the envelope is decoded.
const (
	TypeHello           = "hello"
	TypeHandshakeReq     = "handshake-request"
	TypeHandshakeAccept  = "handshake-accepted"
	TypeHandshakeReject  = "handshake-rejected"
	TypeDirectMessage    = "dm-message"
	TypeDirectAck        = "dm-ack"
	TypeDirectEdit       = "dm-edit"
	TypeDirectDelete     = "dm-delete"
	TypeNameUpdate       = "name-update"

	TypeNSCheckin        = "ns-checkin"
	TypeNSRegistry       = "ns-registry"
	TypeNSPing           = "ns-ping"
	TypeNSPong           = "ns-pong"
	TypeNSMigrate        = "ns-migrate"
	TypeNSWelcome        = "ns-welcome"
	TypeNSReverseWelcome = "ns-reverse-welcome"

	TypeRendezvousHello  = "rvz-hello"
	TypeRvzExchange      = "rvz-exchange"

	TypeFileStart        = "file-start"
	TypeFileChunk        = "file-chunk"
	TypeFileEnd          = "file-end"
	TypeFileAck          = "file-ack"

	TypeCallNotify       = "call-notify"
	TypeCallAnswered     = "call-answered"
	TypeCallRejected     = "call-rejected"
	TypeCallSignal       = "call-signal"
	TypeCallEnd          = "call-end"

	TypeGroupInvite      = "group-invite"
	TypeGroupCheckin     = "group-checkin"
	TypeGroupMessage     = "group-message"
	TypeGroupRelay       = "group-relay"
	TypeGroupAck         = "group-ack"
	TypeGroupEdit        = "group-edit"
	TypeGroupDelete      = "group-delete"
	TypeGroupInfoUpdate  = "group-info-update"
	TypeGroupBackfillReq = "group-backfill-request"
	TypeGroupBackfillRes = "group-backfill-response"
	TypeGroupKeyDistribute = "group-key-distribute"
	TypeGroupKeyRotate   = "group-key-rotate"
	TypeGroupKicked      = "group-kicked"
	TypeGroupLeave       = "group-leave"

	TypeGroupFileStart   = "group-file-start"
	TypeGroupFileChunk   = "group-file-chunk"
	TypeGroupFileEnd     = "group-file-end"

	TypeGroupCallStart  = "group-call-start"
	TypeGroupCallJoin   = "group-call-join"
	TypeGroupCallLeave  = "group-call-leave"
	TypeGroupCallSignal = "group-call-signal"
)

// Hello is the first message sent on a freshly opened transport
// endpoint, carrying the sender's long-term public key so the peer
// can compute the pairwise key before anything else is exchanged.
type Hello struct {
	Type      string `json:"type"`
	PublicKey string `json:"public_key"` // hex-encoded uncompressed P-256 point
	Nonce     string `json:"nonce"`      // hex, anti-replay for the handshake proof
}

// HandshakeRequest asks the receiving side to accept a direct session.
type HandshakeRequest struct {
	Type        string `json:"type"`
	Fingerprint string `json:"fingerprint"`
	PublicKey   string `json:"public_key"`
	DisplayName string `json:"display_name,omitempty"`
	Proof       string `json:"proof"` // signature over PublicKey, proves possession of priv key
}

type HandshakeAccepted struct {
	Type        string `json:"type"`
	Fingerprint string `json:"fingerprint"`
	DisplayName string `json:"display_name,omitempty"`
	Proof       string `json:"proof"`
}

type HandshakeRejected struct {
	Type   string `json:"type"`
	Reason string `json:"reason"`
}

// DirectMessage is an end-to-end encrypted 1:1 chat message. Ciphertext
// wraps a plaintext payload sealed under the pairwise AES key; the IV
// travels alongside it so either side can independently verify
// integrity (spec.md §4.1, §6).
type DirectMessage struct {
	Type      string `json:"type"`
	MessageID string `json:"message_id"`
	IV        string `json:"iv"`
	Ciphertext string `json:"ciphertext"`
	SentAtUnix int64  `json:"sent_at"`
}

type DirectAck struct {
	Type      string `json:"type"`
	MessageID string `json:"message_id"`
}

type DirectEdit struct {
	Type       string `json:"type"`
	MessageID  string `json:"message_id"`
	IV         string `json:"iv"`
	Ciphertext string `json:"ciphertext"`
}

type DirectDelete struct {
	Type      string `json:"type"`
	MessageID string `json:"message_id"`
}

type NameUpdate struct {
	Type        string `json:"type"`
	DisplayName string `json:"display_name"`
}

// NSCheckin is sent by every namespace member on the interval described
// in spec.md §4.2; the driver-supplied Namespace name and metadata
// blob let a single NE implementation serve public-IP, custom, geo,
// group, and rendezvous namespaces uniformly.
type NSCheckin struct {
	Type         string          `json:"type"`
	Namespace    string          `json:"namespace"`
	Fingerprint  string          `json:"fingerprint"`
	DiscoveryID  string          `json:"discovery_id"`
	FriendlyName string          `json:"friendly_name,omitempty"`
	PublicKey    string          `json:"public_key"`
	Role         string          `json:"role"` // "router" | "member" | "peer"
	Epoch        uint64          `json:"epoch"`
	Meta         json.RawMessage `json:"meta,omitempty"`
}

// NSRegistry is the router's periodic broadcast of the full membership
// table it currently holds, used by members to detect a stale local
// view and by challengers to detect an already-elected router.
type NSRegistry struct {
	Type      string       `json:"type"`
	Namespace string       `json:"namespace"`
	Epoch     uint64       `json:"epoch"`
	Router    string       `json:"router"`
	Members   []NSMemberEntry `json:"members"`
}

type NSMemberEntry struct {
	Fingerprint  string `json:"fingerprint"`
	DiscoveryID  string `json:"discovery_id"`
	Address      string `json:"address,omitempty"`
	FriendlyName string `json:"friendly_name,omitempty"`
	PublicKey    string `json:"public_key,omitempty"`
	LastSeen     int64  `json:"last_seen"`
}

type NSPing struct {
	Type      string `json:"type"`
	Namespace string `json:"namespace"`
	Epoch     uint64 `json:"epoch"`
}

type NSPong struct {
	Type      string `json:"type"`
	Namespace string `json:"namespace"`
	Epoch     uint64 `json:"epoch"`
}

// NSMigrate tells a member that the router has changed epoch or
// identity and it should re-checkin against the new router.
type NSMigrate struct {
	Type      string `json:"type"`
	Namespace string `json:"namespace"`
	NewRouter string `json:"new_router"`
	Epoch     uint64 `json:"epoch"`
}

type NSWelcome struct {
	Type      string          `json:"type"`
	Namespace string          `json:"namespace"`
	Epoch     uint64          `json:"epoch"`
	Members   []NSMemberEntry `json:"members"`
}

// NSReverseWelcome is sent by a router that dials into a peer-slot
// waiter it holds open (the connection direction there is inverted
// from the normal member-dials-router flow), announcing itself before
// expecting the peer's checkin.
type NSReverseWelcome struct {
	Type      string `json:"type"`
	Namespace string `json:"namespace"`
	Router    string `json:"router"`
	Epoch     uint64 `json:"epoch"`
}

// RendezvousHello is exchanged inside a rendezvous namespace slug; it
// carries the sender's long-term identity so a first-contact pair can
// bootstrap a direct handshake once they find each other there.
type RendezvousHello struct {
	Type        string `json:"type"`
	Fingerprint string `json:"fingerprint"`
	PublicKey   string `json:"public_key"`
	WindowIndex uint64 `json:"window_index"`
}

// RvzExchange is what two peers who found each other inside a
// rendezvous namespace slug send one another to complete direct
// reconnection: enough to dial back and to verify the sender actually
// controls the identity the slug was derived for.
type RvzExchange struct {
	Type            string `json:"type"`
	Address         string `json:"address"`
	FriendlyName    string `json:"friendly_name,omitempty"`
	PublicKey       string `json:"public_key"`
	SignedTimestamp string `json:"signed_timestamp"` // signature over the unix timestamp below
	TimestampUnix   int64  `json:"timestamp_unix"`
}

type FileStart struct {
	Type       string `json:"type"`
	TransferID string `json:"transfer_id"`
	FileName   string `json:"file_name"`
	Size       int64  `json:"size"`
	ChunkCount int    `json:"chunk_count"`
	SHA256     string `json:"sha256"`
	IV         string `json:"iv"`
}

type FileChunk struct {
	Type       string `json:"type"`
	TransferID string `json:"transfer_id"`
	Index      int    `json:"index"`
	Ciphertext string `json:"ciphertext"`
}

type FileEnd struct {
	Type       string `json:"type"`
	TransferID string `json:"transfer_id"`
}

type FileAck struct {
	Type       string `json:"type"`
	TransferID string `json:"transfer_id"`
	Index      int    `json:"index"`
	Ok         bool   `json:"ok"`
}

// CallNotify/CallSignal carry only signaling data (spec.md non-goal:
// media transport itself is out of scope); the payload is opaque SDP-
// like text the caller and callee application layer interpret.
type CallNotify struct {
	Type    string `json:"type"`
	CallID  string `json:"call_id"`
	Kind    string `json:"kind"` // "audio" | "video"
	Payload string `json:"payload,omitempty"`
}

type CallAnswered struct {
	Type    string `json:"type"`
	CallID  string `json:"call_id"`
	Payload string `json:"payload,omitempty"`
}

type CallRejected struct {
	Type   string `json:"type"`
	CallID string `json:"call_id"`
	Reason string `json:"reason,omitempty"`
}

type CallSignal struct {
	Type    string `json:"type"`
	CallID  string `json:"call_id"`
	Payload string `json:"payload"`
}

type CallEnd struct {
	Type   string `json:"type"`
	CallID string `json:"call_id"`
}

// GroupInvite carries a signed InviteCert (see internal/group) proving
// the inviter is a current member authorized to admit new members.
type GroupInvite struct {
	Type       string `json:"type"`
	GroupID    string `json:"group_id"`
	Cert       string `json:"cert"` // base64 JSON-encoded InviteCert
}

type GroupCheckin struct {
	Type        string `json:"type"`
	GroupID     string `json:"group_id"`
	Fingerprint string `json:"fingerprint"`
	KeyEpoch    uint64 `json:"key_epoch"`
}

// GroupMessage is a group chat message sealed under the group's
// current symmetric key (spec.md §4.7: "group key, not per-pair").
type GroupMessage struct {
	Type       string `json:"type"`
	GroupID    string `json:"group_id"`
	MessageID  string `json:"message_id"`
	Sender     string `json:"sender"`
	KeyEpoch   uint64 `json:"key_epoch"`
	IV         string `json:"iv"`
	Ciphertext string `json:"ciphertext"`
	SentAtUnix int64  `json:"sent_at"`
}

// GroupRelay wraps a GroupMessage (or edit/delete) when a member
// forwards it on behalf of the router to peers it directly reaches,
// bounding fanout to the router's own connection count.
type GroupRelay struct {
	Type    string          `json:"type"`
	GroupID string          `json:"group_id"`
	Inner   json.RawMessage `json:"inner"`
}

type GroupAck struct {
	Type        string `json:"type"`
	GroupID     string `json:"group_id"`
	MessageID   string `json:"message_id"`
	Fingerprint string `json:"fingerprint"`
}

type GroupEdit struct {
	Type       string `json:"type"`
	GroupID    string `json:"group_id"`
	MessageID  string `json:"message_id"`
	KeyEpoch   uint64 `json:"key_epoch"`
	IV         string `json:"iv"`
	Ciphertext string `json:"ciphertext"`
}

type GroupDelete struct {
	Type      string `json:"type"`
	GroupID   string `json:"group_id"`
	MessageID string `json:"message_id"`
}

type GroupInfoUpdate struct {
	Type       string `json:"type"`
	GroupID    string `json:"group_id"`
	KeyEpoch   uint64 `json:"key_epoch"`
	IV         string `json:"iv"`
	Ciphertext string `json:"ciphertext"` // encrypted group name/topic blob
}

// GroupBackfillRequest asks a router (or any longer-lived member) for
// messages the requester missed while offline, bounded by AfterID
// (spec.md §4.7 "backfill", Non-goal: no full history sync).
type GroupBackfillRequest struct {
	Type    string `json:"type"`
	GroupID string `json:"group_id"`
	AfterID string `json:"after_id,omitempty"`
	Limit   int    `json:"limit"`
}

type GroupBackfillResponse struct {
	Type     string         `json:"type"`
	GroupID  string         `json:"group_id"`
	Messages []GroupMessage `json:"messages"`
	More     bool           `json:"more"`
}

// GroupKeyDistribute delivers the current group symmetric key to a
// newly invited member, sealed under the pairwise key between the
// distributor and the new member (never sent unencrypted). SenderFP
// names whoever actually sealed it — the inviter, not necessarily the
// group's creator — so the recipient derives the matching pairwise key
// to unwrap it.
type GroupKeyDistribute struct {
	Type        string `json:"type"`
	GroupID     string `json:"group_id"`
	SenderFP    string `json:"sender_fp"`
	RecipientFP string `json:"recipient_fp"`
	KeyEpoch    uint64 `json:"key_epoch"`
	IV          string `json:"iv"`
	Ciphertext  string `json:"ciphertext"` // wraps the raw group key
}

// GroupKeyRotate announces a key epoch bump after a kick or a
// voluntary leave, sent to every remaining member individually, sealed
// pairwise (spec.md §4.7: "kick rotates the key so the removed member
// cannot read future messages"). SenderFP is whoever performed the
// rotation: the group's creator for a kick, or the node holding the
// namespace router role when it observes a leave.
type GroupKeyRotate struct {
	Type        string `json:"type"`
	GroupID     string `json:"group_id"`
	SenderFP    string `json:"sender_fp"`
	RecipientFP string `json:"recipient_fp"`
	KeyEpoch    uint64 `json:"key_epoch"`
	IV          string `json:"iv"`
	Ciphertext  string `json:"ciphertext"`
}

type GroupKicked struct {
	Type    string `json:"type"`
	GroupID string `json:"group_id"`
	Reason  string `json:"reason,omitempty"`
}

type GroupLeave struct {
	Type        string `json:"type"`
	GroupID     string `json:"group_id"`
	Fingerprint string `json:"fingerprint"`
}

// GroupFileStart/Chunk/End mirror FileStart/Chunk/End but scoped to a
// group so the router can relay and assemble its own local copy for
// backfill while every member assembles independently (spec.md's
// group file transfer, chunk size <= 16KiB).
type GroupFileStart struct {
	Type       string `json:"type"`
	GroupID    string `json:"group_id"`
	TransferID string `json:"transfer_id"`
	FileName   string `json:"file_name"`
	Size       int64  `json:"size"`
	ChunkCount int    `json:"chunk_count"`
	SHA256     string `json:"sha256"`
	IV         string `json:"iv"`
}

type GroupFileChunk struct {
	Type       string `json:"type"`
	GroupID    string `json:"group_id"`
	TransferID string `json:"transfer_id"`
	Index      int    `json:"index"`
	Ciphertext string `json:"ciphertext"`
}

type GroupFileEnd struct {
	Type       string `json:"type"`
	GroupID    string `json:"group_id"`
	TransferID string `json:"transfer_id"`
}

// GroupCallStart/Join/Leave/Signal carry only group-call signaling
// data, same non-goal as CallSignal: no media transport.
type GroupCallStart struct {
	Type    string `json:"type"`
	GroupID string `json:"group_id"`
	CallID  string `json:"call_id"`
	Kind    string `json:"kind"`
}

type GroupCallJoin struct {
	Type        string `json:"type"`
	GroupID     string `json:"group_id"`
	CallID      string `json:"call_id"`
	Fingerprint string `json:"fingerprint"`
}

type GroupCallLeave struct {
	Type        string `json:"type"`
	GroupID     string `json:"group_id"`
	CallID      string `json:"call_id"`
	Fingerprint string `json:"fingerprint"`
}

type GroupCallSignal struct {
	Type        string `json:"type"`
	GroupID     string `json:"group_id"`
	CallID      string `json:"call_id"`
	Fingerprint string `json:"fingerprint"`
	Payload     string `json:"payload"`
}

// Decode dispatches data to the struct matching its "type" field,
// returning the typed value as an any so callers can type-switch once
// at the outermost dispatch point (internal/node) rather than
// threading interface assertions through every component.
func Decode(data []byte) (any, error) {
	msgType, ok := PeekType(data)
	if !ok {
		return nil, errUnknownType("")
	}
	target, err := blankFor(msgType)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, target); err != nil {
		return nil, err
	}
	return target, nil
}

func blankFor(msgType string) (any, error) {
	switch msgType {
	case TypeHello:
		return &Hello{}, nil
	case TypeHandshakeReq:
		return &HandshakeRequest{}, nil
	case TypeHandshakeAccept:
		return &HandshakeAccepted{}, nil
	case TypeHandshakeReject:
		return &HandshakeRejected{}, nil
	case TypeDirectMessage:
		return &DirectMessage{}, nil
	case TypeDirectAck:
		return &DirectAck{}, nil
	case TypeDirectEdit:
		return &DirectEdit{}, nil
	case TypeDirectDelete:
		return &DirectDelete{}, nil
	case TypeNameUpdate:
		return &NameUpdate{}, nil
	case TypeNSCheckin:
		return &NSCheckin{}, nil
	case TypeNSRegistry:
		return &NSRegistry{}, nil
	case TypeNSPing:
		return &NSPing{}, nil
	case TypeNSPong:
		return &NSPong{}, nil
	case TypeNSMigrate:
		return &NSMigrate{}, nil
	case TypeNSWelcome:
		return &NSWelcome{}, nil
	case TypeNSReverseWelcome:
		return &NSReverseWelcome{}, nil
	case TypeRendezvousHello:
		return &RendezvousHello{}, nil
	case TypeRvzExchange:
		return &RvzExchange{}, nil
	case TypeFileStart:
		return &FileStart{}, nil
	case TypeFileChunk:
		return &FileChunk{}, nil
	case TypeFileEnd:
		return &FileEnd{}, nil
	case TypeFileAck:
		return &FileAck{}, nil
	case TypeCallNotify:
		return &CallNotify{}, nil
	case TypeCallAnswered:
		return &CallAnswered{}, nil
	case TypeCallRejected:
		return &CallRejected{}, nil
	case TypeCallSignal:
		return &CallSignal{}, nil
	case TypeCallEnd:
		return &CallEnd{}, nil
	case TypeGroupInvite:
		return &GroupInvite{}, nil
	case TypeGroupCheckin:
		return &GroupCheckin{}, nil
	case TypeGroupMessage:
		return &GroupMessage{}, nil
	case TypeGroupRelay:
		return &GroupRelay{}, nil
	case TypeGroupAck:
		return &GroupAck{}, nil
	case TypeGroupEdit:
		return &GroupEdit{}, nil
	case TypeGroupDelete:
		return &GroupDelete{}, nil
	case TypeGroupInfoUpdate:
		return &GroupInfoUpdate{}, nil
	case TypeGroupBackfillReq:
		return &GroupBackfillRequest{}, nil
	case TypeGroupBackfillRes:
		return &GroupBackfillResponse{}, nil
	case TypeGroupKeyDistribute:
		return &GroupKeyDistribute{}, nil
	case TypeGroupKeyRotate:
		return &GroupKeyRotate{}, nil
	case TypeGroupKicked:
		return &GroupKicked{}, nil
	case TypeGroupLeave:
		return &GroupLeave{}, nil
	case TypeGroupFileStart:
		return &GroupFileStart{}, nil
	case TypeGroupFileChunk:
		return &GroupFileChunk{}, nil
	case TypeGroupFileEnd:
		return &GroupFileEnd{}, nil
	case TypeGroupCallStart:
		return &GroupCallStart{}, nil
	case TypeGroupCallJoin:
		return &GroupCallJoin{}, nil
	case TypeGroupCallLeave:
		return &GroupCallLeave{}, nil
	case TypeGroupCallSignal:
		return &GroupCallSignal{}, nil
	default:
		return nil, errUnknownType(msgType)
	}
}

type errUnknownType string

func (e errUnknownType) Error() string {
	if e == "" {
		return "wire: message missing type field"
	}
	return "wire: unknown message type " + string(e)
}

// Encode marshals any of the typed structs above back to JSON bytes.
func Encode(msg any) ([]byte, error) {
	return json.Marshal(msg)
}
