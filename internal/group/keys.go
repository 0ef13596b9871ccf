package group

import (
	"encoding/hex"

	"github.com/veilmesh/peerlink/internal/identity"
	"github.com/veilmesh/peerlink/internal/wire"
)

// groupKeyAAD binds a wrapped group key ciphertext to its group and
// epoch so a wrapped blob can't be replayed against a different group
// or a stale epoch number without failing authentication.
func groupKeyAAD(groupID string, epoch uint64) []byte {
	buf := make([]byte, 0, len(groupID)+8)
	buf = append(buf, groupID...)
	var e [8]byte
	for i := 0; i < 8; i++ {
		e[i] = byte(epoch >> (56 - 8*i))
	}
	return append(buf, e[:]...)
}

// WrapKeyForMember seals rawKey under the pairwise ECDH key between
// self and the member's public key, for either a fresh
// GroupKeyDistribute (new invitee) or a GroupKeyRotate (surviving
// member after a kick).
func WrapKeyForMember(self *identity.Identity, memberPub []byte, groupID string, epoch uint64, rawKey []byte) (ivHex, ctHex string, err error) {
	shared, err := self.DeriveShared(memberPub)
	if err != nil {
		return "", "", err
	}
	iv, ct, err := identity.Encrypt(shared, rawKey, groupKeyAAD(groupID, epoch))
	if err != nil {
		return "", "", err
	}
	return hex.EncodeToString(iv), hex.EncodeToString(ct), nil
}

// UnwrapKeyFromMember reverses WrapKeyForMember on the receiving end.
func UnwrapKeyFromMember(self *identity.Identity, senderPub []byte, groupID string, epoch uint64, ivHex, ctHex string) ([]byte, error) {
	shared, err := self.DeriveShared(senderPub)
	if err != nil {
		return nil, err
	}
	iv, err := hex.DecodeString(ivHex)
	if err != nil {
		return nil, err
	}
	ct, err := hex.DecodeString(ctHex)
	if err != nil {
		return nil, err
	}
	return identity.Decrypt(shared, iv, ct, groupKeyAAD(groupID, epoch))
}

// SealMessage encrypts plaintext under the group's key at epoch, for
// wire.GroupMessage.IV/Ciphertext.
func SealMessage(key []byte, groupID, messageID string, epoch uint64, plaintext []byte) (ivHex, ctHex string, err error) {
	aad := append([]byte(groupID+messageID), groupKeyAAD("", epoch)...)
	iv, ct, err := identity.Encrypt(key, plaintext, aad)
	if err != nil {
		return "", "", err
	}
	return hex.EncodeToString(iv), hex.EncodeToString(ct), nil
}

// OpenMessage decrypts a wire.GroupMessage's ciphertext under key.
func OpenMessage(key []byte, groupID, messageID string, epoch uint64, ivHex, ctHex string) ([]byte, error) {
	iv, err := hex.DecodeString(ivHex)
	if err != nil {
		return nil, err
	}
	ct, err := hex.DecodeString(ctHex)
	if err != nil {
		return nil, err
	}
	aad := append([]byte(groupID+messageID), groupKeyAAD("", epoch)...)
	return identity.Decrypt(key, iv, ct, aad)
}

// OpenMessageAnyEpoch opens msg with the key on file for its declared
// epoch, whether that is the current key or one archived in key
// history, so messages sealed before a rotation still decrypt. No
// other key is tried: a message whose epoch has no key on file, or
// that fails to open under that key, returns ErrUnknownEpoch.
func OpenMessageAnyEpoch(g *Group, msg *wire.GroupMessage) ([]byte, error) {
	key, err := g.KeyAt(msg.KeyEpoch)
	if err == nil {
		if pt, err := OpenMessage(key, msg.GroupID, msg.MessageID, msg.KeyEpoch, msg.IV, msg.Ciphertext); err == nil {
			return pt, nil
		}
	}
	return nil, ErrUnknownEpoch
}
