// Package identity implements the ID component: an ECDSA P-256
// keypair, its truncated-SHA-256 fingerprint, ECDH pairwise-key
// derivation, AES-256-GCM message sealing, and HMAC-based rendezvous
// slug derivation.
//
// -----------------------------------------------------------------------------
// peerlink crypto suite v1
//
// Fixed suite: ECDSA P-256 for identity + signatures, ECDH over the
// same curve for pairwise secrets, HKDF-SHA256 to stretch the ECDH
// point into an AES key, AES-256-GCM for message confidentiality, and
// HMAC-SHA256 for the rendezvous slug. No negotiation: every peer runs
// the same suite, so there is no downgrade surface to defend.
// -----------------------------------------------------------------------------
package identity

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"golang.org/x/crypto/hkdf"
)

// FingerprintSize is the byte length of a fingerprint before hex
// encoding: 8 bytes render as 16 hex characters (spec.md §3).
const FingerprintSize = 8

// AESKeySize is the raw AES-256 key length in bytes.
const AESKeySize = 32

// GCMNonceSize is the random IV length used for every seal (96 bits).
const GCMNonceSize = 12

var (
	// ErrNoSecureContext is returned when a signing/decrypt operation
	// is attempted on an identity that failed to load or generate.
	ErrNoSecureContext = errors.New("identity: no secure context")
	// ErrKeyImportFailed covers any malformed key material on disk or wire.
	ErrKeyImportFailed = errors.New("identity: key import failed")
	// ErrVerifyFailed covers any signature that does not verify.
	ErrVerifyFailed = errors.New("identity: signature verification failed")
	// ErrDecryptFailed covers any AEAD open failure (wrong key, tampered ciphertext).
	ErrDecryptFailed = errors.New("identity: decryption failed")
)

// Identity is a locally persisted keypair plus its derived fingerprint.
// The private key is an unexported field, used only by this package's
// own methods (Sign, DeriveShared, SaveKeypair); Handle is the
// public-only view carrying just the public key and fingerprint.
type Identity struct {
	priv *ecdsa.PrivateKey
	pub  []byte // uncompressed SEC1 point, the wire form of the public key
	fp   string // 16 hex chars
}

// Handle is the public-facing view of an Identity: what every other
// component is allowed to hold.
type Handle struct {
	PublicKey   []byte
	Fingerprint string
}

func (id *Identity) Handle() Handle {
	return Handle{PublicKey: append([]byte(nil), id.pub...), Fingerprint: id.fp}
}

func (id *Identity) PublicKeyBytes() []byte { return append([]byte(nil), id.pub...) }
func (id *Identity) Fingerprint() string    { return id.fp }

// GenerateKeypair creates a fresh ECDSA P-256 identity. Loss of the
// resulting private key is equivalent to losing the identity — there
// is no recovery path (spec.md §3 Identity lifecycle).
func GenerateKeypair() (*Identity, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoSecureContext, err)
	}
	pub := elliptic.Marshal(elliptic.P256(), priv.PublicKey.X, priv.PublicKey.Y)
	return &Identity{priv: priv, pub: pub, fp: Fingerprint(pub)}, nil
}

// Fingerprint renders the first 8 bytes of SHA-256(pubkey) as 16 lowercase
// hex characters (spec.md §3, §4.1).
func Fingerprint(pub []byte) string {
	sum := sha256.Sum256(pub)
	return hex.EncodeToString(sum[:FingerprintSize])
}

// FingerprintKey renders the first 8 bytes of SHA-256(rawKey) as a
// 16-char hex fingerprint, used to identify a derived shared key
// without exposing it (spec.md §4.1 fingerprint_key).
func FingerprintKey(key []byte) string {
	sum := sha256.Sum256(key)
	return hex.EncodeToString(sum[:FingerprintSize])
}

// Sign produces an ASN.1 DER ECDSA signature over SHA-256(msg).
func (id *Identity) Sign(msg []byte) ([]byte, error) {
	if id == nil || id.priv == nil {
		return nil, ErrNoSecureContext
	}
	digest := sha256.Sum256(msg)
	return ecdsa.SignASN1(rand.Reader, id.priv, digest[:])
}

// Verify checks an ASN.1 DER ECDSA signature against an uncompressed
// P-256 public key.
func Verify(pub []byte, msg, sig []byte) error {
	x, y := elliptic.Unmarshal(elliptic.P256(), pub)
	if x == nil {
		return fmt.Errorf("%w: bad public key point", ErrKeyImportFailed)
	}
	pk := &ecdsa.PublicKey{Curve: elliptic.P256(), X: x, Y: y}
	digest := sha256.Sum256(msg)
	if !ecdsa.VerifyASN1(pk, digest[:], sig) {
		return ErrVerifyFailed
	}
	return nil
}

// DeriveShared computes the AES-256 key shared between this identity
// and a peer's public key: ECDH over P-256, then HKDF-SHA256 to
// stretch/whiten the raw shared point into a uniform 256-bit key
// (spec.md §4.1: "ECDH-P256 → HKDF → 256-bit AES-GCM key").
func (id *Identity) DeriveShared(peerPub []byte) ([]byte, error) {
	if id == nil || id.priv == nil {
		return nil, ErrNoSecureContext
	}
	myECDH, err := toECDHPrivate(id.priv)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyImportFailed, err)
	}
	peerECDH, err := toECDHPublic(peerPub)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyImportFailed, err)
	}
	raw, err := myECDH.ECDH(peerECDH)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyImportFailed, err)
	}
	kdf := hkdf.New(sha256.New, raw, nil, []byte("peerlink:pairwise:v1"))
	key := make([]byte, AESKeySize)
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyImportFailed, err)
	}
	return key, nil
}

func toECDHPrivate(priv *ecdsa.PrivateKey) (*ecdh.PrivateKey, error) {
	return priv.ECDH()
}

func toECDHPublic(pub []byte) (*ecdh.PublicKey, error) {
	x, y := elliptic.Unmarshal(elliptic.P256(), pub)
	if x == nil {
		return nil, errors.New("bad point")
	}
	ecdsaPub := &ecdsa.PublicKey{Curve: elliptic.P256(), X: x, Y: y}
	return ecdsaPub.ECDH()
}

// Encrypt seals plaintext under an AES-256-GCM key with a fresh random
// 96-bit IV. Returns (iv, ciphertext) per spec.md §4.1.
func Encrypt(key, plaintext, aad []byte) (iv, ciphertext []byte, err error) {
	if len(key) != AESKeySize {
		return nil, nil, fmt.Errorf("identity: bad key size %d", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, nil, err
	}
	iv = make([]byte, GCMNonceSize)
	if _, err := rand.Read(iv); err != nil {
		return nil, nil, err
	}
	ct := gcm.Seal(nil, iv, plaintext, aad)
	return iv, ct, nil
}

// Decrypt opens an AES-256-GCM ciphertext. Any failure (bad key, torn
// AAD, tampered ciphertext) collapses to ErrDecryptFailed so callers
// cannot distinguish failure modes on the wire (spec.md §7).
func Decrypt(key, iv, ciphertext, aad []byte) ([]byte, error) {
	if len(key) != AESKeySize {
		return nil, ErrDecryptFailed
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, ErrDecryptFailed
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, ErrDecryptFailed
	}
	pt, err := gcm.Open(nil, iv, ciphertext, aad)
	if err != nil {
		return nil, ErrDecryptFailed
	}
	return pt, nil
}

// RendezvousSlug computes HMAC-SHA256(pairKey, windowIndex) and
// truncates it to a URL-safe hex token, giving both sides of a pair
// the same rendezvous namespace name for a given 10-minute window
// (spec.md §4.1, §4.6).
func RendezvousSlug(pairKey []byte, windowIndex uint64) string {
	mac := hmac.New(sha256.New, pairKey)
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], windowIndex)
	mac.Write(buf[:])
	sum := mac.Sum(nil)
	return hex.EncodeToString(sum[:10])
}

// SaveKeypair persists priv/pub as hex files under dir, matching the
// on-disk layout of the ECDSA private key (SEC1 DER) and
// the raw uncompressed public point.
func SaveKeypair(dir string, id *Identity) error {
	if id == nil || id.priv == nil {
		return ErrNoSecureContext
	}
	privDER, err := x509.MarshalECPrivateKey(id.priv)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(dir, "priv.hex"), []byte(hex.EncodeToString(privDER)), 0600); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, "pub.hex"), []byte(hex.EncodeToString(id.pub)), 0600)
}

// LoadKeypair reads back an Identity saved by SaveKeypair.
func LoadKeypair(dir string) (*Identity, error) {
	privHex, err := os.ReadFile(filepath.Join(dir, "priv.hex"))
	if err != nil {
		return nil, err
	}
	privDER, err := hex.DecodeString(string(privHex))
	if err != nil {
		return nil, fmt.Errorf("%w: bad priv.hex", ErrKeyImportFailed)
	}
	priv, err := x509.ParseECPrivateKey(privDER)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyImportFailed, err)
	}
	pub := elliptic.Marshal(elliptic.P256(), priv.PublicKey.X, priv.PublicKey.Y)
	return &Identity{priv: priv, pub: pub, fp: Fingerprint(pub)}, nil
}

// LoadOrGenerate loads an existing identity from dir, or generates and
// persists a fresh one if none exists yet (spec.md §3: "created on
// first launch, never rotated").
func LoadOrGenerate(dir string) (*Identity, error) {
	id, err := LoadKeypair(dir)
	if err == nil {
		return id, nil
	}
	if !os.IsNotExist(err) {
		return nil, err
	}
	id, err = GenerateKeypair()
	if err != nil {
		return nil, err
	}
	if err := SaveKeypair(dir, id); err != nil {
		return nil, err
	}
	return id, nil
}
