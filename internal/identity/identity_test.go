package identity

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFingerprintStability(t *testing.T) {
	id, err := GenerateKeypair()
	require.NoError(t, err)
	fp1 := Fingerprint(id.PublicKeyBytes())
	fp2 := Fingerprint(id.PublicKeyBytes())
	require.Len(t, fp1, 16)
	require.Equal(t, fp1, fp2)
	require.Equal(t, id.Fingerprint(), fp1)
}

func TestSignVerifyRoundTrip(t *testing.T) {
	id, err := GenerateKeypair()
	require.NoError(t, err)
	msg := []byte("hello rendezvous")
	sig, err := id.Sign(msg)
	require.NoError(t, err)
	require.NoError(t, Verify(id.PublicKeyBytes(), msg, sig))

	other, err := GenerateKeypair()
	require.NoError(t, err)
	require.ErrorIs(t, Verify(other.PublicKeyBytes(), msg, sig), ErrVerifyFailed)
}

func TestPairwiseKeyDeterminism(t *testing.T) {
	alice, err := GenerateKeypair()
	require.NoError(t, err)
	bob, err := GenerateKeypair()
	require.NoError(t, err)

	kA, err := alice.DeriveShared(bob.PublicKeyBytes())
	require.NoError(t, err)
	kB, err := bob.DeriveShared(alice.PublicKeyBytes())
	require.NoError(t, err)

	require.Equal(t, kA, kB)
	require.Equal(t, FingerprintKey(kA), FingerprintKey(kB))
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	alice, err := GenerateKeypair()
	require.NoError(t, err)
	bob, err := GenerateKeypair()
	require.NoError(t, err)
	key, err := alice.DeriveShared(bob.PublicKeyBytes())
	require.NoError(t, err)

	iv, ct, err := Encrypt(key, []byte("secret payload"), []byte("aad"))
	require.NoError(t, err)
	pt, err := Decrypt(key, iv, ct, []byte("aad"))
	require.NoError(t, err)
	require.Equal(t, "secret payload", string(pt))

	_, err = Decrypt(key, iv, ct, []byte("wrong-aad"))
	require.ErrorIs(t, err, ErrDecryptFailed)
}

func TestRendezvousSlugSymmetryAndRotation(t *testing.T) {
	pairKey := []byte("0123456789abcdef0123456789abcdef")
	s1 := RendezvousSlug(pairKey, 42)
	s2 := RendezvousSlug(pairKey, 42)
	s3 := RendezvousSlug(pairKey, 43)
	require.Equal(t, s1, s2)
	require.NotEqual(t, s1, s3)
}

func TestSaveLoadKeypairRoundTrip(t *testing.T) {
	dir := t.TempDir()
	id, err := GenerateKeypair()
	require.NoError(t, err)
	require.NoError(t, SaveKeypair(dir, id))

	loaded, err := LoadKeypair(dir)
	require.NoError(t, err)
	require.Equal(t, id.PublicKeyBytes(), loaded.PublicKeyBytes())
	require.Equal(t, id.Fingerprint(), loaded.Fingerprint())
}
