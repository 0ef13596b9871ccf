package idrouter

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func fixedKey(peerPub []byte) ([]byte, error) {
	return []byte("shared-key-material-32-bytes!!!"), nil
}

func TestUpsertNewContact(t *testing.T) {
	r := New(fixedKey)
	require.NoError(t, r.Upsert("fp-a", []byte("pub-a"), "10.0.0.1:9000", "alice"))
	c, ok := r.Get("fp-a")
	require.True(t, ok)
	require.Equal(t, "10.0.0.1:9000", c.Addr)
	require.Equal(t, "alice", c.FriendlyName)
}

func TestUpsertSameAddressDoesNotFireMigration(t *testing.T) {
	r := New(fixedKey)
	fired := 0
	r.OnMigrate(func(fp, old, new string) { fired++ })

	require.NoError(t, r.Upsert("fp-a", []byte("pub-a"), "10.0.0.1:9000", ""))
	require.Equal(t, 1, fired)
	require.NoError(t, r.Upsert("fp-a", []byte("pub-a"), "10.0.0.1:9000", ""))
	require.Equal(t, 1, fired, "re-upserting the same address must not refire migration")
}

func TestUpsertAddressChangeFiresMigrationOnce(t *testing.T) {
	r := New(fixedKey)
	r.addrCooldown = 0
	var got [2]string
	r.OnMigrate(func(fp, old, new string) { got[0] = old; got[1] = new })

	require.NoError(t, r.Upsert("fp-a", []byte("pub-a"), "10.0.0.1:9000", ""))
	require.NoError(t, r.Upsert("fp-a", []byte("pub-a"), "10.0.0.2:9000", ""))
	require.Equal(t, "10.0.0.1:9000", got[0])
	require.Equal(t, "10.0.0.2:9000", got[1])
}

func TestUpsertConflictingAddressRefused(t *testing.T) {
	r := New(fixedKey)
	require.NoError(t, r.Upsert("fp-a", []byte("pub-a"), "10.0.0.1:9000", ""))
	err := r.Upsert("fp-b", []byte("pub-b"), "10.0.0.1:9000", "")
	require.ErrorIs(t, err, ErrAddrConflict)
}

func TestUpsertAddressChangeWithinCooldownRefused(t *testing.T) {
	r := New(fixedKey)
	require.NoError(t, r.Upsert("fp-a", []byte("pub-a"), "10.0.0.1:9000", ""))
	err := r.Upsert("fp-a", []byte("pub-a"), "10.0.0.2:9000", "")
	require.ErrorIs(t, err, ErrAddrCooldown)
}

func TestSharedKeyIsCachedAcrossCalls(t *testing.T) {
	calls := 0
	deriveKey := func(pub []byte) ([]byte, error) {
		calls++
		return []byte("derived"), nil
	}
	r := New(deriveKey)
	require.NoError(t, r.Upsert("fp-a", []byte("pub-a"), "", ""))

	k1, err := r.SharedKey("fp-a")
	require.NoError(t, err)
	k2, err := r.SharedKey("fp-a")
	require.NoError(t, err)
	require.Equal(t, k1, k2)
	require.Equal(t, 1, calls)
}

func TestUpsertTracksKnownAddresses(t *testing.T) {
	r := New(fixedKey)
	r.addrCooldown = 0
	require.NoError(t, r.Upsert("fp-a", []byte("pub-a"), "10.0.0.1:9000", ""))
	require.NoError(t, r.Upsert("fp-a", []byte("pub-a"), "10.0.0.2:9000", ""))

	c, ok := r.Get("fp-a")
	require.True(t, ok)
	require.Equal(t, "10.0.0.2:9000", c.Addr)
	require.Contains(t, c.KnownAddresses, c.Addr)
	require.Contains(t, c.KnownAddresses, "10.0.0.1:9000")
}

func TestSetPendingOutgoingBlocksSharedKeyUntilSettled(t *testing.T) {
	r := New(fixedKey)
	r.SetPending("fp-a", []byte("pub-a"), PendingOutgoing)

	c, ok := r.Get("fp-a")
	require.True(t, ok)
	require.Equal(t, PendingOutgoing, c.Pending)

	_, err := r.SharedKey("fp-a")
	require.ErrorIs(t, err, ErrHandshakePending)

	require.NoError(t, r.Upsert("fp-a", []byte("pub-a"), "10.0.0.1:9000", "alice"))
	c, ok = r.Get("fp-a")
	require.True(t, ok)
	require.Equal(t, PendingNone, c.Pending)

	_, err = r.SharedKey("fp-a")
	require.NoError(t, err)
}

func TestRemoveDiscardsPendingPlaceholder(t *testing.T) {
	r := New(fixedKey)
	r.SetPending("fp-a", []byte("pub-a"), PendingIncoming)
	r.Remove("fp-a")

	_, ok := r.Get("fp-a")
	require.False(t, ok)
}

func TestFindByPubKeyMatchesKnownContact(t *testing.T) {
	r := New(fixedKey)
	require.NoError(t, r.Upsert("fp-a", []byte("pub-a"), "", "alice"))

	c, ok := r.FindByPubKey([]byte("pub-a"))
	require.True(t, ok)
	require.Equal(t, "fp-a", c.Fingerprint)

	_, ok = r.FindByPubKey([]byte("pub-unknown"))
	require.False(t, ok)
}

func TestOfflineListsOnlyContactsWithPubKey(t *testing.T) {
	r := New(fixedKey)
	require.NoError(t, r.Upsert("fp-a", []byte("pub-a"), "", ""))
	r.MarkOffline("fp-a")
	require.NoError(t, r.Upsert("fp-b", nil, "", ""))
	r.MarkOffline("fp-b")

	offline := r.Offline()
	require.Len(t, offline, 1)
	require.Equal(t, "fp-a", offline[0].Fingerprint)
}
