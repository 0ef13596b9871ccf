package signaling

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/veilmesh/peerlink/internal/transport"
)

func TestClaimRefusesSecondHolder(t *testing.T) {
	dir := NewDirectory()
	eps := transport.NewMemoryNetwork("a", "b")
	sgA := New(eps["a"], dir)
	sgB := New(eps["b"], dir)

	_, claimed, err := sgA.Claim(context.Background(), "room-1")
	require.NoError(t, err)
	require.True(t, claimed)

	_, claimed, err = sgB.Claim(context.Background(), "room-1")
	require.NoError(t, err)
	require.False(t, claimed)
}

func TestOpenUnclaimedIDFails(t *testing.T) {
	dir := NewDirectory()
	eps := transport.NewMemoryNetwork("a")
	sg := New(eps["a"], dir)

	_, err := sg.Open(context.Background(), "nobody-home")
	require.ErrorIs(t, err, ErrAddressUnavailable)
}

func TestOpenDeliversToListener(t *testing.T) {
	dir := NewDirectory()
	eps := transport.NewMemoryNetwork("a", "b")
	sgA := New(eps["a"], dir)
	sgB := New(eps["b"], dir)

	lis, claimed, err := sgA.Claim(context.Background(), "room-2")
	require.NoError(t, err)
	require.True(t, claimed)

	accepted := make(chan struct{})
	go func() {
		ch, acceptErr := lis.Accept(context.Background())
		require.NoError(t, acceptErr)
		ch.OnMessage(func(data []byte) {
			require.Equal(t, "hello", string(data))
			require.NoError(t, ch.Send([]byte("world")))
		})
		close(accepted)
	}()

	ch, err := sgB.Open(context.Background(), "room-2")
	require.NoError(t, err)

	replies := make(chan string, 1)
	ch.OnMessage(func(data []byte) { replies <- string(data) })
	require.NoError(t, ch.Send([]byte("hello")))

	select {
	case reply := <-replies:
		require.Equal(t, "world", reply)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for reply")
	}
	<-accepted
}

func TestListenerCloseReleasesDirectoryEntry(t *testing.T) {
	dir := NewDirectory()
	eps := transport.NewMemoryNetwork("a", "b")
	sgA := New(eps["a"], dir)
	sgB := New(eps["b"], dir)

	lis, claimed, err := sgA.Claim(context.Background(), "room-3")
	require.NoError(t, err)
	require.True(t, claimed)
	require.NoError(t, lis.Close())

	_, claimed, err = sgB.Claim(context.Background(), "room-3")
	require.NoError(t, err)
	require.True(t, claimed)
}

func TestChannelCloseFiresHandler(t *testing.T) {
	dir := NewDirectory()
	eps := transport.NewMemoryNetwork("a", "b")
	sgA := New(eps["a"], dir)
	sgB := New(eps["b"], dir)

	_, claimed, err := sgA.Claim(context.Background(), "room-4")
	require.NoError(t, err)
	require.True(t, claimed)

	ch, err := sgB.Open(context.Background(), "room-4")
	require.NoError(t, err)

	closed := make(chan struct{})
	ch.OnClose(func(error) { close(closed) })
	require.NoError(t, ch.Close())

	select {
	case <-closed:
	case <-time.After(time.Second):
		t.Fatal("close handler never fired")
	}
	require.ErrorIs(t, ch.Send([]byte("late")), transport.ErrClosed)
}
