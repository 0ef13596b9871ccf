package transport

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMemoryEndpointSendDelivers(t *testing.T) {
	eps := NewMemoryNetwork("a", "b")
	received := make(chan []byte, 1)
	eps["b"].OnMessage(func(from string, data []byte) {
		require.Equal(t, "a", from)
		received <- data
	})

	require.NoError(t, eps["a"].Connect(context.Background(), "b"))
	require.NoError(t, eps["a"].Send(context.Background(), "b", []byte("hi")))

	select {
	case data := <-received:
		require.Equal(t, "hi", string(data))
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for message")
	}
}

func TestMemoryEndpointSendToUnknownFails(t *testing.T) {
	eps := NewMemoryNetwork("a")
	err := eps["a"].Send(context.Background(), "nowhere", []byte("x"))
	require.ErrorIs(t, err, ErrNoSuchPeer)
}

func TestMemoryEndpointCloseFiresHandlerAndBlocksSend(t *testing.T) {
	eps := NewMemoryNetwork("a", "b")
	closed := make(chan struct{})
	eps["a"].OnClose(func(addr string, reason error) { close(closed) })
	require.NoError(t, eps["a"].Close())

	select {
	case <-closed:
	case <-time.After(time.Second):
		t.Fatal("close handler not invoked")
	}

	err := eps["a"].Send(context.Background(), "b", []byte("x"))
	require.ErrorIs(t, err, ErrClosed)
}
