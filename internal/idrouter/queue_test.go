package idrouter

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestQueueFlushesInInsertionOrder(t *testing.T) {
	q := NewQueue()
	q.Enqueue("fp-a", "m1", []byte("one"))
	q.Enqueue("fp-a", "m2", []byte("two"))

	waiting := q.Waiting("fp-a")
	require.Equal(t, [][]byte{[]byte("one"), []byte("two")}, waiting)
}

func TestQueueAckRemovesMessageAndResetsRetries(t *testing.T) {
	q := NewQueue()
	q.Enqueue("fp-a", "m1", []byte("one"))
	q.RecordFailure("fp-a")
	require.Equal(t, 1, q.Retries("fp-a"))

	q.Ack("fp-a", "m1")
	require.Equal(t, 0, q.Retries("fp-a"))
	require.Empty(t, q.Waiting("fp-a"))
}

func TestQueueStaleSentResetsToWaiting(t *testing.T) {
	q := NewQueue()
	q.Enqueue("fp-a", "m1", []byte("one"))
	now := time.Now()
	q.MarkSent("fp-a", "m1", now.Add(-3*time.Minute))
	require.Empty(t, q.Waiting("fp-a"))

	q.ResetStale("fp-a", now)
	require.Equal(t, [][]byte{[]byte("one")}, q.Waiting("fp-a"))
}

func TestQueueExhaustionFiresOnceAndMarksFailed(t *testing.T) {
	q := NewQueue()
	q.Enqueue("fp-a", "m1", []byte("one"))

	fired := 0
	q.OnExhausted(func(fp string) { fired++ })

	q.RecordFailure("fp-a")
	q.RecordFailure("fp-a")
	require.Equal(t, 0, fired)
	q.RecordFailure("fp-a")
	require.Equal(t, 1, fired)

	q.RecordFailure("fp-a")
	require.Equal(t, 1, fired, "must not refire once exhausted")
}
