package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLRUPutGet(t *testing.T) {
	l := NewLRU(2, 0)
	l.Put("a", 1)
	l.Put("b", 2)
	v, ok := l.Get("a")
	require.True(t, ok)
	require.Equal(t, 1, v)
}

func TestLRUEvictsOverCapacity(t *testing.T) {
	l := NewLRU(2, 0)
	l.Put("a", 1)
	l.Put("b", 2)
	l.Put("c", 3) // evicts least-recently-used, which is "a"
	_, ok := l.Get("a")
	require.False(t, ok)
	require.Equal(t, 2, l.Len())
}

func TestLRUTouchOnGetPreventsEviction(t *testing.T) {
	l := NewLRU(2, 0)
	l.Put("a", 1)
	l.Put("b", 2)
	l.Get("a") // touch a, making b least-recently-used
	l.Put("c", 3)
	_, ok := l.Get("b")
	require.False(t, ok)
	_, ok = l.Get("a")
	require.True(t, ok)
}

func TestLRUExpiresByTTL(t *testing.T) {
	l := NewLRU(10, 20*time.Millisecond)
	l.Put("a", 1)
	require.Eventually(t, func() bool {
		_, ok := l.Get("a")
		return !ok
	}, time.Second, 5*time.Millisecond)
}

func TestLRUDeleteAndEach(t *testing.T) {
	l := NewLRU(10, 0)
	l.Put("a", 1)
	l.Put("b", 2)
	l.Delete("a")
	seen := map[string]any{}
	l.Each(func(key string, value any) { seen[key] = value })
	require.Equal(t, map[string]any{"b": 2}, seen)
}
