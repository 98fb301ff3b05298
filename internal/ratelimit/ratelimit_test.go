package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestAllowWithinBurst(t *testing.T) {
	l := New(1, 3)
	defer l.Stop()

	for i := 0; i < 3; i++ {
		require.True(t, l.Allow("client-a"), "request %d inside burst", i)
	}
	require.False(t, l.Allow("client-a"))
}

func TestKeysAreIndependent(t *testing.T) {
	l := New(1, 1)
	defer l.Stop()

	require.True(t, l.Allow("client-a"))
	require.False(t, l.Allow("client-a"))
	require.True(t, l.Allow("client-b"))
}

func TestTokensRefill(t *testing.T) {
	l := New(100, 1)
	defer l.Stop()

	require.True(t, l.Allow("client-a"))
	require.False(t, l.Allow("client-a"))

	time.Sleep(20 * time.Millisecond)
	require.True(t, l.Allow("client-a"))
}
