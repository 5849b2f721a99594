package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestConnectionAttemptCeiling(t *testing.T) {
	a := ConnectionAttempt{Max: 3, Base: time.Second, Cap: 10 * time.Second}
	for i := 1; i <= 3; i++ {
		require.True(t, a.Next())
		require.Equal(t, i, a.Count)
	}
	require.True(t, a.Exhausted())
	require.False(t, a.Next())
	require.Equal(t, 3, a.Count)

	a.Reset()
	require.False(t, a.Exhausted())
	require.Equal(t, time.Duration(0), a.Backoff())
}

func TestConnectionAttemptBackoff(t *testing.T) {
	a := ConnectionAttempt{Max: 10, Base: time.Second, Cap: 5 * time.Second}
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 5 * time.Second, 5 * time.Second}
	for _, w := range want {
		a.Next()
		require.Equal(t, w, a.Backoff())
	}
}

func TestConnectionAttemptUncapped(t *testing.T) {
	a := ConnectionAttempt{Max: 4, Base: 100 * time.Millisecond}
	a.Next()
	a.Next()
	a.Next()
	require.Equal(t, 400*time.Millisecond, a.Backoff())
}
