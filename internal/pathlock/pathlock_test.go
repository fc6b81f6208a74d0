package pathlock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestTryLockAllOrNothing(t *testing.T) {
	s := New()

	locked, failed := s.TryLock([]string{".app1.a", ".app1.b"})
	require.True(t, locked)
	require.Empty(t, failed)

	// Second attempt collides on .app1.a; .app1.b must not have been left held.
	locked, failed = s.TryLock([]string{".app1.a", ".app1.c"})
	require.False(t, locked)
	require.Equal(t, ".app1.a", failed)

	locked, _ = s.TryLock([]string{".app1.c"})
	require.True(t, locked, "rollback must have released .app1.c from the failed attempt")
}

func TestUnlockReleasesAll(t *testing.T) {
	s := New()
	paths := []string{".app1.a", ".app1.b"}
	locked, _ := s.TryLock(paths)
	require.True(t, locked)

	s.Unlock(paths)

	locked, _ = s.TryLock(paths)
	require.True(t, locked)
}

func TestTryGetLockedRetries(t *testing.T) {
	s := New()
	locked, _ := s.TryLock([]string{".app1.a"})
	require.True(t, locked)

	go func() {
		time.Sleep(10 * time.Millisecond)
		s.Unlock([]string{".app1.a"})
	}()

	locked, _ = s.TryGetLocked([]string{".app1.a"}, 30*time.Millisecond)
	require.True(t, locked)
}
