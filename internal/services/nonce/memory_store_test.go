package nonce

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore_FirstUseWins(t *testing.T) {
	store := NewMemoryStore()
	expiry := time.Now().Add(10 * time.Minute)

	ok, err := store.TryRemember(context.Background(), "abc123", expiry)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.TryRemember(context.Background(), "abc123", expiry)
	require.NoError(t, err)
	assert.False(t, ok, "second use of the same nonce must be rejected")

	ok, err = store.TryRemember(context.Background(), "def456", expiry)
	require.NoError(t, err)
	assert.True(t, ok, "unrelated nonce is unaffected")
}

func TestMemoryStore_BlankNonceRejected(t *testing.T) {
	store := NewMemoryStore()
	expiry := time.Now().Add(time.Minute)

	_, err := store.TryRemember(context.Background(), "", expiry)
	assert.ErrorIs(t, err, ErrBlankNonce)

	_, err = store.TryRemember(context.Background(), "   ", expiry)
	assert.ErrorIs(t, err, ErrBlankNonce)
}

func TestMemoryStore_ExpiredNonceAcceptedAgain(t *testing.T) {
	store := NewMemoryStore()

	ok, err := store.TryRemember(context.Background(), "abc123", time.Now().Add(20*time.Millisecond))
	require.NoError(t, err)
	require.True(t, ok)

	time.Sleep(50 * time.Millisecond)

	ok, err = store.TryRemember(context.Background(), "abc123", time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, ok, "nonce must be reusable after its TTL elapses")
}

func TestMemoryStore_EvictsExpiredEntries(t *testing.T) {
	store := NewMemoryStore()

	for i := 0; i < 10; i++ {
		_, err := store.TryRemember(context.Background(), fmt.Sprintf("old-%d", i), time.Now().Add(10*time.Millisecond))
		require.NoError(t, err)
	}
	time.Sleep(30 * time.Millisecond)

	_, err := store.TryRemember(context.Background(), "fresh", time.Now().Add(time.Minute))
	require.NoError(t, err)

	assert.Equal(t, 1, store.Len(), "expired entries are evicted on insert")
}

func TestMemoryStore_ConcurrentSameNonce(t *testing.T) {
	store := NewMemoryStore()
	expiry := time.Now().Add(time.Minute)

	const workers = 50
	var successes atomic.Int64
	var wg sync.WaitGroup
	start := make(chan struct{})

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			ok, err := store.TryRemember(context.Background(), "contested", expiry)
			assert.NoError(t, err)
			if ok {
				successes.Add(1)
			}
		}()
	}

	close(start)
	wg.Wait()

	assert.Equal(t, int64(1), successes.Load(), "exactly one concurrent caller may win")
}
