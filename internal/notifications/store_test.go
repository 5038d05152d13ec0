package notifications

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestMemoryStore_AcquireSuppressesWithinTTL(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	won, err := store.Acquire(ctx, "k1", time.Minute)
	assert.NoError(t, err)
	assert.True(t, won)

	won, err = store.Acquire(ctx, "k1", time.Minute)
	assert.NoError(t, err)
	assert.False(t, won)

	won, err = store.Acquire(ctx, "k2", time.Minute)
	assert.NoError(t, err)
	assert.True(t, won)
}

func TestMemoryStore_AcquireAfterExpiry(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	won, _ := store.Acquire(ctx, "k1", time.Millisecond)
	assert.True(t, won)

	time.Sleep(5 * time.Millisecond)

	won, _ = store.Acquire(ctx, "k1", time.Minute)
	assert.True(t, won)
}

func TestMemoryStore_IncrWindowCounts(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	for want := int64(1); want <= 3; want++ {
		got, err := store.IncrWindow(ctx, "rate", time.Minute)
		assert.NoError(t, err)
		assert.Equal(t, want, got)
	}
}

func TestMemoryStore_ConcurrentAcquireHasSingleWinner(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := 0

	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			won, err := store.Acquire(ctx, "contested", time.Minute)
			assert.NoError(t, err)
			if won {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, winners)
}

func TestMemoryStore_IndependentWindows(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		_, err := store.IncrWindow(ctx, fmt.Sprintf("w%d", i), time.Minute)
		assert.NoError(t, err)
	}
	got, err := store.IncrWindow(ctx, "w0", time.Minute)
	assert.NoError(t, err)
	assert.Equal(t, int64(2), got)
}
