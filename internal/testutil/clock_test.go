package testutil

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/roach88/gridrepl/internal/txn"
)

var _ = txn.WithClock(NewDeterministicClock().Now)

func TestDeterministicClock_Ticks(t *testing.T) {
	clock := NewDeterministicClock()
	assert.Equal(t, int64(0), clock.Current())

	assert.Equal(t, int64(1), clock.Next())
	assert.Equal(t, int64(2), clock.Now())
	assert.Equal(t, int64(2), clock.Current())

	clock.Reset()
	assert.Equal(t, int64(1), clock.Next(), "first tick after reset")
}

func TestDeterministicClock_ConcurrentTicksAreUnique(t *testing.T) {
	clock := NewDeterministicClock()

	var mu sync.Mutex
	seen := make(map[int64]bool)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				v := clock.Next()
				mu.Lock()
				assert.False(t, seen[v], "duplicate tick %d", v)
				seen[v] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, 1000)
	assert.Equal(t, int64(1000), clock.Current())
}
