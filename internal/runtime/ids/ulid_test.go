package ids

import (
	"sync"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMessageIDSequentialOrdering(t *testing.T) {
	const total = 100
	ids := make([]string, total)
	for i := 0; i < total; i++ {
		if i%2 == 0 {
			ids[i] = NewMessageID()
		} else {
			ids[i] = NewCycleID()
		}
	}

	for i := 0; i < total; i++ {
		require.Len(t, ids[i], 26)
		_, err := ulid.Parse(ids[i])
		require.NoError(t, err)
	}

	for i := 1; i < total; i++ {
		assert.Less(t, ids[i-1], ids[i], "ids must be strictly increasing")
	}
}

func TestNewMessageIDConcurrentUniqueness(t *testing.T) {
	const goroutines = 10
	const perGoroutine = 20

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		seen = make(map[string]struct{})
	)

	wg.Add(goroutines)
	for i := 0; i < goroutines; i++ {
		go func() {
			defer wg.Done()
			for j := 0; j < perGoroutine; j++ {
				id := NewMessageID()
				mu.Lock()
				if _, ok := seen[id]; ok {
					t.Errorf("duplicate id generated: %s", id)
				}
				seen[id] = struct{}{}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, goroutines*perGoroutine)
}

func TestTime(t *testing.T) {
	before := time.Now().Truncate(time.Millisecond)
	id := NewMessageID()

	at, err := Time(id)
	require.NoError(t, err)
	assert.False(t, at.Before(before))
	assert.WithinDuration(t, time.Now(), at, time.Second)

	_, err = Time("not-a-ulid")
	assert.Error(t, err)
}
