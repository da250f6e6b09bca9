package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestClock_StartsAtZero(t *testing.T) {
	c := NewClock()
	assert.Equal(t, int64(0), c.Current())
	assert.Equal(t, int64(1), c.Next())
}

// Recovery restarts the clock at the highest sequence already stored, so new
// invocations always sort after recovered ones.
func TestClock_ResumesAfterRecoveredSeq(t *testing.T) {
	c := NewClockAt(41)

	assert.Equal(t, int64(41), c.Current())
	assert.Equal(t, int64(42), c.Next())
	assert.Equal(t, int64(43), c.Next())
	assert.Equal(t, int64(43), c.Current(), "Current does not advance")
}

func TestClock_ConcurrentNextIsGapFree(t *testing.T) {
	c := NewClock()
	const workers, perWorker = 16, 250

	var (
		mu   sync.Mutex
		seen = make(map[int64]struct{}, workers*perWorker)
		wg   sync.WaitGroup
	)
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range perWorker {
				seq := c.Next()
				mu.Lock()
				seen[seq] = struct{}{}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, workers*perWorker)
	for seq := int64(1); seq <= workers*perWorker; seq++ {
		_, ok := seen[seq]
		assert.True(t, ok, "seq %d missing", seq)
	}
	assert.Equal(t, int64(workers*perWorker), c.Current())
}

func TestSystemClock_SleepUntil(t *testing.T) {
	var c SystemClock

	err := c.SleepUntil(context.Background(), c.Now().Add(-time.Second))
	assert.NoError(t, err, "a time in the past returns immediately")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = c.SleepUntil(ctx, c.Now().Add(time.Hour))
	assert.ErrorIs(t, err, context.Canceled)
}
