// ABOUTME: Tests for the replay window: expiry, refresh, capacity, and concurrency.
// ABOUTME: Uses a manual clock so expiry is deterministic.

package dedupe

import (
	"container/list"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// newManualWindow builds a Window without the background sweeper.
func newManualWindow(ttl time.Duration, maxSize int) (*Window, *manualClock) {
	clock := &manualClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	return &Window{
		index:   make(map[string]*list.Element),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		now:     clock.Now,
		stop:    make(chan struct{}),
	}, clock
}

func TestWindow_CheckAndMark(t *testing.T) {
	w, _ := newManualWindow(time.Minute, 10)

	assert.False(t, w.CheckAndMark("m1"), "first sighting is not a replay")
	assert.True(t, w.CheckAndMark("m1"), "second sighting is a replay")
	assert.False(t, w.CheckAndMark("m2"))
	assert.True(t, w.Seen("m2"))
	assert.False(t, w.Seen("never"))
}

func TestWindow_Expiry(t *testing.T) {
	w, clock := newManualWindow(time.Minute, 10)

	w.Mark("m1")
	clock.Advance(59 * time.Second)
	assert.True(t, w.Seen("m1"))

	clock.Advance(time.Second)
	assert.False(t, w.Seen("m1"))
	assert.False(t, w.CheckAndMark("m1"), "expired key is new again")
}

func TestWindow_MarkRefreshes(t *testing.T) {
	w, clock := newManualWindow(time.Minute, 10)

	w.Mark("m1")
	clock.Advance(40 * time.Second)
	w.Mark("m1")
	clock.Advance(40 * time.Second)

	assert.True(t, w.Seen("m1"))
}

func TestWindow_SweepDropsOnlyExpired(t *testing.T) {
	w, clock := newManualWindow(time.Minute, 10)

	w.Mark("old-1")
	w.Mark("old-2")
	clock.Advance(30 * time.Second)
	w.Mark("fresh")
	clock.Advance(45 * time.Second)

	w.mu.Lock()
	dropped := w.sweepLocked()
	w.mu.Unlock()

	assert.Equal(t, 2, dropped)
	assert.Equal(t, 1, w.Len())
	assert.True(t, w.Seen("fresh"))
}

func TestWindow_CapacityEvictsLeastRecent(t *testing.T) {
	w, _ := newManualWindow(time.Hour, 3)

	w.Mark("a")
	w.Mark("b")
	w.Mark("c")
	w.Mark("a") // refresh moves a behind c
	w.Mark("d")

	assert.False(t, w.Seen("b"), "b was least recently marked")
	assert.True(t, w.Seen("a"))
	assert.True(t, w.Seen("c"))
	assert.True(t, w.Seen("d"))
	assert.Equal(t, 3, w.Len())
}

func TestWindow_Forget(t *testing.T) {
	w, _ := newManualWindow(time.Hour, 3)

	w.Mark("a")
	w.Forget("a")
	w.Forget("missing")

	assert.False(t, w.Seen("a"))
	assert.Equal(t, 0, w.Len())
}

func TestWindow_CheckAndMarkRace(t *testing.T) {
	w := NewWindow(time.Minute, 100)
	defer w.Close()

	var fresh atomic.Int32
	var wg sync.WaitGroup
	for range 64 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if !w.CheckAndMark("contested") {
				fresh.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), fresh.Load())
}

func TestWindow_ConcurrentUse(t *testing.T) {
	w := NewWindow(time.Minute, 50)
	defer w.Close()

	var wg sync.WaitGroup
	for i := range 20 {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for j := range 100 {
				key := fmt.Sprintf("k-%d-%d", id, j%10)
				w.CheckAndMark(key)
				w.Seen(key)
			}
		}(i)
	}
	wg.Wait()

	assert.LessOrEqual(t, w.Len(), 50)
}

func TestWindow_Defaults(t *testing.T) {
	w := NewWindow(0, 0)
	defer w.Close()

	assert.Equal(t, DefaultTTL, w.ttl)
	assert.Equal(t, DefaultMaxSize, w.maxSize)
}

func TestWindow_CloseTwice(t *testing.T) {
	w := NewWindow(time.Minute, 10)
	w.Close()
	w.Close()
}
