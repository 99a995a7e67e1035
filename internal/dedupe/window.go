// ABOUTME: Time-bounded window of recently seen message ids.
// ABOUTME: The frame router consults it to drop frames replayed after a reconnect.

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

// Defaults used when a Window is built from zero values.
const (
	DefaultTTL     = 5 * time.Minute
	DefaultMaxSize = 10_000
)

type seenID struct {
	key  string
	seen time.Time
}

// Window is a thread-safe, size-bounded set of keys that forgets each key
// ttl after it was last marked.
type Window struct {
	mu      sync.Mutex
	index   map[string]*list.Element
	order   *list.List // *seenID, least recently marked first
	ttl     time.Duration
	maxSize int
	now     func() time.Time

	stop     chan struct{}
	stopOnce sync.Once
}

// NewWindow creates a Window. A non-positive ttl or maxSize selects the default.
// A background sweeper runs every ttl until Close.
func NewWindow(ttl time.Duration, maxSize int) *Window {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	w := &Window{
		index:   make(map[string]*list.Element),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		now:     time.Now,
		stop:    make(chan struct{}),
	}
	go w.sweepLoop()
	return w
}

// Seen reports whether key was marked within the window.
func (w *Window) Seen(key string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	el, ok := w.index[key]
	return ok && w.live(el)
}

// CheckAndMark reports whether key was already in the window and marks it
// if it was not. Concurrent callers with the same key see exactly one false.
func (w *Window) CheckAndMark(key string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.sweepLocked()

	if el, ok := w.index[key]; ok && w.live(el) {
		return true
	}
	w.markLocked(key)
	return false
}

// Mark records key as seen now, refreshing it if already present.
func (w *Window) Mark(key string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.markLocked(key)
}

// Forget removes key.
func (w *Window) Forget(key string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if el, ok := w.index[key]; ok {
		w.order.Remove(el)
		delete(w.index, key)
	}
}

// Len returns the number of keys held, expired or not.
func (w *Window) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.index)
}

// Close stops the sweeper. Safe to call more than once.
func (w *Window) Close() {
	w.stopOnce.Do(func() { close(w.stop) })
}

func (w *Window) live(el *list.Element) bool {
	id, _ := el.Value.(*seenID)
	return w.now().Sub(id.seen) < w.ttl
}

// markLocked must be called with mu held.
func (w *Window) markLocked(key string) {
	if el, ok := w.index[key]; ok {
		id, _ := el.Value.(*seenID)
		id.seen = w.now()
		w.order.MoveToBack(el)
		return
	}

	for len(w.index) >= w.maxSize {
		w.dropFront()
	}
	w.index[key] = w.order.PushBack(&seenID{key: key, seen: w.now()})
}

// sweepLocked drops expired keys from the front. Must be called with mu held.
func (w *Window) sweepLocked() int {
	dropped := 0
	for front := w.order.Front(); front != nil && !w.live(front); front = w.order.Front() {
		w.dropFront()
		dropped++
	}
	return dropped
}

func (w *Window) dropFront() {
	front := w.order.Front()
	if front == nil {
		return
	}
	id, _ := front.Value.(*seenID)
	w.order.Remove(front)
	delete(w.index, id.key)
}

func (w *Window) sweepLoop() {
	ticker := time.NewTicker(w.ttl)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.mu.Lock()
			w.sweepLocked()
			w.mu.Unlock()
		case <-w.stop:
			return
		}
	}
}
