// ABOUTME: In-memory fan-out of transcript updates to UI subscribers
// ABOUTME: Publishing never blocks; a full subscriber misses updates instead

package transcript

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// subscriberBufferSize is the channel buffer for each subscriber.
const subscriberBufferSize = 64

type fanout struct {
	mu     sync.RWMutex
	subs   map[string]chan Update
	closed bool
	logger *slog.Logger
}

func newFanout(logger *slog.Logger) *fanout {
	return &fanout{
		subs:   make(map[string]chan Update),
		logger: logger,
	}
}

// subscribe registers a subscriber until ctx is done or unsubscribe is called.
func (f *fanout) subscribe(ctx context.Context) (<-chan Update, string) {
	subID := uuid.NewString()
	ch := make(chan Update, subscriberBufferSize)

	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		close(ch)
		return ch, subID
	}
	f.subs[subID] = ch
	f.mu.Unlock()

	f.logger.Debug("subscriber added", "sub_id", subID)

	go func() {
		<-ctx.Done()
		f.unsubscribe(subID)
	}()

	return ch, subID
}

func (f *fanout) publish(u Update) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	for id, ch := range f.subs {
		select {
		case ch <- u:
		default:
			f.logger.Debug("dropped update for slow subscriber", "sub_id", id, "kind", u.Kind)
		}
	}
}

func (f *fanout) unsubscribe(subID string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	ch, ok := f.subs[subID]
	if !ok {
		return
	}
	delete(f.subs, subID)
	close(ch)
	f.logger.Debug("subscriber removed", "sub_id", subID)
}

func (f *fanout) close() {
	f.mu.Lock()
	defer f.mu.Unlock()

	for id, ch := range f.subs {
		close(ch)
		delete(f.subs, id)
	}
	f.closed = true
}
