// Package notifier fans device-change notifications out to presentation
// subscribers.  Delivery runs with bounded concurrency so a slow subscriber
// never stalls the reducer or the stream receive loop.
package notifier

import (
	"sync"

	"github.com/korovkin/limiter"

	"github.com/smarthome-bridges/haier-evo/internal/pkg/logging"
)

type Hub struct {
	limit *limiter.ConcurrencyLimiter

	mu          sync.RWMutex
	subscribers []func(mac string)
}

func NewHub(maxConcurrent int) *Hub {
	return &Hub{
		limit: limiter.NewConcurrencyLimiter(maxConcurrent),
	}
}

// Subscribe registers a callback invoked after a device's state changes.
func (h *Hub) Subscribe(fn func(mac string)) {
	h.mu.Lock()
	h.subscribers = append(h.subscribers, fn)
	h.mu.Unlock()
}

// Notify schedules delivery to every subscriber and returns without
// waiting for them.
func (h *Hub) Notify(mac string) {
	h.mu.RLock()
	subs := make([]func(string), len(h.subscribers))
	copy(subs, h.subscribers)
	h.mu.RUnlock()

	for _, fn := range subs {
		fn := fn
		h.limit.Execute(func() {
			fn(mac)
		})
	}
}

// Wait blocks until in-flight deliveries finish.  Used at shutdown.
func (h *Hub) Wait() {
	logging.Logger(nil).Debug("notifier: waiting for deliveries to finish")
	h.limit.Wait()
}
