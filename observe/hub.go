package observe

import (
	"context"
	"sync"

	"github.com/PipeOpsHQ/agentcrew/types"
)

// Hub fans events out to per-run subscribers. Publishing never blocks: a
// subscriber whose buffer is full misses events.
type Hub struct {
	mu       sync.RWMutex
	nextID   int
	watchers map[int]watcher
}

type watcher struct {
	runFilter string
	ch        chan types.EventLogEntry
}

func NewHub() *Hub {
	return &Hub{watchers: map[int]watcher{}}
}

// Subscribe returns a channel of events for runID ("" for all runs) and a
// function that cancels the subscription and closes the channel.
func (h *Hub) Subscribe(runID string, buffer int) (<-chan types.EventLogEntry, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if buffer <= 0 {
		buffer = 64
	}
	id := h.nextID
	h.nextID++
	ch := make(chan types.EventLogEntry, buffer)
	h.watchers[id] = watcher{runFilter: runID, ch: ch}

	var once sync.Once
	return ch, func() {
		once.Do(func() { h.unsubscribe(id) })
	}
}

func (h *Hub) unsubscribe(id int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if w, ok := h.watchers[id]; ok {
		delete(h.watchers, id)
		close(w.ch)
	}
}

// Subscribers reports the number of live subscriptions.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.watchers)
}

func (h *Hub) Emit(_ context.Context, event types.EventLogEntry) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, w := range h.watchers {
		if w.runFilter != "" && w.runFilter != event.RunID {
			continue
		}
		select {
		case w.ch <- event:
		default:
		}
	}
	return nil
}
