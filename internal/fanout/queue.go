package fanout

import (
	"sync"

	"metachat/dm-sync-service/internal/models"
)

// eventQueue is an unbounded FIFO between feed callbacks, which must never
// block, and the session worker.
type eventQueue struct {
	mu     sync.Mutex
	events []models.FeedEvent
	ready  chan struct{}
}

func newEventQueue() *eventQueue {
	return &eventQueue{ready: make(chan struct{}, 1)}
}

func (q *eventQueue) push(evt models.FeedEvent) {
	q.mu.Lock()
	q.events = append(q.events, evt)
	q.mu.Unlock()

	select {
	case q.ready <- struct{}{}:
	default:
	}
}

func (q *eventQueue) drain() []models.FeedEvent {
	q.mu.Lock()
	defer q.mu.Unlock()
	events := q.events
	q.events = nil
	return events
}
