package service

import (
	"sync"

	"github.com/callbridge/pbx-bridge-go/internal/model"
)

// keyedQueue runs events for each correlation key in arrival order on a
// worker owned by that key. The worker exits once the key's queue drains, so
// a stalled key never holds up another.
type keyedQueue struct {
	mu      sync.Mutex
	pending map[string][]model.CallEvent
	wg      sync.WaitGroup
	handle  func(model.CallEvent)
}

func newKeyedQueue(handle func(model.CallEvent)) *keyedQueue {
	return &keyedQueue{
		pending: make(map[string][]model.CallEvent),
		handle:  handle,
	}
}

// push never blocks on event handling.
func (q *keyedQueue) push(ev model.CallEvent) {
	key := ev.CorrelationKey

	q.mu.Lock()
	queued, active := q.pending[key]
	q.pending[key] = append(queued, ev)
	q.mu.Unlock()

	if !active {
		q.wg.Go(func() { q.drain(key) })
	}
}

func (q *keyedQueue) drain(key string) {
	for {
		q.mu.Lock()
		queued := q.pending[key]
		if len(queued) == 0 {
			delete(q.pending, key)
			q.mu.Unlock()
			return
		}
		ev := queued[0]
		queued[0] = model.CallEvent{}
		q.pending[key] = queued[1:]
		q.mu.Unlock()

		q.handle(ev)
	}
}

// active is the number of keys with a running worker.
func (q *keyedQueue) active() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

func (q *keyedQueue) wait() {
	q.wg.Wait()
}
