package memory

import (
	"sync"

	"github.com/dshills/portwire/internal/wire"
)

// queue is an unbounded FIFO so Send never blocks on a slow reader.
type queue struct {
	mu     sync.Mutex
	items  []wire.Message
	notify chan struct{}
}

func newQueue() *queue {
	return &queue{notify: make(chan struct{}, 1)}
}

func (q *queue) push(msg wire.Message) {
	q.mu.Lock()
	q.items = append(q.items, msg)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *queue) pop() (wire.Message, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return wire.Message{}, false
	}
	msg := q.items[0]
	q.items[0] = wire.Message{}
	q.items = q.items[1:]
	return msg, true
}

func (q *queue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
