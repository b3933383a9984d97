package dispatch

import (
	"sync"

	"github.com/vincentbai/engagetrace/internal/models"
)

// Queue is the ordered buffer of pending events. Producers only append;
// Drain is the single consumer.
type Queue struct {
	mu     sync.Mutex
	events []models.Event
}

func (q *Queue) Enqueue(event models.Event) {
	q.mu.Lock()
	q.events = append(q.events, event)
	q.mu.Unlock()
}

// Drain returns every pending event in append order and leaves the queue
// empty, in one step.
func (q *Queue) Drain() []models.Event {
	q.mu.Lock()
	defer q.mu.Unlock()
	drained := q.events
	q.events = nil
	return drained
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.events)
}
