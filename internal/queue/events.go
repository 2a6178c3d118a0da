package queue

import (
	"sync"
	"time"

	"github.com/codebuildervaibhav/media-toolkit/internal/types"
)

// Event is published on every ledger transition of a job
type Event struct {
	JobID      string       `json:"job_id"`
	Family     string       `json:"family"`
	Status     types.Status `json:"status"`
	RetryCount int          `json:"retry_count"`
	Error      *string      `json:"error,omitempty"`
	At         time.Time    `json:"at"`
}

// EventFor snapshots job as an event
func EventFor(job *types.Job) Event {
	return Event{
		JobID:      job.ID,
		Family:     job.Family,
		Status:     job.Status,
		RetryCount: job.RetryCount,
		Error:      job.Error,
		At:         job.UpdatedAt,
	}
}

// Broker fans job events out to subscribers. Slow subscribers miss events
// instead of blocking the dispatcher.
type Broker struct {
	mu   sync.RWMutex
	subs map[int]chan Event
	next int
}

// NewBroker creates a broker with no subscribers
func NewBroker() *Broker {
	return &Broker{subs: make(map[int]chan Event)}
}

// Subscribe returns a channel of events and a func that closes it
func (b *Broker) Subscribe(buffer int) (<-chan Event, func()) {
	ch := make(chan Event, buffer)

	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
}

// Publish delivers e to every subscriber with room for it
func (b *Broker) Publish(e Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}
