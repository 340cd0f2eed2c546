package events

import (
	"log"
	"sync"
	"time"

	"github.com/segmentio/ksuid"

	"tasksearch/internal/models"
)

// Type identifies what happened to a record or a generation job.
type Type string

const (
	TypeJobQueued       Type = "job.queued"
	TypeJobStarted      Type = "job.started"
	TypeJobFinished     Type = "job.finished"
	TypeRecordCompleted Type = "record.completed"
	TypeRecordFailed    Type = "record.failed"
	TypeRecordsDeleted  Type = "records.deleted"
)

// Event is one lifecycle notification pushed to subscribers.
type Event struct {
	Type      Type                `json:"type"`
	RecordID  string              `json:"record_id,omitempty"`
	ParentID  string              `json:"parent_id,omitempty"`
	JobID     string              `json:"job_id,omitempty"`
	Status    models.RecordStatus `json:"status,omitempty"`
	Error     string              `json:"error,omitempty"`
	Deleted   int64               `json:"deleted,omitempty"`
	Timestamp time.Time           `json:"timestamp"`
}

// Subscriber is one attached event consumer. Send is closed by the hub when
// the subscriber is dropped or the hub shuts down.
type Subscriber struct {
	ID   string
	Send chan Event
}

// Hub fans lifecycle events out to all subscribers. Clients that stop
// draining their channel are dropped rather than allowed to stall the rest.
type Hub struct {
	subscribers map[*Subscriber]bool
	register    chan *Subscriber
	unregister  chan *Subscriber
	publish     chan Event
	mu          sync.RWMutex
	done        chan struct{}
	closeOnce   sync.Once
}

// NewHub creates an event hub. Call Start before publishing.
func NewHub() *Hub {
	return &Hub{
		subscribers: make(map[*Subscriber]bool),
		register:    make(chan *Subscriber),
		unregister:  make(chan *Subscriber),
		publish:     make(chan Event, 256),
		done:        make(chan struct{}),
	}
}

// Start begins the hub event loop.
func (h *Hub) Start() {
	log.Println("🔄 Starting event hub...")

	go func() {
		for {
			select {
			case <-h.done:
				h.closeAll()
				return

			case sub := <-h.register:
				h.handleRegister(sub)

			case sub := <-h.unregister:
				h.handleUnregister(sub)

			case event := <-h.publish:
				h.handlePublish(event)
			}
		}
	}()

	log.Println("✓ Event hub started")
}

// Subscribe attaches a new consumer. On a shut-down hub the returned
// subscriber's channel is already closed, so readers exit immediately.
func (h *Hub) Subscribe() *Subscriber {
	sub := &Subscriber{
		ID:   ksuid.New().String(),
		Send: make(chan Event, 32),
	}

	select {
	case h.register <- sub:
	case <-h.done:
		close(sub.Send)
	}
	return sub
}

// Unsubscribe detaches a consumer and closes its channel.
func (h *Hub) Unsubscribe(sub *Subscriber) {
	select {
	case h.unregister <- sub:
	case <-h.done:
	}
}

// Publish queues an event for broadcast. Never blocks the caller: under
// congestion the event is dropped, the record store stays the source of
// truth and pollers are unaffected.
func (h *Hub) Publish(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	select {
	case h.publish <- event:
	case <-h.done:
	default:
		log.Printf("⚠️  Event hub congested, dropping %s event", event.Type)
	}
}

// SubscriberCount returns the number of attached consumers.
func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers)
}

// Shutdown stops the event loop and closes every subscriber channel.
func (h *Hub) Shutdown() {
	h.closeOnce.Do(func() {
		log.Println("🛑 Shutting down event hub...")
		close(h.done)
	})
}

func (h *Hub) handleRegister(sub *Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.subscribers[sub] = true
	log.Printf("  Subscriber %s attached (total: %d)", sub.ID, len(h.subscribers))
}

func (h *Hub) handleUnregister(sub *Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.subscribers[sub] {
		delete(h.subscribers, sub)
		close(sub.Send)
		log.Printf("  Subscriber %s detached (remaining: %d)", sub.ID, len(h.subscribers))
	}
}

func (h *Hub) handlePublish(event Event) {
	h.mu.RLock()
	var slow []*Subscriber
	for sub := range h.subscribers {
		select {
		case sub.Send <- event:
		default:
			slow = append(slow, sub)
		}
	}
	h.mu.RUnlock()

	// Dropped here, not queued back through unregister: the loop is its own
	// consumer and would deadlock waiting on itself.
	for _, sub := range slow {
		log.Printf("⚠️  Subscriber %s buffer full, dropping", sub.ID)
		h.handleUnregister(sub)
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for sub := range h.subscribers {
		close(sub.Send)
	}
	h.subscribers = make(map[*Subscriber]bool)
	log.Println("✓ Event hub shutdown complete")
}
