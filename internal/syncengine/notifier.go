package syncengine

import (
	"context"
	"sync"
	"time"

	"github.com/sigerd/fieldsync/internal/records"
)

// ChangeKind names the local mutation behind a change event.
type ChangeKind string

const (
	ChangeCreated ChangeKind = "created"
	ChangeUpdated ChangeKind = "updated"
	ChangeDeleted ChangeKind = "deleted"
	// ChangePulled is published after a pull wrote remote records locally.
	ChangePulled ChangeKind = "pulled"
)

// ChangeEvent announces records written to the local store.
type ChangeEvent struct {
	EntityType records.EntityType
	Kind       ChangeKind
	LocalKeys  []string
	Timestamp  time.Time
}

// Notifier fans change events out to subscribers. Slow subscribers miss events
// instead of blocking the writer.
type Notifier struct {
	mu          sync.RWMutex
	subscribers map[int64]*changeSubscriber
	nextID      int64
	bufferSize  int
}

type changeSubscriber struct {
	id     int64
	stream chan ChangeEvent
}

func NewNotifier() *Notifier {
	return &Notifier{
		subscribers: make(map[int64]*changeSubscriber),
		bufferSize:  16,
	}
}

// Subscribe returns a stream of change events that is released when ctx ends or
// the returned cleanup runs.
func (n *Notifier) Subscribe(ctx context.Context) (<-chan ChangeEvent, func()) {
	subscriber := &changeSubscriber{
		stream: make(chan ChangeEvent, n.bufferSize),
	}
	n.mu.Lock()
	n.nextID++
	subscriber.id = n.nextID
	n.subscribers[subscriber.id] = subscriber
	n.mu.Unlock()

	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			n.mu.Lock()
			delete(n.subscribers, subscriber.id)
			n.mu.Unlock()
		})
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.stream, cleanup
}

func (n *Notifier) Publish(event ChangeEvent) {
	if event.EntityType == "" {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	n.mu.RLock()
	if len(n.subscribers) == 0 {
		n.mu.RUnlock()
		return
	}
	copies := make([]*changeSubscriber, 0, len(n.subscribers))
	for _, subscriber := range n.subscribers {
		copies = append(copies, subscriber)
	}
	n.mu.RUnlock()
	for _, subscriber := range copies {
		select {
		case subscriber.stream <- event:
		default:
		}
	}
}
