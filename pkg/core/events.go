package core

import (
	"sync"
	"time"
)

// Event is the interface for all service events.
type Event interface {
	eventMarker()
}

// JobDispatched is emitted when the monitor hands a job to a retrieval worker.
type JobDispatched struct {
	Job       *Job
	Active    int
	Timestamp time.Time
}

func (*JobDispatched) eventMarker() {}

// StatusChanged is emitted after a status transition is persisted.
type StatusChanged struct {
	JobID     int64
	From      JobStatus
	To        JobStatus
	Message   string
	Timestamp time.Time
}

func (*StatusChanged) eventMarker() {}

// RetrievalFinished is emitted when a retrieval worker exits.
type RetrievalFinished struct {
	JobID     int64
	Status    JobStatus
	Message   string
	Duration  time.Duration
	Timestamp time.Time
}

func (*RetrievalFinished) eventMarker() {}

// ObjectStored is emitted when an inbound object has been filed under one or
// more jobs.
type ObjectStored struct {
	AssociationID string
	InstanceUID   string
	JobIDs        []int64
	Timestamp     time.Time
}

func (*ObjectStored) eventMarker() {}

// AssociationReleased is emitted when an inbound association closes.
type AssociationReleased struct {
	AssociationID string
	Retried       []int64
	Timestamp     time.Time
}

func (*AssociationReleased) eventMarker() {}

// DeviceVerified is emitted after a device echo.
type DeviceVerified struct {
	Device    Device
	Err       error
	Timestamp time.Time
}

func (*DeviceVerified) eventMarker() {}

// Bus fans events out to subscribers without blocking publishers.
type Bus struct {
	mu   sync.RWMutex
	subs []chan Event
}

// NewBus creates an empty event bus.
func NewBus() *Bus {
	return &Bus{}
}

// Subscribe returns a channel receiving subsequent events.
// The caller must call Unsubscribe when done to prevent resource leaks.
func (b *Bus) Subscribe(buffer int) <-chan Event {
	if buffer <= 0 {
		buffer = 100
	}
	ch := make(chan Event, buffer)
	b.mu.Lock()
	b.subs = append(b.subs, ch)
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes a subscriber channel created by Subscribe.
// The channel is not closed; callers must stop reading before calling Unsubscribe.
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, sub := range b.subs {
		if sub == ch {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			return
		}
	}
}

// Emit sends e to every subscriber. A nil Bus discards events.
func (b *Bus) Emit(e Event) {
	if b == nil {
		return
	}
	b.mu.RLock()
	subs := make([]chan Event, len(b.subs))
	copy(subs, b.subs)
	b.mu.RUnlock()

	for _, ch := range subs {
		select {
		case ch <- e:
		default:
			// Drop if full - slow consumers never block the monitor
		}
	}
}
