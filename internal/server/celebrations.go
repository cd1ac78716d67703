package server

import (
	"context"
	"sync"
	"time"

	"github.com/mikke-map/mikke-api/internal/badges"
)

const (
	celebrationEventName     = "badge-celebration"
	celebrationHeartbeatName = "heartbeat"
	celebrationSource        = "mikke-backend"
)

// CelebrationEvent is the per-user stream payload announcing a freshly earned
// badge.
type CelebrationEvent struct {
	UserID        string        `json:"-"`
	Category      string        `json:"category"`
	Level         string        `json:"level"`
	CountAtEarn   int64         `json:"count_at_earn"`
	WasUpgrade    bool          `json:"was_upgrade"`
	PreviousLevel *badges.Level `json:"previous_level,omitempty"`
	Timestamp     time.Time     `json:"timestamp"`
	Source        string        `json:"source"`
}

// NewCelebrationEvent converts an award into its stream representation.
func NewCelebrationEvent(celebration badges.Celebration) CelebrationEvent {
	return CelebrationEvent{
		UserID:        celebration.Badge.UserID,
		Category:      celebration.Badge.Category.String(),
		Level:         celebration.Badge.Level.String(),
		CountAtEarn:   celebration.Badge.CountAtEarn,
		WasUpgrade:    celebration.WasUpgrade,
		PreviousLevel: celebration.PreviousLevel,
		Timestamp:     celebration.Badge.EarnedAt,
		Source:        celebrationSource,
	}
}

// CelebrationDispatcher fans celebration events out to a user's open streams.
// Publishing never blocks; a subscriber that cannot keep up drops events.
type CelebrationDispatcher struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*celebrationSubscriber
	nextID      int64
	bufferSize  int
}

type celebrationSubscriber struct {
	id     int64
	stream chan CelebrationEvent
}

func NewCelebrationDispatcher() *CelebrationDispatcher {
	return &CelebrationDispatcher{
		subscribers: make(map[string]map[int64]*celebrationSubscriber),
		bufferSize:  16,
	}
}

// Subscribe registers a stream for the user, released when the context ends
// or the returned cleanup runs.
func (d *CelebrationDispatcher) Subscribe(ctx context.Context, userID string) (<-chan CelebrationEvent, func()) {
	if userID == "" {
		ch := make(chan CelebrationEvent)
		close(ch)
		return ch, func() {}
	}
	subscriber := &celebrationSubscriber{
		id:     d.nextSequence(),
		stream: make(chan CelebrationEvent, d.bufferSize),
	}
	d.registerSubscriber(userID, subscriber)
	cleanup := func() {
		d.unregisterSubscriber(userID, subscriber.id)
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.stream, cleanup
}

// Publish delivers the event to every open stream of the event's user.
func (d *CelebrationDispatcher) Publish(event CelebrationEvent) {
	if event.UserID == "" {
		return
	}
	d.mu.RLock()
	subscribers := d.subscribers[event.UserID]
	if len(subscribers) == 0 {
		d.mu.RUnlock()
		return
	}
	copies := make([]*celebrationSubscriber, 0, len(subscribers))
	for _, subscriber := range subscribers {
		copies = append(copies, subscriber)
	}
	d.mu.RUnlock()
	for _, subscriber := range copies {
		select {
		case subscriber.stream <- event:
		default:
		}
	}
}

func (d *CelebrationDispatcher) nextSequence() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	return d.nextID
}

func (d *CelebrationDispatcher) registerSubscriber(userID string, subscriber *celebrationSubscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.subscribers[userID]; !ok {
		d.subscribers[userID] = make(map[int64]*celebrationSubscriber)
	}
	d.subscribers[userID][subscriber.id] = subscriber
}

func (d *CelebrationDispatcher) unregisterSubscriber(userID string, subscriberID int64) {
	d.mu.Lock()
	subscribers := d.subscribers[userID]
	if subscribers != nil {
		delete(subscribers, subscriberID)
		if len(subscribers) == 0 {
			delete(d.subscribers, userID)
		}
	}
	d.mu.Unlock()
}
