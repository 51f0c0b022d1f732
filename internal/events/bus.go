// Package events is the process-wide publisher for job lifecycle events.
// Publication never blocks: each subscriber owns a bounded queue and slow
// consumers lose events rather than stalling workers. Consumers recover
// missed state by polling the job registry.
package events

import (
	"crypto/rand"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/sidecarr/sidecarr/internal/metrics"
)

// DefaultQueueSize is the per-subscriber buffer.
const DefaultQueueSize = 256

// Event is one bus payload. Fields beyond Name are event-specific; absent
// ones are omitted from the serialized form.
type Event struct {
	Name string `json:"event"`

	ID   string `json:"id,omitempty"`
	Type string `json:"type,omitempty"`
	Path string `json:"path,omitempty"`

	Total     *int     `json:"total,omitempty"`
	Processed *int     `json:"processed,omitempty"`
	Progress  *float64 `json:"progress,omitempty"`

	Current string `json:"current,omitempty"`

	// Error is pointer-typed so "finished" can carry an explicit null.
	Error *string `json:"error,omitempty"`

	Count  *int  `json:"count,omitempty"`
	Value  *int  `json:"value,omitempty"`
	Paused *bool `json:"paused,omitempty"`

	Result any `json:"result,omitempty"`

	Time time.Time `json:"time,omitempty"`
}

// MarshalJSON keeps "error" present, as null, on finished events even when
// no error occurred.
func (e Event) MarshalJSON() ([]byte, error) {
	type alias Event
	if e.Name == EventFinished && e.Error == nil {
		return json.Marshal(struct {
			alias
			Error *string `json:"error"`
		}{alias(e), nil})
	}
	return json.Marshal(alias(e))
}

// Event names.
const (
	EventCreated     = "created"
	EventQueued      = "queued"
	EventStarted     = "started"
	EventProgress    = "progress"
	EventCurrent     = "current"
	EventFinished    = "finished"
	EventCancel      = "cancel"
	EventCancelAll   = "cancel_all"
	EventPurge       = "purge"
	EventPause       = "pause"
	EventConcurrency = "concurrency"
	EventResult      = "result"
)

// Subscriber is one registered consumer.
type Subscriber struct {
	id string
	ch chan Event
}

// ID returns the subscriber's unique identifier.
func (s *Subscriber) ID() string { return s.id }

// C is the subscriber's receive channel. It closes on Unsubscribe.
func (s *Subscriber) C() <-chan Event { return s.ch }

// Bus fans events out to subscribers without blocking publishers.
type Bus struct {
	mu        sync.RWMutex
	subs      map[string]*Subscriber
	queueSize int
	log       *slog.Logger
	entropy   *ulid.MonotonicEntropy
}

// NewBus returns a bus with the given per-subscriber queue size.
func NewBus(queueSize int, log *slog.Logger) *Bus {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	if log == nil {
		log = slog.Default()
	}
	return &Bus{
		subs:      make(map[string]*Subscriber),
		queueSize: queueSize,
		log:       log,
		entropy:   ulid.Monotonic(rand.Reader, 0),
	}
}

// Subscribe registers a new consumer.
func (b *Bus) Subscribe() *Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := ulid.MustNew(ulid.Timestamp(time.Now()), b.entropy).String()
	sub := &Subscriber{id: id, ch: make(chan Event, b.queueSize)}
	b.subs[id] = sub
	b.log.Debug("event subscriber attached", slog.String("subscriber", id))
	return sub
}

// Unsubscribe removes a consumer and closes its channel.
func (b *Bus) Unsubscribe(sub *Subscriber) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[sub.id]; !ok {
		return
	}
	delete(b.subs, sub.id)
	close(sub.ch)
	b.log.Debug("event subscriber detached", slog.String("subscriber", sub.id))
}

// Publish delivers ev to every subscriber queue, dropping on full ones.
func (b *Bus) Publish(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		select {
		case sub.ch <- ev:
		default:
			metrics.EventsDropped.Inc()
			b.log.Debug("event dropped on slow subscriber",
				slog.String("subscriber", sub.id),
				slog.String("event", ev.Name))
		}
	}
}

// SubscriberCount reports the number of attached consumers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Helpers for the common payload shapes.

// IntPtr boxes an int for optional event fields.
func IntPtr(v int) *int { return &v }

// FloatPtr boxes a float64 for optional event fields.
func FloatPtr(v float64) *float64 { return &v }

// BoolPtr boxes a bool for optional event fields.
func BoolPtr(v bool) *bool { return &v }

// StrPtr boxes a string for optional event fields.
func StrPtr(v string) *string { return &v }
