package events

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBus_FanOut(t *testing.T) {
	b := NewBus(4, nil)
	s1 := b.Subscribe()
	s2 := b.Subscribe()
	assert.Equal(t, 2, b.SubscriberCount())
	assert.NotEqual(t, s1.ID(), s2.ID())

	b.Publish(Event{Name: EventQueued, ID: "abc123", Type: "preview", Path: "v.mp4"})

	for _, s := range []*Subscriber{s1, s2} {
		ev := <-s.C()
		assert.Equal(t, EventQueued, ev.Name)
		assert.Equal(t, "abc123", ev.ID)
		assert.False(t, ev.Time.IsZero())
	}
}

func TestBus_DropsOnFullQueue(t *testing.T) {
	b := NewBus(2, nil)
	s := b.Subscribe()

	for i := 0; i < 5; i++ {
		b.Publish(Event{Name: EventProgress, ID: "abc123"})
	}
	// Only the queue capacity survived; publishing never blocked.
	assert.Len(t, s.ch, 2)
}

func TestBus_UnsubscribeClosesChannel(t *testing.T) {
	b := NewBus(4, nil)
	s := b.Subscribe()
	b.Unsubscribe(s)
	b.Unsubscribe(s) // second call is harmless

	_, open := <-s.C()
	assert.False(t, open)
	assert.Zero(t, b.SubscriberCount())

	// Publishing to an empty bus is a no-op.
	b.Publish(Event{Name: EventCancel, ID: "abc123"})
}

func TestEvent_FinishedCarriesNullError(t *testing.T) {
	data, err := json.Marshal(Event{Name: EventFinished, ID: "abc123"})
	require.NoError(t, err)
	assert.Contains(t, string(data), `"error":null`)

	data, err = json.Marshal(Event{Name: EventFinished, ID: "abc123", Error: StrPtr("boom")})
	require.NoError(t, err)
	assert.Contains(t, string(data), `"error":"boom"`)

	// Other events omit the error field entirely.
	data, err = json.Marshal(Event{Name: EventStarted, ID: "abc123"})
	require.NoError(t, err)
	assert.NotContains(t, string(data), "error")
}

func TestEvent_OptionalFields(t *testing.T) {
	ev := Event{
		Name:      EventProgress,
		ID:        "abc123",
		Total:     IntPtr(10),
		Processed: IntPtr(3),
		Progress:  FloatPtr(30),
	}
	data, err := json.Marshal(ev)
	require.NoError(t, err)

	var m map[string]any
	require.NoError(t, json.Unmarshal(data, &m))
	assert.Equal(t, float64(10), m["total"])
	assert.Equal(t, float64(3), m["processed"])
	assert.Equal(t, float64(30), m["progress"])
	assert.NotContains(t, m, "count")
	assert.NotContains(t, m, "paused")
}
