package bus

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvent_MarshalFlattensType(t *testing.T) {
	ev := NewEvent("text", "content", "hello", "delta", "lo")

	data, err := json.Marshal(ev)
	require.NoError(t, err)

	var m map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &m))
	assert.Equal(t, "text", m["type"])
	assert.Equal(t, "hello", m["content"])
	assert.Equal(t, "lo", m["delta"])
}

func TestSubscribe_BroadcastOrder(t *testing.T) {
	b := New()

	ch1, unsub1 := b.Subscribe("queue/1")
	ch2, unsub2 := b.Subscribe("queue/1")
	defer unsub1()
	defer unsub2()

	for _, typ := range []string{"connected", "init", "text", "done"} {
		b.Publish("queue/1", NewEvent(typ))
	}

	for _, ch := range []<-chan Event{ch1, ch2} {
		var got []string
		for i := 0; i < 4; i++ {
			got = append(got, (<-ch).Type)
		}
		assert.Equal(t, []string{"connected", "init", "text", "done"}, got)
	}
}

func TestPublish_IsolatedPerKey(t *testing.T) {
	b := New()

	ch, unsub := b.Subscribe("queue/a")
	defer unsub()

	b.Publish("queue/b", NewEvent("text"))
	select {
	case ev := <-ch:
		t.Fatalf("unexpected event %q on other topic", ev.Type)
	default:
	}
}

func TestCloseTopic_ClosesSubscribers(t *testing.T) {
	b := New()

	ch, _ := b.Subscribe("queue/1")
	b.CloseTopic("queue/1")

	_, open := <-ch
	assert.False(t, open)
	assert.Equal(t, 0, b.TopicCount())

	// Publishing after close must not panic.
	b.Publish("queue/1", NewEvent("text"))
}

func TestUnsubscribe_Idempotent(t *testing.T) {
	b := New()

	_, unsub := b.Subscribe("permissions")
	unsub()
	unsub()
	assert.Equal(t, 0, b.SubscriberCount("permissions"))
}

func TestSlowSubscriberDropsEventsNotPublisher(t *testing.T) {
	b := New()

	ch, unsub := b.Subscribe("queue/slow")
	defer unsub()

	// Overflow the buffer; Publish must never block.
	for i := 0; i < subscriberBuffer*2; i++ {
		b.Publish("queue/slow", NewEvent("text"))
	}
	assert.Len(t, ch, subscriberBuffer)
}
