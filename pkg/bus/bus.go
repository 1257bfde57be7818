// Copyright 2025 Open Parachute PBC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package bus is the typed publish/subscribe fabric between executions
// and their SSE subscribers: one topic per key, broadcast delivery, no
// global fan-out. Topics appear the first time anyone publishes or
// subscribes and disappear when closed with no subscribers left.
package bus

import (
	"encoding/json"
	"sync"
)

// TopicPermissions is the singleton stream of permission events.
const TopicPermissions = "permissions"

// QueueTopic returns the per-queue-item stream key.
func QueueTopic(itemID string) string {
	return "queue/" + itemID
}

// subscriberBuffer is the per-subscriber channel capacity. A subscriber
// that falls this far behind loses events rather than blocking the
// publisher.
const subscriberBuffer = 64

// Event is one stream payload. Type is the discriminant every consumer
// switches on; Data carries the type-specific fields, flattened beside
// "type" in the JSON encoding.
type Event struct {
	Type string
	Data map[string]interface{}
}

// NewEvent builds an event from alternating key/value pairs.
func NewEvent(eventType string, kv ...interface{}) Event {
	data := make(map[string]interface{}, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			continue
		}
		data[key] = kv[i+1]
	}
	return Event{Type: eventType, Data: data}
}

// MarshalJSON flattens Data beside the "type" discriminant.
func (e Event) MarshalJSON() ([]byte, error) {
	flat := make(map[string]interface{}, len(e.Data)+1)
	for k, v := range e.Data {
		flat[k] = v
	}
	flat["type"] = e.Type
	return json.Marshal(flat)
}

type topic struct {
	subs   map[int]chan Event
	nextID int
	closed bool
}

// Bus is the process-wide event bus. All methods are safe for
// concurrent use.
type Bus struct {
	mu     sync.Mutex
	topics map[string]*topic
}

// New creates a Bus.
func New() *Bus {
	return &Bus{topics: make(map[string]*topic)}
}

// Subscribe attaches to a topic, creating it on demand, and returns the
// event channel plus an unsubscribe function. The channel is closed by
// CloseTopic or by unsubscribing; unsubscribing twice is safe.
func (b *Bus) Subscribe(key string) (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t := b.topics[key]
	if t == nil || t.closed {
		t = &topic{subs: make(map[int]chan Event)}
		b.topics[key] = t
	}
	id := t.nextID
	t.nextID++
	ch := make(chan Event, subscriberBuffer)
	t.subs[id] = ch

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if cur := b.topics[key]; cur == t {
				delete(t.subs, id)
				close(ch)
				if len(t.subs) == 0 && t.closed {
					delete(b.topics, key)
				}
			}
		})
	}
	return ch, unsubscribe
}

// Publish broadcasts an event to every subscriber of a topic, creating
// the topic on demand so late subscribers can still attach. Subscribers
// with full buffers miss the event; the publisher never blocks.
func (b *Bus) Publish(key string, event Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t := b.topics[key]
	if t == nil {
		b.topics[key] = &topic{subs: make(map[int]chan Event)}
		return
	}
	if t.closed {
		return
	}
	for _, ch := range t.subs {
		select {
		case ch <- event:
		default:
		}
	}
}

// CloseTopic closes every subscriber channel of a topic and removes it.
// Publishing to a closed topic is a no-op until someone resubscribes.
func (b *Bus) CloseTopic(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t := b.topics[key]
	if t == nil {
		return
	}
	t.closed = true
	for id, ch := range t.subs {
		delete(t.subs, id)
		close(ch)
	}
	delete(b.topics, key)
}

// SubscriberCount reports active subscribers on a topic.
func (b *Bus) SubscriberCount(key string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if t := b.topics[key]; t != nil {
		return len(t.subs)
	}
	return 0
}

// TopicCount reports live topics, for the detailed health view.
func (b *Bus) TopicCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.topics)
}
