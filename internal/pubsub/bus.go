// Package pubsub is the topology-change broadcast bus consumed by the
// WebSocket edge (spec §4.7 "Topology events", §6 "/pipeline" namespace).
//
// Generalized from the teacher's core/base_node.go Broadcast/Subscribe pair,
// which wraps a single network-level pub/sub topic; here the topic key is
// the model name and the transport is in-process channels instead of a P2P
// overlay, since the WebSocket edge is the only subscriber.
package pubsub

import (
	"sync"

	"github.com/sirupsen/logrus"
)

// EventType names the four WebSocket event kinds from spec §6.
type EventType string

const (
	EventTopology   EventType = "pipeline:topology"
	EventNodeStatus EventType = "pipeline:nodeStatus"
	EventNodeJoined EventType = "pipeline:nodeJoined"
	EventNodeLeft   EventType = "pipeline:nodeLeft"
)

// Event is broadcast to every subscriber of a model's topic.
type Event struct {
	Type      EventType `json:"type"`
	Model     string    `json:"model"`
	Payload   any       `json:"payload,omitempty"`
	Timestamp int64     `json:"timestamp"`
}

const subscriberBuffer = 32

// Bus fans out Events to per-model subscriber channels. A slow subscriber
// never blocks a publisher: Bus drops and logs rather than waiting, the
// same non-blocking discipline the teacher's P2P broadcast layer applies to
// gossip messages.
type Bus struct {
	mu   sync.RWMutex
	subs map[string][]chan Event
	log  *logrus.Entry
}

func NewBus(log *logrus.Entry) *Bus {
	return &Bus{subs: make(map[string][]chan Event), log: log}
}

// Subscribe returns a channel of Events for model and an unsubscribe func.
func (b *Bus) Subscribe(model string) (<-chan Event, func()) {
	ch := make(chan Event, subscriberBuffer)
	b.mu.Lock()
	b.subs[model] = append(b.subs[model], ch)
	b.mu.Unlock()

	unsub := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		list := b.subs[model]
		for i, c := range list {
			if c == ch {
				b.subs[model] = append(list[:i], list[i+1:]...)
				close(ch)
				return
			}
		}
	}
	return ch, unsub
}

// Publish fans ev out to every subscriber of ev.Model, dropping on a full
// subscriber channel rather than blocking.
func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs[ev.Model] {
		select {
		case ch <- ev:
		default:
			if b.log != nil {
				b.log.WithField("model", ev.Model).Warn("pubsub: dropping event, subscriber buffer full")
			}
		}
	}
}

// SubscriberCount reports how many live subscribers a model currently has,
// used by read-only diagnostics.
func (b *Bus) SubscriberCount(model string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[model])
}
