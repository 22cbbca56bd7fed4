// Package pubsub delivers encoded frames to per-connection outbound queues.
package pubsub

import (
	"sync"

	"go.uber.org/zap"
)

// Message is one encoded frame addressed to a topic.
type Message struct {
	Topic   string
	Payload []byte
}

// Subscriber is a subscriber's buffered inbox.
type Subscriber chan Message

// Bus manages topics and their subscribers.
type Bus struct {
	mu          sync.RWMutex
	topics      map[string]map[Subscriber]bool
	subscribers map[Subscriber]bool
	buffer      int
	log         *zap.Logger
}

// NewBus creates a Bus whose subscriber inboxes hold buffer frames.
func NewBus(buffer int, log *zap.Logger) *Bus {
	if buffer <= 0 {
		buffer = 100
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Bus{
		topics:      make(map[string]map[Subscriber]bool),
		subscribers: make(map[Subscriber]bool),
		buffer:      buffer,
		log:         log,
	}
}

// ConnTopic is the topic carrying frames for one connection.
func ConnTopic(connID string) string { return "conn." + connID }

// Subscribe adds a new subscriber to topic.
func (b *Bus) Subscribe(topic string) Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := make(Subscriber, b.buffer)
	b.subscribers[sub] = true

	if b.topics[topic] == nil {
		b.topics[topic] = make(map[Subscriber]bool)
	}
	b.topics[topic][sub] = true

	return sub
}

// Unsubscribe removes sub from every topic and closes it.
func (b *Bus) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for topic, subs := range b.topics {
		delete(subs, sub)
		if len(subs) == 0 {
			delete(b.topics, topic)
		}
	}

	if _, ok := b.subscribers[sub]; ok {
		delete(b.subscribers, sub)
		close(sub)
	}
}

// Publish sends payload to every subscriber of topic without blocking.
// It reports whether at least one subscriber accepted the frame.
func (b *Bus) Publish(topic string, payload []byte) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()

	subs := b.topics[topic]
	if len(subs) == 0 {
		return false
	}

	msg := Message{Topic: topic, Payload: payload}
	delivered := false
	for sub := range subs {
		select {
		case sub <- msg:
			delivered = true
		default:
			b.log.Warn("[PUBSUB] frame dropped, subscriber full",
				zap.String("topic", topic),
				zap.Int("buffered", len(sub)),
				zap.Int("capacity", cap(sub)))
		}
	}
	return delivered
}

// Topics returns the number of topics with at least one subscriber.
func (b *Bus) Topics() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.topics)
}
