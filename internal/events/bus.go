package events

import (
	"sync"

	"warden/internal/domain"
)

// Bus topics.
const (
	TopicIntents   = "intents"
	TopicArtifacts = "artifacts"
)

// Message is one pub/sub notification. For TopicIntents the Intent field
// carries a post-commit snapshot; for TopicArtifacts the Link field is set.
type Message struct {
	Topic  string
	Type   string
	Intent domain.Intent
	Link   domain.ArtifactLink
}

// Bus is a best-effort in-process pub/sub channel. Publish never blocks:
// a subscriber that falls behind its buffer loses messages rather than
// stalling the publisher, so governance invariants never depend on delivery.
type Bus struct {
	mu   sync.Mutex
	subs map[string][]chan Message
}

func NewBus() *Bus {
	return &Bus{subs: make(map[string][]chan Message)}
}

// Subscribe returns a buffered channel receiving messages for topic.
func (b *Bus) Subscribe(topic string, buffer int) <-chan Message {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Message, buffer)
	b.mu.Lock()
	b.subs[topic] = append(b.subs[topic], ch)
	b.mu.Unlock()
	return ch
}

// Publish delivers msg to all current subscribers of msg.Topic. A nil bus
// is a valid no-op publisher.
func (b *Bus) Publish(msg Message) {
	if b == nil {
		return
	}
	b.mu.Lock()
	subs := b.subs[msg.Topic]
	b.mu.Unlock()
	for _, ch := range subs {
		select {
		case ch <- msg:
		default:
		}
	}
}
