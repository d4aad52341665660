package signaling

import (
	"context"
	"sync"
)

// MemoryRelay is an in-process relay. Like the hosted relays it echoes
// every publish back to the publisher's own subscriptions.
type MemoryRelay struct {
	mu     sync.RWMutex
	topics map[string]map[*memorySub]struct{}
}

func NewMemoryRelay() *MemoryRelay {
	return &MemoryRelay{topics: make(map[string]map[*memorySub]struct{})}
}

type memorySub struct {
	relay *MemoryRelay
	topic string
	q     *queue
	once  sync.Once
}

func (r *MemoryRelay) Subscribe(ctx context.Context, topic string) (Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s := &memorySub{relay: r, topic: topic, q: newQueue()}
	r.mu.Lock()
	subs, ok := r.topics[topic]
	if !ok {
		subs = make(map[*memorySub]struct{})
		r.topics[topic] = subs
	}
	subs[s] = struct{}{}
	r.mu.Unlock()
	return s, nil
}

func (r *MemoryRelay) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for s := range r.topics[topic] {
		b := make([]byte, len(payload))
		copy(b, payload)
		s.q.push(b)
	}
	return nil
}

// Subscribers returns the number of live subscriptions on topic.
func (r *MemoryRelay) Subscribers(topic string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.topics[topic])
}

func (s *memorySub) Messages() <-chan []byte { return s.q.out }

func (s *memorySub) Close() error {
	s.once.Do(func() {
		s.relay.mu.Lock()
		if subs, ok := s.relay.topics[s.topic]; ok {
			delete(subs, s)
			if len(subs) == 0 {
				delete(s.relay.topics, s.topic)
			}
		}
		s.relay.mu.Unlock()
		s.q.close()
	})
	return nil
}
