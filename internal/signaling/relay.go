// Package signaling carries call negotiation messages between peers over a
// pub/sub relay.
package signaling

import (
	"context"
	"errors"
	"sync"
)

var (
	ErrChannelClosed = errors.New("signaling channel closed")
	ErrNotSubscribed = errors.New("not subscribed to topic")
)

// Relay is the pub/sub bus signaling runs on. Delivery is at-least-once,
// ordered per publisher, and fans out to every subscriber of a topic,
// including the publisher itself.
type Relay interface {
	Subscribe(ctx context.Context, topic string) (Subscription, error)
	Publish(ctx context.Context, topic string, payload []byte) error
}

// Subscription is one attachment to a relay topic. Messages is closed once
// the subscription ends.
type Subscription interface {
	Messages() <-chan []byte
	Close() error
}

// queue is an unbounded FIFO feeding a channel, so publishers never block
// on slow subscribers.
type queue struct {
	mu     sync.Mutex
	items  [][]byte
	notify chan struct{}
	out    chan []byte
	done   chan struct{}
	once   sync.Once
}

func newQueue() *queue {
	q := &queue{
		notify: make(chan struct{}, 1),
		out:    make(chan []byte),
		done:   make(chan struct{}),
	}
	go q.pump()
	return q
}

func (q *queue) push(b []byte) {
	q.mu.Lock()
	q.items = append(q.items, b)
	q.mu.Unlock()
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *queue) close() {
	q.once.Do(func() { close(q.done) })
}

func (q *queue) pump() {
	defer close(q.out)
	for {
		q.mu.Lock()
		if len(q.items) == 0 {
			q.mu.Unlock()
			select {
			case <-q.notify:
				continue
			case <-q.done:
				return
			}
		}
		next := q.items[0]
		q.items[0] = nil
		q.items = q.items[1:]
		q.mu.Unlock()

		select {
		case q.out <- next:
		case <-q.done:
			return
		}
	}
}
