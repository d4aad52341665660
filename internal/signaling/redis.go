package signaling

import (
	"context"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
)

const redisTopicPrefix = "signal:"

// RedisRelay runs signaling over Redis PUBLISH/SUBSCRIBE.
type RedisRelay struct {
	client *redis.Client
}

func NewRedisRelay(client *redis.Client) *RedisRelay {
	return &RedisRelay{client: client}
}

type redisSub struct {
	ps   *redis.PubSub
	out  chan []byte
	once sync.Once
}

func (r *RedisRelay) Subscribe(ctx context.Context, topic string) (Subscription, error) {
	ps := r.client.Subscribe(ctx, redisTopicPrefix+topic)
	// Wait for the subscription to be confirmed so no publish is missed.
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, fmt.Errorf("redis subscribe %s: %w", topic, err)
	}

	s := &redisSub{ps: ps, out: make(chan []byte, 64)}
	go func() {
		defer close(s.out)
		for msg := range ps.Channel() {
			s.out <- []byte(msg.Payload)
		}
	}()
	return s, nil
}

func (r *RedisRelay) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := r.client.Publish(ctx, redisTopicPrefix+topic, payload).Err(); err != nil {
		return fmt.Errorf("redis publish %s: %w", topic, err)
	}
	return nil
}

func (s *redisSub) Messages() <-chan []byte { return s.out }

func (s *redisSub) Close() error {
	var err error
	s.once.Do(func() {
		err = s.ps.Close()
		// Drain so the forwarding goroutine can observe the closed channel.
		go func() {
			for range s.out {
			}
		}()
	})
	return err
}
