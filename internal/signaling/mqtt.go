package signaling

import (
	"context"
	"fmt"
	"log"
	"sync"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

const mqttTopicPrefix = "signal/"

// MQTTRelay runs signaling over an MQTT broker at QoS 1.
type MQTTRelay struct {
	client mqtt.Client

	mu     sync.Mutex
	topics map[string]map[*mqttSub]struct{}
}

// NewMQTTRelay connects to broker and returns a relay over it.
func NewMQTTRelay(ctx context.Context, broker, clientID string) (*MQTTRelay, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(broker)
	opts.SetClientID(clientID)
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectionLostHandler(func(c mqtt.Client, err error) {
		log.Printf("SIGNAL: mqtt connection lost: %v", err)
	})

	client := mqtt.NewClient(opts)
	if err := wait(ctx, client.Connect()); err != nil {
		return nil, fmt.Errorf("mqtt connect failed: %w", err)
	}
	return &MQTTRelay{client: client, topics: make(map[string]map[*mqttSub]struct{})}, nil
}

type mqttSub struct {
	relay *MQTTRelay
	topic string
	q     *queue
	once  sync.Once
}

func (r *MQTTRelay) Subscribe(ctx context.Context, topic string) (Subscription, error) {
	s := &mqttSub{relay: r, topic: topic, q: newQueue()}

	r.mu.Lock()
	subs, ok := r.topics[topic]
	if !ok {
		subs = make(map[*mqttSub]struct{})
		r.topics[topic] = subs
	}
	subs[s] = struct{}{}
	r.mu.Unlock()
	if ok {
		return s, nil
	}

	// One broker subscription per topic, fanned out locally. The lock is not
	// held here since paho may deliver before the subscribe is acknowledged.
	token := r.client.Subscribe(mqttTopicPrefix+topic, 1, func(_ mqtt.Client, m mqtt.Message) {
		r.deliver(topic, m.Payload())
	})
	if err := wait(ctx, token); err != nil {
		s.Close()
		return nil, fmt.Errorf("subscribe failed: %w", err)
	}
	return s, nil
}

func (r *MQTTRelay) deliver(topic string, payload []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for s := range r.topics[topic] {
		b := make([]byte, len(payload))
		copy(b, payload)
		s.q.push(b)
	}
}

func (r *MQTTRelay) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := wait(ctx, r.client.Publish(mqttTopicPrefix+topic, 1, false, payload)); err != nil {
		return fmt.Errorf("publish failed: %w", err)
	}
	return nil
}

// Disconnect closes the broker connection.
func (r *MQTTRelay) Disconnect() {
	if r.client != nil {
		r.client.Disconnect(250)
	}
}

func (s *mqttSub) Messages() <-chan []byte { return s.q.out }

func (s *mqttSub) Close() error {
	s.once.Do(func() {
		r := s.relay
		r.mu.Lock()
		subs := r.topics[s.topic]
		delete(subs, s)
		if len(subs) == 0 {
			delete(r.topics, s.topic)
			r.client.Unsubscribe(mqttTopicPrefix + s.topic)
		}
		r.mu.Unlock()
		s.q.close()
	})
	return nil
}

func wait(ctx context.Context, token mqtt.Token) error {
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}
