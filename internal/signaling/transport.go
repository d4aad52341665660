package signaling

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mossy-p/webrtc-calls/internal/models"
)

// seenLimit bounds how many envelope ids a channel remembers for
// duplicate suppression.
const seenLimit = 1024

// Transport opens signaling channels for one local participant.
type Transport struct {
	relay  Relay
	selfID string
	now    func() time.Time
}

func NewTransport(relay Relay, selfID string) *Transport {
	return &Transport{relay: relay, selfID: selfID, now: time.Now}
}

func (t *Transport) SelfID() string { return t.selfID }

// Open subscribes to roomID and returns a channel delivering the remote
// peer's messages in relay order.
func (t *Transport) Open(ctx context.Context, roomID string) (*Channel, error) {
	if roomID == "" {
		return nil, fmt.Errorf("open signaling channel: empty room id")
	}
	sub, err := t.relay.Subscribe(ctx, roomID)
	if err != nil {
		return nil, fmt.Errorf("open signaling channel %s: %w", roomID, err)
	}
	c := &Channel{
		roomID: roomID,
		selfID: t.selfID,
		relay:  t.relay,
		sub:    sub,
		now:    t.now,
		out:    make(chan models.Envelope, 64),
		done:   make(chan struct{}),
		seen:   make(map[string]struct{}),
	}
	go c.pump()
	return c, nil
}

// Channel is a signaling session bound to one room. Self-authored,
// malformed, foreign-room and duplicate envelopes never reach Messages.
type Channel struct {
	roomID string
	selfID string
	relay  Relay
	sub    Subscription
	now    func() time.Time

	out  chan models.Envelope
	done chan struct{}
	once sync.Once

	seen  map[string]struct{}
	order []string
}

func (c *Channel) RoomID() string { return c.roomID }
func (c *Channel) SelfID() string { return c.selfID }

// Messages delivers remote envelopes. It is closed when the channel closes
// or the relay subscription ends.
func (c *Channel) Messages() <-chan models.Envelope { return c.out }

// Send wraps msg in an envelope from the local participant and publishes it.
func (c *Channel) Send(ctx context.Context, msg models.Message) error {
	select {
	case <-c.done:
		return ErrChannelClosed
	default:
	}

	env := models.Envelope{
		ID:        uuid.NewString(),
		RoomID:    c.roomID,
		From:      c.selfID,
		Timestamp: c.now(),
		Message:   msg,
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode %s: %w", msg.Type(), err)
	}
	if err := c.relay.Publish(ctx, c.roomID, data); err != nil {
		return fmt.Errorf("send %s: %w", msg.Type(), err)
	}
	return nil
}

// Close ends the subscription. Safe to call more than once.
func (c *Channel) Close() error {
	var err error
	c.once.Do(func() {
		close(c.done)
		err = c.sub.Close()
	})
	return err
}

func (c *Channel) pump() {
	defer close(c.out)
	in := c.sub.Messages()
	for {
		select {
		case <-c.done:
			return
		case data, ok := <-in:
			if !ok {
				return
			}
			env, accept := c.filter(data)
			if !accept {
				continue
			}
			select {
			case c.out <- env:
			case <-c.done:
				return
			}
		}
	}
}

func (c *Channel) filter(data []byte) (models.Envelope, bool) {
	env, err := models.DecodeEnvelope(data)
	if err != nil {
		log.Printf("SIGNAL: dropping message in %s: %v", c.roomID, err)
		return env, false
	}
	if env.From == c.selfID {
		return env, false
	}
	if env.RoomID != "" && env.RoomID != c.roomID {
		log.Printf("SIGNAL: dropping %s for room %s on %s", env.Message.Type(), env.RoomID, c.roomID)
		return env, false
	}
	if _, dup := c.seen[env.ID]; dup {
		return env, false
	}
	c.seen[env.ID] = struct{}{}
	c.order = append(c.order, env.ID)
	if len(c.order) > seenLimit {
		delete(c.seen, c.order[0])
		c.order = c.order[1:]
	}
	return env, true
}
