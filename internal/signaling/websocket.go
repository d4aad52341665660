package signaling

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const writeWait = 10 * time.Second

// WebSocketRelay talks to the relay server's /ws/signal endpoint. Each
// subscribed topic holds its own connection, which publishes also use.
type WebSocketRelay struct {
	baseURL string
	token   string
	dialer  *websocket.Dialer

	mu   sync.Mutex
	subs map[string][]*wsSub
}

// NewWebSocketRelay returns a relay for the server at baseURL (http, https,
// ws or wss). token is sent as the query parameter the server authenticates.
func NewWebSocketRelay(baseURL, token string) *WebSocketRelay {
	return &WebSocketRelay{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		dialer:  websocket.DefaultDialer,
		subs:    make(map[string][]*wsSub),
	}
}

type wsSub struct {
	relay *WebSocketRelay
	topic string
	conn  *websocket.Conn
	out   chan []byte
	done  chan struct{}

	writeMu sync.Mutex
	once    sync.Once
}

func (r *WebSocketRelay) endpoint(topic string) (string, error) {
	u, err := url.Parse(r.baseURL + "/ws/signal/" + url.PathEscape(topic))
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	if r.token != "" {
		q := u.Query()
		q.Set("token", r.token)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

func (r *WebSocketRelay) Subscribe(ctx context.Context, topic string) (Subscription, error) {
	endpoint, err := r.endpoint(topic)
	if err != nil {
		return nil, fmt.Errorf("relay url: %w", err)
	}
	conn, resp, err := r.dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial relay: %w (status %d)", err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial relay: %w", err)
	}
	if resp != nil && resp.StatusCode != http.StatusSwitchingProtocols {
		conn.Close()
		return nil, fmt.Errorf("dial relay: unexpected status %d", resp.StatusCode)
	}

	s := &wsSub{
		relay: r,
		topic: topic,
		conn:  conn,
		out:   make(chan []byte, 64),
		done:  make(chan struct{}),
	}
	r.mu.Lock()
	r.subs[topic] = append(r.subs[topic], s)
	r.mu.Unlock()

	go s.readLoop()
	return s, nil
}

func (r *WebSocketRelay) Publish(ctx context.Context, topic string, payload []byte) error {
	r.mu.Lock()
	var s *wsSub
	if subs := r.subs[topic]; len(subs) > 0 {
		s = subs[0]
	}
	r.mu.Unlock()
	if s == nil {
		return fmt.Errorf("publish %s: %w", topic, ErrNotSubscribed)
	}
	return s.write(ctx, payload)
}

func (s *wsSub) write(ctx context.Context, payload []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	s.conn.SetWriteDeadline(deadline)
	if err := s.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		return fmt.Errorf("write relay frame: %w", err)
	}
	return nil
}

func (s *wsSub) readLoop() {
	defer func() {
		s.Close()
		close(s.out)
	}()
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			select {
			case <-s.done:
			default:
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					log.Printf("SIGNAL: relay connection for %s lost: %v", s.topic, err)
				}
			}
			return
		}
		select {
		case s.out <- data:
		case <-s.done:
			return
		}
	}
}

func (s *wsSub) Messages() <-chan []byte { return s.out }

func (s *wsSub) Close() error {
	var err error
	s.once.Do(func() {
		r := s.relay
		r.mu.Lock()
		subs := r.subs[s.topic]
		for i, other := range subs {
			if other == s {
				subs = append(subs[:i], subs[i+1:]...)
				break
			}
		}
		if len(subs) == 0 {
			delete(r.subs, s.topic)
		} else {
			r.subs[s.topic] = subs
		}
		r.mu.Unlock()

		close(s.done)
		s.writeMu.Lock()
		s.conn.SetWriteDeadline(time.Now().Add(time.Second))
		s.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		s.writeMu.Unlock()
		err = s.conn.Close()
	})
	return err
}
