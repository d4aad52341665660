package rtc

import (
	"sync"

	"github.com/mossy-p/webrtc-calls/internal/media"
	"github.com/pion/webrtc/v4"
)

// Event is one entry of the engine's ordered event stream.
type Event interface {
	event()
}

type LocalStreamEvent struct {
	Stream *media.Stream
}

type RemoteTrackEvent struct {
	TrackID  string
	StreamID string
	Kind     media.Kind
	Track    *webrtc.TrackRemote
}

type ConnectionStateEvent struct {
	State webrtc.PeerConnectionState
}

// ICEStateEvent is advisory; only ConnectionStateEvent decides whether the
// call is connected.
type ICEStateEvent struct {
	State webrtc.ICEConnectionState
}

type RemoteHangupEvent struct {
	Reason string
}

type ErrorEvent struct {
	Err      *Error
	Terminal bool
}

func (LocalStreamEvent) event()     {}
func (RemoteTrackEvent) event()     {}
func (ConnectionStateEvent) event() {}
func (ICEStateEvent) event()        {}
func (RemoteHangupEvent) event()    {}
func (ErrorEvent) event()           {}

// eventQueue serializes events from pion callbacks, signaling and engine
// calls into one unbounded FIFO. After close, queued events are still
// delivered before the output channel closes.
type eventQueue struct {
	mu     sync.Mutex
	items  []Event
	closed bool
	notify chan struct{}
	out    chan Event
}

func newEventQueue() *eventQueue {
	q := &eventQueue{
		notify: make(chan struct{}, 1),
		out:    make(chan Event),
	}
	go q.pump()
	return q
}

func (q *eventQueue) push(ev Event) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.items = append(q.items, ev)
	q.mu.Unlock()
	q.wake()
}

func (q *eventQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.wake()
}

func (q *eventQueue) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *eventQueue) pump() {
	defer close(q.out)
	for {
		q.mu.Lock()
		if len(q.items) == 0 {
			closed := q.closed
			q.mu.Unlock()
			if closed {
				return
			}
			<-q.notify
			continue
		}
		ev := q.items[0]
		q.items[0] = nil
		q.items = q.items[1:]
		q.mu.Unlock()
		q.out <- ev
	}
}
