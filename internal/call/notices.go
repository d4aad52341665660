package call

import "sync"

// noticeQueue is an unbounded FIFO of notices. Nothing is dropped for a slow
// reader; a duration tick still waiting in the queue is replaced by the next
// one instead of piling up. After close, queued notices are delivered before
// the output channel closes.
type noticeQueue struct {
	mu     sync.Mutex
	items  []Notice
	closed bool
	notify chan struct{}
	out    chan Notice
}

func newNoticeQueue() *noticeQueue {
	q := &noticeQueue{
		notify: make(chan struct{}, 1),
		out:    make(chan Notice),
	}
	go q.pump()
	return q
}

func (q *noticeQueue) push(n Notice) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	if last := len(q.items) - 1; n.Kind == NoticeDuration && last >= 0 && q.items[last].Kind == NoticeDuration {
		q.items[last] = n
	} else {
		q.items = append(q.items, n)
	}
	q.mu.Unlock()
	q.wake()
}

// pending reports how many notices are waiting for the reader.
func (q *noticeQueue) pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *noticeQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.wake()
}

func (q *noticeQueue) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *noticeQueue) pump() {
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
		n := q.items[0]
		q.items[0] = Notice{}
		q.items = q.items[1:]
		q.mu.Unlock()
		q.out <- n
	}
}
