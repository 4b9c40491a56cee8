package browser

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/pagerunner/internal/driver"
	"github.com/xkilldash9x/pagerunner/internal/protocol"
)

// session binds a page URL to its current driver process. It lives from the
// first Start for the URL until that Start returns.
type session struct {
	url    string
	dir    string
	logger *zap.Logger

	// retry and timer are only touched by the goroutine running Start.
	retry int
	timer *time.Timer

	mu       sync.Mutex
	proc     driver.Process
	stopping bool
	acks     map[string][]chan struct{}

	stopOnce sync.Once
	stopped  chan struct{}
	finished chan struct{}

	events     *eventQueue
	dispatched chan struct{}
}

func newSession(url, dir string, logger *zap.Logger) *session {
	return &session{
		url:        url,
		dir:        dir,
		logger:     logger,
		acks:       make(map[string][]chan struct{}),
		stopped:    make(chan struct{}),
		finished:   make(chan struct{}),
		events:     newEventQueue(),
		dispatched: make(chan struct{}),
	}
}

// arm starts the page timer of the current attempt.
func (s *session) arm(d time.Duration, fire func()) {
	s.timer = time.AfterFunc(d, fire)
}

func (s *session) disarm() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

func (s *session) isStopping() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopping
}

// current returns the active process, or nil when the session is stopping or
// has no process yet.
func (s *session) current() driver.Process {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopping {
		return nil
	}
	return s.proc
}

// attach makes proc the session's process unless a stop was requested
// meanwhile.
func (s *session) attach(proc driver.Process) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopping {
		return false
	}
	s.proc = proc
	return true
}

func (s *session) expectAck(filename string) chan struct{} {
	ch := make(chan struct{})
	s.mu.Lock()
	s.acks[filename] = append(s.acks[filename], ch)
	s.mu.Unlock()
	return ch
}

func (s *session) dropAck(filename string, ch chan struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	waiters := s.acks[filename]
	for i, w := range waiters {
		if w == ch {
			waiters = append(waiters[:i], waiters[i+1:]...)
			break
		}
	}
	if len(waiters) == 0 {
		delete(s.acks, filename)
	} else {
		s.acks[filename] = waiters
	}
}

// resolveAck releases the oldest waiter for the acknowledged file. An ack
// without a file name releases every pending screenshot.
func (s *session) resolveAck(ack protocol.Ack) {
	if ack.Tag != protocol.CommandScreenshot {
		s.logger.Debug("Ignoring acknowledgement.", zap.String("tag", string(ack.Tag)))
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if ack.Filename == "" {
		for name, waiters := range s.acks {
			for _, w := range waiters {
				close(w)
			}
			delete(s.acks, name)
		}
		return
	}
	waiters := s.acks[ack.Filename]
	if len(waiters) == 0 {
		return
	}
	close(waiters[0])
	if len(waiters) == 1 {
		delete(s.acks, ack.Filename)
	} else {
		s.acks[ack.Filename] = waiters[1:]
	}
}

// dispatch hands driver events to h in arrival order until the queue is
// closed and drained.
func (s *session) dispatch(ctx context.Context, h EventHandler) {
	defer close(s.dispatched)
	for {
		msg, ok := s.events.next()
		if !ok {
			return
		}
		h.HandleEvent(ctx, s.url, msg)
	}
}

// eventQueue is an unbounded FIFO so that a slow handler never blocks the
// driver channel reader.
type eventQueue struct {
	mu     sync.Mutex
	items  []protocol.Message
	closed bool
	signal chan struct{}
}

func newEventQueue() *eventQueue {
	return &eventQueue{signal: make(chan struct{}, 1)}
}

func (q *eventQueue) push(msg protocol.Message) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.items = append(q.items, msg)
	q.mu.Unlock()
	q.notify()
}

func (q *eventQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.notify()
}

func (q *eventQueue) notify() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

func (q *eventQueue) next() (protocol.Message, bool) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			msg := q.items[0]
			q.items = q.items[1:]
			q.mu.Unlock()
			return msg, true
		}
		if q.closed {
			q.mu.Unlock()
			return nil, false
		}
		q.mu.Unlock()
		<-q.signal
	}
}
