package protocol

import (
	"sync"

	"github.com/go-json-experiment/json"
	"github.com/go-json-experiment/json/jsontext"
)

// Event is one protocol notification.
type Event struct {
	SessionID string
	Method    string
	Params    jsontext.Value
}

// Decode unmarshals the event params into v, typically a cdproto event struct.
func (e Event) Decode(v any) error {
	if len(e.Params) == 0 {
		return nil
	}
	return json.Unmarshal(e.Params, v)
}

// Subscription delivers matching events to one handler, in arrival order, from a dedicated
// goroutine. The mailbox is unbounded so the connection reader never blocks on a slow handler.
type Subscription struct {
	client    *Client
	id        int64
	sessionID string
	methods   map[string]struct{}
	handler   func(Event)

	mu      sync.Mutex
	queue   []Event
	stopped bool
	wake    chan struct{}
	done    chan struct{}
	once    sync.Once
}

func newSubscription(c *Client, id int64, sessionID string, handler func(Event), methods []string) *Subscription {
	s := &Subscription{
		client:    c,
		id:        id,
		sessionID: sessionID,
		handler:   handler,
		wake:      make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
	if len(methods) > 0 {
		s.methods = make(map[string]struct{}, len(methods))
		for _, m := range methods {
			s.methods[m] = struct{}{}
		}
	}
	go s.run()
	return s
}

func (s *Subscription) matches(ev Event) bool {
	if ev.SessionID != s.sessionID {
		return false
	}
	if s.methods == nil {
		return true
	}
	_, ok := s.methods[ev.Method]
	return ok
}

func (s *Subscription) push(ev Event) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, ev)
	select {
	case s.wake <- struct{}{}:
	default:
	}
	s.mu.Unlock()
}

func (s *Subscription) run() {
	defer close(s.done)
	for range s.wake {
		for {
			s.mu.Lock()
			if s.stopped {
				s.mu.Unlock()
				return
			}
			if len(s.queue) == 0 {
				s.mu.Unlock()
				break
			}
			ev := s.queue[0]
			s.queue[0] = Event{}
			s.queue = s.queue[1:]
			s.mu.Unlock()
			s.handler(ev)
		}
	}
}

// stop ends delivery without touching the client's registry.
func (s *Subscription) stop() {
	s.once.Do(func() {
		s.mu.Lock()
		s.stopped = true
		s.queue = nil
		close(s.wake)
		s.mu.Unlock()
	})
}

// Dispose unregisters the subscription. Events already queued are dropped. Safe to call more
// than once and from inside the handler.
func (s *Subscription) Dispose() {
	if s.client != nil {
		s.client.unsubscribe(s.id)
	}
	s.stop()
}

// Done is closed once the delivery goroutine has exited.
func (s *Subscription) Done() <-chan struct{} { return s.done }
