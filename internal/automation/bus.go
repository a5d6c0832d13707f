// internal/automation/bus.go
package automation

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrBusShutdown is returned by Post once Shutdown started.
var ErrBusShutdown = errors.New("automation bus is shut down")

// anyKind keys subscribers that receive every event.
const anyKind Kind = "*"

// Message is the envelope delivered to subscribers.
type Message struct {
	ID        string
	Timestamp time.Time
	Event     Event
}

// Bus is a typed pub/sub with bounded per-subscriber buffers.
type Bus struct {
	logger *zap.Logger

	subscribers map[Kind][]chan Message
	mu          sync.RWMutex
	bufferSize  int

	// processingWg counts delivered messages until acknowledged or drained.
	processingWg sync.WaitGroup
	// activePostsWg counts Post calls still attempting delivery.
	activePostsWg sync.WaitGroup

	shutdownChan chan struct{}
	shutdownOnce sync.Once
	isShutdown   bool
	shutdownMu   sync.Mutex
}

// NewBus creates a bus whose subscriber channels hold bufferSize messages.
func NewBus(logger *zap.Logger, bufferSize int) *Bus {
	if bufferSize < 0 {
		bufferSize = 0
	}
	return &Bus{
		logger:       logger.Named("bus"),
		subscribers:  make(map[Kind][]chan Message),
		bufferSize:   bufferSize,
		shutdownChan: make(chan struct{}),
	}
}

// Post delivers ev to every subscriber of its kind. It blocks while a subscriber buffer is full.
func (b *Bus) Post(ctx context.Context, ev Event) error {
	b.shutdownMu.Lock()
	if b.isShutdown {
		b.shutdownMu.Unlock()
		return ErrBusShutdown
	}
	b.activePostsWg.Add(1)
	b.shutdownMu.Unlock()
	defer b.activePostsWg.Done()

	msg := Message{
		ID:        uuid.NewString(),
		Timestamp: time.Now().UTC(),
		Event:     ev,
	}
	b.logger.Debug("Posting event.", zap.String("kind", string(ev.Kind())), zap.String("id", msg.ID))

	b.mu.RLock()
	subs := make([]chan Message, 0, len(b.subscribers[ev.Kind()])+len(b.subscribers[anyKind]))
	subs = append(subs, b.subscribers[ev.Kind()]...)
	subs = append(subs, b.subscribers[anyKind]...)
	b.mu.RUnlock()

	for _, ch := range subs {
		b.processingWg.Add(1)
		select {
		case ch <- msg:
		case <-ctx.Done():
			b.processingWg.Done()
			return ctx.Err()
		case <-b.shutdownChan:
			b.processingWg.Done()
			return ErrBusShutdown
		}
	}
	return nil
}

// Subscribe returns a channel of events of the given kinds, or of every kind when none are
// given, and a function that unsubscribes it. Consumers call Acknowledge for each message.
func (b *Bus) Subscribe(kinds ...Kind) (<-chan Message, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.isShuttingDown() {
		closedCh := make(chan Message)
		close(closedCh)
		return closedCh, func() {}
	}
	if len(kinds) == 0 {
		kinds = []Kind{anyKind}
	}
	subscribed := append([]Kind(nil), kinds...)

	ch := make(chan Message, b.bufferSize)
	for _, k := range subscribed {
		b.subscribers[k] = append(b.subscribers[k], ch)
	}

	unsubscribe := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for _, k := range subscribed {
			subs := b.subscribers[k]
			for i, c := range subs {
				if c == ch {
					copy(subs[i:], subs[i+1:])
					b.subscribers[k] = subs[:len(subs)-1]
					if len(b.subscribers[k]) == 0 {
						delete(b.subscribers, k)
					}
					break
				}
			}
		}
		// The channel is closed by Shutdown, not here.
	}
	return ch, unsubscribe
}

func (b *Bus) isShuttingDown() bool {
	b.shutdownMu.Lock()
	defer b.shutdownMu.Unlock()
	return b.isShutdown
}

// Acknowledge marks msg as processed.
func (b *Bus) Acknowledge(Message) {
	b.processingWg.Done()
}

// Shutdown stops accepting events, closes every subscriber channel, drops buffered messages and
// waits for acknowledged processing to finish.
func (b *Bus) Shutdown() {
	b.shutdownOnce.Do(func() {
		b.shutdownMu.Lock()
		b.isShutdown = true
		b.shutdownMu.Unlock()

		close(b.shutdownChan)
		b.activePostsWg.Wait()

		b.mu.Lock()
		unique := make(map[chan Message]struct{})
		for _, subs := range b.subscribers {
			for _, ch := range subs {
				unique[ch] = struct{}{}
			}
		}
		for ch := range unique {
			close(ch)
		}
		dropped := 0
		for ch := range unique {
			for range ch {
				dropped++
				b.processingWg.Done()
			}
		}
		b.subscribers = make(map[Kind][]chan Message)
		b.mu.Unlock()

		if dropped > 0 {
			b.logger.Debug("Dropped buffered events during shutdown.", zap.Int("count", dropped))
		}
		b.processingWg.Wait()
		b.logger.Debug("Automation bus shut down.")
	})
}
