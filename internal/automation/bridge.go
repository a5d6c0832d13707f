package automation

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/xkilldash9x/browserkit/internal/observability"
)

// Request names understood by driver backends.
const (
	RequestGetCookies     = "get:cookies"
	RequestSetCookie      = "set:cookie"
	RequestClearCookies   = "clear:cookies"
	RequestTakeScreenshot = "take:screenshot"
	RequestResizeViewport = "resize:viewport"
)

// ErrNoHandlers is returned by Request before a backend called Use.
var ErrNoHandlers = errors.New("no automation backend registered")

// Handlers is the backend of one browser family, registered by its driver.
type Handlers interface {
	OnRequest(ctx context.Context, name string, data any) (any, error)
}

// HandlersFunc adapts a function to Handlers.
type HandlersFunc func(ctx context.Context, name string, data any) (any, error)

func (f HandlersFunc) OnRequest(ctx context.Context, name string, data any) (any, error) {
	return f(ctx, name, data)
}

// Sink holds the callbacks the runner's proxy layer installs. Nil slots are skipped.
type Sink struct {
	OnServiceWorkerClientEvent                   func(ServiceWorkerClientEvent)
	OnDownloadLinkClicked                        func(DownloadLinkClicked)
	OnServiceWorkerClientSideRegistrationUpdated func(ServiceWorkerRegistration)
}

// Bridge normalizes protocol notifications into Events and routes automation requests to the
// active backend.
type Bridge struct {
	logger *zap.Logger
	bus    *Bus

	mu       sync.RWMutex
	handlers Handlers
	sink     Sink
}

// NewBridge creates a bridge whose subscribers buffer bufferSize events each.
func NewBridge(logger *zap.Logger, bufferSize int) *Bridge {
	logger = logger.Named("automation")
	return &Bridge{logger: logger, bus: NewBus(logger, bufferSize)}
}

// Use registers the backend, replacing any previous one.
func (b *Bridge) Use(h Handlers) {
	b.mu.Lock()
	b.handlers = h
	b.mu.Unlock()
}

// SetSink installs the outward callbacks.
func (b *Bridge) SetSink(s Sink) {
	b.mu.Lock()
	b.sink = s
	b.mu.Unlock()
}

// Request forwards an automation request to the registered backend.
func (b *Bridge) Request(ctx context.Context, name string, data any) (any, error) {
	b.mu.RLock()
	h := b.handlers
	b.mu.RUnlock()
	if h == nil {
		return nil, fmt.Errorf("%s: %w", name, ErrNoHandlers)
	}
	return h.OnRequest(ctx, name, data)
}

// Push emits ev to the sink callback of its kind, if any, and to bus subscribers.
func (b *Bridge) Push(ctx context.Context, ev Event) error {
	b.mu.RLock()
	sink := b.sink
	b.mu.RUnlock()

	switch e := ev.(type) {
	case ServiceWorkerClientEvent:
		if sink.OnServiceWorkerClientEvent != nil {
			sink.OnServiceWorkerClientEvent(e)
		}
	case DownloadLinkClicked:
		if sink.OnDownloadLinkClicked != nil {
			sink.OnDownloadLinkClicked(e)
		}
	case ServiceWorkerRegistration:
		if sink.OnServiceWorkerClientSideRegistrationUpdated != nil {
			sink.OnServiceWorkerClientSideRegistrationUpdated(e)
		}
	case DownloadCreated:
		observability.RecordDownload("created")
	case DownloadCompleted:
		observability.RecordDownload("completed")
	case DownloadCanceled:
		observability.RecordDownload("canceled")
	}
	return b.bus.Post(ctx, ev)
}

// PushAll pushes events in order and stops at the first failure.
func (b *Bridge) PushAll(ctx context.Context, events []Event) error {
	for _, ev := range events {
		if err := b.Push(ctx, ev); err != nil {
			return err
		}
	}
	return nil
}

// Subscribe returns events of the given kinds, or all events when none are given.
func (b *Bridge) Subscribe(kinds ...Kind) (<-chan Message, func()) {
	return b.bus.Subscribe(kinds...)
}

// Acknowledge marks a received message as processed.
func (b *Bridge) Acknowledge(msg Message) {
	b.bus.Acknowledge(msg)
}

// Shutdown closes every subscription and drops undelivered events.
func (b *Bridge) Shutdown() {
	b.bus.Shutdown()
}
