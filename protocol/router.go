package protocol

import (
	"sync"

	"go.uber.org/zap"
)

// BootloaderHandler receives typed bootloader events
type BootloaderHandler func(BootloaderEvent)

// TelemetryHandler receives application telemetry
type TelemetryHandler func(TelemetryEvent)

// messageSubscriber holds a buffered channel for one stream consumer
type messageSubscriber struct {
	ch chan CanMessage
}

// Router classifies CAN messages and fans them out to consumers.
// Dispatch is called from the transport read loop and never blocks on slow
// stream subscribers: their messages are dropped when their buffer is full.
type Router struct {
	log          *zap.Logger
	telemetryIDs map[uint32]TelemetryKind

	mu         sync.RWMutex
	nextID     int
	bootSubs   map[int]BootloaderHandler
	telemSubs  map[int]TelemetryHandler
	streamSubs map[*messageSubscriber]struct{}
}

// RouterOption configures a Router
type RouterOption func(*Router)

// WithRouterLogger sets the router logger
func WithRouterLogger(log *zap.Logger) RouterOption {
	return func(r *Router) {
		if log != nil {
			r.log = log
		}
	}
}

// WithTelemetryIDs replaces the default telemetry ID table
func WithTelemetryIDs(ids map[uint32]TelemetryKind) RouterOption {
	return func(r *Router) {
		r.telemetryIDs = ids
	}
}

// NewRouter creates a Router with the default telemetry ID table
func NewRouter(opts ...RouterOption) *Router {
	r := &Router{
		log:          zap.NewNop(),
		telemetryIDs: DefaultTelemetryIDs(),
		bootSubs:     make(map[int]BootloaderHandler),
		telemSubs:    make(map[int]TelemetryHandler),
		streamSubs:   make(map[*messageSubscriber]struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.log = r.log.Named("router")
	return r
}

// SubscribeBootloader registers fn for bootloader events.
// The returned function removes the registration.
func (r *Router) SubscribeBootloader(fn BootloaderHandler) func() {
	r.mu.Lock()
	id := r.nextID
	r.nextID++
	r.bootSubs[id] = fn
	r.mu.Unlock()

	return func() {
		r.mu.Lock()
		delete(r.bootSubs, id)
		r.mu.Unlock()
	}
}

// SubscribeTelemetry registers fn for application telemetry.
func (r *Router) SubscribeTelemetry(fn TelemetryHandler) func() {
	r.mu.Lock()
	id := r.nextID
	r.nextID++
	r.telemSubs[id] = fn
	r.mu.Unlock()

	return func() {
		r.mu.Lock()
		delete(r.telemSubs, id)
		r.mu.Unlock()
	}
}

// Messages returns a stream of every message seen by the router (RX and TX echo)
// and a function that unsubscribes and closes the stream.
func (r *Router) Messages(buffer int) (<-chan CanMessage, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	s := &messageSubscriber{ch: make(chan CanMessage, buffer)}
	r.mu.Lock()
	r.streamSubs[s] = struct{}{}
	r.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			r.mu.Lock()
			delete(r.streamSubs, s)
			r.mu.Unlock()
			close(s.ch)
		})
	}
	return s.ch, unsub
}

// Dispatch routes one message. Unknown IDs are dropped silently.
// Handlers run on the caller's goroutine, outside the subscription lock.
func (r *Router) Dispatch(msg CanMessage) {
	r.mu.RLock()
	for s := range r.streamSubs {
		select {
		case s.ch <- msg:
		default:
		}
	}
	r.mu.RUnlock()

	// Only received traffic is classified; TX echo is stream-only.
	if msg.Direction != Rx || msg.Extended {
		return
	}

	if IsBootloaderID(msg.ID) {
		r.dispatchBootloader(msg)
		return
	}

	if kind, ok := r.telemetryIDs[msg.ID]; ok {
		ev := TelemetryEvent{Kind: kind, Message: msg}
		for _, fn := range r.telemetryHandlers() {
			fn(ev)
		}
	}
}

func (r *Router) dispatchBootloader(msg CanMessage) {
	ev, ok, err := ParseBootloaderEvent(msg.ID, msg.Data)
	if err != nil {
		r.log.Debug("malformed bootloader message",
			zap.Uint32("id", msg.ID), zap.Binary("data", msg.Data), zap.Error(err))
		return
	}
	if !ok {
		return
	}

	for _, fn := range r.bootloaderHandlers() {
		fn(ev)
	}
}

func (r *Router) bootloaderHandlers() []BootloaderHandler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	handlers := make([]BootloaderHandler, 0, len(r.bootSubs))
	for _, fn := range r.bootSubs {
		handlers = append(handlers, fn)
	}
	return handlers
}

func (r *Router) telemetryHandlers() []TelemetryHandler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	handlers := make([]TelemetryHandler, 0, len(r.telemSubs))
	for _, fn := range r.telemSubs {
		handlers = append(handlers, fn)
	}
	return handlers
}
