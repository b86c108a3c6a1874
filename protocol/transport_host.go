package protocol

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

var (
	// ErrNotConnected is returned when sending on a closed or disconnected transport
	ErrNotConnected = errors.New("transport not connected")

	// ErrWriteTimeout is returned when a frame could not be written within the write deadline
	ErrWriteTimeout = errors.New("write timeout")
)

// MessageHandler receives every decoded CAN message
type MessageHandler func(CanMessage)

// StateEvent describes a change in link state
type StateEvent int

const (
	EventConnected StateEvent = iota
	EventDisconnected
	EventStale
	EventRecovered
)

func (e StateEvent) String() string {
	switch e {
	case EventConnected:
		return "connected"
	case EventDisconnected:
		return "disconnected"
	case EventStale:
		return "stale"
	case EventRecovered:
		return "recovered"
	default:
		return fmt.Sprintf("StateEvent(%d)", int(e))
	}
}

// StateHandler receives link state changes
type StateHandler func(StateEvent)

// TransportConfig holds transport timing configuration
type TransportConfig struct {
	// StaleTimeout raises EventStale when nothing was received for this long
	StaleTimeout time.Duration

	// WriteTimeout bounds each Send, including waiting for a previous write
	WriteTimeout time.Duration

	// PollInterval is the pause after an empty read or a read error
	PollInterval time.Duration

	// ReadBufferSize is the size of each read from the port
	ReadBufferSize int
}

// DefaultTransportConfig returns the default transport timing
func DefaultTransportConfig() TransportConfig {
	return TransportConfig{
		StaleTimeout:   5 * time.Second,
		WriteTimeout:   100 * time.Millisecond,
		PollInterval:   5 * time.Millisecond,
		ReadBufferSize: 256,
	}
}

// TransportOption configures a Transport
type TransportOption func(*Transport)

// WithTransportConfig replaces the transport timing configuration
func WithTransportConfig(cfg TransportConfig) TransportOption {
	return func(t *Transport) {
		def := DefaultTransportConfig()
		if cfg.StaleTimeout <= 0 {
			cfg.StaleTimeout = def.StaleTimeout
		}
		if cfg.WriteTimeout <= 0 {
			cfg.WriteTimeout = def.WriteTimeout
		}
		if cfg.PollInterval <= 0 {
			cfg.PollInterval = def.PollInterval
		}
		if cfg.ReadBufferSize <= 0 {
			cfg.ReadBufferSize = def.ReadBufferSize
		}
		t.cfg = cfg
	}
}

// WithTransportLogger sets the transport logger
func WithTransportLogger(log *zap.Logger) TransportOption {
	return func(t *Transport) {
		if log != nil {
			t.log = log
		}
	}
}

// WithMessageHandler sets the callback for received messages
func WithMessageHandler(fn MessageHandler) TransportOption {
	return func(t *Transport) {
		t.messageHandler = fn
	}
}

// WithEchoHandler sets the callback for locally sent messages
func WithEchoHandler(fn MessageHandler) TransportOption {
	return func(t *Transport) {
		t.echoHandler = fn
	}
}

// WithStateHandler sets the callback for link state changes
func WithStateHandler(fn StateHandler) TransportOption {
	return func(t *Transport) {
		t.stateHandler = fn
	}
}

// TransportStats is a snapshot of transport counters
type TransportStats struct {
	Connected      bool
	Stale          bool
	TxMessages     uint64
	RxMessages     uint64
	TxErrors       uint64
	BytesReceived  uint64
	BytesDiscarded uint64
	Resyncs        uint64
	LastReceive    time.Time
}

// Transport carries CAN messages over a serial adapter.
//
// One goroutine reads the port and feeds the reassembler; a watchdog
// goroutine raises stale events. Sends are serialized by a single-slot
// write lock and bounded by WriteTimeout.
type Transport struct {
	// Serial I/O
	port io.ReadWriteCloser
	cfg  TransportConfig
	log  *zap.Logger

	// Owned by readLoop
	frames *Reassembler

	// Holds one token while a physical write is in flight
	writeSem chan struct{}

	messageHandler MessageHandler
	echoHandler    MessageHandler
	stateHandler   StateHandler

	connected     atomic.Bool
	stale         atomic.Bool
	txCount       atomic.Uint64
	rxCount       atomic.Uint64
	txErrors      atomic.Uint64
	bytesReceived atomic.Uint64
	lastReceive   atomic.Int64 // unix nanoseconds

	// Stop channel for graceful shutdown
	stopChan  chan struct{}
	loops     sync.WaitGroup
	closeOnce sync.Once
	closeErr  error
}

// NewTransport creates a transport on port and starts its read loop.
// The port should be opened with a read timeout so the loop can observe Close.
func NewTransport(port io.ReadWriteCloser, opts ...TransportOption) *Transport {
	t := &Transport{
		port:     port,
		cfg:      DefaultTransportConfig(),
		log:      zap.NewNop(),
		frames:   NewReassembler(),
		writeSem: make(chan struct{}, 1),
		stopChan: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.log = t.log.Named("transport")

	t.lastReceive.Store(time.Now().UnixNano())
	t.connected.Store(true)
	t.emitState(EventConnected)

	t.loops.Add(2)
	go t.readLoop()
	go t.watchdog()

	return t
}

// Send encodes a standard frame and writes it to the adapter.
func (t *Transport) Send(id uint32, data []byte) error {
	if !t.connected.Load() {
		return ErrNotConnected
	}

	frame, err := Encode(id, data)
	if err != nil {
		return err
	}

	if err := t.writeFrame(frame); err != nil {
		t.txErrors.Add(1)
		return err
	}

	t.txCount.Add(1)
	if t.echoHandler != nil {
		t.echoHandler(NewMessage(id, data, Tx))
	}
	return nil
}

// writeFrame performs one physical write under the write lock.
func (t *Transport) writeFrame(frame []byte) error {
	deadline := time.NewTimer(t.cfg.WriteTimeout)
	defer deadline.Stop()

	select {
	case t.writeSem <- struct{}{}:
	case <-deadline.C:
		return fmt.Errorf("%w: previous write still in flight", ErrWriteTimeout)
	case <-t.stopChan:
		return ErrNotConnected
	}

	result := make(chan error, 1)
	go func() {
		defer func() { <-t.writeSem }()
		n, err := t.port.Write(frame)
		if err == nil && n != len(frame) {
			err = fmt.Errorf("incomplete write: %d/%d bytes", n, len(frame))
		}
		result <- err
	}()

	select {
	case err := <-result:
		if err == nil {
			return nil
		}
		if isClosedError(err) {
			t.markDisconnected(err)
			return fmt.Errorf("%w: %v", ErrNotConnected, err)
		}
		return fmt.Errorf("write frame: %w", err)
	case <-deadline.C:
		t.log.Warn("adapter write stalled", zap.Duration("timeout", t.cfg.WriteTimeout))
		return ErrWriteTimeout
	}
}

// readLoop continuously reads from the port and dispatches decoded messages
func (t *Transport) readLoop() {
	defer t.loops.Done()

	buffer := make([]byte, t.cfg.ReadBufferSize)

	for {
		select {
		case <-t.stopChan:
			return
		default:
		}

		n, err := t.port.Read(buffer)
		if n > 0 {
			t.receive(buffer[:n])
		}

		if err != nil {
			if isClosedError(err) {
				t.markDisconnected(err)
				return
			}
			t.log.Debug("serial read error", zap.Error(err))
			t.pause()
			continue
		}

		if n == 0 {
			t.pause()
		}
	}
}

// receive feeds one read burst through the reassembler
func (t *Transport) receive(chunk []byte) {
	t.bytesReceived.Add(uint64(len(chunk)))

	decoded := t.frames.Feed(chunk, func(msg CanMessage) {
		t.rxCount.Add(1)
		if t.messageHandler != nil {
			t.messageHandler(msg)
		}
	})
	if decoded == 0 {
		return
	}

	// Only bursts that decode count as adapter traffic
	t.lastReceive.Store(time.Now().UnixNano())
	if t.stale.Swap(false) {
		t.log.Info("adapter traffic resumed")
		t.emitState(EventRecovered)
	}
}

// watchdog raises a single EventStale per silent period
func (t *Transport) watchdog() {
	defer t.loops.Done()

	interval := t.cfg.StaleTimeout / 4
	if interval < time.Millisecond {
		interval = time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-t.stopChan:
			return
		case <-ticker.C:
			last := time.Unix(0, t.lastReceive.Load())
			if time.Since(last) < t.cfg.StaleTimeout || !t.connected.Load() {
				continue
			}
			if !t.stale.Swap(true) {
				t.log.Warn("no data from adapter", zap.Duration("silence", time.Since(last)))
				t.emitState(EventStale)
			}
		}
	}
}

func (t *Transport) pause() {
	select {
	case <-t.stopChan:
	case <-time.After(t.cfg.PollInterval):
	}
}

func (t *Transport) markDisconnected(err error) {
	if t.connected.Swap(false) {
		t.log.Warn("adapter disconnected", zap.Error(err))
		t.emitState(EventDisconnected)
	}
}

func (t *Transport) emitState(ev StateEvent) {
	if t.stateHandler != nil {
		t.stateHandler(ev)
	}
}

// Connected reports whether the port is usable
func (t *Transport) Connected() bool {
	return t.connected.Load()
}

// Stats returns a snapshot of the transport counters
func (t *Transport) Stats() TransportStats {
	rs := t.frames.Stats()
	return TransportStats{
		Connected:      t.connected.Load(),
		Stale:          t.stale.Load(),
		TxMessages:     t.txCount.Load(),
		RxMessages:     t.rxCount.Load(),
		TxErrors:       t.txErrors.Load(),
		BytesReceived:  t.bytesReceived.Load(),
		BytesDiscarded: rs.BytesDiscarded,
		Resyncs:        rs.Resyncs,
		LastReceive:    time.Unix(0, t.lastReceive.Load()),
	}
}

// Close stops the loops and closes the port. The port is closed only after
// the read loop has returned and any in-flight write has finished or timed out.
func (t *Transport) Close() error {
	t.closeOnce.Do(func() {
		close(t.stopChan)
		t.loops.Wait()

		var errs error
		select {
		case t.writeSem <- struct{}{}:
		case <-time.After(t.cfg.WriteTimeout):
			errs = multierr.Append(errs, fmt.Errorf("close: %w", ErrWriteTimeout))
		}

		if t.port != nil {
			if err := t.port.Close(); err != nil && !isClosedError(err) {
				errs = multierr.Append(errs, err)
			}
		}
		t.markDisconnected(io.EOF)
		t.closeErr = errs
	})
	return t.closeErr
}

// isClosedError reports errors meaning the port is gone for good
func isClosedError(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, os.ErrClosed)
}
