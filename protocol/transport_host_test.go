package protocol

import (
	"bytes"
	"errors"
	"os"
	"sync"
	"testing"
	"time"
)

// mockPort simulates a serial port with a read timeout
type mockPort struct {
	mu       sync.Mutex
	incoming chan []byte
	written  bytes.Buffer
	writeErr error
	stall    chan struct{} // when non-nil, Write blocks until closed
	closed   chan struct{}
	once     sync.Once
}

func newMockPort() *mockPort {
	return &mockPort{
		incoming: make(chan []byte, 64),
		closed:   make(chan struct{}),
	}
}

func (m *mockPort) Read(p []byte) (int, error) {
	select {
	case <-m.closed:
		return 0, os.ErrClosed
	case data := <-m.incoming:
		return copy(p, data), nil
	case <-time.After(5 * time.Millisecond):
		return 0, nil
	}
}

func (m *mockPort) Write(p []byte) (int, error) {
	m.mu.Lock()
	stall := m.stall
	err := m.writeErr
	m.mu.Unlock()

	if stall != nil {
		<-stall
	}
	if err != nil {
		return 0, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	return m.written.Write(p)
}

func (m *mockPort) Close() error {
	m.once.Do(func() { close(m.closed) })
	return nil
}

func (m *mockPort) Written() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]byte(nil), m.written.Bytes()...)
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestTransportReceive(t *testing.T) {
	port := newMockPort()
	msgs := make(chan CanMessage, 8)
	tr := NewTransport(port, WithMessageHandler(func(m CanMessage) { msgs <- m }))
	defer tr.Close()

	frame, _ := Encode(IDBootProgress, []byte{10, 0xE8, 0x03, 0x00, 0x00})
	port.incoming <- append([]byte{0x01, 0x02}, frame[:4]...)
	port.incoming <- frame[4:]

	select {
	case m := <-msgs:
		if m.ID != IDBootProgress || len(m.Data) != 5 || m.Direction != Rx {
			t.Errorf("message = %v", m)
		}
	case <-time.After(time.Second):
		t.Fatal("no message received")
	}

	stats := tr.Stats()
	if stats.RxMessages != 1 || stats.BytesDiscarded != 2 {
		t.Errorf("stats = %+v, want 1 RX and 2 discarded", stats)
	}
}

func TestTransportSend(t *testing.T) {
	port := newMockPort()
	var echoed []CanMessage
	tr := NewTransport(port, WithEchoHandler(func(m CanMessage) { echoed = append(echoed, m) }))
	defer tr.Close()

	if err := tr.Send(IDBootBegin, []byte{0x0E, 0, 0, 0}); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	want, _ := Encode(IDBootBegin, []byte{0x0E, 0, 0, 0})
	if !bytes.Equal(port.Written(), want) {
		t.Errorf("written = % X, want % X", port.Written(), want)
	}
	if len(echoed) != 1 || echoed[0].Direction != Tx || echoed[0].ID != IDBootBegin {
		t.Errorf("echo = %v", echoed)
	}
	if tr.Stats().TxMessages != 1 {
		t.Errorf("TxMessages = %d, want 1", tr.Stats().TxMessages)
	}

	if err := tr.Send(0x900, nil); !errors.Is(err, ErrInvalidID) {
		t.Errorf("Send(0x900) error = %v, want ErrInvalidID", err)
	}
}

func TestTransportWriteTimeout(t *testing.T) {
	port := newMockPort()
	port.stall = make(chan struct{})

	cfg := DefaultTransportConfig()
	cfg.WriteTimeout = 20 * time.Millisecond
	tr := NewTransport(port, WithTransportConfig(cfg))

	start := time.Now()
	err := tr.Send(IDBootPing, nil)
	if !errors.Is(err, ErrWriteTimeout) {
		t.Fatalf("Send() error = %v, want ErrWriteTimeout", err)
	}

	// The stalled write still holds the lock
	if err := tr.Send(IDBootPing, nil); !errors.Is(err, ErrWriteTimeout) {
		t.Fatalf("second Send() error = %v, want ErrWriteTimeout", err)
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("sends blocked for %v", elapsed)
	}

	close(port.stall)
	if err := tr.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
}

func TestTransportStaleEvents(t *testing.T) {
	port := newMockPort()
	var mu sync.Mutex
	var events []StateEvent

	cfg := DefaultTransportConfig()
	cfg.StaleTimeout = 30 * time.Millisecond
	tr := NewTransport(port,
		WithTransportConfig(cfg),
		WithStateHandler(func(ev StateEvent) {
			mu.Lock()
			events = append(events, ev)
			mu.Unlock()
		}),
	)
	defer tr.Close()

	count := func(want StateEvent) int {
		mu.Lock()
		defer mu.Unlock()
		n := 0
		for _, ev := range events {
			if ev == want {
				n++
			}
		}
		return n
	}

	waitFor(t, time.Second, func() bool { return count(EventStale) == 1 })

	// Stale is raised once per silent period
	time.Sleep(100 * time.Millisecond)
	if n := count(EventStale); n != 1 {
		t.Errorf("stale events = %d, want 1", n)
	}
	if !tr.Stats().Stale {
		t.Error("Stats().Stale = false")
	}

	frame, _ := Encode(IDTelemetryStatus, []byte{0x01})
	port.incoming <- frame
	waitFor(t, time.Second, func() bool { return count(EventRecovered) == 1 })

	waitFor(t, time.Second, func() bool { return count(EventStale) == 2 })
}

func TestTransportGarbageKeepsStale(t *testing.T) {
	port := newMockPort()
	recovered := make(chan struct{}, 1)

	cfg := DefaultTransportConfig()
	cfg.StaleTimeout = 30 * time.Millisecond
	tr := NewTransport(port,
		WithTransportConfig(cfg),
		WithStateHandler(func(ev StateEvent) {
			if ev == EventRecovered {
				select {
				case recovered <- struct{}{}:
				default:
				}
			}
		}),
	)
	defer tr.Close()

	waitFor(t, time.Second, func() bool { return tr.Stats().Stale })
	before := tr.Stats().LastReceive

	port.incoming <- []byte{0x01, 0x02, 0x03, 0x55, 0x10}
	waitFor(t, time.Second, func() bool { return tr.Stats().BytesReceived >= 5 })

	select {
	case <-recovered:
		t.Fatal("undecodable bytes recovered a stale link")
	case <-time.After(50 * time.Millisecond):
	}
	if !tr.Stats().Stale {
		t.Error("Stats().Stale = false after garbage")
	}
	if !tr.Stats().LastReceive.Equal(before) {
		t.Error("LastReceive moved on undecodable bytes")
	}

	frame, _ := Encode(IDTelemetryStatus, []byte{0x01})
	port.incoming <- frame
	select {
	case <-recovered:
	case <-time.After(time.Second):
		t.Fatal("decoded frame did not recover the link")
	}
}

func TestTransportCloseAndDisconnect(t *testing.T) {
	port := newMockPort()
	var mu sync.Mutex
	var events []StateEvent
	tr := NewTransport(port, WithStateHandler(func(ev StateEvent) {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
	}))

	if err := tr.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := tr.Close(); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}
	if tr.Connected() {
		t.Error("Connected() = true after Close")
	}
	if err := tr.Send(IDBootPing, nil); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Send() after Close error = %v, want ErrNotConnected", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(events) != 2 || events[0] != EventConnected || events[1] != EventDisconnected {
		t.Errorf("events = %v, want [connected disconnected]", events)
	}
}

func TestTransportWriteErrorOnClosedPort(t *testing.T) {
	port := newMockPort()
	port.writeErr = os.ErrClosed
	tr := NewTransport(port)
	defer tr.Close()

	if err := tr.Send(IDBootPing, nil); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("Send() error = %v, want ErrNotConnected", err)
	}
	if tr.Connected() {
		t.Error("transport still connected after closed-port write")
	}
}
