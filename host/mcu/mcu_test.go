package mcu

import (
	"context"
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"canflash/bootloader"
	"canflash/protocol"
)

// adapterPort emulates a USB-CAN adapter with a bootloader behind it. Frames
// written by the host are reassembled and answered with encoded frames on the
// read side.
type adapterPort struct {
	incoming chan []byte
	closed   chan struct{}
	once     sync.Once

	frames *protocol.Reassembler

	mu       sync.Mutex
	length   uint32
	image    []byte
	expect   uint8
	commands []uint32
}

func newAdapterPort() *adapterPort {
	return &adapterPort{
		incoming: make(chan []byte, 1024),
		closed:   make(chan struct{}),
		frames:   protocol.NewReassembler(),
	}
}

func (a *adapterPort) Read(p []byte) (int, error) {
	select {
	case <-a.closed:
		return 0, os.ErrClosed
	case data := <-a.incoming:
		return copy(p, data), nil
	case <-time.After(5 * time.Millisecond):
		return 0, nil
	}
}

func (a *adapterPort) Write(p []byte) (int, error) {
	select {
	case <-a.closed:
		return 0, os.ErrClosed
	default:
	}
	a.frames.Feed(p, a.handle)
	return len(p), nil
}

func (a *adapterPort) Close() error {
	a.once.Do(func() { close(a.closed) })
	return nil
}

func (a *adapterPort) send(id uint32, data ...byte) {
	frame, err := protocol.Encode(id, data)
	if err != nil {
		panic(err)
	}
	a.incoming <- frame
}

func (a *adapterPort) handle(msg protocol.CanMessage) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.commands = append(a.commands, msg.ID)

	switch msg.ID {
	case protocol.IDBootPing:
		a.send(protocol.IDBootPingResponse)
	case protocol.IDBootQueryInfo:
		a.send(protocol.IDBootQueryResponse, 1, 0, 4, 2)
	case protocol.IDBootBegin:
		a.length = binary.LittleEndian.Uint32(msg.Data)
		a.send(protocol.IDBootBeginResponse, protocol.StatusInProgress)
		a.send(protocol.IDBootBeginResponse, protocol.StatusSuccess)
	case protocol.IDBootData:
		if msg.Data[0] != a.expect {
			a.send(protocol.IDBootSeqMismatch, a.expect, msg.Data[0])
			return
		}
		a.image = append(a.image, msg.Data[1:]...)
		a.expect++
	case protocol.IDBootEnd:
		status := byte(protocol.StatusSuccess)
		if protocol.CRC32(a.image[:min(len(a.image), int(a.length))]) != binary.LittleEndian.Uint32(msg.Data) {
			status = protocol.StatusCRCMismatch
		}
		a.send(protocol.IDBootEndResponse, status)
	}
}

func (a *adapterPort) received() []byte {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]byte(nil), a.image[:min(len(a.image), int(a.length))]...)
}

func testMCU(t *testing.T) (*MCU, *adapterPort) {
	t.Helper()
	m := NewMCU(WithBootloaderOptions(
		bootloader.WithEnterDelay(0),
		bootloader.WithChunkDelay(0),
		bootloader.WithPing(200*time.Millisecond, 3, 0),
	))
	port := newAdapterPort()
	if err := m.Attach(port); err != nil {
		t.Fatalf("Attach() error = %v", err)
	}
	t.Cleanup(func() { m.Close() })
	return m, port
}

func TestQueryInfoOverSerial(t *testing.T) {
	m, _ := testMCU(t)

	info, err := m.QueryInfo(context.Background())
	if err != nil {
		t.Fatalf("QueryInfo() error = %v", err)
	}
	if !info.Present || info.Version() != "0.4.2" || info.HasBanks {
		t.Errorf("info = %+v", info)
	}
}

func TestUpdateFirmwareOverSerial(t *testing.T) {
	m, port := testMCU(t)

	image := make([]byte, 1000)
	for i := range image {
		image[i] = byte(i * 31)
	}
	path := filepath.Join(t.TempDir(), "app.bin")
	if err := os.WriteFile(path, image, 0o644); err != nil {
		t.Fatal(err)
	}

	var last bootloader.Progress
	if err := m.UpdateFirmware(context.Background(), path, func(p bootloader.Progress) { last = p }); err != nil {
		t.Fatalf("UpdateFirmware() error = %v", err)
	}
	if last.Phase != bootloader.PhaseComplete {
		t.Errorf("final phase = %v", last.Phase)
	}
	if got := port.received(); string(got) != string(image) {
		t.Error("adapter image differs from source")
	}

	stats := m.Stats()
	if stats.TxMessages == 0 || stats.RxMessages == 0 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestMessagesAndTelemetry(t *testing.T) {
	m, port := testMCU(t)

	stream, unsubscribe := m.Messages(16)
	defer unsubscribe()

	weights := make(chan protocol.TelemetryEvent, 1)
	m.SubscribeTelemetry(func(ev protocol.TelemetryEvent) {
		if ev.Kind == protocol.TelemetryWeight {
			weights <- ev
		}
	})

	port.send(protocol.IDTelemetryWeight, 0x10, 0x20, 0x30, 0x40)

	select {
	case ev := <-weights:
		if len(ev.Message.Data) != 4 {
			t.Errorf("weight payload = % X", ev.Message.Data)
		}
	case <-time.After(time.Second):
		t.Fatal("no telemetry event")
	}

	if err := m.Send(0x123, []byte{1}); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	var sawRx, sawTx bool
	timeout := time.After(time.Second)
	for !sawRx || !sawTx {
		select {
		case msg := <-stream:
			if msg.ID == protocol.IDTelemetryWeight && msg.Direction == protocol.Rx {
				sawRx = true
			}
			if msg.ID == 0x123 && msg.Direction == protocol.Tx {
				sawTx = true
			}
		case <-timeout:
			t.Fatalf("stream incomplete: rx=%v tx=%v", sawRx, sawTx)
		}
	}
}

func TestNotConnected(t *testing.T) {
	m := NewMCU()

	if m.IsConnected() {
		t.Error("new MCU reports connected")
	}
	if err := m.Send(0x100, nil); !errors.Is(err, protocol.ErrNotConnected) {
		t.Errorf("Send() error = %v, want ErrNotConnected", err)
	}
	if _, err := m.QueryInfo(context.Background()); !errors.Is(err, protocol.ErrNotConnected) {
		t.Errorf("QueryInfo() error = %v, want ErrNotConnected", err)
	}
	if err := m.Close(); err != nil {
		t.Errorf("Close() on unconnected MCU error = %v", err)
	}
}

func TestAttachTwice(t *testing.T) {
	m, _ := testMCU(t)
	if err := m.Attach(newAdapterPort()); err == nil {
		t.Error("second Attach() succeeded")
	}
	if !m.IsConnected() {
		t.Error("IsConnected() = false")
	}
	if err := m.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
	if m.IsConnected() {
		t.Error("IsConnected() = true after Close")
	}
}
