package mcu

import (
	"context"
	"fmt"
	"io"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"canflash/bootloader"
	"canflash/host/serial"
	"canflash/protocol"
)

// MCU represents a connection to a controller board behind a USB-CAN adapter
type MCU struct {
	log             *zap.Logger
	transportConfig protocol.TransportConfig
	telemetryIDs    map[uint32]protocol.TelemetryKind
	bootOptions     []bootloader.Option
	stateHandler    protocol.StateHandler

	mu         sync.Mutex
	router     *protocol.Router
	transport  *protocol.Transport
	programmer *bootloader.Programmer
	connected  bool
}

// Option configures an MCU
type Option func(*MCU)

// WithLogger sets the logger shared by the transport, router and programmer
func WithLogger(log *zap.Logger) Option {
	return func(m *MCU) {
		if log != nil {
			m.log = log
		}
	}
}

// WithTransportConfig overrides the transport timeouts
func WithTransportConfig(cfg protocol.TransportConfig) Option {
	return func(m *MCU) {
		m.transportConfig = cfg
	}
}

// WithTelemetryIDs overrides the application telemetry ID table
func WithTelemetryIDs(ids map[uint32]protocol.TelemetryKind) Option {
	return func(m *MCU) {
		m.telemetryIDs = ids
	}
}

// WithBootloaderOptions passes options to the firmware programmer
func WithBootloaderOptions(opts ...bootloader.Option) Option {
	return func(m *MCU) {
		m.bootOptions = append(m.bootOptions, opts...)
	}
}

// WithStateHandler receives link state changes (connected, stale, recovered, disconnected)
func WithStateHandler(fn protocol.StateHandler) Option {
	return func(m *MCU) {
		m.stateHandler = fn
	}
}

// NewMCU creates a new MCU instance (not yet connected)
func NewMCU(opts ...Option) *MCU {
	m := &MCU{
		log:             zap.NewNop(),
		transportConfig: protocol.DefaultTransportConfig(),
		telemetryIDs:    protocol.DefaultTelemetryIDs(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.router = protocol.NewRouter(
		protocol.WithRouterLogger(m.log),
		protocol.WithTelemetryIDs(m.telemetryIDs),
	)
	return m
}

// Connect connects to the adapter on device with the default serial settings
func (m *MCU) Connect(device string) error {
	return m.ConnectWithConfig(serial.DefaultConfig(device))
}

// ConnectWithConfig connects to the adapter with a custom serial config
func (m *MCU) ConnectWithConfig(cfg *serial.Config) error {
	port, err := serial.Open(cfg)
	if err != nil {
		return fmt.Errorf("failed to open serial port: %w", err)
	}

	if err := port.Flush(); err != nil {
		m.log.Debug("flush failed", zap.String("device", cfg.Device), zap.Error(err))
	}

	if err := m.Attach(port); err != nil {
		return multierr.Append(err, port.Close())
	}
	m.log.Info("connected", zap.String("device", cfg.Device), zap.Int("baud", cfg.Baud), zap.String("driver", string(cfg.Driver)))
	return nil
}

// Attach starts the transport on an already open byte stream. The port must
// return from Read periodically so Close can stop the read loop.
func (m *MCU) Attach(port io.ReadWriteCloser) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.connected {
		return fmt.Errorf("already connected")
	}

	m.transport = protocol.NewTransport(port,
		protocol.WithTransportConfig(m.transportConfig),
		protocol.WithTransportLogger(m.log),
		protocol.WithMessageHandler(m.router.Dispatch),
		protocol.WithEchoHandler(m.router.Dispatch),
		protocol.WithStateHandler(m.onState),
	)
	opts := append([]bootloader.Option{bootloader.WithLogger(m.log)}, m.bootOptions...)
	m.programmer = bootloader.New(m.transport, m.router, opts...)
	m.connected = true
	return nil
}

func (m *MCU) onState(ev protocol.StateEvent) {
	switch ev {
	case protocol.EventStale:
		m.log.Warn("no traffic from adapter")
	case protocol.EventRecovered:
		m.log.Info("adapter traffic resumed")
	case protocol.EventDisconnected:
		m.log.Warn("adapter disconnected")
	}
	if m.stateHandler != nil {
		m.stateHandler(ev)
	}
}

// Close stops the transport and closes the port
func (m *MCU) Close() error {
	m.mu.Lock()
	transport := m.transport
	m.transport = nil
	m.programmer = nil
	m.connected = false
	m.mu.Unlock()

	if transport == nil {
		return nil
	}
	return transport.Close()
}

// IsConnected returns whether the MCU is connected
func (m *MCU) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected && m.transport.Connected()
}

func (m *MCU) current() (*protocol.Transport, *bootloader.Programmer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return nil, nil, fmt.Errorf("not connected to MCU: %w", protocol.ErrNotConnected)
	}
	return m.transport, m.programmer, nil
}

// Send transmits a standard CAN frame
func (m *MCU) Send(id uint32, data []byte) error {
	transport, _, err := m.current()
	if err != nil {
		return err
	}
	return transport.Send(id, data)
}

// Messages streams every received message and every local send. Messages
// are dropped when the consumer falls more than buffer messages behind.
func (m *MCU) Messages(buffer int) (<-chan protocol.CanMessage, func()) {
	return m.router.Messages(buffer)
}

// SubscribeTelemetry registers fn for application telemetry
func (m *MCU) SubscribeTelemetry(fn protocol.TelemetryHandler) func() {
	return m.router.SubscribeTelemetry(fn)
}

// SubscribeBootloader registers fn for decoded bootloader events
func (m *MCU) SubscribeBootloader(fn protocol.BootloaderHandler) func() {
	return m.router.SubscribeBootloader(fn)
}

// QueryInfo reads bootloader version and bank state
func (m *MCU) QueryInfo(ctx context.Context) (protocol.QueryResponse, error) {
	_, programmer, err := m.current()
	if err != nil {
		return protocol.QueryResponse{}, err
	}
	return programmer.QueryInfo(ctx)
}

// UpdateFirmware flashes the binary image at path
func (m *MCU) UpdateFirmware(ctx context.Context, path string, progress bootloader.ProgressFunc) error {
	_, programmer, err := m.current()
	if err != nil {
		return err
	}
	return programmer.UpdateFirmware(ctx, path, progress)
}

// Stats returns transport counters
func (m *MCU) Stats() protocol.TransportStats {
	transport, _, err := m.current()
	if err != nil {
		return protocol.TransportStats{}
	}
	return transport.Stats()
}
