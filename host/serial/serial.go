package serial

import (
	"fmt"
	"io"
	"time"
)

// Port represents a serial port interface
// This abstraction allows for different implementations:
// - go.bug.st/serial (default, supports port discovery)
// - github.com/tarm/serial
// - Mock serial (for testing)
type Port interface {
	io.ReadWriteCloser

	// Flush discards any buffered data
	Flush() error
}

// Driver selects the serial backend
type Driver string

const (
	DriverBugst Driver = "bugst"
	DriverTarm  Driver = "tarm"
)

// Config holds serial port configuration
type Config struct {
	// Device path (e.g., "/dev/ttyUSB0", "COM3")
	Device string

	// Baud rate of the USB-CAN adapter's serial side
	Baud int

	// Read timeout (0 = blocking). The transport needs a finite value to stop cleanly.
	ReadTimeout time.Duration

	// Driver selects the backend
	Driver Driver
}

// DefaultConfig returns a default configuration for the USB-CAN adapter
func DefaultConfig(device string) *Config {
	return &Config{
		Device:      device,
		Baud:        2000000,
		ReadTimeout: 50 * time.Millisecond,
		Driver:      DriverBugst,
	}
}

// PortInfo describes a discoverable serial port
type PortInfo struct {
	Name         string
	IsUSB        bool
	VID          string
	PID          string
	SerialNumber string
	Product      string
}

func (p PortInfo) String() string {
	if !p.IsUSB {
		return p.Name
	}
	return fmt.Sprintf("%s [%s:%s] %s %s", p.Name, p.VID, p.PID, p.Product, p.SerialNumber)
}

// Open opens a serial port with the configured driver
func Open(cfg *Config) (Port, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if cfg.Device == "" {
		return nil, fmt.Errorf("serial device is required")
	}

	switch cfg.Driver {
	case DriverBugst, "":
		return openBugst(cfg)
	case DriverTarm:
		return openTarm(cfg)
	default:
		return nil, fmt.Errorf("unknown serial driver %q", cfg.Driver)
	}
}
