//go:build !wasm

package serial

import (
	"fmt"
	"io"

	"github.com/tarm/serial"
)

// tarmPort is the subset of *serial.Port used by NativePort
type tarmPort interface {
	io.ReadWriteCloser
	Flush() error
}

// NativePort wraps the tarm/serial implementation
type NativePort struct {
	port tarmPort
	cfg  *Config
}

// openTarm opens a serial port with tarm/serial
func openTarm(cfg *Config) (Port, error) {
	serialConfig := &serial.Config{
		Name:        cfg.Device,
		Baud:        cfg.Baud,
		ReadTimeout: cfg.ReadTimeout,
	}

	port, err := serial.OpenPort(serialConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to open serial port %s: %w", cfg.Device, err)
	}

	return &NativePort{
		port: port,
		cfg:  cfg,
	}, nil
}

// Read reads data from the serial port. tarm/serial reports an expired read
// timeout as io.EOF on POSIX systems; that is a quiet line, not a lost port.
func (p *NativePort) Read(b []byte) (int, error) {
	n, err := p.port.Read(b)
	if n == 0 && err == io.EOF {
		return 0, nil
	}
	return n, err
}

// Write writes data to the serial port
func (p *NativePort) Write(b []byte) (int, error) {
	return p.port.Write(b)
}

// Close closes the serial port
func (p *NativePort) Close() error {
	if p.port != nil {
		return p.port.Close()
	}
	return nil
}

// Flush discards unread input and unsent output
func (p *NativePort) Flush() error {
	return p.port.Flush()
}
