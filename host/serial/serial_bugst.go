//go:build !wasm

package serial

import (
	"errors"
	"fmt"
	"os"
	"sort"

	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"
)

// BugstPort wraps go.bug.st/serial and maps its closed-port errors to os.ErrClosed
type BugstPort struct {
	port serial.Port
	cfg  *Config
}

func openBugst(cfg *Config) (Port, error) {
	mode := &serial.Mode{
		BaudRate: cfg.Baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}

	port, err := serial.Open(cfg.Device, mode)
	if err != nil {
		return nil, fmt.Errorf("failed to open serial port %s: %w", cfg.Device, err)
	}

	if cfg.ReadTimeout > 0 {
		if err := port.SetReadTimeout(cfg.ReadTimeout); err != nil {
			_ = port.Close()
			return nil, fmt.Errorf("set read timeout on %s: %w", cfg.Device, err)
		}
	}

	return &BugstPort{port: port, cfg: cfg}, nil
}

// Read reads data from the serial port
func (p *BugstPort) Read(b []byte) (int, error) {
	n, err := p.port.Read(b)
	return n, translateError(err)
}

// Write writes data to the serial port
func (p *BugstPort) Write(b []byte) (int, error) {
	n, err := p.port.Write(b)
	return n, translateError(err)
}

// Close closes the serial port
func (p *BugstPort) Close() error {
	return translateError(p.port.Close())
}

// Flush discards unread input and unsent output
func (p *BugstPort) Flush() error {
	if err := p.port.ResetInputBuffer(); err != nil {
		return translateError(err)
	}
	return translateError(p.port.ResetOutputBuffer())
}

func translateError(err error) error {
	if err == nil {
		return nil
	}
	var portErr *serial.PortError
	if errors.As(err, &portErr) && isDisconnection(portErr.Code()) {
		return fmt.Errorf("%s: %w", portErr.Error(), os.ErrClosed)
	}
	return err
}

// isDisconnection reports codes meaning the adapter is gone (closed or unplugged)
func isDisconnection(code serial.PortErrorCode) bool {
	switch code {
	case serial.PortClosed, serial.PortNotFound, serial.InvalidSerialPort:
		return true
	default:
		return false
	}
}

// ListPorts returns the serial ports present on the system, USB adapters first
func ListPorts() ([]PortInfo, error) {
	details, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return nil, fmt.Errorf("enumerate ports: %w", err)
	}

	ports := make([]PortInfo, 0, len(details))
	for _, d := range details {
		ports = append(ports, PortInfo{
			Name:         d.Name,
			IsUSB:        d.IsUSB,
			VID:          d.VID,
			PID:          d.PID,
			SerialNumber: d.SerialNumber,
			Product:      d.Product,
		})
	}

	sort.SliceStable(ports, func(i, j int) bool {
		return ports[i].IsUSB && !ports[j].IsUSB
	})
	return ports, nil
}
