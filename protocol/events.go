package protocol

import (
	"encoding/binary"
	"fmt"
)

// BootloaderEvent is implemented by every typed event decoded from the
// bootloader ID block: PingResponse, BeginResponse, ProgressReport,
// EndResponse, QueryResponse and DeviceError.
type BootloaderEvent interface {
	CANID() uint32
}

// PingResponse answers a Ping.
type PingResponse struct{}

func (PingResponse) CANID() uint32 { return IDBootPingResponse }

// BeginResponse is sent twice per Begin: InProgress when the erase starts,
// then the final erase status.
type BeginResponse struct {
	Status byte
}

func (BeginResponse) CANID() uint32 { return IDBootBeginResponse }

// ProgressReport is the device's own count of image bytes it has accepted.
type ProgressReport struct {
	Percent       uint8
	BytesReceived uint32
}

func (ProgressReport) CANID() uint32 { return IDBootProgress }

// EndResponse carries the result of the final image check.
type EndResponse struct {
	Status byte
}

func (EndResponse) CANID() uint32 { return IDBootEndResponse }

// QueryResponse describes the bootloader and its flash banks.
type QueryResponse struct {
	Present    bool
	Major      uint8
	Minor      uint8
	Patch      uint8
	HasBanks   bool
	ActiveBank uint8
	BankAValid bool
	BankBValid bool
}

func (QueryResponse) CANID() uint32 { return IDBootQueryResponse }

// Version formats the bootloader version as major.minor.patch
func (q QueryResponse) Version() string {
	return fmt.Sprintf("%d.%d.%d", q.Major, q.Minor, q.Patch)
}

// DeviceError is any error report from the bootloader, including sequence mismatches.
type DeviceError struct {
	ID   uint32
	Data []byte

	// Expected and Received are set for IDBootSeqMismatch
	Expected uint8
	Received uint8
}

func (e DeviceError) CANID() uint32 { return e.ID }

// IsSequenceMismatch reports whether the device asked to resume from Expected
func (e DeviceError) IsSequenceMismatch() bool {
	return e.ID == IDBootSeqMismatch
}

// Description returns a human-readable description of the device error
func (e DeviceError) Description() string {
	switch e.ID {
	case IDBootSeqMismatch:
		return fmt.Sprintf("sequence mismatch: device expected %d, received %d", e.Expected, e.Received)
	case IDBootErrBuffer:
		return "device receive buffer overflow"
	case IDBootErrSize:
		if len(e.Data) >= 4 {
			return fmt.Sprintf("image size rejected (device limit %d bytes)", binary.LittleEndian.Uint32(e.Data))
		}
		return "image size rejected"
	case IDBootErrWrite:
		if len(e.Data) >= 4 {
			return fmt.Sprintf("flash write failed at 0x%08X", binary.LittleEndian.Uint32(e.Data))
		}
		return "flash write failed"
	case IDBootErrValidation:
		if len(e.Data) >= 4 {
			return fmt.Sprintf("image validation failed (device CRC 0x%08X)", binary.LittleEndian.Uint32(e.Data))
		}
		return "image validation failed"
	default:
		return fmt.Sprintf("bootloader error 0x%03X", e.ID)
	}
}

func (e DeviceError) Error() string {
	return e.Description()
}

// ParseBootloaderEvent decodes the payload of a bootloader response ID.
// The bool result is false for IDs the host only transmits.
func ParseBootloaderEvent(id uint32, data []byte) (BootloaderEvent, bool, error) {
	switch id {
	case IDBootPingResponse:
		return PingResponse{}, true, nil

	case IDBootBeginResponse:
		if len(data) < 1 {
			return nil, true, payloadError(id, data, 1)
		}
		return BeginResponse{Status: data[0]}, true, nil

	case IDBootProgress:
		if len(data) < 5 {
			return nil, true, payloadError(id, data, 5)
		}
		return ProgressReport{
			Percent:       data[0],
			BytesReceived: binary.LittleEndian.Uint32(data[1:5]),
		}, true, nil

	case IDBootEndResponse:
		if len(data) < 1 {
			return nil, true, payloadError(id, data, 1)
		}
		return EndResponse{Status: data[0]}, true, nil

	case IDBootSeqMismatch:
		if len(data) < 2 {
			return nil, true, payloadError(id, data, 2)
		}
		return DeviceError{
			ID:       id,
			Data:     data,
			Expected: data[0],
			Received: data[1],
		}, true, nil

	case IDBootQueryResponse:
		if len(data) < 4 {
			return nil, true, payloadError(id, data, 4)
		}
		q := QueryResponse{
			Present: data[0] != 0,
			Major:   data[1],
			Minor:   data[2],
			Patch:   data[3],
		}
		if len(data) >= 7 {
			q.HasBanks = true
			q.ActiveBank = data[4]
			q.BankAValid = data[5] != 0
			q.BankBValid = data[6] != 0
		}
		return q, true, nil

	case IDBootErrBuffer, IDBootErrSize, IDBootErrWrite, IDBootErrValidation:
		return DeviceError{ID: id, Data: data}, true, nil
	}

	return nil, false, nil
}

func payloadError(id uint32, data []byte, want int) error {
	return fmt.Errorf("payload for 0x%03X too short: got %d bytes, need %d", id, len(data), want)
}

// TelemetryEvent is an application telemetry message identified by kind.
type TelemetryEvent struct {
	Kind    TelemetryKind
	Message CanMessage
}
