package protocol

import "fmt"

// Bootloader CAN IDs (contiguous block 0x510-0x520)
const (
	IDBootEnter         = 0x510 // TX, no payload
	IDBootQueryInfo     = 0x511 // TX, no payload
	IDBootPing          = 0x512 // TX, no payload
	IDBootBegin         = 0x513 // TX, [LEN(4) LE]
	IDBootEnd           = 0x514 // TX, [CRC32(4) LE]
	IDBootReset         = 0x515 // TX, no payload
	IDBootErrBuffer     = 0x516 // RX, error
	IDBootPingResponse  = 0x517 // RX, no payload
	IDBootBeginResponse = 0x518 // RX, [STATUS]
	IDBootProgress      = 0x519 // RX, [PERCENT][BYTES(4) LE]
	IDBootEndResponse   = 0x51A // RX, [STATUS]
	IDBootSeqMismatch   = 0x51B // RX, [EXPECTED][RECEIVED]
	IDBootQueryResponse = 0x51C // RX, [PRESENT][MAJ][MIN][PATCH]([BANK][A_OK][B_OK])
	IDBootErrSize       = 0x51D // RX, error
	IDBootErrWrite      = 0x51E // RX, error
	IDBootErrValidation = 0x51F // RX, error
	IDBootData          = 0x520 // TX, [SEQ][DATA(7), 0xFF padded]

	BootIDFirst = IDBootEnter
	BootIDLast  = IDBootData
)

// Bootloader transfer limits
const (
	MaxFirmwareSize  = 0x1E000 // 120 KiB flash bank
	ChunkPayloadSize = 7       // data bytes per Data frame
	ChunkPadding     = 0xFF
	SequenceModulus  = 256

	// SequenceWrapBytes is the image distance after which sequence numbers repeat.
	SequenceWrapBytes = SequenceModulus * ChunkPayloadSize
)

// Bootloader status codes carried by Begin and End responses
const (
	StatusSuccess     = 0x00
	StatusInProgress  = 0x01
	StatusFailed      = 0x02
	StatusSizeError   = 0x03
	StatusEraseError  = 0x04
	StatusWriteError  = 0x05
	StatusCRCMismatch = 0x06
	StatusTimeout     = 0x07
	StatusBusy        = 0x08
)

// StatusDescription returns a human-readable description of a bootloader status code.
func StatusDescription(code byte) string {
	switch code {
	case StatusSuccess:
		return "success"
	case StatusInProgress:
		return "operation in progress"
	case StatusFailed:
		return "operation failed"
	case StatusSizeError:
		return "image size not accepted"
	case StatusEraseError:
		return "flash erase failed"
	case StatusWriteError:
		return "flash write failed"
	case StatusCRCMismatch:
		return "image CRC mismatch"
	case StatusTimeout:
		return "device timed out waiting for data"
	case StatusBusy:
		return "bootloader busy"
	default:
		return fmt.Sprintf("unknown status code 0x%02X", code)
	}
}

// Application telemetry IDs broadcast by the controller firmware
const (
	IDTelemetryWeight      = 0x200 // raw load cell sample
	IDTelemetryStatus      = 0x201 // controller status flags
	IDTelemetryTemperature = 0x202 // board temperature
	IDTelemetryVersion     = 0x203 // application firmware version
)

// TelemetryKind names an application telemetry message
type TelemetryKind int

const (
	TelemetryWeight TelemetryKind = iota + 1
	TelemetryStatus
	TelemetryTemperature
	TelemetryVersion
)

func (k TelemetryKind) String() string {
	switch k {
	case TelemetryWeight:
		return "weight"
	case TelemetryStatus:
		return "status"
	case TelemetryTemperature:
		return "temperature"
	case TelemetryVersion:
		return "version"
	default:
		return fmt.Sprintf("telemetry(%d)", int(k))
	}
}

// DefaultTelemetryIDs maps the fixed telemetry IDs to their kinds
func DefaultTelemetryIDs() map[uint32]TelemetryKind {
	return map[uint32]TelemetryKind{
		IDTelemetryWeight:      TelemetryWeight,
		IDTelemetryStatus:      TelemetryStatus,
		IDTelemetryTemperature: TelemetryTemperature,
		IDTelemetryVersion:     TelemetryVersion,
	}
}

// IsBootloaderID reports whether id lies in the bootloader block
func IsBootloaderID(id uint32) bool {
	return id >= BootIDFirst && id <= BootIDLast
}
