package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

var (
	ErrInvalidID      = errors.New("CAN ID out of range")
	ErrPayloadTooLong = errors.New("CAN payload longer than 8 bytes")
)

// Frame is a single CAN data frame as carried by the adapter.
type Frame struct {
	ID       uint32
	Extended bool
	Data     []byte
}

// DecodeStatus is the outcome of a TryDecode call
type DecodeStatus int

const (
	// NeedMoreBytes means the buffer holds an incomplete frame
	NeedMoreBytes DecodeStatus = iota
	// Decoded means Frame is valid and Consumed bytes belong to it
	Decoded
	// Invalid means Skip bytes at the front of the buffer must be dropped
	Invalid
)

func (s DecodeStatus) String() string {
	switch s {
	case NeedMoreBytes:
		return "need-more-bytes"
	case Decoded:
		return "decoded"
	case Invalid:
		return "invalid"
	default:
		return fmt.Sprintf("DecodeStatus(%d)", int(s))
	}
}

// InvalidReason tells why bytes were skipped
type InvalidReason int

const (
	ReasonNone InvalidReason = iota
	ReasonNoHeader
	ReasonLeadingGarbage
	ReasonBadFooter
	ReasonBadDLC
)

func (r InvalidReason) String() string {
	switch r {
	case ReasonNoHeader:
		return "no header"
	case ReasonLeadingGarbage:
		return "leading garbage"
	case ReasonBadFooter:
		return "bad footer"
	case ReasonBadDLC:
		return "bad DLC"
	default:
		return "none"
	}
}

// DecodeResult is returned by TryDecode.
type DecodeResult struct {
	Status   DecodeStatus
	Frame    Frame
	Consumed int // valid when Status == Decoded
	Skip     int // valid when Status == Invalid
	Reason   InvalidReason
}

// Encode builds a standard data frame:
//
//	[0xAA][0xC0|DLC][ID_L][ID_H][DATA...][0x55]
//
// The data is not padded. IDs above 0x7FF and payloads above 8 bytes are rejected;
// callers are expected to validate before encoding.
func Encode(id uint32, data []byte) ([]byte, error) {
	if id > MaxStandardID {
		return nil, fmt.Errorf("%w: 0x%X (max 0x%X)", ErrInvalidID, id, MaxStandardID)
	}
	if len(data) > MaxDataLength {
		return nil, fmt.Errorf("%w: got %d", ErrPayloadTooLong, len(data))
	}

	dlc := len(data)
	frame := make([]byte, 0, FrameOverheadStandard+dlc)
	frame = append(frame, FrameHeader, byte(TypeDataFrame|dlc))
	frame = binary.LittleEndian.AppendUint16(frame, uint16(id))
	frame = append(frame, data...)
	frame = append(frame, FrameFooter)

	return frame, nil
}

// EncodeExtended builds an extended (29-bit ID) data frame with a 4-byte ID field.
func EncodeExtended(id uint32, data []byte) ([]byte, error) {
	if id > MaxExtendedID {
		return nil, fmt.Errorf("%w: 0x%X (max 0x%X)", ErrInvalidID, id, MaxExtendedID)
	}
	if len(data) > MaxDataLength {
		return nil, fmt.Errorf("%w: got %d", ErrPayloadTooLong, len(data))
	}

	dlc := len(data)
	frame := make([]byte, 0, FrameOverheadExtended+dlc)
	frame = append(frame, FrameHeader, byte(TypeDataFrame|TypeExtendedFlag|dlc))
	frame = binary.LittleEndian.AppendUint32(frame, id)
	frame = append(frame, data...)
	frame = append(frame, FrameFooter)

	return frame, nil
}

// TryDecode attempts to decode one frame from the front of buf.
//
// When no header byte is present the whole buffer is reported as skippable.
// Garbage before the first header is skipped first so the caller realigns.
// A frame with a wrong footer only skips its header byte, so a valid frame
// starting inside the corrupt one is still found on the next call.
func TryDecode(buf []byte) DecodeResult {
	if len(buf) == 0 {
		return DecodeResult{Status: NeedMoreBytes}
	}

	start := bytes.IndexByte(buf, FrameHeader)
	if start < 0 {
		return DecodeResult{Status: Invalid, Skip: len(buf), Reason: ReasonNoHeader}
	}
	if start > 0 {
		return DecodeResult{Status: Invalid, Skip: start, Reason: ReasonLeadingGarbage}
	}

	if len(buf) < 2 {
		return DecodeResult{Status: NeedMoreBytes}
	}

	typeByte := buf[1]
	extended := typeByte&TypeExtendedFlag != 0
	dlc := int(typeByte & TypeDLCMask)
	if dlc > MaxDataLength {
		return DecodeResult{Status: Invalid, Skip: 1, Reason: ReasonBadDLC}
	}

	overhead := FrameOverheadStandard
	if extended {
		overhead = FrameOverheadExtended
	}
	expectedLen := overhead + dlc
	if len(buf) < expectedLen {
		return DecodeResult{Status: NeedMoreBytes}
	}

	if buf[expectedLen-1] != FrameFooter {
		return DecodeResult{Status: Invalid, Skip: 1, Reason: ReasonBadFooter}
	}

	var id uint32
	dataStart := 4
	if extended {
		id = binary.LittleEndian.Uint32(buf[2:6])
		dataStart = 6
	} else {
		id = uint32(binary.LittleEndian.Uint16(buf[2:4]))
	}

	data := make([]byte, dlc)
	copy(data, buf[dataStart:dataStart+dlc])

	return DecodeResult{
		Status:   Decoded,
		Frame:    Frame{ID: id, Extended: extended, Data: data},
		Consumed: expectedLen,
	}
}
