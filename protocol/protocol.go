// Package protocol implements the CAN-over-serial link used to talk to the scale
// controller: the adapter wire framing, stream reassembly, the host transport and
// routing of decoded CAN messages to telemetry and bootloader consumers.
package protocol

// Version represents the canflash host version
const Version = "0.3.0"

// Adapter frame constants
const (
	FrameHeader = 0xAA // First byte of every adapter frame
	FrameFooter = 0x55 // Last byte of every adapter frame

	// Type byte layout: bit7..6 frame kind, bit5 extended ID, bit3..0 DLC
	TypeDataFrame    = 0xC0
	TypeExtendedFlag = 0x20
	TypeDLCMask      = 0x0F

	FrameOverheadStandard = 5 // header + type + 2-byte ID + footer
	FrameOverheadExtended = 7 // header + type + 4-byte ID + footer
	FrameMaxSize          = FrameOverheadExtended + MaxDataLength

	MaxDataLength = 8

	MaxStandardID = 0x7FF
	MaxExtendedID = 0x1FFFFFFF
)
