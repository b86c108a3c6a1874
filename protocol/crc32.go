package protocol

import "hash/crc32"

// CRC32 parameters used by the bootloader image check.
//
// The polynomial is the normal-form CRC-32 value but it is applied in the
// reflected (shift right) loop, so results differ from the IEEE CRC-32:
//
//	crc ^= b
//	repeat 8: if crc&1 { crc = crc>>1 ^ poly } else { crc >>= 1 }
const (
	CRC32Polynomial   = 0x04C11DB7
	CRC32InitialValue = 0xFFFFFFFF
	CRC32FinalXOR     = 0xFFFFFFFF
)

// crc32Table is built with the same shift-right loop as above. hash/crc32
// applies the initial value and final XOR of 0xFFFFFFFF around table updates,
// which is exactly the bootloader's framing of the register.
var crc32Table = crc32.MakeTable(CRC32Polynomial)

// CRC32 returns the finalized bootloader CRC of data.
func CRC32(data []byte) uint32 {
	return crc32.Update(0, crc32Table, data)
}

// Checksum is a running bootloader CRC over transmitted image bytes.
// The zero value is ready to use.
type Checksum struct {
	sum uint32 // finalized form, as kept by hash/crc32
}

// Update feeds data bytes into the running CRC.
func (c *Checksum) Update(data []byte) {
	c.sum = crc32.Update(c.sum, crc32Table, data)
}

// Running returns the raw register value (before the final XOR).
func (c *Checksum) Running() uint32 {
	return c.sum ^ CRC32FinalXOR
}

// Final returns the value transmitted in the End command.
func (c *Checksum) Final() uint32 {
	return c.sum
}

// Reset restores the register to CRC32InitialValue.
func (c *Checksum) Reset() {
	c.sum = 0
}
