package protocol

import (
	"fmt"
	"time"
)

// Direction of a CAN message relative to the host
type Direction uint8

const (
	Rx Direction = iota
	Tx
)

func (d Direction) String() string {
	if d == Tx {
		return "TX"
	}
	return "RX"
}

// CanMessage is a decoded (or locally sent) CAN message.
// Messages are treated as immutable once constructed; Data is never shared with
// the reassembly buffer.
type CanMessage struct {
	ID        uint32
	Extended  bool
	Data      []byte
	Direction Direction
	Timestamp time.Time
}

// NewMessage copies data into a new message stamped with the current time.
func NewMessage(id uint32, data []byte, dir Direction) CanMessage {
	payload := make([]byte, len(data))
	copy(payload, data)
	return CanMessage{
		ID:        id,
		Data:      payload,
		Direction: dir,
		Timestamp: time.Now(),
	}
}

func messageFromFrame(f Frame, at time.Time) CanMessage {
	return CanMessage{
		ID:        f.ID,
		Extended:  f.Extended,
		Data:      f.Data,
		Direction: Rx,
		Timestamp: at,
	}
}

func (m CanMessage) String() string {
	return fmt.Sprintf("%s ID: %03X Len: %d Data: % X", m.Direction, m.ID, len(m.Data), m.Data)
}
