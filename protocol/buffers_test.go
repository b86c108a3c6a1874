package protocol

import (
	"bytes"
	"testing"
)

func TestFrameBuffer(t *testing.T) {
	buf := NewFrameBuffer(4)

	buf.Write([]byte{1, 2, 3, 4, 5})
	if buf.Available() != 5 {
		t.Errorf("Expected 5 bytes available, got %d", buf.Available())
	}

	buf.Pop(2)
	if buf.Available() != 3 {
		t.Errorf("After popping 2, expected 3 bytes available, got %d", buf.Available())
	}
	if data := buf.Data(); data[0] != 3 {
		t.Errorf("After popping 2, expected first byte to be 3, got %d", data[0])
	}

	buf.Write([]byte{6})
	if !bytes.Equal(buf.Data(), []byte{3, 4, 5, 6}) {
		t.Errorf("Data() = %v, want [3 4 5 6]", buf.Data())
	}

	buf.Pop(100)
	if !buf.IsEmpty() {
		t.Error("Expected buffer to be empty after over-popping")
	}
}

func TestFrameBufferCompacts(t *testing.T) {
	buf := NewFrameBuffer(16)
	chunk := make([]byte, 600)

	for i := 0; i < 10; i++ {
		buf.Write(chunk)
		buf.Pop(599)
	}
	if buf.Available() != 10 {
		t.Fatalf("Available() = %d, want 10", buf.Available())
	}
	if buf.read >= compactThreshold+600 {
		t.Errorf("read offset %d was never compacted", buf.read)
	}
}

func collect(r *Reassembler, chunks ...[]byte) []CanMessage {
	var out []CanMessage
	for _, c := range chunks {
		r.Feed(c, func(m CanMessage) { out = append(out, m) })
	}
	return out
}

func TestReassemblerResync(t *testing.T) {
	frame, _ := Encode(0x517, nil)
	other, _ := Encode(0x519, []byte{50, 0x10, 0x00, 0x00, 0x00})

	garbage := [][]byte{
		{0x00},
		{0x55, 0x55, 0x55},
		{0x13, 0x37, 0xC0, 0x12},
		bytes.Repeat([]byte{0x42}, 300),
	}

	for _, g := range garbage {
		r := NewReassembler()
		stream := append(append([]byte{}, g...), frame...)
		msgs := collect(r, stream)

		if len(msgs) != 1 {
			t.Fatalf("garbage % X: decoded %d messages, want 1", g[:min(len(g), 4)], len(msgs))
		}
		if msgs[0].ID != 0x517 || msgs[0].Direction != Rx {
			t.Errorf("message = %v, want RX 0x517", msgs[0])
		}
		if r.Pending() != 0 {
			t.Errorf("Pending() = %d, want 0", r.Pending())
		}
	}

	// A garbage header byte immediately before a frame
	r := NewReassembler()
	msgs := collect(r, append([]byte{0xAA}, other...))
	if len(msgs) != 1 || msgs[0].ID != 0x519 {
		t.Fatalf("messages = %v, want single 0x519", msgs)
	}
}

func TestReassemblerPartialDelivery(t *testing.T) {
	frame, _ := Encode(0x520, []byte{0x03, 1, 2, 3, 4, 5, 6, 7})

	whole := collect(NewReassembler(), frame)
	if len(whole) != 1 {
		t.Fatalf("whole delivery decoded %d messages, want 1", len(whole))
	}

	var chunks [][]byte
	for i := range frame {
		chunks = append(chunks, frame[i:i+1])
	}
	split := collect(NewReassembler(), chunks...)
	if len(split) != 1 {
		t.Fatalf("byte-by-byte delivery decoded %d messages, want 1", len(split))
	}
	if split[0].ID != whole[0].ID || !bytes.Equal(split[0].Data, whole[0].Data) {
		t.Errorf("split = %v, whole = %v", split[0], whole[0])
	}

	// Uneven splits across two frames
	stream := append(append([]byte{}, frame...), frame...)
	msgs := collect(NewReassembler(), stream[:3], stream[3:14], stream[14:20], stream[20:])
	if len(msgs) != 2 {
		t.Errorf("uneven split decoded %d messages, want 2", len(msgs))
	}
}

func TestReassemblerCorruptFooter(t *testing.T) {
	good, _ := Encode(0x517, nil)
	corrupt, _ := Encode(0x518, []byte{StatusSuccess})
	corrupt[len(corrupt)-1] = 0x00

	r := NewReassembler()
	msgs := collect(r, append(corrupt, good...))

	if len(msgs) != 1 || msgs[0].ID != 0x517 {
		t.Fatalf("messages = %v, want single 0x517", msgs)
	}

	stats := r.Stats()
	if stats.Resyncs != 1 {
		t.Errorf("Resyncs = %d, want 1", stats.Resyncs)
	}
	// Header dropped by the footer check, then the remaining corrupt bytes as garbage
	if stats.BytesDiscarded != uint64(len(corrupt)) {
		t.Errorf("BytesDiscarded = %d, want %d", stats.BytesDiscarded, len(corrupt))
	}
}

func TestReassemblerCorruptFooterDropsOneByte(t *testing.T) {
	corrupt := []byte{0xAA, 0xC1, 0x18, 0x05, 0x00, 0x00}
	r := NewReassembler()
	msgs := collect(r, corrupt)

	if len(msgs) != 0 {
		t.Fatalf("decoded %d messages from a corrupt frame", len(msgs))
	}
	// After dropping the header the rest holds no header and is discarded as garbage,
	// but the header itself was the only byte dropped by the footer check.
	if r.Stats().Resyncs != 1 {
		t.Errorf("Resyncs = %d, want 1", r.Stats().Resyncs)
	}
}
