package protocol

import (
	"sync/atomic"
	"time"
)

// compactThreshold is the consumed-prefix size above which FrameBuffer
// moves unread bytes back to the start of its backing array.
const compactThreshold = 1024

// FrameBuffer is a growing FIFO of received bytes awaiting decode.
// It is owned by a single Reassembler and is not safe for concurrent use.
type FrameBuffer struct {
	buf  []byte
	read int
}

// NewFrameBuffer creates a new FrameBuffer with the given initial capacity
func NewFrameBuffer(capacity int) *FrameBuffer {
	return &FrameBuffer{buf: make([]byte, 0, capacity)}
}

// Write appends data to the buffer
func (f *FrameBuffer) Write(data []byte) int {
	f.compact()
	f.buf = append(f.buf, data...)
	return len(data)
}

// Data returns the unread bytes. The slice is only valid until the next Write or Pop.
func (f *FrameBuffer) Data() []byte {
	return f.buf[f.read:]
}

// Available returns the number of unread bytes
func (f *FrameBuffer) Available() int {
	return len(f.buf) - f.read
}

// Pop removes n bytes from the front
func (f *FrameBuffer) Pop(n int) {
	if n > f.Available() {
		n = f.Available()
	}
	f.read += n
	if f.read == len(f.buf) {
		f.buf = f.buf[:0]
		f.read = 0
	}
}

// IsEmpty returns true if the buffer is empty
func (f *FrameBuffer) IsEmpty() bool {
	return f.Available() == 0
}

// Reset clears the buffer
func (f *FrameBuffer) Reset() {
	f.buf = f.buf[:0]
	f.read = 0
}

func (f *FrameBuffer) compact() {
	if f.read < compactThreshold {
		return
	}
	n := copy(f.buf, f.buf[f.read:])
	f.buf = f.buf[:n]
	f.read = 0
}

// ReassemblerStats is a snapshot of reassembly counters
type ReassemblerStats struct {
	FramesDecoded  uint64
	BytesDiscarded uint64
	Resyncs        uint64
}

// Reassembler turns an arbitrarily chunked byte stream into CAN messages.
// Only the read loop of a Transport should call Feed.
type Reassembler struct {
	buffer *FrameBuffer
	now    func() time.Time

	// counters are atomic so Stats may be read from other goroutines
	framesDecoded  atomic.Uint64
	bytesDiscarded atomic.Uint64
	resyncs        atomic.Uint64
}

// NewReassembler creates an empty Reassembler
func NewReassembler() *Reassembler {
	return &Reassembler{
		buffer: NewFrameBuffer(2 * FrameMaxSize),
		now:    time.Now,
	}
}

// Feed appends chunk and emits every complete frame now in the buffer.
// Malformed input is dropped according to TryDecode and never reported.
// It returns the number of messages emitted.
func (r *Reassembler) Feed(chunk []byte, emit func(CanMessage)) int {
	r.buffer.Write(chunk)

	emitted := 0
	for {
		res := TryDecode(r.buffer.Data())
		switch res.Status {
		case NeedMoreBytes:
			return emitted

		case Decoded:
			r.buffer.Pop(res.Consumed)
			r.framesDecoded.Add(1)
			emitted++
			if emit != nil {
				emit(messageFromFrame(res.Frame, r.now()))
			}

		case Invalid:
			r.buffer.Pop(res.Skip)
			r.bytesDiscarded.Add(uint64(res.Skip))
			if res.Reason == ReasonBadFooter || res.Reason == ReasonBadDLC {
				r.resyncs.Add(1)
			}
		}
	}
}

// Pending returns the number of buffered bytes not yet decoded
func (r *Reassembler) Pending() int {
	return r.buffer.Available()
}

// Stats returns the reassembly counters
func (r *Reassembler) Stats() ReassemblerStats {
	return ReassemblerStats{
		FramesDecoded:  r.framesDecoded.Load(),
		BytesDiscarded: r.bytesDiscarded.Load(),
		Resyncs:        r.resyncs.Load(),
	}
}

// Reset drops any partially received frame
func (r *Reassembler) Reset() {
	r.buffer.Reset()
}
