package bootloader

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"canflash/protocol"
)

// session is the state of one update attempt. Everything except the cells,
// the resume slot and the device counters is owned by the updating goroutine.
type session struct {
	p        *Programmer
	cfg      Config
	log      *zap.Logger
	img      *Image
	progress ProgressFunc

	phase   Phase
	started time.Time

	index   int // next chunk to send
	high    int // chunks sent at least once
	seq     uint8
	crc     protocol.Checksum
	sent    int
	resumes int

	ping  pending[struct{}]
	begin pending[byte]
	end   pending[byte]

	// faults carries the first non-mismatch device error report
	faults chan protocol.DeviceError

	// rewind is signalled whenever the resume slot is filled
	rewind    chan struct{}
	resumeMu  sync.Mutex
	resumeSeq uint8
	resumeSet bool

	confirmed atomic.Uint32
	reported  atomic.Bool

	// voidEnds counts End commands abandoned for a rewind whose answer is
	// still due
	voidEnds atomic.Int32
}

func newSession(p *Programmer, img *Image, progress ProgressFunc) *session {
	return &session{
		p:        p,
		cfg:      p.config,
		log:      p.log,
		img:      img,
		progress: progress,
		phase:    PhaseIdle,
		faults:   make(chan protocol.DeviceError, 1),
		rewind:   make(chan struct{}, 1),
	}
}

// handle runs on the transport's read goroutine.
func (s *session) handle(ev protocol.BootloaderEvent) {
	switch e := ev.(type) {
	case protocol.PingResponse:
		s.ping.complete(struct{}{})

	case protocol.BeginResponse:
		if !s.begin.complete(e.Status) {
			s.log.Debug("discarding unexpected begin response", zap.Uint8("status", e.Status))
		}

	case protocol.EndResponse:
		if s.voidEnds.Load() > 0 {
			s.voidEnds.Add(-1)
			s.log.Debug("discarding answer to abandoned end", zap.Uint8("status", e.Status))
			return
		}
		if !s.end.complete(e.Status) {
			s.log.Debug("discarding unexpected end response", zap.Uint8("status", e.Status))
		}

	case protocol.ProgressReport:
		s.confirmed.Store(e.BytesReceived)
		s.reported.Store(true)

	case protocol.DeviceError:
		if e.IsSequenceMismatch() {
			s.resumeMu.Lock()
			s.resumeSeq = e.Expected
			s.resumeSet = true
			s.resumeMu.Unlock()
			select {
			case s.rewind <- struct{}{}:
			default:
			}
			return
		}
		select {
		case s.faults <- e:
		default:
		}
	}
}

func (s *session) takeResume() (uint8, bool) {
	s.resumeMu.Lock()
	defer s.resumeMu.Unlock()
	if !s.resumeSet {
		return 0, false
	}
	s.resumeSet = false
	return s.resumeSeq, true
}

func (s *session) run(ctx context.Context) error {
	s.started = time.Now()

	steps := []struct {
		phase Phase
		fn    func(context.Context) error
	}{
		{PhaseEntering, s.enter},
		{PhasePinging, s.pingDevice},
		{PhaseBeginning, s.beginTransfer},
		{PhaseTransferring, s.transfer},
		{PhaseEnding, s.endTransfer},
		{PhaseResetting, s.reset},
	}

	for _, step := range steps {
		s.setPhase(step.phase)
		if err := step.fn(ctx); err != nil {
			if errors.Is(err, ErrCancelled) {
				s.phase = PhaseCancelled
			} else {
				s.phase = PhaseFailed
			}
			s.report()
			return err
		}
	}

	s.setPhase(PhaseComplete)
	return nil
}

func (s *session) setPhase(phase Phase) {
	s.log.Debug("phase", zap.Stringer("from", s.phase), zap.Stringer("to", phase))
	s.phase = phase
	s.report()
}

func (s *session) report() {
	if s.progress == nil {
		return
	}

	total := s.img.Len()
	p := Progress{
		Phase:       s.phase,
		BytesSent:   s.sent,
		TotalBytes:  total,
		Resumes:     s.resumes,
		ElapsedTime: time.Since(s.started),
	}

	done := s.sent
	if s.reported.Load() {
		p.BytesConfirmed = min(int(s.confirmed.Load()), total)
		done = p.BytesConfirmed
	}

	switch s.phase {
	case PhaseIdle, PhaseEntering, PhasePinging, PhaseBeginning:
		p.Percentage = 0
	case PhaseEnding, PhaseResetting, PhaseComplete:
		p.Percentage = 100
	default:
		p.Percentage = float64(done) / float64(total) * 100
	}

	s.progress(p)
}

// fail builds the error returned for the current phase.
func (s *session) fail(err error) error {
	var ue *UpdateError
	if errors.As(err, &ue) {
		return ue
	}
	return &UpdateError{Phase: s.phase, Kind: kindOf(err), Err: err}
}

// send transmits with bounded retries. A disconnected transport is not retried.
func (s *session) send(ctx context.Context, id uint32, data []byte) error {
	backoff := s.cfg.SendBackoff
	var err error
	for attempt := 0; ; attempt++ {
		if err = s.p.sender.Send(id, data); err == nil {
			return nil
		}
		if errors.Is(err, protocol.ErrNotConnected) {
			return &UpdateError{Phase: s.phase, Kind: ErrTransport, Err: errors.Wrap(err, "device disconnected")}
		}
		if attempt >= s.cfg.SendRetries {
			break
		}

		s.log.Debug("send failed, retrying",
			zap.String("id", idString(id)),
			zap.Int("attempt", attempt+1),
			zap.Duration("backoff", backoff),
			zap.Error(err))
		if err := sleep(ctx, backoff); err != nil {
			return s.fail(err)
		}
		backoff *= 2
	}
	return &UpdateError{
		Phase: s.phase,
		Kind:  ErrTransport,
		Err:   errors.Wrapf(err, "send %s failed after %d attempts", idString(id), s.cfg.SendRetries+1),
	}
}

func (s *session) enter(ctx context.Context) error {
	if err := s.send(ctx, protocol.IDBootEnter, nil); err != nil {
		return err
	}
	if err := sleep(ctx, s.cfg.EnterDelay); err != nil {
		return s.fail(err)
	}
	return nil
}

func (s *session) pingDevice(ctx context.Context) error {
	defer s.ping.disarm()

	for attempt := 1; attempt <= s.cfg.PingRetries; attempt++ {
		ch := s.ping.arm(1)
		if err := s.send(ctx, protocol.IDBootPing, nil); err != nil {
			return err
		}

		timer := time.NewTimer(s.cfg.PingTimeout)
		_, err := await(ctx, ch, timer.C, nil)
		timer.Stop()
		if err == nil {
			s.log.Debug("bootloader answered ping", zap.Int("attempt", attempt))
			return nil
		}
		if !errors.Is(err, errTimedOut) {
			return s.fail(err)
		}

		s.log.Debug("ping timed out", zap.Int("attempt", attempt), zap.Int("attempts", s.cfg.PingRetries))
		if attempt < s.cfg.PingRetries {
			if err := sleep(ctx, s.cfg.PingRetryDelay); err != nil {
				return s.fail(err)
			}
		}
	}

	return s.fail(errors.Wrapf(errTimedOut, "no ping response after %d attempts", s.cfg.PingRetries))
}

func (s *session) beginTransfer(ctx context.Context) error {
	defer s.begin.disarm()

	// Both responses must be captured, so arm before sending.
	ch := s.begin.arm(2)
	payload := binary.LittleEndian.AppendUint32(nil, uint32(s.img.Len()))
	if err := s.send(ctx, protocol.IDBootBegin, payload); err != nil {
		return err
	}

	timer := time.NewTimer(s.cfg.BeginTimeout)
	defer timer.Stop()

	first, err := await(ctx, ch, timer.C, s.faults)
	if err != nil {
		return s.fail(errors.Wrap(err, "waiting for erase to start"))
	}
	if first != protocol.StatusInProgress {
		return s.fail(&DeviceRejectedError{Operation: "begin", Status: first})
	}
	s.log.Debug("erase started")

	second, err := await(ctx, ch, timer.C, s.faults)
	if err != nil {
		return s.fail(errors.Wrap(err, "waiting for erase to complete"))
	}
	if second != protocol.StatusSuccess {
		return s.fail(&DeviceRejectedError{Operation: "erase", Status: second})
	}
	s.log.Debug("erase complete")
	return nil
}

func (s *session) transfer(ctx context.Context) error {
	s.index, s.high, s.seq, s.sent = 0, 0, 0, 0
	s.crc.Reset()
	return s.sendRemaining(ctx)
}

// sendRemaining streams from the current index to the end of the image, then
// keeps the line open for one quiet period so a mismatch reported against the
// final chunks is recovered before End goes out.
func (s *session) sendRemaining(ctx context.Context) error {
	for {
		if err := s.stream(ctx); err != nil {
			return err
		}

		expected, ok, err := s.lateMismatch(ctx)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		if err := s.resume(ctx, expected); err != nil {
			return err
		}
	}
}

func (s *session) stream(ctx context.Context) error {
	chunks := s.img.Chunks()
	for s.index < chunks {
		if err := ctx.Err(); err != nil {
			return s.fail(err)
		}

		chunk := s.img.Chunk(s.index)
		if err := s.send(ctx, protocol.IDBootData, dataFrame(s.seq, chunk)); err != nil {
			return err
		}
		s.crc.Update(chunk)
		s.index++
		s.high = max(s.high, s.index)
		s.seq++
		s.sent = len(s.img.Prefix(s.index))
		s.report()

		if err := sleep(ctx, s.cfg.ChunkDelay); err != nil {
			return s.fail(err)
		}

		select {
		case fault := <-s.faults:
			return s.fail(errors.Wrapf(fault, "transfer aborted at chunk %d", s.index-1))
		default:
		}

		if expected, ok := s.takeResume(); ok {
			if err := s.resume(ctx, expected); err != nil {
				return err
			}
		}
	}
	return nil
}

// lateMismatch waits one quiet period after the last chunk for a mismatch
// report still in flight.
func (s *session) lateMismatch(ctx context.Context) (uint8, bool, error) {
	timer := time.NewTimer(s.cfg.ResumeSettle)
	defer timer.Stop()

	for {
		if expected, ok := s.takeResume(); ok {
			return expected, true, nil
		}
		select {
		case <-s.rewind:
		case fault := <-s.faults:
			return 0, false, s.fail(errors.Wrap(fault, "transfer aborted after last chunk"))
		case <-timer.C:
			expected, ok := s.takeResume()
			return expected, ok, nil
		case <-ctx.Done():
			return 0, false, s.fail(ctx.Err())
		}
	}
}

// resume stops sending until mismatch reports go quiet, then rewinds to the
// sequence the device asked for last. Frames already in flight when the first
// report arrived produce further reports for the same gap; they all land in
// the quiet period and collapse into this one rewind.
func (s *session) resume(ctx context.Context, expected uint8) error {
	s.resumes++
	if s.resumes > s.cfg.MaxResumes {
		return s.fail(errors.Wrapf(ErrSequenceMismatch,
			"device still expects sequence %d after %d resumes", expected, s.cfg.MaxResumes))
	}

	quiet := time.NewTimer(s.cfg.ResumeSettle)
	defer quiet.Stop()
settle:
	for {
		select {
		case <-s.rewind:
			if e, ok := s.takeResume(); ok {
				expected = e
				quiet.Reset(s.cfg.ResumeSettle)
			}
		case fault := <-s.faults:
			return s.fail(errors.Wrapf(fault, "transfer aborted while resuming at chunk %d", s.index))
		case <-quiet.C:
			break settle
		case <-ctx.Done():
			return s.fail(ctx.Err())
		}
	}
	if e, ok := s.takeResume(); ok {
		expected = e
	}

	from := s.index
	s.index = resumeIndex(s.index, s.high, expected)
	s.seq = uint8(s.index)
	s.crc.Reset()
	s.crc.Update(s.img.Prefix(s.index))
	s.sent = len(s.img.Prefix(s.index))

	s.log.Info("resuming transfer",
		zap.Uint8("expected_seq", expected),
		zap.Int("from_chunk", from),
		zap.Int("to_chunk", s.index),
		zap.Int("resume", s.resumes))
	return nil
}

// resumeIndex maps the device's expected sequence byte onto a chunk index.
// next is the index about to be sent and high the number of chunks sent so
// far. The nearest candidate wins; a forward jump is only taken onto chunks
// already sent, which happens when a stale report rewound too far.
func resumeIndex(next, high int, expected uint8) int {
	back := int(uint8(next) - expected)
	if fwd := int(expected - uint8(next)); fwd > 0 && fwd < back && next+fwd <= high {
		return next + fwd
	}
	if back > next {
		return 0
	}
	return next - back
}

func (s *session) endTransfer(ctx context.Context) error {
	defer s.end.disarm()

	timer := time.NewTimer(s.cfg.EndTimeout)
	defer timer.Stop()

	for {
		ch := s.end.arm(1)
		crc := s.crc.Final()
		payload := binary.LittleEndian.AppendUint32(nil, crc)
		s.log.Debug("sending end", zap.String("crc", crcString(crc)))
		if err := s.send(ctx, protocol.IDBootEnd, payload); err != nil {
			return err
		}
		timer.Reset(s.cfg.EndTimeout)

		res, err := s.awaitEnd(ctx, ch, timer.C)
		if err != nil {
			return s.fail(errors.Wrap(err, "waiting for end response"))
		}
		if !res.rewound {
			if res.status != protocol.StatusSuccess {
				return s.fail(&DeviceRejectedError{Operation: "end", Status: res.status})
			}
			return nil
		}

		// The device is missing chunks; its answer to this End is void and
		// may already be waiting in ch.
		if !res.answered {
			s.voidEnds.Add(1)
			s.end.disarm()
			select {
			case <-ch:
				s.voidEnds.Add(-1)
			default:
			}
		}
		s.setPhase(PhaseTransferring)
		if err := s.resume(ctx, res.expected); err != nil {
			return err
		}
		if err := s.sendRemaining(ctx); err != nil {
			return err
		}
		s.setPhase(PhaseEnding)
	}
}

type endResult struct {
	status   byte
	answered bool // status holds the device's answer

	// rewound means a mismatch report preceded the answer
	rewound  bool
	expected uint8
}

// awaitEnd waits for the End response. A mismatch report wins over an answer
// that arrives with it, since the device sent the report first.
func (s *session) awaitEnd(ctx context.Context, ch <-chan byte, deadline <-chan time.Time) (endResult, error) {
	for {
		if expected, ok := s.takeResume(); ok {
			return endResult{rewound: true, expected: expected}, nil
		}
		select {
		case status := <-ch:
			res := endResult{status: status, answered: true}
			res.expected, res.rewound = s.takeResume()
			return res, nil
		case <-s.rewind:
		case fault := <-s.faults:
			return endResult{}, fault
		case <-deadline:
			return endResult{}, errTimedOut
		case <-ctx.Done():
			return endResult{}, ctx.Err()
		}
	}
}

// reset is best effort: the device reboots into the new image and may not
// finish acknowledging the frame.
func (s *session) reset(context.Context) error {
	if err := s.p.sender.Send(protocol.IDBootReset, nil); err != nil {
		s.log.Warn("reset command not sent", zap.Error(err))
	}
	return nil
}

func idString(id uint32) string {
	return fmt.Sprintf("0x%03X", id)
}

func crcString(crc uint32) string {
	return fmt.Sprintf("0x%08X", crc)
}
