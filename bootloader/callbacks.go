package bootloader

import "time"

// Phase is a step of the update state machine.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseEntering
	PhasePinging
	PhaseBeginning
	PhaseTransferring
	PhaseEnding
	PhaseResetting
	PhaseComplete
	PhaseFailed
	PhaseCancelled
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseEntering:
		return "entering bootloader"
	case PhasePinging:
		return "pinging"
	case PhaseBeginning:
		return "beginning"
	case PhaseTransferring:
		return "transferring"
	case PhaseEnding:
		return "ending"
	case PhaseResetting:
		return "resetting"
	case PhaseComplete:
		return "complete"
	case PhaseFailed:
		return "failed"
	case PhaseCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transitions leave p.
func (p Phase) Terminal() bool {
	return p == PhaseComplete || p == PhaseFailed || p == PhaseCancelled
}

// Progress contains information about the update progress.
type Progress struct {
	Phase Phase

	// Percentage is the completion percentage (0.0 to 100.0). During the
	// transfer it follows the device's confirmed byte count once the device
	// has reported one, and the local send count before that.
	Percentage float64

	// BytesSent counts image bytes handed to the transport
	BytesSent int

	// BytesConfirmed is the device's own count of image bytes received
	BytesConfirmed int

	TotalBytes int

	// Resumes counts sequence-mismatch rewinds so far
	Resumes int

	ElapsedTime time.Duration
}

// ProgressFunc is called from the updating goroutine; it should return quickly.
type ProgressFunc func(Progress)
