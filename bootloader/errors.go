package bootloader

import (
	"fmt"

	"github.com/pkg/errors"

	"canflash/protocol"
)

// Error kinds. An *UpdateError matches exactly one of them with errors.Is.
var (
	// ErrTransport is an open, read or write failure of the serial link
	ErrTransport = errors.New("transport error")

	// ErrProtocolTimeout means no correlated response arrived in time
	ErrProtocolTimeout = errors.New("protocol timeout")

	// ErrDeviceRejected means the device answered with a failure status or error report
	ErrDeviceRejected = errors.New("device rejected")

	// ErrSequenceMismatch is returned only once resumes are exhausted
	ErrSequenceMismatch = errors.New("sequence mismatch")

	// ErrSizeExceeded means the image does not fit the device's flash bank
	ErrSizeExceeded = errors.New("firmware size exceeded")

	// ErrInvalidImage means the image could not be used (missing, unreadable, empty)
	ErrInvalidImage = errors.New("invalid firmware image")

	// ErrCancelled is a user-requested abort, distinct from failure
	ErrCancelled = errors.New("update cancelled")

	// ErrBusy means another update or query is already running
	ErrBusy = errors.New("bootloader busy")
)

// UpdateError is returned by Update and UpdateFirmware.
type UpdateError struct {
	// Phase is the step that was running when the update stopped
	Phase Phase
	Kind  error
	Err   error
}

func (e *UpdateError) Error() string {
	if e.Kind == ErrCancelled {
		return fmt.Sprintf("firmware update cancelled while %s", e.Phase)
	}
	return fmt.Sprintf("firmware update failed while %s: %v", e.Phase, e.Err)
}

func (e *UpdateError) Unwrap() error {
	return e.Err
}

// Is matches the error kind.
func (e *UpdateError) Is(target error) bool {
	return target == e.Kind
}

// DeviceRejectedError is a non-success status in a Begin or End response.
type DeviceRejectedError struct {
	Operation string
	Status    byte
}

func (e *DeviceRejectedError) Error() string {
	return fmt.Sprintf("%s rejected by device: %s (status 0x%02X)",
		e.Operation, protocol.StatusDescription(e.Status), e.Status)
}

func (e *DeviceRejectedError) Is(target error) bool {
	return target == ErrDeviceRejected
}

var errTimedOut = errors.New("timed out")

// kindOf maps an await or send failure to its error kind.
func kindOf(err error) error {
	var fault protocol.DeviceError
	switch {
	case errors.Is(err, errTimedOut):
		return ErrProtocolTimeout
	case isCancellation(err):
		return ErrCancelled
	case errors.As(err, &fault):
		if fault.ID == protocol.IDBootErrSize {
			return ErrSizeExceeded
		}
		if fault.IsSequenceMismatch() {
			return ErrSequenceMismatch
		}
		return ErrDeviceRejected
	}

	for _, kind := range []error{ErrDeviceRejected, ErrSequenceMismatch, ErrSizeExceeded, ErrInvalidImage, ErrCancelled, ErrBusy} {
		if errors.Is(err, kind) {
			return kind
		}
	}
	return ErrTransport
}
