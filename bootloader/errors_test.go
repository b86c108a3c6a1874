package bootloader

import (
	"context"
	"errors"
	"strings"
	"testing"

	pkgerrors "github.com/pkg/errors"

	"canflash/protocol"
)

func TestUpdateErrorMatchesKind(t *testing.T) {
	err := error(&UpdateError{
		Phase: PhaseEnding,
		Kind:  ErrDeviceRejected,
		Err:   &DeviceRejectedError{Operation: "end", Status: protocol.StatusCRCMismatch},
	})

	if !errors.Is(err, ErrDeviceRejected) {
		t.Error("errors.Is(ErrDeviceRejected) = false")
	}
	if errors.Is(err, ErrProtocolTimeout) {
		t.Error("errors.Is(ErrProtocolTimeout) = true")
	}
	if msg := err.Error(); !strings.Contains(msg, "ending") || !strings.Contains(msg, "image CRC mismatch") {
		t.Errorf("Error() = %q", msg)
	}
}

func TestCancelledErrorMessage(t *testing.T) {
	err := &UpdateError{Phase: PhaseTransferring, Kind: ErrCancelled, Err: context.Canceled}
	if got := err.Error(); got != "firmware update cancelled while transferring" {
		t.Errorf("Error() = %q", got)
	}
	if !errors.Is(err, context.Canceled) {
		t.Error("cause not reachable through Unwrap")
	}
}

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{name: "timeout", err: pkgerrors.Wrap(errTimedOut, "ping"), want: ErrProtocolTimeout},
		{name: "cancel", err: context.Canceled, want: ErrCancelled},
		{name: "deadline", err: context.DeadlineExceeded, want: ErrCancelled},
		{name: "size fault", err: protocol.DeviceError{ID: protocol.IDBootErrSize}, want: ErrSizeExceeded},
		{name: "write fault", err: pkgerrors.Wrap(protocol.DeviceError{ID: protocol.IDBootErrWrite}, "chunk 3"), want: ErrDeviceRejected},
		{name: "mismatch fault", err: protocol.DeviceError{ID: protocol.IDBootSeqMismatch}, want: ErrSequenceMismatch},
		{name: "rejected status", err: &DeviceRejectedError{Operation: "begin", Status: protocol.StatusBusy}, want: ErrDeviceRejected},
		{name: "resumes exhausted", err: pkgerrors.Wrap(ErrSequenceMismatch, "after 16 resumes"), want: ErrSequenceMismatch},
		{name: "io failure", err: errors.New("input/output error"), want: ErrTransport},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := kindOf(tt.err); got != tt.want {
				t.Errorf("kindOf() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestPhaseTerminal(t *testing.T) {
	for _, p := range []Phase{PhaseComplete, PhaseFailed, PhaseCancelled} {
		if !p.Terminal() {
			t.Errorf("%s not terminal", p)
		}
	}
	for _, p := range []Phase{PhaseIdle, PhaseEntering, PhasePinging, PhaseBeginning, PhaseTransferring, PhaseEnding, PhaseResetting} {
		if p.Terminal() {
			t.Errorf("%s terminal", p)
		}
	}
}
