package bootloader

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"

	"canflash/protocol"
)

// pending is a completion cell bridging router callbacks to the waiting step.
// It is armed for a fixed number of ordered values; values arriving while the
// cell is unarmed, or beyond the armed count, are discarded.
type pending[T any] struct {
	mu        sync.Mutex
	ch        chan T
	remaining int
}

// arm replaces any previous waiter and returns the channel for the next n values.
func (p *pending[T]) arm(n int) <-chan T {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ch = make(chan T, n)
	p.remaining = n
	return p.ch
}

// complete delivers v to the armed waiter. It reports false when v was discarded.
func (p *pending[T]) complete(v T) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ch == nil || p.remaining == 0 {
		return false
	}
	p.ch <- v
	p.remaining--
	if p.remaining == 0 {
		p.ch = nil
	}
	return true
}

func (p *pending[T]) disarm() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ch = nil
	p.remaining = 0
}

// await races a completion against the deadline, ctx and device faults.
// faults may be nil.
func await[T any](ctx context.Context, ch <-chan T, deadline <-chan time.Time, faults <-chan protocol.DeviceError) (T, error) {
	var zero T
	select {
	case v := <-ch:
		return v, nil
	case fault := <-faults:
		return zero, fault
	case <-deadline:
		return zero, errTimedOut
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// sleep waits for d unless ctx ends first.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func isCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
