package bootloader

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"canflash/protocol"
)

// Sender transmits one CAN message. *protocol.Transport implements it.
type Sender interface {
	Send(id uint32, data []byte) error
}

// EventSource delivers decoded bootloader events. *protocol.Router implements it.
type EventSource interface {
	SubscribeBootloader(fn protocol.BootloaderHandler) func()
}

// Programmer runs firmware updates against one device.
//
// Programmer is safe for concurrent use; only one Update or QueryInfo runs at
// a time and the others fail with ErrBusy.
type Programmer struct {
	sender Sender
	events EventSource
	config Config
	log    *zap.Logger
	busy   atomic.Bool
}

// New creates a Programmer sending through sender and listening on events.
//
// Example:
//
//	router := protocol.NewRouter()
//	transport := protocol.NewTransport(port, protocol.WithMessageHandler(router.Dispatch))
//	prog := bootloader.New(transport, router, bootloader.WithEnterDelay(time.Second))
func New(sender Sender, events EventSource, opts ...Option) *Programmer {
	if sender == nil || events == nil {
		panic("bootloader: sender and events cannot be nil")
	}

	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	return &Programmer{
		sender: sender,
		events: events,
		config: cfg,
		log:    cfg.Logger.Named("bootloader"),
	}
}

// UpdateFirmware loads the binary image at path and flashes it.
// The returned error is nil on success or an *UpdateError.
func (p *Programmer) UpdateFirmware(ctx context.Context, path string, progress ProgressFunc) error {
	img, err := LoadImage(path)
	if err != nil {
		return imageError(err)
	}
	return p.run(ctx, img, progress)
}

// Update flashes an in-memory image.
func (p *Programmer) Update(ctx context.Context, image []byte, progress ProgressFunc) error {
	img, err := NewImage(image)
	if err != nil {
		return imageError(err)
	}
	return p.run(ctx, img, progress)
}

func imageError(err error) error {
	kind := ErrInvalidImage
	if errors.Is(err, ErrSizeExceeded) {
		kind = ErrSizeExceeded
	}
	return &UpdateError{Phase: PhaseIdle, Kind: kind, Err: err}
}

func (p *Programmer) run(ctx context.Context, img *Image, progress ProgressFunc) error {
	if !p.busy.CompareAndSwap(false, true) {
		return &UpdateError{Phase: PhaseIdle, Kind: ErrBusy, Err: ErrBusy}
	}
	defer p.busy.Store(false)

	s := newSession(p, img, progress)
	unsubscribe := p.events.SubscribeBootloader(s.handle)
	defer unsubscribe()

	p.log.Info("starting firmware update",
		zap.String("path", img.Path()),
		zap.Int("bytes", img.Len()),
		zap.Int("chunks", img.Chunks()))

	err := s.run(ctx)
	if err != nil {
		p.log.Warn("firmware update stopped", zap.Stringer("phase", s.phase), zap.Error(err))
		return err
	}

	p.log.Info("firmware update complete",
		zap.Duration("elapsed", time.Since(s.started)),
		zap.Int("resumes", s.resumes))
	return nil
}

// QueryInfo asks the bootloader for its version and flash bank state.
func (p *Programmer) QueryInfo(ctx context.Context) (protocol.QueryResponse, error) {
	if !p.busy.CompareAndSwap(false, true) {
		return protocol.QueryResponse{}, ErrBusy
	}
	defer p.busy.Store(false)

	var cell pending[protocol.QueryResponse]
	ch := cell.arm(1)
	unsubscribe := p.events.SubscribeBootloader(func(ev protocol.BootloaderEvent) {
		if q, ok := ev.(protocol.QueryResponse); ok {
			cell.complete(q)
		}
	})
	defer unsubscribe()

	if err := p.sender.Send(protocol.IDBootQueryInfo, nil); err != nil {
		return protocol.QueryResponse{}, &UpdateError{Phase: PhaseIdle, Kind: ErrTransport, Err: errors.Wrap(err, "send query")}
	}

	timer := time.NewTimer(p.config.QueryTimeout)
	defer timer.Stop()

	q, err := await(ctx, ch, timer.C, nil)
	if err != nil {
		return protocol.QueryResponse{}, errors.Wrap(kindOf(err), "query bootloader info")
	}
	p.log.Debug("bootloader info",
		zap.Bool("present", q.Present),
		zap.String("version", q.Version()),
		zap.Bool("banks", q.HasBanks),
		zap.Uint8("active_bank", q.ActiveBank))
	return q, nil
}
