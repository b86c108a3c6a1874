// Package bootloader drives firmware updates over the CAN bootloader protocol.
//
// An update runs Enter, Ping, Begin, Transfer, End and Reset against a device
// reached through a protocol.Transport. Responses arrive asynchronously from the
// protocol.Router and are handed to the waiting step through single-slot
// completion cells, each raced against its own timeout.
//
// Basic usage:
//
//	router := protocol.NewRouter()
//	transport := protocol.NewTransport(port, protocol.WithMessageHandler(router.Dispatch))
//	prog := bootloader.New(transport, router, bootloader.WithLogger(log))
//
//	err := prog.UpdateFirmware(ctx, "app.bin", func(p bootloader.Progress) {
//	    fmt.Printf("[%s] %.1f%%\n", p.Phase, p.Percentage)
//	})
//	switch {
//	case errors.Is(err, bootloader.ErrCancelled):
//	    // user abort
//	case err != nil:
//	    // failure with a device or timeout description
//	}
//
// Sequence mismatches reported by the device are recovered automatically by
// rewinding the transfer and recomputing the running CRC; all other device
// error reports abort the update.
package bootloader
