package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"canflash/bootloader"
	"canflash/host/mcu"
	"canflash/host/serial"
	"canflash/protocol"
)

var (
	device       = flag.String("device", "/dev/ttyUSB0", "Serial device path of the USB-CAN adapter")
	baud         = flag.Int("baud", 2000000, "Adapter serial baud rate")
	driver       = flag.String("driver", string(serial.DriverBugst), "Serial driver: bugst or tarm")
	readTimeout  = flag.Duration("read-timeout", 50*time.Millisecond, "Serial read timeout")
	staleTimeout = flag.Duration("stale-timeout", 5*time.Second, "Report the link stale after this much silence")
	writeTimeout = flag.Duration("write-timeout", 100*time.Millisecond, "Per-frame write timeout")
	pingRetries  = flag.Int("ping-retries", 3, "Bootloader ping attempts before giving up")
	verbose      = flag.Bool("verbose", false, "Enable debug logging")

	list    = flag.Bool("list", false, "List serial ports and exit")
	monitor = flag.Bool("monitor", false, "Print CAN traffic until interrupted")
	query   = flag.Bool("query", false, "Query bootloader version and bank state")
	flash   = flag.String("flash", "", "Flash the raw binary image at this path")
)

func main() {
	flag.Parse()

	log, err := newLogger(*verbose)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	if err := run(log); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitCode(err))
	}
}

func newLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	cfg := zap.NewProductionConfig()
	cfg.Encoding = "console"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	return cfg.Build()
}

func run(log *zap.Logger) error {
	if *list {
		return listPorts()
	}
	if !*monitor && !*query && *flash == "" {
		flag.Usage()
		return errors.New("nothing to do: pass -list, -monitor, -query or -flash")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := serial.DefaultConfig(*device)
	cfg.Baud = *baud
	cfg.Driver = serial.Driver(*driver)
	cfg.ReadTimeout = *readTimeout

	transportCfg := protocol.DefaultTransportConfig()
	transportCfg.StaleTimeout = *staleTimeout
	transportCfg.WriteTimeout = *writeTimeout

	conn := mcu.NewMCU(
		mcu.WithLogger(log),
		mcu.WithTransportConfig(transportCfg),
		mcu.WithBootloaderOptions(bootloader.WithPing(0, *pingRetries, -1)),
	)

	fmt.Printf("Connecting to %s...\n", *device)
	if err := conn.ConnectWithConfig(cfg); err != nil {
		return err
	}
	defer conn.Close()

	if *query {
		if err := queryInfo(ctx, conn); err != nil {
			return err
		}
	}
	if *flash != "" {
		if err := flashImage(ctx, conn, *flash); err != nil {
			return err
		}
	}
	if *monitor {
		monitorTraffic(ctx, conn)
	}
	return nil
}

func listPorts() error {
	ports, err := serial.ListPorts()
	if err != nil {
		return err
	}
	if len(ports) == 0 {
		fmt.Println("No serial ports found")
		return nil
	}
	for _, p := range ports {
		fmt.Println(p)
	}
	return nil
}

func queryInfo(ctx context.Context, conn *mcu.MCU) error {
	info, err := conn.QueryInfo(ctx)
	if err != nil {
		return fmt.Errorf("query failed: %w", err)
	}

	if !info.Present {
		fmt.Println("Bootloader: not present")
		return nil
	}
	fmt.Printf("Bootloader: v%s\n", info.Version())
	if info.HasBanks {
		fmt.Printf("Active bank: %c (A valid: %v, B valid: %v)\n", 'A'+rune(info.ActiveBank), info.BankAValid, info.BankBValid)
	}
	return nil
}

func flashImage(ctx context.Context, conn *mcu.MCU, path string) error {
	fmt.Printf("Flashing %s\n", path)

	lastPhase := bootloader.PhaseIdle
	lastTenth := -1
	err := conn.UpdateFirmware(ctx, path, func(p bootloader.Progress) {
		if p.Phase != lastPhase {
			lastPhase = p.Phase
			fmt.Printf("  %s\n", p.Phase)
		}
		if p.Phase == bootloader.PhaseTransferring {
			if tenth := int(p.Percentage) / 10; tenth != lastTenth {
				lastTenth = tenth
				fmt.Printf("  %5.1f%%  %d/%d bytes confirmed, %d sent\n",
					p.Percentage, p.BytesConfirmed, p.TotalBytes, p.BytesSent)
			}
		}
	})
	if err != nil {
		return err
	}

	fmt.Println("Firmware update complete")
	return nil
}

func monitorTraffic(ctx context.Context, conn *mcu.MCU) {
	stream, unsubscribe := conn.Messages(256)
	defer unsubscribe()

	fmt.Println("Monitoring CAN traffic (Ctrl-C to stop)")
	for {
		select {
		case <-ctx.Done():
			stats := conn.Stats()
			fmt.Printf("\nrx %d, tx %d, discarded %d bytes, %d resyncs\n",
				stats.RxMessages, stats.TxMessages, stats.BytesDiscarded, stats.Resyncs)
			return
		case msg, ok := <-stream:
			if !ok {
				return
			}
			fmt.Println(msg)
		}
	}
}

func exitCode(err error) int {
	if errors.Is(err, bootloader.ErrCancelled) {
		return 130
	}
	return 1
}
