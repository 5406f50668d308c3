// Command lcfwd runs the column controller firmware: the control loop, the
// framed command link, and the HTTP/WebSocket status API.
package main

import (
	"context"
	"flag"
	"log"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/lcfw/columncontroller/internal/config"
	"github.com/lcfw/columncontroller/internal/controlloop"
	"github.com/lcfw/columncontroller/internal/device"
	"github.com/lcfw/columncontroller/internal/frontend"
	"github.com/lcfw/columncontroller/internal/link"
	"github.com/lcfw/columncontroller/internal/program"
	"github.com/lcfw/columncontroller/internal/pump"
	"github.com/lcfw/columncontroller/internal/store"
	"github.com/lcfw/columncontroller/internal/telemetry"
	"github.com/lcfw/columncontroller/internal/valve"
)

func main() {
	configPath := flag.String("config", "/etc/lcfwd/config.yaml", "Path to config file")
	demo := flag.Bool("demo", false, "Run against an in-memory loopback link instead of a serial port")
	listenAddr := flag.String("listen", "", "Override HTTP listen address (e.g. :8080)")
	flag.Parse()

	log.SetFlags(log.Ldate | log.Ltime | log.Lshortfile)
	log.Println("[main] lcfwd starting")

	cfg := config.LoadConfig(*configPath)
	if *demo {
		cfg.Link.Type = "demo"
	}
	if *listenAddr != "" {
		cfg.Server.ListenAddr = *listenAddr
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reagents, err := store.LoadNameTable(cfg.Store.ReagentsPath, store.DefaultReagents())
	if err != nil {
		log.Printf("[store] %v", err)
	}
	columns, err := store.LoadNameTable(cfg.Store.ColumnsPath, store.DefaultColumns())
	if err != nil {
		log.Printf("[store] %v", err)
	}
	prog, err := store.LoadProgram(cfg.Store.ProgramPath)
	if err != nil {
		log.Printf("[store] %v", err)
	}

	reagentValve := valve.New(toValveConfig(cfg.Reagent), alwaysUnasserted)
	columnValve := valve.New(toValveConfig(cfg.Column), alwaysUnasserted)
	dev := device.New(pump.New(), reagentValve, columnValve)
	exec := program.NewExecutor(dev, prog)

	loop := controlloop.New(dev, exec, reagentValve, columnValve)

	srv := frontend.New(cfg.Server.ListenAddr, cfg.Server.EnableWS, dev, exec, prog,
		reagents, columns, cfg.Store.ProgramPath, cfg.Store.ReagentsPath, cfg.Store.ColumnsPath, loop.NowMs)
	loop.Publisher = srv

	telemetryLogger := telemetry.New(telemetry.Config{
		Enabled:    cfg.Logging.Telemetry,
		Path:       cfg.Logging.Path,
		IntervalMs: cfg.Logging.IntervalMs,
	})
	loop.Recorder = telemetryLogger
	defer telemetryLogger.Close()

	dispatcher := &link.Dispatcher{
		Device:        dev,
		Executor:      exec,
		Program:       prog,
		Reagents:      reagents,
		Columns:       columns,
		StateSnapshot: loop.SnapshotBytes,
		NowMs:         loop.NowMs,
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return loop.Run(ctx)
	})

	g.Go(func() error {
		return srv.Run(ctx)
	})

	g.Go(func() error {
		return runCommLink(ctx, cfg.Link, dispatcher)
	})

	if err := g.Wait(); err != nil {
		log.Printf("[main] exited: %v", err)
	}
}

func alwaysUnasserted() bool { return false }

func toValveConfig(c config.ValveConfig) valve.Config {
	return valve.Config{
		PositionMapping:    c.PositionMapping,
		HomeOffset:         c.HomeOffset,
		StepsPerRevolution: c.StepsPerRevolution,
		Invert:             c.Invert,
	}
}

// runCommLink owns the transport lifetime: it (re)opens the link, runs the
// receive/dispatch/respond loop, and reconnects with exponential backoff on
// I/O failure, the same shape as the teacher's connectWithRetry.
func runCommLink(ctx context.Context, cfg config.LinkConfig, d *link.Dispatcher) error {
	delay := 1 * time.Second
	maxDelay := 60 * time.Second

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		transport, err := openLinkTransport(cfg)
		if err != nil {
			log.Printf("[link] open failed: %v (retry in %v)", err, delay)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(delay):
			}
			delay *= 2
			if delay > maxDelay {
				delay = maxDelay
			}
			continue
		}
		delay = 1 * time.Second

		timeout := time.Duration(cfg.TimeoutMs) * time.Millisecond
		if timeout <= 0 {
			timeout = 10 * time.Millisecond
		}
		receiver := link.NewReceiver(transport, timeout)

		serveCommLink(ctx, transport, receiver, d)

		if closer, ok := transport.(interface{ Close() error }); ok {
			closer.Close()
		}

		select {
		case <-ctx.Done():
			return nil
		default:
		}
	}
}

// serveCommLink runs the receive/dispatch/respond loop until the transport
// errors or ctx is canceled.
func serveCommLink(ctx context.Context, transport link.Transport, receiver *link.Receiver, d *link.Dispatcher) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		payload, ok := receiver.ReceiveFrame()
		if !ok {
			continue
		}
		resp := d.Dispatch(payload)
		frame, err := link.EncodeFrame(resp)
		if err != nil {
			log.Printf("[link] encode response: %v", err)
			continue
		}
		if _, err := transport.Write(frame); err != nil {
			log.Printf("[link] write failed: %v", err)
			return
		}
	}
}

func openLinkTransport(cfg config.LinkConfig) (link.Transport, error) {
	if cfg.Type == "demo" {
		a, _ := link.NewLoopback()
		return a, nil
	}
	return link.OpenSerial(cfg.PortPath, cfg.BaudRate)
}
