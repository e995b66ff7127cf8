// Command cft-send dials a cft-recv peer over QUIC and drives one channel's
// Sender or Receiver state machine to completion: export pushes a local
// file to the peer, import asks the peer for one of its files.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/quantarax/cft/internal/engine"
	"github.com/quantarax/cft/internal/observability"
	"github.com/quantarax/cft/internal/store"
	"github.com/quantarax/cft/internal/transport"
)

const alpn = "cft"

func main() {
	addr := flag.String("addr", "", "Receiver address (host:port)")
	mode := flag.String("mode", "export", "export (push a local file) or import (pull a remote file)")
	source := flag.String("source", "", "export: local file to send; import: remote path to request")
	target := flag.String("target", "", "export: remote save path; import: local save path")
	channel := flag.Uint64("channel", 1, "Channel id (must be non-zero)")
	storeDir := flag.String("store", "./cft-store", "Content store root directory")
	tIdle := flag.Duration("t-idle", 30*time.Second, "Idle timeout before NAK/retry")
	flag.Parse()

	if shutdown, err := observability.InitTracing(context.Background(), "cft-send"); err == nil {
		defer shutdown(context.Background())
	}

	if *addr == "" || *source == "" || *target == "" {
		fmt.Fprintln(os.Stderr, "Usage: cft-send -addr host:port -mode export|import -source <path> -target <path>")
		flag.PrintDefaults()
		os.Exit(1)
	}

	log := observability.NewLogger("cft-send", "dev", nil)
	metrics := observability.NewMetrics()

	if err := run(*addr, *mode, *source, *target, *channel, *storeDir, *tIdle, log, metrics); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(2)
	}
}

func run(addr, mode, source, target string, channel uint64, storeDir string, tIdle time.Duration, log *observability.Logger, metrics *observability.Metrics) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	st, err := store.Open(storeDir)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	conn, err := transport.DialQUIC(ctx, addr, alpn, true)
	if err != nil {
		return fmt.Errorf("dialing %s: %w", addr, err)
	}
	defer conn.Close()

	opts := engine.DefaultOptions()
	opts.TIdle = tIdle
	eng := engine.New(st, transport.NewMessageSender(conn), opts).WithObservability(log, metrics)

	// One goroutine only relays raw datagrams onto dataCh; every call into
	// eng (Inbound, Tick, StartExport/StartImport) happens from this
	// function's own goroutine below, so the engine's single-threaded
	// contract (spec.md §5) holds even though the transport itself is
	// read concurrently with everything else going on here.
	dataCh := make(chan []byte, 64)
	go transport.RecvLoop(ctx, conn, dataCh)

	switch mode {
	case "export":
		if err := eng.StartExport(channel, source, target, 0, false); err != nil {
			return fmt.Errorf("starting export: %w", err)
		}
	case "import":
		if err := eng.StartImport(channel, source, target); err != nil {
			return fmt.Errorf("starting import: %w", err)
		}
	default:
		return fmt.Errorf("unknown -mode %q: want export or import", mode)
	}

	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			_ = eng.Cancel(channel)
			return ctx.Err()
		case data, ok := <-dataCh:
			if !ok {
				return fmt.Errorf("transport closed before channel %d finished", channel)
			}
			if err := eng.Inbound(data); err != nil {
				log.Errorf(err, "inbound message error")
			}
			if _, ok := eng.Session(channel); !ok {
				fmt.Fprintf(os.Stderr, "channel %d finished\n", channel)
				return nil
			}
		case now := <-ticker.C:
			if err := eng.Tick(now); err != nil {
				return fmt.Errorf("tick: %w", err)
			}
			if _, ok := eng.Session(channel); !ok {
				fmt.Fprintf(os.Stderr, "channel %d finished\n", channel)
				return nil
			}
		}
	}
}
