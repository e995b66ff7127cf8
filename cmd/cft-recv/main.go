// Command cft-recv listens for QUIC connections and runs one CFT engine per
// accepted connection, accepting whatever ReqReceive/ReqTransmit requests
// the peer opens and serving /healthz and Prometheus metrics for the daemon
// as a whole.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/quantarax/cft/internal/engine"
	"github.com/quantarax/cft/internal/observability"
	"github.com/quantarax/cft/internal/persist"
	"github.com/quantarax/cft/internal/store"
	"github.com/quantarax/cft/internal/transport"
)

const alpn = "cft"

func main() {
	listen := flag.String("listen", ":4433", "QUIC listen address (host:port)")
	storeDir := flag.String("store", "./cft-store", "Content store root directory")
	indexPath := flag.String("index", "", "BoltDB presence index path (default: <store>/.index.bolt)")
	persistPath := flag.String("persist", "", "SQLite session/bitmap persistence path (default: <store>/.sessions.db)")
	healthAddr := flag.String("health-addr", ":8080", "HTTP address for /healthz and /metrics")
	tIdle := flag.Duration("t-idle", 30*time.Second, "Idle timeout before NAK/retry")
	flag.Parse()

	if shutdown, err := observability.InitTracing(context.Background(), "cft-recv"); err == nil {
		defer shutdown(context.Background())
	}

	if *indexPath == "" {
		*indexPath = *storeDir + "/.index.bolt"
	}
	if *persistPath == "" {
		*persistPath = *storeDir + "/.sessions.db"
	}

	log := observability.NewLogger("cft-recv", "dev", nil)
	metrics := observability.NewMetrics()

	st, err := store.Open(*storeDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: opening store: %v\n", err)
		os.Exit(1)
	}
	defer st.Close()
	if err := st.WithIndex(*indexPath); err != nil {
		fmt.Fprintf(os.Stderr, "Error: opening presence index: %v\n", err)
		os.Exit(1)
	}

	ps, err := persist.Open(*persistPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: opening persistence store: %v\n", err)
		os.Exit(1)
	}
	defer ps.Close()

	health := observability.NewHealthChecker("dev")
	health.RegisterCheck("store", observability.StoreCheck(*storeDir, true))
	health.RegisterCheck("persist", observability.PersistenceCheck(*persistPath, func() error { return ps.Ping() }))

	httpSrv := &http.Server{Addr: *healthAddr}
	mux := http.NewServeMux()
	mux.Handle("/healthz", health.Handler())
	mux.Handle("/metrics", metrics.Handler())
	httpSrv.Handler = mux
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Errorf(err, "health/metrics server exited")
		}
	}()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	listener, err := transport.ListenQUIC(*listen, alpn)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: listening on %s: %v\n", *listen, err)
		os.Exit(1)
	}
	defer listener.Close()
	fmt.Fprintf(os.Stderr, "cft-recv listening on %s (health/metrics on %s)\n", listener.Addr(), *healthAddr)

	var wg sync.WaitGroup
	go func() {
		<-ctx.Done()
		_ = httpSrv.Shutdown(context.Background())
		_ = listener.Close()
	}()

	for {
		conn, err := listener.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			log.Errorf(err, "accept failed")
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			serveConn(ctx, conn, st, ps, log, metrics, *tIdle)
		}()
	}
	wg.Wait()
}

// serveConn runs one Engine for the lifetime of one accepted connection,
// pumping inbound messages and ticking timers until the peer disconnects or
// the daemon shuts down.
func serveConn(ctx context.Context, conn *transport.QUICDatagram, st *store.Store, ps *persist.Store, log *observability.Logger, metrics *observability.Metrics, tIdle time.Duration) {
	defer conn.Close()

	opts := engine.DefaultOptions()
	opts.TIdle = tIdle
	eng := engine.New(st, transport.NewMessageSender(conn), opts).
		WithPersistence(ps).
		WithObservability(log, metrics)

	// As in cft-send, only this goroutine ever calls into eng: the receive
	// side just relays bytes, keeping the engine single-threaded per §5.
	dataCh := make(chan []byte, 64)
	go transport.RecvLoop(ctx, conn, dataCh)

	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-dataCh:
			if !ok {
				return
			}
			if err := eng.Inbound(data); err != nil {
				log.Errorf(err, "inbound message error")
			}
		case now := <-ticker.C:
			if err := eng.Tick(now); err != nil {
				log.Errorf(err, "tick error")
			}
		}
	}
}
