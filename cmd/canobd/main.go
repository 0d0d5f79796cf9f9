package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"

	"github.com/embeddedTS/canobd/internal/bus"
	"github.com/embeddedTS/canobd/internal/metrics"
	"github.com/embeddedTS/canobd/internal/session"
)

// Helper implementations live in dedicated files: version.go, config.go,
// logger.go, endpoints.go, mdns.go, metrics_logger.go.

func main() { os.Exit(run(os.Args[1:])) }

func run(args []string) int {
	cfg, showVersion, err := parseFlags(args)
	if showVersion {
		fmt.Printf("canobd %s (commit %s, built %s)\n", version, commit, date)
		return 0
	}
	if err != nil {
		if !errors.Is(err, flag.ErrHelp) {
			fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		}
		return 1
	}
	l := setupLogger(cfg.logFormat, cfg.logLevel)
	l.Info("build_info", "version", version, "commit", commit, "date", date)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var wg sync.WaitGroup
	startMetricsLogger(ctx, cfg.logMetricsEvery, l, &wg)

	query, ecu, mux, err := openEndpoints(cfg, l)
	if err != nil {
		l.Error("endpoint_open_error", "error", err)
		return 1
	}
	eng, err := session.New(cfg.mode(), query, ecu, mux,
		session.WithLogger(l),
		session.WithWaitTimeout(cfg.pollTimeout),
		session.WithSampleFunc(func(rpm byte) { fmt.Printf("RPM at %d of 255\n", rpm) }),
	)
	if err != nil {
		l.Error("session_init_error", "error", err)
		for _, ep := range []bus.Endpoint{query, ecu} {
			if ep != nil {
				_ = ep.Close()
			}
		}
		_ = mux.Close()
		return 1
	}
	defer func() { _ = mux.Close() }()

	metrics.SetReadinessFunc(func() bool { return eng.State() == session.StateRunning })
	if cfg.metricsAddr != "" {
		metrics.InitBuildInfo(version, commit, date)
		srvHTTP := metrics.StartHTTP(cfg.metricsAddr)
		defer func() { _ = srvHTTP.Shutdown(context.Background()) }()
		if cfg.mode() == session.EcuOnly && cfg.mdnsEnable {
			var portNum int
			if _, p, perr := net.SplitHostPort(cfg.metricsAddr); perr == nil {
				portNum, _ = strconv.Atoi(p)
			}
			cleanupMDNS, merr := startMDNS(ctx, cfg, portNum)
			if merr != nil {
				l.Warn("mdns_start_failed", "error", merr)
			} else {
				defer cleanupMDNS()
				l.Info("mdns_started", "service", mdnsServiceType, "name", cfg.mdnsName, "port", portNum)
			}
		}
	}

	// SIGINT/SIGTERM stop the long-lived ECU responder cleanly; the one-shot
	// modes finish on their own.
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case s := <-sigCh:
			l.Info("shutdown_signal", "signal", s.String())
			cancel()
		case <-ctx.Done():
		}
	}()

	err = eng.Run(ctx)
	cancel()
	wg.Wait()
	if err != nil {
		l.Error("session_failed", "state", eng.State().String(), "error", err)
		return 1
	}
	l.Info("session_done", "state", eng.State().String())
	return 0
}
