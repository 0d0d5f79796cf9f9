package main

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/embeddedTS/canobd/internal/metrics"
)

func startMetricsLogger(ctx context.Context, interval time.Duration, l *slog.Logger, wg *sync.WaitGroup) {
	if interval <= 0 {
		return
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				snap := metrics.Snap()
				l.Info("metrics_snapshot",
					"query_tx", snap.QueryTx,
					"response_tx", snap.ResponseTx,
					"query_rx", snap.QueryRx,
					"ecu_rx", snap.EcuRx,
					"samples", snap.Samples,
					"timeouts", snap.Timeouts,
					"truncated", snap.Truncated,
					"errors", snap.Errors,
				)
			case <-ctx.Done():
				return
			}
		}
	}()
}
