package main

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/kstaniek/aa-headunit/internal/metrics"
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
					"rx_bytes", snap.RxBytes,
					"tx_bytes", snap.TxBytes,
					"rx_messages", snap.RxMessages,
					"tx_messages", snap.TxMessages,
					"malformed", snap.Malformed,
					"violations", snap.Violations,
					"stale_recoveries", snap.StaleRecoveries,
					"sink_drops", snap.SinkDrops,
					"hub_drops", snap.HubDrops,
					"state", snap.State,
					"errors", snap.Errors,
				)
			case <-ctx.Done():
				return
			}
		}
	}()
}
