package main

import (
	"fmt"
	"log/slog"

	"github.com/kstaniek/aa-headunit/internal/tcp"
	"github.com/kstaniek/aa-headunit/internal/transport"
	"github.com/kstaniek/aa-headunit/internal/usb"
)

// initTransport selects the phone transport. It returns an error instead of
// exiting the process to allow graceful handling by the caller.
func initTransport(cfg *appConfig, l *slog.Logger) (transport.Transport, error) {
	switch cfg.transport {
	case "usb":
		uc := usb.DefaultConfig()
		uc.ScanInterval = cfg.usbScanInterval
		if cfg.usbSerial != "" {
			uc.Accessory.Serial = cfg.usbSerial
		}
		l.Info("transport_config", "transport", "usb", "scan_interval", uc.ScanInterval, "vendors", len(uc.Vendors))
		return usb.New(uc, l.With("component", "usb")), nil
	case "tcp":
		tc := tcp.DefaultConfig()
		tc.Addr = cfg.tcpAddr
		tc.ConnectTimeout = cfg.tcpConnectTO
		tc.MaxAttempts = cfg.tcpMaxAttempts
		l.Info("transport_config", "transport", "tcp", "addr", tc.Addr, "max_attempts", tc.MaxAttempts)
		return tcp.New(tc, l.With("component", "tcp")), nil
	default:
		return nil, fmt.Errorf("unknown transport %q (use usb|tcp)", cfg.transport)
	}
}
