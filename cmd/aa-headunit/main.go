package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"

	"github.com/kstaniek/aa-headunit/internal/events"
	"github.com/kstaniek/aa-headunit/internal/hub"
	"github.com/kstaniek/aa-headunit/internal/metrics"
	"github.com/kstaniek/aa-headunit/internal/payload"
	"github.com/kstaniek/aa-headunit/internal/session"
	"github.com/kstaniek/aa-headunit/internal/tlsio"
)

func main() {
	cfg, showVersion, err := parseFlags(flag.CommandLine, os.Args[1:])
	if showVersion {
		fmt.Printf("aa-headunit %s (commit %s, built %s)\n", version, commit, date)
		return
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	l := setupLogger(cfg.logFormat, cfg.logLevel)
	h := initHub(cfg, l)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var wg sync.WaitGroup
	startMetricsLogger(ctx, cfg.logMetricsEvery, l, &wg)

	tr, err := initTransport(cfg, l)
	if err != nil {
		l.Error("transport_init_error", "error", err)
		return
	}
	engines, err := initEngines(cfg, l)
	if err != nil {
		l.Error("identity_load_error", "error", err)
		return
	}
	codec, err := payload.ByName(cfg.codec)
	if err != nil {
		l.Error("codec_init_error", "error", err)
		return
	}
	sinkOpts, cleanupSinks, err := initSinks(ctx, cfg, h, l)
	if err != nil {
		l.Error("sink_init_error", "error", err)
		return
	}

	opts := append([]session.Option{
		session.WithCodec(codec),
		session.WithEngineFactory(engines),
		session.WithNotifier(h),
		session.WithLogger(l.With("component", "session")),
		session.WithVersionTimeout(cfg.versionTO),
		session.WithHeadUnit(payload.HeadUnitInfo{
			Name:            cfg.huName,
			Make:            cfg.huMake,
			Model:           cfg.huModel,
			SoftwareVersion: version,
		}),
	}, sinkOpts...)
	orch := session.New(tr, opts...)
	if err := orch.Start(ctx); err != nil {
		l.Error("session_start_error", "error", err)
		cleanupSinks()
		return
	}

	// Ready while the process runs; a phone need not be attached for the
	// head unit to be healthy.
	metrics.SetReadinessFunc(func() bool { return ctx.Err() == nil })

	var feed *events.Feed
	if cfg.httpAddr != "" {
		metrics.InitBuildInfo(version, commit, date)
		feed = events.NewFeed(h,
			events.WithMaxClients(cfg.maxSubscribers),
			events.WithLogger(l.With("component", "events")),
			events.WithSnapshot(func() hub.Event { return statusEvent(orch.Status()) }),
		)
		srvHTTP := metrics.StartHTTP(cfg.httpAddr, map[string]http.Handler{
			"/events": feed,
			"/status": events.StatusHandler(func() any { return orch.Status() }),
		})
		defer func() { _ = srvHTTP.Shutdown(context.Background()) }()

		if port := portOf(cfg.httpAddr); port > 0 {
			cleanupMDNS, err := startMDNS(ctx, cfg, port)
			if err != nil {
				l.Warn("mdns_start_failed", "error", err)
			} else {
				if cfg.mdnsEnable {
					l.Info("mdns_started", "service", mdnsServiceType, "name", cfg.mdnsName, "port", port)
				}
				defer cleanupMDNS()
			}
		}
	}

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	s := <-sigCh
	l.Info("shutdown_signal", "signal", s.String())
	cancel()
	orch.Stop()
	if feed != nil {
		feed.Close()
	}
	cleanupSinks()
	wg.Wait()
}

// initEngines builds the TLS engine factory from the configured identity,
// generating a self-signed one when no cert/key pair is given.
func initEngines(cfg *appConfig, l *slog.Logger) (session.EngineFactory, error) {
	tc := tlsio.Config{Logger: l.With("component", "tls")}
	if cfg.certFile == "" {
		return session.SelfSignedEngines(tc), nil
	}
	id, err := tlsio.LoadIdentity(cfg.certFile, cfg.keyFile)
	if err != nil {
		return nil, err
	}
	l.Info("tls_identity", "cert", cfg.certFile, "fingerprint", tlsio.Fingerprint(id))
	tc.Identity = id
	return session.Engines(tc), nil
}

func statusEvent(st session.Status) hub.Event {
	return hub.Event{Kind: hub.KindState, State: st.StateName, Transport: st.Transport, Session: st.Session}
}

// portOf extracts the port from host:port or :port.
func portOf(addr string) int {
	_, p, err := net.SplitHostPort(addr)
	if err != nil {
		return 0
	}
	n, err := strconv.Atoi(p)
	if err != nil {
		return 0
	}
	return n
}
