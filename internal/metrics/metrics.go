package metrics

import (
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/kstaniek/aa-headunit/internal/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus counters
var (
	RxBytes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "aap_transport_rx_bytes_total",
		Help: "Total bytes read from the active transport.",
	}, []string{"transport"})
	TxBytes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "aap_transport_tx_bytes_total",
		Help: "Total bytes written to the active transport.",
	}, []string{"transport"})
	RxFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "aap_rx_frames_total",
		Help: "Total AAP frames parsed from the inbound stream.",
	})
	RxMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "aap_rx_messages_total",
		Help: "Total reassembled AAP messages by channel.",
	}, []string{"channel"})
	TxMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "aap_tx_messages_total",
		Help: "Total AAP messages sent by channel.",
	}, []string{"channel"})
	MalformedFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "aap_malformed_frames_total",
		Help: "Total bytes skipped or frames rejected while resynchronising the inbound stream.",
	})
	UnroutedMessages = promauto.NewCounter(prometheus.CounterOpts{
		Name: "aap_unrouted_messages_total",
		Help: "Total messages dropped because no handler is registered for their channel.",
	})
	ProtocolViolations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "aap_protocol_violations_total",
		Help: "Total control messages that were unexpected in the current session state.",
	})
	StaleRecoveries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "usb_stale_recoveries_total",
		Help: "Total stale USB device recoveries (bus reset + forced re-detection).",
	})
	Reconnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tcp_connect_attempts_total",
		Help: "Total TCP connect attempts to the head unit server.",
	})
	SessionState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "aap_session_state",
		Help: "Current orchestrator state (0=disconnected .. 5=streaming, 6=error).",
	})
	SinkDrops = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sink_dropped_payloads_total",
		Help: "Total payloads dropped by collaborator sinks due to backpressure.",
	}, []string{"sink"})
	HubDroppedEvents = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hub_dropped_events_total",
		Help: "Total events dropped by hub due to slow subscribers.",
	})
	HubKickedClients = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hub_kicked_clients_total",
		Help: "Total subscribers disconnected due to backpressure kick policy.",
	})
	HubActiveClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hub_active_clients",
		Help: "Current number of event feed subscribers.",
	})
	HubQueueDepthMax = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hub_queue_depth_max",
		Help: "Deepest subscriber queue observed at the last broadcast.",
	})
	BuildInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "build_info",
		Help: "Build metadata (value is always 1).",
	}, []string{"version", "commit", "date"})
	Errors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "errors_total",
		Help: "Error counters by subsystem.",
	}, []string{"where"})
	readinessMu sync.RWMutex
	readinessFn func() bool
)

// Error label constants (stable label values to bound cardinality)
const (
	ErrUSBRead         = "usb_read"
	ErrUSBWrite        = "usb_write"
	ErrUSBControl      = "usb_control"
	ErrUSBStale        = "usb_stale"
	ErrTCPConnect      = "tcp_connect"
	ErrTCPRead         = "tcp_read"
	ErrTCPWrite        = "tcp_write"
	ErrTLS             = "tls"
	ErrHandshake       = "handshake_timeout"
	ErrHandler         = "handler"
	ErrSend            = "send"
	ErrEventsWrite     = "events_write"
	ErrSinkOverflow    = "sink_overflow"
	ErrPayloadDecoding = "payload_decode"
)

// StartHTTP serves Prometheus metrics at /metrics and readiness at /ready.
// Extra handlers (e.g. the event feed) may be mounted on the returned mux
// before the first request arrives.
func StartHTTP(addr string, extra map[string]http.Handler) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if IsReady() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready\n"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready\n"))
	})
	for path, h := range extra {
		mux.Handle(path, h)
	}

	srv := &http.Server{
		Addr:    addr,
		Handler: mux,
	}
	go func() {
		logging.L().Info("metrics_listen", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.L().Error("metrics_http_error", "error", err)
		}
	}()
	return srv
}

// Local mirrored counters for easy logging (avoid Prometheus scraping in-process)
var (
	localRxBytes     uint64
	localTxBytes     uint64
	localRxFrames    uint64
	localRxMessages  uint64
	localTxMessages  uint64
	localMalformed   uint64
	localUnrouted    uint64
	localViolations  uint64
	localStale       uint64
	localReconnects  uint64
	localSinkDrops   uint64
	localHubDrop     uint64
	localHubKick     uint64
	localHubClients  uint64
	localErrors      uint64
	localStateNumber uint64
)

// Snapshot is a cheap copy of local counters.
type Snapshot struct {
	RxBytes         uint64
	TxBytes         uint64
	RxFrames        uint64
	RxMessages      uint64
	TxMessages      uint64
	Malformed       uint64
	Unrouted        uint64
	Violations      uint64
	StaleRecoveries uint64
	Reconnects      uint64
	SinkDrops       uint64
	HubDrops        uint64
	HubKicks        uint64
	HubClients      uint64
	Errors          uint64 // sum across error labels
	State           uint64
}

func Snap() Snapshot {
	return Snapshot{
		RxBytes:         atomic.LoadUint64(&localRxBytes),
		TxBytes:         atomic.LoadUint64(&localTxBytes),
		RxFrames:        atomic.LoadUint64(&localRxFrames),
		RxMessages:      atomic.LoadUint64(&localRxMessages),
		TxMessages:      atomic.LoadUint64(&localTxMessages),
		Malformed:       atomic.LoadUint64(&localMalformed),
		Unrouted:        atomic.LoadUint64(&localUnrouted),
		Violations:      atomic.LoadUint64(&localViolations),
		StaleRecoveries: atomic.LoadUint64(&localStale),
		Reconnects:      atomic.LoadUint64(&localReconnects),
		SinkDrops:       atomic.LoadUint64(&localSinkDrops),
		HubDrops:        atomic.LoadUint64(&localHubDrop),
		HubKicks:        atomic.LoadUint64(&localHubKick),
		HubClients:      atomic.LoadUint64(&localHubClients),
		Errors:          atomic.LoadUint64(&localErrors),
		State:           atomic.LoadUint64(&localStateNumber),
	}
}

// Wrapper helpers to keep call sites simple.
func AddRxBytes(transport string, n int) {
	RxBytes.WithLabelValues(transport).Add(float64(n))
	atomic.AddUint64(&localRxBytes, uint64(n))
}

func AddTxBytes(transport string, n int) {
	TxBytes.WithLabelValues(transport).Add(float64(n))
	atomic.AddUint64(&localTxBytes, uint64(n))
}

func IncRxFrame() {
	RxFrames.Inc()
	atomic.AddUint64(&localRxFrames, 1)
}

// IncRxMessage counts a reassembled inbound message; channel is a bounded label.
func IncRxMessage(channel string) {
	RxMessages.WithLabelValues(channel).Inc()
	atomic.AddUint64(&localRxMessages, 1)
}

func IncTxMessage(channel string) {
	TxMessages.WithLabelValues(channel).Inc()
	atomic.AddUint64(&localTxMessages, 1)
}

func IncMalformed() {
	MalformedFrames.Inc()
	atomic.AddUint64(&localMalformed, 1)
}

func IncUnrouted() {
	UnroutedMessages.Inc()
	atomic.AddUint64(&localUnrouted, 1)
}

func IncProtocolViolation() {
	ProtocolViolations.Inc()
	atomic.AddUint64(&localViolations, 1)
}

func IncStaleRecovery() {
	StaleRecoveries.Inc()
	atomic.AddUint64(&localStale, 1)
}

func IncReconnect() {
	Reconnects.Inc()
	atomic.AddUint64(&localReconnects, 1)
}

func IncSinkDrop(sink string) {
	SinkDrops.WithLabelValues(sink).Inc()
	atomic.AddUint64(&localSinkDrops, 1)
}

func IncHubDrop() {
	HubDroppedEvents.Inc()
	atomic.AddUint64(&localHubDrop, 1)
}

func IncHubKick() {
	HubKickedClients.Inc()
	atomic.AddUint64(&localHubKick, 1)
}

func SetHubClients(n int) {
	HubActiveClients.Set(float64(n))
	atomic.StoreUint64(&localHubClients, uint64(n))
}

// SetHubQueueDepth records the deepest subscriber queue at broadcast time.
func SetHubQueueDepth(n int) { HubQueueDepthMax.Set(float64(n)) }

// SetSessionState records the numeric orchestrator state.
func SetSessionState(n int) {
	SessionState.Set(float64(n))
	atomic.StoreUint64(&localStateNumber, uint64(n))
}

func IncError(label string) {
	Errors.WithLabelValues(label).Inc()
	atomic.AddUint64(&localErrors, 1)
}

// InitBuildInfo sets the build info gauge (should be called once at startup).
func InitBuildInfo(version, commit, date string) {
	BuildInfo.WithLabelValues(version, commit, date).Set(1)
	// Pre-register common error label series so first error does not log a registration latency.
	for _, lbl := range []string{
		ErrUSBRead, ErrUSBWrite, ErrUSBControl, ErrUSBStale,
		ErrTCPConnect, ErrTCPRead, ErrTCPWrite,
		ErrTLS, ErrHandshake, ErrHandler, ErrSend,
		ErrEventsWrite, ErrSinkOverflow, ErrPayloadDecoding,
	} {
		Errors.WithLabelValues(lbl).Add(0)
	}
}

// SetReadinessFunc registers a function used by /ready and IsReady.
func SetReadinessFunc(fn func() bool) { readinessMu.Lock(); readinessFn = fn; readinessMu.Unlock() }

// IsReady invokes the registered readiness function if present.
func IsReady() bool {
	readinessMu.RLock()
	fn := readinessFn
	readinessMu.RUnlock()
	if fn == nil { // if not set yet, treat as ready so metrics endpoint doesn't flap
		return true
	}
	return fn()
}
