// Package session sequences one phone connection: version negotiation, the
// TLS handshake tunnelled through control messages, service discovery and
// per-channel dispatch. A single actor goroutine owns all protocol state.
package session

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/kstaniek/aa-headunit/internal/aap"
	"github.com/kstaniek/aa-headunit/internal/hub"
	"github.com/kstaniek/aa-headunit/internal/logging"
	"github.com/kstaniek/aa-headunit/internal/metrics"
	"github.com/kstaniek/aa-headunit/internal/payload"
	"github.com/kstaniek/aa-headunit/internal/sink"
	"github.com/kstaniek/aa-headunit/internal/tlsio"
	"github.com/kstaniek/aa-headunit/internal/transport"
)

const (
	DefaultVersionTimeout = 5 * time.Second
	DefaultMaxFrameSize   = 16 * 1024
	defaultEventBuf       = 64
)

// Notifier receives session events for UI subscribers. *hub.Hub implements it.
type Notifier interface {
	Broadcast(hub.Event)
}

// EngineFactory returns a fresh TLS engine for each connection.
type EngineFactory func() (tlsio.HandshakeEngine, error)

// Orchestrator drives a transport through the connection sequence.
type Orchestrator struct {
	tr             transport.Transport
	codec          payload.Codec
	newEngine      EngineFactory
	notifier       Notifier
	router         *aap.Router
	headUnit       payload.HeadUnitInfo
	maxFrame       int
	versionTimeout time.Duration
	eventBuf       int
	logger         *slog.Logger

	// owned by the actor goroutine
	asm            *aap.Assembler
	engine         tlsio.HandshakeEngine
	state          State
	opened         map[aap.Channel]bool
	pendingOpen    []aap.Channel
	services       int
	discovered     bool
	sessionID      string
	handshakeTimer *time.Timer
	lastFailure    error

	status atomic.Pointer[Status]

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

type Option func(*Orchestrator)

func WithCodec(c payload.Codec) Option              { return func(o *Orchestrator) { o.codec = c } }
func WithEngineFactory(f EngineFactory) Option      { return func(o *Orchestrator) { o.newEngine = f } }
func WithNotifier(n Notifier) Option                { return func(o *Orchestrator) { o.notifier = n } }
func WithHeadUnit(info payload.HeadUnitInfo) Option { return func(o *Orchestrator) { o.headUnit = info } }

// WithSink delivers every inbound payload of ch to s.
func WithSink(ch aap.Channel, s sink.Sink) Option {
	return func(o *Orchestrator) { o.router.Register(ch, sink.Handler(s)) }
}

func WithMaxFrameSize(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.maxFrame = n
		}
	}
}

// WithVersionTimeout bounds the wait for the version response and for each
// reply of the TLS exchange.
func WithVersionTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.versionTimeout = d
		}
	}
}

func WithEventBuffer(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.eventBuf = n
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.logger = l
		}
	}
}

// New returns an orchestrator for tr. Nothing runs until Start.
func New(tr transport.Transport, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		tr:             tr,
		codec:          payload.Proto{},
		maxFrame:       DefaultMaxFrameSize,
		versionTimeout: DefaultVersionTimeout,
		eventBuf:       defaultEventBuf,
		logger:         logging.Component("session"),
		asm:            aap.NewAssembler(),
		opened:         make(map[aap.Channel]bool),
	}
	o.router = aap.NewRouter()
	for _, opt := range opts {
		opt(o)
	}
	if o.newEngine == nil {
		o.newEngine = SelfSignedEngines(tlsio.Config{})
	}
	o.publish()
	return o
}

// SelfSignedEngines returns a factory whose engines share one generated
// identity. cfg.Identity is ignored.
func SelfSignedEngines(cfg tlsio.Config) EngineFactory {
	identity := sync.OnceValues(func() (tls.Certificate, error) { return tlsio.LoadIdentity("", "") })
	return func() (tlsio.HandshakeEngine, error) {
		id, err := identity()
		if err != nil {
			return nil, err
		}
		c := cfg
		c.Identity = id
		return tlsio.NewEngine(c), nil
	}
}

// Engines returns a factory that builds engines from cfg as given.
func Engines(cfg tlsio.Config) EngineFactory {
	return func() (tlsio.HandshakeEngine, error) { return tlsio.NewEngine(cfg), nil }
}

// Start launches the transport and the actor. It can be called once.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.started {
		return ErrAlreadyStarted
	}
	o.started = true
	ctx, cancel := context.WithCancel(ctx)
	o.cancel = cancel
	events := make(chan transport.Event, o.eventBuf)
	o.wg.Add(2)
	go func() {
		defer o.wg.Done()
		err := o.tr.Run(ctx, events)
		if err != nil && ctx.Err() == nil {
			o.logger.Error("transport_run_error", "transport", o.tr.Name(), "error", err)
			transport.Emit(ctx, events, transport.Event{Kind: transport.Failed, Transport: o.tr.Name(), Err: err})
		}
	}()
	go func() {
		defer o.wg.Done()
		o.loop(ctx, events)
	}()
	o.logger.Info("session_start", "transport", o.tr.Name(), "codec", o.codec.Name())
	return nil
}

// Stop cancels the session and waits for the actor and the transport loops.
// It is idempotent and safe to call without Start.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	cancel := o.cancel
	o.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	o.wg.Wait()
}

// Status returns the latest published snapshot.
func (o *Orchestrator) Status() Status { return *o.status.Load() }

func (o *Orchestrator) loop(ctx context.Context, events <-chan transport.Event) {
	defer o.teardown()
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-events:
			o.handleEvent(ctx, ev)
		case <-o.timerC():
			o.handshakeTimer = nil
			o.onHandshakeTimeout()
		}
	}
}

func (o *Orchestrator) timerC() <-chan time.Time {
	if o.handshakeTimer == nil {
		return nil
	}
	return o.handshakeTimer.C
}

func (o *Orchestrator) handleEvent(ctx context.Context, ev transport.Event) {
	switch ev.Kind {
	case transport.Connected:
		o.onConnected(ctx)
	case transport.Data:
		for _, m := range o.asm.Feed(ev.Data) {
			o.dispatch(ctx, m)
		}
	case transport.Disconnected:
		o.logger.Info("transport_disconnected", "transport", ev.Transport, "session", o.sessionID)
		o.resetConnection()
		o.setState(StateDisconnected)
	case transport.Failed:
		o.onFailed(ev.Err)
	}
}

func (o *Orchestrator) onConnected(ctx context.Context) {
	o.resetConnection()
	o.lastFailure = nil
	o.sessionID = uuid.NewString()
	o.setState(StateConnecting)
	o.sendControl(ctx, aap.MsgVersionRequest, payload.EncodeVersion(payload.VersionMajor, payload.VersionMinor), false)
	o.armHandshakeTimer()
}

// onHandshakeTimeout reports a silent phone once, during version
// negotiation or the TLS exchange, and hands recovery to the transport.
// Nothing more is sent until it reconnects.
func (o *Orchestrator) onHandshakeTimeout() {
	var stage string
	switch o.state {
	case StateConnecting:
		stage = "version response"
	case StateSSLHandshake:
		stage = "tls handshake"
	default:
		return
	}
	err := fmt.Errorf("%w: no %s within %s", ErrHandshakeTimeout, stage, o.versionTimeout)
	if h, ok := o.tr.(transport.Hinter); ok {
		err = transport.Actionable(err, h.RecoveryHint())
	}
	o.fail(err)
}

func (o *Orchestrator) onFailed(err error) {
	if err == nil || (o.state == StateError && o.lastFailure != nil && errors.Is(err, o.lastFailure)) {
		return
	}
	o.lastFailure = err
	o.logger.Error("transport_failed", "transport", o.tr.Name(), "error", err, "hint", transport.HintOf(err))
	o.resetConnection()
	o.notifyError(err)
	o.setState(StateError)
}

// fail surfaces err, moves to Error and asks the transport to recover.
func (o *Orchestrator) fail(err error) {
	metrics.IncError(mapErrToMetric(err))
	o.logger.Error("session_error", "state", o.state.String(), "error", err, "hint", transport.HintOf(err))
	o.stopHandshakeTimer()
	o.notifyError(err)
	o.setState(StateError)
	o.tr.Recover(err)
}

func (o *Orchestrator) tlsUp() bool { return o.engine != nil && o.engine.Complete() }

func (o *Orchestrator) dispatch(ctx context.Context, m aap.Message) {
	if m.Encrypted && !o.tlsUp() {
		o.violation(m, "encrypted before tls")
		return
	}
	switch {
	case m.Channel == aap.ChannelControl:
		o.handleControl(ctx, m)
	case m.Control && m.ID == aap.MsgChannelOpenResponse:
		o.onChannelOpenResponse(m.Channel, m.Payload)
	case m.Control && m.ID == aap.MsgChannelClose:
		o.onChannelClose(m.Channel)
	default:
		if m.Channel == aap.ChannelVideo && (o.state == StateServiceDiscovery || o.state == StateConnected) {
			o.setState(StateStreaming)
		}
		o.router.Route(m)
	}
}

func (o *Orchestrator) handleControl(ctx context.Context, m aap.Message) {
	switch m.ID {
	case aap.MsgPingRequest:
		o.send(ctx, aap.Message{Channel: aap.ChannelControl, ID: aap.MsgPingResponse, Payload: m.Payload, Encrypted: m.Encrypted})
	case aap.MsgVersionResponse:
		if o.state != StateConnecting {
			o.violation(m, "version response outside version negotiation")
			return
		}
		o.onVersionResponse(ctx, m.Payload)
	case aap.MsgSSLHandshake:
		if o.state != StateSSLHandshake {
			o.violation(m, "handshake data outside tls handshake")
			return
		}
		o.stepTLS(ctx, m.Payload)
	case aap.MsgServiceDiscoveryResponse:
		// video may start streaming before the response arrives
		if o.discovered || (o.state != StateServiceDiscovery && o.state != StateStreaming) {
			o.violation(m, "service discovery response out of order")
			return
		}
		o.onServiceDiscovery(ctx, m.Payload)
	case aap.MsgChannelOpenResponse:
		if len(o.pendingOpen) == 0 {
			o.violation(m, "no channel open pending")
			return
		}
		o.onChannelOpenResponse(o.pendingOpen[0], m.Payload)
	case aap.MsgAudioFocusRequest:
		body, err := o.codec.AudioFocusNotification(m.Payload)
		if err != nil {
			o.decodeFailed(m, err)
			return
		}
		o.sendControl(ctx, aap.MsgAudioFocusNotification, body, o.tlsUp())
	case aap.MsgNavFocusRequest:
		body, err := o.codec.NavFocusNotification(m.Payload)
		if err != nil {
			o.decodeFailed(m, err)
			return
		}
		o.sendControl(ctx, aap.MsgNavFocusNotification, body, o.tlsUp())
	case aap.MsgByeByeRequest:
		o.onByeBye(ctx, m.Payload)
	case aap.MsgPingResponse, aap.MsgByeByeResponse, aap.MsgNavFocusNotification,
		aap.MsgAudioFocusNotification, aap.MsgVoiceSessionNotification, aap.MsgChannelClose:
		o.logger.Debug("control_message", "msg", m.String())
	default:
		o.violation(m, "unexpected control message")
	}
}

func (o *Orchestrator) onVersionResponse(ctx context.Context, body []byte) {
	o.stopHandshakeTimer()
	v, err := payload.ParseVersion(body)
	switch {
	case err != nil:
		metrics.IncError(mapErrToMetric(err))
		o.logger.Warn("version_response_malformed", "error", err, "len", len(body))
	case v.Mismatch():
		o.logger.Warn("version_mismatch", "phone", v.String(), "ours", fmt.Sprintf("%d.%d", payload.VersionMajor, payload.VersionMinor))
	default:
		o.logger.Info("version_response", "phone", v.String())
	}
	o.setState(StateSSLHandshake)
	eng, err := o.newEngine()
	if err != nil {
		o.fail(fmt.Errorf("%w: %w", ErrTLS, err))
		return
	}
	o.engine = eng
	o.stepTLS(ctx, nil)
}

func (o *Orchestrator) stepTLS(ctx context.Context, in []byte) {
	out, done, err := o.engine.Process(in)
	if len(out) > 0 {
		o.sendControl(ctx, aap.MsgSSLHandshake, out, false)
	}
	if err != nil {
		o.fail(fmt.Errorf("%w: %w", ErrTLS, err))
		return
	}
	if !done {
		o.armHandshakeTimer()
		return
	}
	o.stopHandshakeTimer()
	o.asm.SetOpener(o.engine)
	o.logger.Info("tls_established", "session", o.sessionID)
	o.sendControl(ctx, aap.MsgAuthComplete, nil, false)
	o.setState(StateServiceDiscovery)
	o.sendControl(ctx, aap.MsgServiceDiscoveryRequest, o.codec.ServiceDiscoveryRequest(o.headUnit), true)
}

func (o *Orchestrator) onServiceDiscovery(ctx context.Context, body []byte) {
	svcs, err := o.codec.ServiceDiscoveryResponse(body)
	if err != nil {
		metrics.IncError(mapErrToMetric(err))
		o.logger.Warn("service_discovery_malformed", "error", err, "len", len(body))
	}
	o.discovered = true
	o.services = len(svcs.Channels)
	for _, s := range svcs.Channels {
		o.logger.Debug("service", "id", s.ID, "kind", s.Kind)
	}
	o.logger.Info("services_discovered", "count", o.services, "video", svcs.Has(aap.ChannelVideo))
	o.notify(hub.Event{Kind: hub.KindServices, Count: o.services})
	o.openChannel(ctx, aap.ChannelVideo)
	if o.state != StateStreaming {
		o.setState(StateConnected)
	}
}

func (o *Orchestrator) openChannel(ctx context.Context, ch aap.Channel) {
	o.pendingOpen = append(o.pendingOpen, ch)
	o.logger.Debug("channel_open_request", "channel", ch.String())
	o.sendControl(ctx, aap.MsgChannelOpenRequest, o.codec.ChannelOpenRequest(ch, 0), true)
}

func (o *Orchestrator) onChannelOpenResponse(ch aap.Channel, body []byte) {
	if i := slices.Index(o.pendingOpen, ch); i >= 0 {
		o.pendingOpen = slices.Delete(o.pendingOpen, i, i+1)
	}
	st, err := o.codec.ChannelOpenResponse(body)
	if err != nil {
		metrics.IncError(mapErrToMetric(err))
		o.logger.Warn("channel_open_response_malformed", "channel", ch.String(), "error", err)
		return
	}
	if st != payload.StatusOK {
		o.logger.Warn("channel_open_rejected", "channel", ch.String(), "status", int32(st))
		return
	}
	o.opened[ch] = true
	o.logger.Info("channel_opened", "channel", ch.String())
	o.publish()
	o.notify(hub.Event{Kind: hub.KindChannel, Channel: ch.String()})
}

func (o *Orchestrator) onChannelClose(ch aap.Channel) {
	if !o.opened[ch] {
		return
	}
	delete(o.opened, ch)
	o.logger.Info("channel_closed", "channel", ch.String())
	o.publish()
}

// onByeBye acknowledges the phone ending the session. The link itself is
// left to the transport; a fresh Connected starts over.
func (o *Orchestrator) onByeBye(ctx context.Context, body []byte) {
	reason, err := o.codec.ByeByeRequest(body)
	if err != nil {
		metrics.IncError(mapErrToMetric(err))
	}
	o.logger.Info("byebye_request", "reason", reason, "session", o.sessionID)
	o.sendControl(ctx, aap.MsgByeByeResponse, o.codec.ByeByeResponse(), o.tlsUp())
	o.resetConnection()
	o.setState(StateDisconnected)
}

func (o *Orchestrator) violation(m aap.Message, reason string) {
	metrics.IncProtocolViolation()
	o.logger.Warn("protocol_violation", "state", o.state.String(), "msg", m.String(), "reason", reason)
}

func (o *Orchestrator) decodeFailed(m aap.Message, err error) {
	metrics.IncError(mapErrToMetric(err))
	o.logger.Warn("payload_decode_failed", "msg", m.String(), "error", err)
}

func (o *Orchestrator) sendControl(ctx context.Context, id uint16, body []byte, encrypted bool) {
	o.send(ctx, aap.Message{Channel: aap.ChannelControl, ID: id, Payload: body, Encrypted: encrypted})
}

func (o *Orchestrator) send(ctx context.Context, m aap.Message) {
	var b []byte
	if m.Encrypted {
		if !o.tlsUp() {
			metrics.IncError(metrics.ErrSend)
			o.logger.Warn("send_dropped", "msg", m.String(), "reason", "tls not established")
			return
		}
		var err error
		if b, err = aap.EncodeSealed(m, o.engine, o.maxFrame); err != nil {
			metrics.IncError(metrics.ErrTLS)
			o.logger.Warn("send_seal_failed", "msg", m.String(), "error", err)
			return
		}
	} else {
		b = aap.EncodeMessage(m, o.maxFrame)
	}
	if err := o.tr.Write(ctx, b); err != nil {
		err = fmt.Errorf("%w %s: %w", ErrSend, m, err)
		metrics.IncError(mapErrToMetric(err))
		o.logger.Warn("send_failed", "error", err)
		return
	}
	metrics.IncTxMessage(m.Channel.String())
	o.logger.Debug("sent", "msg", m.String())
}

// armHandshakeTimer (re)starts the wait for the phone's next handshake step.
func (o *Orchestrator) armHandshakeTimer() {
	o.stopHandshakeTimer()
	o.handshakeTimer = time.NewTimer(o.versionTimeout)
}

func (o *Orchestrator) stopHandshakeTimer() {
	if o.handshakeTimer != nil {
		o.handshakeTimer.Stop()
		o.handshakeTimer = nil
	}
}

// resetConnection drops everything tied to the current link.
func (o *Orchestrator) resetConnection() {
	o.stopHandshakeTimer()
	if o.engine != nil {
		_ = o.engine.Close()
		o.engine = nil
	}
	o.asm.SetOpener(nil)
	o.asm.Reset()
	clear(o.opened)
	o.pendingOpen = o.pendingOpen[:0]
	o.services = 0
	o.discovered = false
}

func (o *Orchestrator) teardown() {
	o.resetConnection()
	o.setState(StateDisconnected)
	o.sessionID = ""
	o.publish()
	o.logger.Info("session_stop", "transport", o.tr.Name())
}

func (o *Orchestrator) setState(s State) {
	if o.state == s {
		o.publish()
		return
	}
	prev := o.state
	o.state = s
	metrics.SetSessionState(int(s))
	o.logger.Info("session_state", "from", prev.String(), "to", s.String(), "session", o.sessionID)
	o.publish()
	o.notify(hub.Event{Kind: hub.KindState, State: s.String()})
}

func (o *Orchestrator) publish() {
	opened := slices.Sorted(maps.Keys(o.opened))
	names := make([]string, len(opened))
	for i, ch := range opened {
		names[i] = ch.String()
	}
	since := time.Now()
	if prev := o.status.Load(); prev != nil && prev.State == o.state {
		since = prev.Since
	}
	o.status.Store(&Status{
		State:     o.state,
		StateName: o.state.String(),
		Transport: o.tr.Name(),
		Session:   o.sessionID,
		Opened:    opened,
		Channels:  names,
		Services:  o.services,
		Since:     since,
	})
}

func (o *Orchestrator) notifyError(err error) {
	o.notify(hub.Event{Kind: hub.KindError, Error: err.Error(), Hint: transport.HintOf(err)})
}

func (o *Orchestrator) notify(ev hub.Event) {
	if o.notifier == nil {
		return
	}
	ev.Session = o.sessionID
	ev.Transport = o.tr.Name()
	o.notifier.Broadcast(ev)
}
