// Package bridge exposes a channel-scoped sidechannel to WebSocket clients.
// Each client gets a Session with its own authentication state, channel
// subscriptions and content filter; the router fans every sidechannel event
// out to the sessions that accept it.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/zitters/agent-market/internal/audit"
	"github.com/zitters/agent-market/internal/filter"
	bridgeotel "github.com/zitters/agent-market/internal/otel"
	"github.com/zitters/agent-market/internal/shared"
	"github.com/zitters/agent-market/internal/telemetry"
)

// Bridge is the WebSocket front of a sidechannel.
type Bridge struct {
	cfg            Config
	defaultFilter  filter.Filter
	filterChannels map[string]struct{} // nil: filter every channel

	log     *slog.Logger
	metrics *bridgeotel.Metrics
	tracer  trace.Tracer
	now     func() time.Time

	scMu sync.RWMutex
	sc   Sidechannel

	sessionsMu sync.RWMutex
	sessions   map[*Session]struct{}

	routeMu sync.Mutex

	lifeMu    sync.Mutex
	started   bool
	server    *http.Server
	listener  net.Listener
	stopAfter func() bool
}

// Option configures a Bridge.
type Option func(*Bridge)

// WithLogger sets the logger. slog.Default is used otherwise.
func WithLogger(l *slog.Logger) Option {
	return func(b *Bridge) { b.log = l }
}

// WithMetrics sets the metric instruments.
func WithMetrics(m *bridgeotel.Metrics) Option {
	return func(b *Bridge) { b.metrics = m }
}

// WithTracer sets the tracer used for command and routing spans.
func WithTracer(t trace.Tracer) Option {
	return func(b *Bridge) { b.tracer = t }
}

// WithSidechannel attaches sc at construction time.
func WithSidechannel(sc Sidechannel) Option {
	return func(b *Bridge) { b.sc = sc }
}

func withClock(now func() time.Time) Option {
	return func(b *Bridge) { b.now = now }
}

// New builds a bridge from cfg. The configuration is copied and not read
// again after New returns.
func New(cfg Config, opts ...Option) *Bridge {
	cfg = cfg.withDefaults()
	b := &Bridge{
		cfg:           cfg,
		defaultFilter: filter.Parse(cfg.Filter),
		sessions:      map[*Session]struct{}{},
		now:           time.Now,
	}
	if cfg.FilterChannels != nil {
		b.filterChannels = make(map[string]struct{}, len(cfg.FilterChannels))
		for _, ch := range cfg.FilterChannels {
			b.filterChannels[ch] = struct{}{}
		}
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.metrics == nil {
		b.metrics = bridgeotel.NoopMetrics()
	}
	if b.tracer == nil {
		b.tracer = nooptrace.NewTracerProvider().Tracer(bridgeotel.TracerName)
	}
	return b
}

func (b *Bridge) logger() *slog.Logger {
	if b.log != nil {
		return b.log
	}
	return slog.Default()
}

// AttachSidechannel sets the transport used by send, join and open. Until a
// sidechannel is attached those commands fail with "Sidechannel not ready.".
func (b *Bridge) AttachSidechannel(sc Sidechannel) {
	b.scMu.Lock()
	defer b.scMu.Unlock()
	b.sc = sc
}

// Sidechannel returns the attached transport, or nil.
func (b *Bridge) Sidechannel() Sidechannel {
	b.scMu.RLock()
	defer b.scMu.RUnlock()
	return b.sc
}

// Start binds the listener and begins serving in the background. Calling
// Start on a running bridge does nothing. Cancelling ctx stops the bridge.
func (b *Bridge) Start(ctx context.Context) error {
	b.lifeMu.Lock()
	defer b.lifeMu.Unlock()
	if b.started {
		return nil
	}

	addr := net.JoinHostPort(b.cfg.Host, strconv.Itoa(b.cfg.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("bridge: listen on %s: %w", addr, err)
	}

	srv := &http.Server{
		Handler:           b.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	b.server = srv
	b.listener = ln
	b.started = true
	b.stopAfter = context.AfterFunc(ctx, b.Stop)

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			b.logger().Error("bridge: serve failed", "error", err)
		}
	}()

	b.logger().Info("bridge started",
		"listen_addr", ln.Addr().String(),
		"requires_auth", b.cfg.Token != "",
		"filter", b.cfg.Filter,
	)
	return nil
}

// Addr returns the bound listener address, or nil when not started.
func (b *Bridge) Addr() net.Addr {
	b.lifeMu.Lock()
	defer b.lifeMu.Unlock()
	if b.listener == nil {
		return nil
	}
	return b.listener.Addr()
}

// Stop closes the listener and every session. It is safe to call on a bridge
// that was never started or has already stopped.
func (b *Bridge) Stop() {
	b.lifeMu.Lock()
	if !b.started {
		b.lifeMu.Unlock()
		return
	}
	srv := b.server
	if b.stopAfter != nil {
		b.stopAfter()
	}
	b.server = nil
	b.listener = nil
	b.stopAfter = nil
	b.started = false
	b.lifeMu.Unlock()

	if err := srv.Close(); err != nil {
		b.logger().Warn("bridge: close listener", "error", err)
	}

	b.sessionsMu.Lock()
	sessions := make([]*Session, 0, len(b.sessions))
	for s := range b.sessions {
		sessions = append(sessions, s)
	}
	clear(b.sessions)
	b.sessionsMu.Unlock()

	for _, s := range sessions {
		s.close("bridge stopped")
	}
	if n := len(sessions); n > 0 {
		b.metrics.SessionsActive.Add(context.Background(), -int64(n))
	}
	b.logger().Info("bridge stopped", "sessions_closed", len(sessions))
}

// Started reports whether the bridge is serving.
func (b *Bridge) Started() bool {
	b.lifeMu.Lock()
	defer b.lifeMu.Unlock()
	return b.started
}

// SessionCount returns the number of registered sessions.
func (b *Bridge) SessionCount() int {
	b.sessionsMu.RLock()
	defer b.sessionsMu.RUnlock()
	return len(b.sessions)
}

// Handler serves the WebSocket endpoint on "/" and "/ws", plus "/healthz".
func (b *Bridge) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", b.handleHealthz)
	mux.HandleFunc("/ws", b.handleWS)
	mux.HandleFunc("/", b.handleWS)
	return mux
}

func (b *Bridge) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	payload := map[string]any{
		"healthy":            true,
		"started":            b.Started(),
		"sessions":           b.SessionCount(),
		"sidechannel":        b.Sidechannel() != nil,
		"config_fingerprint": b.cfg.Fingerprint,
		"auth_denies":        audit.DenyCount(),
		"peers":              nil,
	}
	if pc, ok := b.Sidechannel().(PeerCounter); ok {
		payload["peers"] = pc.Peers()
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(payload)
}

func (b *Bridge) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// Same-origin and Origin-less requests are always allowed.
		OriginPatterns: b.cfg.AllowOrigins,
	})
	if err != nil {
		b.logger().Warn("bridge: websocket accept failed", "remote_addr", r.RemoteAddr, "error", err)
		return
	}
	conn.SetReadLimit(b.cfg.MaxFrameBytes)

	s := newSession(uuid.NewString(), wsConn{conn: conn}, b.cfg.Token != "", b.defaultFilter, b.cfg.SendQueue)
	s.RemoteAddr = r.RemoteAddr
	if b.cfg.RateLimit.Enabled {
		s.limiter = NewTokenBucket(b.cfg.RateLimit.CommandsPerMinute, b.cfg.RateLimit.Burst)
	}
	ctx, cancel := context.WithCancel(shared.WithSessionID(context.Background(), s.ID))
	defer cancel()
	logger := telemetry.FromContext(ctx, b.logger()).With("remote_addr", s.RemoteAddr)

	b.sendHello(s)
	go s.writeLoop(b.cfg.WriteTimeout, func(err error) {
		b.metrics.WriteErrors.Add(ctx, 1)
		if b.cfg.Debug {
			logger.Debug("bridge: write failed", "error", err)
		}
	})
	if !b.addSession(s) {
		s.close("bridge stopped")
		return
	}
	logger.Info("bridge: client connected")
	defer func() {
		b.removeSession(s)
		s.close("bye")
		logger.Info("bridge: client disconnected")
	}()

	go func() {
		select {
		case <-s.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if status := websocket.CloseStatus(err); status == -1 && ctx.Err() == nil {
				logger.Debug("bridge: read error, closing", "error", err)
			}
			return
		}
		b.handleFrame(ctx, s, data)
	}
}

// sendHello queues the greeting. It is the first frame every client sees.
func (b *Bridge) sendHello(s *Session) {
	id := b.cfg.Peer
	entry := ""
	if sc := b.Sidechannel(); sc != nil {
		entry = sc.EntryChannel()
		if idf, ok := sc.(Identified); ok && id == (Identity{}) {
			id = idf.Identity()
		}
	}
	b.sendFrame(s, helloFrame{
		Type:         "hello",
		Peer:         nullString(id.PublicKey),
		Address:      nullString(id.Address),
		EntryChannel: nullString(entry),
		Filter:       b.defaultFilter.Raw(),
		RequiresAuth: b.cfg.Token != "",
	})
}

// addSession registers s. It fails once the bridge has stopped.
func (b *Bridge) addSession(s *Session) bool {
	b.lifeMu.Lock()
	defer b.lifeMu.Unlock()
	if !b.started {
		return false
	}
	b.sessionsMu.Lock()
	b.sessions[s] = struct{}{}
	b.sessionsMu.Unlock()
	b.metrics.SessionsActive.Add(context.Background(), 1)
	return true
}

func (b *Bridge) removeSession(s *Session) {
	b.sessionsMu.Lock()
	_, ok := b.sessions[s]
	delete(b.sessions, s)
	b.sessionsMu.Unlock()
	if ok {
		b.metrics.SessionsActive.Add(context.Background(), -1)
	}
}

// snapshot copies the registry so fan-out never iterates the live map.
func (b *Bridge) snapshot() []*Session {
	b.sessionsMu.RLock()
	defer b.sessionsMu.RUnlock()
	out := make([]*Session, 0, len(b.sessions))
	for s := range b.sessions {
		out = append(out, s)
	}
	return out
}
