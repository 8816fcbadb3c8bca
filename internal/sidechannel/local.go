package sidechannel

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zitters/agent-market/internal/bridge"
	"github.com/zitters/agent-market/internal/bus"
	"github.com/zitters/agent-market/internal/shared"
)

// ErrClosed is returned by operations on a closed sidechannel.
var ErrClosed = errors.New("sidechannel: closed")

// Local is a sidechannel backed by an in-process bus. Several Local peers
// may share one bus; each sees the traffic of the channels it joined,
// including its own broadcasts.
type Local struct {
	bus    *bus.Bus
	peerID string
	entry  string
	logger *slog.Logger
	now    func() time.Time

	mu      sync.Mutex
	joined  map[string]struct{}
	handler bridge.MessageHandler
	sub     *bus.Subscription
	closed  bool
	done    chan struct{}
}

// LocalOptions configures NewLocal. Zero values pick defaults.
type LocalOptions struct {
	PeerID       string
	EntryChannel string
	Channels     []string
	Logger       *slog.Logger
}

// NewLocal creates a loopback sidechannel on b and joins the entry channel
// plus opts.Channels.
func NewLocal(b *bus.Bus, opts LocalOptions) *Local {
	l := &Local{
		bus:    b,
		peerID: opts.PeerID,
		entry:  opts.EntryChannel,
		logger: opts.Logger,
		now:    time.Now,
		joined: map[string]struct{}{},
		done:   make(chan struct{}),
	}
	if l.peerID == "" {
		l.peerID = "local-" + uuid.NewString()[:8]
	}
	if l.entry == "" {
		l.entry = DefaultEntryChannel
	}
	if l.logger == nil {
		l.logger = slog.Default()
	}
	l.joined[l.entry] = struct{}{}
	for _, ch := range opts.Channels {
		if ch = strings.TrimSpace(ch); ch != "" {
			l.joined[ch] = struct{}{}
		}
	}
	l.sub = b.Subscribe("")
	go l.pump()
	return l
}

// SetHandler installs the receiver of inbound messages.
func (l *Local) SetHandler(h bridge.MessageHandler) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handler = h
}

func (l *Local) pump() {
	defer close(l.done)
	for ev := range l.sub.Ch() {
		l.mu.Lock()
		_, ok := l.joined[ev.Channel]
		h := l.handler
		l.mu.Unlock()
		if ok && h != nil {
			h(ev.Channel, ev.Payload, ev.From)
		}
	}
}

// Broadcast wraps message in an envelope and publishes it on channel.
func (l *Local) Broadcast(ctx context.Context, channel string, message json.RawMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if l.isClosed() {
		return ErrClosed
	}
	data, err := newEnvelope(l.peerID, message, 0, l.now())
	if err != nil {
		return err
	}
	l.bus.Publish(bus.Event{Channel: channel, Payload: data, From: l.peerID})
	return nil
}

// AddChannel starts delivering channel's traffic to the handler.
func (l *Local) AddChannel(ctx context.Context, channel string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrClosed
	}
	if _, ok := l.joined[channel]; !ok {
		l.joined[channel] = struct{}{}
		l.logger.Info("sidechannel: joined", append(shared.LogAttrs(ctx), "channel", channel)...)
	}
	return nil
}

// RequestOpen joins channel and announces it on via, or on the entry channel
// when via is empty.
func (l *Local) RequestOpen(ctx context.Context, channel, via string) error {
	if err := l.AddChannel(ctx, channel); err != nil {
		return err
	}
	announce, err := openAnnouncement(l.peerID, channel, via)
	if err != nil {
		return err
	}
	target := via
	if target == "" {
		target = l.entry
	}
	return l.Broadcast(ctx, target, announce)
}

// EntryChannel returns the rendezvous channel.
func (l *Local) EntryChannel() string { return l.entry }

// Identity reports the local peer id.
func (l *Local) Identity() bridge.Identity {
	return bridge.Identity{PublicKey: l.peerID}
}

// Channels lists the joined channels.
func (l *Local) Channels() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, 0, len(l.joined))
	for ch := range l.joined {
		out = append(out, ch)
	}
	return out
}

// Close stops delivery. The shared bus is left open.
func (l *Local) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.mu.Unlock()
	l.bus.Unsubscribe(l.sub)
	<-l.done
	return nil
}

func (l *Local) isClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}
