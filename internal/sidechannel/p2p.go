package sidechannel

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	"github.com/multiformats/go-multiaddr"

	"github.com/zitters/agent-market/internal/bridge"
	"github.com/zitters/agent-market/internal/shared"
)

const (
	// TopicPrefix namespaces sidechannel channels on the gossipsub network.
	TopicPrefix = "/scbridge/sc/"
	// DefaultMDNSService is the mDNS service tag peers discover each other by.
	DefaultMDNSService = "scbridge-sidechannel"
	// DefaultTTL is the relay budget stamped on outgoing envelopes.
	DefaultTTL = 3
)

// P2PConfig configures NewP2P.
type P2PConfig struct {
	ListenAddrs    []string
	BootstrapPeers []string
	MDNS           bool
	MDNSService    string
	EntryChannel   string
	Channels       []string
	TTL            int
	Logger         *slog.Logger
}

type joinedTopic struct {
	topic *pubsub.Topic
	sub   *pubsub.Subscription
}

// P2P is a sidechannel on a libp2p gossipsub network. Each channel maps to
// one topic under TopicPrefix.
type P2P struct {
	host   host.Host
	ps     *pubsub.PubSub
	entry  string
	ttl    int
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	topics  map[string]*joinedTopic
	handler bridge.MessageHandler
	mdns    mdns.Service
}

// NewP2P starts a libp2p host, joins gossipsub and the configured channels,
// and connects to bootstrap peers in the background.
func NewP2P(ctx context.Context, cfg P2PConfig) (*P2P, error) {
	if len(cfg.ListenAddrs) == 0 {
		cfg.ListenAddrs = []string{"/ip4/0.0.0.0/tcp/0"}
	}
	if cfg.EntryChannel == "" {
		cfg.EntryChannel = DefaultEntryChannel
	}
	if cfg.MDNSService == "" {
		cfg.MDNSService = DefaultMDNSService
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	h, err := libp2p.New(libp2p.ListenAddrStrings(cfg.ListenAddrs...))
	if err != nil {
		return nil, fmt.Errorf("sidechannel: create libp2p host: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	ps, err := pubsub.NewGossipSub(runCtx, h)
	if err != nil {
		cancel()
		_ = h.Close()
		return nil, fmt.Errorf("sidechannel: create gossipsub: %w", err)
	}

	p := &P2P{
		host:   h,
		ps:     ps,
		entry:  cfg.EntryChannel,
		ttl:    cfg.TTL,
		logger: logger.With("peer_id", h.ID().String()),
		ctx:    runCtx,
		cancel: cancel,
		topics: map[string]*joinedTopic{},
	}

	for _, ch := range append([]string{cfg.EntryChannel}, cfg.Channels...) {
		if ch = strings.TrimSpace(ch); ch == "" {
			continue
		}
		if err := p.AddChannel(ctx, ch); err != nil {
			_ = p.Close()
			return nil, err
		}
	}

	for _, addr := range cfg.BootstrapPeers {
		info, err := peer.AddrInfoFromString(addr)
		if err != nil {
			p.logger.Warn("sidechannel: invalid bootstrap peer", "addr", addr, "error", err)
			continue
		}
		p.wg.Add(1)
		go func(info peer.AddrInfo) {
			defer p.wg.Done()
			if err := p.Connect(runCtx, info); err != nil {
				p.logger.Warn("sidechannel: bootstrap connect failed", "peer", info.ID.String(), "error", err)
				return
			}
			p.logger.Info("sidechannel: connected to bootstrap peer", "peer", info.ID.String())
		}(*info)
	}

	if cfg.MDNS {
		svc := mdns.NewMdnsService(h, cfg.MDNSService, &mdnsNotifee{p: p})
		if err := svc.Start(); err != nil {
			p.logger.Warn("sidechannel: mDNS discovery unavailable", "error", err)
		} else {
			p.mdns = svc
		}
	}

	p.logger.Info("sidechannel: p2p started", "addrs", fmt.Sprint(h.Addrs()), "entry_channel", cfg.EntryChannel)
	return p, nil
}

type mdnsNotifee struct {
	p *P2P
}

func (n *mdnsNotifee) HandlePeerFound(info peer.AddrInfo) {
	if info.ID == n.p.host.ID() {
		return
	}
	ctx, cancel := context.WithTimeout(n.p.ctx, 10*time.Second)
	defer cancel()
	if err := n.p.Connect(ctx, info); err != nil {
		n.p.logger.Debug("sidechannel: mDNS connect failed", "peer", info.ID.String(), "error", err)
		return
	}
	n.p.logger.Info("sidechannel: connected to mDNS peer", "peer", info.ID.String())
}

// Connect dials a peer directly.
func (p *P2P) Connect(ctx context.Context, info peer.AddrInfo) error {
	return p.host.Connect(shared.WithPeerID(ctx, info.ID.String()), info)
}

// SetHandler installs the receiver of inbound messages.
func (p *P2P) SetHandler(h bridge.MessageHandler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handler = h
}

// AddChannel joins and subscribes to channel's topic.
func (p *P2P) AddChannel(ctx context.Context, channel string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := p.join(channel, true)
	if err == nil {
		p.logger.Debug("sidechannel: joined", append(shared.LogAttrs(ctx), "channel", channel)...)
	}
	return err
}

// join returns the topic for channel, subscribing when subscribe is set.
func (p *P2P) join(channel string, subscribe bool) (*joinedTopic, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ctx.Err() != nil {
		return nil, ErrClosed
	}
	jt, ok := p.topics[channel]
	if !ok {
		topic, err := p.ps.Join(TopicPrefix + channel)
		if err != nil {
			return nil, fmt.Errorf("sidechannel: join %s: %w", channel, err)
		}
		jt = &joinedTopic{topic: topic}
		p.topics[channel] = jt
	}
	if subscribe && jt.sub == nil {
		sub, err := jt.topic.Subscribe()
		if err != nil {
			return nil, fmt.Errorf("sidechannel: subscribe %s: %w", channel, err)
		}
		jt.sub = sub
		p.wg.Add(1)
		go p.readLoop(channel, sub)
	}
	return jt, nil
}

func (p *P2P) readLoop(channel string, sub *pubsub.Subscription) {
	defer p.wg.Done()
	self := p.host.ID()
	for {
		msg, err := sub.Next(p.ctx)
		if err != nil {
			if p.ctx.Err() != nil {
				return
			}
			p.logger.Warn("sidechannel: subscription read failed", "channel", channel, "error", err)
			return
		}
		if msg.ReceivedFrom == self {
			continue
		}
		data := msg.Data
		if origin := msg.GetFrom(); origin != msg.ReceivedFrom {
			data = stampRelay(data, msg.ReceivedFrom.String())
		}
		p.mu.Lock()
		h := p.handler
		p.mu.Unlock()
		if h != nil {
			h(channel, data, msg.ReceivedFrom.String())
		}
	}
}

// stampRelay records the forwarding peer on envelopes that lack one.
func stampRelay(data []byte, relay string) []byte {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil || env.RelayedBy != "" || env.Origin == "" {
		return data
	}
	env.RelayedBy = relay
	out, err := json.Marshal(env)
	if err != nil {
		return data
	}
	return out
}

// Broadcast publishes message on channel. Publishing does not require a
// subscription to the channel.
func (p *P2P) Broadcast(ctx context.Context, channel string, message json.RawMessage) error {
	jt, err := p.join(channel, false)
	if err != nil {
		return err
	}
	data, err := newEnvelope(p.host.ID().String(), message, p.ttl, time.Now())
	if err != nil {
		return err
	}
	return jt.topic.Publish(ctx, data)
}

// RequestOpen joins channel and announces it on via, or on the entry
// channel when via is empty.
func (p *P2P) RequestOpen(ctx context.Context, channel, via string) error {
	if err := p.AddChannel(ctx, channel); err != nil {
		return err
	}
	announce, err := openAnnouncement(p.host.ID().String(), channel, via)
	if err != nil {
		return err
	}
	target := via
	if target == "" {
		target = p.entry
	}
	return p.Broadcast(ctx, target, announce)
}

// EntryChannel returns the rendezvous channel.
func (p *P2P) EntryChannel() string { return p.entry }

// Identity reports the host's peer id and its first dialable address.
func (p *P2P) Identity() bridge.Identity {
	id := bridge.Identity{PublicKey: p.host.ID().String()}
	addrs := p.Addrs()
	if len(addrs) > 0 {
		id.Address = addrs[0].String()
	}
	return id
}

// Addrs returns the host's listen addresses with the /p2p component
// appended, suitable as bootstrap peers for other nodes.
func (p *P2P) Addrs() []multiaddr.Multiaddr {
	self, err := multiaddr.NewMultiaddr("/p2p/" + p.host.ID().String())
	if err != nil {
		return nil
	}
	out := make([]multiaddr.Multiaddr, 0, len(p.host.Addrs()))
	for _, a := range p.host.Addrs() {
		out = append(out, a.Encapsulate(self))
	}
	return out
}

// AddrInfo returns the host's id and listen addresses.
func (p *P2P) AddrInfo() peer.AddrInfo {
	return peer.AddrInfo{ID: p.host.ID(), Addrs: p.host.Addrs()}
}

// Peers returns the number of connected peers.
func (p *P2P) Peers() int {
	return len(p.host.Network().Peers())
}

// Close leaves every topic and shuts the host down.
func (p *P2P) Close() error {
	p.mu.Lock()
	if p.ctx.Err() != nil {
		p.mu.Unlock()
		return nil
	}
	p.cancel()
	for _, jt := range p.topics {
		if jt.sub != nil {
			jt.sub.Cancel()
		}
	}
	svc := p.mdns
	p.mu.Unlock()

	if svc != nil {
		_ = svc.Close()
	}
	p.wg.Wait()

	p.mu.Lock()
	for ch, jt := range p.topics {
		_ = jt.topic.Close()
		delete(p.topics, ch)
	}
	p.mu.Unlock()
	return p.host.Close()
}
