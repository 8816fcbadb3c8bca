package bridge

import (
	"context"
	"encoding/json"
)

// Sidechannel is the internal channel-scoped pub/sub transport exposed by the
// bridge. Implementations deliver inbound traffic by calling the handler they
// were given, typically Bridge.HandleSidechannelMessage.
type Sidechannel interface {
	// Broadcast publishes message on channel.
	Broadcast(ctx context.Context, channel string, message json.RawMessage) error
	// AddChannel joins channel so its traffic starts flowing in.
	AddChannel(ctx context.Context, channel string) error
	// RequestOpen asks peers to open channel, optionally routed via another
	// channel. An empty via means no hint.
	RequestOpen(ctx context.Context, channel, via string) error
	// EntryChannel names the well-known rendezvous channel, or "".
	EntryChannel() string
}

// Identity is the local peer as announced to clients.
type Identity struct {
	PublicKey string
	Address   string
}

// Identified is implemented by sidechannels that know the local peer.
type Identified interface {
	Identity() Identity
}

// PeerCounter is implemented by sidechannels that track connected peers.
type PeerCounter interface {
	Peers() int
}

// MessageHandler receives one inbound sidechannel message. from is a
// transport-specific hint about the delivering connection and may be empty.
type MessageHandler func(channel string, payload []byte, from string)
