// Package sidechannel provides the transports the bridge fans out: an
// in-process loopback on the event bus and a libp2p gossipsub network.
package sidechannel

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// DefaultEntryChannel is the rendezvous channel every peer joins.
const DefaultEntryChannel = "0000intercom"

// Envelope is the wire form of one sidechannel message.
type Envelope struct {
	ID        string          `json:"id"`
	From      string          `json:"from"`
	Origin    string          `json:"origin"`
	RelayedBy string          `json:"relayedBy,omitempty"`
	TTL       int             `json:"ttl,omitempty"`
	TS        int64           `json:"ts"`
	Message   json.RawMessage `json:"message"`
}

// OpenRequest is announced when a peer asks others to open a channel.
type OpenRequest struct {
	Type    string `json:"type"`
	Channel string `json:"channel"`
	Via     string `json:"via,omitempty"`
	From    string `json:"from"`
}

func newEnvelope(peerID string, message json.RawMessage, ttl int, now time.Time) ([]byte, error) {
	if len(message) == 0 {
		message = json.RawMessage("null")
	}
	return json.Marshal(Envelope{
		ID:      uuid.NewString(),
		From:    peerID,
		Origin:  peerID,
		TTL:     ttl,
		TS:      now.UnixMilli(),
		Message: message,
	})
}

func openAnnouncement(peerID, channel, via string) (json.RawMessage, error) {
	return json.Marshal(OpenRequest{Type: "open", Channel: channel, Via: via, From: peerID})
}
