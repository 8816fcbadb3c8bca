package bridge

import "encoding/json"

// Wire text of error frames. Clients match on these strings.
const (
	errInvalidJSON    = "Invalid JSON."
	errInvalidMessage = "Invalid message."
	errUnauthorized   = "Unauthorized."
	errNotReady       = "Sidechannel not ready."
	errMissingChannel = "Missing channel."
	errRateLimited    = "Rate limit exceeded."
)

type helloFrame struct {
	Type         string  `json:"type"`
	Peer         *string `json:"peer"`
	Address      *string `json:"address"`
	EntryChannel *string `json:"entryChannel"`
	Filter       string  `json:"filter"`
	RequiresAuth bool    `json:"requiresAuth"`
}

type typeFrame struct {
	Type string `json:"type"`
}

type pongFrame struct {
	Type string `json:"type"`
	TS   int64  `json:"ts"`
}

type filterSetFrame struct {
	Type   string `json:"type"`
	Filter string `json:"filter"`
}

type subscribedFrame struct {
	Type     string   `json:"type"`
	Channels []string `json:"channels"`
}

type channelFrame struct {
	Type    string `json:"type"`
	Channel string `json:"channel"`
}

type openRequestedFrame struct {
	Type    string  `json:"type"`
	Channel string  `json:"channel"`
	Via     *string `json:"via"`
}

type errorFrame struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

// InboundEvent is the normalized envelope delivered to clients as a
// sidechannel_message frame. Absent source fields are encoded as null.
type InboundEvent struct {
	Type      string          `json:"type"`
	Channel   string          `json:"channel"`
	ID        json.RawMessage `json:"id"`
	From      json.RawMessage `json:"from"`
	Origin    json.RawMessage `json:"origin"`
	RelayedBy json.RawMessage `json:"relayedBy"`
	TTL       json.RawMessage `json:"ttl"`
	TS        json.RawMessage `json:"ts"`
	Message   json.RawMessage `json:"message"`
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
