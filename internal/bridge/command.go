package bridge

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrInvalidJSON is returned by DecodeCommand for frames that are not JSON.
	ErrInvalidJSON = errors.New("bridge: frame is not valid JSON")
	// ErrInvalidMessage is returned for JSON frames that are not objects.
	ErrInvalidMessage = errors.New("bridge: frame is not a JSON object")
)

// Command is one client request. The concrete types below form a closed set;
// UnknownCommand carries any type the bridge does not recognise.
type Command interface {
	Type() string
}

type AuthCommand struct {
	Token string
}

type PingCommand struct{}

type SetFilterCommand struct {
	Filter string
}

type ClearFilterCommand struct{}

type SubscribeCommand struct {
	Channels []string
}

type UnsubscribeCommand struct {
	Channels []string
}

type SendCommand struct {
	Channel string
	Message json.RawMessage
}

type JoinCommand struct {
	Channel string
}

type OpenCommand struct {
	Channel string
	Via     string
}

type UnknownCommand struct {
	Name string
}

func (AuthCommand) Type() string        { return "auth" }
func (PingCommand) Type() string        { return "ping" }
func (SetFilterCommand) Type() string   { return "set_filter" }
func (ClearFilterCommand) Type() string { return "clear_filter" }
func (SubscribeCommand) Type() string   { return "subscribe" }
func (UnsubscribeCommand) Type() string { return "unsubscribe" }
func (SendCommand) Type() string        { return "send" }
func (JoinCommand) Type() string        { return "join" }
func (OpenCommand) Type() string        { return "open" }
func (c UnknownCommand) Type() string   { return c.Name }

// DecodeCommand parses one inbound frame. Field values are coerced leniently:
// channel names and filters may arrive as numbers or booleans and are turned
// into their text form, while falsy values count as missing.
func DecodeCommand(data []byte) (Command, error) {
	trimmed := bytes.TrimSpace(data)
	if !json.Valid(trimmed) {
		return nil, ErrInvalidJSON
	}
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, ErrInvalidMessage
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &fields); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}

	name, ok := jsonString(fields["type"])
	if !ok {
		return UnknownCommand{Name: describeType(fields["type"])}, nil
	}

	switch name {
	case "auth":
		token, _ := jsonString(fields["token"])
		return AuthCommand{Token: token}, nil
	case "ping":
		return PingCommand{}, nil
	case "set_filter":
		return SetFilterCommand{Filter: looseString(fields["filter"])}, nil
	case "clear_filter":
		return ClearFilterCommand{}, nil
	case "subscribe":
		return SubscribeCommand{Channels: channelList(fields)}, nil
	case "unsubscribe":
		return UnsubscribeCommand{Channels: channelList(fields)}, nil
	case "send":
		return SendCommand{
			Channel: looseString(fields["channel"]),
			Message: fields["message"],
		}, nil
	case "join":
		return JoinCommand{Channel: looseString(fields["channel"])}, nil
	case "open":
		return OpenCommand{
			Channel: looseString(fields["channel"]),
			Via:     looseString(fields["via"]),
		}, nil
	default:
		return UnknownCommand{Name: name}, nil
	}
}

// channelList reads either a "channels" array or a single "channel" field.
func channelList(fields map[string]json.RawMessage) []string {
	var items []json.RawMessage
	if err := json.Unmarshal(fields["channels"], &items); err == nil && items != nil {
		out := make([]string, 0, len(items))
		for _, item := range items {
			out = append(out, elementString(item))
		}
		return out
	}
	if ch := looseString(fields["channel"]); ch != "" {
		return []string{ch}
	}
	return nil
}

func jsonString(raw json.RawMessage) (string, bool) {
	if len(raw) == 0 || raw[0] != '"' {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", false
	}
	return s, true
}

func isFalsy(raw json.RawMessage) bool {
	switch string(raw) {
	case "", "null", "false", `""`, "0":
		return true
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err == nil && f == 0 {
		return true
	}
	return false
}

// looseString renders a JSON value as text, treating falsy values as "".
func looseString(raw json.RawMessage) string {
	if isFalsy(raw) {
		return ""
	}
	return elementString(raw)
}

// elementString renders a JSON value as text: strings unquoted, anything
// else in compact JSON form.
func elementString(raw json.RawMessage) string {
	if s, ok := jsonString(raw); ok {
		return s
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return string(raw)
	}
	return buf.String()
}

func describeType(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "undefined"
	}
	return elementString(raw)
}
