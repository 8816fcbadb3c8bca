// Package tail is a bridge client that follows sidechannel traffic from the
// terminal.
package tail

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// Options control how the client connects and what it asks for.
type Options struct {
	URL      string
	Token    string
	Channels []string
	Filter   string
	// ReplyTimeout bounds each handshake step; defaults to 5s.
	ReplyTimeout time.Duration
}

// Frame is one server frame. Raw holds the frame exactly as received.
type Frame struct {
	Type         string          `json:"type"`
	Channel      string          `json:"channel,omitempty"`
	Error        string          `json:"error,omitempty"`
	Filter       string          `json:"filter,omitempty"`
	Peer         *string         `json:"peer,omitempty"`
	EntryChannel *string         `json:"entryChannel,omitempty"`
	RequiresAuth bool            `json:"requiresAuth,omitempty"`
	Channels     []string        `json:"channels,omitempty"`
	From         json.RawMessage `json:"from,omitempty"`
	TS           json.RawMessage `json:"ts,omitempty"`
	Message      json.RawMessage `json:"message,omitempty"`
	Raw          json.RawMessage `json:"-"`
}

// ErrRejected is returned when the bridge answers a handshake step with an
// error frame.
var ErrRejected = errors.New("tail: bridge rejected request")

// Client is a connected, handshaken bridge session.
type Client struct {
	conn    *websocket.Conn
	hello   Frame
	pending []Frame
}

// Dial connects to the bridge and performs auth, set_filter and subscribe
// as requested by opts. Events that arrive during the handshake are kept
// and returned first by Next.
func Dial(ctx context.Context, opts Options) (*Client, error) {
	if opts.ReplyTimeout <= 0 {
		opts.ReplyTimeout = 5 * time.Second
	}
	conn, _, err := websocket.Dial(ctx, opts.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("tail: dial %s: %w", opts.URL, err)
	}
	c := &Client{conn: conn}
	if err := c.handshake(ctx, opts); err != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "")
		return nil, err
	}
	return c, nil
}

func (c *Client) handshake(ctx context.Context, opts Options) error {
	hello, err := c.expect(ctx, opts.ReplyTimeout, "hello")
	if err != nil {
		return err
	}
	c.hello = hello

	if opts.Token != "" {
		if err := c.request(ctx, opts.ReplyTimeout, "auth_ok", map[string]any{"type": "auth", "token": opts.Token}); err != nil {
			return err
		}
	} else if hello.RequiresAuth {
		return fmt.Errorf("%w: bridge requires a token", ErrRejected)
	}
	if strings.TrimSpace(opts.Filter) != "" {
		if err := c.request(ctx, opts.ReplyTimeout, "filter_set", map[string]any{"type": "set_filter", "filter": opts.Filter}); err != nil {
			return err
		}
	}
	if len(opts.Channels) > 0 {
		if err := c.request(ctx, opts.ReplyTimeout, "subscribed", map[string]any{"type": "subscribe", "channels": opts.Channels}); err != nil {
			return err
		}
	}
	return nil
}

func (c *Client) request(ctx context.Context, timeout time.Duration, want string, cmd map[string]any) error {
	wctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := wsjson.Write(wctx, c.conn, cmd); err != nil {
		return fmt.Errorf("tail: send %v: %w", cmd["type"], err)
	}
	_, err := c.expect(ctx, timeout, want)
	return err
}

// expect reads until a frame of type want arrives. Routed events are
// queued; an error frame aborts.
func (c *Client) expect(ctx context.Context, timeout time.Duration, want string) (Frame, error) {
	rctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	for {
		f, err := c.read(rctx)
		if err != nil {
			return Frame{}, fmt.Errorf("tail: waiting for %s: %w", want, err)
		}
		switch f.Type {
		case want:
			return f, nil
		case "error":
			return Frame{}, fmt.Errorf("%w: %s", ErrRejected, f.Error)
		case "sidechannel_message":
			c.pending = append(c.pending, f)
		}
	}
}

func (c *Client) read(ctx context.Context) (Frame, error) {
	_, data, err := c.conn.Read(ctx)
	if err != nil {
		return Frame{}, err
	}
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, fmt.Errorf("decode frame: %w", err)
	}
	f.Raw = data
	return f, nil
}

// Hello returns the greeting the bridge sent on connect.
func (c *Client) Hello() Frame { return c.hello }

// Next blocks for the next frame.
func (c *Client) Next(ctx context.Context) (Frame, error) {
	if len(c.pending) > 0 {
		f := c.pending[0]
		c.pending = c.pending[1:]
		return f, nil
	}
	return c.read(ctx)
}

// Close closes the websocket.
func (c *Client) Close() error {
	return c.conn.Close(websocket.StatusNormalClosure, "tail done")
}

// MessageText renders a frame's message for display: strings unquoted,
// anything else as compact JSON.
func MessageText(f Frame) string {
	if len(f.Message) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(f.Message, &s); err == nil {
		return s
	}
	return string(f.Message)
}

// fromText returns the sender for display, or "?" when unknown.
func fromText(f Frame) string {
	var s string
	if err := json.Unmarshal(f.From, &s); err == nil && s != "" {
		return s
	}
	return "?"
}
