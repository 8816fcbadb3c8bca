package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"

	"github.com/zitters/agent-market/internal/audit"
	"github.com/zitters/agent-market/internal/filter"
	bridgeotel "github.com/zitters/agent-market/internal/otel"
	"github.com/zitters/agent-market/internal/shared"
)

// handleFrame processes one inbound client frame end to end. It runs on the
// session's read goroutine, so frames from one client never interleave.
func (b *Bridge) handleFrame(ctx context.Context, s *Session, data []byte) {
	if s.limiter != nil && !s.limiter.Allow() {
		b.metrics.RateLimitRejects.Add(ctx, 1)
		b.sendError(s, errRateLimited)
		return
	}

	cmd, err := DecodeCommand(data)
	if err != nil {
		if errors.Is(err, ErrInvalidJSON) {
			b.sendError(s, errInvalidJSON)
		} else {
			b.sendError(s, errInvalidMessage)
		}
		return
	}

	start := time.Now()
	ctx, span := bridgeotel.StartServerSpan(ctx, b.tracer, "bridge.command",
		bridgeotel.AttrSessionID.String(s.ID),
		bridgeotel.AttrCommandType.String(cmd.Type()),
	)
	defer span.End()

	outcome := b.dispatch(ctx, s, cmd)
	if outcome != "" {
		span.SetStatus(codes.Error, outcome)
	}

	typeAttr := metric.WithAttributes(attribute.String("type", commandLabel(cmd)))
	b.metrics.Commands.Add(ctx, 1, typeAttr)
	b.metrics.CommandDuration.Record(ctx, float64(time.Since(start).Milliseconds()), typeAttr)
}

// dispatch applies cmd to s and replies. It returns the error text sent to
// the client, or "" on success.
func (b *Bridge) dispatch(ctx context.Context, s *Session, cmd Command) string {
	if !s.Ready() {
		if auth, ok := cmd.(AuthCommand); ok && tokenMatches(auth.Token, b.cfg.Token) {
			s.authenticate()
			audit.Record("allow", "bridge.auth", "token_accepted", b.cfg.Fingerprint, s.RemoteAddr)
			b.sendFrame(s, typeFrame{Type: "auth_ok"})
			return ""
		}
		b.metrics.AuthFailures.Add(ctx, 1)
		audit.Record("deny", "bridge.auth", "unauthenticated_"+commandLabel(cmd), b.cfg.Fingerprint, s.RemoteAddr)
		return b.sendError(s, errUnauthorized)
	}

	switch c := cmd.(type) {
	case PingCommand:
		b.sendFrame(s, pongFrame{Type: "pong", TS: b.now().UnixMilli()})
	case SetFilterCommand:
		f := filter.Parse(c.Filter)
		s.setFilter(f)
		b.sendFrame(s, filterSetFrame{Type: "filter_set", Filter: f.Raw()})
	case ClearFilterCommand:
		s.setFilter(filter.Filter{})
		b.sendFrame(s, filterSetFrame{Type: "filter_set", Filter: ""})
	case SubscribeCommand:
		b.sendFrame(s, subscribedFrame{Type: "subscribed", Channels: s.subscribe(c.Channels)})
	case UnsubscribeCommand:
		b.sendFrame(s, subscribedFrame{Type: "subscribed", Channels: s.unsubscribe(c.Channels)})
	case SendCommand:
		return b.handleSend(ctx, s, c)
	case JoinCommand:
		return b.handleJoin(ctx, s, c)
	case OpenCommand:
		return b.handleOpen(ctx, s, c)
	default:
		// Includes auth on a session that is already authenticated.
		return b.sendError(s, "Unknown type: "+c.Type())
	}
	return ""
}

func (b *Bridge) handleSend(ctx context.Context, s *Session, c SendCommand) string {
	sc := b.Sidechannel()
	if sc == nil {
		return b.sendError(s, errNotReady)
	}
	channel := strings.TrimSpace(c.Channel)
	if channel == "" {
		return b.sendError(s, errMissingChannel)
	}
	message := c.Message
	if len(message) == 0 {
		message = jsonNull
	}
	ctx, span := bridgeotel.StartClientSpan(ctx, b.tracer, "sidechannel.broadcast",
		bridgeotel.AttrChannel.String(channel),
	)
	if err := sc.Broadcast(ctx, channel, message); err != nil {
		span.RecordError(err)
		b.sidechannelFailed(ctx, "broadcast", channel, s, err)
	}
	span.End()
	b.sendFrame(s, channelFrame{Type: "sent", Channel: channel})
	return ""
}

func (b *Bridge) handleJoin(ctx context.Context, s *Session, c JoinCommand) string {
	sc := b.Sidechannel()
	if sc == nil {
		return b.sendError(s, errNotReady)
	}
	channel := strings.TrimSpace(c.Channel)
	if channel == "" {
		return b.sendError(s, errMissingChannel)
	}
	// Joining may wait on the network; the client is acknowledged right away
	// and a failure is only logged.
	go func() {
		joinCtx, cancel := context.WithTimeout(context.Background(), b.cfg.JoinTimeout)
		defer cancel()
		joinCtx = shared.WithSessionID(joinCtx, s.ID)
		if err := sc.AddChannel(joinCtx, channel); err != nil {
			b.sidechannelFailed(joinCtx, "add_channel", channel, s, err)
		}
	}()
	b.sendFrame(s, channelFrame{Type: "joined", Channel: channel})
	return ""
}

func (b *Bridge) handleOpen(ctx context.Context, s *Session, c OpenCommand) string {
	sc := b.Sidechannel()
	if sc == nil {
		return b.sendError(s, errNotReady)
	}
	channel := strings.TrimSpace(c.Channel)
	if channel == "" {
		return b.sendError(s, errMissingChannel)
	}
	if err := sc.RequestOpen(ctx, channel, c.Via); err != nil {
		b.sidechannelFailed(ctx, "request_open", channel, s, err)
	}
	b.sendFrame(s, openRequestedFrame{Type: "open_requested", Channel: channel, Via: nullString(c.Via)})
	return ""
}

func (b *Bridge) sidechannelFailed(ctx context.Context, op, channel string, s *Session, err error) {
	b.metrics.SidechannelFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("op", op)))
	b.logger().Warn("bridge: sidechannel call failed",
		"op", op,
		"channel", channel,
		"session_id", s.ID,
		"error", shared.Redact(err.Error()),
	)
}

// sendFrame serializes v and queues it for s. Failures are logged and
// otherwise ignored.
func (b *Bridge) sendFrame(s *Session, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		b.logger().Error("bridge: encode frame failed", "session_id", s.ID, "error", err)
		return
	}
	if !s.enqueue(data) {
		b.metrics.DeliveriesDropped.Add(context.Background(), 1)
		if b.cfg.Debug {
			b.logger().Debug("bridge: reply dropped", "session_id", s.ID)
		}
	}
}

func (b *Bridge) sendError(s *Session, text string) string {
	b.sendFrame(s, errorFrame{Type: "error", Error: text})
	return text
}

// commandLabel bounds metric cardinality: unrecognised names collapse to
// "unknown".
func commandLabel(cmd Command) string {
	if _, ok := cmd.(UnknownCommand); ok {
		return "unknown"
	}
	return cmd.Type()
}
