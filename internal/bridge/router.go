package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	bridgeotel "github.com/zitters/agent-market/internal/otel"
)

// RouteResult summarizes one fan-out pass.
type RouteResult struct {
	Delivered int
	Filtered  int
	Dropped   int
}

var jsonNull = json.RawMessage("null")

// NormalizeEvent builds the sidechannel_message envelope for payload and the
// text the content filter is evaluated against. Payloads that are not JSON
// are treated as plain strings. now supplies ts when the payload has none.
func NormalizeEvent(channel string, payload []byte, now time.Time) (InboundEvent, string) {
	ev := InboundEvent{
		Type:      "sidechannel_message",
		Channel:   channel,
		ID:        jsonNull,
		From:      jsonNull,
		Origin:    jsonNull,
		RelayedBy: jsonNull,
		TTL:       jsonNull,
		TS:        json.RawMessage(strconv.FormatInt(now.UnixMilli(), 10)),
	}

	body := bytes.TrimSpace(payload)
	if len(body) == 0 || !json.Valid(body) {
		quoted, _ := json.Marshal(string(payload))
		ev.Message = quoted
		return ev, string(payload)
	}

	ev.Message = json.RawMessage(body)
	if body[0] == '{' {
		var fields map[string]json.RawMessage
		if err := json.Unmarshal(body, &fields); err == nil {
			pick := func(dst *json.RawMessage, key string) {
				if v, ok := fields[key]; ok && !isNull(v) {
					*dst = v
				}
			}
			pick(&ev.ID, "id")
			pick(&ev.From, "from")
			pick(&ev.Origin, "origin")
			pick(&ev.RelayedBy, "relayedBy")
			pick(&ev.TTL, "ttl")
			pick(&ev.TS, "ts")
			pick(&ev.Message, "message")
		}
	}
	return ev, messageText(ev.Message)
}

func isNull(raw json.RawMessage) bool {
	return string(bytes.TrimSpace(raw)) == "null"
}

// messageText renders a message for filter matching: strings as-is, null as
// empty, anything else as compact JSON.
func messageText(raw json.RawMessage) string {
	if isNull(raw) {
		return ""
	}
	return elementString(raw)
}

// HandleSidechannelMessage is the MessageHandler sidechannels deliver
// inbound traffic to.
func (b *Bridge) HandleSidechannelMessage(channel string, payload []byte, from string) {
	res := b.Route(channel, payload)
	if b.cfg.Debug {
		b.logger().Debug("bridge: routed sidechannel message",
			"channel", channel,
			"from", from,
			"delivered", res.Delivered,
			"filtered", res.Filtered,
			"dropped", res.Dropped,
		)
	}
}

// Route fans one sidechannel event out to every eligible session. Passes are
// serialized so all sessions observe events in the order Route was called.
func (b *Bridge) Route(channel string, payload []byte) RouteResult {
	b.routeMu.Lock()
	defer b.routeMu.Unlock()

	ctx, span := bridgeotel.StartSpan(context.Background(), b.tracer, "bridge.route",
		bridgeotel.AttrChannel.String(channel),
	)
	defer span.End()

	ev, text := NormalizeEvent(channel, payload, b.now())
	chAttr := metric.WithAttributes(attribute.String("channel", channel))
	b.metrics.EventsReceived.Add(ctx, 1, chAttr)

	if b.cfg.Debug {
		b.logger().Debug("bridge: recv", "channel", channel, "text", text)
	}

	var res RouteResult
	sessions := b.snapshot()
	if len(sessions) == 0 {
		span.SetAttributes(bridgeotel.AttrSessions.Int(0), bridgeotel.AttrDelivered.Int(0))
		return res
	}

	frame, err := json.Marshal(ev)
	if err != nil {
		b.logger().Error("bridge: encode event failed", "channel", channel, "error", err)
		return res
	}

	filterApplies := b.filterApplies(channel)
	for _, s := range sessions {
		if !s.accepts(channel, text, filterApplies) {
			res.Filtered++
			continue
		}
		if !s.enqueue(frame) {
			res.Dropped++
			continue
		}
		res.Delivered++
	}

	b.metrics.Deliveries.Add(ctx, int64(res.Delivered), chAttr)
	b.metrics.DeliveriesFiltered.Add(ctx, int64(res.Filtered), chAttr)
	b.metrics.DeliveriesDropped.Add(ctx, int64(res.Dropped), chAttr)
	span.SetAttributes(
		bridgeotel.AttrSessions.Int(len(sessions)),
		bridgeotel.AttrDelivered.Int(res.Delivered),
	)
	return res
}

// filterApplies reports whether content filtering is enforced on channel.
func (b *Bridge) filterApplies(channel string) bool {
	if b.filterChannels == nil {
		return true
	}
	_, ok := b.filterChannels[channel]
	return ok
}
