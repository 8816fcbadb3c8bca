package shared

import (
	"context"

	"github.com/google/uuid"
)

type traceKey struct{}
type sessionIDKey struct{}
type channelKey struct{}
type peerIDKey struct{}

// WithTraceID attaches a trace_id to the context.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceKey{}, traceID)
}

// TraceID extracts trace_id from context. Returns "-" if absent.
func TraceID(ctx context.Context) string {
	if v, ok := ctx.Value(traceKey{}).(string); ok && v != "" {
		return v
	}
	return "-"
}

// NewTraceID generates a new trace_id.
func NewTraceID() string {
	return uuid.NewString()
}

// WithSessionID attaches the bridge session that caused the work.
func WithSessionID(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, sessionIDKey{}, sessionID)
}

// SessionID extracts session_id from context. Returns "" if absent.
func SessionID(ctx context.Context) string {
	if v, ok := ctx.Value(sessionIDKey{}).(string); ok {
		return v
	}
	return ""
}

// WithChannel attaches a sidechannel channel name.
func WithChannel(ctx context.Context, channel string) context.Context {
	return context.WithValue(ctx, channelKey{}, channel)
}

// Channel extracts the channel name. Returns "" if absent.
func Channel(ctx context.Context) string {
	if v, ok := ctx.Value(channelKey{}).(string); ok {
		return v
	}
	return ""
}

// WithPeerID attaches the remote peer an operation concerns.
func WithPeerID(ctx context.Context, peerID string) context.Context {
	return context.WithValue(ctx, peerIDKey{}, peerID)
}

// PeerID extracts peer_id from context. Returns "" if absent.
func PeerID(ctx context.Context) string {
	if v, ok := ctx.Value(peerIDKey{}).(string); ok {
		return v
	}
	return ""
}

// LogAttrs returns the non-empty context identifiers as slog key/value pairs.
func LogAttrs(ctx context.Context) []any {
	attrs := []any{"trace_id", TraceID(ctx)}
	if v := SessionID(ctx); v != "" {
		attrs = append(attrs, "session_id", v)
	}
	if v := Channel(ctx); v != "" {
		attrs = append(attrs, "channel", v)
	}
	if v := PeerID(ctx); v != "" {
		attrs = append(attrs, "peer_id", v)
	}
	return attrs
}
