package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"
)

type nopConn struct {
	mu     sync.Mutex
	closed bool
}

func (c *nopConn) Write(context.Context, []byte) error { return nil }

func (c *nopConn) Close(string) error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

type fakeSidechannel struct {
	mu            sync.Mutex
	broadcasts    []fakeBroadcast
	joined        []string
	opened        [][2]string
	entry         string
	id            Identity
	failJoin      bool
	failBroadcast bool
	failOpen      bool
	joinedCh      chan string
}

type fakeBroadcast struct {
	Channel string
	Message string
}

func newFakeSidechannel() *fakeSidechannel {
	return &fakeSidechannel{entry: "0000intercom", joinedCh: make(chan string, 16)}
}

func (f *fakeSidechannel) Broadcast(_ context.Context, channel string, message json.RawMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.broadcasts = append(f.broadcasts, fakeBroadcast{Channel: channel, Message: string(message)})
	if f.failBroadcast {
		return errors.New("publish refused")
	}
	return nil
}

func (f *fakeSidechannel) AddChannel(_ context.Context, channel string) error {
	f.mu.Lock()
	f.joined = append(f.joined, channel)
	fail := f.failJoin
	f.mu.Unlock()
	f.joinedCh <- channel
	if fail {
		return errors.New("join refused")
	}
	return nil
}

func (f *fakeSidechannel) RequestOpen(_ context.Context, channel, via string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opened = append(f.opened, [2]string{channel, via})
	if f.failOpen {
		return errors.New("open refused")
	}
	return nil
}

func (f *fakeSidechannel) EntryChannel() string { return f.entry }

func (f *fakeSidechannel) Identity() Identity { return f.id }

// countingSidechannel also reports a peer count.
type countingSidechannel struct {
	*fakeSidechannel
	peers int
}

func (c *countingSidechannel) Peers() int { return c.peers }

func (f *fakeSidechannel) lastBroadcast() (fakeBroadcast, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.broadcasts) == 0 {
		return fakeBroadcast{}, false
	}
	return f.broadcasts[len(f.broadcasts)-1], true
}

var fixedNow = time.UnixMilli(1_700_000_000_000)

func newTestBridge(cfg Config, opts ...Option) *Bridge {
	opts = append([]Option{withClock(func() time.Time { return fixedNow })}, opts...)
	return New(cfg, opts...)
}

// register adds a session with a no-op socket straight into the registry.
func register(b *Bridge) *Session {
	s := newSession("s", &nopConn{}, b.cfg.Token != "", b.defaultFilter, b.cfg.SendQueue)
	b.sessionsMu.Lock()
	b.sessions[s] = struct{}{}
	b.sessionsMu.Unlock()
	return s
}

// nextFrame pops the next queued frame for s.
func nextFrame(t *testing.T, s *Session) map[string]any {
	t.Helper()
	select {
	case data := <-s.out:
		var frame map[string]any
		if err := json.Unmarshal(data, &frame); err != nil {
			t.Fatalf("unmarshal frame %s: %v", data, err)
		}
		return frame
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for frame")
		return nil
	}
}

func noFrame(t *testing.T, s *Session) {
	t.Helper()
	select {
	case data := <-s.out:
		t.Fatalf("unexpected frame %s", data)
	default:
	}
}

func send(t *testing.T, b *Bridge, s *Session, frame string) map[string]any {
	t.Helper()
	b.handleFrame(context.Background(), s, []byte(frame))
	return nextFrame(t, s)
}

func wantError(t *testing.T, frame map[string]any, text string) {
	t.Helper()
	if frame["type"] != "error" || frame["error"] != text {
		t.Fatalf("frame = %#v, want error %q", frame, text)
	}
}
