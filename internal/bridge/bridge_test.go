package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

func startBridge(t *testing.T, cfg Config, opts ...Option) *Bridge {
	t.Helper()
	cfg.Host = "127.0.0.1"
	cfg.Port = 0
	b := newTestBridge(cfg, opts...)
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("start bridge: %v", err)
	}
	t.Cleanup(b.Stop)
	return b
}

func dial(t *testing.T, b *Bridge) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws://"+b.Addr().String()+"/", nil)
	if err != nil {
		t.Fatalf("dial bridge: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	var frame map[string]any
	if err := wsjson.Read(ctx, conn, &frame); err != nil {
		t.Fatalf("read frame: %v", err)
	}
	return frame
}

func writeFrame(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := wsjson.Write(ctx, conn, v); err != nil {
		t.Fatalf("write frame: %v", err)
	}
}

func waitSessions(t *testing.T, b *Bridge, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for b.SessionCount() != n {
		if time.Now().After(deadline) {
			t.Fatalf("sessions = %d, want %d", b.SessionCount(), n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestBridge_HelloFirst(t *testing.T) {
	sc := newFakeSidechannel()
	sc.id = Identity{PublicKey: "pk-1", Address: "addr-1"}
	b := startBridge(t, Config{Filter: "code|dev", Token: "secret"}, WithSidechannel(sc))
	conn := dial(t, b)

	hello := readFrame(t, conn)
	if hello["type"] != "hello" {
		t.Fatalf("first frame = %#v, want hello", hello)
	}
	if hello["peer"] != "pk-1" || hello["address"] != "addr-1" || hello["entryChannel"] != "0000intercom" {
		t.Fatalf("hello identity = %#v", hello)
	}
	if hello["filter"] != "code|dev" || hello["requiresAuth"] != true {
		t.Fatalf("hello config = %#v", hello)
	}
}

func TestBridge_HelloWithoutSidechannel(t *testing.T) {
	b := startBridge(t, Config{})
	conn := dial(t, b)
	hello := readFrame(t, conn)
	for _, key := range []string{"peer", "address", "entryChannel"} {
		if v, ok := hello[key]; !ok || v != nil {
			t.Fatalf("hello[%s] = %#v, want null", key, v)
		}
	}
	if hello["requiresAuth"] != false || hello["filter"] != "" {
		t.Fatalf("hello = %#v", hello)
	}
}

func TestBridge_EndToEndFanOut(t *testing.T) {
	b := startBridge(t, Config{})
	a := dial(t, b)
	readFrame(t, a)
	c := dial(t, b)
	readFrame(t, c)

	writeFrame(t, a, map[string]any{"type": "subscribe", "channel": "news"})
	sub := readFrame(t, a)
	if sub["type"] != "subscribed" {
		t.Fatalf("subscribe reply = %#v", sub)
	}
	waitSessions(t, b, 2)

	b.HandleSidechannelMessage("news", []byte(`{"id":"m1","message":"hello"}`), "peer-x")

	for name, conn := range map[string]*websocket.Conn{"A": a, "B": c} {
		ev := readFrame(t, conn)
		if ev["type"] != "sidechannel_message" || ev["channel"] != "news" || ev["message"] != "hello" {
			t.Fatalf("client %s got %#v", name, ev)
		}
		if ev["id"] != "m1" || ev["from"] != nil {
			t.Fatalf("client %s envelope = %#v", name, ev)
		}
	}
}

func TestBridge_TokenGatesTraffic(t *testing.T) {
	b := startBridge(t, Config{Token: "secret"})
	conn := dial(t, b)
	readFrame(t, conn)
	waitSessions(t, b, 1)

	b.HandleSidechannelMessage("news", []byte(`"early"`), "")
	writeFrame(t, conn, map[string]any{"type": "ping"})
	if got := readFrame(t, conn); got["type"] != "error" || got["error"] != "Unauthorized." {
		t.Fatalf("pre-auth ping = %#v", got)
	}

	writeFrame(t, conn, map[string]any{"type": "auth", "token": "secret"})
	if got := readFrame(t, conn); got["type"] != "auth_ok" {
		t.Fatalf("auth reply = %#v", got)
	}
	b.HandleSidechannelMessage("news", []byte(`"late"`), "")
	if got := readFrame(t, conn); got["message"] != "late" {
		t.Fatalf("post-auth event = %#v", got)
	}
}

func TestBridge_BinaryFramesAccepted(t *testing.T) {
	b := startBridge(t, Config{})
	conn := dial(t, b)
	readFrame(t, conn)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageBinary, []byte(`{"type":"ping"}`)); err != nil {
		t.Fatalf("write binary: %v", err)
	}
	if got := readFrame(t, conn); got["type"] != "pong" {
		t.Fatalf("binary ping reply = %#v", got)
	}
	if err := conn.Write(ctx, websocket.MessageText, []byte(`not json`)); err != nil {
		t.Fatalf("write text: %v", err)
	}
	if got := readFrame(t, conn); got["error"] != "Invalid JSON." {
		t.Fatalf("invalid json reply = %#v", got)
	}
}

func TestBridge_CloseRemovesSession(t *testing.T) {
	b := startBridge(t, Config{})
	conn := dial(t, b)
	readFrame(t, conn)
	waitSessions(t, b, 1)

	_ = conn.Close(websocket.StatusNormalClosure, "done")
	waitSessions(t, b, 0)

	res := b.Route("news", []byte(`"hello"`))
	if res.Delivered+res.Filtered+res.Dropped != 0 {
		t.Fatalf("route after close = %+v, want no attempts", res)
	}
}

func TestBridge_StartIdempotentStopSafe(t *testing.T) {
	b := newTestBridge(Config{Host: "127.0.0.1", Port: 0})
	b.Stop()
	if b.Addr() != nil {
		t.Fatal("Addr before Start should be nil")
	}

	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	addr := b.Addr().String()
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("second start: %v", err)
	}
	if b.Addr().String() != addr {
		t.Fatalf("second Start rebound: %s != %s", b.Addr(), addr)
	}

	conn := dial(t, b)
	readFrame(t, conn)
	waitSessions(t, b, 1)

	b.Stop()
	if b.Started() || b.SessionCount() != 0 || b.Addr() != nil {
		t.Fatalf("after stop: started=%v sessions=%d", b.Started(), b.SessionCount())
	}
	b.Stop()
}

func TestBridge_ContextCancelStops(t *testing.T) {
	b := newTestBridge(Config{Host: "127.0.0.1", Port: 0})
	ctx, cancel := context.WithCancel(context.Background())
	if err := b.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	cancel()
	deadline := time.Now().Add(2 * time.Second)
	for b.Started() {
		if time.Now().After(deadline) {
			t.Fatal("bridge still running after context cancel")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestBridge_Healthz(t *testing.T) {
	b := startBridge(t, Config{Fingerprint: "fp-1"})
	resp, err := http.Get(fmt.Sprintf("http://%s/healthz", b.Addr()))
	if err != nil {
		t.Fatalf("get healthz: %v", err)
	}
	defer resp.Body.Close()
	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode healthz: %v", err)
	}
	if body["healthy"] != true || body["started"] != true || body["config_fingerprint"] != "fp-1" {
		t.Fatalf("healthz = %#v", body)
	}
	if body["sidechannel"] != false {
		t.Fatalf("healthz sidechannel = %#v, want false", body["sidechannel"])
	}
	if v, ok := body["peers"]; !ok || v != nil {
		t.Fatalf("healthz peers = %#v, want null", v)
	}
}

func getHealthz(t *testing.T, b *Bridge) map[string]any {
	t.Helper()
	resp, err := http.Get(fmt.Sprintf("http://%s/healthz", b.Addr()))
	if err != nil {
		t.Fatalf("get healthz: %v", err)
	}
	defer resp.Body.Close()
	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode healthz: %v", err)
	}
	return body
}

func TestBridge_HealthzReportsPeers(t *testing.T) {
	sc := &countingSidechannel{fakeSidechannel: newFakeSidechannel(), peers: 4}
	b := startBridge(t, Config{}, WithSidechannel(sc))

	body := getHealthz(t, b)
	if body["sidechannel"] != true || body["peers"] != float64(4) {
		t.Fatalf("healthz = %#v, want sidechannel and 4 peers", body)
	}

	// A sidechannel without a peer count reports null.
	b.AttachSidechannel(newFakeSidechannel())
	if v := getHealthz(t, b)["peers"]; v != nil {
		t.Fatalf("peers = %#v, want null", v)
	}
}
