package presence_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/zitters/agent-market/internal/bridge"
	"github.com/zitters/agent-market/internal/presence"
)

type recorder struct {
	mu    sync.Mutex
	sent  []json.RawMessage
	chans []string
}

func (r *recorder) Broadcast(_ context.Context, channel string, message json.RawMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.chans = append(r.chans, channel)
	r.sent = append(r.sent, append(json.RawMessage(nil), message...))
	return nil
}

func (r *recorder) EntryChannel() string { return "0000intercom" }

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sent)
}

func waitFor(t *testing.T, deadline time.Duration, check func() bool) {
	t.Helper()
	end := time.Now().Add(deadline)
	for time.Now().Before(end) {
		if check() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met within deadline")
}

func TestNew_RejectsBadSchedule(t *testing.T) {
	if _, err := presence.New(presence.Config{Schedule: "every minute", Sidechannel: &recorder{}}); err == nil {
		t.Fatal("expected error for invalid schedule")
	}
	if _, err := presence.New(presence.Config{Schedule: "* * * * *"}); err == nil {
		t.Fatal("expected error without sidechannel")
	}
}

func TestAnnounce_Message(t *testing.T) {
	rec := &recorder{}
	a, err := presence.New(presence.Config{
		Schedule:    "*/5 * * * *",
		Sidechannel: rec,
		Peer:        bridge.Identity{PublicKey: "pk"},
		Sessions:    func() int { return 3 },
		Now:         func() time.Time { return time.UnixMilli(42) },
	})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := a.Announce(context.Background()); err != nil {
		t.Fatalf("announce: %v", err)
	}
	if rec.chans[0] != "0000intercom" {
		t.Fatalf("channel = %q", rec.chans[0])
	}
	var got map[string]any
	if err := json.Unmarshal(rec.sent[0], &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got["type"] != "presence" || got["peer"] != "pk" || got["address"] != nil {
		t.Fatalf("announcement = %#v", got)
	}
	if got["sessions"] != float64(3) || got["ts"] != float64(42) {
		t.Fatalf("announcement = %#v", got)
	}
}

func TestAnnouncer_FiresOnStartAndWhenDue(t *testing.T) {
	rec := &recorder{}
	var mu sync.Mutex
	now := time.Date(2026, 1, 1, 10, 0, 30, 0, time.UTC)
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	a, err := presence.New(presence.Config{
		Schedule:    "* * * * *",
		Sidechannel: rec,
		Interval:    10 * time.Millisecond,
		Now:         clock,
	})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	a.Start(context.Background())
	defer a.Stop()

	waitFor(t, time.Second, func() bool { return rec.count() == 1 })
	want := time.Date(2026, 1, 1, 10, 1, 0, 0, time.UTC)
	if !a.NextRun().Equal(want) {
		t.Fatalf("next run = %v, want %v", a.NextRun(), want)
	}

	time.Sleep(50 * time.Millisecond)
	if rec.count() != 1 {
		t.Fatalf("announced %d times before due, want 1", rec.count())
	}

	mu.Lock()
	now = want
	mu.Unlock()
	waitFor(t, time.Second, func() bool { return rec.count() == 2 })
}

func TestNextRunTime(t *testing.T) {
	base := time.Date(2026, 3, 1, 8, 7, 0, 0, time.UTC)
	got, err := presence.NextRunTime("*/15 * * * *", base)
	if err != nil {
		t.Fatalf("next run: %v", err)
	}
	if want := time.Date(2026, 3, 1, 8, 15, 0, 0, time.UTC); !got.Equal(want) {
		t.Fatalf("next = %v, want %v", got, want)
	}
	if _, err := presence.NextRunTime("bad", base); err == nil {
		t.Fatal("expected parse error")
	}
}
