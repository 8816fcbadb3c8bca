// Package presence periodically announces this peer on the sidechannel
// entry channel so other bridges can see who is online.
package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/zitters/agent-market/internal/bridge"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// Broadcaster is the part of a sidechannel the announcer needs.
type Broadcaster interface {
	Broadcast(ctx context.Context, channel string, message json.RawMessage) error
	EntryChannel() string
}

// Announcement is the message published on every run.
type Announcement struct {
	Type     string  `json:"type"`
	Peer     *string `json:"peer"`
	Address  *string `json:"address"`
	Sessions int     `json:"sessions"`
	TS       int64   `json:"ts"`
}

// Config holds the dependencies for the announcer.
type Config struct {
	Schedule    string
	Sidechannel Broadcaster
	Peer        bridge.Identity
	// Sessions reports how many clients the local bridge serves.
	Sessions func() int
	Logger   *slog.Logger
	Interval time.Duration // tick interval; defaults to 15s if zero
	Now      func() time.Time
}

// Announcer fires presence announcements on a cron schedule.
type Announcer struct {
	sched    cronlib.Schedule
	expr     string
	sc       Broadcaster
	peer     bridge.Identity
	sessions func() int
	logger   *slog.Logger
	interval time.Duration
	now      func() time.Time

	mu      sync.Mutex
	nextRun time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New validates the schedule and builds an Announcer.
func New(cfg Config) (*Announcer, error) {
	if cfg.Sidechannel == nil {
		return nil, fmt.Errorf("presence: sidechannel is required")
	}
	sched, err := cronParser.Parse(cfg.Schedule)
	if err != nil {
		return nil, fmt.Errorf("presence: parse schedule %q: %w", cfg.Schedule, err)
	}
	a := &Announcer{
		sched:    sched,
		expr:     cfg.Schedule,
		sc:       cfg.Sidechannel,
		peer:     cfg.Peer,
		sessions: cfg.Sessions,
		logger:   cfg.Logger,
		interval: cfg.Interval,
		now:      cfg.Now,
	}
	if a.logger == nil {
		a.logger = slog.Default()
	}
	if a.interval <= 0 {
		a.interval = 15 * time.Second
	}
	if a.now == nil {
		a.now = time.Now
	}
	if a.sessions == nil {
		a.sessions = func() int { return 0 }
	}
	return a, nil
}

// Start announces once, then keeps announcing on schedule until ctx is
// cancelled or Stop is called.
func (a *Announcer) Start(ctx context.Context) {
	ctx, a.cancel = context.WithCancel(ctx)
	a.wg.Add(1)
	go a.loop(ctx)
	a.logger.Info("presence announcer started", "schedule", a.expr, "entry_channel", a.sc.EntryChannel())
}

// Stop cancels the loop and waits for it to exit.
func (a *Announcer) Stop() {
	if a.cancel != nil {
		a.cancel()
	}
	a.wg.Wait()
}

// NextRun returns when the next scheduled announcement is due.
func (a *Announcer) NextRun() time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.nextRun
}

func (a *Announcer) loop(ctx context.Context) {
	defer a.wg.Done()

	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	now := a.now()
	a.fire(ctx, now)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.tick(ctx)
		}
	}
}

// tick fires when the scheduled time has passed.
func (a *Announcer) tick(ctx context.Context) {
	now := a.now()
	if now.Before(a.NextRun()) {
		return
	}
	a.fire(ctx, now)
}

func (a *Announcer) fire(ctx context.Context, now time.Time) {
	a.mu.Lock()
	a.nextRun = a.sched.Next(now)
	next := a.nextRun
	a.mu.Unlock()

	if err := a.Announce(ctx); err != nil {
		a.logger.Warn("presence: announce failed", "error", err, "next_run_at", next)
		return
	}
	a.logger.Debug("presence: announced", "next_run_at", next)
}

// Announce publishes one presence message on the entry channel.
func (a *Announcer) Announce(ctx context.Context) error {
	entry := a.sc.EntryChannel()
	if entry == "" {
		return fmt.Errorf("presence: sidechannel has no entry channel")
	}
	msg, err := json.Marshal(Announcement{
		Type:     "presence",
		Peer:     optional(a.peer.PublicKey),
		Address:  optional(a.peer.Address),
		Sessions: a.sessions(),
		TS:       a.now().UnixMilli(),
	})
	if err != nil {
		return err
	}
	return a.sc.Broadcast(ctx, entry, msg)
}

// NextRunTime parses the cron expression and returns the next run time after the given time.
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
