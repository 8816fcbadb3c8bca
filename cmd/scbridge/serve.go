package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"

	"github.com/zitters/agent-market/internal/audit"
	"github.com/zitters/agent-market/internal/bridge"
	"github.com/zitters/agent-market/internal/bus"
	"github.com/zitters/agent-market/internal/config"
	otelPkg "github.com/zitters/agent-market/internal/otel"
	"github.com/zitters/agent-market/internal/presence"
	"github.com/zitters/agent-market/internal/sidechannel"
	"github.com/zitters/agent-market/internal/telemetry"
)

// serveFlags are command-line overrides applied on top of config.yaml and
// the environment.
type serveFlags struct {
	fs             *pflag.FlagSet
	host           string
	port           int
	token          string
	filter         string
	filterChannels []string
	debug          bool
	mode           string
	listen         []string
	bootstrap      []string
	presence       string
	quiet          bool
}

func newServeFlags(out io.Writer) *serveFlags {
	f := &serveFlags{fs: pflag.NewFlagSet("serve", pflag.ContinueOnError)}
	f.fs.SetOutput(out)
	f.fs.StringVar(&f.host, "host", "", "bind host")
	f.fs.IntVar(&f.port, "port", 0, "bind port")
	f.fs.StringVar(&f.token, "token", "", "client auth token")
	f.fs.StringVar(&f.filter, "filter", "", `default filter, e.g. "code+dev|design"`)
	f.fs.StringSliceVar(&f.filterChannels, "filter-channels", nil, "channels the filter applies to (empty applies to none)")
	f.fs.BoolVar(&f.debug, "debug", false, "log every inbound sidechannel message")
	f.fs.StringVar(&f.mode, "mode", "", "sidechannel mode: local or p2p")
	f.fs.StringSliceVar(&f.listen, "listen", nil, "p2p listen multiaddrs")
	f.fs.StringSliceVar(&f.bootstrap, "bootstrap", nil, "p2p bootstrap peer multiaddrs")
	f.fs.StringVar(&f.presence, "presence", "", "presence cron schedule (5 fields)")
	f.fs.BoolVar(&f.quiet, "quiet", false, "log to file only")
	return f
}

// apply copies explicitly set flags into cfg.
func (f *serveFlags) apply(cfg *config.Config) {
	changed := f.fs.Changed
	if changed("host") {
		cfg.Bridge.Host = f.host
	}
	if changed("port") {
		cfg.Bridge.Port = f.port
	}
	if changed("token") {
		cfg.Bridge.Token = f.token
	}
	if changed("filter") {
		cfg.Bridge.Filter = f.filter
	}
	if changed("filter-channels") {
		list := config.SplitList(strings.Join(f.filterChannels, ","))
		cfg.Bridge.FilterChannels = &list
	}
	if changed("debug") {
		cfg.Bridge.Debug = f.debug
		if f.debug {
			cfg.LogLevel = "debug"
		}
	}
	if changed("mode") {
		cfg.Sidechannel.Mode = strings.ToLower(strings.TrimSpace(f.mode))
	}
	if changed("listen") {
		cfg.Sidechannel.ListenAddrs = f.listen
	}
	if changed("bootstrap") {
		cfg.Sidechannel.BootstrapPeers = f.bootstrap
	}
	if changed("presence") {
		cfg.Presence.Schedule = f.presence
	}
}

// sidechannelRuntime is what serve needs from a sidechannel implementation.
type sidechannelRuntime interface {
	bridge.Sidechannel
	bridge.Identified
	SetHandler(bridge.MessageHandler)
	Close() error
}

func openSidechannel(ctx context.Context, cfg config.Config, logger *slog.Logger) (sidechannelRuntime, func(), error) {
	sc := cfg.Sidechannel
	switch sc.Mode {
	case config.ModeP2P:
		p, err := sidechannel.NewP2P(ctx, sidechannel.P2PConfig{
			ListenAddrs:    sc.ListenAddrs,
			BootstrapPeers: sc.BootstrapPeers,
			MDNS:           sc.MDNS,
			EntryChannel:   sc.EntryChannel,
			Channels:       sc.Channels,
			Logger:         logger,
		})
		if err != nil {
			return nil, nil, err
		}
		for _, a := range p.Addrs() {
			logger.Info("sidechannel listening", "addr", a.String())
		}
		return p, func() { _ = p.Close() }, nil
	case config.ModeLocal, "":
		b := bus.NewWithBuffer(1024)
		l := sidechannel.NewLocal(b, sidechannel.LocalOptions{
			PeerID:       cfg.Peer.PublicKey,
			EntryChannel: sc.EntryChannel,
			Channels:     sc.Channels,
			Logger:       logger,
		})
		return l, func() { _ = l.Close(); b.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown sidechannel mode %q", sc.Mode)
	}
}

func runServeCommand(ctx context.Context, args []string) int {
	flags := newServeFlags(os.Stderr)
	if err := flags.fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return 0
		}
		return 2
	}
	if flags.fs.NArg() > 0 {
		fmt.Fprintf(os.Stderr, "unexpected arguments: %v\n", flags.fs.Args())
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		return startupFailure(nil, "E_CONFIG_LOAD", err)
	}
	flags.apply(&cfg)

	if err := audit.Init(cfg.HomeDir); err != nil {
		return startupFailure(nil, "E_AUDIT_INIT", err)
	}
	defer func() { _ = audit.Close() }()

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, flags.quiet)
	if err != nil {
		return startupFailure(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded",
		"home", cfg.HomeDir,
		"config_fingerprint", cfg.Fingerprint(),
		"needs_config", cfg.NeedsConfig,
	)
	if !isLoopbackHost(cfg.Bridge.Host) && cfg.Bridge.Token == "" {
		logger.Warn("bridge bound to a non-loopback address without a token", "bind_addr", cfg.BindAddr())
	}

	otelProvider, err := otelPkg.Init(ctx, cfg.OTel)
	if err != nil {
		return startupFailure(logger, "E_OTEL_INIT", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = otelProvider.Shutdown(shutdownCtx)
	}()
	metrics, err := otelPkg.NewMetrics(otelProvider.Meter)
	if err != nil {
		return startupFailure(logger, "E_OTEL_INIT", err)
	}

	sc, closeSC, err := openSidechannel(ctx, cfg, logger)
	if err != nil {
		return startupFailure(logger, "E_SIDECHANNEL", err)
	}
	defer closeSC()
	logger.Info("startup phase", "phase", "sidechannel_ready",
		"mode", cfg.Sidechannel.Mode,
		"peer", sc.Identity().PublicKey,
		"entry_channel", sc.EntryChannel(),
	)

	b := bridge.New(cfg.BridgeRuntime(),
		bridge.WithLogger(logger),
		bridge.WithMetrics(metrics),
		bridge.WithTracer(otelProvider.Tracer),
	)
	sc.SetHandler(b.HandleSidechannelMessage)
	b.AttachSidechannel(sc)
	if err := b.Start(ctx); err != nil {
		return startupFailure(logger, "E_BRIDGE_START", err)
	}
	defer b.Stop()
	logger.Info("startup phase", "phase", "bridge_listening", "addr", b.Addr().String())

	if cfg.Presence.Schedule != "" {
		id := cfg.BridgeRuntime().Peer
		if id.PublicKey == "" {
			id = sc.Identity()
		}
		ann, err := presence.New(presence.Config{
			Schedule:    cfg.Presence.Schedule,
			Sidechannel: sc,
			Peer:        id,
			Sessions:    b.SessionCount,
			Logger:      logger,
		})
		if err != nil {
			return startupFailure(logger, "E_PRESENCE", err)
		}
		ann.Start(ctx)
		defer ann.Stop()
	}

	if !cfg.NeedsConfig {
		confWatcher := config.NewWatcher(cfg.HomeDir, logger)
		if err := confWatcher.Start(ctx); err != nil {
			logger.Warn("config watcher unavailable", "error", err)
		} else {
			go func() {
				for ev := range confWatcher.Events() {
					logger.Debug("config change event", "path", ev.Path, "op", ev.Op.String())
				}
			}()
		}
	}

	<-ctx.Done()
	logger.Info("shutdown requested", "sessions", b.SessionCount())
	return 0
}

func isLoopbackHost(host string) bool {
	switch strings.ToLower(strings.TrimSpace(host)) {
	case "127.0.0.1", "localhost", "::1":
		return true
	}
	return false
}
