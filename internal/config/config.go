package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/zitters/agent-market/internal/bridge"
	"github.com/zitters/agent-market/internal/otel"
)

const (
	ModeLocal = "local"
	ModeP2P   = "p2p"

	DefaultEntryChannel = "0000intercom"
)

type RateLimitConfig struct {
	Enabled           bool `yaml:"enabled"`
	CommandsPerMinute int  `yaml:"commands_per_minute"`
	Burst             int  `yaml:"burst"`
}

type BridgeConfig struct {
	Host  string `yaml:"host"`
	Port  int    `yaml:"port"`
	Token string `yaml:"token"`

	// Filter is the default filter string new clients start with.
	Filter string `yaml:"filter"`

	// FilterChannels limits filtering to the listed channels. Absent means
	// every channel is filtered; an explicit empty list means none is.
	FilterChannels *[]string `yaml:"filter_channels"`

	Debug          bool            `yaml:"debug"`
	AllowOrigins   []string        `yaml:"allow_origins"`
	MaxFrameBytes  int64           `yaml:"max_frame_bytes"`
	SendQueue      int             `yaml:"send_queue"`
	WriteTimeoutMS int             `yaml:"write_timeout_ms"`
	RateLimit      RateLimitConfig `yaml:"rate_limit"`
}

type SidechannelConfig struct {
	Mode           string   `yaml:"mode"`
	EntryChannel   string   `yaml:"entry_channel"`
	ListenAddrs    []string `yaml:"listen_addrs"`
	BootstrapPeers []string `yaml:"bootstrap_peers"`
	MDNS           bool     `yaml:"mdns"`
	Channels       []string `yaml:"channels"`
}

type PeerConfig struct {
	PublicKey string `yaml:"public_key"`
	Address   string `yaml:"address"`
}

type PresenceConfig struct {
	// Schedule is a 5-field cron expression. Empty disables announcements.
	Schedule string `yaml:"schedule"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	LogLevel string `yaml:"log_level"`

	Bridge      BridgeConfig      `yaml:"bridge"`
	Sidechannel SidechannelConfig `yaml:"sidechannel"`
	Peer        PeerConfig        `yaml:"peer"`
	Presence    PresenceConfig    `yaml:"presence"`
	OTel        otel.Config       `yaml:"otel"`

	// NeedsConfig is set when config.yaml does not exist yet.
	NeedsConfig bool `yaml:"-"`
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// Fingerprint returns a stable hash of the settings that shape bridge
// behaviour. The token itself is not hashed, only whether one is set.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "host=%s|port=%d|auth=%t|filter=%s|fch=%v|debug=%t|origins=%v|mode=%s|entry=%s|channels=%v",
		c.Bridge.Host, c.Bridge.Port, c.Bridge.Token != "", c.Bridge.Filter, c.filterChannelsKey(),
		c.Bridge.Debug, c.Bridge.AllowOrigins, c.Sidechannel.Mode, c.Sidechannel.EntryChannel, c.Sidechannel.Channels)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

func (c Config) filterChannelsKey() string {
	if c.Bridge.FilterChannels == nil {
		return "*"
	}
	return strings.Join(*c.Bridge.FilterChannels, ",")
}

// BridgeRuntime converts the loaded settings into the bridge's runtime form.
func (c Config) BridgeRuntime() bridge.Config {
	var filterChannels []string
	if c.Bridge.FilterChannels != nil {
		filterChannels = append([]string{}, (*c.Bridge.FilterChannels)...)
	}
	return bridge.Config{
		Host:           c.Bridge.Host,
		Port:           c.Bridge.Port,
		Token:          c.Bridge.Token,
		Filter:         c.Bridge.Filter,
		FilterChannels: filterChannels,
		Debug:          c.Bridge.Debug,
		AllowOrigins:   c.Bridge.AllowOrigins,
		MaxFrameBytes:  c.Bridge.MaxFrameBytes,
		SendQueue:      c.Bridge.SendQueue,
		WriteTimeout:   time.Duration(c.Bridge.WriteTimeoutMS) * time.Millisecond,
		RateLimit: bridge.RateLimitConfig{
			Enabled:           c.Bridge.RateLimit.Enabled,
			CommandsPerMinute: c.Bridge.RateLimit.CommandsPerMinute,
			Burst:             c.Bridge.RateLimit.Burst,
		},
		Peer: bridge.Identity{
			PublicKey: c.Peer.PublicKey,
			Address:   c.Peer.Address,
		},
		Fingerprint: c.Fingerprint(),
	}
}

// BindAddr returns host:port.
func (c Config) BindAddr() string {
	return fmt.Sprintf("%s:%d", c.Bridge.Host, c.Bridge.Port)
}

func defaultConfig() Config {
	return Config{
		LogLevel: "info",
		Bridge: BridgeConfig{
			Host:           bridge.DefaultHost,
			Port:           bridge.DefaultPort,
			MaxFrameBytes:  bridge.DefaultMaxFrameBytes,
			SendQueue:      bridge.DefaultSendQueue,
			WriteTimeoutMS: int(bridge.DefaultWriteTimeout.Milliseconds()),
			RateLimit: RateLimitConfig{
				CommandsPerMinute: 600,
				Burst:             50,
			},
		},
		Sidechannel: SidechannelConfig{
			Mode:         ModeLocal,
			EntryChannel: DefaultEntryChannel,
		},
	}
}

func HomeDir() string {
	if override := os.Getenv("SCBRIDGE_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".scbridge")
}

// Load reads config.yaml from HomeDir, then applies environment overrides.
func Load() (Config, error) {
	return LoadFrom(HomeDir())
}

// LoadFrom is Load with an explicit home directory.
func LoadFrom(homeDir string) (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = homeDir

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create scbridge home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil {
		if os.IsNotExist(err) {
			cfg.NeedsConfig = true
		} else {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	if err := applyEnvOverrides(&cfg); err != nil {
		return cfg, err
	}
	normalize(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func normalize(cfg *Config) {
	d := defaultConfig()
	cfg.Bridge.Host = strings.TrimSpace(cfg.Bridge.Host)
	if cfg.Bridge.Host == "" {
		cfg.Bridge.Host = d.Bridge.Host
	}
	if cfg.Bridge.MaxFrameBytes <= 0 {
		cfg.Bridge.MaxFrameBytes = d.Bridge.MaxFrameBytes
	}
	if cfg.Bridge.SendQueue <= 0 {
		cfg.Bridge.SendQueue = d.Bridge.SendQueue
	}
	if cfg.Bridge.WriteTimeoutMS <= 0 {
		cfg.Bridge.WriteTimeoutMS = d.Bridge.WriteTimeoutMS
	}
	if cfg.Bridge.RateLimit.CommandsPerMinute <= 0 {
		cfg.Bridge.RateLimit.CommandsPerMinute = d.Bridge.RateLimit.CommandsPerMinute
	}
	if cfg.Bridge.RateLimit.Burst <= 0 {
		cfg.Bridge.RateLimit.Burst = d.Bridge.RateLimit.Burst
	}
	if cfg.Bridge.FilterChannels != nil {
		cleaned := []string{}
		for _, ch := range *cfg.Bridge.FilterChannels {
			if ch = strings.TrimSpace(ch); ch != "" {
				cleaned = append(cleaned, ch)
			}
		}
		cfg.Bridge.FilterChannels = &cleaned
	}
	cfg.Sidechannel.Mode = strings.ToLower(strings.TrimSpace(cfg.Sidechannel.Mode))
	if cfg.Sidechannel.Mode == "" {
		cfg.Sidechannel.Mode = ModeLocal
	}
	if strings.TrimSpace(cfg.Sidechannel.EntryChannel) == "" {
		cfg.Sidechannel.EntryChannel = DefaultEntryChannel
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.Bridge.Debug {
		cfg.LogLevel = "debug"
	}
}

func validate(cfg Config) error {
	if cfg.Bridge.Port < 0 || cfg.Bridge.Port > 65535 {
		return fmt.Errorf("bridge.port %d out of range", cfg.Bridge.Port)
	}
	switch cfg.Sidechannel.Mode {
	case ModeLocal, ModeP2P:
	default:
		return fmt.Errorf("sidechannel.mode %q: want %q or %q", cfg.Sidechannel.Mode, ModeLocal, ModeP2P)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) error {
	if raw, ok := os.LookupEnv("SC_BRIDGE_HOST"); ok && raw != "" {
		cfg.Bridge.Host = raw
	}
	if raw := os.Getenv("SC_BRIDGE_PORT"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil {
			return fmt.Errorf("SC_BRIDGE_PORT: %w", err)
		}
		cfg.Bridge.Port = v
	}
	if raw, ok := os.LookupEnv("SC_BRIDGE_TOKEN"); ok {
		cfg.Bridge.Token = raw
	}
	if raw, ok := os.LookupEnv("SC_BRIDGE_FILTER"); ok {
		cfg.Bridge.Filter = raw
	}
	if raw, ok := os.LookupEnv("SC_BRIDGE_FILTER_CHANNELS"); ok {
		list := SplitList(raw)
		cfg.Bridge.FilterChannels = &list
	}
	if raw := os.Getenv("SC_BRIDGE_DEBUG"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			return fmt.Errorf("SC_BRIDGE_DEBUG: %w", err)
		}
		cfg.Bridge.Debug = v
	}
	if raw := os.Getenv("SCBRIDGE_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("SCBRIDGE_SIDECHANNEL_MODE"); raw != "" {
		cfg.Sidechannel.Mode = raw
	}
	return nil
}

// SplitList splits a comma-separated list, dropping blanks. The result is
// never nil.
func SplitList(raw string) []string {
	out := []string{}
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
