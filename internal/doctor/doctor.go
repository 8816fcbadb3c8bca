package doctor

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"

	"github.com/zitters/agent-market/internal/config"
	"github.com/zitters/agent-market/internal/filter"
	"github.com/zitters/agent-market/internal/presence"
	"github.com/zitters/agent-market/internal/shared"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"` // "PASS", "FAIL", "WARN", "SKIP"
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

// Failed reports whether any check failed.
func (d Diagnosis) Failed() bool {
	for _, r := range d.Results {
		if r.Status == "FAIL" {
			return true
		}
	}
	return false
}

// Run executes all diagnostic checks.
func Run(ctx context.Context, cfg *config.Config, version string) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}

	checks := []func(context.Context, *config.Config) CheckResult{
		checkConfig,
		checkEnvironment,
		checkExposure,
		checkPort,
		checkFilter,
		checkSidechannel,
		checkPresence,
		checkPermissions,
	}

	for _, check := range checks {
		d.Results = append(d.Results, check(ctx, cfg))
	}

	return d
}

func checkConfig(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Config", Status: "FAIL", Message: "Configuration not loaded"}
	}
	if cfg.NeedsConfig {
		return CheckResult{Name: "Config", Status: "WARN", Message: "config.yaml missing, running on defaults", Detail: config.ConfigPath(cfg.HomeDir)}
	}
	return CheckResult{Name: "Config", Status: "PASS", Message: fmt.Sprintf("Loaded from %s", cfg.HomeDir), Detail: cfg.Fingerprint()}
}

// checkEnvironment lists the SC_BRIDGE_* and SCBRIDGE_* overrides in effect.
func checkEnvironment(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Environment", Status: "SKIP", Message: "Config missing"}
	}
	var set []string
	for _, kv := range os.Environ() {
		key, value, _ := strings.Cut(kv, "=")
		if strings.HasPrefix(key, "SC_BRIDGE_") || strings.HasPrefix(key, "SCBRIDGE_") {
			set = append(set, key+"="+shared.RedactEnvValue(key, value))
		}
	}
	if len(set) == 0 {
		return CheckResult{Name: "Environment", Status: "PASS", Message: "No environment overrides"}
	}
	sort.Strings(set)
	return CheckResult{
		Name:    "Environment",
		Status:  "PASS",
		Message: fmt.Sprintf("%d environment override(s)", len(set)),
		Detail:  strings.Join(set, ", "),
	}
}

// checkExposure flags a bridge reachable from other hosts without a token.
func checkExposure(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Exposure", Status: "SKIP", Message: "Config missing"}
	}
	if isLoopback(cfg.Bridge.Host) {
		return CheckResult{Name: "Exposure", Status: "PASS", Message: fmt.Sprintf("Bound to loopback %s", cfg.Bridge.Host)}
	}
	if cfg.Bridge.Token == "" {
		return CheckResult{
			Name:    "Exposure",
			Status:  "FAIL",
			Message: fmt.Sprintf("Bridge listens on %s without a token", cfg.Bridge.Host),
			Detail:  "Set bridge.token or SC_BRIDGE_TOKEN, or bind to 127.0.0.1",
		}
	}
	if len(cfg.Bridge.AllowOrigins) == 0 {
		return CheckResult{Name: "Exposure", Status: "WARN", Message: "Token set but allow_origins is empty; browsers from other origins are refused"}
	}
	return CheckResult{Name: "Exposure", Status: "PASS", Message: "Non-loopback bind is token protected"}
}

func isLoopback(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func checkPort(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Port", Status: "SKIP", Message: "Config missing"}
	}
	addr := cfg.BindAddr()
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return CheckResult{
			Name:    "Port",
			Status:  "WARN",
			Message: fmt.Sprintf("%s unavailable", addr),
			Detail:  fmt.Sprintf("%v (a bridge may already be running)", err),
		}
	}
	_ = ln.Close()
	return CheckResult{Name: "Port", Status: "PASS", Message: fmt.Sprintf("%s is free", addr)}
}

func checkFilter(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Filter", Status: "SKIP", Message: "Config missing"}
	}
	raw := cfg.Bridge.Filter
	f := filter.Parse(raw)
	scope := "all channels"
	if fc := cfg.Bridge.FilterChannels; fc != nil {
		scope = fmt.Sprintf("channels %v", *fc)
	}
	switch {
	case strings.TrimSpace(raw) == "":
		return CheckResult{Name: "Filter", Status: "PASS", Message: "No default filter; clients receive everything"}
	case f.Empty():
		return CheckResult{Name: "Filter", Status: "WARN", Message: fmt.Sprintf("Filter %q has no terms and matches everything", raw)}
	}
	return CheckResult{
		Name:    "Filter",
		Status:  "PASS",
		Message: fmt.Sprintf("%d alternative(s) applied to %s", len(f.Groups()), scope),
		Detail:  f.String(),
	}
}

func checkSidechannel(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Sidechannel", Status: "SKIP", Message: "Config missing"}
	}
	sc := cfg.Sidechannel
	if sc.Mode == config.ModeLocal {
		return CheckResult{Name: "Sidechannel", Status: "PASS", Message: "Local loopback mode", Detail: "entry=" + sc.EntryChannel}
	}

	var problems []string
	for _, a := range sc.ListenAddrs {
		if _, err := multiaddr.NewMultiaddr(a); err != nil {
			problems = append(problems, fmt.Sprintf("listen %q: %v", a, err))
		}
	}
	for _, a := range sc.BootstrapPeers {
		if _, err := peer.AddrInfoFromString(a); err != nil {
			problems = append(problems, fmt.Sprintf("bootstrap %q: %v", a, err))
		}
	}
	if len(problems) > 0 {
		return CheckResult{Name: "Sidechannel", Status: "FAIL", Message: "Invalid p2p addresses", Detail: strings.Join(problems, "; ")}
	}
	if len(sc.BootstrapPeers) == 0 && !sc.MDNS {
		return CheckResult{Name: "Sidechannel", Status: "WARN", Message: "p2p mode with no bootstrap peers and mDNS off; this peer will be alone"}
	}
	return CheckResult{
		Name:    "Sidechannel",
		Status:  "PASS",
		Message: fmt.Sprintf("p2p mode, %d bootstrap peer(s), mdns=%t", len(sc.BootstrapPeers), sc.MDNS),
		Detail:  "entry=" + sc.EntryChannel,
	}
}

func checkPresence(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil || cfg.Presence.Schedule == "" {
		return CheckResult{Name: "Presence", Status: "SKIP", Message: "Presence announcements disabled"}
	}
	next, err := presence.NextRunTime(cfg.Presence.Schedule, time.Now())
	if err != nil {
		return CheckResult{Name: "Presence", Status: "FAIL", Message: fmt.Sprintf("Invalid schedule %q: %v", cfg.Presence.Schedule, err)}
	}
	return CheckResult{Name: "Presence", Status: "PASS", Message: fmt.Sprintf("Next announcement at %s", next.Format(time.RFC3339))}
}

func checkPermissions(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Permissions", Status: "SKIP", Message: "Config missing"}
	}
	logs := filepath.Join(cfg.HomeDir, "logs")
	if err := os.MkdirAll(logs, 0o755); err != nil {
		return CheckResult{Name: "Permissions", Status: "FAIL", Message: fmt.Sprintf("Cannot create log dir: %v", err)}
	}
	testFile := filepath.Join(logs, ".write_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return CheckResult{Name: "Permissions", Status: "FAIL", Message: fmt.Sprintf("Log dir unwritable: %v", err)}
	}
	os.Remove(testFile)

	return CheckResult{Name: "Permissions", Status: "PASS", Message: "Log directory writable"}
}
