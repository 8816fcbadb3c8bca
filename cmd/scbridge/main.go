package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/zitters/agent-market/internal/audit"
	otelPkg "github.com/zitters/agent-market/internal/otel"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

func printUsage(w io.Writer) {
	fmt.Fprintf(w, `Usage: scbridge [command] [flags]

COMMANDS:
  serve (default)          Run the WebSocket bridge
  tail                     Follow sidechannel traffic through a running bridge
  status                   Print the running bridge's /healthz
  doctor [--json]          Run diagnostic checks
  version                  Print the version

Run "scbridge <command> --help" for command flags.

ENVIRONMENT VARIABLES:
  SCBRIDGE_HOME              Data directory (default: ~/.scbridge)
  SC_BRIDGE_HOST             Bind host (default: 127.0.0.1)
  SC_BRIDGE_PORT             Bind port (default: 49222)
  SC_BRIDGE_TOKEN            Client auth token (empty disables auth)
  SC_BRIDGE_FILTER           Default filter, e.g. "code+dev|design"
  SC_BRIDGE_FILTER_CHANNELS  Comma list of channels the filter applies to
  SC_BRIDGE_DEBUG            Log every inbound sidechannel message
  SCBRIDGE_LOG_LEVEL         debug, info, warn or error
  SCBRIDGE_SIDECHANNEL_MODE  local or p2p
`)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	os.Exit(run(ctx, os.Args[1:]))
}

func run(ctx context.Context, args []string) int {
	cmd := "serve"
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		cmd = strings.ToLower(strings.TrimSpace(args[0]))
		args = args[1:]
	}
	switch cmd {
	case "serve":
		return runServeCommand(ctx, args)
	case "tail":
		return runTailCommand(ctx, args)
	case "status":
		return runStatusCommand(ctx, args)
	case "doctor":
		return runDoctorCommand(ctx, args)
	case "version":
		fmt.Println(Version)
		return 0
	case "help":
		printUsage(os.Stdout)
		return 0
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", cmd)
		printUsage(os.Stderr)
		return 2
	}
}

// startupFailure records a startup failure with a stable reason code and
// returns the process exit code.
func startupFailure(logger *slog.Logger, reasonCode string, err error) int {
	message := ""
	if err != nil {
		message = err.Error()
	}
	audit.Record("fatal", "runtime.startup", reasonCode, "", message)

	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"runtime","trace_id":"-","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	return 1
}

func init() {
	otelPkg.Version = Version
}
