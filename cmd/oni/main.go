package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

DAEMON MODE:
  %s                           Start the gateway daemon

SUBCOMMANDS:
  %s status                    Show daemon health (/healthz)
  %s chat <text>               Run one agent turn through the daemon
  %s sessions <action>         list, preview, reset, cleanup
  %s devices <action>          list, approve, reject, rotate, revoke, clear
  %s pairing <action>          list, approve, reject
  %s channels <action>         list, status, capabilities, resolve, send
  %s models list               Show available models and per-agent chains
  %s skills list               Show configured skill entries
  %s agent identity <id>       Show one agent's identity and model chain
  %s config <action>           init, get, set, import
  %s doctor [--json]           Run local environment diagnostics
  %s import [--path f] [--force]  Import a legacy YAML config

FLAGS:
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0],
		os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0],
		os.Args[0], os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  ONI_HOME                 Data directory (default: ~/.oni)
  ONI_BIND_ADDR            Gateway bind address override
  ONI_AUTH_TOKEN           Gateway bearer token override
  ONI_AGENT_CMD            Agent backend command run per turn
  ONI_WHATSAPP_BRIDGE      WhatsApp session bridge base URL
  ONI_SIGNAL_BRIDGE        Signal session bridge base URL
`)
}

func main() {
	flag.Usage = printUsage
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	args := flag.Args()
	if len(args) == 0 {
		os.Exit(runDaemon(ctx, stop))
	}

	switch strings.ToLower(strings.TrimSpace(args[0])) {
	case "help", "-h", "--help":
		printUsage()
	case "daemon":
		os.Exit(runDaemon(ctx, stop))
	case "status":
		os.Exit(runStatusCommand(ctx, args[1:]))
	case "chat":
		os.Exit(runChatCommand(ctx, args[1:]))
	case "sessions":
		os.Exit(runSessionsCommand(ctx, args[1:]))
	case "devices":
		os.Exit(runDevicesCommand(ctx, args[1:]))
	case "pairing":
		os.Exit(runPairingCommand(ctx, args[1:]))
	case "channels":
		os.Exit(runChannelsCommand(ctx, args[1:]))
	case "models":
		os.Exit(runModelsCommand(ctx, args[1:]))
	case "skills":
		os.Exit(runSkillsCommand(ctx, args[1:]))
	case "agent":
		os.Exit(runAgentCommand(ctx, args[1:]))
	case "config":
		os.Exit(runConfigCommand(ctx, args[1:]))
	case "doctor":
		os.Exit(runDoctorCommand(ctx, args[1:]))
	case "import":
		os.Exit(runImportCommand(args[1:]))
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", args[0])
		printUsage()
		os.Exit(2)
	}
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"runtime","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	os.Exit(1)
}
