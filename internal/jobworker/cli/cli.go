// Package cli defines the overseerd CLI.
package cli

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/tjper/overseerd/internal/jobworker"
)

var (
	debugFlag      = flag.Bool("d", false, "enable debug logging")
	singleUserFlag = flag.Bool("s", false, "single-user-mode hint (init only)")
	safeBootFlag   = flag.Bool("x", false, "safe-boot hint (init only)")
	verboseFlag    = flag.Bool("v", false, "enable verbose logging")
	helpFlag       = flag.Bool("h", false, "usage")
	socketDirFlag  = flag.String("socket-dir", "/var/run/overseerd", "control socket directory prefix")
	adminAddrFlag  = flag.String("admin-addr", "", "optional admin gRPC unix socket path")
)

const (
	ecSuccess = iota
	// ecUnrecognized indicates the subcommand was not recognized.
	ecUnrecognized
	// ecBootstrap indicates the control socket could not be bootstrapped.
	ecBootstrap
	// ecServe indicates the supervisor's event loop returned an error.
	ecServe
)

const (
	// serveSub is the subcommand used to run the supervisor.
	serveSub = "serve"
)

// Run is the entrypoint of the overseerd CLI.
func Run() int {
	flag.Parse()

	if *helpFlag {
		return help("")
	}
	if len(os.Args) < 2 {
		return help("Too few arguments")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	last := len(os.Args) - 1
	switch v := os.Args[last]; v {
	case serveSub:
		return runServe(ctx)
	case jobworker.Reexec:
		return runReexec(ctx)
	default:
		return help(fmt.Sprintf("Unrecognized subcommand \"%s\".", v))
	}
}

// help outputs a general overview of the overseerd executable to the
// user. The text argument may be used to add a detailed help message.
func help(text string) int {
	var b strings.Builder
	if text != "" {
		_, _ = b.WriteString(fmt.Sprintf("\nNotice: %s", text))
	}

	b.WriteString(
		`

overseerd supervises per-user/per-host declared services, launching them
on demand or at load and restarting them under a failure-throttle policy.

Usage:
  overseerd [global flags] command

Available Commands:
  serve       Run the supervisor, accepting control-socket connections.
  reexec      Internal: execs a job's grandchild process. Not for direct use.

Global Flags:
  -d    debug logging
  -s    single-user-mode hint (init only)
  -x    safe-boot hint (init only)
  -v    verbose logging
  -h    usage
`)
	fmt.Fprint(os.Stdout, b.String())
	if text == "" {
		return ecSuccess
	}
	return ecUnrecognized
}
