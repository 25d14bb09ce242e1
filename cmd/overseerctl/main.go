// Command overseerctl streams a newline-delimited JSON job config file
// into a running overseerd's control socket. The supervisor launches it
// at startup and again on SIGHUP (spec §4.9/§6); it can also be run by
// hand against an arbitrary config path and socket.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"strconv"

	"github.com/tjper/overseerd/internal/jobworker/configload"
	"github.com/tjper/overseerd/internal/jobworker/ipc"
	"github.com/tjper/overseerd/internal/log"
)

var logger = log.New(os.Stdout, "overseerctl")

func main() {
	os.Exit(run())
}

func run() int {
	var (
		socketDir = flag.String("socket-dir", "/var/run/overseerd", "control socket directory prefix")
		confPath  = flag.String("conf", "", "path to job config file (defaults per-instance)")
		initHint  = flag.Bool("init", false, "this process is the init-instance companion")
	)
	flag.Parse()

	path := *confPath
	if path == "" {
		path = configload.DefaultPath(*initHint)
	}

	f, err := os.Open(path)
	if err != nil {
		logger.Errorf("open config %q; error: %s", path, err)
		return 1
	}
	defer f.Close()

	sockPath := *socketDir + "/" + strconv.Itoa(os.Getuid()) + "/sock"
	uc, err := net.DialUnix("unix", nil, &net.UnixAddr{Name: sockPath, Net: "unix"})
	if err != nil {
		logger.Errorf("dial control socket %q; error: %s", sockPath, err)
		return 1
	}
	defer uc.Close()

	conn := ipc.NewConn(uc)
	if err := configload.Stream(context.Background(), f, conn); err != nil {
		logger.Errorf("stream config; error: %s", err)
		return 1
	}

	fmt.Fprintf(os.Stdout, "loaded config from %s\n", path)
	return 0
}
