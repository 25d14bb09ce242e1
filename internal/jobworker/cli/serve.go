package cli

import (
	"context"
	"net"
	"os"
	"os/exec"
	"time"

	"github.com/tjper/overseerd/internal/jobworker/bootstrap"
	"github.com/tjper/overseerd/internal/jobworker/configload"
	igrpc "github.com/tjper/overseerd/internal/jobworker/grpc"
	"github.com/tjper/overseerd/internal/jobworker/ipc"
	"github.com/tjper/overseerd/internal/jobworker/supervisor"
	"github.com/tjper/overseerd/internal/jobworker/watch"
	pb "github.com/tjper/overseerd/proto/gen/go/jobworker/v1"

	"google.golang.org/grpc"
)

// isInit reports whether this process is running as host process 1,
// which selects the system-wide config file and disables the
// idle-timeout self-exit policy (spec §4.1/§4.2). The -s and -x hints
// are only logged, whether or not this process is init.
func isInit() bool { return os.Getpid() == 1 }

func runServe(ctx context.Context) int {
	uln, release, err := bootstrap.Listen(*socketDirFlag)
	if err != nil {
		logger.Errorf("bootstrap control socket; error: %s", err)
		if err == bootstrap.ErrAnotherInstance {
			return ecSuccess
		}
		return ecBootstrap
	}
	defer release()

	if *singleUserFlag {
		logger.Infof("single-user-mode hint set")
	}
	if *safeBootFlag {
		logger.Infof("safe-boot hint set")
	}
	if *debugFlag {
		logger.Infof("debug logging enabled")
	}
	if *verboseFlag {
		logger.Infof("verbose logging enabled")
	}

	sup := supervisor.New(ipc.NewListener(uln), isInit())
	sup.SetReloadHook(func() { loadConfig() })
	loadConfig()

	watchCtx, cancelWatch := context.WithCancel(ctx)
	defer cancelWatch()
	go watchConfig(watchCtx)

	if *adminAddrFlag != "" {
		srv, adminLis, err := newAdminServer(sup, *adminAddrFlag)
		if err != nil {
			logger.Errorf("admin api setup; error: %s", err)
			return ecBootstrap
		}
		go func() {
			if err := srv.Serve(adminLis); err != nil {
				logger.Warnf("admin api serve; error: %s", err)
			}
		}()
		defer srv.Stop()
	}

	if err := sup.Run(); err != nil {
		logger.Errorf("supervisor run; error: %s", err)
		return ecServe
	}
	return ecSuccess
}

// loadConfig launches the companion overseerctl process to stream the
// job config file into this process's own control socket (spec §4.9):
// run at startup and again on SIGHUP, as a separate process rather than
// an in-process call so a malformed config file can never block the
// event loop.
func loadConfig() {
	args := []string{"-socket-dir", *socketDirFlag}
	if isInit() {
		args = append(args, "-init")
	}
	cmd := exec.Command("overseerctl", args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		logger.Warnf("launch overseerctl; error: %s", err)
		return
	}
	go func() {
		if err := cmd.Wait(); err != nil {
			logger.Warnf("overseerctl exited; pid: %d, error: %s", cmd.Process.Pid, err)
		}
	}()
}

// watchConfig polls the job config file for edits and re-runs loadConfig
// on change, so a config save takes effect without waiting for an
// operator to send SIGHUP. HUP remains the authoritative reload trigger
// (spec §6); this is a convenience layered on top of it, since editors
// that replace-on-save can leave a HUP-only workflow feeling laggy.
func watchConfig(ctx context.Context) {
	path := configload.DefaultPath(isInit())
	w := watch.NewModWatcher(path)

	go func() {
		if err := w.Watch(ctx, 2*time.Second); err != nil && ctx.Err() == nil {
			logger.Warnf("watch config %q; error: %s", path, err)
		}
	}()

	for {
		if err := w.WaitUntil(ctx); err != nil {
			return
		}
		loadConfig()
	}
}

// newAdminServer binds the optional gRPC admin API (spec SPEC_FULL.md's
// add-on) to a unix socket at addr, authenticating callers by SO_PEERCRED
// rather than TLS (Non-goal: no crypto-based authentication).
func newAdminServer(sup *supervisor.Supervisor, addr string) (*grpc.Server, net.Listener, error) {
	os.Remove(addr)
	uln, err := net.ListenUnix("unix", &net.UnixAddr{Name: addr, Net: "unix"})
	if err != nil {
		return nil, nil, err
	}

	srv := grpc.NewServer(grpc.Creds(igrpc.PeerCredentials{}))
	pb.RegisterJobWorkerServiceServer(srv, igrpc.NewJobWorker(sup))
	return srv, igrpc.NewPeerCredListener(uln), nil
}
