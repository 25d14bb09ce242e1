// Package reexec provides the grandchild setup/exec path: it is invoked
// as a second run of the supervisor binary (argv[1] == "reexec"), reads
// a job's Spec off its inherited command pipe, performs every ordered
// privilege-drop and resource-limiting step spec §4.4.1 requires, then
// replaces its own process image with the job's program via
// syscall.Exec. Exactly one fork happens per job; there is no further
// double-fork once this process starts its setup.
package reexec

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"os/user"
	"strconv"
	"time"

	"github.com/tjper/overseerd/internal/jobworker/limits"
	"github.com/tjper/overseerd/internal/jobworker/output"
	"github.com/tjper/overseerd/internal/log"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// logger is an object for logging package events to stdout.
var logger = log.New(os.Stdout, "reexec")

var (
	// ErrCommandPipeNotFound indicates that the parent process did not properly
	// configure the command pipe and pass it to the child process.
	ErrCommandPipeNotFound = errors.New("command pipe not found")
	// ErrContinuePipeNotFound indicates that the parent process did not properly
	// configure the continue pipe and pass it to the child process.
	ErrContinuePipeNotFound = errors.New("continue pipe not found")
)

// errExpectedEOF indicates the read operation expected an io.EOF error, but
// no error was returned.
var errExpectedEOF = errors.New("expected EOF")

const (
	// CommandSuccess indicates the reexec setup completed and the target
	// program's image replaced this process; this value is only ever
	// returned on a setup failure path, since a successful exec never
	// returns to the caller.
	CommandSuccess = 0
	// CommandFailure indicates the reexec execution failed before the
	// target program's image replaced this process, i.e. during setup.
	CommandFailure = 100
)

// Spec is the fully-resolved description of a job's grandchild, written
// by the supervisor's job.Spawn onto the command pipe and read back here.
// It carries everything the descriptor held plus the bookkeeping the
// setup sequence and throttle policy need (spec §4.4.1/§4.4.3).
type Spec struct {
	ID                 uuid.UUID
	Program            string
	Args               []string
	Env                map[string]string
	Limits             limits.Set
	UserName           string
	GroupName          string
	InitGroups         bool
	RootDirectory      string
	WorkingDirectory   string
	Umask              *int
	StandardOutPath    string
	StandardErrorPath  string
	InetdCompatibility bool
	LowPriorityIO      bool
	Nice               *int
	// TrustedFD is the absolute descriptor number, inherited from the
	// supervisor via ExtraFiles, of this job's service-IPC socket half.
	// Zero when ServiceIPC is false.
	TrustedFD int
	// SocketFDs maps each configured activation socket's name to its
	// absolute inherited descriptor number.
	SocketFDs map[string]int
	// RunGap is the time since this job's previous spawn, used to decide
	// whether the throttle delay applies.
	RunGap time.Duration
	// PriorFailedExits is the job's failedExits counter as of this spawn,
	// used alongside RunGap to decide whether the throttle delay applies.
	PriorFailedExits int
}

// Exec reads the Spec the supervisor piped to this process, performs the
// ordered setup spec §4.4.1 requires, and execs the target program in
// place. On any setup failure it returns CommandFailure and the error;
// on success it does not return at all, since syscall.Exec replaces the
// calling process's image.
func Exec(ctx context.Context) (int, error) {
	// The supervisor has placed ExtraFiles[0] at fd 3 and ExtraFiles[1] at
	// fd 4: the command-spec pipe and the continue pipe, respectively.
	cmdfd := os.NewFile(uintptr(3), "/proc/self/fd/3")
	if cmdfd == nil {
		return CommandFailure, ErrCommandPipeNotFound
	}
	contfd := os.NewFile(uintptr(4), "/proc/self/fd/4")
	if contfd == nil {
		return CommandFailure, ErrContinuePipeNotFound
	}

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(cmdfd); err != nil {
		return CommandFailure, errors.WithStack(err)
	}
	var spec Spec
	if err := json.Unmarshal(buf.Bytes(), &spec); err != nil {
		return CommandFailure, errors.WithStack(err)
	}

	// Wait for the supervisor's continue signal: it closes its write half
	// once the new pid is registered and the trusted connection (if any)
	// is associated with the job record.
	waitCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := waitForContinue(waitCtx, contfd); err != nil {
		return CommandFailure, errors.WithStack(err)
	}

	if spec.Nice != nil {
		if err := unix.Setpriority(unix.PRIO_PROCESS, 0, *spec.Nice); err != nil {
			logger.Warnf("setpriority; job: %s, error: %s", spec.ID, err)
		}
	}

	if err := limits.Apply(spec.Limits); err != nil {
		return CommandFailure, errors.WithStack(err)
	}

	if spec.LowPriorityIO {
		setIdleIOPriority()
	}

	var uid, gid int
	var groups []int
	if spec.UserName != "" {
		u, err := user.Lookup(spec.UserName)
		if err != nil {
			return CommandFailure, errors.WithStack(err)
		}
		uid, err = strconv.Atoi(u.Uid)
		if err != nil {
			return CommandFailure, errors.WithStack(err)
		}
		gid, err = strconv.Atoi(u.Gid)
		if err != nil {
			return CommandFailure, errors.WithStack(err)
		}
		if spec.InitGroups {
			gidStrs, err := u.GroupIds()
			if err != nil {
				return CommandFailure, errors.WithStack(err)
			}
			groups = make([]int, 0, len(gidStrs))
			for _, s := range gidStrs {
				g, err := strconv.Atoi(s)
				if err != nil {
					return CommandFailure, errors.WithStack(err)
				}
				groups = append(groups, g)
			}
		}
	}
	if spec.GroupName != "" {
		g, err := user.LookupGroup(spec.GroupName)
		if err != nil {
			return CommandFailure, errors.WithStack(err)
		}
		gid, err = strconv.Atoi(g.Gid)
		if err != nil {
			return CommandFailure, errors.WithStack(err)
		}
	}

	// Ordering per spec §4.4.1: chroot, then working directory, then
	// umask, then supplementary groups, then gid, then uid last so the
	// process never runs any of the preceding steps with reduced
	// privilege.
	if spec.RootDirectory != "" {
		if err := unix.Chroot(spec.RootDirectory); err != nil {
			return CommandFailure, errors.Wrap(err, "chroot")
		}
		if err := unix.Chdir("/"); err != nil {
			return CommandFailure, errors.Wrap(err, "chdir post-chroot")
		}
	}
	if spec.WorkingDirectory != "" {
		if err := unix.Chdir(spec.WorkingDirectory); err != nil {
			return CommandFailure, errors.Wrap(err, "chdir working directory")
		}
	}
	if spec.Umask != nil {
		unix.Umask(*spec.Umask)
	}
	if len(groups) > 0 {
		if err := unix.Setgroups(groups); err != nil {
			return CommandFailure, errors.Wrap(err, "setgroups")
		}
	}
	if gid != 0 {
		if err := unix.Setresgid(gid, gid, gid); err != nil {
			return CommandFailure, errors.Wrap(err, "setgid")
		}
	}
	if uid != 0 {
		if err := unix.Setresuid(uid, uid, uid); err != nil {
			return CommandFailure, errors.Wrap(err, "setuid")
		}
	}

	if err := redirectStdio(spec); err != nil {
		return CommandFailure, errors.WithStack(err)
	}

	path, err := resolveProgram(spec)
	if err != nil {
		return CommandFailure, errors.WithStack(err)
	}
	argv := spec.Args
	if len(argv) == 0 {
		argv = []string{path}
	}

	env := buildEnv(spec)

	// Detach from the controlling terminal (spec §4.4.1), after stdio
	// redirection and before the throttle sleep/exec, matching the
	// original's setsid() placement in the grandchild setup path.
	if _, err := unix.Setsid(); err != nil {
		logger.Warnf("setsid; job: %s, error: %s", spec.ID, err)
	}

	if err := throttle(spec); err != nil {
		return CommandFailure, errors.WithStack(err)
	}

	cmdfd.Close()
	contfd.Close()

	if err := unix.Exec(path, argv, env); err != nil {
		return CommandFailure, errors.Wrap(err, "exec")
	}
	// unix.Exec only returns on failure.
	return CommandSuccess, nil
}

// ioprioSetSyscall is the Linux x86_64 ioprio_set syscall number. There is
// no golang.org/x/sys/unix wrapper for it, so this is a best-effort raw
// syscall: failure is logged, never fatal, matching LowPriorityIO's
// "best-effort" framing in spec §3.
const ioprioSetSyscall = 251

const (
	ioprioWhoProcess = 1
	ioprioClassIdle  = 3
	ioprioClassShift = 13
)

// setIdleIOPriority best-effort lowers this process's I/O scheduling
// class to idle, matching LowPriorityIO (spec §3/§4.4.1).
func setIdleIOPriority() {
	prio := ioprioClassIdle << ioprioClassShift
	_, _, errno := unix.Syscall(ioprioSetSyscall, ioprioWhoProcess, 0, uintptr(prio))
	if errno != 0 {
		logger.Warnf("ioprio_set; error: %s", errno)
	}
}

// throttle applies the respawn delay spec §4.4.3 requires when a job's
// previous run ended in under minimumRunTime seconds and it has at least
// one recorded failed exit: it prevents a crash-looping job from
// consuming the CPU in a tight respawn cycle.
func throttle(spec Spec) error {
	const minimumRunTime = 10 * time.Second
	if spec.PriorFailedExits == 0 {
		return nil
	}
	if spec.RunGap <= 0 || spec.RunGap >= minimumRunTime {
		return nil
	}
	time.Sleep(minimumRunTime - spec.RunGap)
	return nil
}

// redirectStdio replaces fd 1 and 2 with the job's configured (or
// default) output file, opening it if necessary.
func redirectStdio(spec Spec) error {
	outPath := output.Resolve(spec.StandardOutPath, spec.ID)
	errPath := output.Resolve(spec.StandardErrorPath, spec.ID)

	outFile, err := os.OpenFile(outPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
	if err != nil {
		return errors.WithStack(err)
	}
	if err := unix.Dup2(int(outFile.Fd()), 1); err != nil {
		return errors.Wrap(err, "dup2 stdout")
	}

	if errPath == outPath {
		if err := unix.Dup2(int(outFile.Fd()), 2); err != nil {
			return errors.Wrap(err, "dup2 stderr")
		}
		return nil
	}

	errFile, err := os.OpenFile(errPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
	if err != nil {
		return errors.WithStack(err)
	}
	if err := unix.Dup2(int(errFile.Fd()), 2); err != nil {
		return errors.Wrap(err, "dup2 stderr")
	}
	return nil
}

// resolveProgram applies spec §3's Program-overrides-ProgramArguments[0]
// rule and resolves it against PATH, matching exec.LookPath's search
// rules (absolute paths are returned unchanged).
func resolveProgram(spec Spec) (string, error) {
	name := spec.Program
	if name == "" {
		if len(spec.Args) == 0 {
			return "", fmt.Errorf("program arguments missing")
		}
		name = spec.Args[0]
	}
	return exec.LookPath(name)
}

// buildEnv assembles the grandchild's environment: the supervisor's own
// environment as a base, the descriptor's EnvironmentVariables layered
// on top, and the trusted-fd/activation-socket handshake variables the
// target program needs to find its inherited descriptors.
func buildEnv(spec Spec) []string {
	merged := make(map[string]string, len(spec.Env)+4)
	for _, kv := range os.Environ() {
		for i := 0; i < len(kv); i++ {
			if kv[i] == '=' {
				merged[kv[:i]] = kv[i+1:]
				break
			}
		}
	}
	for k, v := range spec.Env {
		merged[k] = v
	}
	if spec.TrustedFD != 0 {
		merged["OVERSEER_TRUSTED_FD"] = strconv.Itoa(spec.TrustedFD)
	}
	for name, fd := range spec.SocketFDs {
		merged[fmt.Sprintf("OVERSEER_SOCKET_%s", name)] = strconv.Itoa(fd)
	}

	env := make([]string, 0, len(merged))
	for k, v := range merged {
		env = append(env, k+"="+v)
	}
	return env
}

// waitForContinue waits for EOF to be received from fd. The parent process
// will close fd when this process may continue.
func waitForContinue(ctx context.Context, fd io.ReadCloser) error {
	go func() {
		<-ctx.Done()
		if err := fd.Close(); err != nil {
			logger.Errorf("closing continue pipe; err: %s", err)
		}
	}()

	b := make([]byte, 1)
	_, err := fd.Read(b)
	if errors.Is(err, io.EOF) {
		return nil
	}
	if err != nil {
		return errors.WithStack(err)
	}
	return errExpectedEOF
}
