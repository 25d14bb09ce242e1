// Package job provides the job record, its lifecycle state machine, and
// the job table, realizing spec §3/§4.3/§4.4.
package job

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/tjper/overseerd/internal/jobworker"
	"github.com/tjper/overseerd/internal/jobworker/reexec"
	"github.com/tjper/overseerd/internal/log"

	"golang.org/x/sys/unix"
)

// logger is an object for logging package events to stdout.
var logger = log.New(os.Stdout, "job")

// New creates a Job from a validated, defaulted Descriptor. The caller
// (job.Table, on a successful SUBMIT_JOB) is responsible for validation
// and default application.
func New(d Descriptor) *Job {
	return &Job{
		mutex:      new(sync.RWMutex),
		ID:         uuid.New(),
		Descriptor: d,
		status:     LoadedIdle,
		exitCode:   noExit,
		sockets:    make(openSockets),
	}
}

// Job represents a single declared service and its runtime state (spec §3).
type Job struct {
	mutex *sync.RWMutex

	// ID is an internal unique identifier, distinct from the client-facing
	// Label, used to name the job's default output file.
	ID uuid.UUID

	Descriptor

	status      Status
	pid         int
	exitCode    int
	lastStart   time.Time
	failedExits int
	checkedIn   bool

	// conn is the trusted connection back-pointer (invariant iii); it is
	// wired by the supervisor package once the job's IPC connection is
	// accepted, so it is stored as an opaque value here to avoid an
	// import cycle with the ipc package.
	conn interface{}

	sockets openSockets

	exec   *exec.Cmd
	cancel context.CancelFunc
}

// Status retrieves the Job's lifecycle state.
func (j *Job) Status() Status {
	j.mutex.RLock()
	defer j.mutex.RUnlock()
	return j.status
}

// ExitCode retrieves the Job's most recently observed exit code.
func (j *Job) ExitCode() int {
	j.mutex.RLock()
	defer j.mutex.RUnlock()
	return j.exitCode
}

func (j *Job) setStatus(s Status) {
	j.mutex.Lock()
	j.status = s
	j.mutex.Unlock()
}

// SetStatus transitions the job's lifecycle state; exported for the
// supervisor package to drive Loaded-Idle/Running/Retired transitions
// that don't originate from Spawn/Reap directly (e.g. idle re-arm).
func (j *Job) SetStatus(s Status) { j.setStatus(s) }

// PID retrieves the Job's child pid, or zero if no child is live
// (invariant ii).
func (j *Job) PID() int {
	j.mutex.RLock()
	defer j.mutex.RUnlock()
	return j.pid
}

// CheckedIn reports whether the job's child has completed CHECK_IN.
func (j *Job) CheckedIn() bool {
	j.mutex.RLock()
	defer j.mutex.RUnlock()
	return j.checkedIn
}

// OnDemand reports the job's effective on-demand flag.
func (j *Job) OnDemand() bool {
	j.mutex.RLock()
	defer j.mutex.RUnlock()
	return j.Descriptor.onDemand()
}

// ServiceIPC reports the job's effective service-IPC flag.
func (j *Job) ServiceIPC() bool {
	j.mutex.RLock()
	defer j.mutex.RUnlock()
	return j.Descriptor.serviceIPC()
}

// SetCheckedIn latches checkedIn to true.
func (j *Job) SetCheckedIn() {
	j.mutex.Lock()
	j.checkedIn = true
	j.mutex.Unlock()
}

// Conn retrieves the trusted connection back-pointer.
func (j *Job) Conn() interface{} {
	j.mutex.RLock()
	defer j.mutex.RUnlock()
	return j.conn
}

// SetConn sets the trusted connection back-pointer.
func (j *Job) SetConn(c interface{}) {
	j.mutex.Lock()
	j.conn = c
	j.mutex.Unlock()
}

// FailedExits retrieves the consecutive-failed-exit counter.
func (j *Job) FailedExits() int {
	j.mutex.RLock()
	defer j.mutex.RUnlock()
	return j.failedExits
}

// Snapshot returns a copy of the job's descriptor with descriptor-carrying
// leaves revoked, for GET_JOBS/GET_JOB.
func (j *Job) Snapshot() Descriptor {
	j.mutex.RLock()
	defer j.mutex.RUnlock()
	return j.Descriptor.revoke()
}

// SnapshotWithHandles returns a copy of the job's descriptor preserving
// its Sockets address set, for GET_JOB_WITH_HANDLES. The open activation
// files themselves are not part of the copy.
func (j *Job) SnapshotWithHandles() Descriptor {
	j.mutex.RLock()
	defer j.mutex.RUnlock()
	return j.Descriptor
}

// ActivationFiles returns the job's currently-open activation descriptors,
// used by the on-demand bridge (spec §4.6) to poll for readiness while
// the job is Loaded-Idle.
func (j *Job) ActivationFiles() map[string]*os.File {
	j.mutex.RLock()
	defer j.mutex.RUnlock()
	out := make(map[string]*os.File, len(j.sockets))
	for k, v := range j.sockets {
		out[k] = v
	}
	return out
}

// OpenActivationSockets creates the listening sockets described by the
// job's SocketSpecs eagerly, so an on-demand job has descriptors to arm
// with the on-demand bridge while it sits Loaded-Idle, before it has
// ever been spawned (spec §4.6). Exported for the supervisor package;
// Spawn calls the unexported form again, which is a no-op given these
// are already open.
func (j *Job) OpenActivationSockets() error { return j.openActivationSockets() }

// openActivationSockets creates the listening sockets described by the
// job's SocketSpecs, populating j.sockets. Idempotent: sockets already
// open are left alone.
func (j *Job) openActivationSockets() error {
	j.mutex.Lock()
	defer j.mutex.Unlock()

	for name, spec := range j.Descriptor.Sockets {
		if _, ok := j.sockets[name]; ok {
			continue
		}
		f, err := listenFile(spec)
		if err != nil {
			return fmt.Errorf("open activation socket %q: %w", name, err)
		}
		j.sockets[name] = f
	}
	return nil
}

// Spawn transitions the job Loaded-Idle/first-load → Running: it forks
// and execs a reexec grandchild carrying the job's spec, applies the
// throttle gap, and wires the supervisor-side trusted connection half
// (spec §4.4.1).
//
// SpawnResult is the outcome of waiting for a spawned job's child to
// exit, carrying enough detail to drive the §4.4.2/§4.4.3 policy.
type SpawnResult struct {
	Code     int
	Signaled bool
	Signal   syscall.Signal
	RanFor   time.Duration
}

// Spawn returns the *os.File of the supervisor-side trusted socket (nil
// if ServiceIPC is false), a continueFn the caller must invoke once it
// has finished registering the new pid and associating the trusted
// connection (unblocking the grandchild's pre-exec wait), and a wait
// function the caller should run in its own goroutine to observe the
// child's exit.
func (j *Job) Spawn() (trusted *os.File, continueFn func(), wait func() SpawnResult, err error) {
	if j.Status() == Running {
		return nil, nil, nil, ErrAlreadyRunning
	}

	self, err := os.Executable()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("resolve supervisor executable: %w", err)
	}

	cmdOut, cmdIn, err := os.Pipe()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("job spec pipe: %w", err)
	}
	contOut, contIn, err := os.Pipe()
	if err != nil {
		cmdOut.Close()
		cmdIn.Close()
		return nil, nil, nil, fmt.Errorf("continue pipe: %w", err)
	}

	extra := []*os.File{cmdOut, contOut}
	trustedFD := 0
	var childSocket *os.File
	if j.Descriptor.serviceIPC() {
		fds, serr := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
		if serr != nil {
			cmdOut.Close()
			cmdIn.Close()
			contOut.Close()
			contIn.Close()
			return nil, nil, nil, fmt.Errorf("socketpair: %w", serr)
		}
		trusted = os.NewFile(uintptr(fds[0]), "trusted-supervisor")
		childSocket = os.NewFile(uintptr(fds[1]), "trusted-child")
		extra = append(extra, childSocket)
		trustedFD = len(extra) + 2 // ExtraFiles[0] is fd 3, so index 2 -> fd 5
	}

	if err := j.openActivationSockets(); err != nil {
		logger.Warnf("open activation sockets; job: %s, error: %s", j.Label, err)
	}
	socketFDs := map[string]int{}
	nextFD := len(extra) + 3
	for name, f := range j.sockets {
		extra = append(extra, f)
		socketFDs[name] = nextFD
		nextFD++
	}

	ctx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(ctx, self, jobworker.Reexec)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.ExtraFiles = extra

	gap := time.Duration(0)
	if !j.lastStart.IsZero() {
		gap = time.Since(j.lastStart)
	}
	j.lastStart = time.Now()

	spec := reexec.Spec{
		ID:                 j.ID,
		Program:            j.Descriptor.Program,
		Args:               j.Descriptor.ProgramArguments,
		Env:                j.Descriptor.EnvironmentVariables,
		Limits:             j.Descriptor.resourceLimitSet(),
		UserName:           j.Descriptor.UserName,
		GroupName:          j.Descriptor.GroupName,
		InitGroups:         j.Descriptor.InitGroups,
		RootDirectory:      j.Descriptor.RootDirectory,
		WorkingDirectory:   j.Descriptor.WorkingDirectory,
		Umask:              j.Descriptor.Umask,
		StandardOutPath:    j.Descriptor.StandardOutPath,
		StandardErrorPath:  j.Descriptor.StandardErrorPath,
		InetdCompatibility: j.Descriptor.InetdCompatibility,
		LowPriorityIO:      j.Descriptor.LowPriorityIO,
		Nice:               j.Descriptor.Nice,
		TrustedFD:          trustedFD,
		SocketFDs:          socketFDs,
		RunGap:             gap,
		PriorFailedExits:   j.failedExits,
	}

	if err := cmd.Start(); err != nil {
		cancel()
		cmdOut.Close()
		cmdIn.Close()
		contOut.Close()
		contIn.Close()
		if trusted != nil {
			trusted.Close()
		}
		if childSocket != nil {
			childSocket.Close()
		}
		return nil, nil, nil, fmt.Errorf("start reexec: %w", err)
	}

	// Supervisor closes its copies of the grandchild's descriptors; the
	// grandchild holds its own (invariant iv).
	cmdOut.Close()
	contOut.Close()
	if childSocket != nil {
		childSocket.Close()
	}

	go writeSpec(cmdIn, spec)

	j.mutex.Lock()
	j.exec = cmd
	j.cancel = cancel
	j.pid = cmd.Process.Pid
	j.status = Running
	j.checkedIn = false
	j.mutex.Unlock()

	started := j.lastStart
	logger.Infof("spawned job; label: %s, pid: %d", j.Label, j.pid)

	continueFn = func() {
		if err := j.SignalContinue(contIn); err != nil {
			logger.Warnf("signal continue; label: %s, error: %s", j.Label, err)
		}
	}

	wait = func() SpawnResult {
		waitErr := cmd.Wait()
		cmdIn.Close()
		code, signaled, sig := exitStatus(cmd)
		if waitErr != nil && !signaled && code == noExit {
			logger.Warnf("wait reexec; label: %s, error: %s", j.Label, waitErr)
		}
		return SpawnResult{
			Code:     code,
			Signaled: signaled,
			Signal:   sig,
			RanFor:   time.Since(started),
		}
	}

	return trusted, continueFn, wait, nil
}

// SignalContinue instructs the reexec grandchild that it may proceed past
// its post-fork, pre-exec setup; closing the write half is the signal
// (teacher's continue-pipe idiom).
func (j *Job) SignalContinue(contIn io.Closer) error {
	return contIn.Close()
}

func writeSpec(cmdIn io.WriteCloser, spec reexec.Spec) {
	defer cmdIn.Close()
	b, err := json.Marshal(spec)
	if err != nil {
		logger.Errorf("marshal reexec spec; error: %s", err)
		return
	}
	if _, err := cmdIn.Write(b); err != nil {
		logger.Errorf("write reexec spec; error: %s", err)
	}
}

// exitStatus reports the reexec grandchild's termination in the shape
// Reap needs to apply the failed-exits rule (spec §4.4.2): the exit code
// if it exited normally, or the terminating signal if it did not.
func exitStatus(cmd *exec.Cmd) (code int, signaled bool, sig syscall.Signal) {
	state := cmd.ProcessState
	if state == nil {
		return noExit, false, 0
	}
	if status, ok := state.Sys().(syscall.WaitStatus); ok && status.Signaled() {
		return noExit, true, status.Signal()
	}
	return state.ExitCode(), false, 0
}

// Stop sends SIGTERM to the job's live child, if any.
func (j *Job) Stop() error {
	j.mutex.RLock()
	pid := j.pid
	j.mutex.RUnlock()
	if pid == 0 {
		return nil
	}
	return syscall.Kill(pid, syscall.SIGTERM)
}

// Reap records the outcome of an observed child exit and applies the
// failed-exits bookkeeping (spec §4.4.2/§4.4.3): a run of at least
// minimumRunTime clears the counter regardless of exit status; otherwise
// a non-zero exit code, or termination by any signal other than KILL or
// TERM, increments it. The caller (supervisor) is responsible for
// subsequently deciding retire-vs-respawn policy.
func (j *Job) Reap(r SpawnResult) {
	j.mutex.Lock()
	defer j.mutex.Unlock()

	j.pid = 0
	j.conn = nil
	j.checkedIn = false
	j.exitCode = r.Code

	if r.RanFor >= minimumRunTime*time.Second {
		j.failedExits = 0
		return
	}

	failed := !r.Signaled && r.Code != 0
	if r.Signaled && r.Signal != syscall.SIGKILL && r.Signal != syscall.SIGTERM {
		failed = true
	}
	if failed {
		j.failedExits++
	}
}

// CloseSockets releases every activation descriptor the job holds, used
// on Remove.
func (j *Job) CloseSockets() {
	j.mutex.Lock()
	defer j.mutex.Unlock()
	j.sockets.close()
	j.sockets = make(openSockets)
}
