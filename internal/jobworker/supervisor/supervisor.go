// Package supervisor ties together the job table, IPC server, event
// loop, on-demand bridge, and signal handling into the single
// process-wide state spec §3/§5 describes, and implements
// control.Registry to drive the IPC command dispatch table.
package supervisor

import (
	"net"
	"os"
	"sync"
	"syscall"

	"github.com/tjper/overseerd/internal/jobworker"
	"github.com/tjper/overseerd/internal/jobworker/control"
	"github.com/tjper/overseerd/internal/jobworker/eventloop"
	"github.com/tjper/overseerd/internal/jobworker/ipc"
	"github.com/tjper/overseerd/internal/jobworker/job"
	"github.com/tjper/overseerd/internal/jobworker/limits"
	"github.com/tjper/overseerd/internal/jobworker/ondemand"
	"github.com/tjper/overseerd/internal/jobworker/signals"
	"github.com/tjper/overseerd/internal/log"
)

// logger is an object for logging package events to stdout.
var logger = log.New(os.Stdout, "supervisor")

// New creates a Supervisor bound to lis, the already-bootstrapped
// control socket listener (spec §4.8). isInit marks this instance as
// running as host process 1.
func New(lis *ipc.Listener, isInit bool) *Supervisor {
	return &Supervisor{
		table:        job.NewTable(),
		loop:         eventloop.New(isInit),
		bridge:       ondemand.New(),
		isInit:       isInit,
		listener:     lis,
		conns:        make(map[*ipc.Conn]struct{}),
		userEnv:      make(map[string]string),
		batchEnabled: true,
		requests:     make(chan connEvent, 64),
		exits:        make(chan jobExit, 64),
		stop:         make(chan struct{}),
	}
}

// Supervisor is the process-wide global state: the job table, connection
// list, helper-daemon pointer, batch flag, user environment, umask, and
// the event loop/bridge that drive everything from a single goroutine.
// It keeps no pending stdout/stderr paths and no cached rlimits snapshot;
// resource limits are read from the process each time they are needed.
type Supervisor struct {
	table  *job.Table
	loop   *eventloop.Loop
	bridge *ondemand.Bridge
	isInit bool

	listener *ipc.Listener

	mutex        sync.Mutex
	conns        map[*ipc.Conn]struct{}
	helperLabel  string
	batchEnabled bool
	userEnv      map[string]string
	umask        int

	requests chan connEvent
	exits    chan jobExit
	stop     chan struct{}

	reloadHook func()
}

// SetReloadHook registers fn to run whenever a reload is requested (HUP,
// or explicit RELOAD_TTYS-adjacent tooling). The supervisor itself only
// owns config *parsing* via the IPC socket; launching the companion
// cmd/overseerctl process that feeds it is the caller's concern (spec
// §4.9), wired here rather than imported directly to keep supervisor
// free of an os/exec dependency on a sibling binary.
func (s *Supervisor) SetReloadHook(fn func()) {
	s.mutex.Lock()
	s.reloadHook = fn
	s.mutex.Unlock()
}

type connEvent struct {
	conn *ipc.Conn
	req  ipc.Value
	fds  []*os.File
}

type jobExit struct {
	label  string
	result job.SpawnResult
}

// Run accepts connections and runs the event loop until shutdown or
// idle-timeout. It blocks until the loop returns.
func (s *Supervisor) Run() error {
	sigActions := signals.Watch()
	s.loop.Register(eventloop.KindSignal, "signals", sigActions, s.handleSignal)
	s.loop.Register(eventloop.KindActivation, "ondemand", s.bridge.Labels(), s.handleActivation)
	s.loop.Register(eventloop.KindReadable, "ipc-requests", s.requests, s.handleRequest)
	s.loop.Register(eventloop.KindProcessExit, "job-exits", s.exits, s.handleExit)

	go s.acceptLoop()
	go func() {
		if err := s.bridge.Run(); err != nil {
			logger.Errorf("ondemand bridge: %s", err)
		}
	}()

	return s.loop.Run(s.table.Len, s.stop)
}

// acceptLoop accepts control-socket connections and spawns a reader
// goroutine per connection, forwarding decoded requests onto the
// shared requests channel the main loop selects on. This is the
// Go-idiomatic stand-in for registering each connection individually
// with the kqueue-equivalent: one fan-in channel, many producers.
func (s *Supervisor) acceptLoop() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.stop:
				return
			default:
			}
			logger.Warnf("accept: %s", err)
			continue
		}
		s.mutex.Lock()
		s.conns[conn] = struct{}{}
		s.mutex.Unlock()
		go s.readConn(conn)
	}
}

// adoptConn wires a job's trusted supervisor-side socket half as a
// first-class connection, reusing the same request fan-in as ordinary
// client connections (spec §4.4.1: "open an IPC connection around the
// supervisor-side socket and associate it with the job").
func (s *Supervisor) adoptConn(j *job.Job, trusted *os.File) {
	fc, err := net.FileConn(trusted)
	trusted.Close()
	if err != nil {
		logger.Warnf("adopt trusted conn; label: %s, error: %s", j.Label, err)
		return
	}
	uc, ok := fc.(*net.UnixConn)
	if !ok {
		fc.Close()
		return
	}
	conn := ipc.NewConn(uc)
	conn.SetJob(j)
	j.SetConn(conn)

	s.mutex.Lock()
	s.conns[conn] = struct{}{}
	s.mutex.Unlock()

	go s.readConn(conn)
}

func (s *Supervisor) readConn(conn *ipc.Conn) {
	defer s.dropConn(conn)
	for {
		req, fds, err := conn.ReadMessage()
		if err != nil {
			return
		}
		select {
		case s.requests <- connEvent{conn: conn, req: req, fds: fds}:
		case <-s.stop:
			return
		}
	}
}

func (s *Supervisor) dropConn(conn *ipc.Conn) {
	conn.Close()
	s.mutex.Lock()
	delete(s.conns, conn)
	s.mutex.Unlock()
	// Spec §8 round-trip property: any connection close forces batch
	// back to enabled, a safety fallback against a crashed client that
	// had disabled it.
	s.BatchControl(true)
}

func (s *Supervisor) handleRequest(ev eventloop.Event) {
	ce := ev.Value.(connEvent)
	resp := control.Dispatch(s, ce.conn, ce.req)
	if err := ce.conn.WriteMessage(resp, nil); err != nil {
		logger.Warnf("write response: %s", err)
		s.dropConn(ce.conn)
	}
	for _, f := range ce.fds {
		f.Close()
	}
}

func (s *Supervisor) handleSignal(ev eventloop.Event) {
	switch ev.Value.(signals.Action) {
	case signals.ActionReload:
		logger.Infof("reload requested")
		s.ReloadTtys()
		s.mutex.Lock()
		hook := s.reloadHook
		s.mutex.Unlock()
		if hook != nil {
			hook()
		}
	case signals.ActionShutdown:
		s.Shutdown()
	case signals.ActionToggleDebug:
		logger.Infof("toggle debug logging")
	case signals.ActionToggleVerbose:
		logger.Infof("toggle verbose logging")
	}
}

func (s *Supervisor) handleActivation(ev eventloop.Event) {
	label := ev.Value.(string)
	if err := s.Start(label); err != nil {
		logger.Warnf("start activated job; label: %s, error: %s", label, err)
	}
}

func (s *Supervisor) handleExit(ev eventloop.Event) {
	je := ev.Value.(jobExit)
	j, err := s.table.Get(je.label)
	if err != nil {
		return
	}

	contractBreach := j.ServiceIPC() && !j.CheckedIn()
	j.Reap(je.result)

	switch {
	case contractBreach:
		logger.Warnf("service-ipc contract breach; label: %s", je.label)
		s.table.Remove(je.label)
	case j.FailedExits() > job.FailedExitsThreshold:
		logger.Warnf("failed exits threshold exceeded; label: %s", je.label)
		s.table.Remove(je.label)
	case s.isHelper(je.label) && !s.BatchQuery():
		j.SetStatus(job.LoadedIdle)
	case !j.OnDemand():
		j.SetStatus(job.LoadedIdle)
		if err := s.spawn(j); err != nil {
			logger.Warnf("respawn; label: %s, error: %s", je.label, err)
		}
	default:
		j.SetStatus(job.LoadedIdle)
		s.arm(j)
	}
}

func (s *Supervisor) arm(j *job.Job) {
	files := j.ActivationFiles()
	if len(files) == 0 {
		return
	}
	list := make([]*os.File, 0, len(files))
	for _, f := range files {
		list = append(list, f)
	}
	s.bridge.Arm(j.Label, list)
}

// Submit implements control.Registry. A submission under the well-known
// HelperLabel is auto-detected as the helper daemon (spec §3/Glossary),
// matching the original's load_job comparison against its compile-time
// HELPERD label. Every successful submit notifies the helper daemon
// (SIGHUP), per spec.md's SUBMIT_JOB table row.
func (s *Supervisor) Submit(d job.Descriptor) (*job.Job, error) {
	j, err := s.table.Submit(d)
	if err != nil {
		return nil, err
	}
	if d.Label == jobworker.HelperLabel {
		s.SetHelper(d.Label)
	}
	if j.OnDemand() {
		if err := j.OpenActivationSockets(); err != nil {
			logger.Warnf("open activation sockets; label: %s, error: %s", j.Label, err)
		}
		s.arm(j)
	}
	s.notifyHelper()
	return j, nil
}

// Get implements control.Registry.
func (s *Supervisor) Get(label string) (*job.Job, error) { return s.table.Get(label) }

// List implements control.Registry.
func (s *Supervisor) List() []*job.Job { return s.table.List() }

// Remove implements control.Registry. Removing the helper daemon clears
// the helper pointer; every successful remove notifies the (possibly
// now-former) helper daemon, per spec.md's REMOVE_JOB table row.
func (s *Supervisor) Remove(label string) error {
	j, err := s.table.Get(label)
	if err != nil {
		return err
	}
	if j.PID() != 0 {
		j.Stop()
	}
	s.bridge.Disarm(label)
	if s.isHelper(label) {
		s.mutex.Lock()
		s.helperLabel = ""
		s.mutex.Unlock()
	}
	if err := s.table.Remove(label); err != nil {
		return err
	}
	s.notifyHelper()
	return nil
}

// Start implements control.Registry: starting an already-running job is
// a no-op (spec §8 boundary behavior).
func (s *Supervisor) Start(label string) error {
	j, err := s.table.Get(label)
	if err != nil {
		return err
	}
	return s.spawn(j)
}

// Stop implements control.Registry.
func (s *Supervisor) Stop(label string) error {
	j, err := s.table.Get(label)
	if err != nil {
		return err
	}
	return j.Stop()
}

func (s *Supervisor) spawn(j *job.Job) error {
	trusted, continueFn, wait, err := j.Spawn()
	if err == job.ErrAlreadyRunning {
		return nil
	}
	if err != nil {
		return err
	}

	if j.OnDemand() {
		s.bridge.Disarm(j.Label)
	}
	if trusted != nil {
		s.adoptConn(j, trusted)
	}
	continueFn()

	label := j.Label
	go func() {
		result := wait()
		select {
		case s.exits <- jobExit{label: label, result: result}:
		case <-s.stop:
		}
	}()
	return nil
}

func (s *Supervisor) isHelper(label string) bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.helperLabel != "" && s.helperLabel == label
}

// SetHelper designates label as the helper daemon (spec §3/glossary).
func (s *Supervisor) SetHelper(label string) {
	s.mutex.Lock()
	s.helperLabel = label
	s.mutex.Unlock()
}

// notifyHelper sends SIGHUP to the live helper daemon, matching the
// original's notify_helperd: called after every successful SUBMIT_JOB
// and REMOVE_JOB so the helper can react to job-table changes.
func (s *Supervisor) notifyHelper() {
	s.mutex.Lock()
	label := s.helperLabel
	s.mutex.Unlock()
	if label == "" {
		return
	}
	j, err := s.table.Get(label)
	if err != nil {
		return
	}
	if pid := j.PID(); pid != 0 {
		syscall.Kill(pid, syscall.SIGHUP)
	}
}

// SetUserEnv implements control.Registry.
func (s *Supervisor) SetUserEnv(m map[string]string) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	for k, v := range m {
		os.Setenv(k, v)
		s.userEnv[k] = v
	}
}

// UnsetUserEnv implements control.Registry.
func (s *Supervisor) UnsetUserEnv(name string) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	os.Unsetenv(name)
	delete(s.userEnv, name)
}

// UserEnv implements control.Registry.
func (s *Supervisor) UserEnv() map[string]string {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	out := make(map[string]string, len(s.userEnv))
	for k, v := range s.userEnv {
		out[k] = v
	}
	return out
}

// SetUmask implements control.Registry, returning the previous value.
func (s *Supervisor) SetUmask(mask int) int {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	prev := s.umask
	s.umask = mask
	syscall.Umask(mask)
	return prev
}

// Umask implements control.Registry.
func (s *Supervisor) Umask() int {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.umask
}

// SetStdout/SetStderr implement control.Registry. The spec's "defer
// until next loop turn" refinement for path-based redirection is not
// meaningful here: the supervisor itself has no stdout/stderr a client
// redirects (that's per-job, set via the job descriptor); these exist
// to mirror the command table's shape for a future per-connection
// default and currently just validate the path is writable.
func (s *Supervisor) SetStdout(path string) error { return checkWritable(path) }
func (s *Supervisor) SetStderr(path string) error { return checkWritable(path) }

func checkWritable(path string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
	if err != nil {
		return err
	}
	return f.Close()
}

// BatchControl implements control.Registry: pausing batch stops the
// helper daemon with SIGSTOP; resuming sends SIGCONT (spec §4.7).
func (s *Supervisor) BatchControl(enable bool) {
	s.mutex.Lock()
	s.batchEnabled = enable
	helper := s.helperLabel
	s.mutex.Unlock()

	if helper == "" {
		return
	}
	j, err := s.table.Get(helper)
	if err != nil {
		return
	}
	pid := j.PID()
	if pid == 0 {
		return
	}
	if enable {
		syscall.Kill(pid, syscall.SIGCONT)
	} else {
		syscall.Kill(pid, syscall.SIGSTOP)
	}
}

// BatchQuery implements control.Registry.
func (s *Supervisor) BatchQuery() bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.batchEnabled
}

// Rlimits implements control.Registry: the supervisor process's own
// rlimits, used as the GET_RLIMITS baseline snapshot.
func (s *Supervisor) Rlimits() (limits.Set, error) { return limits.Snapshot() }

// SetRlimits implements control.Registry: diff-applies patch onto a fresh
// snapshot of the supervisor's own limits (spec §4.5's opaque diff-apply).
func (s *Supervisor) SetRlimits(patch limits.Set) (limits.Set, error) {
	current, err := limits.Snapshot()
	if err != nil {
		return nil, err
	}
	merged := current.Merge(patch)
	if err := limits.Apply(merged); err != nil {
		return nil, err
	}
	return limits.Snapshot()
}

// ReloadTtys implements control.Registry. TTY/getty table reconciliation
// is an external collaborator per spec §1's scope note; this logs the
// request rather than performing it.
func (s *Supervisor) ReloadTtys() error {
	logger.Infof("reload ttys (external collaborator, not implemented here)")
	return nil
}

// Shutdown implements control.Registry (spec §5): removes every job,
// then stops the loop and bridge. If this instance is init, it enters a
// quiescent state and broadcasts SIGTERM to remaining descendants
// instead of exiting.
func (s *Supervisor) Shutdown() {
	for _, j := range s.table.List() {
		s.Remove(j.Label)
	}

	s.mutex.Lock()
	for conn := range s.conns {
		conn.Close()
	}
	s.mutex.Unlock()

	s.bridge.Stop()

	if s.isInit {
		logger.Infof("entering quiescent state, broadcasting termination")
		syscall.Kill(-1, syscall.SIGTERM)
		return
	}
	close(s.stop)
}
