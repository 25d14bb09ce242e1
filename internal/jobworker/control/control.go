// Package control implements the IPC command dispatch table (spec
// §4.5): each recognized request is mapped to a side effect on the job
// table and a response payload. It depends only on the job, ipc, and
// limits packages; supervisor.Supervisor implements the Registry
// interface defined here, keeping control decoupled from the concrete
// supervisor type that wires everything together.
package control

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/tjper/overseerd/internal/jobworker"
	"github.com/tjper/overseerd/internal/jobworker/ipc"
	"github.com/tjper/overseerd/internal/jobworker/job"
	"github.com/tjper/overseerd/internal/jobworker/limits"
	"github.com/tjper/overseerd/internal/log"
)

// logger is an object for logging package events to stdout.
var logger = log.New(os.Stdout, "control")

// ErrUnknownCommand indicates a request matched none of the recognized
// command shapes (spec §4.5's catch-all row).
var ErrUnknownCommand = fmt.Errorf("unknown command")

// Registry is the set of job-table and supervisor-global operations the
// dispatch table drives. supervisor.Supervisor implements it.
type Registry interface {
	Submit(d job.Descriptor) (*job.Job, error)
	Get(label string) (*job.Job, error)
	List() []*job.Job
	Remove(label string) error
	Start(label string) error
	Stop(label string) error

	SetUserEnv(map[string]string)
	UnsetUserEnv(name string)
	UserEnv() map[string]string

	SetUmask(mask int) int
	Umask() int
	SetStdout(path string) error
	SetStderr(path string) error

	BatchControl(enable bool)
	BatchQuery() bool

	Rlimits() (limits.Set, error)
	SetRlimits(patch limits.Set) (limits.Set, error)

	ReloadTtys() error
	Shutdown()
}

// Dispatch decodes req, applies its effect against reg (and, for
// CHECK_IN, conn), and returns the response value spec §4.5's table
// specifies.
func Dispatch(reg Registry, conn *ipc.Conn, req ipc.Value) ipc.Value {
	switch req.Kind {
	case ipc.KindString:
		return dispatchBare(reg, conn, req.Str)
	case ipc.KindDict:
		return dispatchDict(reg, conn, req.Dict)
	default:
		logger.Warnf("unrecognized request kind: %s", req.Kind)
		return ipc.String(jobworker.RespUnknownCommand)
	}
}

func dispatchBare(reg Registry, conn *ipc.Conn, cmd string) ipc.Value {
	switch cmd {
	case jobworker.CmdGetUserEnv:
		return ipc.Dict(envToDict(reg.UserEnv()))
	case jobworker.CmdCheckIn:
		return checkIn(conn)
	case jobworker.CmdReloadTtys:
		if err := reg.ReloadTtys(); err != nil {
			logger.Warnf("reload ttys: %s", err)
		}
		return ipc.String(jobworker.RespSuccess)
	case jobworker.CmdShutdown:
		reg.Shutdown()
		return ipc.String(jobworker.RespSuccess)
	case jobworker.CmdGetJobs:
		return getJobs(reg)
	case jobworker.CmdGetUmask:
		return ipc.Integer(int64(reg.Umask()))
	case jobworker.CmdBatchQuery:
		return ipc.Boolean(reg.BatchQuery())
	default:
		return ipc.String(jobworker.RespUnknownCommand)
	}
}

func dispatchDict(reg Registry, conn *ipc.Conn, d map[string]ipc.Value) ipc.Value {
	for cmd, payload := range d {
		switch cmd {
		case jobworker.CmdStartJob:
			return labelResult(payload, reg.Start)
		case jobworker.CmdStopJob:
			return labelResult(payload, reg.Stop)
		case jobworker.CmdRemoveJob:
			return removeJob(reg, payload)
		case jobworker.CmdSubmitJob:
			return submitJob(reg, payload)
		case jobworker.CmdSetUserEnv:
			return setUserEnv(reg, payload)
		case jobworker.CmdUnsetUserEnv:
			if name, err := payload.AsString(); err == nil {
				reg.UnsetUserEnv(name)
			}
			return ipc.String(jobworker.RespSuccess)
		case jobworker.CmdGetJob:
			return getJob(reg, payload, false)
		case jobworker.CmdGetJobWithHandles:
			return getJob(reg, payload, true)
		case jobworker.CmdSetUmask:
			return ipc.Integer(int64(reg.SetUmask(int(payload.Int))))
		case jobworker.CmdSetStdout:
			return setStdio(reg.SetStdout, payload)
		case jobworker.CmdSetStderr:
			return setStdio(reg.SetStderr, payload)
		case jobworker.CmdBatchControl:
			enable, _ := payload.AsBool()
			reg.BatchControl(enable)
			return ipc.String(jobworker.RespSuccess)
		case jobworker.CmdGetRlimits:
			return getRlimits(reg)
		case jobworker.CmdSetRlimits:
			return setRlimits(reg, payload)
		}
	}
	return ipc.String(jobworker.RespUnknownCommand)
}

func labelResult(payload ipc.Value, fn func(string) error) ipc.Value {
	label, err := payload.AsString()
	if err != nil {
		return ipc.String(jobworker.RespUnknownCommand)
	}
	if err := fn(label); err != nil {
		return ipc.String(respForErr(err))
	}
	return ipc.String(jobworker.RespSuccess)
}

func removeJob(reg Registry, payload ipc.Value) ipc.Value {
	label, err := payload.AsString()
	if err != nil {
		return ipc.String(jobworker.RespUnknownCommand)
	}
	if err := reg.Remove(label); err != nil {
		return ipc.String(respForErr(err))
	}
	return ipc.String(jobworker.RespSuccess)
}

func submitJob(reg Registry, payload ipc.Value) ipc.Value {
	if payload.Kind == ipc.KindArray {
		results := make([]ipc.Value, 0, len(payload.Array))
		for _, item := range payload.Array {
			results = append(results, submitOne(reg, item))
		}
		return ipc.Array(results)
	}
	return submitOne(reg, payload)
}

func submitOne(reg Registry, payload ipc.Value) ipc.Value {
	d, err := decodeDescriptor(payload)
	if err != nil {
		return ipc.String(jobworker.RespLabelMissing)
	}
	j, err := reg.Submit(d)
	if err != nil {
		return ipc.String(respForErr(err))
	}
	if !j.OnDemand() {
		if err := reg.Start(j.Label); err != nil {
			logger.Warnf("start submitted job; label: %s, error: %s", j.Label, err)
		}
	}
	return ipc.String(jobworker.RespSuccess)
}

func setUserEnv(reg Registry, payload ipc.Value) ipc.Value {
	d, err := payload.AsDict()
	if err != nil {
		return ipc.String(jobworker.RespUnknownCommand)
	}
	mapping := make(map[string]string, len(d))
	for k, v := range d {
		if s, err := v.AsString(); err == nil {
			mapping[k] = s
		}
	}
	reg.SetUserEnv(mapping)
	return ipc.String(jobworker.RespSuccess)
}

func getJobs(reg Registry) ipc.Value {
	out := make(map[string]ipc.Value)
	for _, j := range reg.List() {
		v, err := encodeDescriptor(j.Snapshot())
		if err != nil {
			continue
		}
		out[j.Label] = v
	}
	return ipc.Dict(out)
}

func getJob(reg Registry, payload ipc.Value, withHandles bool) ipc.Value {
	label, err := payload.AsString()
	if err != nil {
		return ipc.String(jobworker.RespUnknownCommand)
	}
	j, err := reg.Get(label)
	if err != nil {
		return ipc.String(respForErr(err))
	}
	d := j.Snapshot()
	if withHandles {
		d = j.SnapshotWithHandles()
	}
	v, err := encodeDescriptor(d)
	if err != nil {
		return ipc.String(jobworker.RespUnknownCommand)
	}
	return v
}

func checkIn(conn *ipc.Conn) ipc.Value {
	if conn == nil {
		return ipc.String(jobworker.RespNotCheckedIn)
	}
	j, ok := conn.Job().(*job.Job)
	if !ok || j == nil {
		return ipc.String(jobworker.RespNotCheckedIn)
	}
	j.SetCheckedIn()
	v, err := encodeDescriptor(j.SnapshotWithHandles())
	if err != nil {
		return ipc.String(jobworker.RespNotCheckedIn)
	}
	return v
}

func setStdio(fn func(string) error, payload ipc.Value) ipc.Value {
	path, err := payload.AsString()
	if err != nil {
		return ipc.String(jobworker.RespUnknownCommand)
	}
	if err := fn(path); err != nil {
		logger.Warnf("set stdio path: %s", err)
	}
	return ipc.String(jobworker.RespSuccess)
}

func getRlimits(reg Registry) ipc.Value {
	set, err := reg.Rlimits()
	if err != nil {
		logger.Warnf("get rlimits: %s", err)
		return ipc.Opaque(nil)
	}
	b, err := json.Marshal(set)
	if err != nil {
		return ipc.Opaque(nil)
	}
	return ipc.Opaque(b)
}

func setRlimits(reg Registry, payload ipc.Value) ipc.Value {
	var patch limits.Set
	if err := json.Unmarshal(payload.Opaque, &patch); err != nil {
		return ipc.Opaque(nil)
	}
	set, err := reg.SetRlimits(patch)
	if err != nil {
		logger.Warnf("set rlimits: %s", err)
		return ipc.Opaque(nil)
	}
	b, err := json.Marshal(set)
	if err != nil {
		return ipc.Opaque(nil)
	}
	return ipc.Opaque(b)
}

func envToDict(env map[string]string) map[string]ipc.Value {
	out := make(map[string]ipc.Value, len(env))
	for k, v := range env {
		out[k] = ipc.String(v)
	}
	return out
}

// encodeDescriptor/decodeDescriptor bridge job.Descriptor, a structured
// Go type, onto the wire's generic tagged-variant tree by riding as a
// KindOpaque JSON blob — the same approach spec §4.5 already uses for
// GET_RLIMITS/SET_RLIMITS's opaque limit sets, rather than writing a
// second, lossy dict/array converter for Go struct fields.
func encodeDescriptor(d job.Descriptor) (ipc.Value, error) {
	b, err := json.Marshal(d)
	if err != nil {
		return ipc.Value{}, err
	}
	return ipc.Opaque(b), nil
}

func decodeDescriptor(v ipc.Value) (job.Descriptor, error) {
	if v.Kind != ipc.KindOpaque {
		return job.Descriptor{}, fmt.Errorf("expected opaque descriptor, got %s", v.Kind)
	}
	var d job.Descriptor
	if err := json.Unmarshal(v.Opaque, &d); err != nil {
		return job.Descriptor{}, err
	}
	return d, nil
}

func respForErr(err error) string {
	switch {
	case err == job.ErrJobNotFound:
		return jobworker.RespJobNotFound
	case err == job.ErrJobExists:
		return jobworker.RespJobExists
	case err == job.ErrLabelMissing:
		return jobworker.RespLabelMissing
	case err == job.ErrProgramArgumentsMissing:
		return jobworker.RespProgramArgumentsMissing
	case err == job.ErrNotCheckedIn:
		return jobworker.RespNotCheckedIn
	default:
		return jobworker.RespUnknownCommand
	}
}
