package job

import (
	"os"

	"github.com/tjper/overseerd/internal/jobworker/limits"
)

// SocketSpec describes one named activation socket a job wants the
// supervisor to pre-create and watch on its behalf (spec §3, "optional
// socket/descriptor activation set"). The supervisor owns the listening
// socket until the job is spawned, at which point its descriptor is
// duplicated into the child via ExtraFiles.
type SocketSpec struct {
	// Network is "unix" or "tcp".
	Network string
	// Address is a filesystem path (unix) or "host:port" (tcp).
	Address string
}

// Descriptor is the declarative, client-submitted description of a job
// (spec §3). Descriptor is copied into the Job record on a successful
// SUBMIT_JOB. It holds no live descriptors: Sockets lists addresses, and
// the listening sockets opened for them are kept on the Job record.
type Descriptor struct {
	// Label uniquely identifies this job across the table (spec invariant i).
	Label string `json:"Label"`
	// ProgramArguments is argv; ProgramArguments[0] is the default program
	// image when Program is unset.
	ProgramArguments []string `json:"ProgramArguments"`
	// Program overrides ProgramArguments[0] as the exec path.
	Program string `json:"Program,omitempty"`
	// EnvironmentVariables are exported into the child's environment.
	EnvironmentVariables map[string]string `json:"EnvironmentVariables,omitempty"`
	// SoftResourceLimits/HardResourceLimits configure the nine POSIX
	// resource limits (spec §4.4.1).
	SoftResourceLimits map[limits.Resource]uint64 `json:"SoftResourceLimits,omitempty"`
	HardResourceLimits map[limits.Resource]uint64 `json:"HardResourceLimits,omitempty"`
	// UserName/GroupName select the credentials the child runs as.
	UserName  string `json:"UserName,omitempty"`
	GroupName string `json:"GroupName,omitempty"`
	// InitGroups requests supplementary-group initialization for UserName.
	InitGroups bool `json:"InitGroups,omitempty"`
	// RootDirectory chroots the child, applied before UID/GID per spec
	// §4.4.1's ordering.
	RootDirectory string `json:"RootDirectory,omitempty"`
	// WorkingDirectory is the child's cwd.
	WorkingDirectory string `json:"WorkingDirectory,omitempty"`
	// Umask, when non-nil, is applied to the child before exec.
	Umask *int `json:"Umask,omitempty"`
	// StandardOutPath/StandardErrorPath redirect the child's stdout/stderr;
	// when empty the default per-job output file is used (spec §4.4.1).
	StandardOutPath   string `json:"StandardOutPath,omitempty"`
	StandardErrorPath string `json:"StandardErrorPath,omitempty"`
	// InetdCompatibility toggles launchd-style inetd compatibility: when set,
	// the child execs a well-known inetd-shim proxy instead of the
	// configured program.
	InetdCompatibility bool `json:"InetdCompatibility,omitempty"`
	// OnDemand defaults to true when absent (spec §3).
	OnDemand *bool `json:"OnDemand,omitempty"`
	// ServiceIPC defaults to true when absent (spec §3).
	ServiceIPC *bool `json:"ServiceIPC,omitempty"`
	// LowPriorityIO toggles best-effort I/O priority reduction.
	LowPriorityIO bool `json:"LowPriorityIO,omitempty"`
	// Nice, when non-nil, is applied via setpriority before exec.
	Nice *int `json:"Nice,omitempty"`
	// Sockets is the named activation-descriptor set (spec §3).
	Sockets map[string]SocketSpec `json:"Sockets,omitempty"`
}

// onDemand returns the effective on-demand flag, defaulting to true.
func (d Descriptor) onDemand() bool {
	if d.OnDemand == nil {
		return true
	}
	return *d.OnDemand
}

// serviceIPC returns the effective service-IPC flag, defaulting to true.
func (d Descriptor) serviceIPC() bool {
	if d.ServiceIPC == nil {
		return true
	}
	return *d.ServiceIPC
}

// applyDefaults fills OnDemand/ServiceIPC with their spec-mandated
// defaults, mutating d in place. Called once, at successful SUBMIT_JOB.
func (d *Descriptor) applyDefaults() {
	if d.OnDemand == nil {
		t := true
		d.OnDemand = &t
	}
	if d.ServiceIPC == nil {
		t := true
		d.ServiceIPC = &t
	}
}

// resourceLimitSet converts the descriptor's soft/hard maps into a
// limits.Set ready for limits.Apply.
func (d Descriptor) resourceLimitSet() limits.Set {
	set := make(limits.Set)
	for r, soft := range d.SoftResourceLimits {
		l := set[r]
		l.Soft = soft
		l.Set = true
		set[r] = l
	}
	for r, hard := range d.HardResourceLimits {
		l := set[r]
		l.Hard = hard
		l.Set = true
		set[r] = l
	}
	return set
}

// revoke returns a copy of d with its Sockets set removed, used when
// snapshotting a job for GET_JOBS/GET_JOB (spec §4.5). The snapshot
// carries no activation-socket entries at all, not even their addresses.
func (d Descriptor) revoke() Descriptor {
	cp := d
	cp.Sockets = nil
	return cp
}

// openSockets is the job record's live activation-descriptor set, one
// *os.File per configured SocketSpec name, populated at spawn-eligibility
// time and consumed (duplicated into the child) at spawn.
type openSockets map[string]*os.File

func (o openSockets) files() []*os.File {
	files := make([]*os.File, 0, len(o))
	for _, f := range o {
		files = append(files, f)
	}
	return files
}

func (o openSockets) close() {
	for _, f := range o {
		f.Close()
	}
}
