// Package limits provides the POSIX resource-limit enforcement applied to
// a job's grandchild process. It replaces the teacher repository's
// cgroups-v2 controller package: this supervisor's resource model is
// deliberately restricted to the nine rlimit resources named in the job
// descriptor (spec §4.4.1), not cgroup-style accounting.
package limits

import (
	"fmt"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// Resource identifies one of the nine POSIX resources a job may limit.
type Resource int

const (
	Core Resource = iota
	CPU
	Data
	FSize
	Memlock
	Nofile
	Nproc
	RSS
	Stack
)

var resourceNames = map[Resource]string{
	Core:    "core",
	CPU:     "cpu",
	Data:    "data",
	FSize:   "fsize",
	Memlock: "memlock",
	Nofile:  "nofile",
	Nproc:   "nproc",
	RSS:     "rss",
	Stack:   "stack",
}

func (r Resource) String() string { return resourceNames[r] }

// unixResource maps a Resource to its golang.org/x/sys/unix RLIMIT_*
// constant. RSS has no discrete Linux rlimit; it is folded into RLIMIT_AS,
// the closest portable analogue, matching how most rlimit shims on Linux
// treat a legacy RLIMIT_RSS request.
var unixResource = map[Resource]int{
	Core:    unix.RLIMIT_CORE,
	CPU:     unix.RLIMIT_CPU,
	Data:    unix.RLIMIT_DATA,
	FSize:   unix.RLIMIT_FSIZE,
	Memlock: unix.RLIMIT_MEMLOCK,
	Nofile:  unix.RLIMIT_NOFILE,
	Nproc:   unix.RLIMIT_NPROC,
	RSS:     unix.RLIMIT_AS,
	Stack:   unix.RLIMIT_STACK,
}

// Unlimited is the sentinel value requesting an uncapped limit
// (RLIM_INFINITY); whether a limit is configured at all is Limit.Set.
const Unlimited uint64 = ^uint64(0)

// Limit is a single soft/hard resource-limit pair. A zero-value Limit
// (Soft == Hard == 0) is not applied; use Unlimited explicitly to request
// an uncapped limit.
type Limit struct {
	Soft uint64
	Hard uint64
	// Set indicates whether this Limit was present in the job descriptor.
	// Distinguishes "no limit configured" from "configured as 0".
	Set bool
}

// Set is the full collection of soft/hard limits a job descriptor may
// configure, keyed by Resource.
type Set map[Resource]Limit

// Merge returns a new Set with patch's configured entries overlaid onto
// s, used by the SET_RLIMITS IPC command's diff-apply semantics (spec
// §4.5).
func (s Set) Merge(patch Set) Set {
	out := make(Set, len(s))
	for r, l := range s {
		out[r] = l
	}
	for r, l := range patch {
		if l.Set {
			out[r] = l
		}
	}
	return out
}

// Apply applies every configured limit in s via setrlimit. It is called
// from the reexec grandchild, after setpriority and before
// credential/chroot changes, per spec §4.4.1's ordering.
func Apply(s Set) error {
	for _, r := range []Resource{Core, CPU, Data, FSize, Memlock, Nofile, Nproc, RSS, Stack} {
		limit, ok := s[r]
		if !ok || !limit.Set {
			continue
		}
		rl := unix.Rlimit{Cur: limit.Soft, Max: limit.Hard}
		if err := unix.Setrlimit(unixResource[r], &rl); err != nil {
			return errors.Wrapf(err, "setrlimit %s", r)
		}
	}
	return nil
}

// Snapshot reads the process's current limits for every resource,
// reflecting the GET_RLIMITS IPC command (spec §4.5).
func Snapshot() (Set, error) {
	out := make(Set, len(unixResource))
	for r, ur := range unixResource {
		var rl unix.Rlimit
		if err := unix.Getrlimit(ur, &rl); err != nil {
			return nil, errors.Wrapf(err, "getrlimit %s", r)
		}
		out[r] = Limit{Soft: rl.Cur, Hard: rl.Max, Set: true}
	}
	return out, nil
}

// String renders a Set for logging.
func (s Set) String() string {
	return fmt.Sprintf("%d limits configured", len(s))
}
