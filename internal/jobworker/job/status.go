package job

// Status represents the possible lifecycle states of a Job (spec §4.4).
type Status string

const (
	// LoadedIdle indicates the job is on-demand and watching its
	// activation descriptors, with no live child.
	LoadedIdle Status = "loaded-idle"
	// Running indicates the job has a live child.
	Running Status = "running"
	// Retired indicates the job record has been removed from the table.
	Retired Status = "retired"
)

const (
	// noExit is the sentinel exit code for "has not exited, or was
	// terminated by a signal".
	noExit = -1
	// minimumRunTime is the run duration, in seconds, above which
	// failedExits resets to zero (spec §4.4.3).
	minimumRunTime = 10
)

// FailedExitsThreshold is the failedExits count above which a job is
// retired rather than respawned (spec §4.4.2). Exported for the
// supervisor package's post-reap policy decision.
const FailedExitsThreshold = 10
