// Package jobworker contains shared jobworker constructs: constants,
// variables, etc. used across the supervisor, its IPC layer, and the
// reexec helper.
package jobworker

const (
	// Reexec is the sub command used to launch the grandchild process and
	// process piped job data.
	Reexec = "reexec"
)

const (
	// TrustedFDEnv is the environment variable a spawned job's grandchild
	// reads to learn the numeric descriptor of its trusted IPC socket.
	TrustedFDEnv = "OVERSEER_TRUSTED_FD"
)

// HelperLabel is the well-known label of the single designated helper
// daemon (spec §3/Glossary): a job submitted under this label is
// auto-detected as the helper, the way the original recognizes its
// compile-time HELPERD label in load_job/REMOVE_JOB.
const HelperLabel = "com.overseerd.helperd"

// IPC request/command identifiers. These are the dict keys and bare
// strings recognized by the control dispatcher (spec §4.5).
const (
	CmdStartJob           = "START_JOB"
	CmdStopJob            = "STOP_JOB"
	CmdRemoveJob          = "REMOVE_JOB"
	CmdSubmitJob          = "SUBMIT_JOB"
	CmdSetUserEnv         = "SET_USER_ENV"
	CmdUnsetUserEnv       = "UNSET_USER_ENV"
	CmdGetUserEnv         = "GET_USER_ENV"
	CmdCheckIn            = "CHECK_IN"
	CmdReloadTtys         = "RELOAD_TTYS"
	CmdShutdown           = "SHUTDOWN"
	CmdGetJobs            = "GET_JOBS"
	CmdGetJob             = "GET_JOB"
	CmdGetJobWithHandles  = "GET_JOB_WITH_HANDLES"
	CmdSetUmask           = "SET_UMASK"
	CmdGetUmask           = "GET_UMASK"
	CmdSetStdout          = "SET_STDOUT"
	CmdSetStderr          = "SET_STDERR"
	CmdBatchControl       = "BATCH_CONTROL"
	CmdBatchQuery         = "BATCH_QUERY"
	CmdGetRlimits         = "GET_RLIMITS"
	CmdSetRlimits         = "SET_RLIMITS"
)

// IPC response strings (spec §7 error taxonomy).
const (
	RespSuccess                  = "SUCCESS"
	RespJobNotFound              = "JOBNOTFOUND"
	RespJobExists                = "JOBEXISTS"
	RespLabelMissing             = "LABELMISSING"
	RespProgramArgumentsMissing  = "PROGRAMARGUMENTSMISSING"
	RespNotCheckedIn             = "NOTCHECKEDIN"
	RespUnknownCommand           = "UNKNOWNCOMMAND"
)
