package job

import "errors"

var (
	// ErrJobNotFound indicates no job with the requested label exists in
	// the table.
	ErrJobNotFound = errors.New("job not found")
	// ErrJobExists indicates SUBMIT_JOB was given a label already present
	// in the table.
	ErrJobExists = errors.New("job exists")
	// ErrLabelMissing indicates a submitted descriptor had no label.
	ErrLabelMissing = errors.New("label missing")
	// ErrProgramArgumentsMissing indicates a submitted descriptor had no
	// program arguments.
	ErrProgramArgumentsMissing = errors.New("program arguments missing")
	// ErrNotCheckedIn indicates CHECK_IN was requested on a connection
	// that does not own a job.
	ErrNotCheckedIn = errors.New("not checked in")
	// ErrAlreadyRunning indicates Start was called on a job that already
	// has a live child; Start is a no-op in this case, not an error
	// surfaced to IPC callers.
	ErrAlreadyRunning = errors.New("job already running")
)
