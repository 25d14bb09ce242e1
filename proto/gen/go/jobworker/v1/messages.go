// Package v1 holds the admin API's wire types. Unlike the teacher's
// protoc-generated message structs, these are hand-written plain Go
// structs: the admin API has no descriptor-passing requirement (no
// reflection, no grpc-gateway), so there is nothing for protoreflect
// machinery to serve. service_api_grpc.pb.go's generated client/server
// scaffolding is kept as-is and driven by these structs through the
// custom JSON codec registered in codec.go.
package v1

// Status mirrors a job.Status value across the admin API boundary.
type Status int32

const (
	Status_STATUS_UNSPECIFIED Status = 0
	Status_STATUS_LOADED_IDLE Status = 1
	Status_STATUS_RUNNING     Status = 2
	Status_STATUS_RETIRED     Status = 3
)

func (s Status) String() string {
	switch s {
	case Status_STATUS_LOADED_IDLE:
		return "LOADED_IDLE"
	case Status_STATUS_RUNNING:
		return "RUNNING"
	case Status_STATUS_RETIRED:
		return "RETIRED"
	default:
		return "UNSPECIFIED"
	}
}

// Command describes the program and arguments a StartRequest submits.
type Command struct {
	Name string   `json:"name,omitempty"`
	Args []string `json:"args,omitempty"`
}

// Limits mirrors the subset of limits.Set exposed over the admin API:
// soft/hard caps keyed by POSIX resource name.
type Limits struct {
	Soft map[string]uint64 `json:"soft,omitempty"`
	Hard map[string]uint64 `json:"hard,omitempty"`
}

// StatusDetail reports a job's lifecycle state and last observed exit
// code.
type StatusDetail struct {
	Status   Status `json:"status,omitempty"`
	ExitCode uint32 `json:"exitCode,omitempty"`
}

type StartRequest struct {
	Label   string  `json:"label,omitempty"`
	Command *Command `json:"command,omitempty"`
	Limits  *Limits  `json:"limits,omitempty"`
	OnDemand bool    `json:"onDemand,omitempty"`
}

type StartResponse struct {
	JobId   string        `json:"jobId,omitempty"`
	Command *Command      `json:"command,omitempty"`
	Status  *StatusDetail `json:"status,omitempty"`
	Limits  *Limits       `json:"limits,omitempty"`
}

type StopRequest struct {
	JobId string `json:"jobId,omitempty"`
}

type StopResponse struct{}

type StatusRequest struct {
	JobId string `json:"jobId,omitempty"`
}

type StatusResponse struct {
	JobId  string        `json:"jobId,omitempty"`
	Status *StatusDetail `json:"status,omitempty"`
}

type OutputRequest struct {
	JobId string `json:"jobId,omitempty"`
}

type OutputResponse struct {
	Chunk []byte `json:"chunk,omitempty"`
}
