package grpc

import (
	"github.com/tjper/overseerd/internal/jobworker/job"
	"github.com/tjper/overseerd/internal/jobworker/limits"
	pb "github.com/tjper/overseerd/proto/gen/go/jobworker/v1"
)

// toStatus converts a job.Status into the admin API's wire enum.
func toStatus(s job.Status) pb.Status {
	switch s {
	case job.LoadedIdle:
		return pb.Status_STATUS_LOADED_IDLE
	case job.Running:
		return pb.Status_STATUS_RUNNING
	case job.Retired:
		return pb.Status_STATUS_RETIRED
	default:
		return pb.Status_STATUS_UNSPECIFIED
	}
}

func toStatusDetail(j *job.Job) *pb.StatusDetail {
	return &pb.StatusDetail{
		Status:   toStatus(j.Status()),
		ExitCode: uint32(j.ExitCode()),
	}
}

// toDescriptor builds a job.Descriptor from a StartRequest. The admin
// API addresses jobs by label, the same identifier the IPC control
// socket uses, rather than minting a second UUID-keyed namespace.
func toDescriptor(req *pb.StartRequest) job.Descriptor {
	d := job.Descriptor{
		Label:            req.Label,
		ProgramArguments: append([]string{req.Command.Name}, req.Command.Args...),
	}
	onDemand := req.OnDemand
	d.OnDemand = &onDemand
	if req.Limits != nil {
		d.SoftResourceLimits = toResourceMap(req.Limits.Soft)
		d.HardResourceLimits = toResourceMap(req.Limits.Hard)
	}
	return d
}

var resourceByName = map[string]limits.Resource{
	"core":    limits.Core,
	"cpu":     limits.CPU,
	"data":    limits.Data,
	"fsize":   limits.FSize,
	"memlock": limits.Memlock,
	"nofile":  limits.Nofile,
	"nproc":   limits.Nproc,
	"rss":     limits.RSS,
	"stack":   limits.Stack,
}

func toResourceMap(m map[string]uint64) map[limits.Resource]uint64 {
	if len(m) == 0 {
		return nil
	}
	out := make(map[limits.Resource]uint64, len(m))
	for name, v := range m {
		if r, ok := resourceByName[name]; ok {
			out[r] = v
		}
	}
	return out
}

func toCommand(d job.Descriptor) *pb.Command {
	args := d.ProgramArguments
	name := ""
	if len(args) > 0 {
		name = args[0]
		args = args[1:]
	}
	return &pb.Command{Name: name, Args: args}
}

func toLimits(set limits.Set) *pb.Limits {
	soft := make(map[string]uint64, len(set))
	hard := make(map[string]uint64, len(set))
	for r, l := range set {
		if !l.Set {
			continue
		}
		soft[r.String()] = l.Soft
		hard[r.String()] = l.Hard
	}
	return &pb.Limits{Soft: soft, Hard: hard}
}
