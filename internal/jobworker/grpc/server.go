// Package grpc provides the supervisor's optional admin API: a thin
// gRPC facade over the same job table the IPC control socket drives,
// addressed by label instead of a UID-gated wire protocol, intended for
// tooling that already speaks gRPC (spec SPEC_FULL.md's gRPC add-on).
package grpc

import (
	"context"
	"io"
	"os"
	"time"

	"github.com/tjper/overseerd/internal/fsnotify"
	"github.com/tjper/overseerd/internal/jobworker/job"
	"github.com/tjper/overseerd/internal/jobworker/output"
	"github.com/tjper/overseerd/internal/log"
	"github.com/tjper/overseerd/internal/validator"
	pb "github.com/tjper/overseerd/proto/gen/go/jobworker/v1"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// logger is an object for logging package events to stdout.
var logger = log.New(os.Stdout, "grpc")

// Registry is the subset of control.Registry the admin API drives.
// Spelled out locally (rather than imported from control) to avoid
// pulling the control package's ipc.Conn dependency into the admin
// surface, which never sees raw connections.
type Registry interface {
	Submit(d job.Descriptor) (*job.Job, error)
	Get(label string) (*job.Job, error)
	Start(label string) error
	Stop(label string) error
}

// NewJobWorker creates a JobWorker instance.
func NewJobWorker(reg Registry) *JobWorker {
	return &JobWorker{reg: reg}
}

var _ pb.JobWorkerServiceServer = (*JobWorker)(nil)

// JobWorker implements pb.JobWorkerServiceServer, translating admin API
// calls into Registry operations against the shared job table.
type JobWorker struct {
	pb.UnimplementedJobWorkerServiceServer
	reg Registry
}

func (jw JobWorker) Start(ctx context.Context, req *pb.StartRequest) (*pb.StartResponse, error) {
	valid := validator.New()
	valid.Assert(req.Label != "", "label empty")
	valid.AssertFunc(func() bool { return req.Command != nil }, "command empty")
	if req.Command != nil {
		valid.Assert(req.Command.Name != "", "command name empty")
	}
	if err := valid.Err(); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	d := toDescriptor(req)
	j, err := jw.reg.Submit(d)
	if err == job.ErrJobExists {
		j, err = jw.reg.Get(req.Label)
	}
	if err != nil {
		logger.Errorf("submit job; label: %s, error: %s", req.Label, err)
		return nil, status.Error(codes.Internal, "submit job")
	}

	if err := jw.reg.Start(j.Label); err != nil {
		logger.Errorf("starting job; label: %s, error: %s", req.Label, err)
		return nil, status.Error(codes.Internal, "start job")
	}

	return &pb.StartResponse{
		JobId:   j.Label,
		Command: toCommand(j.Snapshot()),
		Status:  toStatusDetail(j),
		Limits:  req.Limits,
	}, nil
}

func (jw JobWorker) Stop(ctx context.Context, req *pb.StopRequest) (*pb.StopResponse, error) {
	if req.JobId == "" {
		return nil, status.Error(codes.InvalidArgument, validator.Format("empty job ID"))
	}

	j, err := jw.reg.Get(req.JobId)
	if err == job.ErrJobNotFound {
		return nil, status.Error(codes.NotFound, "unknown job ID")
	}
	if err != nil {
		return nil, status.Error(codes.Internal, "fetch job")
	}

	if j.Status() != job.Running {
		return nil, status.Error(codes.FailedPrecondition, "job is not running")
	}

	if err := jw.reg.Stop(j.Label); err != nil {
		return nil, status.Error(codes.Internal, "stop job")
	}

	return new(pb.StopResponse), nil
}

func (jw JobWorker) Status(ctx context.Context, req *pb.StatusRequest) (*pb.StatusResponse, error) {
	if req.JobId == "" {
		return nil, status.Error(codes.InvalidArgument, validator.Format("empty job ID"))
	}

	j, err := jw.reg.Get(req.JobId)
	if err == job.ErrJobNotFound {
		return nil, status.Error(codes.NotFound, "unknown job ID")
	}
	if err != nil {
		return nil, status.Error(codes.Internal, "fetch job")
	}

	return &pb.StatusResponse{JobId: j.Label, Status: toStatusDetail(j)}, nil
}

// Output streams a job's redirected output file to the caller: it reads
// whatever is already on disk, then tails further writes via fsnotify
// until the stream's context is canceled.
func (jw JobWorker) Output(req *pb.OutputRequest, stream pb.JobWorkerService_OutputServer) error {
	if req.JobId == "" {
		return status.Error(codes.InvalidArgument, validator.Format("empty job ID"))
	}

	j, err := jw.reg.Get(req.JobId)
	if err == job.ErrJobNotFound {
		return status.Error(codes.NotFound, "unknown job ID")
	}
	if err != nil {
		return status.Error(codes.Internal, "fetch job")
	}

	d := j.Snapshot()
	path := output.Resolve(d.StandardOutPath, j.ID)

	f, err := os.Open(path)
	if err != nil {
		return status.Errorf(codes.Internal, "open output: %s", err)
	}
	defer f.Close()

	if err := sendExisting(stream, f); err != nil {
		return status.Errorf(codes.Internal, "read output: %s", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return status.Errorf(codes.Internal, "watch output: %s", err)
	}
	defer watcher.Close()
	if _, err := watcher.AddWatch(path); err != nil {
		return status.Errorf(codes.Internal, "watch output: %s", err)
	}

	ctx := stream.Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case _, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if err := sendExisting(stream, f); err != nil {
				return status.Errorf(codes.Internal, "read output: %s", err)
			}
		case <-time.After(5 * time.Second):
			// Periodic wakeup guards against a missed inotify event leaving
			// the stream stuck open with unread bytes on disk.
			if err := sendExisting(stream, f); err != nil {
				return status.Errorf(codes.Internal, "read output: %s", err)
			}
		}
	}
}

func sendExisting(stream pb.JobWorkerService_OutputServer, f *os.File) error {
	buf := make([]byte, 32*1024)
	for {
		n, err := f.Read(buf)
		if n > 0 {
			if sendErr := stream.Send(&pb.OutputResponse{Chunk: append([]byte(nil), buf[:n]...)}); sendErr != nil {
				return sendErr
			}
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}
