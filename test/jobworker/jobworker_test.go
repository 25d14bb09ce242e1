// Package jobworker holds the supervisor's control-socket integration
// tests: a real supervisor, bootstrapped against a scratch directory,
// driven purely through the IPC wire protocol (no TLS: the control
// socket's trust boundary is filesystem permissions, per spec Non-goal
// "no crypto-based authentication").
package jobworker

import (
	"encoding/json"
	"net"
	"os"
	"testing"
	"time"

	"github.com/tjper/overseerd/internal/jobworker"
	"github.com/tjper/overseerd/internal/jobworker/bootstrap"
	"github.com/tjper/overseerd/internal/jobworker/ipc"
	"github.com/tjper/overseerd/internal/jobworker/job"
	"github.com/tjper/overseerd/internal/jobworker/supervisor"
)

type suite struct {
	dir     string
	release func()
	conn    *ipc.Conn
}

func setup(t *testing.T) *suite {
	t.Helper()

	dir, err := os.MkdirTemp("", "overseerd-test")
	if err != nil {
		t.Fatalf("mkdir temp: %v", err)
	}

	uln, release, err := bootstrap.Listen(dir)
	if err != nil {
		t.Fatalf("bootstrap listen: %v", err)
	}

	sup := supervisor.New(ipc.NewListener(uln), false)
	go sup.Run()

	uc, err := net.DialUnix("unix", nil, uln.Addr().(*net.UnixAddr))
	if err != nil {
		release()
		t.Fatalf("dial control socket: %v", err)
	}

	return &suite{dir: dir, release: release, conn: ipc.NewConn(uc)}
}

func (s *suite) close(t *testing.T) {
	t.Helper()
	s.conn.Close()
	s.release()
	os.RemoveAll(s.dir)
}

func (s *suite) roundTrip(t *testing.T, req ipc.Value) ipc.Value {
	t.Helper()
	if err := s.conn.WriteMessage(req, nil); err != nil {
		t.Fatalf("write message: %v", err)
	}
	resp, fds, err := s.conn.ReadMessage()
	if err != nil {
		t.Fatalf("read message: %v", err)
	}
	for _, f := range fds {
		f.Close()
	}
	return resp
}

func submitReq(t *testing.T, label string, args []string, onDemand bool) ipc.Value {
	t.Helper()
	d := job.Descriptor{
		Label:            label,
		ProgramArguments: args,
		OnDemand:         &onDemand,
	}
	b, err := json.Marshal(d)
	if err != nil {
		t.Fatalf("marshal descriptor: %v", err)
	}
	return ipc.Dict(map[string]ipc.Value{jobworker.CmdSubmitJob: ipc.Opaque(b)})
}

func TestSubmitAndGetJobs(t *testing.T) {
	s := setup(t)
	defer s.close(t)

	resp := s.roundTrip(t, submitReq(t, "echo-job", []string{"/bin/echo", "hello"}, false))
	str, err := resp.AsString()
	if err != nil || str != jobworker.RespSuccess {
		t.Fatalf("unexpected submit response: %+v, err: %v", resp, err)
	}

	time.Sleep(100 * time.Millisecond)

	jobs := s.roundTrip(t, ipc.String(jobworker.CmdGetJobs))
	dict, err := jobs.AsDict()
	if err != nil {
		t.Fatalf("get jobs: %v", err)
	}
	if _, ok := dict["echo-job"]; !ok {
		t.Fatalf("expected echo-job in job table, got: %+v", dict)
	}
}

func TestSubmitDuplicateLabel(t *testing.T) {
	s := setup(t)
	defer s.close(t)

	req := submitReq(t, "dup-job", []string{"/bin/sleep", "1"}, false)
	first := s.roundTrip(t, req)
	if str, _ := first.AsString(); str != jobworker.RespSuccess {
		t.Fatalf("unexpected first submit response: %+v", first)
	}

	second := s.roundTrip(t, req)
	if str, _ := second.AsString(); str != jobworker.RespJobExists {
		t.Fatalf("expected JOBEXISTS, got: %+v", second)
	}
}

func TestStopAndRemoveUnknownJob(t *testing.T) {
	s := setup(t)
	defer s.close(t)

	req := ipc.Dict(map[string]ipc.Value{jobworker.CmdStopJob: ipc.String("no-such-job")})
	resp := s.roundTrip(t, req)
	if str, _ := resp.AsString(); str != jobworker.RespJobNotFound {
		t.Fatalf("expected JOBNOTFOUND, got: %+v", resp)
	}

	req = ipc.Dict(map[string]ipc.Value{jobworker.CmdRemoveJob: ipc.String("no-such-job")})
	resp = s.roundTrip(t, req)
	if str, _ := resp.AsString(); str != jobworker.RespJobNotFound {
		t.Fatalf("expected JOBNOTFOUND, got: %+v", resp)
	}
}

func TestBatchControlRoundTrip(t *testing.T) {
	s := setup(t)
	defer s.close(t)

	enable := ipc.Dict(map[string]ipc.Value{jobworker.CmdBatchControl: ipc.Boolean(false)})
	if resp := s.roundTrip(t, enable); mustString(t, resp) != jobworker.RespSuccess {
		t.Fatalf("batch control false: %+v", resp)
	}

	query := s.roundTrip(t, ipc.String(jobworker.CmdBatchQuery))
	b, err := query.AsBool()
	if err != nil || b != false {
		t.Fatalf("expected batch disabled, got: %+v, err: %v", query, err)
	}

	enable = ipc.Dict(map[string]ipc.Value{jobworker.CmdBatchControl: ipc.Boolean(true)})
	s.roundTrip(t, enable)

	query = s.roundTrip(t, ipc.String(jobworker.CmdBatchQuery))
	b, err = query.AsBool()
	if err != nil || b != true {
		t.Fatalf("expected batch re-enabled, got: %+v, err: %v", query, err)
	}
}

func mustString(t *testing.T, v ipc.Value) string {
	t.Helper()
	s, err := v.AsString()
	if err != nil {
		t.Fatalf("expected string value: %v", err)
	}
	return s
}
