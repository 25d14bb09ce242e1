package job

import (
	"syscall"
	"testing"
	"time"
)

func TestReapFailedExitsThreshold(t *testing.T) {
	tests := map[string]struct {
		result        SpawnResult
		wantIncrement bool
	}{
		"non-zero exit under minimum run time increments": {
			result:        SpawnResult{Code: 1, RanFor: time.Second},
			wantIncrement: true,
		},
		"signal other than KILL/TERM increments": {
			result:        SpawnResult{Signaled: true, Signal: syscall.SIGSEGV, RanFor: time.Second},
			wantIncrement: true,
		},
		"clean exit under minimum run time does not increment": {
			result:        SpawnResult{Code: 0, RanFor: time.Second},
			wantIncrement: false,
		},
		"SIGTERM does not increment": {
			result:        SpawnResult{Signaled: true, Signal: syscall.SIGTERM, RanFor: time.Second},
			wantIncrement: false,
		},
		"SIGKILL does not increment": {
			result:        SpawnResult{Signaled: true, Signal: syscall.SIGKILL, RanFor: time.Second},
			wantIncrement: false,
		},
		"failing exit that met minimum run time clears instead": {
			result:        SpawnResult{Code: 1, RanFor: minimumRunTime * time.Second},
			wantIncrement: false,
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			j := New(desc("reap-test"))
			j.failedExits = 3

			j.Reap(test.result)

			if test.wantIncrement {
				if j.FailedExits() != 4 {
					t.Fatalf("unexpected failedExits; actual: %d, expected: %d", j.FailedExits(), 4)
				}
				return
			}
			if test.result.RanFor >= minimumRunTime*time.Second {
				if j.FailedExits() != 0 {
					t.Fatalf("expected failedExits cleared; actual: %d", j.FailedExits())
				}
				return
			}
			if j.FailedExits() != 3 {
				t.Fatalf("unexpected failedExits; actual: %d, expected: %d", j.FailedExits(), 3)
			}
		})
	}
}

func TestReapFailedExitsExceedsThreshold(t *testing.T) {
	j := New(desc("crash-loop"))

	for i := 0; i <= FailedExitsThreshold; i++ {
		j.Reap(SpawnResult{Code: 1, RanFor: time.Second})
	}

	if j.FailedExits() <= FailedExitsThreshold {
		t.Fatalf("expected failedExits above threshold; actual: %d, threshold: %d", j.FailedExits(), FailedExitsThreshold)
	}
}

func TestReapClearsRuntimeState(t *testing.T) {
	j := New(desc("clears"))
	j.pid = 1234
	j.checkedIn = true
	j.conn = struct{}{}

	j.Reap(SpawnResult{Code: 0, RanFor: minimumRunTime * time.Second})

	if j.PID() != 0 {
		t.Fatalf("expected pid cleared, got: %d", j.PID())
	}
	if j.CheckedIn() {
		t.Fatalf("expected checkedIn cleared")
	}
	if j.Conn() != nil {
		t.Fatalf("expected conn cleared")
	}
}

func TestOnDemandAndServiceIPCDefaults(t *testing.T) {
	j := New(desc("defaults"))
	if !j.OnDemand() {
		t.Fatalf("expected OnDemand to default true")
	}
	if !j.ServiceIPC() {
		t.Fatalf("expected ServiceIPC to default true")
	}
}
