package reexec

import (
	"testing"
	"time"
)

func TestThrottle(t *testing.T) {
	tests := map[string]struct {
		spec     Spec
		wantWait bool
	}{
		"no prior failed exits never sleeps": {
			spec:     Spec{PriorFailedExits: 0, RunGap: time.Millisecond},
			wantWait: false,
		},
		"run gap at or above minimum never sleeps": {
			spec:     Spec{PriorFailedExits: 2, RunGap: 10 * time.Second},
			wantWait: false,
		},
		"zero run gap (first spawn) never sleeps": {
			spec:     Spec{PriorFailedExits: 2, RunGap: 0},
			wantWait: false,
		},
		"short gap with a prior failure sleeps the remainder": {
			spec:     Spec{PriorFailedExits: 1, RunGap: 9 * time.Second},
			wantWait: true,
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			start := time.Now()
			if err := throttle(test.spec); err != nil {
				t.Fatalf("throttle: %s", err)
			}
			elapsed := time.Since(start)

			if test.wantWait && elapsed < 500*time.Millisecond {
				t.Fatalf("expected throttle to sleep, elapsed: %s", elapsed)
			}
			if !test.wantWait && elapsed > 500*time.Millisecond {
				t.Fatalf("expected throttle not to sleep, elapsed: %s", elapsed)
			}
		})
	}
}

func TestResolveProgram(t *testing.T) {
	tests := map[string]struct {
		spec    Spec
		wantErr bool
	}{
		"explicit program overrides args[0]": {
			spec: Spec{Program: "true", Args: []string{"/bin/false"}},
		},
		"falls back to args[0] when program unset": {
			spec: Spec{Args: []string{"true"}},
		},
		"no program and no args is an error": {
			spec:    Spec{},
			wantErr: true,
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := resolveProgram(test.spec)
			if test.wantErr && err == nil {
				t.Fatalf("expected error, got none")
			}
			if !test.wantErr && err != nil {
				t.Fatalf("unexpected error: %s", err)
			}
		})
	}
}

func TestBuildEnvCarriesTrustedFDAndSockets(t *testing.T) {
	spec := Spec{
		Env:       map[string]string{"FOO": "bar"},
		TrustedFD: 5,
		SocketFDs: map[string]int{"web": 6},
	}

	env := buildEnv(spec)

	want := map[string]string{
		"FOO":                 "bar",
		"OVERSEER_TRUSTED_FD": "5",
		"OVERSEER_SOCKET_web": "6",
	}
	for k, v := range want {
		found := false
		entry := k + "=" + v
		for _, e := range env {
			if e == entry {
				found = true
				break
			}
		}
		if !found {
			t.Fatalf("expected env entry %q not present in: %v", entry, env)
		}
	}
}
