package limits

import "testing"

func TestMerge(t *testing.T) {
	base := Set{
		Nofile: Limit{Soft: 1024, Hard: 4096, Set: true},
		Nproc:  Limit{Soft: 64, Hard: 128, Set: true},
	}

	tests := map[string]struct {
		patch Set
		want  Set
	}{
		"overlays configured entries": {
			patch: Set{Nofile: Limit{Soft: 2048, Hard: 4096, Set: true}},
			want: Set{
				Nofile: Limit{Soft: 2048, Hard: 4096, Set: true},
				Nproc:  Limit{Soft: 64, Hard: 128, Set: true},
			},
		},
		"leaves unconfigured entries alone": {
			patch: Set{Core: Limit{Soft: 0, Hard: 0, Set: false}},
			want: Set{
				Nofile: Limit{Soft: 1024, Hard: 4096, Set: true},
				Nproc:  Limit{Soft: 64, Hard: 128, Set: true},
			},
		},
		"empty patch is a no-op": {
			patch: Set{},
			want: Set{
				Nofile: Limit{Soft: 1024, Hard: 4096, Set: true},
				Nproc:  Limit{Soft: 64, Hard: 128, Set: true},
			},
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			got := base.Merge(test.patch)
			if len(got) != len(test.want) {
				t.Fatalf("unexpected set size; actual: %d, expected: %d", len(got), len(test.want))
			}
			for r, l := range test.want {
				if got[r] != l {
					t.Fatalf("unexpected limit for %s; actual: %+v, expected: %+v", r, got[r], l)
				}
			}
		})
	}
}

func TestSnapshotReadsEveryResource(t *testing.T) {
	set, err := Snapshot()
	if err != nil {
		t.Fatalf("snapshot: %s", err)
	}

	for _, r := range []Resource{Core, CPU, Data, FSize, Memlock, Nofile, Nproc, RSS, Stack} {
		l, ok := set[r]
		if !ok {
			t.Fatalf("missing resource %s in snapshot", r)
		}
		if !l.Set {
			t.Fatalf("expected %s to be marked Set in a snapshot", r)
		}
	}
}

func TestApplyCurrentSnapshotIsNoop(t *testing.T) {
	before, err := Snapshot()
	if err != nil {
		t.Fatalf("snapshot: %s", err)
	}

	// Re-applying the process's own current limits must always succeed,
	// whether or not the test runs as root: it neither raises a soft limit
	// past its hard ceiling nor raises a hard limit.
	if err := Apply(before); err != nil {
		t.Fatalf("apply current snapshot: %s", err)
	}

	after, err := Snapshot()
	if err != nil {
		t.Fatalf("snapshot after apply: %s", err)
	}

	for _, r := range []Resource{Core, CPU, Data, FSize, Memlock, Nofile, Nproc, RSS, Stack} {
		if before[r] != after[r] {
			t.Fatalf("limit %s changed; before: %+v, after: %+v", r, before[r], after[r])
		}
	}
}

func TestApplyLowersSoftLimitWithinHardCeiling(t *testing.T) {
	before, err := Snapshot()
	if err != nil {
		t.Fatalf("snapshot: %s", err)
	}

	nofile := before[Nofile]
	if nofile.Soft == 0 {
		t.Skip("nofile soft limit already at zero, nothing to lower")
	}

	patch := Set{
		Nofile: Limit{Soft: nofile.Soft - 1, Hard: nofile.Hard, Set: true},
	}
	if err := Apply(patch); err != nil {
		t.Fatalf("apply lowered nofile: %s", err)
	}

	after, err := Snapshot()
	if err != nil {
		t.Fatalf("snapshot after apply: %s", err)
	}
	if after[Nofile].Soft != nofile.Soft-1 {
		t.Fatalf("unexpected nofile soft limit; actual: %d, expected: %d", after[Nofile].Soft, nofile.Soft-1)
	}

	// Restore, so this test doesn't leak a lowered limit onto the rest of
	// the test binary's process.
	if err := Apply(Set{Nofile: nofile}); err != nil {
		t.Fatalf("restore nofile: %s", err)
	}
}
