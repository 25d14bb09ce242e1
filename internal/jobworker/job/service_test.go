package job

import (
	"reflect"
	"testing"
)

func desc(label string) Descriptor {
	return Descriptor{Label: label, ProgramArguments: []string{"/bin/true"}}
}

func TestTableListInsertionOrder(t *testing.T) {
	tbl := NewTable()

	labels := []string{"charlie", "alpha", "bravo"}
	for _, l := range labels {
		if _, err := tbl.Submit(desc(l)); err != nil {
			t.Fatalf("submit %q: %s", l, err)
		}
	}

	got := make([]string, 0, len(labels))
	for _, j := range tbl.List() {
		got = append(got, j.Label)
	}

	if !reflect.DeepEqual(got, labels) {
		t.Fatalf("list order unexpected; actual: %v, expected: %v", got, labels)
	}
}

func TestTableListAfterRemove(t *testing.T) {
	tbl := NewTable()

	for _, l := range []string{"one", "two", "three"} {
		if _, err := tbl.Submit(desc(l)); err != nil {
			t.Fatalf("submit %q: %s", l, err)
		}
	}

	if err := tbl.Remove("two"); err != nil {
		t.Fatalf("remove: %s", err)
	}
	if _, err := tbl.Submit(desc("four")); err != nil {
		t.Fatalf("submit four: %s", err)
	}

	want := []string{"one", "three", "four"}
	got := make([]string, 0, len(want))
	for _, j := range tbl.List() {
		got = append(got, j.Label)
	}

	if !reflect.DeepEqual(got, want) {
		t.Fatalf("list order unexpected; actual: %v, expected: %v", got, want)
	}
}

func TestTableSubmitValidation(t *testing.T) {
	tests := map[string]struct {
		d       Descriptor
		wantErr error
	}{
		"missing label":             {d: Descriptor{ProgramArguments: []string{"/bin/true"}}, wantErr: ErrLabelMissing},
		"missing program arguments": {d: Descriptor{Label: "x"}, wantErr: ErrProgramArgumentsMissing},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			tbl := NewTable()
			if _, err := tbl.Submit(test.d); err != test.wantErr {
				t.Fatalf("unexpected error; actual: %v, expected: %v", err, test.wantErr)
			}
		})
	}
}

func TestTableSubmitDuplicateLabel(t *testing.T) {
	tbl := NewTable()
	if _, err := tbl.Submit(desc("dup")); err != nil {
		t.Fatalf("first submit: %s", err)
	}
	if _, err := tbl.Submit(desc("dup")); err != ErrJobExists {
		t.Fatalf("expected ErrJobExists, got: %v", err)
	}
}

func TestTableGetNotFound(t *testing.T) {
	tbl := NewTable()
	if _, err := tbl.Get("missing"); err != ErrJobNotFound {
		t.Fatalf("expected ErrJobNotFound, got: %v", err)
	}
}
