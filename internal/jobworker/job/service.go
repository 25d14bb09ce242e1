package job

import "sync"

// NewTable creates an empty, ready-to-use Table.
func NewTable() *Table {
	return &Table{
		jobs: make(map[string]*Job),
	}
}

// Table is the supervisor's label-keyed collection of jobs (spec §4.3),
// realizing invariant i (labels are unique) and giving the IPC command
// dispatcher a single mutex-guarded place to add, remove, and enumerate
// jobs. It generalizes the teacher's Service into a real, stateful
// registry instead of a set of no-op passthroughs. order holds labels in
// insertion order, matching the original's FIFO job-list traversal.
type Table struct {
	mutex sync.RWMutex
	jobs  map[string]*Job
	order []string
}

// Submit validates d, applies its defaults, and adds a new Job to the
// table in the Loaded-Idle state. It returns ErrLabelMissing,
// ErrProgramArgumentsMissing, or ErrJobExists per spec §4.5's SUBMIT_JOB
// validation order.
func (t *Table) Submit(d Descriptor) (*Job, error) {
	if d.Label == "" {
		return nil, ErrLabelMissing
	}
	if len(d.ProgramArguments) == 0 {
		return nil, ErrProgramArgumentsMissing
	}

	t.mutex.Lock()
	defer t.mutex.Unlock()

	if _, ok := t.jobs[d.Label]; ok {
		return nil, ErrJobExists
	}

	d.applyDefaults()
	j := New(d)
	t.jobs[d.Label] = j
	t.order = append(t.order, d.Label)
	return j, nil
}

// Get returns the job with the given label, or ErrJobNotFound.
func (t *Table) Get(label string) (*Job, error) {
	t.mutex.RLock()
	defer t.mutex.RUnlock()

	j, ok := t.jobs[label]
	if !ok {
		return nil, ErrJobNotFound
	}
	return j, nil
}

// Remove retires and deletes the job with the given label. Its
// activation descriptors are closed; the caller is responsible for
// stopping any live child first (spec §4.4, Retired is terminal).
func (t *Table) Remove(label string) error {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	j, ok := t.jobs[label]
	if !ok {
		return ErrJobNotFound
	}
	j.SetStatus(Retired)
	j.CloseSockets()
	delete(t.jobs, label)
	for i, l := range t.order {
		if l == label {
			t.order = append(t.order[:i], t.order[i+1:]...)
			break
		}
	}
	return nil
}

// List returns every job in the table, in the order each was submitted
// (spec §4.3's insertion-order iteration invariant).
func (t *Table) List() []*Job {
	t.mutex.RLock()
	defer t.mutex.RUnlock()

	out := make([]*Job, 0, len(t.order))
	for _, label := range t.order {
		if j, ok := t.jobs[label]; ok {
			out = append(out, j)
		}
	}
	return out
}

// Len returns the number of jobs currently in the table.
func (t *Table) Len() int {
	t.mutex.RLock()
	defer t.mutex.RUnlock()
	return len(t.jobs)
}
