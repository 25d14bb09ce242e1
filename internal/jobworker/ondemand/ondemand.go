// Package ondemand substitutes a level-triggered readiness primitive for
// spec §4.6's Mach port-set receive: no port set exists on Linux, so a
// dedicated goroutine polls the union of all on-demand jobs' activation
// descriptors with unix.Poll and relays activity to the main loop over
// a buffered channel, exactly the "notify me without consuming" contract spec §9's
// design notes call for.
package ondemand

import (
	"fmt"
	"os"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// pollTimeoutMillis bounds a single poll call so Run can notice Stop
// promptly even while descriptors are armed. pollIdleInterval is the
// equivalent pause used when nothing is armed at all.
const (
	pollTimeoutMillis = 1000
	pollIdleInterval  = time.Second
)

func timer(d time.Duration) <-chan time.Time { return time.After(d) }

// Bridge owns the activation-descriptor index table (spec §3's "the
// on-demand port set and its callback index") and the label channel that
// relays activations to the main loop.
type Bridge struct {
	mutex   sync.Mutex
	members map[string][]*os.File // label -> activation descriptors
	order   []string              // poll order, stable for index bookkeeping

	labels chan string
	stop   chan struct{}
	done   chan struct{}
}

// New creates a Bridge. Labels returns the channel the event loop
// registers as an ordinary readable event (spec §4.6): each value is
// the label of a job whose activation descriptor became readable.
func New() *Bridge {
	return &Bridge{
		members: make(map[string][]*os.File),
		labels:  make(chan string, 64),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Labels returns the channel of activated job labels.
func (b *Bridge) Labels() <-chan string { return b.labels }

// Arm registers label's activation descriptors with the bridge. Called
// whenever a job transitions into Loaded-Idle (at load, and again after
// each reap that leaves it idle).
func (b *Bridge) Arm(label string, files []*os.File) {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	if _, ok := b.members[label]; !ok {
		b.order = append(b.order, label)
	}
	b.members[label] = files
}

// Disarm removes label from the poll set, called when its job starts
// running: the supervisor stops watching a job's activation descriptors
// while its child is live (spec §4.4.1).
func (b *Bridge) Disarm(label string) {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	delete(b.members, label)
}

// Run polls the armed descriptor set until Stop is called. It removes a
// label from the poll set the instant one of its descriptors reports
// readiness, preventing retrigger, then writes the label to Labels();
// re-arming is the caller's responsibility once the job returns to
// Loaded-Idle.
func (b *Bridge) Run() error {
	defer close(b.done)
	for {
		select {
		case <-b.stop:
			return nil
		default:
		}

		fds, labels := b.snapshot()
		if len(fds) == 0 {
			// Nothing armed; avoid a tight spin on an empty poll set.
			select {
			case <-b.stop:
				return nil
			case <-timer(pollIdleInterval):
			}
			continue
		}

		n, err := unix.Poll(fds, int(pollTimeoutMillis))
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return fmt.Errorf("poll activation descriptors: %w", err)
		}
		if n == 0 {
			continue
		}

		for i, pfd := range fds {
			if pfd.Revents == 0 {
				continue
			}
			label := labels[i]
			b.Disarm(label)
			select {
			case b.labels <- label:
			case <-b.stop:
				return nil
			}
		}
	}
}

// Stop halts Run and waits for it to return.
func (b *Bridge) Stop() {
	close(b.stop)
	<-b.done
}

func (b *Bridge) snapshot() ([]unix.PollFd, []string) {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	var fds []unix.PollFd
	var labels []string
	for _, label := range b.order {
		files, ok := b.members[label]
		if !ok {
			continue
		}
		for _, f := range files {
			fds = append(fds, unix.PollFd{Fd: int32(f.Fd()), Events: unix.POLLIN})
			labels = append(labels, label)
		}
	}
	return fds, labels
}
