// Package eventloop implements the supervisor's single-goroutine event
// multiplexer (spec §4.1/§9): one dispatcher, one suspension point, at
// most one callback invoked per turn. Where spec.md's C original
// dispatches by an opaque user-data pointer embedded in the owning
// record, this package follows design note §9's suggested
// generalization — a sum-type Event carrying a Kind and an Owner label,
// matched with a switch in each registered Handler — dispatched over
// Go channels selected on dynamically via reflect.Select, since the set
// of registered sources grows and shrinks as jobs load, spawn, and
// retire.
package eventloop

import (
	"reflect"
	"sync"
	"time"
)

// Kind identifies the class of event a source delivers, mirroring the
// event multiplexer's registrable interest set from spec §4.1:
// {readable-fd, writable-fd, process-exit, signal-delivered,
// filesystem-change, port-set-activation}.
type Kind int

const (
	KindReadable Kind = iota
	KindWritable
	KindProcessExit
	KindSignal
	KindFSEvent
	KindActivation
)

// Event is delivered to exactly one Handler per Loop.Run iteration.
// Owner identifies which registration produced it (e.g. a job label or
// connection id); Value carries whatever the source's channel produced.
type Event struct {
	Kind  Kind
	Owner string
	Value interface{}
}

// Handler reacts to one Event. It must run to completion without
// blocking (spec §5): any operation that might block should instead
// register its own interest and return.
type Handler func(Event)

// New creates a Loop. isInit marks this instance as running as host
// process 1, which disables the idle-timeout self-exit policy (spec
// §4.1's wait policy).
func New(isInit bool) *Loop {
	return &Loop{isInit: isInit, idle: 30 * time.Second}
}

// Loop is the supervisor's single event multiplexer. All registration
// and unregistration must happen from the goroutine running Run, or
// before Run starts; Loop does not synchronize concurrent registration
// against a running Run call, matching spec §5's single-main-thread
// ownership model.
type Loop struct {
	mutex   sync.Mutex
	sources []source
	isInit  bool
	idle    time.Duration
}

type source struct {
	kind    Kind
	owner   string
	ch      reflect.Value
	handler Handler
}

// Register adds a new interest: whenever a value becomes receivable on
// ch, Run invokes handler with an Event carrying kind, owner, and the
// received value. ch must be a channel.
func (l *Loop) Register(kind Kind, owner string, ch interface{}, handler Handler) {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	l.sources = append(l.sources, source{
		kind:    kind,
		owner:   owner,
		ch:      reflect.ValueOf(ch),
		handler: handler,
	})
}

// Unregister removes every interest registered under owner.
func (l *Loop) Unregister(owner string) {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	kept := l.sources[:0]
	for _, s := range l.sources {
		if s.owner != owner {
			kept = append(kept, s)
		}
	}
	l.sources = kept
}

// JobCounter reports how many jobs are currently loaded, used to decide
// the idle-timeout wait policy (spec §4.1).
type JobCounter func() int

// Run blocks in the multiplex wait, dispatching exactly one event per
// turn, until jobs reports zero jobs while this instance is not init
// (idle-timeout exit, returns nil) or stop is closed (returns nil).
// No event is dropped while the loop runs (spec §4.1): Register calls
// made from within a Handler take effect on the next turn.
func (l *Loop) Run(jobs JobCounter, stop <-chan struct{}) error {
	for {
		l.mutex.Lock()
		cases := make([]reflect.SelectCase, 0, len(l.sources)+2)
		for _, s := range l.sources {
			cases = append(cases, reflect.SelectCase{Dir: reflect.SelectRecv, Chan: s.ch})
		}
		sources := l.sources
		l.mutex.Unlock()

		stopIdx := len(cases)
		cases = append(cases, reflect.SelectCase{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(stop)})

		timeoutIdx := -1
		if jobs() == 0 && !l.isInit {
			timeoutIdx = len(cases)
			cases = append(cases, reflect.SelectCase{
				Dir:  reflect.SelectRecv,
				Chan: reflect.ValueOf(time.After(l.idle)),
			})
		}

		chosen, recv, ok := reflect.Select(cases)

		if chosen == stopIdx {
			return nil
		}
		if timeoutIdx >= 0 && chosen == timeoutIdx {
			return nil
		}

		s := sources[chosen]
		if !ok {
			l.Unregister(s.owner)
			continue
		}

		s.handler(Event{Kind: s.kind, Owner: s.owner, Value: recv.Interface()})
	}
}
