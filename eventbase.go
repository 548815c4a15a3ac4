// Copyright 2026 The wangle authors. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package wangle

import (
	"bytes"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
)

// ErrEventBaseStopped is returned when work is posted to an event base
// that has been stopped.
type ErrEventBaseStopped struct{}

func (ErrEventBaseStopped) Error() string { return "event base stopped" }

// EventBase is a single-goroutine run loop. Every pipeline is pinned to
// the event base of its transport: all reads, writes and event propagation
// happen on the loop goroutine, so handlers may treat pipeline state and
// their own state as single-threaded.
type EventBase struct {
	tasks    chan func()
	doneChan chan struct{}
	stopped  chan struct{}
	stopOnce sync.Once
	loopGoID atomic.Uint64
}

// NewEventBase creates an event base and starts its loop goroutine.
func NewEventBase() *EventBase {
	eb := &EventBase{
		tasks:    make(chan func(), EventBaseQueueSize),
		doneChan: make(chan struct{}),
		stopped:  make(chan struct{}),
	}
	go eb.loop()
	return eb
}

func (eb *EventBase) loop() {
	eb.loopGoID.Store(goroutineID())
	defer close(eb.stopped)
	for {
		select {
		case fn := <-eb.tasks:
			fn()
		case <-eb.doneChan:
			// Run whatever was enqueued before the stop so no waiter
			// is left hanging.
			for {
				select {
				case fn := <-eb.tasks:
					fn()
				default:
					return
				}
			}
		}
	}
}

// InEventBaseThread reports whether the caller is running on the loop
// goroutine.
func (eb *EventBase) InEventBaseThread() bool {
	return eb.loopGoID.Load() == goroutineID()
}

// RunInLoop enqueues fn to run on the loop goroutine.
func (eb *EventBase) RunInLoop(fn func()) error {
	select {
	case <-eb.doneChan:
		return errors.WithStack(ErrEventBaseStopped{})
	case eb.tasks <- fn:
		return nil
	}
}

// RunImmediatelyOrRunInEventBaseThread runs fn inline when already on the
// loop, otherwise enqueues it.
func (eb *EventBase) RunImmediatelyOrRunInEventBaseThread(fn func()) error {
	if eb.InEventBaseThread() {
		fn()
		return nil
	}
	return eb.RunInLoop(fn)
}

// RunImmediatelyOrRunInEventBaseThreadAndWait runs fn inline when already
// on the loop, otherwise enqueues it and blocks until it has run.
func (eb *EventBase) RunImmediatelyOrRunInEventBaseThreadAndWait(fn func()) error {
	if eb.InEventBaseThread() {
		fn()
		return nil
	}
	done := make(chan struct{})
	if err := eb.RunInLoop(func() {
		defer close(done)
		fn()
	}); err != nil {
		return err
	}
	select {
	case <-done:
		return nil
	case <-eb.stopped:
		// The loop drained its queue before exiting; if fn ran, done is
		// closed by now.
		select {
		case <-done:
			return nil
		default:
			return errors.WithStack(ErrEventBaseStopped{})
		}
	}
}

// Stop shuts the loop down after running already-enqueued work and waits
// for the loop goroutine to exit.
func (eb *EventBase) Stop() {
	eb.stopOnce.Do(func() { close(eb.doneChan) })
	if !eb.InEventBaseThread() {
		<-eb.stopped
	}
}

// EventBaseGroup is a fixed pool of event bases handed out round-robin,
// used by the bootstraps to spread connections over loops.
type EventBaseGroup struct {
	bases []*EventBase
	next  atomic.Uint64
}

// NewEventBaseGroup starts n event bases.
func NewEventBaseGroup(n int) *EventBaseGroup {
	if n < 1 {
		n = 1
	}
	g := &EventBaseGroup{bases: make([]*EventBase, n)}
	for i := range g.bases {
		g.bases[i] = NewEventBase()
	}
	return g
}

// Next returns the next event base in round-robin order.
func (g *EventBaseGroup) Next() *EventBase {
	n := g.next.Add(1)
	return g.bases[(n-1)%uint64(len(g.bases))]
}

// Stop stops all event bases in the group.
func (g *EventBaseGroup) Stop() {
	for _, eb := range g.bases {
		eb.Stop()
	}
}

var goroutinePrefix = []byte("goroutine ")

// goroutineID extracts the runtime's goroutine id from a stack header.
func goroutineID() uint64 {
	buf := make([]byte, 64)
	buf = buf[:runtime.Stack(buf, false)]
	buf = bytes.TrimPrefix(buf, goroutinePrefix)
	if i := bytes.IndexByte(buf, ' '); i > 0 {
		if id, err := strconv.ParseUint(string(buf[:i]), 10, 64); err == nil {
			return id
		}
	}
	return 0
}
