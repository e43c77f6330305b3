package registry

import (
	"testing"

	"github.com/konsultaner/arangodb/internal/async/location"
)

// ownerLoop gives a test a long-lived goroutine to play the owner role:
// operations restricted to the owner goroutine are shipped to it and run
// there, while the test goroutine acts as an arbitrary foreign thread.
type ownerLoop struct {
	tasks chan func()
	done  chan struct{}
}

func startOwnerLoop() *ownerLoop {
	o := &ownerLoop{
		tasks: make(chan func()),
		done:  make(chan struct{}),
	}
	go func() {
		defer close(o.done)
		for f := range o.tasks {
			f()
		}
	}()
	return o
}

// do runs f on the owner goroutine and waits for it to finish.
func (o *ownerLoop) do(f func()) {
	finished := make(chan struct{})
	o.tasks <- func() {
		defer close(finished)
		f()
	}
	<-finished
}

// doRecover runs f on the owner goroutine and returns what it panicked
// with, nil if it returned normally.
func (o *ownerLoop) doRecover(f func()) (recovered any) {
	finished := make(chan struct{})
	o.tasks <- func() {
		defer close(finished)
		defer func() { recovered = recover() }()
		f()
	}
	<-finished
	return recovered
}

// async runs f on the owner goroutine without waiting and returns a
// channel closed when f finishes.
func (o *ownerLoop) async(f func()) <-chan struct{} {
	finished := make(chan struct{})
	o.tasks <- func() {
		defer close(finished)
		f()
	}
	return finished
}

// stop exits the owner goroutine, as a worker leaving its event loop does.
func (o *ownerLoop) stop() {
	close(o.tasks)
	<-o.done
}

// newTestRegistry creates a registry owned by the loop's goroutine and
// pins it with one reference so that marking the last promise does not
// tear it down mid-test. The returned release drops the pin.
func newTestRegistry(t *testing.T, o *ownerLoop, name string) (r *ThreadRegistry, release func()) {
	t.Helper()
	o.do(func() {
		r = NewThreadRegistry(name)
	})
	r.incrementRef()
	return r, func() { r.decrementRef() }
}

// site fabricates a call site for tests.
func site(line uint32) location.CallSite {
	return location.CallSite{
		File:     "registry/worker.go",
		Function: "worker.run",
		Line:     line,
	}
}

// liveIDs walks the live list and returns the promise ids in iteration
// order.
func liveIDs(r *ThreadRegistry) []uint64 {
	var ids []uint64
	r.ForEachPromise(func(p *Promise) {
		ids = append(ids, p.ID())
	})
	return ids
}
