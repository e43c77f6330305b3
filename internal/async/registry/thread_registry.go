package registry

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/konsultaner/arangodb/internal/async/gid"
	"github.com/konsultaner/arangodb/internal/async/location"
	"github.com/konsultaner/arangodb/internal/async/metrics"
)

// ThreadRegistry owns the list of promises living on one goroutine.
//
// The concurrency protocol, in one place:
//
//   - Insert runs on the owner goroutine only. It links the new record in
//     front of the live list and publishes it with an atomic store of
//     liveHead; an iterator's load of liveHead therefore observes a fully
//     constructed record.
//   - MarkForDeletion runs on any goroutine. It pushes the record onto the
//     free list with a CAS loop; the garbage collector's exchange of
//     freeHead observes every completed push.
//   - ForEachPromise runs on any goroutine. It holds mu so garbage
//     collection cannot unlink records out from under the walk. next is
//     written only by the owner goroutine, and the owner cannot be inside
//     GarbageCollect while any walker holds mu, so following next is safe
//     off the owner goroutine too.
//   - GarbageCollect runs on the owner goroutine, or on whichever
//     goroutine dropped the last reference. It takes the free list
//     privately with an atomic exchange, then unlinks and reclaims each
//     record under mu.
//
// mu is contended only between iteration and collection; insertion,
// marking, and the per-record mutators never touch it.
//
// The registry destroys itself when its reference count drops to zero. The
// directory holds one reference and every live record holds one, so
// teardown happens exactly when the registry has been unregistered and its
// last record has been marked.
type ThreadRegistry struct {
	owner    Thread
	liveHead atomic.Pointer[Promise]
	freeHead atomic.Pointer[Promise]
	refCount atomic.Int64
	mu       sync.Mutex
}

// NewThreadRegistry creates a registry owned by the calling goroutine.
func NewThreadRegistry(name string) *ThreadRegistry {
	r := &ThreadRegistry{
		owner: Thread{Name: name, ID: gid.Get()},
	}
	metrics.RecordRegistryCreated()
	return r
}

// Owner returns the identity of the owning goroutine.
func (r *ThreadRegistry) Owner() Thread { return r.owner }

// Insert allocates a promise record for the given call site and adds it to
// the live list.
//
// Must be called on the owner goroutine; any other caller is a bug in the
// instrumentation and panics. The new record starts Running with no
// waiter, and holds one reference on the registry until it is marked.
func (r *ThreadRegistry) Insert(site location.CallSite) *Promise {
	if caller := gid.Get(); caller != r.owner.ID {
		panic(fmt.Sprintf("async registry: insert on goroutine %d, registry owned by goroutine %d", caller, r.owner.ID))
	}

	p := promisePool.Get().(*Promise)
	p.reset(r, site)

	head := r.liveHead.Load()
	p.next = head
	if head != nil {
		// The inserting goroutine still owns p exclusively and is the
		// sole writer of the old head's back pointer.
		head.previous.Store(p)
	}
	// Publishes the fully built record; synchronizes with the load in
	// ForEachPromise.
	r.liveHead.Store(p)
	r.incrementRef()
	metrics.RecordPromiseAdded()
	return p
}

// MarkForDeletion moves a record of this registry onto the free list.
//
// May be called from any goroutine, at most once per record. The state is
// set to Deleted before the record becomes visible on the free list, so a
// snapshot taken in between sees a coherent Deleted record still on the
// live list. Passing a record of a different registry is a bug in the
// instrumentation and panics.
func (r *ThreadRegistry) MarkForDeletion(p *Promise) {
	if p.registry != r {
		panic(fmt.Sprintf("async registry: promise %d marked on a registry it does not belong to", p.id))
	}

	p.state.Store(int32(StateDeleted))
	for {
		head := r.freeHead.Load()
		p.nextFree = head
		// Synchronizes with the exchange in GarbageCollect.
		if r.freeHead.CompareAndSwap(head, p) {
			break
		}
	}
	metrics.RecordPromiseMarked()
	r.decrementRef()
}

// ForEachPromise invokes f on every record in the live list.
//
// May be called from any goroutine. Holding mu for the duration of the
// walk keeps garbage collection out, so every visited record stays valid
// until f returns; records concurrently marked for deletion are still
// visited and show up as Deleted.
func (r *ThreadRegistry) ForEachPromise(f func(*Promise)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	// Synchronizes with the stores in Insert and remove.
	for p := r.liveHead.Load(); p != nil; p = p.next {
		f(p)
	}
}

// GarbageCollect unlinks and reclaims every record marked for deletion.
//
// Must run on the owner goroutine, except for the terminal pass once the
// reference count has reached zero, which may run on whichever goroutine
// dropped the last reference. Repeated calls with nothing marked are
// no-ops.
func (r *ThreadRegistry) GarbageCollect() {
	if r.refCount.Load() != 0 {
		if caller := gid.Get(); caller != r.owner.ID {
			panic(fmt.Sprintf("async registry: garbage collection on goroutine %d, registry owned by goroutine %d", caller, r.owner.ID))
		}
	}

	start := time.Now()
	// Takes the whole chain privately; synchronizes with the CAS in
	// MarkForDeletion.
	head := r.freeHead.Swap(nil)

	r.mu.Lock()
	for p := head; p != nil; {
		next := p.nextFree
		if r.remove(p) {
			p.free()
		} else {
			// Stale back pointer: the record's predecessor is itself on
			// the free list but has not been collected yet. Requeue and
			// reclaim it on a later pass.
			r.requeue(p)
		}
		p = next
	}
	r.mu.Unlock()
	metrics.RecordGC(time.Since(start))
}

// remove unlinks a record from the live list. Caller holds mu.
//
// The back pointer moves from nil to non-nil exactly once, when a
// successor is inserted in front of the record, and a collector running
// off the owner goroutine may observe it stale. The check against liveHead
// keeps that pessimistic case safe: the record stays linked and is
// reported as not removable rather than corrupting the list.
func (r *ThreadRegistry) remove(p *Promise) bool {
	next := p.next
	previous := p.previous.Load()
	if previous == nil {
		// Record is the current head.
		// Synchronizes with the load in ForEachPromise.
		r.liveHead.Store(next)
	} else {
		if r.liveHead.Load() == p {
			// The record reached head position but its back pointer
			// still names the already-marked predecessor.
			return false
		}
		previous.next = next
	}
	if next != nil {
		next.previous.Store(previous)
	}
	return true
}

// requeue pushes a record back onto the free list for the next pass.
// Caller holds mu; concurrent markers may be pushing at the same time.
func (r *ThreadRegistry) requeue(p *Promise) {
	for {
		head := r.freeHead.Load()
		p.nextFree = head
		if r.freeHead.CompareAndSwap(head, p) {
			return
		}
	}
}

// incrementRef takes a strong reference on the registry.
func (r *ThreadRegistry) incrementRef() {
	r.refCount.Add(1)
}

// decrementRef drops a strong reference. Dropping the last one runs a
// terminal garbage collection and tears the registry down.
func (r *ThreadRegistry) decrementRef() {
	switch n := r.refCount.Add(-1); {
	case n == 0:
		// Terminal: nothing references the registry anymore, so no new
		// marks can arrive. Drain until pessimistically deferred records,
		// if any, are gone too.
		r.GarbageCollect()
		for r.freeHead.Load() != nil {
			r.GarbageCollect()
		}
		metrics.RecordRegistryDestroyed()
	case n < 0:
		panic("async registry: reference count underflow")
	}
}
