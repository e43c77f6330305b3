package registry

import (
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/konsultaner/arangodb/internal/async/location"
	"github.com/konsultaner/arangodb/internal/async/metrics"
)

// State is the lifecycle state of a registered promise.
//
// States only advance: Running and Suspended interchange while the
// operation makes progress, Resolved follows when it completes, and Deleted
// is terminal, set exactly once when the promise is marked for deletion.
type State int32

const (
	StateRunning State = iota
	StateSuspended
	StateResolved
	StateDeleted
)

// String returns the state name used on the wire.
func (s State) String() string {
	switch s {
	case StateRunning:
		return "Running"
	case StateSuspended:
		return "Suspended"
	case StateResolved:
		return "Resolved"
	case StateDeleted:
		return "Deleted"
	default:
		return "Unknown"
	}
}

// MarshalJSON serializes the state as its name.
func (s State) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON parses a state name.
func (s *State) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	switch name {
	case "Running":
		*s = StateRunning
	case "Suspended":
		*s = StateSuspended
	case "Resolved":
		*s = StateResolved
	case "Deleted":
		*s = StateDeleted
	default:
		return fmt.Errorf("unknown promise state %q", name)
	}
	return nil
}

// transitionAllowed reports whether the state machine may move from one
// state to the next. Same-state updates are allowed as no-ops; otherwise
// Deleted is never a legal target here because only mark-for-deletion sets
// it.
func transitionAllowed(from, to State) bool {
	if from == to {
		return true
	}
	switch from {
	case StateRunning:
		return to == StateSuspended || to == StateResolved
	case StateSuspended:
		return to == StateRunning || to == StateResolved
	default:
		return false
	}
}

// WaiterKind discriminates the waiter alternatives of a promise.
type WaiterKind uint8

const (
	// WaiterNone means nothing waits on the promise.
	WaiterNone WaiterKind = iota
	// WaiterAsync means another promise, identified by its id, waits on it.
	WaiterAsync
	// WaiterSync means a goroutine is parked synchronously on it.
	WaiterSync
)

// Waiter is the tagged union of the three waiter alternatives.
//
// It is stored inside a promise as a single packed word so that concurrent
// replacements can never be observed torn: the kind lives in the top two
// bits, the payload (promise id or goroutine id) in the low 62.
type Waiter struct {
	Kind WaiterKind
	// Async is the waiting promise's id, valid when Kind is WaiterAsync.
	Async uint64
	// Sync is the parked goroutine's id, valid when Kind is WaiterSync.
	Sync int64
}

// AsyncWaiter builds the async alternative.
func AsyncWaiter(promiseID uint64) Waiter {
	return Waiter{Kind: WaiterAsync, Async: promiseID}
}

// SyncWaiter builds the sync alternative.
func SyncWaiter(goroutineID int64) Waiter {
	return Waiter{Kind: WaiterSync, Sync: goroutineID}
}

const (
	waiterKindShift   = 62
	waiterPayloadMask = 1<<waiterKindShift - 1
)

// pack encodes the waiter into one word. Ids are monotonic counters far
// below 2^62, so the payload truncation never fires in practice.
func (w Waiter) pack() uint64 {
	var payload uint64
	switch w.Kind {
	case WaiterAsync:
		payload = w.Async
	case WaiterSync:
		payload = uint64(w.Sync)
	}
	return uint64(w.Kind)<<waiterKindShift | payload&waiterPayloadMask
}

// unpackWaiter decodes a word written by pack.
func unpackWaiter(word uint64) Waiter {
	payload := word & waiterPayloadMask
	switch WaiterKind(word >> waiterKindShift) {
	case WaiterAsync:
		return Waiter{Kind: WaiterAsync, Async: payload}
	case WaiterSync:
		return Waiter{Kind: WaiterSync, Sync: int64(payload)}
	default:
		return Waiter{Kind: WaiterNone}
	}
}

// MarshalJSON serializes the waiter the way the inspection endpoint
// expects: {} for none, {"async": id} and {"sync": id} for the other two.
func (w Waiter) MarshalJSON() ([]byte, error) {
	switch w.Kind {
	case WaiterAsync:
		return json.Marshal(struct {
			Async uint64 `json:"async"`
		}{w.Async})
	case WaiterSync:
		return json.Marshal(struct {
			Sync int64 `json:"sync"`
		}{w.Sync})
	default:
		return []byte("{}"), nil
	}
}

// UnmarshalJSON parses the wire form produced by MarshalJSON.
func (w *Waiter) UnmarshalJSON(data []byte) error {
	var raw struct {
		Async *uint64 `json:"async"`
		Sync  *int64  `json:"sync"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	switch {
	case raw.Async != nil:
		*w = AsyncWaiter(*raw.Async)
	case raw.Sync != nil:
		*w = SyncWaiter(*raw.Sync)
	default:
		*w = Waiter{Kind: WaiterNone}
	}
	return nil
}

// Thread identifies the goroutine that owns a registry and its promises.
type Thread struct {
	Name string `json:"name"`
	ID   int64  `json:"id"`
}

// SourceLocationSnapshot is the by-value capture of a promise's location.
type SourceLocationSnapshot struct {
	FileName     string `json:"file_name"`
	Line         uint32 `json:"line"`
	FunctionName string `json:"function_name"`
}

// PromiseSnapshot is a by-value capture of one promise record.
//
// Each field is read with a single atomic load, so every field is
// internally consistent; the combination across fields is only a plausible
// view, which is all the inspector needs.
type PromiseSnapshot struct {
	OwningThread   Thread                 `json:"owning_thread"`
	SourceLocation SourceLocationSnapshot `json:"source_location"`
	ID             uint64                 `json:"id"`
	Waiter         Waiter                 `json:"waiter"`
	State          State                  `json:"state"`
}

// nextPromiseID hands out process-wide promise identities. Ids start at 1;
// 0 is the sentinel an empty registration handle reports.
var nextPromiseID atomic.Uint64

// Promise is an intrusive record in a thread registry's live list.
//
// Field ownership follows the registry protocol:
//   - thread, fileName, functionName, registry, id are immutable after
//     insert
//   - line, waiter, state are independent atomics any holder of the
//     registration handle may update
//   - next is written by the owner goroutine only (at insert, and during
//     garbage collection under the registry mutex)
//   - previous is assigned when a successor is linked in front of this
//     record and is read atomically by garbage collection
//   - nextFree is written once by whichever goroutine links the record
//     onto the free list, then read only by garbage collection
type Promise struct {
	thread       Thread
	fileName     string
	functionName string
	line         atomic.Uint32
	waiter       atomic.Uint64
	state        atomic.Int32
	registry     *ThreadRegistry
	id           uint64

	next     *Promise
	previous atomic.Pointer[Promise]
	nextFree *Promise
}

// promisePool recycles promise records. A record enters the pool only from
// garbage collection, after it has been unlinked under the registry mutex,
// so no iterator can still reach it.
var promisePool = sync.Pool{
	New: func() any { return new(Promise) },
}

// reset initializes a (possibly recycled) record for a fresh registration.
func (p *Promise) reset(r *ThreadRegistry, site location.CallSite) {
	p.thread = r.owner
	p.fileName = site.File
	p.functionName = site.Function
	p.line.Store(site.Line)
	p.waiter.Store(Waiter{Kind: WaiterNone}.pack())
	p.state.Store(int32(StateRunning))
	p.registry = r
	p.id = nextPromiseID.Add(1)
	p.next = nil
	p.previous.Store(nil)
	p.nextFree = nil
}

// free reclaims the record's storage. Only garbage collection calls this,
// after unlinking the record from the live list.
func (p *Promise) free() {
	if State(p.state.Load()) != StateDeleted {
		panic(fmt.Sprintf("async registry: reclaiming promise %d in state %v", p.id, State(p.state.Load())))
	}
	metrics.RecordPromiseReclaimed()
	p.registry = nil
	p.next = nil
	p.previous.Store(nil)
	p.nextFree = nil
	p.id = 0
	promisePool.Put(p)
}

// ID returns the promise's opaque identity.
func (p *Promise) ID() uint64 { return p.id }

// Thread returns the owning goroutine's identity.
func (p *Promise) Thread() Thread { return p.thread }

// State returns the current lifecycle state.
func (p *Promise) State() State { return State(p.state.Load()) }

// Waiter returns the current waiter alternative.
func (p *Promise) Waiter() Waiter { return unpackWaiter(p.waiter.Load()) }

// setWaiter atomically replaces the waiter alternative.
func (p *Promise) setWaiter(w Waiter) { p.waiter.Store(w.pack()) }

// setLine atomically updates the mutable line of the source location.
func (p *Promise) setLine(line uint32) { p.line.Store(line) }

// Snapshot reads the mutable cells and returns a by-value capture.
func (p *Promise) Snapshot() PromiseSnapshot {
	return PromiseSnapshot{
		OwningThread: p.thread,
		SourceLocation: SourceLocationSnapshot{
			FileName:     p.fileName,
			Line:         p.line.Load(),
			FunctionName: p.functionName,
		},
		ID:     p.id,
		Waiter: p.Waiter(),
		State:  p.State(),
	}
}
