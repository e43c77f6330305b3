package registry

import (
	"fmt"

	"github.com/konsultaner/arangodb/internal/async/location"
)

// noCopy triggers `go vet`'s copylocks check when a Registration is copied
// by value.
type noCopy struct{}

func (*noCopy) Lock()   {}
func (*noCopy) Unlock() {}

// Registration is the scoped handle an instrumented async operation holds
// while it is tracked by the registry.
//
// A handle is bound to exactly one promise record, is not copyable, and
// must be closed exactly once when the operation's frame goes away; Close
// marks the underlying record for deletion. A handle constructed against a
// nil registry (instrumentation opted out on this goroutine) is empty:
// every operation is a no-op and ID reports 0.
type Registration struct {
	noCopy  noCopy
	promise *Promise
}

// NewRegistration inserts a fresh promise record into reg and returns the
// handle bound to it.
//
// Must run on reg's owner goroutine. A nil reg yields an empty handle, the
// opt-out path for goroutines that never set up a registry.
func NewRegistration(reg *ThreadRegistry, site location.CallSite) *Registration {
	if reg == nil {
		return &Registration{}
	}
	return &Registration{promise: reg.Insert(site)}
}

// ID returns the underlying promise's identity, or 0 for an empty or
// closed handle.
func (h *Registration) ID() uint64 {
	if h.promise == nil {
		return 0
	}
	return h.promise.id
}

// SetAsyncWaiter records that another promise waits on this one.
func (h *Registration) SetAsyncWaiter(promiseID uint64) {
	if h.promise != nil {
		h.promise.setWaiter(AsyncWaiter(promiseID))
	}
}

// SetSyncWaiter records that a goroutine is parked on this promise.
func (h *Registration) SetSyncWaiter(goroutineID int64) {
	if h.promise != nil {
		h.promise.setWaiter(SyncWaiter(goroutineID))
	}
}

// ClearWaiter resets the waiter to none.
func (h *Registration) ClearWaiter() {
	if h.promise != nil {
		h.promise.setWaiter(Waiter{Kind: WaiterNone})
	}
}

// UpdateLine moves the source location's line as the operation progresses
// across suspension points. File and function stay fixed.
func (h *Registration) UpdateLine(line uint32) {
	if h.promise != nil {
		h.promise.setLine(line)
	}
}

// UpdateState advances the promise's lifecycle state.
//
// Only forward transitions are legal: Running and Suspended interchange,
// Resolved follows either, and Deleted is reserved for Close. A regression
// is a bug in the instrumentation and panics.
func (h *Registration) UpdateState(s State) {
	if h.promise == nil {
		return
	}
	old := h.promise.State()
	if !transitionAllowed(old, s) {
		panic(fmt.Sprintf("async registry: illegal state transition %v -> %v on promise %d", old, s, h.promise.id))
	}
	h.promise.state.Store(int32(s))
}

// Close marks the underlying record for deletion and detaches the handle.
// Closing an empty handle, or closing twice, is a no-op.
func (h *Registration) Close() {
	if h.promise == nil {
		return
	}
	p := h.promise
	h.promise = nil
	p.registry.MarkForDeletion(p)
}
