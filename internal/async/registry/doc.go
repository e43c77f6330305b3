// Package registry implements the concurrent lifetime and collection
// protocol of the per-goroutine promise registry.
//
// Each worker goroutine owns one ThreadRegistry holding an intrusive,
// singly-linked list of Promise records, the nodes being the records
// themselves so that registration costs one allocation (pool-recycled) and
// marking costs none. The protocol splits responsibilities by thread
// residency:
//
//   - Insertion and physical reclamation are restricted to the owner
//     goroutine (reclamation also to the final-reference holder).
//   - Marking a record for deletion and iterating for snapshots are
//     allowed from any goroutine.
//
// A mutex serializes iteration against garbage collection and nothing
// else; insertion and marking are wait-free. Records move from the live
// list to a CAS-maintained free list when marked, and are unlinked and
// recycled by a manually driven garbage collection pass.
//
// The Directory aggregates all live registries for process-wide
// inspection, and Registration is the scoped handle instrumented
// operations hold while they are tracked.
//
// Contract violations (wrong-goroutine insert, foreign-record mark,
// off-owner collection while references remain, state regression) panic:
// they are instrumentation bugs that must surface, not conditions to
// recover from.
package registry
