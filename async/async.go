// Package async is the public surface of the async-task observability
// registry.
//
// A worker goroutine calls Setup once to create its thread registry,
// Add at the entry of every instrumented async operation, Collect to
// reclaim records marked for deletion, and Teardown when it exits. An
// inspector enumerates everything through Registries.
//
//	func worker() {
//		async.Setup("worker-1")
//		defer async.Teardown()
//
//		h := async.Add()
//		defer h.Close()
//		h.UpdateState(registry.StateSuspended)
//		// ...
//	}
//
// Goroutines that skip Setup still get a valid handle from Add; it is
// empty and every operation on it is a no-op, which is the runtime opt-out
// path for uninstrumented workers.
package async

import (
	"sync"

	"github.com/konsultaner/arangodb/internal/async/gid"
	"github.com/konsultaner/arangodb/internal/async/location"
	"github.com/konsultaner/arangodb/internal/async/registry"
)

// defaultDirectory aggregates every goroutine's registry for inspection.
var defaultDirectory = registry.NewDirectory()

// registries maps goroutine id to that goroutine's thread registry.
//
// Reads dominate (one lookup per Add), writes happen once per worker
// lifecycle, the access pattern sync.Map is built for.
var registries sync.Map // int64 → *registry.ThreadRegistry

// Setup lazily creates the calling goroutine's thread registry under the
// given name and publishes it to the directory. Calling Setup again on a
// goroutine that already has a registry returns the existing one.
func Setup(name string) *registry.ThreadRegistry {
	id := gid.Get()
	if existing, ok := registries.Load(id); ok {
		return existing.(*registry.ThreadRegistry)
	}
	r := registry.NewThreadRegistry(name)
	registries.Store(id, r)
	defaultDirectory.Register(r)
	return r
}

// Teardown runs a final garbage collection on the calling goroutine's
// registry and unregisters it. The registry tears itself down once its
// last promise has been marked. A goroutine without a registry is a no-op.
func Teardown() {
	id := gid.Get()
	stored, ok := registries.LoadAndDelete(id)
	if !ok {
		return
	}
	r := stored.(*registry.ThreadRegistry)
	r.GarbageCollect()
	defaultDirectory.Unregister(r)
}

// Collect drives one garbage collection pass on the calling goroutine's
// registry. Workers call this periodically; it is a no-op between passes
// with nothing marked.
func Collect() {
	if r := currentRegistry(); r != nil {
		r.GarbageCollect()
	}
}

// Add registers the caller's call site as a new tracked promise and
// returns its handle. On a goroutine without a registry the handle is
// empty and inert.
func Add() *registry.Registration {
	return registry.NewRegistration(currentRegistry(), location.Capture(1))
}

// Registries returns the process-wide directory of thread registries, the
// entry point for inspectors.
func Registries() *registry.Directory {
	return defaultDirectory
}

// currentRegistry resolves the calling goroutine's registry, nil if Setup
// was never called here.
func currentRegistry() *registry.ThreadRegistry {
	if stored, ok := registries.Load(gid.Get()); ok {
		return stored.(*registry.ThreadRegistry)
	}
	return nil
}
