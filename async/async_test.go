package async_test

import (
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/konsultaner/arangodb/async"
	"github.com/konsultaner/arangodb/internal/async/registry"
)

// collectAll gathers one snapshot per live promise across the process.
func collectAll() []registry.PromiseSnapshot {
	var snaps []registry.PromiseSnapshot
	async.Registries().ForEach(func(r *registry.ThreadRegistry) {
		r.ForEachPromise(func(p *registry.Promise) {
			snaps = append(snaps, p.Snapshot())
		})
	})
	return snaps
}

// TestWorkerLifecycle drives the full public surface from a worker
// goroutine while inspecting from the test goroutine.
func TestWorkerLifecycle(t *testing.T) {
	ready := make(chan uint64)
	finish := make(chan struct{})
	done := make(chan struct{})

	go func() {
		defer close(done)
		async.Setup("lifecycle-worker")
		defer async.Teardown()

		h := async.Add()
		h.UpdateState(registry.StateSuspended)
		ready <- h.ID()
		<-finish
		h.Close()
		async.Collect()
	}()

	id := <-ready
	require.NotZero(t, id)

	var found *registry.PromiseSnapshot
	for _, snap := range collectAll() {
		if snap.ID == id {
			found = &snap
			break
		}
	}
	require.NotNil(t, found, "worker promise not visible to the inspector")
	assert.Equal(t, "lifecycle-worker", found.OwningThread.Name)
	assert.Equal(t, registry.StateSuspended, found.State)
	assert.True(t, strings.HasSuffix(found.SourceLocation.FileName, "async_test.go"),
		"call site file = %q", found.SourceLocation.FileName)

	close(finish)
	<-done

	for _, snap := range collectAll() {
		assert.NotEqual(t, id, snap.ID, "promise must be gone after teardown")
	}
}

// TestAddWithoutSetupIsInert verifies the opt-out path end to end.
func TestAddWithoutSetupIsInert(t *testing.T) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		h := async.Add()
		assert.Zero(t, h.ID())
		h.UpdateState(registry.StateResolved)
		h.Close()
	}()
	<-done
}

// TestSetupIdempotentPerGoroutine verifies repeated Setup returns the same
// registry.
func TestSetupIdempotentPerGoroutine(t *testing.T) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer async.Teardown()
		first := async.Setup("idempotent")
		second := async.Setup("renamed")
		assert.Same(t, first, second)
		assert.Equal(t, "idempotent", second.Owner().Name)
	}()
	<-done
}

// TestManyWorkers verifies per-goroutine isolation: each worker's promises
// land in its own registry.
func TestManyWorkers(t *testing.T) {
	const workers = 8

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r := async.Setup("fanout")
			defer async.Teardown()

			h := async.Add()
			defer h.Close()
			assert.Equal(t, r.Owner(), func() registry.Thread {
				var owner registry.Thread
				r.ForEachPromise(func(p *registry.Promise) { owner = p.Thread() })
				return owner
			}())
		}()
	}
	wg.Wait()
}
