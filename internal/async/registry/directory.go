package registry

import "sync"

// Directory is the process-wide set of live thread registries.
//
// Each entry holds one strong reference on its registry, so an enumerated
// registry cannot tear itself down while an inspector is walking it. The
// directory lock covers only membership changes and the set snapshot taken
// at the start of ForEach; inspector callbacks run outside it.
type Directory struct {
	mu         sync.Mutex
	registries []*ThreadRegistry
}

// NewDirectory creates an empty directory.
func NewDirectory() *Directory {
	return &Directory{}
}

// Register adds a registry to the directory, taking a strong reference on
// it. Registering the same registry twice is a no-op.
func (d *Directory) Register(r *ThreadRegistry) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, existing := range d.registries {
		if existing == r {
			return
		}
	}
	r.incrementRef()
	d.registries = append(d.registries, r)
}

// Unregister removes a registry and drops the directory's strong
// reference. If that was the last reference, the registry runs its
// terminal garbage collection on the calling goroutine. Unregistering a
// registry that is not present is a no-op.
func (d *Directory) Unregister(r *ThreadRegistry) {
	d.mu.Lock()
	found := false
	for i, existing := range d.registries {
		if existing == r {
			d.registries = append(d.registries[:i], d.registries[i+1:]...)
			found = true
			break
		}
	}
	d.mu.Unlock()

	if found {
		// Dropped outside the lock: the terminal garbage collection this
		// may trigger must not run under the directory mutex.
		r.decrementRef()
	}
}

// Len reports the number of registered registries.
func (d *Directory) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.registries)
}

// ForEach invokes f on every registered registry.
//
// The set is snapshotted under the lock and each registry is pinned with a
// strong reference for the duration of its callback, so f runs outside the
// directory lock and the registry cannot be destroyed mid-iteration. The
// reference dropped afterwards may be the last one, in which case the
// terminal garbage collection runs here.
func (d *Directory) ForEach(f func(*ThreadRegistry)) {
	d.mu.Lock()
	pinned := make([]*ThreadRegistry, len(d.registries))
	copy(pinned, d.registries)
	for _, r := range pinned {
		r.incrementRef()
	}
	d.mu.Unlock()

	for _, r := range pinned {
		f(r)
		r.decrementRef()
	}
}
