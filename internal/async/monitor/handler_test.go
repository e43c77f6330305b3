package monitor

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/konsultaner/arangodb/async"
	"github.com/konsultaner/arangodb/internal/async/location"
	"github.com/konsultaner/arangodb/internal/async/metrics"
	"github.com/konsultaner/arangodb/internal/async/registry"
)

// testWorker owns a registry on its own goroutine so the handler tests
// can exercise the owner-residency rules realistically.
type testWorker struct {
	tasks chan func()
	done  chan struct{}
}

func startWorker() *testWorker {
	w := &testWorker{tasks: make(chan func()), done: make(chan struct{})}
	go func() {
		defer close(w.done)
		for f := range w.tasks {
			f()
		}
	}()
	return w
}

func (w *testWorker) do(f func()) {
	finished := make(chan struct{})
	w.tasks <- func() {
		defer close(finished)
		f()
	}
	<-finished
}

func (w *testWorker) stop() {
	close(w.tasks)
	<-w.done
}

func testSite(line uint32) location.CallSite {
	return location.CallSite{File: "server/rest_handler.go", Function: "handleRequest", Line: line}
}

// seedRegistry populates a directory with one worker registry holding two
// promises, one suspended and awaited.
func seedRegistry(t *testing.T, dir *registry.Directory, w *testWorker) (outer, inner *registry.Registration) {
	t.Helper()
	w.do(func() {
		r := registry.NewThreadRegistry("request-worker")
		dir.Register(r)
		outer = registry.NewRegistration(r, testSite(40))
		inner = registry.NewRegistration(r, testSite(80))
	})
	inner.SetAsyncWaiter(outer.ID())
	outer.UpdateState(registry.StateSuspended)
	return outer, inner
}

// TestServePromises verifies the inspection document end to end.
func TestServePromises(t *testing.T) {
	dir := registry.NewDirectory()
	w := startWorker()
	defer w.stop()
	outer, inner := seedRegistry(t, dir, w)
	defer func() {
		outer.Close()
		inner.Close()
	}()

	h := NewHandler(dir, logr.Discard())
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, PromisesPath, nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	_, err := uuid.Parse(rec.Header().Get("X-Request-Id"))
	assert.NoError(t, err, "X-Request-Id must be a uuid")

	var doc PromisesDocument
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&doc))
	assert.Equal(t, async.APIVersion, doc.APIVersion)
	require.Len(t, doc.Promises, 2)

	byID := map[uint64]registry.PromiseSnapshot{}
	for _, snap := range doc.Promises {
		byID[snap.ID] = snap
	}

	outerSnap, ok := byID[outer.ID()]
	require.True(t, ok, "outer promise missing from document")
	assert.Equal(t, "request-worker", outerSnap.OwningThread.Name)
	assert.Equal(t, "server/rest_handler.go", outerSnap.SourceLocation.FileName)
	assert.EqualValues(t, 40, outerSnap.SourceLocation.Line)
	assert.Equal(t, registry.StateSuspended, outerSnap.State)
	assert.Equal(t, registry.WaiterNone, outerSnap.Waiter.Kind)

	innerSnap, ok := byID[inner.ID()]
	require.True(t, ok, "inner promise missing from document")
	assert.Equal(t, registry.AsyncWaiter(outer.ID()), innerSnap.Waiter)
	assert.Equal(t, registry.StateRunning, innerSnap.State)
}

// TestServePromisesEmptyDirectory verifies the document for an idle
// process: an empty array, not null.
func TestServePromisesEmptyDirectory(t *testing.T) {
	h := NewHandler(registry.NewDirectory(), logr.Discard())
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, PromisesPath, nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"promises":[]`)
}

// TestMinAPIVersion covers the version negotiation on the inspection
// route.
func TestMinAPIVersion(t *testing.T) {
	tests := []struct {
		name     string
		min      string
		wantCode int
	}{
		{"no version", "", http.StatusOK},
		{"older than served", "v0.5.0", http.StatusOK},
		{"exactly served", async.APIVersion, http.StatusOK},
		{"newer than served", "v2.0.0", http.StatusBadRequest},
		{"not semver", "banana", http.StatusBadRequest},
	}

	h := NewHandler(registry.NewDirectory(), logr.Discard())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			target := PromisesPath
			if tt.min != "" {
				target += "?min-api-version=" + tt.min
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
			assert.Equal(t, tt.wantCode, rec.Code)
		})
	}
}

// TestRoutesServesMetrics verifies the prometheus endpoint is mounted and
// exposes the registry collectors.
func TestRoutesServesMetrics(t *testing.T) {
	metrics.Register(nil)

	dir := registry.NewDirectory()
	w := startWorker()
	defer w.stop()
	outer, inner := seedRegistry(t, dir, w)
	defer func() {
		outer.Close()
		inner.Close()
	}()

	mux := Routes(NewHandler(dir, logr.Discard()))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.True(t, strings.Contains(body, "async_registry_promises_added_total"),
		"metrics exposition missing registry collectors")
}
