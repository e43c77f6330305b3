// Package monitor exposes the registry's inspection interface over HTTP.
//
// One endpoint streams a consistent snapshot of every live promise across
// all thread registries as JSON; a second serves prometheus metrics. Both
// are plumbing over the registry core's iteration interface: the handler
// walks the directory, pins each registry, and snapshots records under the
// registry's iteration lock.
package monitor

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/mod/semver"

	"github.com/konsultaner/arangodb/async"
	"github.com/konsultaner/arangodb/internal/async/metrics"
	"github.com/konsultaner/arangodb/internal/async/registry"
)

// PromisesPath is the inspection route, mirroring the admin API of the
// original server.
const PromisesPath = "/_admin/async-registry"

// PromisesDocument is the JSON document served on PromisesPath.
type PromisesDocument struct {
	APIVersion string                     `json:"api-version"`
	Promises   []registry.PromiseSnapshot `json:"promises"`
}

// Handler serves the inspection endpoints for one registry directory.
type Handler struct {
	dir *registry.Directory
	log logr.Logger
}

// NewHandler builds a handler over the given directory.
func NewHandler(dir *registry.Directory, log logr.Logger) *Handler {
	return &Handler{dir: dir, log: log.WithName("async-monitor")}
}

// Routes returns a mux with the inspection and metrics endpoints mounted.
func Routes(h *Handler) *http.ServeMux {
	get := func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodGet && r.Method != http.MethodHead {
				w.Header().Set("Allow", "GET, HEAD")
				http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
	mux := http.NewServeMux()
	mux.Handle(PromisesPath, get(h))
	mux.Handle("/metrics", get(promhttp.Handler()))
	return mux
}

// ServeHTTP answers one inspection request with a snapshot of all live
// promises.
//
// Inspectors that need a particular wire format may pass min-api-version;
// a request asking for more than the server speaks is rejected rather
// than answered in a shape the caller will misparse.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	requestID := uuid.NewString()
	w.Header().Set("X-Request-Id", requestID)
	log := h.log.WithValues("request_id", requestID, "remote", r.RemoteAddr)

	if min := r.URL.Query().Get("min-api-version"); min != "" {
		if err := checkAPIVersion(min); err != nil {
			metrics.RecordSnapshotRequest("rejected")
			log.V(1).Info("rejected inspection request", "reason", err.Error())
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
	}

	doc := PromisesDocument{
		APIVersion: async.APIVersion,
		Promises:   collectSnapshots(h.dir),
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(doc); err != nil {
		// Headers are gone already; all that is left is accounting.
		metrics.RecordSnapshotRequest("write_error")
		log.Error(err, "writing inspection response")
		return
	}
	metrics.RecordSnapshotRequest("ok")
	log.V(1).Info("served inspection request", "promises", len(doc.Promises))
}

// collectSnapshots walks every registry in the directory and captures a
// by-value snapshot of each live record.
func collectSnapshots(dir *registry.Directory) []registry.PromiseSnapshot {
	snapshots := []registry.PromiseSnapshot{}
	dir.ForEach(func(r *registry.ThreadRegistry) {
		r.ForEachPromise(func(p *registry.Promise) {
			snapshots = append(snapshots, p.Snapshot())
		})
	})
	return snapshots
}

// checkAPIVersion validates an inspector's minimum version request against
// the version this server serves.
func checkAPIVersion(min string) error {
	if !semver.IsValid(min) {
		return fmt.Errorf("min-api-version %q is not a valid semantic version", min)
	}
	if semver.Compare(min, async.APIVersion) > 0 {
		return fmt.Errorf("inspection API %s is older than requested minimum %s", async.APIVersion, min)
	}
	return nil
}
