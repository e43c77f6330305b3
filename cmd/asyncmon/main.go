// Package main implements asyncmon, a monitor server for the async-task
// observability registry.
//
// asyncmon runs a set of instrumented worker goroutines next to the HTTP
// inspection endpoint, which makes it both a demonstration of the
// instrumentation surface and a probe target for the monitoring pipeline:
//
//	asyncmon -listen :8529 -workers 4
//	curl localhost:8529/_admin/async-registry | jq
//	curl localhost:8529/metrics
//
// Each worker owns a thread registry, registers short-lived promises as it
// "executes" them, and garbage-collects on a timer. The inspection
// endpoint aggregates all workers' registries on demand.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/konsultaner/arangodb/async"
	"github.com/konsultaner/arangodb/internal/async/gid"
	"github.com/konsultaner/arangodb/internal/async/metrics"
	"github.com/konsultaner/arangodb/internal/async/monitor"
	"github.com/konsultaner/arangodb/internal/async/registry"
)

var (
	listenAddr = flag.String("listen", ":8529", "address the inspection endpoint listens on")
	workers    = flag.Int("workers", 4, "number of instrumented demo workers")
	gcInterval = flag.Duration("gc-interval", time.Second, "how often each worker garbage-collects its registry")
	churn      = flag.Duration("churn", 250*time.Millisecond, "pause between demo promise lifecycles per worker")
	dev        = flag.Bool("dev", false, "use a development (console) log encoding")
)

func main() {
	flag.Parse()

	log, err := newLogger(*dev)
	if err != nil {
		fmt.Fprintf(os.Stderr, "building logger: %v\n", err)
		os.Exit(1)
	}
	log.Info("starting asyncmon", "version", async.Version, "api_version", async.APIVersion, "listen", *listenAddr)

	metrics.Register(nil)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, log); err != nil {
		fatal(log, err, "asyncmon failed")
	}
	log.Info("asyncmon stopped")
}

// run serves the monitor endpoints and drives the demo workers until the
// context is cancelled.
func run(ctx context.Context, log logr.Logger) error {
	handler := monitor.NewHandler(async.Registries(), log)
	server := &http.Server{
		Addr:              *listenAddr,
		Handler:           monitor.Routes(handler),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("inspection server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	for i := 0; i < *workers; i++ {
		i := i
		g.Go(func() error {
			worker(ctx, fmt.Sprintf("worker-%d", i), log)
			return nil
		})
	}

	return g.Wait()
}

// worker simulates one instrumented event-loop goroutine: it sets up its
// thread registry, runs promise lifecycles until cancelled, and collects
// on a timer.
func worker(ctx context.Context, name string, log logr.Logger) {
	async.Setup(name)
	defer async.Teardown()
	log.V(1).Info("worker started", "worker", name, "goroutine", gid.Get())

	gcTick := time.NewTicker(*gcInterval)
	defer gcTick.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-gcTick.C:
			async.Collect()
		case <-time.After(*churn):
			runPromise(ctx)
		}
	}
}

// runPromise walks one promise through a plausible lifecycle: running,
// suspended on a sibling promise, resumed, resolved.
func runPromise(ctx context.Context) {
	h := async.Add()
	defer h.Close()

	inner := async.Add()
	defer inner.Close()
	inner.SetAsyncWaiter(h.ID())

	h.UpdateState(registry.StateSuspended)
	select {
	case <-ctx.Done():
		return
	case <-time.After(time.Duration(rand.Intn(50)) * time.Millisecond):
	}

	inner.UpdateState(registry.StateResolved)
	h.UpdateState(registry.StateRunning)
	h.UpdateLine(uint32(rand.Intn(400))) //nolint:gosec // demo line numbers
	h.UpdateState(registry.StateResolved)
}

// newLogger builds the process logger, zap behind the logr front the rest
// of the code logs through.
func newLogger(dev bool) (logr.Logger, error) {
	cfg := zap.NewProductionConfig()
	if dev {
		cfg = zap.NewDevelopmentConfig()
	}
	z, err := cfg.Build()
	if err != nil {
		return logr.Logger{}, err
	}
	return zapr.NewLogger(z), nil
}

// fatal logs the error and exits non-zero.
func fatal(log logr.Logger, err error, msg string) {
	log.Error(err, msg)
	os.Exit(1)
}
