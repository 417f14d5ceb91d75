// Command brainrun is the process entry point for the Brain Execution
// Engine: it wires the Durable Runner, Monitor, Manifest, Scheduler, and
// Webhook Router into an engine.Engine (in-process or Temporal) and serves
// the HTTP Control API.
//
// # Configuration
//
// Environment variables (see brain/config.Config; an optional .env file in
// the working directory is loaded first):
//
//	HTTP_ADDR              - HTTP Control API listen address (default: ":8080")
//	ENGINE                 - "inmem" (default) or "temporal"
//	TEMPORAL_HOST_PORT     - Temporal frontend address (default: "localhost:7233")
//	TEMPORAL_NAMESPACE     - Temporal namespace (default: "default")
//	TEMPORAL_TASK_QUEUE    - Temporal task queue (default: "brainrun")
//	CORS_ALLOWED_ORIGINS   - comma-separated CORS allowlist (default: allow any)
//	NODE_ENV               - "development" enables the webhook missing-token warning
//	CONFIG_DIR, PRIVATE_KEY - parsed, but not used or forwarded by brainrun
//	DEBUG                  - verbose logging
//	MANIFEST_ALIASES_PATH  - optional YAML file of extra brain identifiers
//
// # One-shot local runs
//
//	brainrun -run echo -identifier smoke-test
//
// drives a single registered brain synchronously and exits with its
// terminal status mapped to a process exit code instead of serving HTTP.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.temporal.io/sdk/client"
	clog "goa.design/clue/log"

	"github.com/brainyard/brainrun/brain/config"
	"github.com/brainyard/brainrun/brain/engine"
	"github.com/brainyard/brainrun/brain/engine/inmem"
	"github.com/brainyard/brainrun/brain/engine/temporal"
	"github.com/brainyard/brainrun/brain/fsm"
	"github.com/brainyard/brainrun/brain/httpapi"
	"github.com/brainyard/brainrun/brain/ir"
	"github.com/brainyard/brainrun/brain/manifest"
	"github.com/brainyard/brainrun/brain/monitor"
	"github.com/brainyard/brainrun/brain/runner"
	"github.com/brainyard/brainrun/brain/scheduler"
	"github.com/brainyard/brainrun/brain/telemetry"
	"github.com/brainyard/brainrun/brain/webhook"
)

func main() {
	runF := flag.String("run", "", "brain title/alias to run synchronously, then exit (one-shot, no HTTP server)")
	identifierF := flag.String("identifier", "", "run id for -run; a uuid is generated when empty")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		clog.Fatal(context.Background(), fmt.Errorf("brainrun: %w", err))
	}

	format := clog.FormatJSON
	if clog.IsTerminal() {
		format = clog.FormatTerminal
	}
	ctx := clog.Context(context.Background(), clog.WithFormat(format))
	if cfg.Debug {
		ctx = clog.Context(ctx, clog.WithDebug())
	}

	logger := telemetry.NewClueLogger()
	metrics := telemetry.NewClueMetrics()
	tracer := telemetry.NewClueTracer()

	mon := monitor.NewStore(monitor.WithLogger(logger))
	man := manifest.New()
	registerBuiltinBrains(man)
	if cfg.ManifestAliasesPath != "" {
		data, err := os.ReadFile(cfg.ManifestAliasesPath)
		if err != nil {
			clog.Fatal(ctx, fmt.Errorf("brainrun: read manifest aliases: %w", err))
		}
		if err := man.LoadAliasesYAML(data); err != nil {
			clog.Fatal(ctx, fmt.Errorf("brainrun: load manifest aliases: %w", err))
		}
	}

	eng, stopEngine, err := buildEngine(ctx, cfg, logger, metrics, tracer)
	if err != nil {
		clog.Print(ctx, clog.KV{K: "setup error", V: err.Error()})
		os.Exit(1)
	}
	defer stopEngine()

	r := runner.New(mon, nil,
		runner.WithLogger(logger), runner.WithMetrics(metrics), runner.WithTracer(tracer))
	for _, b := range man.List() {
		brain, err := man.Resolve(b.Title)
		if err != nil {
			continue
		}
		r.RegisterBrain(eng, brain)
	}
	r.RegisterWith(eng)

	if *runF != "" {
		os.Exit(runOneShot(ctx, r, mon, eng, man, *runF, *identifierF))
	}

	sch := scheduler.New(r, eng, man, scheduler.WithLogger(logger))
	sch.Start(ctx)
	defer sch.Stop()

	wh := webhook.New(mon, r, webhook.WithLogger(logger), webhook.WithDevMode(cfg.IsDevelopment()))

	srv := httpapi.New(mon, man, r, r, sch, wh, eng,
		httpapi.WithLogger(logger), httpapi.WithAllowedOrigins(cfg.CORSAllowedOrigins...))

	httpSrv := &http.Server{Addr: cfg.HTTPAddr, Handler: srv.Router()}

	errc := make(chan error, 1)
	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
		errc <- fmt.Errorf("%s", <-c)
	}()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		clog.Print(ctx, clog.KV{K: "http addr", V: cfg.HTTPAddr})
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- fmt.Errorf("http server: %w", err)
		}
	}()

	clog.Printf(ctx, "exiting (%v)", <-errc)

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		clog.Print(ctx, clog.KV{K: "shutdown error", V: err.Error()})
	}
	wg.Wait()
	clog.Print(ctx, clog.KV{K: "exited", V: true})
}

// buildEngine selects the inmem or Temporal engine.Engine per cfg.Engine.
// The returned stop func releases engine resources (the Temporal client
// connection, or a no-op for inmem) and must be deferred by the caller.
func buildEngine(ctx context.Context, cfg *config.Config, logger telemetry.Logger, metrics telemetry.Metrics, tracer telemetry.Tracer) (engine.Engine, func(), error) {
	switch cfg.Engine {
	case config.EngineTemporal:
		c, err := client.Dial(client.Options{HostPort: cfg.TemporalHostPort, Namespace: cfg.TemporalNamespace})
		if err != nil {
			return nil, nil, fmt.Errorf("dial temporal at %s: %w", cfg.TemporalHostPort, err)
		}
		eng := temporal.New(c, cfg.TemporalTaskQueue,
			temporal.WithLogger(logger), temporal.WithMetrics(metrics), temporal.WithTracer(tracer))
		errc := make(chan error, 1)
		go func() { errc <- eng.Start(ctx) }()
		stop := func() {
			c.Close()
			select {
			case err := <-errc:
				if err != nil {
					clog.Print(ctx, clog.KV{K: "temporal worker stopped", V: err.Error()})
				}
			default:
			}
		}
		return eng, stop, nil
	case config.EngineInmem, "":
		eng := inmem.New(inmem.WithLogger(logger), inmem.WithMetrics(metrics), inmem.WithTracer(tracer))
		return eng, func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unknown ENGINE %q (want inmem or temporal)", cfg.Engine)
	}
}

// runOneShot drives title synchronously to completion and maps its
// terminal fsm.Status to a process exit code per spec.md §6.
func runOneShot(ctx context.Context, r *runner.Runner, mon *monitor.Store, eng engine.Engine, man *manifest.StaticManifest, title, identifier string) int {
	brain, err := man.Resolve(title)
	if err != nil {
		fmt.Fprintf(os.Stderr, "brainrun: %v\n", err)
		return 1
	}
	if identifier == "" {
		identifier = uuid.NewString()
	}

	handle, err := r.Start(ctx, eng, identifier, brain, nil, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "brainrun: start %s: %v\n", title, err)
		return 1
	}
	if _, err := handle.Wait(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "brainrun: run %s failed: %v\n", identifier, err)
	}
	status, err := mon.Status(identifier)
	if err != nil {
		fmt.Fprintf(os.Stderr, "brainrun: status %s: %v\n", identifier, err)
		return 1
	}
	return exitCodeForStatus(status)
}

func exitCodeForStatus(status fsm.Status) int {
	switch status {
	case fsm.Complete:
		return 0
	case fsm.Cancelled:
		return 2
	default:
		return 1
	}
}

// registerBuiltinBrains seeds the manifest with a minimal brain so the
// binary is runnable out of the box without an external registration
// step. Real deployments register their own brains in a wrapper main that
// imports brain/manifest directly; this keeps brainrun itself usable for
// smoke-testing the Control API.
func registerBuiltinBrains(man *manifest.StaticManifest) {
	man.Register(&ir.Brain{
		Title:       "echo",
		Description: "copies its input options into run state and completes",
		Blocks: []ir.Block{
			ir.Step{Title: "echo", Action: func(_ context.Context, sc ir.StepContext) (ir.StepResult, error) {
				return ir.StepResult{State: sc.Options}, nil
			}},
		},
	}, "echo")
}
