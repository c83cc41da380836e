// Command cuenv drives task-graph execution: loading a manifest, building
// its DAG, dispatching it through internal/sched, and exposing cache/GC/
// history maintenance as subcommands. Adapted from
// services/orchestrator/main.go's graceful-shutdown and dual-exporter idiom,
// reworked from a long-running HTTP service into a flag-based CLI dispatcher
// since the CLI itself is the surface being built here.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/swarmguard/cuenv/internal/cachemgr"
	"github.com/swarmguard/cuenv/internal/config"
	"github.com/swarmguard/cuenv/internal/dag"
	"github.com/swarmguard/cuenv/internal/events"
	"github.com/swarmguard/cuenv/internal/executor"
	"github.com/swarmguard/cuenv/internal/gc"
	"github.com/swarmguard/cuenv/internal/gcsched"
	"github.com/swarmguard/cuenv/internal/history"
	"github.com/swarmguard/cuenv/internal/manifest"
	"github.com/swarmguard/cuenv/internal/observability/logging"
	"github.com/swarmguard/cuenv/internal/observability/otelinit"
	"github.com/swarmguard/cuenv/internal/policygate"
	runtimeprovider "github.com/swarmguard/cuenv/internal/runtime"
	"github.com/swarmguard/cuenv/internal/sched"
	"github.com/swarmguard/cuenv/internal/secret"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	logger := logging.Init("cuenv")
	cfg := config.Load()

	var err error
	switch os.Args[1] {
	case "run":
		err = cmdRun(cfg, logger, os.Args[2:])
	case "gc":
		err = cmdGC(cfg, logger, os.Args[2:])
	case "cache":
		err = cmdCache(cfg, logger, os.Args[2:])
	case "history":
		err = cmdHistory(cfg, logger, os.Args[2:])
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		logger.Error("command failed", "error", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: cuenv <run|gc|cache|history> [flags]")
}

func openCache(cfg config.Config) (*cachemgr.Manager, error) {
	root := cfg.CacheDir
	if root == "" {
		r, err := cachemgr.DefaultRoot()
		if err != nil {
			return nil, err
		}
		root = r
	}
	return cachemgr.New(root)
}

func cmdRun(cfg config.Config, logger *slog.Logger, args []string) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	manifestPath := fs.String("manifest", "cuenv.json", "path to the task manifest")
	outputsRoot := fs.String("outputs", ".", "directory task outputs are written under")
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	shutdownTrace := otelinit.InitTracer(ctx, "cuenv")
	defer otelinit.Flush(context.Background(), shutdownTrace)
	shutdownMetrics, _ := otelinit.InitMetrics(ctx, "cuenv")
	defer shutdownMetrics(context.Background())

	mf, err := manifest.Load(*manifestPath)
	if err != nil {
		return err
	}
	tasks := mf.Tasks()
	runtimes := mf.RuntimeMap()

	g, err := dag.Build(ctx, tasks, runtimes)
	if err != nil {
		return err
	}

	cache, err := openCache(cfg)
	if err != nil {
		return err
	}
	cache.Logger = logger

	if err := os.MkdirAll(filepath.Dir(cfg.HistoryDBPath), 0o755); err != nil {
		return err
	}
	hist, err := history.Open(cfg.HistoryDBPath)
	if err != nil {
		return err
	}
	defer hist.Close()

	gate, err := policygate.Open(ctx, cfg.PolicyDir)
	if err != nil {
		return err
	}
	go gate.Watch(ctx, func(err error) {
		if err != nil {
			logger.Warn("policy reload failed", "error", err)
		} else {
			logger.Info("policy reloaded")
		}
	})

	bus, err := events.Open(cfg.EventsNATSURL)
	if err != nil {
		return err
	}
	defer bus.Close()

	runner := &sched.Runner{
		Graph:   g,
		Cache:   cache,
		Exec:    executor.NewRunner(nil),
		Gate:    gate,
		Bus:     bus,
		History: hist,
		Resolvers: map[string]secret.Resolver{
			secret.EnvResolver{}.ID():  secret.EnvResolver{},
			secret.ExecResolver{}.ID(): secret.ExecResolver{},
		},
		Registry: secret.NewRegistry(),
		Runtimes: runtimeprovider.StaticProvider(runtimes),
		Options: sched.Options{
			MaxParallelism: cfg.MaxParallelism,
			ProjectRoot:    mf.Project,
			SystemSalt:     cfg.SecretSalt,
			OutputsRoot:    *outputsRoot,
		},
		Logger: logger,
	}
	runner.Exec.GracePeriod = cfg.CancellationGracePeriod

	run, err := runner.Run(ctx)
	logger.Info("run complete", "run_id", run.ID, "tasks", len(run.Tasks))
	return err
}

func cmdGC(cfg config.Config, logger *slog.Logger, args []string) error {
	fs := flag.NewFlagSet("gc", flag.ExitOnError)
	dryRun := fs.Bool("dry-run", false, "report what would be removed without removing it")
	daemon := fs.Bool("daemon", false, "run GC on cfg.GCCronExpr forever instead of once")
	if err := fs.Parse(args); err != nil {
		return err
	}

	root := cfg.CacheDir
	if root == "" {
		r, err := cachemgr.DefaultRoot()
		if err != nil {
			return err
		}
		root = r
	}
	policy := gcPolicy(cfg, *dryRun)

	if *daemon {
		if cfg.GCCronExpr == "" {
			return fmt.Errorf("CUENV_GC_CRON must be set to run gc --daemon")
		}
		s := gcsched.New(logger)
		if err := s.AddJob(cfg.GCCronExpr, root, policy); err != nil {
			return err
		}
		s.Start()
		ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer cancel()
		<-ctx.Done()
		s.Stop()
		return nil
	}

	result, err := gc.Run(context.Background(), root, policy, func(format string, a ...any) {
		logger.Debug("gc candidate", "detail", fmt.Sprintf(format, a...))
	})
	if err != nil {
		return err
	}
	logger.Info("gc complete",
		"entries_removed", result.EntriesRemoved,
		"blobs_removed", result.BlobsRemoved,
		"bytes_freed", result.BytesFreed,
		"entries_scanned", result.EntriesScanned,
	)
	return nil
}

func gcPolicy(cfg config.Config, dryRun bool) gc.Policy {
	maxAge := int64(cfg.GCMaxAgeDays)
	maxSize := cfg.GCMaxSizeBytes
	return gc.Policy{
		MaxAgeDays:        &maxAge,
		MaxSizeBytes:      &maxSize,
		MinEntriesPerTask: cfg.GCMinEntriesPerTask,
		DryRun:            dryRun,
	}
}

func cmdCache(cfg config.Config, logger *slog.Logger, args []string) error {
	if len(args) == 0 || args[0] != "stats" {
		return fmt.Errorf("usage: cuenv cache stats")
	}
	cache, err := openCache(cfg)
	if err != nil {
		return err
	}
	stats, err := cache.CasStats()
	if err != nil {
		return err
	}
	fmt.Printf("blobs: %d\ntotal size: %s\n", stats.BlobCount, stats.HumanSize)
	return nil
}

func cmdHistory(cfg config.Config, logger *slog.Logger, args []string) error {
	fs := flag.NewFlagSet("history", flag.ExitOnError)
	project := fs.String("project", "", "filter by project")
	limit := fs.Int("limit", 20, "maximum number of runs to list")
	if err := fs.Parse(args); err != nil {
		return err
	}
	hist, err := history.Open(cfg.HistoryDBPath)
	if err != nil {
		return err
	}
	defer hist.Close()

	runs, err := hist.ListRuns(*project, time.Time{}, time.Now(), *limit)
	if err != nil {
		return err
	}
	for _, r := range runs {
		fmt.Printf("%s\t%s\t%s\t%d tasks\n", r.ID, r.Project, r.StartTime.Format(time.RFC3339), len(r.Tasks))
	}
	return nil
}
