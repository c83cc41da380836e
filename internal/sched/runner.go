// Package sched drives level-by-level dispatch over a dag.Graph, wiring
// together cache lookup, policy gating, command execution, event
// publication and run history. Grounded on
// services/orchestrator/dag_engine.go's channel-based Kahn's-algorithm
// coordinator, generalized from "one level at a time with a readiness
// channel" to cache-aware dispatch, per SPEC_FULL.md §6.
package sched

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/swarmguard/cuenv/internal/cachemgr"
	"github.com/swarmguard/cuenv/internal/cerr"
	"github.com/swarmguard/cuenv/internal/dag"
	"github.com/swarmguard/cuenv/internal/digest"
	"github.com/swarmguard/cuenv/internal/events"
	"github.com/swarmguard/cuenv/internal/executor"
	"github.com/swarmguard/cuenv/internal/history"
	"github.com/swarmguard/cuenv/internal/policygate"
	"github.com/swarmguard/cuenv/internal/resilience"
	"github.com/swarmguard/cuenv/internal/runtime"
	"github.com/swarmguard/cuenv/internal/secret"
	"github.com/swarmguard/cuenv/internal/task"
)

// Options configures one scheduler run.
type Options struct {
	MaxParallelism int
	ProjectRoot    string
	SystemSalt     string
	OutputsRoot    string // scratch directory tasks write Outputs into before SaveResult
}

// Runner executes a dag.Graph to completion, level by level.
type Runner struct {
	Graph     *dag.Graph
	Cache     *cachemgr.Manager
	Exec      *executor.Runner
	Gate      *policygate.Gate
	Bus       events.Bus
	History   *history.Store
	Runtimes  runtime.Provider
	Resolvers map[string]secret.Resolver
	Registry  *secret.Registry
	Options   Options
	Logger    *slog.Logger
}

type taskOutcome struct {
	id     string
	status history.TaskRunStatus
	run    history.TaskRun
	err    error
}

// Run dispatches every task in the graph and records the outcome in
// history. A task that fails stops further dispatch of its descendants;
// unrelated tasks still run to completion, and Run returns the first task
// error.
func (r *Runner) Run(ctx context.Context) (history.Run, error) {
	logger := r.Logger
	if logger == nil {
		logger = slog.Default()
	}
	maxParallel := r.Options.MaxParallelism
	if maxParallel <= 0 {
		maxParallel = 1
	}

	run := history.Run{
		ID:        uuid.NewString(),
		Project:   r.Options.ProjectRoot,
		StartTime: time.Now(),
	}

	skipped := make(map[string]bool)
	var runErr error

	for _, level := range r.Graph.ParallelGroups() {
		if ctx.Err() != nil {
			runErr = cerr.Cancelled("sched.Run", ctx.Err())
			break
		}

		sem := make(chan struct{}, maxParallel)
		var wg sync.WaitGroup
		outcomes := make(chan taskOutcome, len(level))

		for _, id := range level {
			node, _ := r.Graph.Node(id)
			if anyDependencySkipped(node.Task.DependsOn, skipped) {
				skipped[id] = true
				outcomes <- taskOutcome{id: id, status: history.TaskRunSkipped, run: history.TaskRun{TaskID: id, Status: history.TaskRunSkipped}}
				r.publish(ctx, events.CategoryTaskSkipped, id, "ancestor failed or was skipped")
				continue
			}

			wg.Add(1)
			sem <- struct{}{}
			go func(id string, t task.Task) {
				defer wg.Done()
				defer func() { <-sem }()
				outcomes <- r.runOne(ctx, t, logger)
			}(id, node.Task)
		}

		wg.Wait()
		close(outcomes)

		for o := range outcomes {
			run.Tasks = append(run.Tasks, o.run)
			if o.status == history.TaskRunFailed {
				if runErr == nil {
					runErr = o.err
				}
				for _, id := range r.Graph.IDs() {
					if n, ok := r.Graph.Node(id); ok && dependsOn(n.Task, o.id) {
						skipped[id] = true
					}
				}
			}
		}

	}

	run.EndTime = time.Now()
	if r.History != nil {
		if err := r.History.PutRun(run); err != nil {
			logger.Error("failed to record run history", "run_id", run.ID, "error", err)
		}
	}
	return run, runErr
}

func (r *Runner) runOne(ctx context.Context, t task.Task, logger *slog.Logger) taskOutcome {
	start := time.Now()

	decision, err := r.Gate.Evaluate(ctx, t)
	if err != nil {
		r.publish(ctx, events.CategoryTaskFailed, t.ID, "gate evaluation error")
		return taskOutcome{id: t.ID, status: history.TaskRunFailed,
			run: history.TaskRun{TaskID: t.ID, Status: history.TaskRunFailed, DurationMs: time.Since(start).Milliseconds()},
			err: cerr.Graph("sched.runOne", t.ID, "", nil, err)}
	}
	if !decision.Allowed {
		r.publish(ctx, events.CategoryTaskFailed, t.ID, "denied by policy gate")
		return taskOutcome{id: t.ID, status: history.TaskRunFailed,
			run: history.TaskRun{TaskID: t.ID, Status: history.TaskRunFailed, DurationMs: time.Since(start).Milliseconds()},
			err: cerr.Graph("sched.runOne", t.ID, "", nil, errDenied(t.ID))}
	}

	execEnv, secretFingerprints, err := r.resolveEnv(ctx, t)
	if err != nil {
		return taskOutcome{id: t.ID, status: history.TaskRunFailed,
			run: history.TaskRun{TaskID: t.ID, Status: history.TaskRunFailed},
			err: cerr.Secret("sched.runOne", err)}
	}

	runtimeDigest := ""
	if t.Runtime != "" && r.Runtimes != nil {
		if rt, ok := r.Runtimes.Resolve(t.Runtime); ok {
			runtimeDigest = rt.Digest
		}
	}

	envelope := buildEnvelope(t, execEnv, secretFingerprints, runtimeDigest)
	key, _, err := r.Cache.ComputeCacheKey(envelope)
	if err != nil {
		return taskOutcome{id: t.ID, status: history.TaskRunFailed,
			run: history.TaskRun{TaskID: t.ID, Status: history.TaskRunFailed},
			err: err}
	}

	if t.CachePolicy != task.CacheDisabled {
		if meta, found, err := r.Cache.Lookup(ctx, key); err == nil && found {
			r.publish(ctx, events.CategoryCacheHit, t.ID, string(key))
			if _, err := r.Cache.MaterializeOutputs(ctx, key, r.Options.OutputsRoot); err == nil {
				return taskOutcome{id: t.ID, status: history.TaskRunCached,
					run: history.TaskRun{TaskID: t.ID, Status: history.TaskRunCached, CacheKey: string(key), DurationMs: meta.DurationMs}}
			}
		}
		r.publish(ctx, events.CategoryCacheMiss, t.ID, string(key))
	}

	r.publish(ctx, events.CategoryTaskDispatched, t.ID, "")
	res, err := r.Exec.ExecuteWithRedaction(ctx, t.Command, execEnv, r.Registry)
	duration := time.Since(start)
	if err != nil {
		r.publish(ctx, events.CategoryTaskFailed, t.ID, err.Error())
		return taskOutcome{id: t.ID, status: history.TaskRunFailed,
			run: history.TaskRun{TaskID: t.ID, Status: history.TaskRunFailed, DurationMs: duration.Milliseconds()},
			err: err}
	}

	if res.ExitCode != 0 {
		r.publish(ctx, events.CategoryTaskFailed, t.ID, "nonzero exit")
		return taskOutcome{id: t.ID, status: history.TaskRunFailed,
			run: history.TaskRun{TaskID: t.ID, Status: history.TaskRunFailed, ExitCode: res.ExitCode, DurationMs: duration.Milliseconds()},
			err: cerr.Validation("sched.runOne", errNonZeroExit(t.ID, res.ExitCode))}
	}

	if t.CachePolicy != task.CacheDisabled {
		data, _ := marshalEnvelope(envelope)
		if _, err := r.Cache.SaveResult(ctx, key, t.ID, t.Command, envSummary(envelope.Env), t.InputHashes, data, r.Options.OutputsRoot,
			cachemgr.TaskLogs{Stdout: res.Stdout, Stderr: res.Stderr}); err != nil {
			logger.Warn("save_result failed", "task", t.ID, "error", err)
		} else if err := r.Cache.RecordLatest(r.Options.ProjectRoot, t.ID, key); err != nil {
			logger.Warn("record_latest failed", "task", t.ID, "error", err)
		}
	}

	r.publish(ctx, events.CategoryTaskSucceeded, t.ID, "")
	return taskOutcome{id: t.ID, status: history.TaskRunSuccess,
		run: history.TaskRun{TaskID: t.ID, Status: history.TaskRunSuccess, CacheKey: string(key), ExitCode: 0, DurationMs: duration.Milliseconds()}}
}

// resolveEnv resolves every secret reference in t.Secrets through its named
// resolver, registering each plaintext value with the redaction registry.
// It returns execEnv (plaintext, for the child process, safe because it
// never leaves this process) and secretFingerprints (env key -> fingerprint
// for every key that came from a secret), which buildEnvelope uses to keep
// plaintext out of the cache-key envelope entirely.
func (r *Runner) resolveEnv(ctx context.Context, t task.Task) (execEnv, secretFingerprints map[string]string, err error) {
	execEnv = make(map[string]string, len(t.Env)+len(t.Secrets))
	for k, v := range t.Env {
		execEnv[k] = v
	}
	secretFingerprints = make(map[string]string, len(t.Secrets))

	for name, spec := range t.Secrets {
		resolver, ok := r.Resolvers[spec.ResolverID]
		if !ok {
			return nil, nil, fmt.Errorf("no resolver registered for %q", spec.ResolverID)
		}
		// Secret backends (exec, network-bound resolvers) can fail transiently;
		// retry with backoff rather than failing the whole task on one blip.
		plaintext, err := resilience.Retry(ctx, 3, 100*time.Millisecond, func() (string, error) {
			return resolver.Resolve(ctx, name, secret.Spec{ResolverID: spec.ResolverID, Value: spec.Spec})
		})
		if err != nil {
			return nil, nil, fmt.Errorf("resolve secret %q: %w", name, err)
		}
		r.Registry.Register(plaintext)
		execEnv[name] = plaintext
		secretFingerprints[name] = digest.Fingerprint(spec.ResolverID, plaintext, r.Options.SystemSalt)
	}

	return execEnv, secretFingerprints, nil
}

// buildEnvelope constructs the cache-key envelope for t the same way
// digest.ComputeTaskDigest does (secret values replaced by their fingerprint
// tag, runtime digest folded in as a synthetic env key). env here also holds
// the keys of t.Secrets, so the key matches ComputeTaskDigest's only when
// that is given the same env map, not t.Env alone.
func buildEnvelope(t task.Task, env, secretFingerprints map[string]string, runtimeDigest string) digest.Envelope {
	envelope := digest.Envelope{
		Inputs:       digest.NewOrderedMap(t.InputHashes),
		Command:      append([]string{}, t.Command...),
		Env:          digest.OrderedMap{},
		CuenvVersion: digest.Version,
		Platform:     digest.Platform(),
	}
	for k, v := range env {
		if fp, isSecret := secretFingerprints[k]; isSecret {
			envelope.Env.Set(k, digest.EnvValue{IsSecret: true, Fingerprint: fp}.MarshalValue())
		} else {
			envelope.Env.Set(k, digest.EnvValue{Literal: v}.MarshalValue())
		}
	}
	if runtimeDigest != "" {
		envelope.Env.Set("__runtime_digest__", runtimeDigest)
	}
	return envelope
}

func envSummary(env digest.OrderedMap) map[string]string {
	out := make(map[string]string, env.Len())
	for _, k := range env.Keys() {
		v, _ := env.Get(k)
		out[k] = v
	}
	return out
}

func (r *Runner) publish(ctx context.Context, cat events.Category, taskID, msg string) {
	if r.Bus == nil {
		return
	}
	_ = r.Bus.Publish(ctx, events.Event{ID: uuid.NewString(), Category: cat, TaskID: taskID, Message: msg, Timestamp: time.Now()})
}

func anyDependencySkipped(deps []string, skipped map[string]bool) bool {
	for _, d := range deps {
		if skipped[d] {
			return true
		}
	}
	return false
}

func dependsOn(t task.Task, id string) bool {
	for _, d := range t.DependsOn {
		if d == id {
			return true
		}
	}
	return false
}
