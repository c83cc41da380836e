package sched

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/swarmguard/cuenv/internal/cachemgr"
	"github.com/swarmguard/cuenv/internal/dag"
	"github.com/swarmguard/cuenv/internal/events"
	"github.com/swarmguard/cuenv/internal/executor"
	"github.com/swarmguard/cuenv/internal/history"
	"github.com/swarmguard/cuenv/internal/policygate"
	"github.com/swarmguard/cuenv/internal/secret"
	"github.com/swarmguard/cuenv/internal/task"
)

func newRunner(t *testing.T, g *dag.Graph) *Runner {
	t.Helper()
	cache, err := cachemgr.New(filepath.Join(t.TempDir(), "cache"))
	if err != nil {
		t.Fatal(err)
	}
	hist, err := history.Open(filepath.Join(t.TempDir(), "history.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { hist.Close() })
	gate, err := policygate.Open(context.Background(), "")
	if err != nil {
		t.Fatal(err)
	}
	bus, err := events.Open("")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { bus.Close() })

	return &Runner{
		Graph:     g,
		Cache:     cache,
		Exec:      executor.NewRunner(nil),
		Gate:      gate,
		Bus:       bus,
		History:   hist,
		Resolvers: map[string]secret.Resolver{"env": secret.EnvResolver{}},
		Registry:  secret.NewRegistry(),
		Options: Options{
			MaxParallelism: 4,
			ProjectRoot:    "test-project",
			SystemSalt:     "test-salt",
			OutputsRoot:    t.TempDir(),
		},
	}
}

func taskByID(run history.Run, id string) (history.TaskRun, bool) {
	for _, tr := range run.Tasks {
		if tr.TaskID == id {
			return tr, true
		}
	}
	return history.TaskRun{}, false
}

func TestRunSingleTaskCacheMissThenHit(t *testing.T) {
	tasks := []task.Task{
		{ID: "build", Command: []string{"echo", "hello"}},
	}
	g, err := dag.Build(context.Background(), tasks, nil)
	if err != nil {
		t.Fatal(err)
	}
	r := newRunner(t, g)

	run1, err := r.Run(context.Background())
	if err != nil {
		t.Fatalf("first run failed: %v", err)
	}
	tr, ok := taskByID(run1, "build")
	if !ok || tr.Status != history.TaskRunSuccess {
		t.Fatalf("expected first run to succeed, got %+v", tr)
	}

	run2, err := r.Run(context.Background())
	if err != nil {
		t.Fatalf("second run failed: %v", err)
	}
	tr2, ok := taskByID(run2, "build")
	if !ok || tr2.Status != history.TaskRunCached {
		t.Fatalf("expected second run to hit cache, got %+v", tr2)
	}
}

func TestRunFailedTaskSkipsDependentsNotSiblings(t *testing.T) {
	tasks := []task.Task{
		{ID: "a", Command: []string{"sh", "-c", "exit 1"}},
		{ID: "b", Command: []string{"echo", "sibling"}},
		{ID: "c", Command: []string{"echo", "dependent"}, DependsOn: []string{"a"}},
	}
	g, err := dag.Build(context.Background(), tasks, nil)
	if err != nil {
		t.Fatal(err)
	}
	r := newRunner(t, g)

	run, err := r.Run(context.Background())
	if err == nil {
		t.Fatal("expected run to report an error from the failed task")
	}

	trA, _ := taskByID(run, "a")
	if trA.Status != history.TaskRunFailed {
		t.Fatalf("expected a to fail, got %+v", trA)
	}
	trB, _ := taskByID(run, "b")
	if trB.Status != history.TaskRunSuccess {
		t.Fatalf("expected sibling b to succeed, got %+v", trB)
	}
	trC, _ := taskByID(run, "c")
	if trC.Status != history.TaskRunSkipped {
		t.Fatalf("expected dependent c to be skipped, got %+v", trC)
	}
}

func TestRunDeploymentTaskDeniedByPolicy(t *testing.T) {
	dir := t.TempDir()
	policyPath := filepath.Join(dir, "policy.rego")
	writeFile(t, policyPath, `package cuenv
default allow = false`)
	tasks := []task.Task{
		{ID: "deploy", Command: []string{"echo", "deploying"}, Deployment: true, CachePolicy: task.CacheDisabled},
	}
	g, err := dag.Build(context.Background(), tasks, nil)
	if err != nil {
		t.Fatal(err)
	}
	r := newRunner(t, g)
	gate, err := policygate.Open(context.Background(), dir)
	if err != nil {
		t.Fatal(err)
	}
	r.Gate = gate

	run, err := r.Run(context.Background())
	if err == nil {
		t.Fatal("expected denied deployment task to surface an error")
	}
	tr, _ := taskByID(run, "deploy")
	if tr.Status != history.TaskRunFailed {
		t.Fatalf("expected deploy task marked failed, got %+v", tr)
	}
}

func TestRunSecretPlaintextNeverLeaksIntoCacheEnvelope(t *testing.T) {
	t.Setenv("CUENV_TEST_API_TOKEN", "super-secret-value")
	tasks := []task.Task{
		{
			ID:      "withsecret",
			Command: []string{"echo", "ok"},
			Secrets: map[string]task.SecretSpec{
				"API_TOKEN": {ResolverID: "env", Spec: "CUENV_TEST_API_TOKEN"},
			},
		},
	}
	g, err := dag.Build(context.Background(), tasks, nil)
	if err != nil {
		t.Fatal(err)
	}
	r := newRunner(t, g)

	execEnv, secretFingerprints, err := r.resolveEnv(context.Background(), tasks[0])
	if err != nil {
		t.Fatal(err)
	}
	if execEnv["API_TOKEN"] != "super-secret-value" {
		t.Fatalf("expected plaintext in execEnv, got %q", execEnv["API_TOKEN"])
	}

	envelope := buildEnvelope(tasks[0], execEnv, secretFingerprints, "")
	_, data, err := r.Cache.ComputeCacheKey(envelope)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(data), "super-secret-value") {
		t.Fatalf("cache envelope leaked plaintext secret: %s", data)
	}
	fp, ok := envelope.Env.Get("API_TOKEN")
	if !ok || fp == "super-secret-value" {
		t.Fatalf("expected envelope to carry a fingerprint, not plaintext, got %q", fp)
	}

	run, err := r.Run(context.Background())
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	tr, ok := taskByID(run, "withsecret")
	if !ok || tr.Status != history.TaskRunSuccess {
		t.Fatalf("expected task to succeed, got %+v", tr)
	}
}

func writeFile(t *testing.T, path, contents string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatal(err)
	}
}
