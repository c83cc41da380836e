package policygate

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/swarmguard/cuenv/internal/task"
)

func writePolicy(t *testing.T, dir, name, body string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestNoPolicyDirAllowsEverything(t *testing.T) {
	g, err := Open(context.Background(), "")
	if err != nil {
		t.Fatal(err)
	}
	d, err := g.Evaluate(context.Background(), task.Task{ID: "deploy", Deployment: true})
	if err != nil {
		t.Fatal(err)
	}
	if !d.Allowed {
		t.Fatalf("expected allow-all default, got %+v", d)
	}
}

func TestNonGatedTaskSkipsEvaluation(t *testing.T) {
	dir := t.TempDir()
	writePolicy(t, dir, "deny.rego", `package cuenv
allow = false`)
	g, err := Open(context.Background(), dir)
	if err != nil {
		t.Fatal(err)
	}
	d, err := g.Evaluate(context.Background(), task.Task{ID: "build"})
	if err != nil {
		t.Fatal(err)
	}
	if !d.Allowed {
		t.Fatalf("expected ungated task to pass through regardless of policy, got %+v", d)
	}
}

func TestDeploymentTaskDeniedByPolicy(t *testing.T) {
	dir := t.TempDir()
	writePolicy(t, dir, "deny.rego", `package cuenv
default allow = false`)
	g, err := Open(context.Background(), dir)
	if err != nil {
		t.Fatal(err)
	}
	d, err := g.Evaluate(context.Background(), task.Task{ID: "deploy-prod", Deployment: true})
	if err != nil {
		t.Fatal(err)
	}
	if d.Allowed {
		t.Fatalf("expected deployment task denied by default-deny policy, got %+v", d)
	}
}

func TestManualApprovalTaskAllowedByPolicy(t *testing.T) {
	dir := t.TempDir()
	writePolicy(t, dir, "allow.rego", `package cuenv
default allow = false
allow {
	input.manual_approval == true
}`)
	g, err := Open(context.Background(), dir)
	if err != nil {
		t.Fatal(err)
	}
	d, err := g.Evaluate(context.Background(), task.Task{ID: "release", ManualApproval: true})
	if err != nil {
		t.Fatal(err)
	}
	if !d.Allowed {
		t.Fatalf("expected manual-approval task allowed, got %+v", d)
	}
}

func TestReloadPicksUpUpdatedPolicy(t *testing.T) {
	dir := t.TempDir()
	writePolicy(t, dir, "p.rego", `package cuenv
default allow = false`)
	g, err := Open(context.Background(), dir)
	if err != nil {
		t.Fatal(err)
	}
	d, _ := g.Evaluate(context.Background(), task.Task{ID: "deploy", Deployment: true})
	if d.Allowed {
		t.Fatalf("expected initial deny")
	}

	writePolicy(t, dir, "p.rego", `package cuenv
default allow = true`)
	if err := g.Load(context.Background()); err != nil {
		t.Fatal(err)
	}
	d, _ = g.Evaluate(context.Background(), task.Task{ID: "deploy", Deployment: true})
	if !d.Allowed {
		t.Fatalf("expected allow after reload, got %+v", d)
	}
}
