// Package policygate evaluates deployment and manual-approval tasks against
// a directory of Rego policies, adapted from the teacher's OPAEngine: module
// compilation via ast/rego, a single prepared query for data.cuenv.allow,
// and a default allow-all posture when no policy directory exists.
package policygate

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/ast"
	"github.com/open-policy-agent/opa/rego"

	"github.com/swarmguard/cuenv/internal/cerr"
	"github.com/swarmguard/cuenv/internal/observability/otelinit"
	"github.com/swarmguard/cuenv/internal/resilience"
	"github.com/swarmguard/cuenv/internal/task"
)

const defaultPackage = "cuenv.allow"

// PolicyDecision is the outcome of evaluating one task against the loaded
// policy set.
type PolicyDecision struct {
	TaskID  string
	Allowed bool
	Reason  string
}

// Gate holds the compiled policy set and the prepared query used to
// evaluate it. Safe for concurrent use.
type Gate struct {
	mu       sync.RWMutex
	dir      string
	query    *rego.PreparedEvalQuery
	hasQuery bool
	breaker  *resilience.CircuitBreaker
}

// Open loads policies from dir. An empty dir means no policy directory is
// configured, and Evaluate will default to allow-all for every task.
func Open(ctx context.Context, dir string) (*Gate, error) {
	g := &Gate{
		dir: dir,
		// Trips after a sustained run of evaluation errors (a stuck or
		// unresponsive OPA query) rather than denying dispatch on a single
		// transient failure.
		breaker: resilience.NewCircuitBreaker(30*time.Second, 6, 5, 0.5, 10*time.Second, 1),
	}
	if dir == "" {
		return g, nil
	}
	if err := g.Load(ctx); err != nil {
		return nil, err
	}
	return g, nil
}

// Load (re)compiles every *.rego file under the gate's directory and
// prepares a single query for data.cuenv.allow.
func (g *Gate) Load(ctx context.Context) error {
	matches, err := filepath.Glob(filepath.Join(g.dir, "*.rego"))
	if err != nil {
		return cerr.IO("policygate.Load", g.dir, "glob", err)
	}
	if len(matches) == 0 {
		g.mu.Lock()
		g.hasQuery = false
		g.mu.Unlock()
		return nil
	}

	modules := make(map[string]string, len(matches))
	for _, path := range matches {
		data, err := os.ReadFile(path)
		if err != nil {
			return cerr.IO("policygate.Load", path, "read", err)
		}
		if _, err := ast.ParseModule(path, string(data)); err != nil {
			return cerr.Validation("policygate.Load", fmt.Errorf("%s: %w", path, err))
		}
		modules[path] = string(data)
	}

	r := rego.New(
		rego.Query(fmt.Sprintf("data.%s", defaultPackage)),
		rego.Modules(modules),
	)
	prepared, err := r.PrepareForEval(ctx)
	if err != nil {
		return cerr.Validation("policygate.Load", err)
	}

	g.mu.Lock()
	g.query = &prepared
	g.hasQuery = true
	g.mu.Unlock()
	return nil
}

// Evaluate decides whether task t may be dispatched. With no policy
// directory configured, every task is allowed. Otherwise the gate only
// evaluates deployment and manual-approval tasks against data.cuenv.allow;
// all other tasks pass through unconditionally, matching SPEC_FULL.md §5.8.
func (g *Gate) Evaluate(ctx context.Context, t task.Task) (PolicyDecision, error) {
	ctx, end := otelinit.WithSpan(ctx, "policygate.Evaluate")
	defer end()

	if !t.Deployment && !t.ManualApproval {
		return PolicyDecision{TaskID: t.ID, Allowed: true, Reason: "not gated"}, nil
	}

	g.mu.RLock()
	query := g.query
	hasQuery := g.hasQuery
	g.mu.RUnlock()

	if !hasQuery {
		return PolicyDecision{TaskID: t.ID, Allowed: true, Reason: "no policy loaded"}, nil
	}

	input := map[string]any{
		"task_id":         t.ID,
		"deployment":      t.Deployment,
		"manual_approval": t.ManualApproval,
		"depends_on":      t.DependsOn,
	}

	if !g.breaker.Allow() {
		return PolicyDecision{}, cerr.Validation("policygate.Evaluate", fmt.Errorf("policy evaluation circuit open"))
	}

	results, err := query.Eval(ctx, rego.EvalInput(input))
	g.breaker.RecordResult(err == nil)
	if err != nil {
		return PolicyDecision{}, cerr.Validation("policygate.Evaluate", err)
	}
	allowed := decisionFromResults(results)
	if !allowed {
		return PolicyDecision{TaskID: t.ID, Allowed: false, Reason: "denied by policy"}, nil
	}
	return PolicyDecision{TaskID: t.ID, Allowed: true, Reason: "allowed by policy"}, nil
}

func decisionFromResults(rs rego.ResultSet) bool {
	if len(rs) == 0 || len(rs[0].Expressions) == 0 {
		return false
	}
	switch v := rs[0].Expressions[0].Value.(type) {
	case bool:
		return v
	case map[string]any:
		if allow, ok := v["allow"].(bool); ok {
			return allow
		}
	}
	return false
}
