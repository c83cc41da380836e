// Package runtime wraps task.Runtime behind a minimal collaborator
// interface. SPEC_FULL.md §7 leaves the original spec's ToolProvider /
// ProfileManager collaborators as "referenced, not owned"; Provider exists
// so internal/sched can depend on an interface instead of a concrete map.
package runtime

import "github.com/swarmguard/cuenv/internal/task"

// Provider resolves a runtime ID to its identity, including the digest
// that flows into a task's cache-key envelope.
type Provider interface {
	Resolve(id string) (task.Runtime, bool)
}

// StaticProvider serves a fixed set of runtimes, the form a manifest loader
// would produce after resolving every tool/profile reference up front.
type StaticProvider map[string]task.Runtime

func (p StaticProvider) Resolve(id string) (task.Runtime, bool) {
	rt, ok := p[id]
	return rt, ok
}
