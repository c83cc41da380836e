// Package manifest loads a flat task list from a JSON file and converts it
// into task.Task values, standing in for the ManifestSource collaborator
// that SPEC_FULL.md leaves "referenced, not owned" by the core packages.
// cmd/cuenv needs some concrete manifest format to exercise internal/sched
// from the command line; JSON is used rather than a CUE parser since no CUE
// library appears anywhere in the retrieved corpus to ground that choice on.
package manifest

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/swarmguard/cuenv/internal/task"
)

// WireTask is the on-disk JSON shape of one task.
type WireTask struct {
	ID             string                `json:"id"`
	Command        []string              `json:"command"`
	Env            map[string]string     `json:"env,omitempty"`
	Secrets        map[string]WireSecret `json:"secrets,omitempty"`
	Inputs         []string              `json:"inputs,omitempty"`
	Outputs        []string              `json:"outputs,omitempty"`
	DependsOn      []string              `json:"depends_on,omitempty"`
	Runtime        string                `json:"runtime,omitempty"`
	CacheDisabled  bool                  `json:"cache_disabled,omitempty"`
	Deployment     bool                  `json:"deployment,omitempty"`
	ManualApproval bool                  `json:"manual_approval,omitempty"`
}

// WireSecret is the on-disk JSON shape of one secret reference.
type WireSecret struct {
	Resolver string `json:"resolver"`
	Spec     string `json:"spec"`
}

// File is the top-level manifest document: a project name plus a flat task
// list, already expanded from whatever sequential/parallel grouping the
// author used to write it.
type File struct {
	Project  string            `json:"project"`
	Runtimes map[string]string `json:"runtimes,omitempty"` // runtime id -> digest
	TaskList []WireTask        `json:"tasks"`
}

// RuntimeMap converts f's runtime digests into the map internal/dag.Build
// and internal/runtime.StaticProvider both expect.
func (f File) RuntimeMap() map[string]task.Runtime {
	out := make(map[string]task.Runtime, len(f.Runtimes))
	for id, digest := range f.Runtimes {
		out[id] = task.Runtime{ID: id, Digest: digest}
	}
	return out
}

// Load reads and parses the manifest at path.
func Load(path string) (File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return File{}, fmt.Errorf("read manifest %s: %w", path, err)
	}
	var f File
	if err := json.Unmarshal(data, &f); err != nil {
		return File{}, fmt.Errorf("parse manifest %s: %w", path, err)
	}
	return f, nil
}

// Tasks converts f's wire tasks into task.Task values ready for dag.Build.
func (f File) Tasks() []task.Task {
	out := make([]task.Task, 0, len(f.TaskList))
	for _, wt := range f.TaskList {
		t := task.Task{
			ID:             wt.ID,
			Command:        wt.Command,
			Env:            wt.Env,
			Inputs:         wt.Inputs,
			Outputs:        wt.Outputs,
			DependsOn:      wt.DependsOn,
			Runtime:        wt.Runtime,
			Deployment:     wt.Deployment,
			ManualApproval: wt.ManualApproval,
		}
		if wt.CacheDisabled {
			t.CachePolicy = task.CacheDisabled
		}
		if len(wt.Secrets) > 0 {
			t.Secrets = make(map[string]task.SecretSpec, len(wt.Secrets))
			for name, s := range wt.Secrets {
				t.Secrets[name] = task.SecretSpec{ResolverID: s.Resolver, Spec: s.Spec}
			}
		}
		out = append(out, t)
	}
	return out
}
