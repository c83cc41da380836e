package dag

import (
	"github.com/swarmguard/cuenv/internal/digest"
	"github.com/swarmguard/cuenv/internal/task"
)

// ComputeDigests populates each node's Digest field. Must run after
// PropagateDeploymentCachePolicy so a forced-Disabled policy never affects
// the digest inputs of a sibling branch that is still cacheable.
// secretFingerprints maps task id -> (env key -> fingerprint).
func (g *Graph) ComputeDigests(runtimes map[string]task.Runtime, secretFingerprints map[string]map[string]string, systemSalt string) error {
	for _, id := range g.order {
		n := g.nodes[id]
		runtimeDigest := ""
		if n.Task.Runtime != "" {
			runtimeDigest = runtimes[n.Task.Runtime].Digest
		}
		key, err := digest.ComputeTaskDigest(n.Task.Command, n.Task.Env, n.Task.InputHashes, runtimeDigest, secretFingerprints[id], systemSalt)
		if err != nil {
			return err
		}
		n.Digest = string(key)
	}
	return nil
}
