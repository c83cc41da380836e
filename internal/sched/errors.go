package sched

import (
	"fmt"

	"github.com/swarmguard/cuenv/internal/digest"
)

func errDenied(taskID string) error {
	return fmt.Errorf("task %q denied by policy gate", taskID)
}

func errNonZeroExit(taskID string, exitCode int) error {
	return fmt.Errorf("task %q exited with code %d", taskID, exitCode)
}

func marshalEnvelope(env digest.Envelope) ([]byte, error) {
	_, data, err := digest.ComputeCacheKey(env)
	return data, err
}
