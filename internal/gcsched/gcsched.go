// Package gcsched runs cache garbage collection on a cron schedule,
// adapted from the teacher's Scheduler — narrowed from general
// event-and-cron workflow triggers to a single cron-driven GC job, since
// SPEC_FULL.md names no other periodic trigger.
package gcsched

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/robfig/cron/v3"

	"github.com/swarmguard/cuenv/internal/cerr"
	"github.com/swarmguard/cuenv/internal/gc"
)

// Scheduler runs gc.Run against root on a cron schedule.
type Scheduler struct {
	cron       *cron.Cron
	mu         sync.Mutex
	logger     *slog.Logger
	lastResult gc.Result
}

// New builds a Scheduler that has not yet been started.
func New(logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{cron: cron.New(cron.WithSeconds()), logger: logger}
}

// AddJob registers a GC run against root on cronExpr (seconds-precision,
// per the teacher's cron.WithSeconds() convention).
func (s *Scheduler) AddJob(cronExpr, root string, policy gc.Policy) error {
	_, err := s.cron.AddFunc(cronExpr, func() {
		result, err := gc.Run(context.Background(), root, policy, func(format string, args ...any) {
			s.logger.Debug("gc candidate", "detail", fmt.Sprintf(format, args...))
		})
		if err != nil {
			s.logger.Error("scheduled gc run failed", "root", root, "error", err)
			return
		}
		s.mu.Lock()
		s.lastResult = result
		s.mu.Unlock()
		s.logger.Info("scheduled gc run completed",
			"root", root,
			"entries_removed", result.EntriesRemoved,
			"blobs_removed", result.BlobsRemoved,
			"bytes_freed", result.BytesFreed,
		)
	})
	if err != nil {
		return cerr.Validation("gcsched.AddJob", err)
	}
	return nil
}

// Start begins running scheduled jobs in the background.
func (s *Scheduler) Start() { s.cron.Start() }

// Stop blocks until any in-flight job finishes, then stops the scheduler.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

// LastResult returns the most recent completed GC run's result.
func (s *Scheduler) LastResult() gc.Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastResult
}
