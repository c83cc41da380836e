// Package cachemgr maps cache keys to task results: it streams task outputs
// into the CAS, records metadata, restores output trees on demand, and
// maintains the per-project "latest successful key" index.
package cachemgr

import (
	"encoding/json"
	"time"
)

// OutputIndexEntry records where one captured output file's bytes live.
type OutputIndexEntry struct {
	RelativePath string `json:"relative_path"`
	BlobID       string `json:"blob_id"`
	Size         int64  `json:"size"`
	ModeBits     int    `json:"mode_bits"`
}

// TaskResultMeta is the bit-exact, on-disk metadata.json schema (SPEC_FULL.md §7.2).
type TaskResultMeta struct {
	TaskName          string             `json:"task_name"`
	Command           string             `json:"command"`
	Args              []string           `json:"args"`
	EnvSummary        map[string]string  `json:"env_summary"`
	InputsSummary     map[string]string  `json:"inputs_summary"`
	CreatedAt         time.Time          `json:"created_at"`
	CuenvVersion      string             `json:"cuenv_version"`
	Platform          string             `json:"platform"`
	DurationMs        int64              `json:"duration_ms"`
	ExitCode          int                `json:"exit_code"`
	CacheKeyEnvelope  json.RawMessage    `json:"cache_key_envelope"`
	OutputIndex       []OutputIndexEntry `json:"output_index"`
}

// TaskLogs carries optional captured stdout/stderr to persist alongside a
// cache entry.
type TaskLogs struct {
	Stdout []byte
	Stderr []byte
}

// LatestIndex is the on-disk latest_index.json schema (SPEC_FULL.md §7.3).
type LatestIndex struct {
	Entries map[string]map[string]string `json:"entries"`
}

// NewTaskResultMeta splits a single command+args argv into the schema's
// separate command/args fields (DESIGN.md open question 2 resolution:
// command[0] is "command", command[1:] is "args").
func NewTaskResultMeta(taskName string, argv []string, envSummary, inputsSummary map[string]string, createdAt time.Time, cuenvVersion, platform string, durationMs int64, exitCode int, envelope []byte, outputs []OutputIndexEntry) TaskResultMeta {
	cmd := ""
	var args []string
	if len(argv) > 0 {
		cmd = argv[0]
		args = append([]string{}, argv[1:]...)
	}
	if args == nil {
		args = []string{}
	}
	if outputs == nil {
		outputs = []OutputIndexEntry{}
	}
	return TaskResultMeta{
		TaskName:         taskName,
		Command:          cmd,
		Args:             args,
		EnvSummary:       envSummary,
		InputsSummary:    inputsSummary,
		CreatedAt:        createdAt.UTC(),
		CuenvVersion:     cuenvVersion,
		Platform:         platform,
		DurationMs:       durationMs,
		ExitCode:         exitCode,
		CacheKeyEnvelope: envelope,
		OutputIndex:      outputs,
	}
}
