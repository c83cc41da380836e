// Package gc implements cache garbage collection: age and size based
// eviction of cache entries, and a sweep of CAS blobs no longer referenced
// by any surviving entry. Entries referenced by the latest index are never
// removed regardless of age or size pressure.
package gc

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/swarmguard/cuenv/internal/cas"
	"github.com/swarmguard/cuenv/internal/cerr"
	"github.com/swarmguard/cuenv/internal/observability/otelinit"
)

// Policy configures one GC run.
type Policy struct {
	MaxAgeDays        *int64
	MaxSizeBytes      *int64
	MinEntriesPerTask int
	DryRun            bool
}

// Result reports what a GC run did (or, in dry-run mode, would do).
type Result struct {
	EntriesRemoved int
	BlobsRemoved   int
	BytesFreed     int64
	EntriesScanned int
	DurationMs     int64
}

type entryInfo struct {
	key       string
	path      string
	createdAt time.Time
	size      int64
}

// Run performs garbage collection against the cache rooted at root. logf
// receives one line per candidate removal, including in dry-run mode.
func Run(ctx context.Context, root string, policy Policy, logf func(format string, args ...any)) (Result, error) {
	_, end := otelinit.WithSpan(ctx, "gc.Run")
	defer end()

	start := time.Now()
	if logf == nil {
		logf = func(string, ...any) {}
	}

	entries, err := findCacheEntries(root)
	if err != nil {
		return Result{}, err
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].createdAt.Before(entries[j].createdAt) })

	protected, err := protectedKeys(root)
	if err != nil {
		return Result{}, err
	}

	result := Result{EntriesScanned: len(entries)}

	var cutoff time.Time
	hasCutoff := false
	if policy.MaxAgeDays != nil {
		cutoff = time.Now().Add(-time.Duration(*policy.MaxAgeDays) * 24 * time.Hour)
		hasCutoff = true
	}

	survivors := make([]entryInfo, 0, len(entries))
	for _, e := range entries {
		if protected[e.key] {
			survivors = append(survivors, e)
			continue
		}
		if hasCutoff && e.createdAt.Before(cutoff) {
			logf("gc: candidate removal (age) key=%s age_days=%.1f size=%d", e.key, time.Since(e.createdAt).Hours()/24, e.size)
			if !policy.DryRun {
				if err := os.RemoveAll(e.path); err == nil {
					result.EntriesRemoved++
					result.BytesFreed += e.size
					continue
				}
			} else {
				continue
			}
		}
		survivors = append(survivors, e)
	}

	if policy.MaxSizeBytes != nil {
		var total int64
		for _, e := range survivors {
			total += e.size
		}
		if total > *policy.MaxSizeBytes {
			sort.Slice(survivors, func(i, j int) bool { return survivors[i].createdAt.Before(survivors[j].createdAt) })
			kept := make([]entryInfo, 0, len(survivors))
			for _, e := range survivors {
				if total <= *policy.MaxSizeBytes {
					kept = append(kept, e)
					continue
				}
				if protected[e.key] {
					kept = append(kept, e)
					continue
				}
				logf("gc: candidate removal (size) key=%s size=%d", e.key, e.size)
				if !policy.DryRun {
					if err := os.RemoveAll(e.path); err == nil {
						result.EntriesRemoved++
						result.BytesFreed += e.size
						total -= e.size
						continue
					}
				}
				kept = append(kept, e)
			}
			survivors = kept
		}
	}

	referenced, err := referencedBlobs(survivors)
	if err != nil {
		return Result{}, err
	}

	store := cas.New(filepath.Join(root, "cas"))
	allBlobs, err := store.List()
	if err != nil {
		return Result{}, err
	}
	for _, id := range allBlobs {
		if referenced[string(id)] {
			continue
		}
		sz, _ := store.Size(id)
		logf("gc: candidate blob removal id=%s size=%d", id, sz)
		if policy.DryRun {
			continue
		}
		if err := store.Delete(id); err == nil {
			result.BlobsRemoved++
			result.BytesFreed += sz
		}
	}

	if policy.DryRun {
		return Result{EntriesScanned: result.EntriesScanned, DurationMs: time.Since(start).Milliseconds()}, nil
	}

	result.DurationMs = time.Since(start).Milliseconds()
	return result, nil
}

func findCacheEntries(root string) ([]entryInfo, error) {
	var out []entryInfo
	items, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return out, nil
		}
		return nil, cerr.IO("gc.findCacheEntries", root, "read_dir", err)
	}
	for _, item := range items {
		if !item.IsDir() {
			continue
		}
		name := item.Name()
		if name == "cas" {
			continue
		}
		metaPath := filepath.Join(root, name, "metadata.json")
		data, err := os.ReadFile(metaPath)
		if err != nil {
			continue
		}
		var meta struct {
			CreatedAt time.Time `json:"created_at"`
		}
		if err := json.Unmarshal(data, &meta); err != nil {
			continue
		}
		size, err := dirSize(filepath.Join(root, name))
		if err != nil {
			continue
		}
		out = append(out, entryInfo{key: name, path: filepath.Join(root, name), createdAt: meta.CreatedAt, size: size})
	}
	return out, nil
}

func dirSize(path string) (int64, error) {
	var total int64
	err := filepath.Walk(path, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			total += info.Size()
		}
		return nil
	})
	return total, err
}

func protectedKeys(root string) (map[string]bool, error) {
	protected := map[string]bool{}
	data, err := os.ReadFile(filepath.Join(root, "latest_index.json"))
	if err != nil {
		if os.IsNotExist(err) {
			return protected, nil
		}
		return nil, cerr.IO("gc.protectedKeys", root, "read", err)
	}
	var idx struct {
		Entries map[string]map[string]string `json:"entries"`
	}
	if err := json.Unmarshal(data, &idx); err != nil {
		return protected, nil
	}
	for _, perTask := range idx.Entries {
		for _, key := range perTask {
			protected[hexOf(key)] = true
		}
	}
	return protected, nil
}

func hexOf(key string) string {
	const prefix = "sha256:"
	if len(key) > len(prefix) && key[:len(prefix)] == prefix {
		return key[len(prefix):]
	}
	return key
}

func referencedBlobs(entries []entryInfo) (map[string]bool, error) {
	referenced := map[string]bool{}
	for _, e := range entries {
		data, err := os.ReadFile(filepath.Join(e.path, "metadata.json"))
		if err != nil {
			continue
		}
		var meta struct {
			OutputIndex []struct {
				BlobID string `json:"blob_id"`
			} `json:"output_index"`
		}
		if err := json.Unmarshal(data, &meta); err != nil {
			continue
		}
		for _, o := range meta.OutputIndex {
			referenced[o.BlobID] = true
		}
	}
	return referenced, nil
}
