package cachemgr

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/swarmguard/cuenv/internal/cas"
	"github.com/swarmguard/cuenv/internal/cerr"
	"github.com/swarmguard/cuenv/internal/digest"
	"github.com/swarmguard/cuenv/internal/observability/otelinit"
)

// Manager coordinates cache-entry metadata and CAS storage under one cache
// root. The root is fixed when the Manager is built by New (DefaultRoot()
// when New is given an empty root); operations do not take a per-call root.
type Manager struct {
	Root   string
	CAS    *cas.Store
	Logger *slog.Logger
}

func (m *Manager) logger() *slog.Logger {
	if m.Logger != nil {
		return m.Logger
	}
	return slog.Default()
}

// DefaultRoot returns the OS-appropriate per-user cache directory for cuenv,
// honoring CUENV_CACHE_DIR when set.
func DefaultRoot() (string, error) {
	if v := os.Getenv("CUENV_CACHE_DIR"); v != "" {
		return v, nil
	}
	base, err := os.UserCacheDir()
	if err != nil {
		return "", cerr.IO("cachemgr.DefaultRoot", "", "user_cache_dir", err)
	}
	return filepath.Join(base, "cuenv"), nil
}

// New constructs a Manager rooted at root (or DefaultRoot() if empty).
func New(root string) (*Manager, error) {
	if root == "" {
		r, err := DefaultRoot()
		if err != nil {
			return nil, err
		}
		root = r
	}
	return &Manager{Root: root, CAS: cas.New(filepath.Join(root, "cas"))}, nil
}

func (m *Manager) entryDir(key digest.CacheKey) string {
	return filepath.Join(m.Root, key.Hex())
}

func (m *Manager) latestIndexPath() string {
	return filepath.Join(m.Root, "latest_index.json")
}

// ComputeCacheKey delegates to the digest package.
func (m *Manager) ComputeCacheKey(env digest.Envelope) (digest.CacheKey, []byte, error) {
	return digest.ComputeCacheKey(env)
}

// SaveResult streams every regular file under outputsDir into the CAS,
// writes metadata.json last (so a crash mid-save leaves no entry visible to
// Lookup), and persists stdout/stderr logs if present.
func (m *Manager) SaveResult(ctx context.Context, key digest.CacheKey, taskName string, argv []string, envSummary, inputsSummary map[string]string, envelope []byte, outputsDir string, logs TaskLogs) (TaskResultMeta, error) {
	ctx, end := otelinit.WithSpan(ctx, "cachemgr.SaveResult")
	defer end()

	start := time.Now()
	entries, err := m.captureOutputs(ctx, outputsDir)
	if err != nil {
		return TaskResultMeta{}, err
	}

	dir := m.entryDir(key)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return TaskResultMeta{}, cerr.IO("cachemgr.SaveResult", dir, "create", err)
	}

	if len(logs.Stdout) > 0 {
		if err := os.WriteFile(filepath.Join(dir, "stdout.log"), logs.Stdout, 0o644); err != nil {
			return TaskResultMeta{}, cerr.IO("cachemgr.SaveResult", dir, "write_stdout", err)
		}
	}
	if len(logs.Stderr) > 0 {
		if err := os.WriteFile(filepath.Join(dir, "stderr.log"), logs.Stderr, 0o644); err != nil {
			return TaskResultMeta{}, cerr.IO("cachemgr.SaveResult", dir, "write_stderr", err)
		}
	}

	meta := NewTaskResultMeta(taskName, argv, envSummary, inputsSummary, start, digest.Version, digest.Platform(), time.Since(start).Milliseconds(), 0, envelope, entries)

	metaBytes, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return TaskResultMeta{}, cerr.Serialization("cachemgr.SaveResult", err)
	}

	metaPath := filepath.Join(dir, "metadata.json")
	tmp := metaPath + ".tmp"
	if err := os.WriteFile(tmp, metaBytes, 0o644); err != nil {
		return TaskResultMeta{}, cerr.IO("cachemgr.SaveResult", tmp, "write", err)
	}
	if err := os.Rename(tmp, metaPath); err != nil {
		os.Remove(tmp)
		return TaskResultMeta{}, cerr.IO("cachemgr.SaveResult", metaPath, "rename", err)
	}
	return meta, nil
}

// captureOutputs streams every regular file under outputsDir into the CAS.
// Symlinks and other non-regular files are skipped per DESIGN.md open
// question 5.
func (m *Manager) captureOutputs(ctx context.Context, outputsDir string) ([]OutputIndexEntry, error) {
	var entries []OutputIndexEntry
	if outputsDir == "" {
		return entries, nil
	}
	if _, err := os.Stat(outputsDir); os.IsNotExist(err) {
		return entries, nil
	}
	err := filepath.WalkDir(outputsDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := os.Lstat(path)
		if err != nil {
			return err
		}
		if !info.Mode().IsRegular() {
			m.logger().Warn("skipping non-regular output", "path", path, "mode", info.Mode().String())
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		blobID, err := m.CAS.Store(ctx, data)
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(outputsDir, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		entries = append(entries, OutputIndexEntry{
			RelativePath: rel,
			BlobID:       string(blobID),
			Size:         info.Size(),
			ModeBits:     int(info.Mode().Perm()),
		})
		return nil
	})
	if err != nil {
		return nil, cerr.IO("cachemgr.SaveResult", outputsDir, "walk", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].RelativePath < entries[j].RelativePath })
	return entries, nil
}

// Lookup returns the metadata for key, or (TaskResultMeta{}, false, nil) if
// absent/corrupt — a cache miss is never an error.
func (m *Manager) Lookup(ctx context.Context, key digest.CacheKey) (TaskResultMeta, bool, error) {
	_, end := otelinit.WithSpan(ctx, "cachemgr.Lookup")
	defer end()

	path := filepath.Join(m.entryDir(key), "metadata.json")
	data, err := os.ReadFile(path)
	if err != nil {
		return TaskResultMeta{}, false, nil
	}
	var meta TaskResultMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return TaskResultMeta{}, false, nil
	}
	return meta, true, nil
}

// MaterializeOutputs restores a cache entry's output tree under destination,
// returning the number of files written. Any relative_path escaping
// destination is rejected wholesale with cerr.KindValidation.
func (m *Manager) MaterializeOutputs(ctx context.Context, key digest.CacheKey, destination string) (int, error) {
	ctx, end := otelinit.WithSpan(ctx, "cachemgr.MaterializeOutputs")
	defer end()

	meta, ok, err := m.Lookup(ctx, key)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, cerr.IO("cachemgr.MaterializeOutputs", m.entryDir(key), "lookup", fmt.Errorf("no such cache entry"))
	}
	absDest, err := filepath.Abs(destination)
	if err != nil {
		return 0, cerr.IO("cachemgr.MaterializeOutputs", destination, "abs", err)
	}
	count := 0
	for _, entry := range meta.OutputIndex {
		if strings.Contains(entry.RelativePath, "..") || filepath.IsAbs(entry.RelativePath) {
			return count, &cerr.Error{Kind: cerr.KindValidation, Op: "cachemgr.MaterializeOutputs", Path: entry.RelativePath, Err: fmt.Errorf("unsafe output path")}
		}
		target := filepath.Join(absDest, entry.RelativePath)
		if !strings.HasPrefix(target, absDest+string(filepath.Separator)) && target != absDest {
			return count, &cerr.Error{Kind: cerr.KindValidation, Op: "cachemgr.MaterializeOutputs", Path: entry.RelativePath, Err: fmt.Errorf("unsafe output path escapes destination")}
		}
		blobID, err := cas.FromHex(entry.BlobID)
		if err != nil {
			return count, cerr.Validation("cachemgr.MaterializeOutputs", err)
		}
		data, err := m.CAS.Load(ctx, blobID)
		if err != nil {
			return count, err
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return count, cerr.IO("cachemgr.MaterializeOutputs", filepath.Dir(target), "create", err)
		}
		tmp := target + ".tmp"
		if err := os.WriteFile(tmp, data, 0o644); err != nil {
			return count, cerr.IO("cachemgr.MaterializeOutputs", tmp, "write", err)
		}
		if err := os.Rename(tmp, target); err != nil {
			os.Remove(tmp)
			return count, cerr.IO("cachemgr.MaterializeOutputs", target, "rename", err)
		}
		if err := os.Chmod(target, fs.FileMode(entry.ModeBits)); err != nil {
			return count, cerr.IO("cachemgr.MaterializeOutputs", target, "chmod", err)
		}
		count++
	}
	return count, nil
}

// RecordLatest atomically updates the project's latest-key index.
func (m *Manager) RecordLatest(projectRoot, taskName string, key digest.CacheKey) error {
	idx, err := m.readLatestIndex()
	if err != nil {
		return err
	}
	if idx.Entries == nil {
		idx.Entries = map[string]map[string]string{}
	}
	if idx.Entries[projectRoot] == nil {
		idx.Entries[projectRoot] = map[string]string{}
	}
	idx.Entries[projectRoot][taskName] = string(key)

	data, err := json.MarshalIndent(idx, "", "  ")
	if err != nil {
		return cerr.Serialization("cachemgr.RecordLatest", err)
	}
	if err := os.MkdirAll(m.Root, 0o755); err != nil {
		return cerr.IO("cachemgr.RecordLatest", m.Root, "create", err)
	}
	tmp := m.latestIndexPath() + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return cerr.IO("cachemgr.RecordLatest", tmp, "write", err)
	}
	if err := os.Rename(tmp, m.latestIndexPath()); err != nil {
		os.Remove(tmp)
		return cerr.IO("cachemgr.RecordLatest", m.latestIndexPath(), "rename", err)
	}
	return nil
}

func (m *Manager) readLatestIndex() (LatestIndex, error) {
	data, err := os.ReadFile(m.latestIndexPath())
	if err != nil {
		if os.IsNotExist(err) {
			return LatestIndex{Entries: map[string]map[string]string{}}, nil
		}
		return LatestIndex{}, cerr.IO("cachemgr.readLatestIndex", m.latestIndexPath(), "read", err)
	}
	var idx LatestIndex
	if err := json.Unmarshal(data, &idx); err != nil {
		return LatestIndex{Entries: map[string]map[string]string{}}, nil
	}
	return idx, nil
}

// GetProjectCacheKeys returns the latest task->key map for projectRoot, or
// false if the project has no recorded entries.
func (m *Manager) GetProjectCacheKeys(projectRoot string) (map[string]string, bool, error) {
	idx, err := m.readLatestIndex()
	if err != nil {
		return nil, false, err
	}
	keys, ok := idx.Entries[projectRoot]
	return keys, ok, nil
}

// CasStats reports blob count and total size for the cache's CAS.
type CasStats struct {
	BlobCount int
	TotalSize int64
	HumanSize string
}

// CasStats returns aggregate statistics about the underlying CAS.
func (m *Manager) CasStats() (CasStats, error) {
	ids, err := m.CAS.List()
	if err != nil {
		return CasStats{}, err
	}
	total, err := m.CAS.TotalSize()
	if err != nil {
		return CasStats{}, err
	}
	return CasStats{BlobCount: len(ids), TotalSize: total, HumanSize: humanSize(total)}, nil
}

func humanSize(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%dB", n)
	}
	div, exp := int64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f%ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
