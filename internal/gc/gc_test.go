package gc

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeEntry(t *testing.T, root, key string, createdAt time.Time, blobID string) {
	t.Helper()
	dir := filepath.Join(root, key)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	meta := map[string]any{
		"task_name":  "t",
		"created_at": createdAt.UTC().Format(time.RFC3339),
		"output_index": []map[string]any{
			{"relative_path": "out.bin", "blob_id": blobID, "size": 1, "mode_bits": 420},
		},
	}
	data, _ := json.Marshal(meta)
	if err := os.WriteFile(filepath.Join(dir, "metadata.json"), data, 0o644); err != nil {
		t.Fatal(err)
	}
}

func storeBlob(t *testing.T, root, id string) {
	t.Helper()
	dir := filepath.Join(root, "cas", id[0:2], id[2:4])
	os.MkdirAll(dir, 0o755)
	os.WriteFile(filepath.Join(dir, id), []byte("x"), 0o644)
}

const blobA = "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
const blobB = "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"

func intPtr(v int64) *int64 { return &v }

func TestGCRemovesOldEntries(t *testing.T) {
	root := t.TempDir()
	writeEntry(t, root, "old-entry", time.Now().Add(-60*24*time.Hour), blobA)
	storeBlob(t, root, blobA)

	result, err := Run(context.Background(), root, Policy{MaxAgeDays: intPtr(30)}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if result.EntriesRemoved != 1 {
		t.Fatalf("expected 1 entry removed, got %d", result.EntriesRemoved)
	}
	if result.BlobsRemoved != 1 {
		t.Fatalf("expected the now-unreferenced blob swept too, got %d", result.BlobsRemoved)
	}
}

func TestGCPreservesRecentEntries(t *testing.T) {
	root := t.TempDir()
	writeEntry(t, root, "recent-entry", time.Now(), blobA)
	storeBlob(t, root, blobA)

	result, err := Run(context.Background(), root, Policy{MaxAgeDays: intPtr(30)}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if result.EntriesRemoved != 0 {
		t.Fatalf("expected 0 entries removed, got %d", result.EntriesRemoved)
	}
	if _, err := os.Stat(filepath.Join(root, "recent-entry", "metadata.json")); err != nil {
		t.Fatalf("expected recent entry preserved: %v", err)
	}
}

func TestGCRespectsLatestIndex(t *testing.T) {
	root := t.TempDir()
	writeEntry(t, root, "deadbeef", time.Now().Add(-60*24*time.Hour), blobA)
	storeBlob(t, root, blobA)
	idx := map[string]any{"entries": map[string]any{"/proj": map[string]string{"build": "sha256:deadbeef"}}}
	data, _ := json.Marshal(idx)
	os.WriteFile(filepath.Join(root, "latest_index.json"), data, 0o644)

	result, err := Run(context.Background(), root, Policy{MaxAgeDays: intPtr(30)}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if result.EntriesRemoved != 0 {
		t.Fatalf("expected protected entry preserved, got %d removed", result.EntriesRemoved)
	}
	if _, err := os.Stat(filepath.Join(root, "deadbeef", "metadata.json")); err != nil {
		t.Fatalf("expected protected entry on disk: %v", err)
	}
}

func TestGCDryRunMutatesNothing(t *testing.T) {
	root := t.TempDir()
	writeEntry(t, root, "old-entry", time.Now().Add(-60*24*time.Hour), blobA)
	storeBlob(t, root, blobA)

	result, err := Run(context.Background(), root, Policy{MaxAgeDays: intPtr(30), DryRun: true}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if result.EntriesRemoved != 0 || result.BlobsRemoved != 0 || result.BytesFreed != 0 {
		t.Fatalf("expected zero mutation counts in dry-run, got %+v", result)
	}
	if _, err := os.Stat(filepath.Join(root, "old-entry", "metadata.json")); err != nil {
		t.Fatalf("dry run must not remove anything: %v", err)
	}
}

func TestGCSweepsUnreferencedBlobsOnly(t *testing.T) {
	root := t.TempDir()
	writeEntry(t, root, "keep", time.Now(), blobA)
	storeBlob(t, root, blobA)
	storeBlob(t, root, blobB) // unreferenced by any entry

	result, err := Run(context.Background(), root, Policy{}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if result.BlobsRemoved != 1 {
		t.Fatalf("expected exactly the unreferenced blob removed, got %d", result.BlobsRemoved)
	}
}
