package cachemgr

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/swarmguard/cuenv/internal/digest"
)

func newManager(t *testing.T) *Manager {
	t.Helper()
	m, err := New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func writeFile(t *testing.T, dir, rel, content string) {
	t.Helper()
	path := filepath.Join(dir, rel)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestSaveLookupMaterializeRoundTrip(t *testing.T) {
	m := newManager(t)
	outputs := t.TempDir()
	writeFile(t, outputs, "a.out", "binary-bytes")

	key := digest.CacheKey("sha256:" + "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b85")
	_, err := m.SaveResult(context.Background(), key, "build", []string{"cc", "-o", "a.out", "a.c"}, nil, nil, []byte("{}"), outputs, TaskLogs{})
	if err != nil {
		t.Fatal(err)
	}

	meta, ok, err := m.Lookup(context.Background(), key)
	if err != nil || !ok {
		t.Fatalf("expected lookup hit, got ok=%v err=%v", ok, err)
	}
	if len(meta.OutputIndex) != 1 {
		t.Fatalf("expected 1 output entry, got %d", len(meta.OutputIndex))
	}

	dest := t.TempDir()
	n, err := m.MaterializeOutputs(context.Background(), key, dest)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("expected 1 file materialized, got %d", n)
	}
	data, err := os.ReadFile(filepath.Join(dest, "a.out"))
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "binary-bytes" {
		t.Fatalf("expected byte-identical round trip, got %q", data)
	}
}

func TestLookupMissReturnsNoErrorOnMissingEntry(t *testing.T) {
	m := newManager(t)
	_, ok, err := m.Lookup(context.Background(), digest.CacheKey("sha256:deadbeef"))
	if err != nil {
		t.Fatalf("expected nil error on cache miss, got %v", err)
	}
	if ok {
		t.Fatalf("expected miss")
	}
}

func TestLookupMissOnCorruptMetadata(t *testing.T) {
	m := newManager(t)
	key := digest.CacheKey("sha256:" + "0000000000000000000000000000000000000000000000000000000000ab")
	dir := m.entryDir(key)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "metadata.json"), []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}
	_, ok, err := m.Lookup(context.Background(), key)
	if err != nil {
		t.Fatalf("expected nil error treating parse failure as cache miss, got %v", err)
	}
	if ok {
		t.Fatalf("expected miss on corrupt metadata")
	}
}

func TestCrossBranchDedup(t *testing.T) {
	m := newManager(t)
	outA := t.TempDir()
	writeFile(t, outA, "out.bin", "shared-bytes")
	outB := t.TempDir()
	writeFile(t, outB, "out.bin", "shared-bytes")

	keyA := digest.CacheKey("sha256:" + "1111111111111111111111111111111111111111111111111111111111ab")
	keyB := digest.CacheKey("sha256:" + "2222222222222222222222222222222222222222222222222222222222cd")

	if _, err := m.SaveResult(context.Background(), keyA, "t", []string{"cmd"}, nil, nil, []byte("{}"), outA, TaskLogs{}); err != nil {
		t.Fatal(err)
	}
	if _, err := m.SaveResult(context.Background(), keyB, "t", []string{"cmd"}, nil, nil, []byte("{}"), outB, TaskLogs{}); err != nil {
		t.Fatal(err)
	}

	ids, err := m.CAS.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 1 {
		t.Fatalf("expected one deduped blob, got %d", len(ids))
	}

	for _, key := range []digest.CacheKey{keyA, keyB} {
		dest := t.TempDir()
		if _, err := m.MaterializeOutputs(context.Background(), key, dest); err != nil {
			t.Fatal(err)
		}
	}
}

func TestMaterializeRejectsUnsafeOutputPath(t *testing.T) {
	m := newManager(t)
	key := digest.CacheKey("sha256:" + "3333333333333333333333333333333333333333333333333333333333ef")
	dir := m.entryDir(key)
	os.MkdirAll(dir, 0o755)
	meta := NewTaskResultMeta("t", []string{"cmd"}, nil, nil, time.Now(), "v", "p", 0, 0, []byte("{}"), []OutputIndexEntry{
		{RelativePath: "../escape.txt", BlobID: "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b85", Size: 0, ModeBits: 0o644},
	})
	data, _ := json.Marshal(meta)
	os.WriteFile(filepath.Join(dir, "metadata.json"), data, 0o644)

	_, err := m.MaterializeOutputs(context.Background(), key, t.TempDir())
	if err == nil {
		t.Fatalf("expected unsafe path rejection")
	}
}

func TestRecordLatestAndGetProjectCacheKeys(t *testing.T) {
	m := newManager(t)
	key := digest.CacheKey("sha256:" + "4444444444444444444444444444444444444444444444444444444444ff")
	if err := m.RecordLatest("/proj", "build", key); err != nil {
		t.Fatal(err)
	}
	keys, ok, err := m.GetProjectCacheKeys("/proj")
	if err != nil || !ok {
		t.Fatalf("expected hit, got ok=%v err=%v", ok, err)
	}
	if keys["build"] != string(key) {
		t.Fatalf("expected recorded key, got %v", keys)
	}
}
