// Package cas implements the content-addressable store: a two-level
// sharded, atomically-written, integrity-checked blob store keyed by the
// SHA-256 hash of the blob's bytes.
package cas

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"

	"github.com/swarmguard/cuenv/internal/cerr"
	"github.com/swarmguard/cuenv/internal/observability/otelinit"
)

// BlobID is a 64 lowercase hex character SHA-256 digest.
type BlobID string

var hexID = regexp.MustCompile(`^[0-9a-f]{64}$`)

// FromData computes the BlobID of data without storing it.
func FromData(data []byte) BlobID {
	sum := sha256.Sum256(data)
	return BlobID(hex.EncodeToString(sum[:]))
}

// FromHex validates and wraps an existing hex string.
func FromHex(s string) (BlobID, error) {
	if !hexID.MatchString(s) {
		return "", fmt.Errorf("cas: invalid blob id %q: must be 64 lowercase hex characters", s)
	}
	return BlobID(s), nil
}

// Store is a filesystem-backed content-addressable store rooted at Root.
type Store struct {
	Root string
}

// New returns a Store rooted at root. The root directory is created lazily
// on first write.
func New(root string) *Store {
	return &Store{Root: root}
}

func (s *Store) blobPath(id BlobID) string {
	h := string(id)
	return filepath.Join(s.Root, h[0:2], h[2:4], h)
}

// Store writes data into the CAS and returns its content hash. Idempotent:
// if a blob with this hash already exists, it is left untouched.
func (s *Store) Store(ctx context.Context, data []byte) (BlobID, error) {
	_, end := otelinit.WithSpan(ctx, "cas.Store")
	defer end()

	id := FromData(data)
	final := s.blobPath(id)

	if _, err := os.Stat(final); err == nil {
		return id, nil
	}

	dir := filepath.Dir(final)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", cerr.IO("cas.Store", dir, "create", err)
	}

	tmp := final + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return "", cerr.IO("cas.Store", tmp, "create", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return "", cerr.IO("cas.Store", tmp, "write", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return "", cerr.IO("cas.Store", tmp, "sync", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return "", cerr.IO("cas.Store", tmp, "sync", err)
	}
	if err := os.Rename(tmp, final); err != nil {
		os.Remove(tmp)
		return "", cerr.IO("cas.Store", final, "rename", err)
	}
	if dirF, err := os.Open(dir); err == nil {
		_ = dirF.Sync()
		_ = dirF.Close()
	}
	return id, nil
}

// Load reads a blob and verifies its content hash matches id, returning
// cerr.Integrity on mismatch.
func (s *Store) Load(ctx context.Context, id BlobID) ([]byte, error) {
	_, end := otelinit.WithSpan(ctx, "cas.Load")
	defer end()

	path := s.blobPath(id)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, cerr.IO("cas.Load", path, "read", err)
	}
	actual := FromData(data)
	if actual != id {
		return nil, cerr.Integrity("cas.Load", fmt.Errorf("blob %s failed integrity check: on-disk content hashes to %s", id, actual))
	}
	return data, nil
}

// Exists reports whether a blob with id is present.
func (s *Store) Exists(id BlobID) bool {
	_, err := os.Stat(s.blobPath(id))
	return err == nil
}

// Size returns the on-disk size of a blob.
func (s *Store) Size(id BlobID) (int64, error) {
	info, err := os.Stat(s.blobPath(id))
	if err != nil {
		return 0, cerr.IO("cas.Size", s.blobPath(id), "stat", err)
	}
	return info.Size(), nil
}

// Delete removes a blob. Missing blobs are not an error.
func (s *Store) Delete(id BlobID) error {
	if err := os.Remove(s.blobPath(id)); err != nil && !os.IsNotExist(err) {
		return cerr.IO("cas.Delete", s.blobPath(id), "remove", err)
	}
	return nil
}

// List enumerates every blob id currently stored, walking the two-level
// shard layout.
func (s *Store) List() ([]BlobID, error) {
	var out []BlobID
	entries, err := os.ReadDir(s.Root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, cerr.IO("cas.List", s.Root, "read_dir", err)
	}
	for _, l1 := range entries {
		if !l1.IsDir() || len(l1.Name()) != 2 {
			continue
		}
		l1Path := filepath.Join(s.Root, l1.Name())
		l2Entries, err := os.ReadDir(l1Path)
		if err != nil {
			return nil, cerr.IO("cas.List", l1Path, "read_dir", err)
		}
		for _, l2 := range l2Entries {
			if !l2.IsDir() || len(l2.Name()) != 2 {
				continue
			}
			l2Path := filepath.Join(l1Path, l2.Name())
			blobs, err := os.ReadDir(l2Path)
			if err != nil {
				return nil, cerr.IO("cas.List", l2Path, "read_dir", err)
			}
			for _, b := range blobs {
				if hexID.MatchString(b.Name()) {
					out = append(out, BlobID(b.Name()))
				}
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

// TotalSize sums the size of every blob in the store.
func (s *Store) TotalSize() (int64, error) {
	ids, err := s.List()
	if err != nil {
		return 0, err
	}
	var total int64
	for _, id := range ids {
		sz, err := s.Size(id)
		if err != nil {
			continue
		}
		total += sz
	}
	return total, nil
}
