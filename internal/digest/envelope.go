// Package digest computes deterministic cache-key fingerprints: canonical
// JSON serialization, SHA-256 digests, and HMAC-based secret fingerprinting.
package digest

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// CacheKey is the canonical digest-layer string form, "sha256:<64 hex>".
type CacheKey string

// Hex returns the bare 64-character hex digest without the "sha256:" prefix
// — the form used as a CAS blob id and, per DESIGN.md open question 1, as
// the on-disk cache-entry directory name.
func (k CacheKey) Hex() string {
	const prefix = "sha256:"
	if len(k) > len(prefix) && string(k)[:len(prefix)] == prefix {
		return string(k)[len(prefix):]
	}
	return string(k)
}

func newCacheKey(sum [32]byte) CacheKey {
	return CacheKey("sha256:" + hex.EncodeToString(sum[:]))
}

// EnvValue is either a literal env value or a secret fingerprint tagged for
// the wire. Exactly one of Literal/Fingerprint is set.
type EnvValue struct {
	Literal     string
	Fingerprint string
	IsSecret    bool
}

// MarshalValue renders the EnvValue as it appears inside the envelope: the
// literal string, or "__secret__:<fingerprint>" for secrets.
func (v EnvValue) MarshalValue() string {
	if v.IsSecret {
		return "__secret__:" + v.Fingerprint
	}
	return v.Literal
}

// Envelope is the structured document whose canonical-JSON hash is the cache
// key. Field order below is irrelevant — canonicalization re-sorts object
// keys lexicographically regardless of struct field order.
type Envelope struct {
	Inputs                  OrderedMap
	Command                 []string
	Shell                   *bool
	Env                     OrderedMap
	CuenvVersion            string
	Platform                string
	WorkspaceLockfileHashes *OrderedMap
	WorkspacePackageHashes  *OrderedMap
}

// ComputeCacheKey serializes env to canonical JSON and returns its SHA-256
// digest alongside the canonical bytes (useful for metadata.json's verbatim
// cache_key_envelope field and for round-trip tests).
func ComputeCacheKey(env Envelope) (CacheKey, []byte, error) {
	canonical, err := Canonicalize(env)
	if err != nil {
		return "", nil, err
	}
	sum := sha256.Sum256(canonical)
	return newCacheKey(sum), canonical, nil
}

// Fingerprint computes the 32-hex-char secret fingerprint:
// HMAC-SHA256(systemSalt, resolverID+":"+value)[:32 hex chars].
func Fingerprint(resolverID, value, systemSalt string) string {
	mac := hmac.New(sha256.New, []byte(systemSalt))
	mac.Write([]byte(resolverID + ":" + value))
	sum := mac.Sum(nil)
	return hex.EncodeToString(sum)[:32]
}

// ComputeTaskDigest builds the envelope for one task invocation and returns
// its cache key. secretFingerprints maps env key -> already-computed
// fingerprint for keys whose value is a secret; callers are expected to have
// resolved secrets and computed fingerprints via Fingerprint beforehand, so
// this function never sees plaintext secret values.
func ComputeTaskDigest(command []string, env map[string]string, inputs map[string]string, runtimeDigest string, secretFingerprints map[string]string, systemSalt string) (CacheKey, error) {
	if len(command) == 0 {
		return "", fmt.Errorf("digest: empty command")
	}
	envelope := Envelope{
		Inputs:       NewOrderedMap(inputs),
		Command:      append([]string{}, command...),
		Env:          OrderedMap{},
		CuenvVersion: Version,
		Platform:     Platform(),
	}
	for k, v := range env {
		if fp, isSecret := secretFingerprints[k]; isSecret {
			envelope.Env.Set(k, EnvValue{IsSecret: true, Fingerprint: fp}.MarshalValue())
		} else {
			envelope.Env.Set(k, EnvValue{Literal: v}.MarshalValue())
		}
	}
	if runtimeDigest != "" {
		envelope.Env.Set("__runtime_digest__", runtimeDigest)
	}
	key, _, err := ComputeCacheKey(envelope)
	return key, err
}
