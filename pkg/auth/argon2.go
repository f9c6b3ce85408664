package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/argon2"
)

// Argon2id parameters (OWASP defaults): 64 MiB, 3 passes, 4 lanes, 32-byte key.
const (
	argon2Memory      = 64 * 1024 // KiB
	argon2Iterations  = 3
	argon2Parallelism = 4
	argon2KeyLength   = 32
	argon2SaltLength  = 16
)

// ErrNotConfigured is returned by Verifier.Verify when no token hash is set.
var ErrNotConfigured = errors.New("daemon token hash not configured")

// HashKey hashes a plaintext token with Argon2id and returns it in PHC form:
//
//	$argon2id$v=19$m=65536,t=3,p=4$<salt_b64>$<hash_b64>
func HashKey(key string) (string, error) {
	salt := make([]byte, argon2SaltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generating salt: %w", err)
	}
	sum := argon2.IDKey([]byte(key), salt, argon2Iterations, argon2Memory, argon2Parallelism, argon2KeyLength)

	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, argon2Memory, argon2Iterations, argon2Parallelism,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(sum),
	), nil
}

// VerifyKey reports whether key matches the PHC-encoded Argon2id hash.
// The comparison is constant-time.
func VerifyKey(key, phcHash string) (bool, error) {
	p, err := parsePHC(phcHash)
	if err != nil {
		return false, fmt.Errorf("parsing hash: %w", err)
	}
	computed := argon2.IDKey([]byte(key), p.salt, p.iterations, p.memory, p.parallelism, uint32(len(p.hash)))
	return subtle.ConstantTimeCompare(computed, p.hash) == 1, nil
}

type phcParams struct {
	memory      uint32
	iterations  uint32
	parallelism uint8
	salt        []byte
	hash        []byte
}

// parsePHC splits "$argon2id$v=19$m=..,t=..,p=..$salt$hash" into its parts.
func parsePHC(phc string) (phcParams, error) {
	var p phcParams

	// The leading '$' yields an empty first element.
	parts := strings.Split(phc, "$")
	if len(parts) != 6 {
		return p, fmt.Errorf("invalid PHC format: expected 6 parts, got %d", len(parts))
	}
	if parts[1] != "argon2id" {
		return p, fmt.Errorf("unsupported algorithm %q", parts[1])
	}
	n, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &p.memory, &p.iterations, &p.parallelism)
	if err != nil || n != 3 {
		return p, fmt.Errorf("invalid parameters %q", parts[3])
	}
	if p.salt, err = base64.RawStdEncoding.DecodeString(parts[4]); err != nil {
		return p, fmt.Errorf("decoding salt: %w", err)
	}
	if p.hash, err = base64.RawStdEncoding.DecodeString(parts[5]); err != nil {
		return p, fmt.Errorf("decoding hash: %w", err)
	}
	return p, nil
}

// Verifier checks hello tokens against the configured daemon token hash.
//
// Argon2id is deliberately slow, and every MCP client reconnect presents the
// same token, so results are cached for ttl. Cache keys are SHA-256 digests
// of the presented token; plaintext tokens are never retained.
type Verifier struct {
	tokenHash string
	ttl       time.Duration

	mu    sync.RWMutex
	cache map[[sha256.Size]byte]cacheEntry
}

type cacheEntry struct {
	valid     bool
	expiresAt time.Time
}

// NewVerifier creates a Verifier for the given Argon2id PHC hash. An empty
// hash produces a Verifier whose Verify always returns ErrNotConfigured.
func NewVerifier(tokenHash string, cacheTTL time.Duration) *Verifier {
	return &Verifier{
		tokenHash: tokenHash,
		ttl:       cacheTTL,
		cache:     make(map[[sha256.Size]byte]cacheEntry),
	}
}

// Configured reports whether a token hash was provided.
func (v *Verifier) Configured() bool {
	return v.tokenHash != ""
}

// Verify reports whether token is the daemon token. Both outcomes are cached.
func (v *Verifier) Verify(token string) (bool, error) {
	if v.tokenHash == "" {
		return false, ErrNotConfigured
	}

	k := sha256.Sum256([]byte(token))

	v.mu.RLock()
	entry, ok := v.cache[k]
	v.mu.RUnlock()
	if ok && time.Now().Before(entry.expiresAt) {
		return entry.valid, nil
	}

	valid, err := VerifyKey(token, v.tokenHash)
	if err != nil {
		return false, err
	}

	v.mu.Lock()
	v.cache[k] = cacheEntry{valid: valid, expiresAt: time.Now().Add(v.ttl)}
	v.mu.Unlock()
	return valid, nil
}
