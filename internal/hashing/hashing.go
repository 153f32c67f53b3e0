// ABOUTME: Content hashing and TTL expiry helpers shared by the caches and audit trail
// ABOUTME: All timestamps are Unix milliseconds to match the persisted cache schema

package hashing

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// SHA256 returns the hex-encoded SHA-256 digest of payload.
func SHA256(payload string) string {
	sum := sha256.Sum256([]byte(payload))
	return hex.EncodeToString(sum[:])
}

// SHA256Bytes is SHA256 for raw bytes.
func SHA256Bytes(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// HashJSON returns the digest of v's JSON encoding. Strings are hashed as-is.
func HashJSON(v any) (string, error) {
	if s, ok := v.(string); ok {
		return SHA256(s), nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("marshaling payload for hash: %w", err)
	}
	return SHA256Bytes(data), nil
}

// ComputeExpiry returns the expiry timestamp (ms) for an entry written at now.
func ComputeExpiry(now time.Time, ttl time.Duration) int64 {
	return now.UnixMilli() + ttl.Milliseconds()
}

// IsExpired reports whether expiresAtMs has passed. An entry expiring exactly
// at now is expired.
func IsExpired(expiresAtMs int64, now time.Time) bool {
	return expiresAtMs <= now.UnixMilli()
}
