// Package auth implements bearer-token generation, Argon2id hashing, and
// verification for the control API (spec §4.4), grounded directly on
// original_source/tenement/src/auth.rs.
package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/crypto/argon2"
)

// tokenLength is 32 raw bytes (256 bits) of entropy per generated token.
const tokenLength = 32

// argon2 parameters. time=1, memory=64MB, threads=4, keyLen=32 — the
// interactive/low-latency profile, appropriate for a per-request
// verification path rather than a one-off credential store.
const (
	argonTime    = 1
	argonMemory  = 64 * 1024
	argonThreads = 4
	argonKeyLen  = 32
	saltLen      = 16
)

// GenerateToken produces a URL-safe random token string, landing in the
// 40-50 character range for 32 raw bytes base64-encoded without padding.
func GenerateToken() (string, error) {
	buf := make([]byte, tokenLength)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("auth: generating token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// HashToken returns the argon2id PHC-style string this package stores and
// parses: $argon2id$v=19$m=...,t=...,p=...$<salt>$<hash>
func HashToken(token string) (string, error) {
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("auth: generating salt: %w", err)
	}
	hash := argon2.IDKey([]byte(token), salt, argonTime, argonMemory, argonThreads, argonKeyLen)

	encoded := fmt.Sprintf("$argon2id$v=19$m=%d,t=%d,p=%d$%s$%s",
		argonMemory, argonTime, argonThreads,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(hash))
	return encoded, nil
}

// VerifyToken reports whether token matches the given stored hash. A
// malformed hash returns false rather than erroring; the caller is
// expected to log that at debug level (spec §4.4), never info.
func VerifyToken(token, encoded string, logger *slog.Logger) bool {
	memory, time, threads, salt, hash, err := parseEncodedHash(encoded)
	if err != nil {
		if logger != nil {
			logger.Debug("auth: failed to parse stored hash", "error", err)
		}
		return false
	}
	candidate := argon2.IDKey([]byte(token), salt, time, memory, threads, uint32(len(hash)))
	return subtle.ConstantTimeCompare(candidate, hash) == 1
}

func parseEncodedHash(encoded string) (memory uint32, time uint32, threads uint8, salt, hash []byte, err error) {
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[1] != "argon2id" {
		return 0, 0, 0, nil, nil, fmt.Errorf("auth: unrecognized hash format")
	}
	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil {
		return 0, 0, 0, nil, nil, fmt.Errorf("auth: bad version segment: %w", err)
	}
	var m uint32
	var t uint32
	var p uint8
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &m, &t, &p); err != nil {
		return 0, 0, 0, nil, nil, fmt.Errorf("auth: bad params segment: %w", err)
	}
	salt, err = base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return 0, 0, 0, nil, nil, fmt.Errorf("auth: bad salt encoding: %w", err)
	}
	hash, err = base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil {
		return 0, 0, 0, nil, nil, fmt.Errorf("auth: bad hash encoding: %w", err)
	}
	return m, t, p, salt, hash, nil
}

// ExtractBearerToken parses an Authorization header value, accepting
// "Bearer <token>" with a case-insensitive scheme and a case-sensitive
// token body. Returns ok=false for any other scheme or malformed header.
func ExtractBearerToken(header string) (token string, ok bool) {
	const prefix = "bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", false
	}
	token = header[len(prefix):]
	if token == "" {
		return "", false
	}
	return token, true
}
