package services

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"time"
)

// InvitationTokenTTL is how long an invite token stays consumable.
const InvitationTokenTTL = 7 * 24 * time.Hour

// GenerateInviteToken returns a fresh URL-safe bearer token (256 bits of
// CSPRNG output) together with its one-way hash. Only the hash is ever
// persisted; the raw token goes to the invited email and nowhere else.
func GenerateInviteToken() (token string, tokenHash string, err error) {
	bytes := make([]byte, 32)
	if _, err := rand.Read(bytes); err != nil {
		return "", "", fmt.Errorf("generating invite token: %w", err)
	}
	token = base64.RawURLEncoding.EncodeToString(bytes)
	return token, HashInviteToken(token), nil
}

// HashInviteToken computes the deterministic SHA-256 digest stored in place
// of the raw token.
func HashInviteToken(token string) string {
	h := sha256.Sum256([]byte(token))
	return hex.EncodeToString(h[:])
}

// InviteExpiry returns the absolute deadline for a token issued at now.
func InviteExpiry(now time.Time) time.Time {
	return now.Add(InvitationTokenTTL)
}

// IsInviteExpired reports whether the deadline has passed. A missing deadline
// counts as expired, failing safe.
func IsInviteExpired(expiresAt *time.Time, now time.Time) bool {
	if expiresAt == nil {
		return true
	}
	return !expiresAt.After(now)
}
