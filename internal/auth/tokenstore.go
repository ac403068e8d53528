package auth

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/tenement-host/tenement/internal/store"
)

// TokenStore layers token generation/verification semantics on top of
// the persisted store.TokenRecord rows (spec §4.4).
type TokenStore struct {
	db     *store.Store
	logger *slog.Logger
}

func NewTokenStore(db *store.Store, logger *slog.Logger) *TokenStore {
	return &TokenStore{db: db, logger: logger}
}

// Issue generates a new token, persists its hash, and returns the
// plaintext to the caller exactly once.
func (ts *TokenStore) Issue(label string, expiresAt *time.Time) (plaintext string, id string, err error) {
	plaintext, err = GenerateToken()
	if err != nil {
		return "", "", err
	}
	hash, err := HashToken(plaintext)
	if err != nil {
		return "", "", err
	}
	id = uuid.New().String()
	rec := &store.TokenRecord{
		ID:        id,
		Hash:      hash,
		Label:     label,
		CreatedAt: time.Now(),
		ExpiresAt: expiresAt,
	}
	if err := ts.db.CreateToken(rec); err != nil {
		return "", "", fmt.Errorf("auth: issuing token: %w", err)
	}
	return plaintext, id, nil
}

// Verify checks token against every live (non-expired) stored hash.
// Every hash is compared, even after a match is found, so the operation
// does not leak which position in the list matched via timing.
func (ts *TokenStore) Verify(token string) (*store.TokenRecord, bool) {
	records, err := ts.db.ListAllHashes()
	if err != nil {
		if ts.logger != nil {
			ts.logger.Error("auth: listing token hashes", "error", err)
		}
		return nil, false
	}

	now := time.Now()
	var matched *store.TokenRecord
	for _, rec := range records {
		if rec.ExpiresAt != nil && now.After(*rec.ExpiresAt) {
			continue
		}
		if VerifyToken(token, rec.Hash, ts.logger) {
			matched = rec
		}
	}
	if matched == nil {
		return nil, false
	}
	if err := ts.db.TouchTokenLastUsed(matched.ID, now); err != nil && ts.logger != nil {
		ts.logger.Warn("auth: touching token last_used", "error", err)
	}
	return matched, true
}

func (ts *TokenStore) Revoke(id string) error {
	return ts.db.DeleteToken(id)
}

func (ts *TokenStore) List() ([]*store.TokenRecord, error) {
	return ts.db.ListTokens()
}
