package postgres

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/google/uuid"

	"github.com/hubertpysklo/agent-diff/internal/apperrors"
)

func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// CreateAPIKey registers a new platform API key and returns the plaintext
// token; only its hash is persisted.
func (s *Store) CreateAPIKey(ctx context.Context, token, label string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO api_keys (id, token_hash, label, created_at) VALUES ($1, $2, $3, $4)
	`, uuid.NewString(), hashToken(token), label, time.Now().UTC())
	return wrapErr("CreateAPIKey", err, apperrors.Conflict)
}
