package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// LoadOrCreateSalt stores candidate as the recipient hashing salt unless one
// already exists, and returns the persisted value.
func (r *Repository) LoadOrCreateSalt(ctx context.Context, candidate string) (string, error) {
	_, err := r.db.Pool().Exec(ctx,
		`INSERT INTO app_settings (key, value) VALUES ($1, $2) ON CONFLICT (key) DO NOTHING`,
		SettingRecipientSalt, candidate,
	)
	if err != nil {
		return "", fmt.Errorf("insert salt: %w", err)
	}

	var salt string
	err = r.db.Pool().QueryRow(ctx,
		`SELECT value FROM app_settings WHERE key = $1`, SettingRecipientSalt,
	).Scan(&salt)
	if err != nil {
		return "", fmt.Errorf("select salt: %w", err)
	}
	return salt, nil
}

// FindOrCreateRecipient inserts the hash if absent. created is false when the
// hash was already known.
func (r *Repository) FindOrCreateRecipient(ctx context.Context, hashedEmail string, firstSeen time.Time) (bool, error) {
	var id string
	err := r.db.Pool().QueryRow(ctx, `
		INSERT INTO hashed_recipients (hashed_email, first_seen)
		VALUES ($1, $2)
		ON CONFLICT (hashed_email) DO NOTHING
		RETURNING id
	`, hashedEmail, firstSeen).Scan(&id)

	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		r.logger.Error("failed to upsert hashed recipient", zap.Error(err))
		return false, fmt.Errorf("insert hashed recipient: %w", err)
	}
	return true, nil
}

// TouchLastSent sets last_sent for every known hash in the batch.
func (r *Repository) TouchLastSent(ctx context.Context, hashedEmails []string, at time.Time) error {
	if len(hashedEmails) == 0 {
		return nil
	}
	_, err := r.db.Pool().Exec(ctx, `
		UPDATE hashed_recipients
		SET last_sent = GREATEST(COALESCE(last_sent, $2), $2)
		WHERE hashed_email = ANY($1)
	`, hashedEmails, at)
	if err != nil {
		return fmt.Errorf("update last_sent: %w", err)
	}
	return nil
}
