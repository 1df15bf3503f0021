package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

const analyticsColumns = `id, job_id, pixel_token, total_recipients, total_opens, unique_opens, created_at`

// CreateAnalytics provisions the record for rec.JobID. When one already
// exists it is returned unchanged, so provisioning is idempotent per job.
func (r *Repository) CreateAnalytics(ctx context.Context, rec *AnalyticsRecord) (*AnalyticsRecord, error) {
	_, err := r.db.Pool().Exec(ctx, `
		INSERT INTO newsletter_analytics (id, job_id, pixel_token, total_recipients)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (job_id) DO NOTHING
	`, rec.ID, rec.JobID, rec.PixelToken, rec.TotalRecipients)
	if err != nil {
		r.logger.Error("failed to create analytics record",
			zap.Error(err),
			zap.String("job_id", rec.JobID.String()),
		)
		return nil, fmt.Errorf("insert analytics: %w", err)
	}
	return r.GetAnalyticsByJob(ctx, rec.JobID)
}

func (r *Repository) GetAnalyticsByJob(ctx context.Context, jobID uuid.UUID) (*AnalyticsRecord, error) {
	return r.getAnalytics(ctx, `SELECT `+analyticsColumns+` FROM newsletter_analytics WHERE job_id = $1`, jobID)
}

func (r *Repository) GetAnalyticsByToken(ctx context.Context, token string) (*AnalyticsRecord, error) {
	return r.getAnalytics(ctx, `SELECT `+analyticsColumns+` FROM newsletter_analytics WHERE pixel_token = $1`, token)
}

func (r *Repository) getAnalytics(ctx context.Context, query string, arg any) (*AnalyticsRecord, error) {
	var a AnalyticsRecord
	err := r.db.Pool().QueryRow(ctx, query, arg).Scan(
		&a.ID, &a.JobID, &a.PixelToken, &a.TotalRecipients,
		&a.TotalOpens, &a.UniqueOpens, &a.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query analytics: %w", err)
	}
	return &a, nil
}

// RecordOpen upserts the fingerprint row and bumps the record counters in one
// transaction. unique is true on the fingerprint's first open for this record.
func (r *Repository) RecordOpen(ctx context.Context, analyticsID uuid.UUID, fingerprint string, at time.Time) (bool, error) {
	var unique bool
	err := r.db.InTx(ctx, func(tx pgx.Tx) error {
		// xmax = 0 only for a freshly inserted row
		if err := tx.QueryRow(ctx, `
			INSERT INTO analytics_fingerprints (analytics_id, fingerprint, open_count, first_open_at, last_open_at)
			VALUES ($1, $2, 1, $3, $3)
			ON CONFLICT (analytics_id, fingerprint) DO UPDATE
			SET open_count = analytics_fingerprints.open_count + 1,
			    last_open_at = GREATEST(analytics_fingerprints.last_open_at, EXCLUDED.last_open_at)
			RETURNING (xmax = 0)
		`, analyticsID, fingerprint, at).Scan(&unique); err != nil {
			return fmt.Errorf("upsert fingerprint: %w", err)
		}

		inc := 0
		if unique {
			inc = 1
		}
		tag, err := tx.Exec(ctx, `
			UPDATE newsletter_analytics
			SET total_opens = total_opens + 1, unique_opens = unique_opens + $2
			WHERE id = $1
		`, analyticsID, inc)
		if err != nil {
			return fmt.Errorf("increment opens: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return ErrNotFound
		}
		return nil
	})
	return unique, err
}

// RecordClick upserts the link row and its per-fingerprint row, then bumps
// the link counters. unique is true on the fingerprint's first click of url.
func (r *Repository) RecordClick(ctx context.Context, analyticsID uuid.UUID, url, fingerprint string, at time.Time) (bool, error) {
	var unique bool
	err := r.db.InTx(ctx, func(tx pgx.Tx) error {
		var linkID uuid.UUID
		if err := tx.QueryRow(ctx, `
			INSERT INTO link_clicks (analytics_id, url, click_count, unique_clicks, first_click, last_click)
			VALUES ($1, $2, 0, 0, $3, $3)
			ON CONFLICT (analytics_id, url) DO UPDATE
			SET last_click = GREATEST(link_clicks.last_click, EXCLUDED.last_click)
			RETURNING id
		`, analyticsID, url, at).Scan(&linkID); err != nil {
			return fmt.Errorf("upsert link click: %w", err)
		}

		if err := tx.QueryRow(ctx, `
			INSERT INTO link_click_fingerprints (link_click_id, fingerprint, click_count, last_click_at)
			VALUES ($1, $2, 1, $3)
			ON CONFLICT (link_click_id, fingerprint) DO UPDATE
			SET click_count = link_click_fingerprints.click_count + 1,
			    last_click_at = GREATEST(link_click_fingerprints.last_click_at, EXCLUDED.last_click_at)
			RETURNING (xmax = 0)
		`, linkID, fingerprint, at).Scan(&unique); err != nil {
			return fmt.Errorf("upsert link fingerprint: %w", err)
		}

		inc := 0
		if unique {
			inc = 1
		}
		if _, err := tx.Exec(ctx, `
			UPDATE link_clicks
			SET click_count = click_count + 1, unique_clicks = unique_clicks + $2
			WHERE id = $1
		`, linkID, inc); err != nil {
			return fmt.Errorf("increment clicks: %w", err)
		}
		return nil
	})
	return unique, err
}

// ListLinkClicks returns per-URL counters, most clicked first.
func (r *Repository) ListLinkClicks(ctx context.Context, analyticsID uuid.UUID) ([]*LinkClick, error) {
	rows, err := r.db.Pool().Query(ctx, `
		SELECT id, analytics_id, url, click_count, unique_clicks, first_click, last_click
		FROM link_clicks
		WHERE analytics_id = $1
		ORDER BY click_count DESC, url ASC
	`, analyticsID)
	if err != nil {
		return nil, fmt.Errorf("query link clicks: %w", err)
	}
	defer rows.Close()

	var clicks []*LinkClick
	for rows.Next() {
		var c LinkClick
		if err := rows.Scan(&c.ID, &c.AnalyticsID, &c.URL, &c.ClickCount, &c.UniqueClicks, &c.FirstClick, &c.LastClick); err != nil {
			return nil, fmt.Errorf("scan link click: %w", err)
		}
		clicks = append(clicks, &c)
	}
	return clicks, rows.Err()
}
