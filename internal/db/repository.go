package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/lalithlochan/bulletin/internal/job"
)

// Repository handles database operations for send jobs, hashed recipients
// and analytics.
type Repository struct {
	db     *DB
	logger *zap.Logger
}

// NewRepository creates a new repository
func NewRepository(db *DB, logger *zap.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

const jobColumns = `
	id, status, subject, html, from_address, reply_to, attachments,
	settings, recipient_count, progress, sent_at, version, created_at, updated_at
`

// CreateJob inserts a new send job at version 0.
func (r *Repository) CreateJob(ctx context.Context, j *job.SendJob) error {
	attachments, settings, progress, err := encodeJob(j)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO send_jobs (
			id, status, subject, html, from_address, reply_to, attachments,
			settings, recipient_count, progress, sent_at, version
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, 0
		)
		RETURNING version, created_at, updated_at
	`

	err = r.db.Pool().QueryRow(ctx, query,
		j.ID,
		j.Status,
		j.Subject,
		j.HTML,
		j.FromAddress,
		j.ReplyTo,
		attachments,
		settings,
		j.RecipientCount,
		progress,
		j.SentAt,
	).Scan(&j.Version, &j.CreatedAt, &j.UpdatedAt)

	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("send job %s already exists: %w", j.ID, err)
		}
		r.logger.Error("failed to create send job",
			zap.Error(err),
			zap.String("job_id", j.ID.String()),
		)
		return fmt.Errorf("insert send job: %w", err)
	}

	r.logger.Info("send job created",
		zap.String("job_id", j.ID.String()),
		zap.String("status", j.Status.String()),
	)
	return nil
}

// GetJob loads a job by id. Returns job.ErrNotFound when absent.
func (r *Repository) GetJob(ctx context.Context, id uuid.UUID) (*job.SendJob, error) {
	query := `SELECT ` + jobColumns + ` FROM send_jobs WHERE id = $1`

	j, err := scanJob(r.db.Pool().QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", job.ErrNotFound, id)
	}
	if err != nil {
		r.logger.Error("failed to get send job",
			zap.Error(err),
			zap.String("job_id", id.String()),
		)
		return nil, fmt.Errorf("query send job: %w", err)
	}
	return j, nil
}

// UpdateJob writes the whole job if and only if the stored version still
// equals j.Version. On success j.Version and j.UpdatedAt are refreshed.
// A stale version yields job.ErrVersionConflict.
func (r *Repository) UpdateJob(ctx context.Context, j *job.SendJob) error {
	attachments, settings, progress, err := encodeJob(j)
	if err != nil {
		return err
	}

	query := `
		UPDATE send_jobs
		SET status = $1, subject = $2, html = $3, from_address = $4, reply_to = $5,
		    attachments = $6, settings = $7, recipient_count = $8, progress = $9,
		    sent_at = $10, version = version + 1, updated_at = NOW()
		WHERE id = $11 AND version = $12
		RETURNING version, updated_at
	`

	err = r.db.Pool().QueryRow(ctx, query,
		j.Status,
		j.Subject,
		j.HTML,
		j.FromAddress,
		j.ReplyTo,
		attachments,
		settings,
		j.RecipientCount,
		progress,
		j.SentAt,
		j.ID,
		j.Version,
	).Scan(&j.Version, &j.UpdatedAt)

	if errors.Is(err, pgx.ErrNoRows) {
		var exists bool
		if qerr := r.db.Pool().QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM send_jobs WHERE id = $1)`, j.ID,
		).Scan(&exists); qerr != nil {
			return fmt.Errorf("check send job: %w", qerr)
		}
		if !exists {
			return fmt.Errorf("%w: %s", job.ErrNotFound, j.ID)
		}
		return fmt.Errorf("%w: job %s at version %d", job.ErrVersionConflict, j.ID, j.Version)
	}
	if err != nil {
		r.logger.Error("failed to update send job",
			zap.Error(err),
			zap.String("job_id", j.ID.String()),
		)
		return fmt.Errorf("update send job: %w", err)
	}
	return nil
}

// ListActiveJobs returns jobs still in sending or retrying, oldest first.
func (r *Repository) ListActiveJobs(ctx context.Context, limit int) ([]*job.SendJob, error) {
	query := `SELECT ` + jobColumns + `
		FROM send_jobs
		WHERE status IN ('sending', 'retrying')
		ORDER BY updated_at ASC
		LIMIT $1`

	rows, err := r.db.Pool().Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("query active jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*job.SendJob
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan send job: %w", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

func encodeJob(j *job.SendJob) (attachments, settings, progress []byte, err error) {
	if attachments, err = json.Marshal(nonNil(j.Attachments)); err != nil {
		return nil, nil, nil, fmt.Errorf("marshal attachments: %w", err)
	}
	if settings, err = json.Marshal(j.Settings); err != nil {
		return nil, nil, nil, fmt.Errorf("marshal settings: %w", err)
	}
	if progress, err = json.Marshal(j.Progress); err != nil {
		return nil, nil, nil, fmt.Errorf("marshal progress: %w", err)
	}
	return attachments, settings, progress, nil
}

func nonNil(a []job.Attachment) []job.Attachment {
	if a == nil {
		return []job.Attachment{}
	}
	return a
}

func scanJob(row pgx.Row) (*job.SendJob, error) {
	var (
		j                               job.SendJob
		attachments, settings, progress []byte
	)
	err := row.Scan(
		&j.ID,
		&j.Status,
		&j.Subject,
		&j.HTML,
		&j.FromAddress,
		&j.ReplyTo,
		&attachments,
		&settings,
		&j.RecipientCount,
		&progress,
		&j.SentAt,
		&j.Version,
		&j.CreatedAt,
		&j.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(attachments, &j.Attachments); err != nil {
		return nil, fmt.Errorf("decode attachments: %w", err)
	}
	if err := json.Unmarshal(settings, &j.Settings); err != nil {
		return nil, fmt.Errorf("decode settings: %w", err)
	}
	if err := json.Unmarshal(progress, &j.Progress); err != nil {
		return nil, fmt.Errorf("decode progress: %w", err)
	}
	return &j, nil
}
