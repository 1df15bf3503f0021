package db

import (
	"errors"
	"fmt"
	"reflect"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/lalithlochan/bulletin/internal/job"
)

func TestConfigDSN(t *testing.T) {
	tests := []struct {
		name     string
		cfg      Config
		expected string
	}{
		{
			name:     "without password",
			cfg:      Config{Host: "localhost", Port: 5432, User: "bulletin", Database: "bulletin", SSLMode: "disable"},
			expected: "host=localhost port=5432 user=bulletin dbname=bulletin sslmode=disable",
		},
		{
			name:     "with password",
			cfg:      Config{Host: "db", Port: 6432, User: "app", Password: "s3cret", Database: "news", SSLMode: "require"},
			expected: "host=db port=6432 user=app password=s3cret dbname=news sslmode=require",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.cfg.DSN(); got != tt.expected {
				t.Errorf("expected %q, got %q", tt.expected, got)
			}
		})
	}
}

func TestIsUniqueViolation(t *testing.T) {
	if !isUniqueViolation(fmt.Errorf("insert: %w", &pgconn.PgError{Code: "23505"})) {
		t.Error("wrapped 23505 should be a unique violation")
	}
	if isUniqueViolation(&pgconn.PgError{Code: "23503"}) {
		t.Error("foreign key violation is not a unique violation")
	}
	if isUniqueViolation(errors.New("connection reset")) {
		t.Error("plain error is not a unique violation")
	}
}

// fakeRow scans values positionally into the destinations.
type fakeRow struct {
	values []any
	err    error
}

func (r fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	if len(dest) != len(r.values) {
		return fmt.Errorf("scan: %d destinations for %d values", len(dest), len(r.values))
	}
	for i, v := range r.values {
		reflect.ValueOf(dest[i]).Elem().Set(reflect.ValueOf(v))
	}
	return nil
}

func TestEncodeScanJob(t *testing.T) {
	now := time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)
	original := &job.SendJob{
		ID:          uuid.New(),
		Status:      job.StatusRetrying,
		Subject:     "February",
		HTML:        "<p>hi</p>",
		FromAddress: "news@example.com",
		Settings:    job.Settings{AttemptTimeoutMS: 1000, MaxAttempts: 3, Concurrency: 5, RetryChunkSizes: []int{10, 5, 1}},
		Progress: job.Progress{
			TotalChunks:     2,
			TotalSent:       8,
			TotalFailed:     2,
			CompletedChunks: 2,
			FailedEmails:    []string{"a@x.com", "b@y.com"},
			RetryChunkSizes: []int{10, 5, 1},
		},
		RecipientCount: 10,
		Version:        4,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	attachments, settings, progress, err := encodeJob(original)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(attachments) != "[]" {
		t.Errorf("nil attachments should encode as [], got %s", attachments)
	}

	got, err := scanJob(fakeRow{values: []any{
		original.ID,
		original.Status,
		original.Subject,
		original.HTML,
		original.FromAddress,
		original.ReplyTo,
		attachments,
		settings,
		original.RecipientCount,
		progress,
		original.SentAt,
		original.Version,
		original.CreatedAt,
		original.UpdatedAt,
	}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if got.ID != original.ID || got.Status != job.StatusRetrying || got.Version != 4 {
		t.Errorf("unexpected job header %+v", got)
	}
	if !reflect.DeepEqual(got.Settings, original.Settings) {
		t.Errorf("settings = %+v", got.Settings)
	}
	if got.Progress.TotalSent != 8 || !reflect.DeepEqual(got.Progress.FailedEmails, original.Progress.FailedEmails) {
		t.Errorf("progress = %+v", got.Progress)
	}
}

func TestScanJob_Error(t *testing.T) {
	if _, err := scanJob(fakeRow{err: errors.New("no rows")}); err == nil {
		t.Error("expected scan error")
	}
}
