package job

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SendJob is one newsletter's dispatch run.
type SendJob struct {
	ID             uuid.UUID    `json:"id"`
	Status         Status       `json:"status"`
	Subject        string       `json:"subject"`
	HTML           string       `json:"-"`
	FromAddress    string       `json:"from_address"`
	ReplyTo        string       `json:"reply_to,omitempty"`
	Attachments    []Attachment `json:"attachments,omitempty"`
	Settings       Settings     `json:"settings"`
	RecipientCount int          `json:"recipient_count"`
	Progress       Progress     `json:"progress"`
	SentAt         *time.Time   `json:"sent_at,omitempty"`
	CreatedAt      time.Time    `json:"created_at"`
	UpdatedAt      time.Time    `json:"updated_at"`

	// Version is the optimistic concurrency token. Every persisted update
	// increments it; an update whose expected version is stale is rejected.
	Version int `json:"version"`
}

var (
	// ErrNotFound is returned by stores when no job has the requested id.
	ErrNotFound = errors.New("send job not found")
	// ErrVersionConflict is returned when an update carries a stale Version.
	ErrVersionConflict = errors.New("send job was modified concurrently")
)

// Attachment is a file carried with every message of a job.
type Attachment struct {
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	Data        []byte `json:"data"`
}

// Settings are the caller-supplied dispatch parameters for a job.
type Settings struct {
	AttemptTimeoutMS int   `json:"attempt_timeout_ms"`
	MaxAttempts      int   `json:"max_attempts"`
	MaxBackoffMS     int   `json:"max_backoff_ms"`
	Concurrency      int   `json:"concurrency"`
	PacingMS         int   `json:"pacing_ms"`
	RetryChunkSizes  []int `json:"retry_chunk_sizes"`
}

// ErrInvalidSettings wraps every settings validation failure.
var ErrInvalidSettings = errors.New("invalid settings")

const (
	maxAttemptsLimit = 10
	concurrencyLimit = 50
)

// WithDefaults fills zero fields from defaults.
func (s Settings) WithDefaults(defaults Settings) Settings {
	if s.AttemptTimeoutMS == 0 {
		s.AttemptTimeoutMS = defaults.AttemptTimeoutMS
	}
	if s.MaxAttempts == 0 {
		s.MaxAttempts = defaults.MaxAttempts
	}
	if s.MaxBackoffMS == 0 {
		s.MaxBackoffMS = defaults.MaxBackoffMS
	}
	if s.Concurrency == 0 {
		s.Concurrency = defaults.Concurrency
	}
	if s.PacingMS == 0 {
		s.PacingMS = defaults.PacingMS
	}
	if len(s.RetryChunkSizes) == 0 {
		s.RetryChunkSizes = append([]int(nil), defaults.RetryChunkSizes...)
	}
	return s
}

// Validate checks caller-supplied settings. The retry schedule must be
// non-empty, positive and strictly decreasing.
func (s Settings) Validate() error {
	if s.AttemptTimeoutMS <= 0 {
		return fmt.Errorf("%w: attempt_timeout_ms must be > 0", ErrInvalidSettings)
	}
	if s.MaxAttempts < 1 || s.MaxAttempts > maxAttemptsLimit {
		return fmt.Errorf("%w: max_attempts must be between 1 and %d", ErrInvalidSettings, maxAttemptsLimit)
	}
	if s.MaxBackoffMS < 0 {
		return fmt.Errorf("%w: max_backoff_ms must be >= 0", ErrInvalidSettings)
	}
	if s.Concurrency < 1 || s.Concurrency > concurrencyLimit {
		return fmt.Errorf("%w: concurrency must be between 1 and %d", ErrInvalidSettings, concurrencyLimit)
	}
	if s.PacingMS < 0 {
		return fmt.Errorf("%w: pacing_ms must be >= 0", ErrInvalidSettings)
	}
	if len(s.RetryChunkSizes) == 0 {
		return fmt.Errorf("%w: retry_chunk_sizes must not be empty", ErrInvalidSettings)
	}
	for i, size := range s.RetryChunkSizes {
		if size < 1 {
			return fmt.Errorf("%w: retry_chunk_sizes[%d] must be >= 1", ErrInvalidSettings, i)
		}
		if i > 0 && size >= s.RetryChunkSizes[i-1] {
			return fmt.Errorf("%w: retry_chunk_sizes must be strictly decreasing", ErrInvalidSettings)
		}
	}
	return nil
}

func (s Settings) AttemptTimeout() time.Duration {
	return time.Duration(s.AttemptTimeoutMS) * time.Millisecond
}

func (s Settings) MaxBackoff() time.Duration {
	return time.Duration(s.MaxBackoffMS) * time.Millisecond
}

func (s Settings) Pacing() time.Duration {
	return time.Duration(s.PacingMS) * time.Millisecond
}
