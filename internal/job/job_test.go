package job

import (
	"errors"
	"testing"
)

func defaultSettings() Settings {
	return Settings{
		AttemptTimeoutMS: 60000,
		MaxAttempts:      3,
		MaxBackoffMS:     10000,
		Concurrency:      5,
		PacingMS:         100,
		RetryChunkSizes:  []int{10, 5, 1},
	}
}

func TestSettings_WithDefaults(t *testing.T) {
	s := Settings{Concurrency: 2}.WithDefaults(defaultSettings())

	if s.Concurrency != 2 {
		t.Errorf("expected caller concurrency 2, got %d", s.Concurrency)
	}
	if s.MaxAttempts != 3 || s.AttemptTimeoutMS != 60000 {
		t.Errorf("defaults not applied: %+v", s)
	}
	if err := s.Validate(); err != nil {
		t.Errorf("expected valid settings, got %v", err)
	}
}

func TestSettings_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Settings)
	}{
		{"zero timeout", func(s *Settings) { s.AttemptTimeoutMS = 0 }},
		{"too many attempts", func(s *Settings) { s.MaxAttempts = 11 }},
		{"zero attempts", func(s *Settings) { s.MaxAttempts = 0 }},
		{"negative backoff", func(s *Settings) { s.MaxBackoffMS = -1 }},
		{"concurrency too high", func(s *Settings) { s.Concurrency = 51 }},
		{"negative pacing", func(s *Settings) { s.PacingMS = -5 }},
		{"empty schedule", func(s *Settings) { s.RetryChunkSizes = nil }},
		{"non-decreasing schedule", func(s *Settings) { s.RetryChunkSizes = []int{10, 10, 1} }},
		{"increasing schedule", func(s *Settings) { s.RetryChunkSizes = []int{1, 5} }},
		{"zero batch", func(s *Settings) { s.RetryChunkSizes = []int{5, 0} }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := defaultSettings()
			tt.mutate(&s)
			if err := s.Validate(); !errors.Is(err, ErrInvalidSettings) {
				t.Errorf("expected ErrInvalidSettings, got %v", err)
			}
		})
	}
}
