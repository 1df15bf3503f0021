package db

import (
	"time"

	"github.com/google/uuid"
)

// AnalyticsRecord holds the per-job tracking counters.
type AnalyticsRecord struct {
	ID              uuid.UUID `json:"id"`
	JobID           uuid.UUID `json:"job_id"`
	PixelToken      string    `json:"-"`
	TotalRecipients int       `json:"total_recipients"`
	TotalOpens      int64     `json:"total_opens"`
	UniqueOpens     int64     `json:"unique_opens"`
	CreatedAt       time.Time `json:"created_at"`
}

// LinkClick holds the counters of one tracked URL.
type LinkClick struct {
	ID           uuid.UUID `json:"id"`
	AnalyticsID  uuid.UUID `json:"analytics_id"`
	URL          string    `json:"url"`
	ClickCount   int64     `json:"click_count"`
	UniqueClicks int64     `json:"unique_clicks"`
	FirstClick   time.Time `json:"first_click"`
	LastClick    time.Time `json:"last_click"`
}

// Settings keys in app_settings.
const (
	SettingRecipientSalt = "recipient_hash_salt"
)
