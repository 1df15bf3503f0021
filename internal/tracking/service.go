package tracking

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/bulletin/internal/db"
)

var (
	// ErrInvalidSignature is returned for a click whose signature does not
	// match its token and target.
	ErrInvalidSignature = errors.New("invalid tracking signature")
	// ErrAnalyticsNotFound is returned when a job has no analytics record.
	ErrAnalyticsNotFound = errors.New("analytics not found")
)

// Store is the full persistence surface the service needs.
type Store interface {
	EventStore
	CreateAnalytics(ctx context.Context, rec *db.AnalyticsRecord) (*db.AnalyticsRecord, error)
	GetAnalyticsByJob(ctx context.Context, jobID uuid.UUID) (*db.AnalyticsRecord, error)
	ListLinkClicks(ctx context.Context, analyticsID uuid.UUID) ([]*db.LinkClick, error)
}

type Config struct {
	BaseURL string
	// Secret keys both click signatures and fingerprints.
	Secret string
}

type Service struct {
	store    Store
	recorder *Recorder
	cfg      Config
	logger   *zap.Logger
	now      func() time.Time
}

func NewService(store Store, recorder *Recorder, cfg Config, logger *zap.Logger) *Service {
	return &Service{
		store:    store,
		recorder: recorder,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
	}
}

// Provision creates the job's analytics record, or reuses the existing one,
// and returns html instrumented with its pixel token.
func (s *Service) Provision(ctx context.Context, jobID uuid.UUID, recipientCount int, html string) (string, error) {
	token, err := NewToken()
	if err != nil {
		return "", err
	}
	rec, err := s.store.CreateAnalytics(ctx, &db.AnalyticsRecord{
		ID:              uuid.New(),
		JobID:           jobID,
		PixelToken:      token,
		TotalRecipients: recipientCount,
	})
	if err != nil {
		return "", fmt.Errorf("create analytics: %w", err)
	}

	out, err := Instrument(html, s.cfg.BaseURL, s.cfg.Secret, rec.PixelToken)
	if err != nil {
		return "", err
	}
	s.logger.Info("tracking provisioned",
		zap.String("job_id", jobID.String()),
		zap.String("analytics_id", rec.ID.String()),
	)
	return out, nil
}

// TrackOpen queues the open and returns the pixel. It never fails; unknown
// tokens are discarded by the recorder.
func (s *Service) TrackOpen(_ context.Context, token string, signals Signals) []byte {
	if token != "" {
		s.recorder.Enqueue(Event{
			Kind:        KindOpen,
			Token:       token,
			Fingerprint: Fingerprint(signals, s.cfg.Secret),
			At:          s.now(),
			ClientKey:   clientKey(signals),
		})
	}
	return Pixel()
}

func (s *Service) verifyClick(token, sig, target string) error {
	if !trackable(target) || !Verify(s.cfg.Secret, token, target, sig) {
		return ErrInvalidSignature
	}
	return nil
}

// TrackClick verifies the click, queues it and returns the redirect target.
func (s *Service) TrackClick(_ context.Context, token, sig, target string, signals Signals) (string, error) {
	if err := s.verifyClick(token, sig, target); err != nil {
		return "", err
	}
	s.recorder.Enqueue(Event{
		Kind:        KindClick,
		Token:       token,
		URL:         target,
		Fingerprint: Fingerprint(signals, s.cfg.Secret),
		At:          s.now(),
		ClientKey:   clientKey(signals),
	})
	return target, nil
}

func clientKey(s Signals) string {
	if s.IP == "" {
		return ""
	}
	return "track:" + s.IP
}

// Report is the analytics summary of one job.
type Report struct {
	JobID           uuid.UUID       `json:"job_id"`
	TotalRecipients int             `json:"total_recipients"`
	TotalOpens      int64           `json:"total_opens"`
	UniqueOpens     int64           `json:"unique_opens"`
	OpenRate        float64         `json:"open_rate"`
	TotalClicks     int64           `json:"total_clicks"`
	UniqueClicks    int64           `json:"unique_clicks"`
	Links           []*db.LinkClick `json:"links"`
	CreatedAt       time.Time       `json:"created_at"`
}

// GetAnalytics reports the counters of jobID. OpenRate is unique opens over
// recipients, in percent.
func (s *Service) GetAnalytics(ctx context.Context, jobID uuid.UUID) (*Report, error) {
	rec, err := s.store.GetAnalyticsByJob(ctx, jobID)
	if errors.Is(err, db.ErrNotFound) {
		return nil, fmt.Errorf("%w: job %s", ErrAnalyticsNotFound, jobID)
	}
	if err != nil {
		return nil, err
	}
	links, err := s.store.ListLinkClicks(ctx, rec.ID)
	if err != nil {
		return nil, err
	}

	r := &Report{
		JobID:           rec.JobID,
		TotalRecipients: rec.TotalRecipients,
		TotalOpens:      rec.TotalOpens,
		UniqueOpens:     rec.UniqueOpens,
		Links:           links,
		CreatedAt:       rec.CreatedAt,
	}
	if r.Links == nil {
		r.Links = []*db.LinkClick{}
	}
	for _, l := range links {
		r.TotalClicks += l.ClickCount
		r.UniqueClicks += l.UniqueClicks
	}
	if rec.TotalRecipients > 0 {
		rate := float64(rec.UniqueOpens) / float64(rec.TotalRecipients) * 100
		r.OpenRate = math.Round(rate*10) / 10
	}
	return r, nil
}
