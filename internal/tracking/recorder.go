package tracking

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/bulletin/internal/db"
	"github.com/lalithlochan/bulletin/internal/metrics"
	"github.com/lalithlochan/bulletin/internal/redis"
)

const (
	KindOpen  = "open"
	KindClick = "click"
)

// Limiter is the per-client rate limit the workers apply before recording.
type Limiter interface {
	Allow(ctx context.Context, key string) (*redis.RateLimitResult, error)
}

// Event is one pending open or click.
type Event struct {
	Kind        string
	Token       string
	URL         string
	Fingerprint string
	At          time.Time

	// ClientKey buckets the event for rate limiting, empty skips the check.
	ClientKey string
}

// EventStore persists tracking counters.
type EventStore interface {
	GetAnalyticsByToken(ctx context.Context, token string) (*db.AnalyticsRecord, error)
	RecordOpen(ctx context.Context, analyticsID uuid.UUID, fingerprint string, at time.Time) (bool, error)
	RecordClick(ctx context.Context, analyticsID uuid.UUID, url, fingerprint string, at time.Time) (bool, error)
}

type RecorderConfig struct {
	QueueSize   int
	Workers     int
	MaxAttempts int
	Backoff     time.Duration
	Timeout     time.Duration

	// LimitTimeout bounds one limiter call. A slower limiter lets the event through.
	LimitTimeout time.Duration
}

func DefaultRecorderConfig() RecorderConfig {
	return RecorderConfig{
		QueueSize:   1024,
		Workers:     4,
		MaxAttempts: 3,
		Backoff:     200 * time.Millisecond,
		Timeout:     5 * time.Second,

		LimitTimeout: 100 * time.Millisecond,
	}
}

type RecorderOption func(*Recorder)

// WithLimiter drops events from clients over the limit instead of recording
// them. The HTTP response has already been written by then.
func WithLimiter(l Limiter) RecorderOption {
	return func(r *Recorder) { r.limiter = l }
}

// Recorder applies tracking events off the request path through a bounded
// queue. A full queue drops the event; persistence is retried with backoff.
// Both outcomes are counted.
type Recorder struct {
	store   EventStore
	limiter Limiter
	cfg     RecorderConfig
	logger  *zap.Logger

	mu     sync.RWMutex
	closed bool
	queue  chan Event
	wg     sync.WaitGroup
}

func NewRecorder(store EventStore, cfg RecorderConfig, logger *zap.Logger, opts ...RecorderOption) *Recorder {
	def := DefaultRecorderConfig()
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.LimitTimeout <= 0 {
		cfg.LimitTimeout = def.LimitTimeout
	}
	r := &Recorder{
		store:  store,
		cfg:    cfg,
		logger: logger,
		queue:  make(chan Event, cfg.QueueSize),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Start launches the workers. They exit once Close has drained the queue.
func (r *Recorder) Start() {
	for i := 0; i < r.cfg.Workers; i++ {
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			for ev := range r.queue {
				r.apply(ev)
			}
		}()
	}
	r.logger.Info("tracking recorder started",
		zap.Int("workers", r.cfg.Workers),
		zap.Int("queue_size", r.cfg.QueueSize),
	)
}

// Enqueue hands ev to the workers without blocking. It reports false when the
// event was dropped.
func (r *Recorder) Enqueue(ev Event) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		metrics.RecordTrackingDropped(ev.Kind)
		return false
	}
	select {
	case r.queue <- ev:
		return true
	default:
		metrics.RecordTrackingDropped(ev.Kind)
		r.logger.Warn("tracking queue full, event dropped", zap.String("kind", ev.Kind))
		return false
	}
}

// Close stops accepting events and waits for queued ones to be applied.
func (r *Recorder) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	close(r.queue)
	r.mu.Unlock()
	r.wg.Wait()
}

func (r *Recorder) apply(ev Event) {
	if !r.allowed(ev) {
		return
	}

	var err error
	for attempt := 1; attempt <= r.cfg.MaxAttempts; attempt++ {
		if attempt > 1 && r.cfg.Backoff > 0 {
			time.Sleep(r.cfg.Backoff * time.Duration(1<<(attempt-2)))
		}
		var unique bool
		unique, err = r.record(ev)
		if err == nil {
			metrics.RecordTrackingEvent(ev.Kind, unique)
			return
		}
		if errors.Is(err, db.ErrNotFound) {
			r.logger.Debug("tracking event for unknown token", zap.String("kind", ev.Kind))
			return
		}
	}
	metrics.RecordTrackingFailure(ev.Kind)
	r.logger.Error("failed to record tracking event",
		zap.Error(err),
		zap.String("kind", ev.Kind),
		zap.Int("attempts", r.cfg.MaxAttempts),
	)
}

// allowed reports whether ev is within its client's limit. Limiter errors and
// timeouts fail open.
func (r *Recorder) allowed(ev Event) bool {
	if r.limiter == nil || ev.ClientKey == "" {
		return true
	}
	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.LimitTimeout)
	defer cancel()

	res, err := r.limiter.Allow(ctx, ev.ClientKey)
	if err != nil {
		r.logger.Warn("tracking rate limit check failed", zap.Error(err))
		return true
	}
	if !res.Allowed {
		metrics.RecordRateLimitRejection("tracking")
		return false
	}
	return true
}

func (r *Recorder) record(ev Event) (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.Timeout)
	defer cancel()

	rec, err := r.store.GetAnalyticsByToken(ctx, ev.Token)
	if err != nil {
		return false, err
	}
	switch ev.Kind {
	case KindClick:
		return r.store.RecordClick(ctx, rec.ID, ev.URL, ev.Fingerprint, ev.At)
	default:
		return r.store.RecordOpen(ctx, rec.ID, ev.Fingerprint, ev.At)
	}
}
