package tracking

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lalithlochan/bulletin/internal/db"
	"github.com/lalithlochan/bulletin/internal/redis"
)

const testSecret = "tracking-secret"

type memAnalytics struct {
	mu       sync.Mutex
	byJob    map[uuid.UUID]*db.AnalyticsRecord
	byToken  map[string]*db.AnalyticsRecord
	openFps  map[uuid.UUID]map[string]int
	links    map[uuid.UUID]map[string]*db.LinkClick
	linkFps  map[string]map[string]int
	failures int
}

func newMemAnalytics() *memAnalytics {
	return &memAnalytics{
		byJob:   make(map[uuid.UUID]*db.AnalyticsRecord),
		byToken: make(map[string]*db.AnalyticsRecord),
		openFps: make(map[uuid.UUID]map[string]int),
		links:   make(map[uuid.UUID]map[string]*db.LinkClick),
		linkFps: make(map[string]map[string]int),
	}
}

func (m *memAnalytics) CreateAnalytics(_ context.Context, rec *db.AnalyticsRecord) (*db.AnalyticsRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.byJob[rec.JobID]; ok {
		c := *existing
		return &c, nil
	}
	c := *rec
	c.CreatedAt = time.Now()
	m.byJob[rec.JobID] = &c
	m.byToken[rec.PixelToken] = &c
	out := c
	return &out, nil
}

func (m *memAnalytics) GetAnalyticsByJob(_ context.Context, jobID uuid.UUID) (*db.AnalyticsRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.byJob[jobID]
	if !ok {
		return nil, db.ErrNotFound
	}
	c := *rec
	return &c, nil
}

func (m *memAnalytics) GetAnalyticsByToken(_ context.Context, token string) (*db.AnalyticsRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.byToken[token]
	if !ok {
		return nil, db.ErrNotFound
	}
	c := *rec
	return &c, nil
}

func (m *memAnalytics) RecordOpen(_ context.Context, analyticsID uuid.UUID, fp string, _ time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failures > 0 {
		m.failures--
		return false, errors.New("connection reset by peer")
	}
	var rec *db.AnalyticsRecord
	for _, r := range m.byJob {
		if r.ID == analyticsID {
			rec = r
		}
	}
	if rec == nil {
		return false, db.ErrNotFound
	}
	if m.openFps[analyticsID] == nil {
		m.openFps[analyticsID] = make(map[string]int)
	}
	m.openFps[analyticsID][fp]++
	unique := m.openFps[analyticsID][fp] == 1
	rec.TotalOpens++
	if unique {
		rec.UniqueOpens++
	}
	return unique, nil
}

func (m *memAnalytics) RecordClick(_ context.Context, analyticsID uuid.UUID, target, fp string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.links[analyticsID] == nil {
		m.links[analyticsID] = make(map[string]*db.LinkClick)
	}
	link, ok := m.links[analyticsID][target]
	if !ok {
		link = &db.LinkClick{ID: uuid.New(), AnalyticsID: analyticsID, URL: target, FirstClick: at}
		m.links[analyticsID][target] = link
	}
	key := link.ID.String()
	if m.linkFps[key] == nil {
		m.linkFps[key] = make(map[string]int)
	}
	m.linkFps[key][fp]++
	unique := m.linkFps[key][fp] == 1
	link.ClickCount++
	if unique {
		link.UniqueClicks++
	}
	link.LastClick = at
	return unique, nil
}

func (m *memAnalytics) ListLinkClicks(_ context.Context, analyticsID uuid.UUID) ([]*db.LinkClick, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*db.LinkClick
	for _, l := range m.links[analyticsID] {
		c := *l
		out = append(out, &c)
	}
	return out, nil
}

func newTestService(t *testing.T, store *memAnalytics, opts ...RecorderOption) (*Service, *Recorder) {
	t.Helper()
	cfg := RecorderConfig{QueueSize: 64, Workers: 2, MaxAttempts: 3, LimitTimeout: 20 * time.Millisecond}
	rec := NewRecorder(store, cfg, zap.NewNop(), opts...)
	rec.Start()
	svc := NewService(store, rec, Config{BaseURL: "https://t.example.org/", Secret: testSecret}, zap.NewNop())
	return svc, rec
}

func TestCoarsenIP(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"203.0.113.77", "203.0.113.0/24"},
		{"::ffff:203.0.113.77", "203.0.113.0/24"},
		{"2001:db8:abcd:12::1", "2001:db8:abcd::/48"},
		{"not-an-ip", ""},
		{"", ""},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, CoarsenIP(tt.in))
		})
	}
}

func TestFingerprint(t *testing.T) {
	base := Signals{
		IP:             "198.51.100.23",
		UserAgent:      "Mozilla/5.0 (Macintosh)",
		AcceptLanguage: "de-DE,de;q=0.9",
		AcceptEncoding: "gzip, br",
	}
	fp := Fingerprint(base, testSecret)
	assert.Len(t, fp, 64)
	assert.Equal(t, fp, Fingerprint(base, testSecret), "stable across requests")

	sameNet := base
	sameNet.IP = "198.51.100.200"
	assert.Equal(t, fp, Fingerprint(sameNet, testSecret), "one /24 coalesces")

	otherNet := base
	otherNet.IP = "198.51.101.23"
	assert.NotEqual(t, fp, Fingerprint(otherNet, testSecret))

	otherUA := base
	otherUA.UserAgent = "Outlook"
	assert.NotEqual(t, fp, Fingerprint(otherUA, testSecret))

	assert.NotEqual(t, fp, Fingerprint(base, "other-key"))
	assert.NotContains(t, fp, "198.51")
}

func TestSignalsFromRequest(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/t/o/x", nil)
	r.RemoteAddr = "192.0.2.9:53211"
	r.Header.Set("User-Agent", "Thunderbird")
	r.Header.Set("Accept-Language", "en")
	r.Header.Set("Accept-Encoding", "gzip")

	s := SignalsFromRequest(r)
	assert.Equal(t, Signals{IP: "192.0.2.9", UserAgent: "Thunderbird", AcceptLanguage: "en", AcceptEncoding: "gzip"}, s)
}

func TestInstrument(t *testing.T) {
	html := `<html><body>
<p><a href="https://example.org/events?id=1&amp;x=2">Events</a></p>
<p><a href="mailto:board@example.org">Mail us</a> <a href="#top">Top</a> <a href="/relative">Rel</a></p>
</body></html>`

	out, err := Instrument(html, "https://t.example.org", testSecret, "tok123")
	require.NoError(t, err)

	target := "https://example.org/events?id=1&x=2"
	sig := Sign(testSecret, "tok123", target)
	assert.Contains(t, out, "https://t.example.org/t/c/tok123/"+sig+"?u="+url.QueryEscape(target))
	assert.Contains(t, out, `href="mailto:board@example.org"`)
	assert.Contains(t, out, `href="#top"`)
	assert.Contains(t, out, `href="/relative"`)
	assert.Contains(t, out, `src="https://t.example.org/t/o/tok123"`)
	assert.Equal(t, 1, strings.Count(out, "/t/o/tok123"))
}

func TestInstrument_Fragment(t *testing.T) {
	out, err := Instrument(`<p>Hello <a href="http://example.org">site</a></p>`, "https://t.example.org", testSecret, "tok")
	require.NoError(t, err)
	assert.Contains(t, out, "/t/c/tok/")
	assert.Contains(t, out, "/t/o/tok")
}

func TestSignVerify(t *testing.T) {
	sig := Sign(testSecret, "tok", "https://example.org")
	assert.Len(t, sig, 32)
	assert.True(t, Verify(testSecret, "tok", "https://example.org", sig))
	assert.False(t, Verify(testSecret, "tok", "https://evil.example", sig))
	assert.False(t, Verify(testSecret, "other", "https://example.org", sig))
	assert.False(t, Verify("wrong", "tok", "https://example.org", sig))
}

func TestService_UniqueOpens(t *testing.T) {
	ctx := context.Background()
	store := newMemAnalytics()
	svc, rec := newTestService(t, store)

	jobID := uuid.New()
	_, err := svc.Provision(ctx, jobID, 10, "<p>hi</p>")
	require.NoError(t, err)
	token := store.byJob[jobID].PixelToken

	f1 := Signals{IP: "203.0.113.5", UserAgent: "Apple Mail"}
	f2 := Signals{IP: "198.51.100.5", UserAgent: "Gmail"}
	assert.Equal(t, pixel, svc.TrackOpen(ctx, token, f1))
	svc.TrackOpen(ctx, token, f1)
	svc.TrackOpen(ctx, token, f2)
	rec.Close()

	report, err := svc.GetAnalytics(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, int64(3), report.TotalOpens)
	assert.Equal(t, int64(2), report.UniqueOpens)
	assert.Equal(t, 20.0, report.OpenRate)
	assert.NotNil(t, report.Links)
}

func TestService_ProvisionIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := newMemAnalytics()
	svc, rec := newTestService(t, store)
	defer rec.Close()

	jobID := uuid.New()
	first, err := svc.Provision(ctx, jobID, 3, `<a href="https://example.org">x</a>`)
	require.NoError(t, err)
	second, err := svc.Provision(ctx, jobID, 3, `<a href="https://example.org">x</a>`)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Len(t, store.byToken, 1)
}

func TestService_Clicks(t *testing.T) {
	ctx := context.Background()
	store := newMemAnalytics()
	svc, rec := newTestService(t, store)

	jobID := uuid.New()
	_, err := svc.Provision(ctx, jobID, 5, "<p>hi</p>")
	require.NoError(t, err)
	token := store.byJob[jobID].PixelToken

	target := "https://example.org/agenda"
	sig := Sign(testSecret, token, target)
	f1 := Signals{IP: "203.0.113.5", UserAgent: "Apple Mail"}

	got, err := svc.TrackClick(ctx, token, sig, target, f1)
	require.NoError(t, err)
	assert.Equal(t, target, got)
	_, err = svc.TrackClick(ctx, token, sig, target, f1)
	require.NoError(t, err)

	_, err = svc.TrackClick(ctx, token, sig, "https://evil.example", f1)
	assert.ErrorIs(t, err, ErrInvalidSignature)
	_, err = svc.TrackClick(ctx, token, Sign(testSecret, token, "javascript:alert(1)"), "javascript:alert(1)", f1)
	assert.ErrorIs(t, err, ErrInvalidSignature)
	rec.Close()

	report, err := svc.GetAnalytics(ctx, jobID)
	require.NoError(t, err)
	require.Len(t, report.Links, 1)
	assert.Equal(t, int64(2), report.Links[0].ClickCount)
	assert.Equal(t, int64(1), report.Links[0].UniqueClicks)
	assert.Equal(t, int64(2), report.TotalClicks)

	_, err = svc.GetAnalytics(ctx, uuid.New())
	assert.ErrorIs(t, err, ErrAnalyticsNotFound)
}

func TestRecorder_DropsWhenFull(t *testing.T) {
	store := newMemAnalytics()
	rec := NewRecorder(store, RecorderConfig{QueueSize: 1, Workers: 1, MaxAttempts: 1}, zap.NewNop())

	assert.True(t, rec.Enqueue(Event{Kind: KindOpen, Token: "a"}))
	assert.False(t, rec.Enqueue(Event{Kind: KindOpen, Token: "b"}))

	rec.Start()
	rec.Close()
	assert.False(t, rec.Enqueue(Event{Kind: KindOpen, Token: "c"}), "closed recorder drops")
}

func TestRecorder_RetriesTransientFailures(t *testing.T) {
	ctx := context.Background()
	store := newMemAnalytics()
	store.failures = 2
	svc, rec := newTestService(t, store)

	jobID := uuid.New()
	_, err := svc.Provision(ctx, jobID, 1, "<p>hi</p>")
	require.NoError(t, err)
	svc.TrackOpen(ctx, store.byJob[jobID].PixelToken, Signals{IP: "203.0.113.5"})
	rec.Close()

	report, err := svc.GetAnalytics(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), report.TotalOpens)
}

type stubLimiter struct {
	allow bool
	delay time.Duration
	keys  chan string
}

func (s stubLimiter) Allow(ctx context.Context, key string) (*redis.RateLimitResult, error) {
	if s.keys != nil {
		s.keys <- key
	}
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return &redis.RateLimitResult{Allowed: s.allow}, nil
}

func newTestRouter(svc *Service) http.Handler {
	r := chi.NewRouter()
	NewHandler(svc, zap.NewNop()).Register(r)
	return r
}

func TestHandler_OpenUnknownTokenStillServesPixel(t *testing.T) {
	store := newMemAnalytics()
	svc, rec := newTestService(t, store)
	defer rec.Close()

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/t/o/does-not-exist", nil)
	req.RemoteAddr = "203.0.113.5:4000"
	newTestRouter(svc).ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "image/gif", w.Header().Get("Content-Type"))
	assert.Contains(t, w.Header().Get("Cache-Control"), "no-store")
	assert.Equal(t, pixel, w.Body.Bytes())
}

func TestHandler_Click(t *testing.T) {
	ctx := context.Background()
	store := newMemAnalytics()
	svc, rec := newTestService(t, store)
	jobID := uuid.New()
	_, err := svc.Provision(ctx, jobID, 1, "<p>hi</p>")
	require.NoError(t, err)
	token := store.byJob[jobID].PixelToken
	router := newTestRouter(svc)

	target := "https://example.org/a?b=c"
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, ClickURL("", token, Sign(testSecret, token, target), target), nil)
	req.RemoteAddr = "203.0.113.5:4000"
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusFound, w.Code)
	assert.Equal(t, target, w.Header().Get("Location"))

	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, ClickURL("", token, "deadbeef", "https://evil.example"), nil)
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Empty(t, w.Header().Get("Location"))

	rec.Close()
	report, err := svc.GetAnalytics(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), report.TotalClicks)
}

func TestHandler_RateLimitedHitsAreServedNotRecorded(t *testing.T) {
	ctx := context.Background()
	store := newMemAnalytics()
	keys := make(chan string, 2)
	svc, rec := newTestService(t, store, WithLimiter(stubLimiter{allow: false, keys: keys}))
	jobID := uuid.New()
	_, err := svc.Provision(ctx, jobID, 1, "<p>hi</p>")
	require.NoError(t, err)
	token := store.byJob[jobID].PixelToken
	router := newTestRouter(svc)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/t/o/"+token, nil)
	req.RemoteAddr = "203.0.113.5:4000"
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, pixel, w.Body.Bytes())

	target := "https://example.org"
	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, ClickURL("", token, Sign(testSecret, token, target), target), nil)
	req.RemoteAddr = "203.0.113.5:4000"
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusFound, w.Code)

	rec.Close()
	report, err := svc.GetAnalytics(ctx, jobID)
	require.NoError(t, err)
	assert.Zero(t, report.TotalOpens)
	assert.Zero(t, report.TotalClicks)
	assert.Equal(t, "track:203.0.113.5", <-keys)
	assert.Equal(t, "track:203.0.113.5", <-keys)
}

func TestHandler_SlowLimiterDoesNotDelayResponses(t *testing.T) {
	ctx := context.Background()
	store := newMemAnalytics()
	svc, rec := newTestService(t, store, WithLimiter(stubLimiter{allow: true, delay: 2 * time.Second}))
	jobID := uuid.New()
	_, err := svc.Provision(ctx, jobID, 1, "<p>hi</p>")
	require.NoError(t, err)
	token := store.byJob[jobID].PixelToken
	router := newTestRouter(svc)

	start := time.Now()
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/t/o/"+token, nil)
	req.RemoteAddr = "203.0.113.5:4000"
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, pixel, w.Body.Bytes())

	target := "https://example.org"
	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, ClickURL("", token, Sign(testSecret, token, target), target), nil)
	req.RemoteAddr = "203.0.113.5:4000"
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusFound, w.Code)
	assert.Less(t, time.Since(start), 500*time.Millisecond)

	// the limiter times out after LimitTimeout, so both hits fail open
	rec.Close()
	report, err := svc.GetAnalytics(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), report.TotalOpens)
	assert.Equal(t, int64(1), report.TotalClicks)
}
