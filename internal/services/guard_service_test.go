package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/sitegrid/botguard/internal/detection"
	"github.com/sitegrid/botguard/internal/models"
	"github.com/sitegrid/botguard/internal/ratelimit"
)

const browserUA = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

func browserHeaders() map[string]string {
	return map[string]string{
		"Accept":          "text/html",
		"Accept-Language": "en-US",
		"Accept-Encoding": "gzip",
	}
}

type recordingNotifier struct {
	mu     sync.Mutex
	alerts []Alert
}

func (n *recordingNotifier) Notify(a Alert) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.alerts = append(n.alerts, a)
}

type failingLog struct {
	DetectionLog
	appendErr error
	blockErr  error
	block     *models.BotDetectionLog
}

func (f *failingLog) Append(ctx context.Context, entry *models.BotDetectionLog) error {
	if f.appendErr != nil {
		return f.appendErr
	}
	return f.DetectionLog.Append(ctx, entry)
}

func (f *failingLog) ActiveBlock(ctx context.Context, ip string, now time.Time) (*models.BotDetectionLog, error) {
	if f.blockErr != nil {
		return nil, f.blockErr
	}
	if f.block != nil {
		return f.block, nil
	}
	return f.DetectionLog.ActiveBlock(ctx, ip, now)
}

type stubLimiter struct {
	calls int
	err   error
}

func (s *stubLimiter) Check(ctx context.Context, identifier, endpoint string) (*ratelimit.Result, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return &ratelimit.Result{Allowed: true, Remaining: 59}, nil
}

type guardFixture struct {
	db       *gorm.DB
	logs     *DetectionLogService
	notifier *recordingNotifier
	guard    *GuardService
	now      time.Time
}

func newGuardFixture(t *testing.T, rules ratelimit.Rules) *guardFixture {
	t.Helper()
	f := &guardFixture{
		db:       setupGuardTestDB(t),
		notifier: &recordingNotifier{},
		now:      time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	clock := func() time.Time { return f.now }
	f.logs = NewDetectionLogService(f.db)
	limiter := ratelimit.New(ratelimit.NewSQLStore(f.db), rules, &ratelimit.Options{Now: clock})
	f.guard = NewGuardService(f.logs, detection.New(detection.DefaultPolicy()), limiter, f.notifier, GuardOptions{
		BlockDuration: time.Hour,
		Now:           clock,
	})
	return f
}

func (f *guardFixture) logCount(t *testing.T) int64 {
	var n int64
	require.NoError(t, f.db.Model(&models.BotDetectionLog{}).Count(&n).Error)
	return n
}

func TestGuardService_HumanRequest(t *testing.T) {
	f := newGuardFixture(t, ratelimit.DefaultRules())

	v, err := f.guard.Evaluate(context.Background(), RequestDescriptor{
		IP:        "198.51.100.7",
		UserAgent: browserUA,
		Path:      "/pricing",
		Headers:   browserHeaders(),
	})
	require.NoError(t, err)

	assert.Equal(t, VerdictEvaluated, v.Kind)
	assert.False(t, v.Denied())
	assert.Equal(t, 0, v.Detection.Score)
	assert.Empty(t, v.Detection.Reasons)
	assert.Equal(t, 59, v.Remaining)
	assert.True(t, v.Reset.Equal(f.now.Add(time.Minute)))

	entries, err := f.logs.List(context.Background(), DetectionFilter{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "/pricing", entries[0].Path)
	assert.False(t, entries[0].IsBlocked)
	assert.Nil(t, entries[0].BlockExpiresAt)
	assert.Equal(t, "Chrome", entries[0].BehavioralData.Data().Browser)
	assert.Empty(t, f.notifier.alerts)
}

func TestGuardService_BlockThenShortCircuit(t *testing.T) {
	f := newGuardFixture(t, ratelimit.DefaultRules())
	ctx := context.Background()
	req := RequestDescriptor{IP: "203.0.113.50", UserAgent: "curl/8.0", Path: "/api"}

	v, err := f.guard.Evaluate(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, VerdictEvaluated, v.Kind)
	assert.Equal(t, 120, v.Detection.Score)
	assert.True(t, v.Detection.IsBot)
	assert.True(t, v.Detection.ShouldBlock)
	assert.True(t, v.Denied())

	entries, err := f.logs.List(ctx, DetectionFilter{IP: req.IP})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.True(t, entries[0].IsBlocked)
	require.NotNil(t, entries[0].BlockExpiresAt)
	assert.True(t, entries[0].BlockExpiresAt.Equal(f.now.Add(time.Hour)))
	assert.Equal(t, []string{
		"Suspicious user agent pattern: curl",
		"Missing headers: accept, accept-language, accept-encoding",
		"Missing or suspicious user agent",
		"Missing accept-language header",
	}, []string(entries[0].DetectionReasons))

	require.Len(t, f.notifier.alerts, 1)
	assert.Equal(t, AlertBotBlocked, f.notifier.alerts[0].Kind)

	// Inside the block window the IP is refused without scoring or logging,
	// even with a perfectly normal browser request.
	f.now = f.now.Add(10 * time.Minute)
	v, err = f.guard.Evaluate(ctx, RequestDescriptor{IP: req.IP, UserAgent: browserUA, Headers: browserHeaders()})
	require.NoError(t, err)
	assert.Equal(t, VerdictBlocked, v.Kind)
	assert.Equal(t, ReasonTemporarilyBlocked, v.Reason)
	require.NotNil(t, v.ExpiresAt)
	assert.True(t, v.ExpiresAt.Equal(entries[0].CreatedAt.Add(time.Hour)))
	assert.Equal(t, int64(1), f.logCount(t))

	state, err := ratelimit.NewSQLStore(f.db).Get(ctx, ratelimit.IPKey(req.IP))
	require.NoError(t, err)
	assert.Equal(t, 1, state.RequestCount, "limiter is not consulted while blocked")

	// After expiry the IP is evaluated again.
	f.now = f.now.Add(time.Hour)
	v, err = f.guard.Evaluate(ctx, RequestDescriptor{IP: req.IP, UserAgent: browserUA, Headers: browserHeaders()})
	require.NoError(t, err)
	assert.Equal(t, VerdictEvaluated, v.Kind)
	assert.False(t, v.Denied())
}

func TestGuardService_RateLimited(t *testing.T) {
	rules := ratelimit.DefaultRules()
	rules.MaxRequests = 2
	f := newGuardFixture(t, rules)
	ctx := context.Background()
	req := RequestDescriptor{IP: "192.0.2.77", UserAgent: browserUA, Path: "/search", Headers: browserHeaders()}

	for i := 0; i < 2; i++ {
		v, err := f.guard.Evaluate(ctx, req)
		require.NoError(t, err)
		assert.Equal(t, VerdictEvaluated, v.Kind)
		assert.Equal(t, 1-i, v.Remaining)
	}

	v, err := f.guard.Evaluate(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, VerdictRateLimited, v.Kind)
	assert.Equal(t, ReasonRateLimited, v.Reason)
	assert.Equal(t, 300, v.RetryAfter)
	assert.True(t, v.Denied())

	// Rate-limited requests are still logged.
	assert.Equal(t, int64(3), f.logCount(t))
	require.Len(t, f.notifier.alerts, 1)
	assert.Equal(t, AlertRateLimited, f.notifier.alerts[0].Kind)
	assert.Equal(t, 300, f.notifier.alerts[0].RetryAfter)
}

func TestGuardService_LogFailureDoesNotChangeVerdict(t *testing.T) {
	requests := []RequestDescriptor{
		{IP: "198.51.100.20", UserAgent: browserUA, Headers: browserHeaders()},
		{IP: "198.51.100.21", UserAgent: "python-requests/2.31"},
		{IP: "198.51.100.22", UserAgent: "Mozilla/5.0 short", Headers: map[string]string{"accept": "*/*"}},
	}

	for _, req := range requests {
		t.Run(req.IP, func(t *testing.T) {
			healthy := newGuardFixture(t, ratelimit.DefaultRules())
			broken := newGuardFixture(t, ratelimit.DefaultRules())
			broken.guard.logs = &failingLog{DetectionLog: broken.logs, appendErr: errors.New("disk full")}

			want, err := healthy.guard.Evaluate(context.Background(), req)
			require.NoError(t, err)
			got, err := broken.guard.Evaluate(context.Background(), req)
			require.NoError(t, err)

			assert.Equal(t, want, got, req.UserAgent)
			assert.Equal(t, 59, got.Remaining)
			assert.Equal(t, int64(1), healthy.logCount(t))
			assert.Equal(t, int64(0), broken.logCount(t))
		})
	}
}

func TestGuardService_IgnoresExpiredBlockRow(t *testing.T) {
	f := newGuardFixture(t, ratelimit.DefaultRules())
	expired := f.now.Add(-time.Second)
	f.guard.logs = &failingLog{
		DetectionLog: f.logs,
		block:        &models.BotDetectionLog{IPAddress: "198.51.100.40", IsBlocked: true, BlockExpiresAt: &expired},
	}

	v, err := f.guard.Evaluate(context.Background(), RequestDescriptor{
		IP:        "198.51.100.40",
		UserAgent: browserUA,
		Headers:   browserHeaders(),
	})
	require.NoError(t, err)
	assert.Equal(t, VerdictEvaluated, v.Kind)
	assert.False(t, v.Denied())
	assert.Equal(t, int64(1), f.logCount(t))
}

func TestGuardService_Errors(t *testing.T) {
	ctx := context.Background()

	t.Run("missing ip", func(t *testing.T) {
		f := newGuardFixture(t, ratelimit.DefaultRules())
		_, err := f.guard.Evaluate(ctx, RequestDescriptor{IP: "  "})
		assert.ErrorIs(t, err, ErrInvalidRequest)
	})

	t.Run("active block lookup fails", func(t *testing.T) {
		limiter := &stubLimiter{}
		guard := NewGuardService(
			&failingLog{blockErr: errors.New("db down")},
			detection.New(detection.DefaultPolicy()),
			limiter, nil, GuardOptions{},
		)
		_, err := guard.Evaluate(ctx, RequestDescriptor{IP: "192.0.2.1"})
		assert.Error(t, err)
		assert.Zero(t, limiter.calls)
	})

	t.Run("limiter fails", func(t *testing.T) {
		f := newGuardFixture(t, ratelimit.DefaultRules())
		guard := NewGuardService(f.logs, detection.New(detection.DefaultPolicy()),
			&stubLimiter{err: ratelimit.ErrStoreUnavailable}, nil, GuardOptions{})
		_, err := guard.Evaluate(ctx, RequestDescriptor{IP: "192.0.2.1", UserAgent: browserUA, Headers: browserHeaders()})
		assert.ErrorIs(t, err, ratelimit.ErrStoreUnavailable)
	})
}
