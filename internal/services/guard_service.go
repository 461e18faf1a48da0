package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/datatypes"

	"github.com/sitegrid/botguard/internal/detection"
	"github.com/sitegrid/botguard/internal/logger"
	"github.com/sitegrid/botguard/internal/metrics"
	"github.com/sitegrid/botguard/internal/models"
	"github.com/sitegrid/botguard/internal/ratelimit"
	"github.com/sitegrid/botguard/internal/util"
)

var ErrInvalidRequest = errors.New("invalid request")

// Reasons reported to callers for non-evaluated verdicts.
const (
	ReasonTemporarilyBlocked = "IP temporarily blocked"
	ReasonRateLimited        = "Rate limit exceeded"
)

// DetectionLog is the persistence GuardService needs from the detection log.
type DetectionLog interface {
	Append(ctx context.Context, entry *models.BotDetectionLog) error
	ActiveBlock(ctx context.Context, ip string, now time.Time) (*models.BotDetectionLog, error)
}

// RateLimiter counts requests per client.
type RateLimiter interface {
	Check(ctx context.Context, identifier, endpoint string) (*ratelimit.Result, error)
}

// Notifier receives alerts for blocks and violations.
type Notifier interface {
	Notify(a Alert)
}

// RequestDescriptor is the metadata of the request being judged.
type RequestDescriptor struct {
	IP               string
	UserAgent        string
	Path             string
	Headers          map[string]string
	Fingerprint      string
	RequestsInWindow *int
}

type VerdictKind string

const (
	VerdictBlocked     VerdictKind = "blocked"
	VerdictRateLimited VerdictKind = "rate_limited"
	VerdictEvaluated   VerdictKind = "evaluated"
)

// Verdict is the outcome of one evaluation. Which fields are set depends on Kind.
type Verdict struct {
	Kind VerdictKind

	// VerdictBlocked and VerdictRateLimited
	Reason     string
	ExpiresAt  *time.Time
	RetryAfter int

	// VerdictEvaluated
	Detection detection.Result
	Remaining int
	Reset     time.Time
}

// Denied reports whether the caller should refuse the request.
func (v *Verdict) Denied() bool {
	switch v.Kind {
	case VerdictBlocked, VerdictRateLimited:
		return true
	default:
		return v.Detection.ShouldBlock
	}
}

// GuardOptions tune a GuardService.
type GuardOptions struct {
	// BlockDuration is how long a classifier block lasts.
	BlockDuration time.Duration
	Now           func() time.Time
}

// GuardService combines the active-block check, the classifier, the detection
// log and the rate limiter into a single decision.
type GuardService struct {
	logs          DetectionLog
	classifier    *detection.Classifier
	limiter       RateLimiter
	notifier      Notifier
	blockDuration time.Duration
	now           func() time.Time
}

// NewGuardService wires the decision pipeline. notifier may be nil.
func NewGuardService(logs DetectionLog, classifier *detection.Classifier, limiter RateLimiter, notifier Notifier, opts GuardOptions) *GuardService {
	if opts.BlockDuration <= 0 {
		opts.BlockDuration = time.Hour
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &GuardService{
		logs:          logs,
		classifier:    classifier,
		limiter:       limiter,
		notifier:      notifier,
		blockDuration: opts.BlockDuration,
		now:           opts.Now,
	}
}

// Evaluate decides whether the described request comes from a bot and whether
// it should be refused.
func (s *GuardService) Evaluate(ctx context.Context, req RequestDescriptor) (*Verdict, error) {
	req.IP = strings.TrimSpace(req.IP)
	if req.IP == "" {
		return nil, fmt.Errorf("%w: ip is required", ErrInvalidRequest)
	}
	now := s.now().UTC()
	log := logger.WithFields(logrus.Fields{
		"source": "guard",
		"ip":     util.SanitizeForLog(req.IP),
		"path":   util.SanitizeForLog(req.Path),
	})

	active, err := s.logs.ActiveBlock(ctx, req.IP, now)
	if err != nil {
		return nil, err
	}
	if active != nil && active.BlockActive(now) {
		metrics.IncEvaluation("block_active")
		log.Debug("request from blocked ip")
		return &Verdict{
			Kind:      VerdictBlocked,
			Reason:    ReasonTemporarilyBlocked,
			ExpiresAt: active.BlockExpiresAt,
		}, nil
	}

	result := s.classifier.Classify(detection.Input{
		UserAgent:        req.UserAgent,
		Headers:          req.Headers,
		RequestsInWindow: req.RequestsInWindow,
	})
	metrics.ObserveBotScore(result.Score)

	entry := &models.BotDetectionLog{
		IPAddress:        req.IP,
		UserAgent:        req.UserAgent,
		Path:             req.Path,
		BotScore:         result.Score,
		DetectionReasons: datatypes.JSONSlice[string](result.Reasons),
		IsBot:            result.IsBot,
		IsBlocked:        result.ShouldBlock,
		BehavioralData: datatypes.NewJSONType(
			detection.Profile(req.UserAgent, req.Headers, req.Fingerprint, req.RequestsInWindow),
		),
		CreatedAt: now,
	}
	if result.ShouldBlock {
		expires := now.Add(s.blockDuration)
		entry.BlockExpiresAt = &expires
	}
	if err := s.logs.Append(ctx, entry); err != nil {
		metrics.IncDetectionLogFailure()
		log.WithError(err).Error("failed to write detection log")
	}

	if result.ShouldBlock {
		log.WithFields(logrus.Fields{"score": result.Score}).Warn("bot blocked")
		s.notify(Alert{
			Kind:      AlertBotBlocked,
			IP:        req.IP,
			Path:      req.Path,
			Score:     result.Score,
			Reasons:   result.Reasons,
			ExpiresAt: *entry.BlockExpiresAt,
		})
	}

	limit, err := s.limiter.Check(ctx, req.IP, req.Path)
	if err != nil {
		return nil, err
	}
	if !limit.Allowed {
		metrics.IncEvaluation("rate_limited")
		s.notify(Alert{
			Kind:       AlertRateLimited,
			IP:         req.IP,
			Path:       req.Path,
			RetryAfter: limit.RetryAfter,
		})
		return &Verdict{
			Kind:       VerdictRateLimited,
			Reason:     ReasonRateLimited,
			RetryAfter: limit.RetryAfter,
		}, nil
	}

	switch {
	case result.ShouldBlock:
		metrics.IncEvaluation("bot_blocked")
	case result.IsBot:
		metrics.IncEvaluation("bot")
	default:
		metrics.IncEvaluation("human")
	}

	return &Verdict{
		Kind:      VerdictEvaluated,
		Detection: result,
		Remaining: limit.Remaining,
		Reset:     limit.Reset,
	}, nil
}

func (s *GuardService) notify(a Alert) {
	if s.notifier != nil {
		s.notifier.Notify(a)
	}
}
