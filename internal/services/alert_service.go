package services

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/containrrr/shoutrrr"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/sitegrid/botguard/internal/logger"
	"github.com/sitegrid/botguard/internal/metrics"
	"github.com/sitegrid/botguard/internal/util"
)

type AlertKind string

const (
	AlertBotBlocked  AlertKind = "bot_blocked"
	AlertRateLimited AlertKind = "rate_limited"
)

// Alert describes one event worth telling an operator about.
type Alert struct {
	Kind       AlertKind
	IP         string
	Path       string
	Score      int
	Reasons    []string
	RetryAfter int
	ExpiresAt  time.Time
}

// Message renders the alert as a short chat-friendly text.
func (a Alert) Message() string {
	var b strings.Builder
	switch a.Kind {
	case AlertBotBlocked:
		fmt.Fprintf(&b, "Bot blocked: %s (score %d)", a.IP, a.Score)
		if !a.ExpiresAt.IsZero() {
			fmt.Fprintf(&b, " until %s", a.ExpiresAt.UTC().Format(time.RFC3339))
		}
	case AlertRateLimited:
		fmt.Fprintf(&b, "Rate limit exceeded: %s, retry after %ds", a.IP, a.RetryAfter)
	default:
		fmt.Fprintf(&b, "%s: %s", a.Kind, a.IP)
	}
	if a.Path != "" {
		fmt.Fprintf(&b, "\n\nPath: %s", a.Path)
	}
	if len(a.Reasons) > 0 {
		fmt.Fprintf(&b, "\nReasons: %s", strings.Join(a.Reasons, "; "))
	}
	return b.String()
}

// AlertService delivers alerts through shoutrrr off the request path. A token
// bucket caps the rate so an attack does not flood the channel.
type AlertService struct {
	url     string
	limiter *rate.Limiter
	send    func(url, message string) error
	wg      sync.WaitGroup
}

// NewAlertService returns an AlertService. An empty url disables delivery.
func NewAlertService(url string, perMinute int) *AlertService {
	if perMinute <= 0 {
		perMinute = 1
	}
	return &AlertService{
		url:     url,
		limiter: rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), perMinute),
		send:    shoutrrr.Send,
	}
}

// Enabled reports whether a destination is configured.
func (s *AlertService) Enabled() bool {
	return s != nil && s.url != ""
}

// Notify queues a for delivery and returns immediately.
func (s *AlertService) Notify(a Alert) {
	if !s.Enabled() {
		return
	}
	if !s.limiter.Allow() {
		metrics.IncAlert("dropped")
		return
	}

	msg := a.Message()
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.send(s.url, msg); err != nil {
			metrics.IncAlert("failed")
			logger.WithFields(logrus.Fields{
				"kind": a.Kind,
				"ip":   util.SanitizeForLog(a.IP),
			}).WithError(err).Warn("failed to send alert")
			return
		}
		metrics.IncAlert("sent")
	}()
}

// Wait blocks until queued alerts have been attempted.
func (s *AlertService) Wait() {
	if s == nil {
		return
	}
	s.wg.Wait()
}
