// Package detection scores request metadata for automation signals using a
// small set of explainable, additive heuristics.
package detection

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

const acceptLanguage = "accept-language"

// Input is the request metadata the classifier looks at.
type Input struct {
	UserAgent        string
	Headers          map[string]string
	RequestsInWindow *int
}

// Result is the outcome of scoring a single request.
type Result struct {
	Score       int      `json:"score"`
	Reasons     []string `json:"reasons"`
	IsBot       bool     `json:"isBot"`
	ShouldBlock bool     `json:"shouldBlock"`
}

// Classifier applies a Policy to request metadata. It holds no mutable state
// and is safe for concurrent use.
type Classifier struct {
	policy   Policy
	patterns []string
}

// New returns a Classifier for the given policy.
func New(policy Policy) *Classifier {
	patterns := make([]string, 0, len(policy.UserAgentPatterns))
	for _, p := range policy.UserAgentPatterns {
		if p = strings.ToLower(strings.TrimSpace(p)); p != "" {
			patterns = append(patterns, p)
		}
	}
	return &Classifier{policy: policy, patterns: patterns}
}

// Policy returns the policy the classifier was built with.
func (c *Classifier) Policy() Policy {
	return c.policy
}

// Classify scores in. It never fails: absent fields count as suspicious.
func (c *Classifier) Classify(in Input) Result {
	w := c.policy.Weights
	headers := lowerKeys(in.Headers)
	ua := strings.ToLower(in.UserAgent)

	score := 0
	reasons := []string{}

	for _, p := range c.patterns {
		if strings.Contains(ua, p) {
			score += w.AutomationUserAgent
			reasons = append(reasons, fmt.Sprintf("Suspicious user agent pattern: %s", p))
			break
		}
	}

	var missing []string
	for _, h := range c.policy.ExpectedHeaders {
		if _, ok := headers[strings.ToLower(h)]; !ok {
			missing = append(missing, strings.ToLower(h))
		}
	}
	if len(missing) > 0 {
		score += w.MissingHeader * len(missing)
		reasons = append(reasons, fmt.Sprintf("Missing headers: %s", strings.Join(missing, ", ")))
	}

	if utf8.RuneCountInString(in.UserAgent) < c.policy.MinUserAgentLength {
		score += w.ShortUserAgent
		reasons = append(reasons, "Missing or suspicious user agent")
	}

	if in.RequestsInWindow != nil && *in.RequestsInWindow > c.policy.HighRequestRate {
		score += w.HighRequestRate
		reasons = append(reasons, fmt.Sprintf("High request rate: %d requests", *in.RequestsInWindow))
	}

	if _, ok := headers[acceptLanguage]; !ok {
		score += w.MissingAcceptLanguage
		reasons = append(reasons, "Missing accept-language header")
	}

	return Result{
		Score:       score,
		Reasons:     reasons,
		IsBot:       c.policy.IsBot(score),
		ShouldBlock: c.policy.ShouldBlock(score),
	}
}

func lowerKeys(h map[string]string) map[string]string {
	out := make(map[string]string, len(h))
	for k, v := range h {
		out[strings.ToLower(k)] = v
	}
	return out
}
