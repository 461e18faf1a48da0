package detection

// Weights are the score contributions of each heuristic signal.
type Weights struct {
	AutomationUserAgent   int `mapstructure:"automation_user_agent" json:"automation_user_agent"`
	MissingHeader         int `mapstructure:"missing_header" json:"missing_header"`
	ShortUserAgent        int `mapstructure:"short_user_agent" json:"short_user_agent"`
	HighRequestRate       int `mapstructure:"high_request_rate" json:"high_request_rate"`
	MissingAcceptLanguage int `mapstructure:"missing_accept_language" json:"missing_accept_language"`
}

// Policy holds every tunable of the classifier. Call sites never hardcode
// thresholds; they receive a Policy at construction time.
type Policy struct {
	UserAgentPatterns  []string `mapstructure:"user_agent_patterns" json:"user_agent_patterns"`
	ExpectedHeaders    []string `mapstructure:"expected_headers" json:"expected_headers"`
	MinUserAgentLength int      `mapstructure:"min_user_agent_length" json:"min_user_agent_length"`
	HighRequestRate    int      `mapstructure:"high_request_rate" json:"high_request_rate"`
	BotThreshold       int      `mapstructure:"bot_threshold" json:"bot_threshold"`
	BlockThreshold     int      `mapstructure:"block_threshold" json:"block_threshold"`
	Weights            Weights  `mapstructure:"weights" json:"weights"`
}

// DefaultPolicy returns the stock scoring rules.
func DefaultPolicy() Policy {
	return Policy{
		UserAgentPatterns: []string{
			"bot", "crawler", "spider", "scraper", "curl", "wget",
			"python", "java", "phantom", "selenium", "headless",
		},
		ExpectedHeaders:    []string{"accept", "accept-language", "accept-encoding"},
		MinUserAgentLength: 10,
		HighRequestRate:    50,
		BotThreshold:       50,
		BlockThreshold:     70,
		Weights: Weights{
			AutomationUserAgent:   30,
			MissingHeader:         15,
			ShortUserAgent:        25,
			HighRequestRate:       30,
			MissingAcceptLanguage: 20,
		},
	}
}

// IsBot reports whether score crosses the bot threshold.
func (p Policy) IsBot(score int) bool {
	return score >= p.BotThreshold
}

// ShouldBlock reports whether score crosses the block threshold.
func (p Policy) ShouldBlock(score int) bool {
	return score >= p.BlockThreshold
}
