package middleware

import (
	"net/http"
	"strings"

	"github.com/sitegrid/botguard/internal/util"
)

const maxLoggedValueLen = 200

// redactedHeaders never reach the logs. apikey and x-client-info are sent by
// the browser client that calls the bot-detection endpoint.
var redactedHeaders = map[string]struct{}{
	"authorization":       {},
	"proxy-authorization": {},
	"cookie":              {},
	"set-cookie":          {},
	"apikey":              {},
	"x-api-key":           {},
	"x-client-info":       {},
	"x-forwarded-for":     {},
	"x-real-ip":           {},
}

// SanitizeHeaders returns header values safe for logging: credentials and
// client addresses are redacted, everything else is stripped of control
// characters and truncated.
func SanitizeHeaders(h http.Header) map[string][]string {
	if h == nil {
		return nil
	}
	out := make(map[string][]string, len(h))
	for k, vals := range h {
		if _, ok := redactedHeaders[strings.ToLower(k)]; ok {
			out[k] = []string{"<redacted>"}
			continue
		}
		clean := make([]string, 0, len(vals))
		for _, v := range vals {
			clean = append(clean, util.TruncateForLog(v, maxLoggedValueLen))
		}
		out[k] = clean
	}
	return out
}

// SanitizePath drops the query string and returns the cleaned path.
func SanitizePath(p string) string {
	if i := strings.Index(p, "?"); i != -1 {
		p = p[:i]
	}
	return util.TruncateForLog(p, maxLoggedValueLen)
}
