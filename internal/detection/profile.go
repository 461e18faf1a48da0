package detection

import (
	"sort"
	"strings"

	"github.com/avct/uasurfer"

	"github.com/sitegrid/botguard/internal/models"
)

// Profile builds the behavioural snapshot persisted with a detection.
func Profile(userAgent string, headers map[string]string, fingerprint string, requestsInWindow *int) models.BehavioralData {
	names := make([]string, 0, len(headers))
	seen := make(map[string]struct{}, len(headers))
	for k := range headers {
		k = strings.ToLower(k)
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		names = append(names, k)
	}
	sort.Strings(names)

	data := models.BehavioralData{
		Headers:     names,
		Fingerprint: fingerprint,
	}
	if requestsInWindow != nil {
		n := *requestsInWindow
		data.RequestsInWindow = &n
	}

	if userAgent != "" {
		ua := uasurfer.Parse(userAgent)
		data.Browser = ua.Browser.Name.StringTrimPrefix()
		data.OS = ua.OS.Name.StringTrimPrefix()
		data.Device = ua.DeviceType.StringTrimPrefix()
	}

	return data
}
