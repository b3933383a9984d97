package classifier

import "strings"

var crawlerSignatures = []string{
	"googlebot",
	"bingbot",
	"slurp",
	"duckduckbot",
	"baiduspider",
	"yandexbot",
	"facebookexternalhit",
	"ahrefsbot",
	"semrushbot",
	"crawler",
	"spider",
}

// IsBot reports whether the user agent matches a known crawler signature.
func IsBot(userAgent string) bool {
	ua := strings.ToLower(userAgent)
	for _, signature := range crawlerSignatures {
		if strings.Contains(ua, signature) {
			return true
		}
	}
	return false
}
