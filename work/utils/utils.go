package utils

import (
	"blive-proxy/work/config"
	"net/url"
	"strings"

	"github.com/grafana/regexp"
)

// channelRe accepts a bare room identifier or a full room page URL.
var channelRe = regexp.MustCompile(`^(?:https?://live\.bilibili\.com/)?(?P<channel>[^/?#]+)`)

// LogURL returns either the original URL or an obfuscated version for logging
func LogURL(cfg *config.Config, url string) string {
	if cfg.ObfuscateUrls {
		return ObfuscateURL(url)
	}
	return url
}

// LogURLWithFlag is LogURL for callers that only carry the flag
func LogURLWithFlag(obfuscate bool, url string) string {
	if obfuscate {
		return ObfuscateURL(url)
	}
	return url
}

// ExtractChannel pulls the channel identifier out of either a bare name
// ("1234", "roomname") or a full room page URL. Returns "" when nothing
// usable is present.
func ExtractChannel(input string) string {
	input = strings.TrimSpace(input)
	if input == "" {
		return ""
	}
	m := channelRe.FindStringSubmatch(input)
	if m == nil {
		return ""
	}
	channel := m[channelRe.SubexpIndex("channel")]
	// The regexp tolerates a missing prefix, so a stray scheme fragment
	// can slip through as a "channel".
	if strings.Contains(channel, ":") {
		return ""
	}
	return channel
}

// NormalizeScheme downgrades an https URL to plain http when requested.
// Non-http schemes pass through untouched.
func NormalizeScheme(urlStr string, preferUnencrypted bool) string {
	if preferUnencrypted && strings.HasPrefix(urlStr, "https://") {
		return "http://" + strings.TrimPrefix(urlStr, "https://")
	}
	return urlStr
}

// ObfuscateURL masks the path, query and fragment of a URL for logging.
func ObfuscateURL(urlStr string) string {
	if urlStr == "" {
		return ""
	}

	// Parse the URL
	u, err := url.Parse(urlStr)
	if err != nil {
		// If parsing fails, just obfuscate the whole thing
		return "***OBFUSCATED***"
	}

	// Keep scheme and host, obfuscate path and query
	result := u.Scheme + "://" + u.Host
	if u.Path != "" && u.Path != "/" {
		result += "/***"
	}
	if u.RawQuery != "" {
		result += "?***"
	}
	if u.Fragment != "" {
		result += "#***"
	}

	return result
}
