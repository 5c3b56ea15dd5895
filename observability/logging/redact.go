package logging

import (
	"log/slog"
	"net/url"
	"strings"
)

// RedactedValue replaces secrets in log output.
const RedactedValue = "[REDACTED]"

// sensitiveKeys are scrubbed by the JSON handler no matter which call site
// logs them. Matching is case-insensitive on the final key segment.
var sensitiveKeys = map[string]struct{}{
	"authorization":   {},
	"token":           {},
	"hmac_secret":     {},
	"secret":          {},
	"password":        {},
	"dsn":             {},
	"redis_url":       {},
	"x-caller-secret": {},
}

// IsSensitive reports whether values logged under key are always redacted.
func IsSensitive(key string) bool {
	normalized := strings.ToLower(strings.TrimSpace(key))
	if idx := strings.LastIndex(normalized, "."); idx >= 0 {
		normalized = normalized[idx+1:]
	}
	_, ok := sensitiveKeys[normalized]
	return ok
}

// MaskField redacts value when key is sensitive. Bearer headers keep their
// scheme so operators can still tell a missing token from a malformed one.
func MaskField(key, value string) slog.Attr {
	if strings.TrimSpace(value) == "" || !IsSensitive(key) {
		return slog.String(key, value)
	}
	if scheme, _, found := strings.Cut(strings.TrimSpace(value), " "); found && strings.EqualFold(scheme, "bearer") {
		return slog.String(key, scheme+" "+RedactedValue)
	}
	return slog.String(key, RedactedValue)
}

// MaskURL drops any userinfo password from a connection URL.
func MaskURL(raw string) string {
	parsed, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || parsed.User == nil {
		return raw
	}
	if _, ok := parsed.User.Password(); ok {
		parsed.User = url.UserPassword(parsed.User.Username(), "xxxxx")
	}
	return parsed.String()
}

func redactAttr(attr slog.Attr) slog.Attr {
	if attr.Value.Kind() != slog.KindString || !IsSensitive(attr.Key) {
		return attr
	}
	return MaskField(attr.Key, attr.Value.String())
}
