package services

import (
	"errors"
	"strings"
)

// ErrorCode groups failures for user-facing advice
type ErrorCode string

const (
	CodeNetwork  ErrorCode = "network_error"
	CodeAuth     ErrorCode = "auth_error"
	CodeDisk     ErrorCode = "disk_error"
	CodeFFmpeg   ErrorCode = "ffmpeg_error"
	CodeThrottle ErrorCode = "throttle_error"
	CodeCookie   ErrorCode = "cookie_error"
	CodeUnknown  ErrorCode = "unknown_error"
)

// Severity levels for advice
const (
	SeverityInfo    = "info"
	SeverityWarning = "warning"
	SeverityError   = "error"
)

// RemediationAdvice is a human-readable explanation plus a recovery action
type RemediationAdvice struct {
	Code     ErrorCode `json:"code"`
	Message  string    `json:"message"`
	Action   string    `json:"action"`
	Severity string    `json:"severity"`
}

var adviceByCode = map[ErrorCode]RemediationAdvice{
	CodeNetwork: {CodeNetwork, "Network error occurred during download",
		"Check your internet connection and try again", SeverityWarning},
	CodeAuth: {CodeAuth, "Authentication failed (invalid credentials or cookies)",
		"Verify cookies file format or regenerate authentication", SeverityError},
	CodeDisk: {CodeDisk, "Insufficient disk space for output",
		"Free up disk space and try again", SeverityError},
	CodeFFmpeg: {CodeFFmpeg, "Media transcoding failed",
		"Ensure ffmpeg is installed and properly configured", SeverityError},
	CodeThrottle: {CodeThrottle, "Platform rate limiting detected",
		"Wait before retrying; exponential backoff is enabled", SeverityInfo},
	CodeCookie: {CodeCookie, "Cookie file format invalid or expired",
		"Regenerate cookies and re-submit", SeverityError},
	CodeUnknown: {CodeUnknown, "An unexpected error occurred",
		"Check logs and try again", SeverityError},
}

// adviceRules is checked in order against the lower-cased error text
var adviceRules = []struct {
	code ErrorCode
	subs []string
}{
	{CodeNetwork, []string{"network", "connection"}},
	{CodeAuth, []string{"auth", "unauthorized", "403"}},
	{CodeDisk, []string{"disk", "no space", "space left"}},
	{CodeFFmpeg, []string{"ffmpeg", "transcode"}},
	{CodeThrottle, []string{"429", "too many requests"}},
	{CodeCookie, []string{"cookie"}},
}

// AdviceFor returns the advice registered for code, falling back to unknown
func AdviceFor(code ErrorCode) RemediationAdvice {
	if advice, ok := adviceByCode[code]; ok {
		return advice
	}
	return adviceByCode[CodeUnknown]
}

// AdviceFromError picks advice for err. Errors that already carry a retry
// category are mapped from it before falling back to message matching.
func AdviceFromError(err error) RemediationAdvice {
	if err == nil {
		return AdviceFor(CodeUnknown)
	}
	var retryErr *RetryError
	if errors.As(err, &retryErr) {
		if code, ok := codeForCategory(retryErr.Category); ok {
			return AdviceFor(code)
		}
	}
	msg := strings.ToLower(err.Error())
	for _, rule := range adviceRules {
		if containsAny(msg, rule.subs...) {
			return AdviceFor(rule.code)
		}
	}
	return AdviceFor(CodeUnknown)
}

func codeForCategory(category ErrorCategory) (ErrorCode, bool) {
	switch category {
	case CategoryTransientNetwork:
		return CodeNetwork, true
	case CategoryPlatformThrottle:
		return CodeThrottle, true
	case CategoryAuthFailure:
		return CodeAuth, true
	case CategoryMissingDependency:
		return CodeFFmpeg, true
	case CategoryIOError:
		return CodeDisk, true
	}
	return "", false
}
