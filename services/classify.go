package services

import (
	"context"
	"errors"
	"io/fs"
	"net"
	"os"
	"os/exec"
	"strings"
	"syscall"
)

// ErrorCategory is the canonical failure classification. Backoff and
// remediation advice branch on it rather than on concrete error types.
type ErrorCategory string

const (
	CategoryTransientNetwork  ErrorCategory = "transient_network"
	CategoryPlatformThrottle  ErrorCategory = "platform_throttle"
	CategoryAuthFailure       ErrorCategory = "auth_failure"
	CategoryMissingDependency ErrorCategory = "missing_dependency"
	CategoryIOError           ErrorCategory = "io_error"
	CategoryPermanent         ErrorCategory = "permanent"
)

// ErrorKind tags the shape of a Go error before message matching
type ErrorKind int

const (
	KindOther ErrorKind = iota
	KindTimeout
	KindPermission
	KindMissingExecutable
	KindOS
)

// ErrorInfo is the structured input to Classify: a kind tag plus the
// lower-cased error text.
type ErrorInfo struct {
	Kind    ErrorKind
	Message string
}

// DescribeError extracts the classification input from err
func DescribeError(err error) ErrorInfo {
	if err == nil {
		return ErrorInfo{}
	}
	info := ErrorInfo{Message: strings.ToLower(err.Error())}

	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, os.ErrDeadlineExceeded),
		errors.As(err, &netErr) && netErr.Timeout():
		info.Kind = KindTimeout
	case errors.Is(err, exec.ErrNotFound):
		info.Kind = KindMissingExecutable
	case errors.Is(err, fs.ErrPermission):
		info.Kind = KindPermission
	case isOSError(err):
		info.Kind = KindOS
	}
	return info
}

func isOSError(err error) bool {
	var pathErr *fs.PathError
	var linkErr *os.LinkError
	var sysErr *os.SyscallError
	var errno syscall.Errno
	return errors.As(err, &pathErr) || errors.As(err, &linkErr) ||
		errors.As(err, &sysErr) || errors.As(err, &errno)
}

type classificationRule struct {
	category ErrorCategory
	match    func(ErrorInfo) bool
}

// classificationRules is checked in order; the first match wins and anything
// unmatched is permanent.
var classificationRules = []classificationRule{
	{CategoryTransientNetwork, func(i ErrorInfo) bool {
		return i.Kind == KindTimeout || containsAny(i.Message, "timeout", "timed out")
	}},
	{CategoryPlatformThrottle, func(i ErrorInfo) bool {
		return containsAny(i.Message, "429", "too many requests")
	}},
	{CategoryAuthFailure, func(i ErrorInfo) bool {
		return i.Kind == KindPermission ||
			containsAny(i.Message, "unauthorized", "forbidden", "auth", "permission denied")
	}},
	{CategoryMissingDependency, func(i ErrorInfo) bool {
		// tool failures are prefixed with the tool name, so only the
		// transcoder's name counts next to "not found"
		return i.Kind == KindMissingExecutable ||
			containsAny(i.Message, "executable file not found", "command not found") ||
			(containsAny(i.Message, "not found") && containsAny(i.Message, "ffmpeg"))
	}},
	{CategoryIOError, func(i ErrorInfo) bool {
		return i.Kind == KindOS || containsAny(i.Message, "disk", "no space")
	}},
}

// Classify maps structured error info to a category
func Classify(info ErrorInfo) ErrorCategory {
	for _, rule := range classificationRules {
		if rule.match(info) {
			return rule.category
		}
	}
	return CategoryPermanent
}

// ClassifyError is Classify(DescribeError(err))
func ClassifyError(err error) ErrorCategory {
	return Classify(DescribeError(err))
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
